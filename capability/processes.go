package capability

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ProcFS reads the process table from a procfs mount.
type ProcFS struct {
	root     string
	pageSize int64
}

func NewProcFS() *ProcFS {
	return &ProcFS{root: "/proc", pageSize: int64(os.Getpagesize())}
}

// List returns every process visible under the procfs root, ordered by pid.
// Processes that exit while the table is read are left out.
func (p *ProcFS) List(ctx context.Context) ([]Process, error) {
	dirents, err := os.ReadDir(p.root)
	if err != nil {
		return nil, err
	}

	users := map[string]string{}
	procs := []Process{}
	for _, d := range dirents {
		pid, err := strconv.Atoi(d.Name())
		if err != nil || !d.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		proc, err := p.read(pid, users)
		if err != nil {
			continue
		}
		procs = append(procs, proc)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}

func (p *ProcFS) read(pid int, users map[string]string) (Process, error) {
	dir := filepath.Join(p.root, strconv.Itoa(pid))

	stat, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return Process{}, err
	}
	proc, err := parseStat(stat, p.pageSize)
	if err != nil {
		return Process{}, err
	}

	if status, err := os.ReadFile(filepath.Join(dir, "status")); err == nil {
		if uid := statusUID(status); uid != "" {
			proc.User = lookupUser(uid, users)
		}
	}

	cmdline, _ := os.ReadFile(filepath.Join(dir, "cmdline"))
	proc.Cmdline = strings.TrimSpace(string(bytes.ReplaceAll(cmdline, []byte{0}, []byte{' '})))
	if proc.Cmdline == "" {
		// Kernel threads have no command line.
		proc.Cmdline = "[" + proc.Name + "]"
	}
	return proc, nil
}

// parseStat decodes /proc/<pid>/stat. The command name is parenthesised and may
// itself contain spaces or parentheses, so fields are counted from the last ')'.
func parseStat(data []byte, pageSize int64) (Process, error) {
	s := string(data)
	open := strings.IndexByte(s, '(')
	closing := strings.LastIndexByte(s, ')')
	if open < 0 || closing < open {
		return Process{}, fmt.Errorf("malformed stat line")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(s[:open]))
	if err != nil {
		return Process{}, fmt.Errorf("malformed pid: %w", err)
	}

	// fields[0] is field 3 (state) of proc(5).
	fields := strings.Fields(s[closing+1:])
	if len(fields) < 22 {
		return Process{}, fmt.Errorf("stat has %d fields after comm", len(fields))
	}
	ppid, _ := strconv.Atoi(fields[1])
	utime, _ := strconv.ParseUint(fields[11], 10, 64)
	stime, _ := strconv.ParseUint(fields[12], 10, 64)
	rssPages, _ := strconv.ParseInt(fields[21], 10, 64)

	return Process{
		PID:   pid,
		Name:  s[open+1 : closing],
		State: fields[0],
		PPID:  ppid,
		UTime: utime,
		STime: stime,
		RSS:   rssPages * pageSize,
	}, nil
}

// statusUID returns the real uid from a /proc/<pid>/status document.
func statusUID(status []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(status))
	for scanner.Scan() {
		if rest, ok := strings.CutPrefix(scanner.Text(), "Uid:"); ok {
			if fields := strings.Fields(rest); len(fields) > 0 {
				return fields[0]
			}
		}
	}
	return ""
}

func lookupUser(uid string, cache map[string]string) string {
	if name, ok := cache[uid]; ok {
		return name
	}
	name := uid
	if u, err := user.LookupId(uid); err == nil {
		name = u.Username
	}
	cache[uid] = name
	return name
}
