package capability

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const unknown = "Unknown"

// LinuxMetrics gathers getSystemInfo from /etc, /proc, /sys and df.
type LinuxMetrics struct {
	runner  Runner
	etcDir  string
	procDir string
	sysDir  string
	now     func() time.Time
}

func NewLinuxMetrics(runner Runner) *LinuxMetrics {
	return &LinuxMetrics{
		runner:  runner,
		etcDir:  "/etc",
		procDir: "/proc",
		sysDir:  "/sys",
		now:     time.Now,
	}
}

// Collect fills in as much of SystemInfo as the host allows. Sections that
// cannot be read keep their "Unknown" or zero value, and their errors are joined
// into the returned error; the partial SystemInfo is valid either way.
func (m *LinuxMetrics) Collect(ctx context.Context) (SystemInfo, error) {
	info := SystemInfo{
		OSName:    unknown,
		CPUModel:  unknown,
		Uptime:    unknown,
		Disks:     []Disk{},
		Timestamp: m.now().Format(isoLocal),
	}
	var errs []error

	if err := m.readFile(filepath.Join(m.etcDir, "os-release"), func(r io.Reader) error {
		info.OSName = parseOSRelease(r)
		return nil
	}); err != nil {
		errs = append(errs, err)
	}

	if err := m.readFile(filepath.Join(m.procDir, "cpuinfo"), func(r io.Reader) error {
		info.CPUModel, info.CPUCores = parseCPUInfo(r)
		return nil
	}); err != nil {
		errs = append(errs, err)
	}

	if err := m.readFile(filepath.Join(m.procDir, "stat"), func(r io.Reader) (err error) {
		info.CPULoad.Usage, err = parseCPUUsage(r)
		return err
	}); err != nil {
		errs = append(errs, err)
	}

	if err := m.readFile(filepath.Join(m.procDir, "meminfo"), func(r io.Reader) error {
		info.Memory = parseMemInfo(r)
		return nil
	}); err != nil {
		errs = append(errs, err)
	}

	if err := m.readFile(filepath.Join(m.procDir, "uptime"), func(r io.Reader) (err error) {
		info.Uptime, err = parseUptime(r)
		return err
	}); err != nil {
		errs = append(errs, err)
	}

	temp := m.cpuTemperature()
	info.CPULoad.Temperature = temp
	info.Temperature = Temperature{CPU: "N/A", HDD: "N/A"}
	if temp > 0 {
		info.Temperature.CPU = temp
	}

	out, err := m.runner.Run(ctx, nil, "df", "-h", "--output=target,size,used,avail,pcent")
	if err != nil {
		errs = append(errs, err)
	} else {
		info.Disks = parseDF(out)
	}

	return info, errors.Join(errs...)
}

func (m *LinuxMetrics) readFile(path string, parse func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := parse(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// cpuTemperature reads thermal zone 0 in degrees Celsius, or 0 without a sensor.
func (m *LinuxMetrics) cpuTemperature() float64 {
	data, err := os.ReadFile(filepath.Join(m.sysDir, "class", "thermal", "thermal_zone0", "temp"))
	if err != nil {
		return 0
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0
	}
	return milli / 1000
}

func parseOSRelease(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(scanner.Text(), "PRETTY_NAME="); ok {
			return strings.Trim(v, `"'`)
		}
	}
	return unknown
}

// parseCPUInfo returns the first model name and the number of processor entries.
func parseCPUInfo(r io.Reader) (string, int) {
	model, cores := unknown, 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "processor"):
			cores++
		case strings.HasPrefix(line, "model name") && model == unknown:
			if _, v, ok := strings.Cut(line, ":"); ok {
				model = strings.TrimSpace(v)
			}
		}
	}
	return model, cores
}

// parseCPUUsage computes busy time over user+nice+system+idle from the
// aggregate "cpu" line of /proc/stat.
func parseCPUUsage(r io.Reader) (float64, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return 0, err
	}
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected first line %q", strings.TrimSpace(line))
	}
	var v [4]float64
	for i := range v {
		v[i], _ = strconv.ParseFloat(fields[i+1], 64)
	}
	busy := v[0] + v[1] + v[2]
	total := busy + v[3]
	if total == 0 {
		return 0, nil
	}
	return 100 * busy / total, nil
}

func parseMemInfo(r io.Reader) Memory {
	var total, free, available int64
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, _ := strconv.ParseInt(fields[1], 10, 64)
		switch fields[0] {
		case "MemTotal:":
			total = kb
		case "MemFree:":
			free = kb
		case "MemAvailable:":
			available = kb
		}
	}
	mem := Memory{
		TotalMB:     total / 1024,
		UsedMB:      (total - free) / 1024,
		AvailableMB: available / 1024,
	}
	if total > 0 {
		mem.UsagePercent = 100 * float64(total-free) / float64(total)
	}
	return mem
}

// parseUptime renders the first field of /proc/uptime as "<d>d <h>h <m>m".
func parseUptime(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return unknown, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return unknown, fmt.Errorf("empty uptime")
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return unknown, err
	}
	s := int64(secs)
	return fmt.Sprintf("%dd %dh %dm", s/86400, s%86400/3600, s%3600/60), nil
}

// parseDF reads df --output=target,size,used,avail,pcent, skipping the header.
func parseDF(out []byte) []Disk {
	disks := []Disk{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		// Mount points may contain spaces; the last four columns never do.
		n := len(fields)
		disks = append(disks, Disk{
			MountPoint:   strings.Join(fields[:n-4], " "),
			TotalSize:    fields[n-4],
			Used:         fields[n-3],
			Available:    fields[n-2],
			UsagePercent: fields[n-1],
		})
	}
	return disks
}
