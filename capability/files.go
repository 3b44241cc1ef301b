package capability

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MaxTransferSize bounds a single upload or download. The content travels
// base64-encoded inside one frame, so it must stay well under the frame limit.
const MaxTransferSize = 12 << 20

// isoLocal is the timestamp layout used in file listings and system info.
const isoLocal = "2006-01-02T15:04:05"

// LocalFiles serves the local file system. Permissions are changed through
// setfacl, so the permissions argument is an ACL entry such as "u:bob:rw".
type LocalFiles struct {
	runner Runner
	names  *idNames
}

func NewLocalFiles(runner Runner) *LocalFiles {
	return &LocalFiles{runner: runner, names: newIDNames()}
}

// List describes the entries of dir, hidden ones included, sorted by name.
// An empty dir lists the root.
func (f *LocalFiles) List(ctx context.Context, dir string) ([]FileEntry, error) {
	if dir == "" {
		dir = "/"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	entries := make([]FileEntry, 0, len(dirents))
	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		full := filepath.Join(abs, d.Name())
		info, err := os.Stat(full)
		if err != nil {
			// Dangling symlink or a file removed while listing.
			if info, err = os.Lstat(full); err != nil {
				continue
			}
		}
		entries = append(entries, f.describe(full, info))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (f *LocalFiles) describe(path string, info fs.FileInfo) FileEntry {
	entry := FileEntry{
		Name:        info.Name(),
		Path:        path,
		IsDir:       info.IsDir(),
		Size:        info.Size(),
		Permissions: permissionString(info.Mode()),
		Modified:    info.ModTime().Format(isoLocal),
	}
	st := statOwnership(path, info)
	if st.ok {
		entry.Owner = f.names.user(st.uid)
		entry.Group = f.names.group(st.gid)
	}
	if !st.birth.IsZero() {
		entry.Created = st.birth.Format(isoLocal)
	}
	return entry
}

// permissionString renders the nine rwx bits, e.g. "rwxr-x---".
func permissionString(mode fs.FileMode) string {
	return mode.Perm().String()[1:]
}

func (f *LocalFiles) SetPermissions(ctx context.Context, path, permissions string) error {
	if err := argument("path", path); err != nil {
		return err
	}
	if err := argument("permissions", permissions); err != nil {
		return err
	}
	_, err := f.runner.Run(ctx, nil, "setfacl", "-m", permissions, path)
	return err
}

func (f *LocalFiles) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidArgument, path)
	}
	if info.Size() > MaxTransferSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrInvalidArgument, path, info.Size(), MaxTransferSize)
	}
	return os.ReadFile(path)
}

func (f *LocalFiles) WriteFile(ctx context.Context, path string, data []byte) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if len(data) > MaxTransferSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrInvalidArgument, len(data), MaxTransferSize)
	}
	return os.WriteFile(path, data, 0o644)
}

type ownership struct {
	uid, gid uint32
	birth    time.Time
	ok       bool
}

// idNames caches uid/gid to name lookups; a listing of /usr/bin would otherwise
// parse /etc/passwd once per entry.
type idNames struct {
	mu     sync.Mutex
	users  map[uint32]string
	groups map[uint32]string
}

func newIDNames() *idNames {
	return &idNames{users: map[uint32]string{}, groups: map[uint32]string{}}
}

func (n *idNames) user(uid uint32) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if name, ok := n.users[uid]; ok {
		return name
	}
	id := strconv.FormatUint(uint64(uid), 10)
	name := id
	if u, err := user.LookupId(id); err == nil {
		name = u.Username
	}
	n.users[uid] = name
	return name
}

func (n *idNames) group(gid uint32) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if name, ok := n.groups[gid]; ok {
		return name
	}
	id := strconv.FormatUint(uint64(gid), 10)
	name := id
	if g, err := user.LookupGroupId(id); err == nil {
		name = g.Name
	}
	n.groups[gid] = name
	return name
}
