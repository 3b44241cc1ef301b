// Package capability is the agent's view of the host: user accounts, the file
// system, services, processes and system metrics.
//
// The dispatcher only ever talks to the interfaces below; the Linux
// implementations in this package back them with /proc, /etc and the usual
// administration commands. Every call takes a context whose deadline bounds the
// commands it runs.
package capability

import (
	"context"
	"errors"
)

// ErrInvalidArgument is returned for arguments rejected before touching the host.
var ErrInvalidArgument = errors.New("capability: invalid argument")

// UserAccounts manages local user accounts.
type UserAccounts interface {
	List(ctx context.Context) ([]string, error)
	Add(ctx context.Context, username, password string) error
	Remove(ctx context.Context, username string) error
	ChangePassword(ctx context.Context, username, password string) error
}

// FileEntry describes one directory entry.
type FileEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDir       bool   `json:"is_dir"`
	Size        int64  `json:"size"`
	Permissions string `json:"permissions"`
	Owner       string `json:"owner"`
	Group       string `json:"group"`
	Created     string `json:"created"`
	Modified    string `json:"modified"`
}

// FileSystem lists directories, changes permissions and moves file contents.
type FileSystem interface {
	List(ctx context.Context, path string) ([]FileEntry, error)
	SetPermissions(ctx context.Context, path, permissions string) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
}

// Service is one row of the service manager's unit list.
type Service struct {
	Name        string `json:"name"`
	Load        string `json:"load"`
	Active      string `json:"active"`
	Sub         string `json:"sub"`
	Description string `json:"description"`
}

// Service actions accepted by ServiceControl.Manage.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
)

// ValidAction reports whether action is one of start, stop or restart.
func ValidAction(action string) bool {
	switch action {
	case ActionStart, ActionStop, ActionRestart:
		return true
	}
	return false
}

// ServiceControl lists and drives system services.
type ServiceControl interface {
	List(ctx context.Context) ([]Service, error)
	Manage(ctx context.Context, service, action string) error
}

// Process is one row of the process table. RSS is in bytes; UTime and STime are
// in clock ticks.
type Process struct {
	PID     int    `json:"pid"`
	Name    string `json:"name"`
	State   string `json:"state"`
	PPID    int    `json:"ppid"`
	UTime   uint64 `json:"utime"`
	STime   uint64 `json:"stime"`
	RSS     int64  `json:"rss"`
	User    string `json:"user"`
	Cmdline string `json:"cmdline"`
}

// Processes snapshots the process table.
type Processes interface {
	List(ctx context.Context) ([]Process, error)
}

// CPULoad is the aggregate CPU usage since boot.
type CPULoad struct {
	Usage       float64 `json:"usage"`
	Temperature float64 `json:"temperature"`
}

// Memory figures are in MiB.
type Memory struct {
	TotalMB      int64   `json:"total_mb"`
	UsedMB       int64   `json:"used_mb"`
	AvailableMB  int64   `json:"available_mb"`
	UsagePercent float64 `json:"usage_percent"`
}

// Disk is one mounted file system as reported by df.
type Disk struct {
	MountPoint   string `json:"mount_point"`
	TotalSize    string `json:"total_size"`
	Used         string `json:"used"`
	Available    string `json:"available"`
	UsagePercent string `json:"usage_percent"`
}

// Temperature values are degrees Celsius, or "N/A" when no sensor is readable.
type Temperature struct {
	CPU any `json:"cpu"`
	HDD any `json:"hdd"`
}

// SystemInfo is the getSystemInfo result.
type SystemInfo struct {
	OSName      string      `json:"os_name"`
	CPUModel    string      `json:"cpu_model"`
	CPUCores    int         `json:"cpu_cores"`
	CPULoad     CPULoad     `json:"cpu_load"`
	Memory      Memory      `json:"memory"`
	Disks       []Disk      `json:"disks"`
	Temperature Temperature `json:"temperature"`
	Uptime      string      `json:"uptime"`
	Timestamp   string      `json:"timestamp"`
}

// SystemMetrics collects a SystemInfo snapshot.
type SystemMetrics interface {
	Collect(ctx context.Context) (SystemInfo, error)
}

// Host bundles every capability the dispatcher needs.
type Host struct {
	Users     UserAccounts
	Files     FileSystem
	Services  ServiceControl
	Processes Processes
	Metrics   SystemMetrics
}
