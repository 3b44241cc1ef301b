// Package client is the operator side: a Session talks to one agent, and a
// Fleet finds agents and keeps a Session per agent.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"os-overview/capability"
	"os-overview/message"
	"os-overview/transport"
)

// ErrNotConnected is returned by calls made while the session has no connection.
var ErrNotConnected = transport.ErrNotConnected

// Session is one operator's conversation with an agent. Request ids start at 1
// and keep counting across reconnects, so a late response from an old
// connection can never be mistaken for a new request's.
type Session struct {
	ids         transport.IDAllocator
	dialTimeout time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	t    *transport.ClientTransport
	addr string

	dialing sync.Mutex // serializes ensureConnected
}

type SessionOption func(*Session)

func WithDialTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.dialTimeout = d }
}

func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		dialTimeout: 5 * time.Second,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials addr, replacing any previous connection. Requests pending on
// the previous connection fail with -32099.
func (s *Session) Connect(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: s.dialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	t := transport.NewClientTransport(conn, &s.ids, s.logger)

	s.mu.Lock()
	old := s.t
	s.t, s.addr = t, addr
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.logger.Info("connected to agent", "addr", addr)
	return nil
}

// ensureConnected dials addr unless the session already has a live
// connection. Concurrent callers share one dial.
func (s *Session) ensureConnected(ctx context.Context, addr string) error {
	s.dialing.Lock()
	defer s.dialing.Unlock()
	if s.Connected() {
		return nil
	}
	return s.Connect(ctx, addr)
}

// Addr returns the address of the current or last connection.
func (s *Session) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Connected reports whether the session has a live connection.
func (s *Session) Connected() bool {
	t := s.transport()
	if t == nil {
		return false
	}
	select {
	case <-t.Done():
		return false
	default:
		return true
	}
}

// Transport returns the current connection's transport, e.g. to register
// result handlers for asynchronous sends. It is nil before Connect.
func (s *Session) Transport() *transport.ClientTransport {
	return s.transport()
}

func (s *Session) transport() *transport.ClientTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}

// Close closes the connection. Pending requests fail with -32099.
func (s *Session) Close() error {
	s.mu.Lock()
	t := s.t
	s.t = nil
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

// Send issues a request without waiting; see transport.ClientTransport.Send.
func (s *Session) Send(method string, params any, cb transport.Callback) (int64, error) {
	t := s.transport()
	if t == nil {
		return 0, ErrNotConnected
	}
	return t.Send(method, params, cb)
}

// Call issues a request, waits for the outcome and decodes the result into out
// (which may be nil). A failure from the agent is returned as *message.Error.
func (s *Session) Call(ctx context.Context, method string, params, out any) error {
	t := s.transport()
	if t == nil {
		return ErrNotConnected
	}
	result, err := t.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (s *Session) Users(ctx context.Context) ([]string, error) {
	var users []string
	err := s.Call(ctx, message.MethodGetUserList, nil, &users)
	return users, err
}

func (s *Session) SystemInfo(ctx context.Context) (capability.SystemInfo, error) {
	var info capability.SystemInfo
	err := s.Call(ctx, message.MethodGetSystemInfo, nil, &info)
	return info, err
}

func (s *Session) ListFiles(ctx context.Context, path string) ([]capability.FileEntry, error) {
	var entries []capability.FileEntry
	err := s.Call(ctx, message.MethodGetFileSystem, message.PathParams{Path: path}, &entries)
	return entries, err
}

func (s *Session) Processes(ctx context.Context) ([]capability.Process, error) {
	var procs []capability.Process
	err := s.Call(ctx, message.MethodGetProcessList, nil, &procs)
	return procs, err
}

func (s *Session) Services(ctx context.Context) ([]capability.Service, error) {
	var services []capability.Service
	err := s.Call(ctx, message.MethodGetServiceList, nil, &services)
	return services, err
}

// mutate runs a mutating method and checks the success status.
func (s *Session) mutate(ctx context.Context, method string, params any) error {
	var status message.Status
	if err := s.Call(ctx, method, params, &status); err != nil {
		return err
	}
	if status.Status != message.StatusSuccess {
		return fmt.Errorf("%s: unexpected status %q", method, status.Status)
	}
	return nil
}

func (s *Session) AddUser(ctx context.Context, username, password string) error {
	return s.mutate(ctx, message.MethodAddUser, message.UserParams{Username: username, Password: password})
}

func (s *Session) RemoveUser(ctx context.Context, username string) error {
	return s.mutate(ctx, message.MethodRemoveUser, message.UserParams{Username: username})
}

func (s *Session) ChangePassword(ctx context.Context, username, password string) error {
	return s.mutate(ctx, message.MethodChangeUserPassword, message.UserParams{Username: username, Password: password})
}

func (s *Session) SetPermissions(ctx context.Context, path, permissions string) error {
	return s.mutate(ctx, message.MethodSetFilePermissions, message.PermissionsParams{Path: path, Permissions: permissions})
}

func (s *Session) ManageService(ctx context.Context, service, action string) error {
	return s.mutate(ctx, message.MethodManageService, message.ServiceParams{Service: service, Action: action})
}

func (s *Session) Upload(ctx context.Context, remotePath string, data []byte) error {
	return s.mutate(ctx, message.MethodUploadFile, message.UploadParams{
		RemotePath: remotePath,
		Data:       base64.StdEncoding.EncodeToString(data),
	})
}

// Download fetches remotePath. savePath is passed through the agent and comes
// back as the second result (the remote base name when empty).
func (s *Session) Download(ctx context.Context, remotePath, savePath string) ([]byte, string, error) {
	var result message.DownloadResult
	err := s.Call(ctx, message.MethodDownloadFile, message.DownloadParams{RemotePath: remotePath, SavePath: savePath}, &result)
	if err != nil {
		return nil, "", err
	}
	data, err := base64.StdEncoding.DecodeString(result.Data)
	if err != nil {
		return nil, "", fmt.Errorf("decode download data: %w", err)
	}
	return data, result.SavePath, nil
}
