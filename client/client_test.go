package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"os-overview/capability"
	"os-overview/discovery"
	"os-overview/message"
	"os-overview/server"
)

type stubUsers struct {
	mu    sync.Mutex
	users []string
}

func (u *stubUsers) List(context.Context) ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.users...), nil
}

func (u *stubUsers) Add(_ context.Context, name, _ string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, existing := range u.users {
		if existing == name {
			return errors.New("user exists")
		}
	}
	u.users = append(u.users, name)
	return nil
}

func (u *stubUsers) Remove(context.Context, string) error                 { return nil }
func (u *stubUsers) ChangePassword(context.Context, string, string) error { return nil }

type stubServices struct{}

func (stubServices) List(context.Context) ([]capability.Service, error) {
	return []capability.Service{{Name: "cron.service", Load: "loaded", Active: "active", Sub: "running"}}, nil
}
func (stubServices) Manage(context.Context, string, string) error { return nil }

type stubProcs struct{}

func (stubProcs) List(context.Context) ([]capability.Process, error) {
	return []capability.Process{{PID: 1, Name: "init", User: "root"}}, nil
}

type stubMetrics struct{}

func (stubMetrics) Collect(context.Context) (capability.SystemInfo, error) {
	return capability.SystemInfo{OSName: "Test OS", CPUCores: 2, Disks: []capability.Disk{}}, nil
}

type noRunner struct{}

func (noRunner) Run(context.Context, []byte, string, ...string) ([]byte, error) {
	return nil, errors.New("not available in tests")
}

// startAgent serves a host whose file capability is real (rooted wherever the
// test points it) and whose other capabilities are stubs.
func startAgent(t testing.TB) string {
	t.Helper()
	host := &capability.Host{
		Users:     &stubUsers{users: []string{"root"}},
		Files:     capability.NewLocalFiles(noRunner{}),
		Services:  stubServices{},
		Processes: stubProcs{},
		Metrics:   stubMetrics{},
	}
	svr := server.NewServer()
	server.RegisterHost(svr.Dispatcher(), host, slog.New(slog.NewTextHandler(io.Discard, nil)))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(listener)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return listener.Addr().String()
}

func connect(t testing.TB, addr string) *Session {
	t.Helper()
	s := NewSession(WithDialTimeout(time.Second))
	require.NoError(t, s.Connect(context.Background(), addr))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionReadOnlyCalls(t *testing.T) {
	s := connect(t, startAgent(t))
	ctx := context.Background()

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, users)

	info, err := s.SystemInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Test OS", info.OSName)
	assert.Equal(t, 2, info.CPUCores)

	procs, err := s.Processes(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "init", procs[0].Name)

	services, err := s.Services(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cron.service", services[0].Name)
}

func TestSessionMutationsAndRegistryErrors(t *testing.T) {
	s := connect(t, startAgent(t))
	ctx := context.Background()

	require.NoError(t, s.AddUser(ctx, "bob", "pw"))
	users, _ := s.Users(ctx)
	assert.Equal(t, []string{"root", "bob"}, users)

	err := s.AddUser(ctx, "bob", "pw")
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeAddUser, rpcErr.Code)
	assert.Equal(t, "Failed to add user", rpcErr.Message)

	err = s.ManageService(ctx, "cron", "reload")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeManageService, rpcErr.Code)

	require.NoError(t, s.ManageService(ctx, "cron", "restart"))
}

func TestSessionFileTransfer(t *testing.T) {
	s := connect(t, startAgent(t))
	ctx := context.Background()
	dir := t.TempDir()
	remote := filepath.Join(dir, "report.bin")

	content := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, '\n'}
	require.NoError(t, s.Upload(ctx, remote, content))

	onDisk, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)

	data, savePath, err := s.Download(ctx, remote, "/home/op/report.bin")
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, "/home/op/report.bin", savePath)

	entries, err := s.ListFiles(ctx, dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "report.bin", entries[0].Name)
	assert.EqualValues(t, len(content), entries[0].Size)

	_, _, err = s.Download(ctx, filepath.Join(dir, "missing"), "")
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeDownloadFile, rpcErr.Code)
}

func TestSessionNotConnected(t *testing.T) {
	s := NewSession()
	_, err := s.Users(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = s.Send(message.MethodGetUserList, nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, s.Connected())
}

func TestSessionIDsSurviveReconnect(t *testing.T) {
	addr := startAgent(t)
	s := connect(t, addr)

	var ids []int64
	for round := 0; round < 2; round++ {
		for i := 0; i < 2; i++ {
			done := make(chan struct{})
			id, err := s.Send(message.MethodGetUserList, nil, func(_ json.RawMessage, _ *message.Error) { close(done) })
			require.NoError(t, err)
			<-done
			ids = append(ids, id)
		}
		require.NoError(t, s.Connect(context.Background(), addr))
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)
}

func TestSessionConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	err = NewSession(WithDialTimeout(time.Second)).Connect(context.Background(), addr)
	assert.Error(t, err)
}

// The agent answers discovery with its TCP port; the fleet dials what it found.
func TestFleetPicksDiscoveredAgent(t *testing.T) {
	agentAddr := startAgent(t)
	_, portStr, _ := net.SplitHostPort(agentAddr)
	port, _ := strconv.Atoi(portStr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	responder := discovery.NewResponder("127.0.0.1:0", port, nil)
	require.NoError(t, responder.Listen(ctx))
	go responder.Serve(ctx)

	fleet := NewFleet(timedSource{discovery.NewRequester(responder.LocalAddr().String(), nil)}, nil, time.Second, nil)
	defer fleet.Close()

	s, err := fleet.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, agentAddr, s.Addr())

	users, err := s.Users(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, users)

	again, err := fleet.Session(context.Background(), agentAddr)
	require.NoError(t, err)
	assert.Same(t, s, again, "a connected session is reused")
}

// countingListener counts accepted connections.
type countingListener struct {
	net.Listener
	accepted atomic.Int32
}

func (l *countingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.accepted.Add(1)
	}
	return conn, err
}

func TestFleetReconnectsDroppedSessionOnce(t *testing.T) {
	host := &capability.Host{
		Users:     &stubUsers{users: []string{"root"}},
		Files:     capability.NewLocalFiles(noRunner{}),
		Services:  stubServices{},
		Processes: stubProcs{},
		Metrics:   stubMetrics{},
	}
	svr := server.NewServer()
	server.RegisterHost(svr.Dispatcher(), host, slog.New(slog.NewTextHandler(io.Discard, nil)))
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listener := &countingListener{Listener: inner}
	go svr.ServeListener(listener)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	addr := inner.Addr().String()

	fleet := NewFleet(staticSource{}, nil, time.Second, nil)
	defer fleet.Close()

	first, err := fleet.Session(context.Background(), addr)
	require.NoError(t, err)
	first.Transport().Close()
	require.Eventually(t, func() bool { return !first.Connected() }, time.Second, 5*time.Millisecond)

	const callers = 10
	var wg sync.WaitGroup
	sessions := make([]*Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions[i], errs[i] = fleet.Session(context.Background(), addr)
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, first, sessions[i])
	}
	assert.Eventually(t, func() bool { return listener.accepted.Load() == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, listener.accepted.Load(), "one initial dial plus one reconnect")

	users, err := first.Users(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, users)
}

func TestFleetNoAgents(t *testing.T) {
	fleet := NewFleet(staticSource{}, nil, time.Second, nil)
	_, err := fleet.Pick(context.Background())
	assert.ErrorIs(t, err, ErrNoAgents)
}

// timedSource bounds each discovery round.
type timedSource struct{ q *discovery.Requester }

func (s timedSource) Discover(ctx context.Context) ([]discovery.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	return s.q.Discover(ctx)
}

type staticSource []discovery.Record

func (s staticSource) Discover(context.Context) ([]discovery.Record, error) {
	return s, nil
}
