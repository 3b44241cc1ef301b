package server

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"os-overview/capability"
	"os-overview/codec"
	"os-overview/message"
	"os-overview/middleware"
	"os-overview/protocol"
)

// fakeHost implements every capability in memory. failing makes every call
// return an error.
type fakeHost struct {
	mu      sync.Mutex
	users   []string
	files   map[string][]byte
	failing bool
	calls   []string
}

var errHost = errors.New("host failure")

func (f *fakeHost) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.failing {
		return errHost
	}
	return nil
}

func (f *fakeHost) List(ctx context.Context) ([]string, error) {
	if err := f.record("users.list"); err != nil {
		return nil, err
	}
	return f.users, nil
}

func (f *fakeHost) Add(ctx context.Context, username, password string) error {
	return f.record("add " + username + " " + password)
}

func (f *fakeHost) Remove(ctx context.Context, username string) error {
	return f.record("remove " + username)
}

func (f *fakeHost) ChangePassword(ctx context.Context, username, password string) error {
	return f.record("passwd " + username + " " + password)
}

type fakeFiles struct{ *fakeHost }

func (f fakeFiles) List(ctx context.Context, path string) ([]capability.FileEntry, error) {
	if err := f.record("ls " + path); err != nil {
		return nil, err
	}
	return []capability.FileEntry{{Name: "etc", Path: "/etc", IsDir: true, Permissions: "rwxr-xr-x"}}, nil
}

func (f fakeFiles) SetPermissions(ctx context.Context, path, permissions string) error {
	return f.record("setfacl " + permissions + " " + path)
}

func (f fakeFiles) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := f.record("read " + path); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (f fakeFiles) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := f.record("write " + path); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

type fakeServices struct{ *fakeHost }

func (f fakeServices) List(ctx context.Context) ([]capability.Service, error) {
	if err := f.record("services"); err != nil {
		return nil, err
	}
	return []capability.Service{{Name: "cron.service", Load: "loaded", Active: "active", Sub: "running", Description: "cron"}}, nil
}

func (f fakeServices) Manage(ctx context.Context, service, action string) error {
	return f.record(action + " " + service)
}

type fakeProcs struct{ *fakeHost }

func (f fakeProcs) List(ctx context.Context) ([]capability.Process, error) {
	if err := f.record("ps"); err != nil {
		return nil, err
	}
	return []capability.Process{{PID: 1, Name: "init"}}, nil
}

type fakeMetrics struct{ *fakeHost }

func (f fakeMetrics) Collect(ctx context.Context) (capability.SystemInfo, error) {
	info := capability.SystemInfo{OSName: "Unknown", Disks: []capability.Disk{}}
	if err := f.record("sysinfo"); err != nil {
		return info, err
	}
	info.OSName = "Test OS"
	info.CPUCores = 4
	return info, nil
}

func newFakeHost() (*fakeHost, *capability.Host) {
	f := &fakeHost{users: []string{"root", "bob"}, files: map[string][]byte{}}
	return f, &capability.Host{
		Users:     f,
		Files:     fakeFiles{f},
		Services:  fakeServices{f},
		Processes: fakeProcs{f},
		Metrics:   fakeMetrics{f},
	}
}

// startServer serves host on a loopback port and shuts down on cleanup.
func startServer(t *testing.T, host *capability.Host, mws ...middleware.Middleware) *Server {
	t.Helper()
	svr := NewServer()
	RegisterHost(svr.Dispatcher(), host, svr.logger)
	for _, mw := range mws {
		svr.Use(mw)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(listener) }()

	t.Cleanup(func() {
		if err := svr.Shutdown(2 * time.Second); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		if err := <-served; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})
	return svr
}

func dial(t *testing.T, svr *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", svr.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func writeRaw(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	if err := protocol.WriteFrame(conn, []byte(payload)); err != nil {
		t.Fatal(err)
	}
}

func readRaw(t *testing.T, conn net.Conn) string {
	t.Helper()
	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	return string(payload)
}

func TestAddUserSuccessAndFailureWireForm(t *testing.T) {
	fake, host := newFakeHost()
	svr := startServer(t, host)
	conn := dial(t, svr)

	writeRaw(t, conn, `{"id":7,"method":"addUser","params":{"username":"u","password":"p"}}`)
	if got, want := readRaw(t, conn), `{"id":7,"result":{"status":"success"}}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	fake.mu.Lock()
	fake.failing = true
	fake.mu.Unlock()

	writeRaw(t, conn, `{"id":8,"method":"addUser","params":{"username":"u","password":"p"}}`)
	if got, want := readRaw(t, conn), `{"id":8,"error":{"code":-32001,"message":"Failed to add user"}}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, host := newFakeHost()
	svr := startServer(t, host)
	conn := dial(t, svr)

	for i, params := range []string{`{}`, `{"x":[1,2]}`, `null`} {
		writeRaw(t, conn, `{"id":`+string(rune('1'+i))+`,"method":"frobnicate","params":`+params+`}`)
		env, err := codec.DecodePayload([]byte(readRaw(t, conn)))
		if err != nil {
			t.Fatal(err)
		}
		if env.Error == nil || env.Error.Code != message.CodeMethodNotFound {
			t.Fatalf("expect -32601, got %+v", env)
		}
		if env.Error.Message != "Unknown method: frobnicate" {
			t.Fatalf("unexpected message %q", env.Error.Message)
		}
	}
}

func TestEveryMutationFailsWithItsRegistryCode(t *testing.T) {
	fake, host := newFakeHost()
	fake.failing = true
	svr := startServer(t, host)
	conn := dial(t, svr)

	cases := map[string]string{
		message.MethodAddUser:            `{"username":"u","password":"p"}`,
		message.MethodRemoveUser:         `{"username":"u"}`,
		message.MethodChangeUserPassword: `{"username":"u","password":"p"}`,
		message.MethodSetFilePermissions: `{"path":"/tmp","permissions":"u:bob:r"}`,
		message.MethodManageService:      `{"service":"cron","action":"restart"}`,
		message.MethodUploadFile:         `{"remotePath":"/tmp/x","data":"aGk="}`,
		message.MethodDownloadFile:       `{"remotePath":"/tmp/x"}`,
	}
	id := int64(100)
	for method, params := range cases {
		id++
		req, _ := message.NewRequest(id, method, json.RawMessage(params))
		if err := codec.WriteEnvelope(conn, req); err != nil {
			t.Fatal(err)
		}
		resp, err := codec.ReadEnvelope(conn)
		if err != nil {
			t.Fatal(err)
		}
		want, _ := message.FailureFor(method)
		if resp.Error == nil || *resp.Error != want {
			t.Errorf("%s: got %+v, want %+v", method, resp.Error, want)
		}
		if got, _ := resp.IDValue(); got != id {
			t.Errorf("%s: id %d, want %d", method, got, id)
		}
	}
}

func TestMalformedParams(t *testing.T) {
	fake, host := newFakeHost()
	svr := startServer(t, host)
	conn := dial(t, svr)

	// Read-only method: -32602.
	writeRaw(t, conn, `{"id":1,"method":"getFileSystem","params":{"path":42}}`)
	resp, _ := codec.DecodePayload([]byte(readRaw(t, conn)))
	if resp.Error == nil || resp.Error.Code != message.CodeInvalidParams {
		t.Fatalf("expect -32602, got %+v", resp)
	}

	// Mutating method: its registry code, and the capability is never called.
	writeRaw(t, conn, `{"id":2,"method":"manageService","params":["cron","start"]}`)
	resp, _ = codec.DecodePayload([]byte(readRaw(t, conn)))
	if resp.Error == nil || resp.Error.Code != message.CodeManageService {
		t.Fatalf("expect -32005, got %+v", resp)
	}
	writeRaw(t, conn, `{"id":3,"method":"manageService","params":{"service":"cron","action":"enable"}}`)
	resp, _ = codec.DecodePayload([]byte(readRaw(t, conn)))
	if resp.Error == nil || resp.Error.Code != message.CodeManageService {
		t.Fatalf("expect -32005 for unknown action, got %+v", resp)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.calls) != 0 {
		t.Fatalf("capabilities called for malformed requests: %v", fake.calls)
	}
}

func TestReadOnlyMethodsDegradeToEmptyResults(t *testing.T) {
	fake, host := newFakeHost()
	fake.failing = true
	svr := startServer(t, host)
	conn := dial(t, svr)

	cases := []struct {
		method string
		want   string
	}{
		{message.MethodGetUserList, `[]`},
		{message.MethodGetProcessList, `[]`},
		{message.MethodGetServiceList, `[]`},
		{message.MethodGetFileSystem, `[]`},
	}
	for i, tc := range cases {
		req, _ := message.NewRequest(int64(i+1), tc.method, nil)
		codec.WriteEnvelope(conn, req)
		resp, err := codec.ReadEnvelope(conn)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Error != nil || string(resp.Result) != tc.want {
			t.Errorf("%s: got result %s error %+v", tc.method, resp.Result, resp.Error)
		}
	}

	req, _ := message.NewRequest(99, message.MethodGetSystemInfo, nil)
	codec.WriteEnvelope(conn, req)
	resp, _ := codec.ReadEnvelope(conn)
	var info capability.SystemInfo
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		t.Fatalf("getSystemInfo result not decodable: %v", err)
	}
	if info.OSName != "Unknown" {
		t.Fatalf("expect partial info, got %+v", info)
	}
}

func TestReadOnlyMethods(t *testing.T) {
	_, host := newFakeHost()
	svr := startServer(t, host)
	conn := dial(t, svr)

	writeRaw(t, conn, `{"id":1,"method":"getUserList","params":{}}`)
	if got, want := readRaw(t, conn), `{"id":1,"result":["root","bob"]}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	writeRaw(t, conn, `{"id":2,"method":"getSystemInfo"}`)
	resp, _ := codec.DecodePayload([]byte(readRaw(t, conn)))
	var info capability.SystemInfo
	json.Unmarshal(resp.Result, &info)
	if info.OSName != "Test OS" || info.CPUCores != 4 {
		t.Fatalf("unexpected system info %+v", info)
	}
}

func TestUploadThenDownload(t *testing.T) {
	_, host := newFakeHost()
	svr := startServer(t, host)
	conn := dial(t, svr)

	content := []byte("binary\x00payload")
	up, _ := message.NewRequest(1, message.MethodUploadFile, message.UploadParams{
		RemotePath: "/tmp/blob",
		Data:       base64.StdEncoding.EncodeToString(content),
	})
	codec.WriteEnvelope(conn, up)
	resp, _ := codec.ReadEnvelope(conn)
	if resp.Error != nil {
		t.Fatalf("upload failed: %+v", resp.Error)
	}

	down, _ := message.NewRequest(2, message.MethodDownloadFile, message.DownloadParams{RemotePath: "/tmp/blob"})
	codec.WriteEnvelope(conn, down)
	resp, _ = codec.ReadEnvelope(conn)
	var result message.DownloadResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.SavePath != "blob" {
		t.Errorf("savePath = %q, want blob", result.SavePath)
	}
	got, _ := base64.StdEncoding.DecodeString(result.Data)
	if string(got) != string(content) {
		t.Errorf("downloaded %q, want %q", got, content)
	}

	bad, _ := message.NewRequest(3, message.MethodUploadFile, message.UploadParams{RemotePath: "/tmp/x", Data: "not base64!"})
	codec.WriteEnvelope(conn, bad)
	resp, _ = codec.ReadEnvelope(conn)
	if resp.Error == nil || resp.Error.Code != message.CodeUploadFile {
		t.Fatalf("expect -32006 for bad base64, got %+v", resp)
	}
}

// Requests sent back to back in one write are answered in arrival order.
func TestResponsesInArrivalOrder(t *testing.T) {
	_, host := newFakeHost()
	svr := startServer(t, host)
	conn := dial(t, svr)

	var batch []byte
	for id := int64(1); id <= 20; id++ {
		method := message.MethodGetUserList
		if id%3 == 0 {
			method = "nope"
		}
		req, _ := message.NewRequest(id, method, nil)
		frame, _ := codec.EncodeFrame(req)
		batch = append(batch, frame...)
	}
	if _, err := conn.Write(batch); err != nil {
		t.Fatal(err)
	}

	for want := int64(1); want <= 20; want++ {
		resp, err := codec.ReadEnvelope(conn)
		if err != nil {
			t.Fatal(err)
		}
		if got, _ := resp.IDValue(); got != want {
			t.Fatalf("response %d carries id %d", want, got)
		}
	}
}

// A partial frame on one connection does not hold up another.
func TestConnectionIsolation(t *testing.T) {
	_, host := newFakeHost()
	svr := startServer(t, host)
	a := dial(t, svr)
	b := dial(t, svr)

	reqA, _ := message.NewRequest(1, message.MethodGetUserList, nil)
	frameA, _ := codec.EncodeFrame(reqA)
	if _, err := a.Write(frameA[:5]); err != nil {
		t.Fatal(err)
	}

	reqB, _ := message.NewRequest(1, message.MethodGetProcessList, nil)
	codec.WriteEnvelope(b, reqB)
	resp, err := codec.ReadEnvelope(b)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(resp.Result), `"init"`) {
		t.Fatalf("connection B got %s", resp.Result)
	}

	a.Write(frameA[5:])
	resp, err = codec.ReadEnvelope(a)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Result) != `["root","bob"]` {
		t.Fatalf("connection A got %s", resp.Result)
	}
}

func TestUndecodableFrameIsSkipped(t *testing.T) {
	_, host := newFakeHost()
	svr := startServer(t, host)
	conn := dial(t, svr)

	writeRaw(t, conn, `{"id":1,"method":`)
	writeRaw(t, conn, `"just a string"`)
	writeRaw(t, conn, `{"id":2,"method":"getUserList","params":{}}`)

	resp, err := codec.ReadEnvelope(conn)
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := resp.IDValue(); id != 2 {
		t.Fatalf("expect only the valid request answered, got id %d", id)
	}
}

func TestRequestWithoutID(t *testing.T) {
	_, host := newFakeHost()
	svr := startServer(t, host)
	conn := dial(t, svr)

	writeRaw(t, conn, `{"method":"frobnicate"}`)
	if got, want := readRaw(t, conn), `{"error":{"code":-32601,"message":"Unknown method: frobnicate"}}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	writeRaw(t, conn, `{"id":5,"params":{}}`)
	resp, _ := codec.DecodePayload([]byte(readRaw(t, conn)))
	if resp.Error == nil || resp.Error.Code != message.CodeInvalidRequest {
		t.Fatalf("expect -32600 for a request without method, got %+v", resp)
	}
}

func TestOversizedHeaderClosesConnection(t *testing.T) {
	_, host := newFakeHost()
	svr := startServer(t, host)
	conn := dial(t, svr)

	if _, err := conn.Write(binary.BigEndian.AppendUint32(nil, 0xffffffff)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("expect EOF after desync, got %v", err)
	}
}

func TestConnectionTable(t *testing.T) {
	_, host := newFakeHost()
	svr := startServer(t, host)

	a := dial(t, svr)
	b := dial(t, svr)
	waitFor(t, func() bool { return svr.Connections() == 2 })

	a.Close()
	waitFor(t, func() bool { return svr.Connections() == 1 })
	b.Close()
	waitFor(t, func() bool { return svr.Connections() == 0 })
}

func TestShutdownAnswersQueuedRequests(t *testing.T) {
	_, host := newFakeHost()
	slow := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			time.Sleep(100 * time.Millisecond)
			return next(ctx, req)
		}
	}
	svr := NewServer()
	RegisterHost(svr.Dispatcher(), host, svr.logger)
	svr.Use(slow)
	listener, _ := net.Listen("tcp", "127.0.0.1:0")
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(listener) }()

	conn := dial(t, svr)
	req, _ := message.NewRequest(1, message.MethodGetUserList, nil)
	codec.WriteEnvelope(conn, req)
	waitFor(t, func() bool { return svr.Connections() == 1 })
	time.Sleep(20 * time.Millisecond)

	if err := svr.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	resp, err := codec.ReadEnvelope(conn)
	if err != nil {
		t.Fatalf("queued request was not answered: %v", err)
	}
	if id, _ := resp.IDValue(); id != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestPeerCloseDiscardsQueuedRequests(t *testing.T) {
	fake, host := newFakeHost()
	svr := NewServer()
	RegisterHost(svr.Dispatcher(), host, svr.logger)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	svr.Register("block", func(ctx context.Context, _ json.RawMessage) (any, *message.Error) {
		close(started)
		select {
		case <-ctx.Done():
			close(cancelled)
		case <-time.After(5 * time.Second):
		}
		return nil, nil
	})
	listener, _ := net.Listen("tcp", "127.0.0.1:0")
	go svr.ServeListener(listener)
	t.Cleanup(func() { svr.Shutdown(2 * time.Second) })

	conn := dial(t, svr)
	block, _ := message.NewRequest(1, "block", nil)
	codec.WriteEnvelope(conn, block)
	for i := 2; i <= 6; i++ {
		req, _ := message.NewRequest(int64(i), message.MethodAddUser, message.UserParams{Username: "u", Password: "p"})
		codec.WriteEnvelope(conn, req)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never dispatched")
	}
	conn.Close()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request not cancelled after the peer closed")
	}
	waitFor(t, func() bool { return svr.Connections() == 0 })

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.calls) != 0 {
		t.Fatalf("queued mutations ran for a closed connection: %v", fake.calls)
	}
}

func TestPanickingMethodAnsweredWithInternalError(t *testing.T) {
	_, host := newFakeHost()
	svr := NewServer()
	RegisterHost(svr.Dispatcher(), host, svr.logger)
	svr.Register("explode", func(context.Context, json.RawMessage) (any, *message.Error) {
		panic("boom")
	})
	svr.Use(middleware.TimeOutMiddleware(time.Second))
	listener, _ := net.Listen("tcp", "127.0.0.1:0")
	go svr.ServeListener(listener)
	t.Cleanup(func() { svr.Shutdown(2 * time.Second) })

	conn := dial(t, svr)
	req, _ := message.NewRequest(1, "explode", nil)
	codec.WriteEnvelope(conn, req)
	resp, err := codec.ReadEnvelope(conn)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != message.CodeInternal {
		t.Fatalf("expect -32603, got %+v", resp)
	}

	// The agent keeps serving the connection.
	req, _ = message.NewRequest(2, message.MethodGetUserList, nil)
	codec.WriteEnvelope(conn, req)
	if resp, err = codec.ReadEnvelope(conn); err != nil || resp.Error != nil {
		t.Fatalf("follow-up request failed: %+v %v", resp, err)
	}
}

func TestDispatcherRegisterTwicePanics(t *testing.T) {
	d := NewDispatcher()
	fn := func(context.Context, json.RawMessage) (any, *message.Error) { return nil, nil }
	d.Register("x", fn)

	defer func() {
		if recover() == nil {
			t.Fatal("expect panic on duplicate registration")
		}
	}()
	d.Register("x", fn)
}

func TestRegisterHostCoversEveryMethod(t *testing.T) {
	_, host := newFakeHost()
	d := NewDispatcher()
	RegisterHost(d, host, NewServer().logger)

	want := []string{
		"addUser", "changeUserPassword", "downloadFile", "getFileSystem", "getProcessList",
		"getServiceList", "getSystemInfo", "getUserList", "manageService", "removeUser",
		"setFilePermissions", "uploadFile",
	}
	got := d.Methods()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("methods = %v, want %v", got, want)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
