package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"os-overview/config"
)

func TestRunServeStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: "127.0.0.1:0"
discovery:
  enabled: false
limits:
  request_timeout: "5s"
logging:
  level: "error"
`), 0o644))
	cfg, err := config.LoadAgent(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- runServe(ctx, cfg, path) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestRunServeListenFailure(t *testing.T) {
	cfg := config.DefaultAgent()
	cfg.Server.Addr = "256.0.0.1:1"
	err := runServe(context.Background(), cfg, "")
	assert.ErrorContains(t, err, "listen")
}

func TestAdvertiseHost(t *testing.T) {
	cfg := config.DefaultAgent()
	cfg.Registry.Advertise = "agent.lan"
	assert.Equal(t, "agent.lan", advertiseHost(cfg))

	cfg.Registry.Advertise = ""
	cfg.Server.Addr = "10.1.2.3:12345"
	assert.Equal(t, "10.1.2.3", advertiseHost(cfg))

	cfg.Server.Addr = "0.0.0.0:12345"
	assert.NotEqual(t, "0.0.0.0", advertiseHost(cfg))
}
