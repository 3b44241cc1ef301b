package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
)

// Responder answers discovery requests on behalf of one agent.
type Responder struct {
	addr      string
	agentPort int
	logger    *slog.Logger

	mu   sync.Mutex
	conn net.PacketConn
}

// NewResponder returns a responder that will bind addr (e.g. ":45454") and
// advertise agentPort.
func NewResponder(addr string, agentPort int, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Responder{addr: addr, agentPort: agentPort, logger: logger}
}

// Listen binds the UDP socket with address reuse, so several agents on one
// host can share the discovery port. It is called by Serve if needed.
func (r *Responder) Listen(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", r.addr)
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (r *Responder) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Serve answers requests until ctx is done. It returns nil on cancellation.
func (r *Responder) Serve(ctx context.Context) error {
	if err := r.Listen(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r.logger.Info("discovery responder listening",
		"addr", conn.LocalAddr().String(),
		"agent_port", r.agentPort,
	)

	reply := Reply(r.agentPort)
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !IsRequest(buf[:n]) {
			r.logger.Debug("ignoring datagram", "remote", from.String(), "bytes", n)
			continue
		}
		if _, err := conn.WriteTo(reply, from); err != nil {
			r.logger.Warn("discovery reply failed", "remote", from.String(), "error", err)
			continue
		}
		r.logger.Debug("answered discovery request", "remote", from.String())
	}
}

// Close releases the socket.
func (r *Responder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
