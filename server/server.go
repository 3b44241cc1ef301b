// Package server implements the host agent's side of the protocol: the
// connection manager, the method dispatcher and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn: reader goroutine feeds the connection's Decoder
//	  → inbound channel → dispatch goroutine (one per connection, arrival order)
//	    → Middleware Chain → Dispatcher → codec.WriteEnvelope
//
// Every connection owns its frame state and its dispatch goroutine, so a slow or
// half-delivered request on one connection never affects another.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"os-overview/codec"
	"os-overview/discovery"
	"os-overview/message"
	"os-overview/middleware"
	"os-overview/registry"
)

const (
	readBufferSize = 32 << 10
	// inboundQueue bounds decoded requests waiting for dispatch. When it is
	// full the reader stops reading and TCP flow control pushes back.
	inboundQueue = 64
)

// Server accepts operator connections and answers their requests.
type Server struct {
	dispatcher  *Dispatcher
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatcher.Dispatch)))
	logger      *slog.Logger

	listener net.Listener
	ready    chan struct{} // closed once listener is set
	wg       sync.WaitGroup
	shutdown atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	conns map[uuid.UUID]*connection // the connection table

	registry  registry.Registry
	advertise discovery.Record
	ttl       int64
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegistry advertises the agent as record in reg once serving starts, with
// a lease of ttl seconds, and removes it on Shutdown.
func WithRegistry(reg registry.Registry, record discovery.Record, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertise = record
		s.ttl = ttl
	}
}

// NewServer creates a server with an empty dispatcher.
func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		dispatcher: NewDispatcher(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		ready:      make(chan struct{}),
		baseCtx:    ctx,
		cancel:     cancel,
		conns:      make(map[uuid.UUID]*connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a method to the dispatcher. It must be called before Serve.
func (s *Server) Register(method string, fn MethodFunc) {
	s.dispatcher.Register(method, fn)
}

// Dispatcher exposes the method table, e.g. for RegisterHost.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(listener)
}

// ServeListener serves connections accepted from listener until Shutdown, after
// which it returns nil.
func (s *Server) ServeListener(listener net.Listener) error {
	// Build the middleware chain once at startup (not per-request)
	// The innermost recover runs on whatever goroutine the chain calls the
	// dispatcher from, so a panicking method never escapes the chain.
	s.handler = middleware.Chain(s.middlewares...)(middleware.RecoverMiddleware(s.logger)(s.dispatcher.Dispatch))
	s.listener = listener
	close(s.ready)
	if s.shutdown.Load() {
		// Shutdown ran before the listener was set.
		listener.Close()
		return nil
	}

	if s.registry != nil {
		if err := s.registry.Register(s.baseCtx, s.advertise, s.ttl); err != nil {
			// The agent stays reachable through broadcast discovery.
			s.logger.Warn("registry registration failed", "agent", s.advertise.Addr(), "error", err)
		}
	}

	s.logger.Info("agent listening",
		"addr", listener.Addr().String(),
		"methods", len(s.dispatcher.Methods()),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if s.shutdown.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept failed, retrying", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr blocks until the server is listening and returns the bound address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// connection is one entry of the connection table.
type connection struct {
	id      uuid.UUID
	conn    net.Conn
	decoder *codec.Decoder
	inbound chan *message.Envelope
	logger  *slog.Logger
	cancel  context.CancelFunc // abandons queued and in-flight requests
}

func (s *Server) track(c *connection) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) forget(c *connection) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// handleConn owns one connection from accept to close. The calling goroutine is
// the reader: reads must be sequential to keep frame boundaries. A second
// goroutine dispatches decoded requests one at a time, so responses leave in
// the order requests arrived.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	id := uuid.New()
	logger := s.logger.With("conn", id.String(), "remote", conn.RemoteAddr().String())
	c := &connection{
		id:      id,
		conn:    conn,
		decoder: codec.NewDecoder(logger),
		inbound: make(chan *message.Envelope, inboundQueue),
		logger:  logger,
	}
	s.track(c)
	if s.shutdown.Load() {
		// Accepted while Shutdown was sweeping the table.
		closeRead(conn)
	}
	logger.Info("client connected")

	ctx, cancel := context.WithCancel(s.baseCtx)
	c.cancel = cancel
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		s.dispatchLoop(ctx, c)
	}()

	s.readLoop(c)

	// During Shutdown the read side was closed on purpose: requests already
	// received are still answered. Otherwise the peer is gone (or the stream
	// broke) and its queued and in-flight requests are discarded.
	if !s.shutdown.Load() {
		cancel()
	}
	close(c.inbound)
	<-dispatched
	cancel()
	conn.Close()
	s.forget(c)
	logger.Info("client disconnected", "dropped_frames", c.decoder.Dropped)
}

func (s *Server) readLoop(c *connection) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			envelopes, decodeErr := c.decoder.Feed(buf[:n])
			for _, env := range envelopes {
				c.inbound <- env
			}
			if decodeErr != nil {
				// The length header is corrupt; nothing after it can be framed.
				c.logger.Warn("closing desynchronized connection", "error", decodeErr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !isEOF(err) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
	}
}

func (s *Server) dispatchLoop(ctx context.Context, c *connection) {
	for req := range c.inbound {
		if ctx.Err() != nil {
			c.logger.Debug("discarding request of closed connection", "method", req.Method)
			continue
		}
		resp := s.handler(ctx, req)
		if ctx.Err() != nil {
			continue
		}
		// Only this goroutine writes to c.conn.
		if err := codec.WriteEnvelope(c.conn, resp); err != nil {
			c.logger.Warn("write response failed, dropping connection", "method", req.Method, "error", err)
			c.cancel()
			c.conn.Close()
		}
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so clients stop routing to this agent
//  2. Set the shutdown flag and close the listener
//  3. Close the read side of every connection; queued requests are still answered
//  4. Wait for connections to drain, force-closing them after timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.advertise); err != nil {
			s.logger.Warn("registry deregistration failed", "error", err)
		}
		cancel()
	}

	// Set the flag before closing, or Serve would report the Accept error.
	s.shutdown.Store(true)
	select {
	case <-s.ready:
		s.listener.Close()
	default:
	}

	s.mu.Lock()
	for _, c := range s.conns {
		closeRead(c.conn)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		s.mu.Lock()
		for _, c := range s.conns {
			c.conn.Close()
		}
		s.mu.Unlock()
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// closeRead stops further reads while leaving the write side open for pending
// responses. Connections without half-close are closed outright.
func closeRead(conn net.Conn) {
	if cr, ok := conn.(interface{ CloseRead() error }); ok {
		if cr.CloseRead() == nil {
			return
		}
	}
	conn.Close()
}
