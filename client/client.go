package client

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"os-overview/discovery"
	"os-overview/loadbalance"
)

// ErrNoAgents is returned when no agent was found.
var ErrNoAgents = loadbalance.ErrNoAgents

// Source lists reachable agents. Both a discovery.Requester and a
// registry.EtcdRegistry are sources.
type Source interface {
	Discover(ctx context.Context) ([]discovery.Record, error)
}

// Fleet finds agents through a Source, picks among them with a Balancer and
// keeps one Session per agent address.
type Fleet struct {
	source      Source
	balancer    loadbalance.Balancer
	dialTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // agent address → session
}

func NewFleet(source Source, balancer loadbalance.Balancer, dialTimeout time.Duration, logger *slog.Logger) *Fleet {
	if balancer == nil {
		balancer = &loadbalance.RoundRobinBalancer{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fleet{
		source:      source,
		balancer:    balancer,
		dialTimeout: dialTimeout,
		logger:      logger,
		sessions:    make(map[string]*Session),
	}
}

// Discover runs one discovery round against the fleet's source.
func (f *Fleet) Discover(ctx context.Context) ([]discovery.Record, error) {
	return f.source.Discover(ctx)
}

// Pick discovers agents, selects one with the balancer and returns its session.
func (f *Fleet) Pick(ctx context.Context) (*Session, error) {
	records, err := f.source.Discover(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := f.balancer.Pick(records)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("picked agent", "addr", rec.Addr(), "strategy", f.balancer.Name(), "candidates", len(records))
	return f.Session(ctx, rec.Addr())
}

// Session returns the connected session for addr, dialing it when there is
// none or the previous connection dropped.
func (f *Fleet) Session(ctx context.Context, addr string) (*Session, error) {
	f.mu.Lock()
	s, ok := f.sessions[addr]
	if !ok {
		s = NewSession(WithDialTimeout(f.dialTimeout), WithLogger(f.logger))
		f.sessions[addr] = s
	}
	f.mu.Unlock()

	if err := s.ensureConnected(ctx, addr); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes every session.
func (f *Fleet) Close() error {
	f.mu.Lock()
	sessions := f.sessions
	f.sessions = make(map[string]*Session)
	f.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}
