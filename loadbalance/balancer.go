// Package loadbalance picks one agent out of the set a discovery round (or the
// registry) returned.
//
// Three strategies are implemented:
//   - RoundRobin:      spread successive sessions over every agent
//   - Random:          uniform choice, no shared state
//   - ConsistentHash:  the same key always lands on the same agent while the set is stable
package loadbalance

import (
	"errors"

	"os-overview/discovery"
)

// ErrNoAgents is returned when there is nothing to pick from.
var ErrNoAgents = errors.New("loadbalance: no agents available")

// Balancer is the interface for agent selection strategies.
type Balancer interface {
	// Pick selects one record from the available list. Must be goroutine-safe.
	Pick(records []discovery.Record) (*discovery.Record, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer called name ("roundrobin", "random" or
// "consistenthash"); key is only used by consistent hashing.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "random":
		return &RandomBalancer{}, nil
	case "consistenthash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, errors.New("loadbalance: unknown strategy " + name)
}
