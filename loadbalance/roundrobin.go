package loadbalance

import (
	"sync/atomic"

	"os-overview/discovery"
)

// RoundRobinBalancer walks the record list in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick selects the next record in round-robin order.
func (b *RoundRobinBalancer) Pick(records []discovery.Record) (*discovery.Record, error) {
	if len(records) == 0 {
		return nil, ErrNoAgents
	}
	index := (b.counter.Add(1) - 1) % uint64(len(records))
	return &records[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
