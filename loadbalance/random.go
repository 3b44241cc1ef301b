package loadbalance

import (
	"math/rand"

	"os-overview/discovery"
)

type RandomBalancer struct{}

func (b *RandomBalancer) Pick(records []discovery.Record) (*discovery.Record, error) {
	if len(records) == 0 {
		return nil, ErrNoAgents
	}
	return &records[rand.Intn(len(records))], nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
