package registry

import (
	"context"

	"os-overview/discovery"
)

// Registry advertises agents beyond the reach of a UDP broadcast. Entries are
// the same records a discovery round produces, so the client treats both
// sources alike.
type Registry interface {
	Register(ctx context.Context, record discovery.Record, ttl int64) error
	Deregister(ctx context.Context, record discovery.Record) error
	Discover(ctx context.Context) ([]discovery.Record, error)
	Watch(ctx context.Context) <-chan []discovery.Record
	Close() error
}
