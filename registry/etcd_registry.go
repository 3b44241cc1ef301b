// Package registry provides the etcd-based implementation of the Registry interface.
//
// etcd is used as a phonebook for agents on routed networks where discovery
// broadcasts do not travel:
//
//	Key:   /os-overview/agents/{host:port}
//	Value: JSON-encoded discovery.Record
//
// Registration uses TTL-based leases: if an agent crashes, the lease expires
// and the entry is removed automatically.
package registry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"os-overview/discovery"
)

// Prefix is the etcd key prefix under which agents register.
const Prefix = "/os-overview/agents/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *slog.Logger

	mu     sync.Mutex
	leases map[string]context.CancelFunc // key → stops its KeepAlive
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *slog.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]context.CancelFunc)}, nil
}

func key(record discovery.Record) string {
	return Prefix + record.Addr()
}

// Register puts record under a lease of ttl seconds and keeps the lease alive
// until Deregister or Close.
//
// leaseID stays a local variable so that one EtcdRegistry can register several
// records concurrently.
func (r *EtcdRegistry) Register(ctx context.Context, record discovery.Record, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(record)
	if err != nil {
		return err
	}

	k := key(record)
	if _, err = r.client.Put(ctx, k, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// The keepalive must outlive ctx, which usually only covers registration.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	if prev, ok := r.leases[k]; ok {
		prev()
	}
	r.leases[k] = cancel
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug("registry keepalive stopped", "key", k)
	}()
	return nil
}

// Deregister removes record and stops renewing its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, record discovery.Record) error {
	k := key(record)
	r.mu.Lock()
	if cancel, ok := r.leases[k]; ok {
		cancel()
		delete(r.leases, k)
	}
	r.mu.Unlock()

	_, err := r.client.Delete(ctx, k)
	return err
}

// Watch emits the full agent list after every change under the prefix, until
// ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan []discovery.Record {
	ch := make(chan []discovery.Record, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, Prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list rather than applying individual events.
			records, err := r.Discover(ctx)
			if err != nil {
				r.logger.Warn("registry refresh failed", "error", err)
				continue
			}
			select {
			case ch <- records:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns every registered agent.
func (r *EtcdRegistry) Discover(ctx context.Context) ([]discovery.Record, error) {
	resp, err := r.client.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	records := make([]discovery.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record discovery.Record
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("skipping malformed registry entry", "key", string(kv.Key), "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Close stops every keepalive and closes the etcd client. Leases then expire on
// their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for k, cancel := range r.leases {
		cancel()
		delete(r.leases, k)
	}
	r.mu.Unlock()
	return r.client.Close()
}
