package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"os-overview/client"
	"os-overview/config"
	"os-overview/discovery"
	"os-overview/loadbalance"
	"os-overview/registry"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	agent      string
	etcd       []string
	strategy   string
	key        string

	cfg    *config.ClientConfig
	logger *slog.Logger
}

func (o *options) load() error {
	if o.cfg != nil {
		return nil
	}
	cfg, err := config.LoadClient(o.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(o.etcd) == 0 {
		o.etcd = cfg.Registry.EtcdEndpoints
	}
	o.cfg = cfg
	o.logger = cfg.Logging.NewLogger(os.Stderr)
	return nil
}

// source returns where agents are looked up, and a func releasing it.
func (o *options) source() (client.Source, func(), error) {
	if len(o.etcd) > 0 {
		reg, err := registry.NewEtcdRegistry(o.etcd, o.cfg.Registry.DialTimeout, o.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to etcd: %w", err)
		}
		return reg, func() { reg.Close() }, nil
	}
	q := discovery.NewRequester(o.cfg.Discovery.Target(), o.logger)
	return roundSource{q: q, wait: o.cfg.Discovery.Wait}, func() {}, nil
}

// session connects to --agent, or to an agent picked from the source.
func (o *options) session(ctx context.Context) (*client.Session, func(), error) {
	if err := o.load(); err != nil {
		return nil, nil, err
	}
	if o.agent != "" {
		s := client.NewSession(client.WithDialTimeout(o.cfg.Client.DialTimeout), client.WithLogger(o.logger))
		if err := s.Connect(ctx, o.agent); err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}

	src, release, err := o.source()
	if err != nil {
		return nil, nil, err
	}
	balancer, err := loadbalance.New(o.strategy, o.key)
	if err != nil {
		release()
		return nil, nil, err
	}
	fleet := client.NewFleet(src, balancer, o.cfg.Client.DialTimeout, o.logger)
	s, err := fleet.Pick(ctx)
	if err != nil {
		fleet.Close()
		release()
		return nil, nil, err
	}
	return s, func() {
		fleet.Close()
		release()
	}, nil
}

// withSession runs fn against a connected session under the call timeout.
func (o *options) withSession(ctx context.Context, fn func(ctx context.Context, s *client.Session) error) error {
	s, closeFn, err := o.session(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Client.CallTimeout)
	defer cancel()
	return fn(ctx, s)
}

// roundSource bounds each broadcast round by discovery.wait.
type roundSource struct {
	q    *discovery.Requester
	wait time.Duration
}

func (r roundSource) Discover(ctx context.Context) ([]discovery.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()
	return r.q.Discover(ctx)
}
