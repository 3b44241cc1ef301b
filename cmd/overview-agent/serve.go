package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"os-overview/capability"
	"os-overview/config"
	"os-overview/discovery"
	"os-overview/middleware"
	"os-overview/registry"
	"os-overview/server"
)

const banner = `
  ___ __   _____ _ ____   _(_) _____      __
 / _ \\ \ / / _ \ '__\ \ / / |/ _ \ \ /\ / /
| (_) |\ V /  __/ |   \ V /| |  __/\ V  V /
 \___/  \_/ \___|_|    \_/ |_|\___| \_/\_/
`

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("OVERVIEW_AGENT_CONFIG"), "path to the agent YAML config")
	return cmd
}

func runServe(ctx context.Context, cfg *config.AgentConfig, configPath string) error {
	logger := cfg.Logging.NewLogger(os.Stderr)

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	printBanner(cfg, configPath, listener.Addr().String())

	opts := []server.Option{server.WithLogger(logger)}
	if len(cfg.Registry.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.EtcdEndpoints, cfg.Registry.DialTimeout, logger)
		if err != nil {
			listener.Close()
			return fmt.Errorf("connecting to etcd: %w", err)
		}
		defer reg.Close()
		record := discovery.Record{Address: advertiseHost(cfg), Port: port}
		opts = append(opts, server.WithRegistry(reg, record, cfg.Registry.TTL))
	}

	srv := server.NewServer(opts...)
	srv.Use(middleware.RecoverMiddleware(logger))
	srv.Use(middleware.LoggingMiddleware(logger))
	if cfg.Limits.Rate > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.Limits.Rate, cfg.Limits.Burst))
	}
	if cfg.Limits.RequestTimeout > 0 {
		srv.Use(middleware.TimeOutMiddleware(cfg.Limits.RequestTimeout))
	}
	server.RegisterHost(srv.Dispatcher(), capability.NewLinuxHost(), logger)

	var responder *discovery.Responder
	if cfg.Discovery.Enabled {
		responder = discovery.NewResponder(net.JoinHostPort("", strconv.Itoa(cfg.Discovery.Port)), port, logger)
		if err := responder.Listen(ctx); err != nil {
			listener.Close()
			return fmt.Errorf("discovery: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ServeListener(listener)
	})
	if responder != nil {
		g.Go(func() error {
			return responder.Serve(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", "timeout", shutdownTimeout)
		return srv.Shutdown(shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}

// advertiseHost is the address written to the registry.
func advertiseHost(cfg *config.AgentConfig) string {
	if cfg.Registry.Advertise != "" {
		return cfg.Registry.Advertise
	}
	if host, _, err := net.SplitHostPort(cfg.Server.Addr); err == nil && host != "" && !net.ParseIP(host).IsUnspecified() {
		return host
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "localhost"
}

func printBanner(cfg *config.AgentConfig, configPath, addr string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	if configPath == "" {
		configPath = "(defaults)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("TCP:       %s\n", addr)
	green.Print("    ▶ ")
	if cfg.Discovery.Enabled {
		fmt.Printf("Discovery: udp/%d\n", cfg.Discovery.Port)
	} else {
		fmt.Print("Discovery: ")
		yellow.Println("disabled")
	}
	if len(cfg.Registry.EtcdEndpoints) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Registry:  %v (ttl %ds)\n", cfg.Registry.EtcdEndpoints, cfg.Registry.TTL)
	}
	fmt.Println()
}
