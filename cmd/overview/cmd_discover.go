package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"os-overview/discovery"
	"os-overview/registry"
)

func newDiscoverCmd(opts *options) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List reachable agents",
		Long:  "Broadcast a discovery request and list every agent that answered within\ndiscovery.wait. With --etcd the registry is listed instead; --watch keeps\nprinting the registry's agent list as it changes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.load(); err != nil {
				return err
			}
			if watch {
				if len(opts.etcd) == 0 {
					return fmt.Errorf("discover: --watch needs --etcd")
				}
				return watchRegistry(cmd.Context(), opts, cmd.OutOrStdout())
			}

			src, release, err := opts.source()
			if err != nil {
				return err
			}
			defer release()
			records, err := src.Discover(cmd.Context())
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow registry changes (requires --etcd)")
	return cmd
}

func watchRegistry(ctx context.Context, opts *options, out io.Writer) error {
	reg, err := registry.NewEtcdRegistry(opts.etcd, opts.cfg.Registry.DialTimeout, opts.logger)
	if err != nil {
		return fmt.Errorf("connecting to etcd: %w", err)
	}
	defer reg.Close()

	records, err := reg.Discover(ctx)
	if err != nil {
		return err
	}
	printRecords(out, records)
	for records := range reg.Watch(ctx) {
		fmt.Fprintln(out, "--")
		printRecords(out, records)
	}
	return nil
}

func printRecords(out io.Writer, records []discovery.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no agents found")
		return
	}
	for _, rec := range records {
		fmt.Fprintln(out, rec.Addr())
	}
}
