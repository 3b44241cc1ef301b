// Command overview-agent serves a host's users, files, services, processes and
// metrics to overview operators on the local network.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "overview-agent",
		Short:         "Host agent for overview operators",
		Long:          "overview-agent answers operator requests over TCP and announces itself\nthrough UDP discovery and, optionally, an etcd registry.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
