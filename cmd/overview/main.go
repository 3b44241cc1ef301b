// Command overview is the operator client: it finds agents on the network and
// queries or changes the state of their hosts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var version = "dev"

// newRootCmd creates the root overview command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "overview",
		Short:         "Operator client for overview agents",
		Long:          "overview talks to overview-agent hosts. Without --agent it discovers agents\nby UDP broadcast (or through etcd with --etcd) and picks one.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", os.Getenv("OVERVIEW_CONFIG"), "path to the client YAML config")
	flags.StringVarP(&opts.agent, "agent", "a", "", "agent address host:port, skips discovery")
	flags.StringSliceVar(&opts.etcd, "etcd", nil, "etcd endpoints to find agents in instead of broadcasting")
	flags.StringVar(&opts.strategy, "strategy", "roundrobin", "agent selection: roundrobin, random or consistenthash")
	flags.StringVar(&opts.key, "key", "", "routing key for --strategy consistenthash")

	cmd.AddCommand(
		newDiscoverCmd(opts),
		newUsersCmd(opts),
		newSysinfoCmd(opts),
		newLsCmd(opts),
		newPsCmd(opts),
		newServicesCmd(opts),
		newUseraddCmd(opts),
		newUserdelCmd(opts),
		newPasswdCmd(opts),
		newChmodCmd(opts),
		newServiceCmd(opts),
		newUploadCmd(opts),
		newDownloadCmd(opts),
	)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
