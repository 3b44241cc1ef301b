package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"os-overview/client"
)

func newUsersCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List the agent host's user accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
				users, err := s.Users(ctx)
				if err != nil {
					return err
				}
				for _, u := range users {
					fmt.Fprintln(cmd.OutOrStdout(), u)
				}
				return nil
			})
		},
	}
}

func newSysinfoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sysinfo",
		Short: "Show OS, CPU, memory, disk and temperature information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
				info, err := s.SystemInfo(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "OS:\t%s\n", info.OSName)
				fmt.Fprintf(w, "CPU:\t%s (%d cores)\n", info.CPUModel, info.CPUCores)
				fmt.Fprintf(w, "CPU load:\t%.1f%%\n", info.CPULoad.Usage)
				fmt.Fprintf(w, "Memory:\t%s / %s (%.1f%%)\n",
					humanize.IBytes(uint64(info.Memory.UsedMB)<<20),
					humanize.IBytes(uint64(info.Memory.TotalMB)<<20),
					info.Memory.UsagePercent)
				fmt.Fprintf(w, "Temperature:\tcpu %v, hdd %v\n", info.Temperature.CPU, info.Temperature.HDD)
				fmt.Fprintf(w, "Uptime:\t%s\n", info.Uptime)
				fmt.Fprintf(w, "Timestamp:\t%s\n", info.Timestamp)
				for _, d := range info.Disks {
					fmt.Fprintf(w, "Disk %s:\t%s used of %s (%s)\n", d.MountPoint, d.Used, d.TotalSize, d.UsagePercent)
				}
				return w.Flush()
			})
		},
	}
}

func newLsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory on the agent host",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			return opts.withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
				entries, err := s.ListFiles(ctx, path)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PERMS\tOWNER\tGROUP\tSIZE\tMODIFIED\tNAME")
				for _, e := range entries {
					kind, name := "-", e.Name
					if e.IsDir {
						kind, name = "d", e.Name+"/"
					}
					fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\t%s\t%s\n",
						kind, e.Permissions, e.Owner, e.Group, humanize.IBytes(uint64(e.Size)), e.Modified, name)
				}
				return w.Flush()
			})
		},
	}
}

func newPsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List processes on the agent host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
				procs, err := s.Processes(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PID\tPPID\tUSER\tSTATE\tRSS\tCOMMAND")
				for _, p := range procs {
					command := p.Cmdline
					if command == "" {
						command = p.Name
					}
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
						p.PID, p.PPID, p.User, p.State, humanize.IBytes(uint64(p.RSS)), command)
				}
				return w.Flush()
			})
		},
	}
}

func newServicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List systemd services on the agent host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
				services, err := s.Services(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "UNIT\tLOAD\tACTIVE\tSUB\tDESCRIPTION")
				for _, svc := range services {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", svc.Name, svc.Load, svc.Active, svc.Sub, svc.Description)
				}
				return w.Flush()
			})
		},
	}
}
