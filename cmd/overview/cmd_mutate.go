package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"os-overview/capability"
	"os-overview/client"
)

// readPassword returns flag, or the first line of in when flag is empty.
func readPassword(flag string, in io.Reader) (string, error) {
	if flag != "" {
		return flag, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("password is required (--password or stdin)")
	}
	return line, nil
}

func done(cmd *cobra.Command, format string, args ...any) {
	color.New(color.FgGreen).Fprint(cmd.OutOrStdout(), "✓ ")
	fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
}

func newUseraddCmd(opts *options) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "useradd <username>",
		Short: "Create a user account with a home directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(password, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return opts.withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
				if err := s.AddUser(ctx, args[0], pw); err != nil {
					return err
				}
				done(cmd, "added user %s", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "initial password (read from stdin when empty)")
	return cmd
}

func newUserdelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "userdel <username>",
		Short: "Remove a user account and its home directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
				if err := s.RemoveUser(ctx, args[0]); err != nil {
					return err
				}
				done(cmd, "removed user %s", args[0])
				return nil
			})
		},
	}
}

func newPasswdCmd(opts *options) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "passwd <username>",
		Short: "Change a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(password, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return opts.withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
				if err := s.ChangePassword(ctx, args[0], pw); err != nil {
					return err
				}
				done(cmd, "changed password for %s", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "new password (read from stdin when empty)")
	return cmd
}

func newChmodCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chmod <acl-entry> <path>",
		Short: "Modify a path's ACL, e.g. chmod u:bob:rw /srv/data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
				if err := s.SetPermissions(ctx, args[1], args[0]); err != nil {
					return err
				}
				done(cmd, "set %s on %s", args[0], args[1])
				return nil
			})
		},
	}
}

func newServiceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "service <name> start|stop|restart",
		Short:     "Start, stop or restart a systemd service",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{capability.ActionStart, capability.ActionStop, capability.ActionRestart},
		RunE: func(cmd *cobra.Command, args []string) error {
			name, action := args[0], args[1]
			if !capability.ValidAction(action) {
				return fmt.Errorf("service: unknown action %q", action)
			}
			return opts.withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
				if err := s.ManageService(ctx, name, action); err != nil {
					return err
				}
				done(cmd, "%s %s", action, name)
				return nil
			})
		},
	}
}
