package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"os-overview/client"
)

func newUploadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <local-file> <remote-path>",
		Short: "Copy a local file to the agent host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return opts.withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
				if err := s.Upload(ctx, args[1], data); err != nil {
					return err
				}
				done(cmd, "uploaded %s to %s", humanize.IBytes(uint64(len(data))), args[1])
				return nil
			})
		},
	}
}

func newDownloadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "download <remote-path> [local-path]",
		Short: "Copy a file from the agent host",
		Long:  "Copy a file from the agent host. The local path defaults to the remote\nfile's base name in the current directory.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var savePath string
			if len(args) == 2 {
				savePath = args[1]
			}
			return opts.withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
				data, target, err := s.Download(ctx, args[0], savePath)
				if err != nil {
					return err
				}
				if err := os.WriteFile(target, data, 0o644); err != nil {
					return fmt.Errorf("saving %s: %w", target, err)
				}
				done(cmd, "downloaded %s to %s", humanize.IBytes(uint64(len(data))), target)
				return nil
			})
		},
	}
}
