package main

import (
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/notionmirror/internal/mcptools"
)

func newMCPCmd(opts *globalOptions) *cobra.Command {
	var poll bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve operator tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := buildService(opts, serviceSettings{workers: true})
			if err != nil {
				return err
			}
			defer cleanup()
			if poll {
				go svc.Run(cmd.Context())
			}
			return server.ServeStdio(mcptools.NewServer(svc))
		},
	}
	cmd.Flags().BoolVar(&poll, "poll", false, "also poll connections while serving")
	return cmd
}

func newInitialSyncCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "initial-sync <connection>",
		Short: "Mirror every eligible base page not yet mirrored and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := buildService(opts, serviceSettings{})
			if err != nil {
				return err
			}
			defer cleanup()
			result, err := svc.RunInitialSync(cmd.Context(), args[0])
			if printErr := printJSON(cmd.OutOrStdout(), result); printErr != nil {
				return printErr
			}
			if err != nil {
				return fmt.Errorf("initial sync %s: %w", args[0], err)
			}
			return nil
		},
	}
}

func newSyncPageCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-page <connection> <page-id>",
		Short: "Sync one page now and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := buildService(opts, serviceSettings{})
			if err != nil {
				return err
			}
			defer cleanup()
			res, err := svc.SyncPageNow(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newProgressCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <connection>",
		Short: "Print the initial sync progress of a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := buildService(opts, serviceSettings{})
			if err != nil {
				return err
			}
			defer cleanup()
			progress, err := svc.Progress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if progress == nil {
				return fmt.Errorf("no initial sync recorded for %s", args[0])
			}
			return printJSON(cmd.OutOrStdout(), progress)
		},
	}
}
