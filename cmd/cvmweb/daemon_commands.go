package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"cvmlink/pkg/webapi"
)

func newConnectCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect to the daemon and report its protocol version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(_ context.Context, c *webapi.Client) error {
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, textSuccess.Render("Connected"))
				fmt.Fprintf(out, "%s%s\n", label("endpoint"), ctx.config.Client.Endpoint)
				fmt.Fprintf(out, "%s%s\n", label("version"), c.Version())
				return nil
			})
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running and the host is idle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(runCtx context.Context, c *webapi.Client) error {
				status, err := c.DaemonStatus(runCtx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s%s\n", label("daemon"), yesNo(status.Running, "running", "stopped"))
				fmt.Fprintf(out, "%s%s\n", label("host"), yesNo(status.Idle, "idle", "busy"))
				return nil
			})
		},
	}
}

func newShutdownCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(_ context.Context, c *webapi.Client) error {
				if err := c.Shutdown(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Shutdown requested")
				return nil
			})
		},
	}
}

func yesNo(v bool, yes, no string) string {
	if v {
		return textSuccess.Render(yes)
	}
	return textMuted.Render(no)
}
