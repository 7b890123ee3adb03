package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"cvmlink/pkg/webapi"
)

func newCallCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "call <action> [json-data]",
		Short: "Send a raw action and print the daemon's answer as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
					return fmt.Errorf("parse data: %w", err)
				}
			}
			return ctx.withClient(cmd, func(runCtx context.Context, c *webapi.Client) error {
				result, err := c.Invoke(runCtx, args[0], data)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			})
		},
	}
}
