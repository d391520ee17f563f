package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPackagerCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packager",
		Short: "Talk to the packaging worker",
	}
	cmd.AddCommand(newPackagerHealthCommand(ctx))
	return cmd
}

func newPackagerHealthCommand(ctx *commandContext) *cobra.Command {
	var (
		wait     time.Duration
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the packaging worker answers /health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				client := rt.packagerClient()
				var err error
				if wait > 0 {
					waitCtx, cancel := context.WithTimeout(cmd.Context(), wait)
					defer cancel()
					err = client.WaitHealthy(waitCtx, interval)
				} else {
					err = client.Health(cmd.Context())
				}
				if err != nil {
					return fmt.Errorf("packager %s unhealthy: %w", client.BaseURL(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "packager %s: ok\n", client.BaseURL())
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep polling until healthy or this much time has passed")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --wait")
	return cmd
}
