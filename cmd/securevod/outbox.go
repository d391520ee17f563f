package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"securevod/internal/observability/logging"
	"securevod/internal/orchestrator"
)

func newOutboxCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and flush jobs waiting to be published",
	}
	cmd.AddCommand(newOutboxListCommand(ctx))
	cmd.AddCommand(newOutboxDispatchCommand(ctx))
	return cmd
}

func newOutboxListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List undispatched outbox rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				entries, err := rt.store.PendingOutbox(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					return writeJSON(cmd, entries)
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Outbox empty")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, entry := range entries {
					rows = append(rows, []string{
						strconv.FormatInt(entry.ID, 10),
						strconv.FormatInt(entry.AssetID, 10),
						entry.Reason,
						formatTime(entry.CreatedAt),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Asset", "Reason", "Created"},
					rows,
					[]columnAlignment{alignRight, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows to show")
	return cmd
}

func newOutboxDispatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Publish every pending outbox row now",
		Long:  "Publish pending outbox rows to the Redis queue immediately, ignoring the dispatch grace period.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				if rt.redis == nil {
					return errors.New("outbox dispatch needs the redis queue; with the memory queue 'serve' dispatches in-process")
				}
				q, err := rt.openQueue()
				if err != nil {
					return err
				}
				defer q.Close()
				dispatcher := orchestrator.NewDispatcher(orchestrator.DispatcherConfig{
					Store:     rt.store,
					Publisher: q,
					Metrics:   rt.metrics,
					Logger:    logging.WithComponent(rt.logger, "dispatcher"),
				})
				published := dispatcher.DispatchOnce(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "published %d job(s)\n", published)
				return nil
			})
		},
	}
}
