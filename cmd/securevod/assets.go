package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"securevod/internal/models"
	"securevod/internal/orchestrator"
	"securevod/internal/storage"
)

func newAssetsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Create, inspect and re-drive assets",
	}
	cmd.AddCommand(newAssetsSubmitCommand(ctx))
	cmd.AddCommand(newAssetsListCommand(ctx))
	cmd.AddCommand(newAssetsShowCommand(ctx))
	cmd.AddCommand(newAssetsCommitCommand(ctx))
	cmd.AddCommand(newAssetsReprocessCommand(ctx))
	cmd.AddCommand(newAssetsProcessCommand(ctx))
	return cmd
}

// withRuntime opens the runtime for a one-off command with logs on stderr.
func (c *commandContext) withRuntime(cmd *cobra.Command, fn func(*runtime) error) error {
	cfg, err := c.ensureConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	return fn(rt)
}

func newAssetsSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		title     string
		compress  bool
		uploading bool
	)
	cmd := &cobra.Command{
		Use:   "submit <file-ref>",
		Short: "Register an uploaded file and queue it for packaging",
		Long: "Register a media-root relative file (for example uploads/movie.mp4). " +
			"The asset starts in processing and is queued unless --uploading is set, " +
			"in which case it waits for 'assets commit'.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				intake, closeIntake, err := rt.intake()
				if err != nil {
					return err
				}
				defer closeIntake()
				status := models.StatusProcessing
				if uploading {
					status = models.StatusUploading
				}
				asset, err := intake.Create(cmd.Context(), storage.CreateAssetParams{
					Title:              title,
					FileRef:            args[0],
					CompressionEnabled: compress,
					Status:             status,
				})
				if err != nil {
					return err
				}
				return printAsset(cmd, ctx.jsonFlag, asset, false)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "display title (defaults to the file name)")
	cmd.Flags().BoolVar(&compress, "compress", false, "enable compression when packaging")
	cmd.Flags().BoolVar(&uploading, "uploading", false, "create in uploading and wait for commit")
	return cmd
}

func newAssetsListCommand(ctx *commandContext) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.AssetFilter{Limit: limit}
			if status != "" {
				parsed, err := models.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = parsed
			}
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				assets, err := rt.store.ListAssets(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if ctx.jsonFlag {
					views := make([]models.Asset, 0, len(assets))
					for _, asset := range assets {
						views = append(views, redactKeys(asset, false))
					}
					return writeJSON(cmd, views)
				}
				if len(assets) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No assets")
					return nil
				}
				rows := make([][]string, 0, len(assets))
				for _, asset := range assets {
					rows = append(rows, []string{
						strconv.FormatInt(asset.ID, 10),
						asset.Title,
						string(asset.Status),
						asset.FileRef,
						orDash(asset.EncryptedPath),
						formatTime(asset.UpdatedAt),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Title", "Status", "File", "Manifest", "Updated"},
					rows,
					[]columnAlignment{alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list assets in this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of assets")
	return cmd
}

func newAssetsShowCommand(ctx *commandContext) *cobra.Command {
	var showKeys bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				asset, err := rt.store.GetAsset(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printAsset(cmd, ctx.jsonFlag, asset, showKeys)
			})
		},
	}
	cmd.Flags().BoolVar(&showKeys, "show-keys", false, "include the key id and content key")
	return cmd
}

func newAssetsCommitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "commit <id>",
		Short: "Move an uploading asset to processing and queue it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.intakeAction(cmd, args[0], func(i intakeActions, id int64) (models.Asset, error) {
				return i.Commit(cmd.Context(), id)
			})
		},
	}
}

func newAssetsReprocessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <id>",
		Short: "Send a failed asset back to processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.intakeAction(cmd, args[0], func(i intakeActions, id int64) (models.Asset, error) {
				return i.Reprocess(cmd.Context(), id)
			})
		},
	}
}

type intakeActions interface {
	Commit(ctx context.Context, id int64) (models.Asset, error)
	Reprocess(ctx context.Context, id int64) (models.Asset, error)
}

func (c *commandContext) intakeAction(cmd *cobra.Command, rawID string, action func(intakeActions, int64) (models.Asset, error)) error {
	id, err := parseAssetID(rawID)
	if err != nil {
		return err
	}
	return c.withRuntime(cmd, func(rt *runtime) error {
		intake, closeIntake, err := rt.intake()
		if err != nil {
			return err
		}
		defer closeIntake()
		asset, err := action(intake, id)
		if err != nil {
			return err
		}
		return printAsset(cmd, c.jsonFlag, asset, false)
	})
}

func newAssetsProcessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "process <id>",
		Short: "Package a processing asset in the foreground, bypassing the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				q, err := rt.openQueue()
				if err != nil {
					return err
				}
				defer q.Close()
				p, err := newPipeline(rt, q, rt.packagerClient())
				if err != nil {
					return err
				}
				outcome, err := p.processor.Process(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("asset %d: %s: %w", id, outcome, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "asset %d: %s\n", id, outcome)
				if outcome == orchestrator.OutcomeFailed {
					return fmt.Errorf("asset %d: packaging failed", id)
				}
				return nil
			})
		},
	}
}

// redactKeys clears key material unless the operator asked for it.
func redactKeys(asset models.Asset, showKeys bool) models.Asset {
	if !showKeys {
		asset.KeyID = ""
		asset.ContentKey = ""
	}
	return asset
}

func printAsset(cmd *cobra.Command, jsonMode bool, asset models.Asset, showKeys bool) error {
	view := redactKeys(asset, showKeys)
	if jsonMode {
		return writeJSON(cmd, view)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %d\n", view.ID)
	fmt.Fprintf(out, "Title:       %s\n", view.Title)
	fmt.Fprintf(out, "Status:      %s\n", view.Status)
	fmt.Fprintf(out, "File:        %s\n", view.FileRef)
	fmt.Fprintf(out, "Manifest:    %s\n", orDash(view.EncryptedPath))
	fmt.Fprintf(out, "Compression: %t\n", view.CompressionEnabled)
	if showKeys {
		fmt.Fprintf(out, "Key ID:      %s\n", orDash(view.KeyID))
		fmt.Fprintf(out, "Content key: %s\n", orDash(view.ContentKey))
	}
	fmt.Fprintf(out, "Created:     %s\n", formatTime(view.CreatedAt))
	fmt.Fprintf(out, "Updated:     %s\n", formatTime(view.UpdatedAt))
	return nil
}
