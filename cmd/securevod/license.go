package main

import (
	"github.com/spf13/cobra"

	"securevod/internal/license"
)

func newLicenseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "license <id>",
		Short: "Print the ClearKey license of a ready asset",
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
				response, err := license.ForAsset(asset)
				if err != nil {
					return err
				}
				return writeJSON(cmd, response)
			})
		},
	}
}
