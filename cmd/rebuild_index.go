/*
Copyright © 2025 tieubaoca
*/
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tieubaoca/workspace-assistant/types"
	"go.uber.org/zap"
)

var rebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Reload source exports into fresh vector collections",
	Long: `Drops the configured source collections, then reads the export snapshots,
embeds every document and writes them back. Use --source to rebuild a single
source. A running server keeps serving its loaded generation; use the admin
rebuild endpoint to swap it live.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer logger.Sync()

		sources := types.SourceOrder
		if name, _ := cmd.Flags().GetString("source"); name != "" {
			source, err := types.ParseSourceSystem(name)
			if err != nil {
				return err
			}
			sources = []types.SourceSystem{source}
		}

		ctx := context.Background()
		app, err := newApplication(ctx, cfg, logger, appOptions{recreateIndexes: true})
		if err != nil {
			return err
		}
		defer app.Close()

		var errs []error
		for _, source := range sources {
			ix, err := app.registry.Build(ctx, source)
			if err != nil {
				logger.Error("Rebuild failed", zap.String("source", string(source)), zap.Error(err))
				errs = append(errs, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d documents in %s\n", source.Label(), ix.Len(), ix.Collection())
		}
		return errors.Join(errs...)
	},
}

func init() {
	rootCmd.AddCommand(rebuildIndexCmd)
	rebuildIndexCmd.Flags().StringP("source", "s", "", "source to rebuild (jira, confluence, notion)")
}
