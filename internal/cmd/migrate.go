package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridlens/gridlens/internal/observability"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the job store schema",
	Long:  "Open the configured store and apply pending schema migrations. Other commands migrate on open as well.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		jobStore, closeStore, err := openJobStore(cmd.Context(), cfg.Store, observability.Current())
		if err != nil {
			return err
		}
		defer closeStore() // nolint:errcheck // best-effort cleanup

		stats, err := jobStore.Stats(cmd.Context())
		if err != nil {
			return err
		}
		observability.Current().Info("Store ready",
			zap.String("driver", cfg.Store.Driver),
			zap.Int("jobs", stats.Total()))
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s store ready (%d jobs)\n", cfg.Store.Driver, stats.Total())
		return err
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
