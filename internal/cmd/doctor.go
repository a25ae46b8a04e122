package cmd

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridlens/gridlens/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Check configuration, store reachability, anonymizer salts and the event broker, and suggest fixes.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		log := observability.CLILogger
		log.Info("=== gridlens doctor ===")
		log.Info("")

		failed := 0
		const total = 6
		step := 0
		check := func(name string, fn func() (string, error)) {
			step++
			detail, err := fn()
			if err != nil {
				failed++
				log.Error(fmt.Sprintf("[%d/%d] %s... ❌ %v", step, total, name, err), zap.Error(err))
				return
			}
			log.Info(fmt.Sprintf("[%d/%d] %s... ✅ %s", step, total, name, detail))
		}

		check("Checking Go runtime", func() (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		})

		check("Checking Gofulmen and Crucible", func() (string, error) {
			version := crucible.GetVersion()
			if version.Crucible == "" || version.Gofulmen == "" {
				return "", fmt.Errorf("cannot resolve SSOT versions")
			}
			return fmt.Sprintf("gofulmen %s, crucible %s", version.Gofulmen, version.Crucible), nil
		})

		cfg, cfgErr := loadConfig(nil)
		check("Loading configuration", func() (string, error) {
			if cfgErr != nil {
				return "", cfgErr
			}
			if len(cfg.Resources) == 0 {
				return "no resources configured; workers will have nothing to dispatch", nil
			}
			return strings.Join(cfg.ResourceNames(), ", "), nil
		})
		if cfgErr != nil {
			ExitWithCode(log, foundry.ExitConfigInvalid, "Configuration invalid", cfgErr)
			return
		}

		check("Checking job store", func() (string, error) {
			storeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			jobStore, closeStore, err := openJobStore(storeCtx, cfg.Store, log)
			if err != nil {
				return "", err
			}
			defer closeStore() // nolint:errcheck // best-effort cleanup
			stats, err := jobStore.Stats(storeCtx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s, %d jobs", cfg.Store.Driver, stats.Total()), nil
		})

		check("Checking anonymizer salts", func() (string, error) {
			anon, err := newAnonymizer(cfg.Anonymizer)
			if err != nil {
				return "", fmt.Errorf("%w (run 'gridlens salt generate')", err)
			}
			return strings.Join(anon.Categories(), ", "), nil
		})

		check("Checking event broker", func() (string, error) {
			if strings.TrimSpace(cfg.Events.AMQPURL) == "" {
				return "disabled", nil
			}
			conn, err := observability.DialAMQP(cfg.Events.AMQPURL, cfg.Events.Exchange)
			if err != nil {
				return "", err
			}
			_ = conn.Close()
			return "exchange " + cfg.Events.Exchange, nil
		})

		log.Info("")
		if failed > 0 {
			ExitWithCode(log, foundry.ExitFailure, fmt.Sprintf("%d diagnostic check(s) failed", failed), nil)
			return
		}
		log.Info("✅ All diagnostic checks passed")
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
