package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridlens/gridlens/internal/config"
	"github.com/gridlens/gridlens/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information. Secrets are reported as set or unset.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()
		log := observability.CLILogger

		log.Info("=== GridLens Environment Information ===")
		log.Info("")

		log.Info("Application:")
		log.Info("  Name:       " + config.AppName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("")

		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		log.Info("")

		cfg, err := loadConfig(nil)
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		log.Info("Configuration:")
		log.Info("  Config File:    "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		log.Info(fmt.Sprintf("  Server:         %s:%d", cfg.Server.Host, cfg.Server.Port))
		log.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info("  Store Driver:   "+cfg.Store.Driver, zap.String("store_driver", cfg.Store.Driver))
		switch cfg.Store.Driver {
		case "postgres":
			log.Info("  Postgres DSN:   " + setOrUnset(cfg.Store.PostgresDSN))
		case "redis":
			log.Info("  Redis Addr:     "+cfg.Store.RedisAddr, zap.String("redis_addr", cfg.Store.RedisAddr))
		default:
			if strings.TrimSpace(cfg.Store.URL) != "" {
				log.Info("  Store URL:      "+cfg.Store.URL, zap.String("store_url", cfg.Store.URL))
			} else {
				log.Info("  Store Path:     "+cfg.Store.Path, zap.String("store_path", cfg.Store.Path))
			}
		}
		log.Info(fmt.Sprintf("  Queue:          batch=%d poll=%s max_attempts=%d lease=%s",
			cfg.Queue.BatchSize, cfg.Queue.PollInterval, cfg.Queue.MaxAttempts, cfg.Queue.ClaimLease))
		log.Info(fmt.Sprintf("  Workers:        %d", cfg.Workers))
		log.Info(fmt.Sprintf("  Metrics:        enabled=%t port=%d addr=%s", cfg.Metrics.Enabled, cfg.Metrics.Port, cfg.Metrics.Addr))
		log.Info("  AMQP Events:    " + setOrUnset(cfg.Events.AMQPURL))
		log.Info("")

		log.Info("Resources:")
		if len(cfg.Resources) == 0 {
			log.Info("  (none configured)")
		}
		for _, name := range cfg.ResourceNames() {
			r := cfg.Resources[name]
			limits := r.Limits()
			log.Info(fmt.Sprintf("  %s: %d/min %d/h max_failures=%d timeout=%s cooldown=%s disabled=%t",
				name, limits.CallsPerMinute, limits.CallsPerHour, limits.MaxFailures, limits.Timeout, limits.Cooldown, r.Disabled))
		}
		log.Info("")

		log.Info("Anonymizer:")
		for _, category := range config.SaltCategories {
			log.Info(fmt.Sprintf("  %s: %s", category, setOrUnset(cfg.Anonymizer.Salts[category])))
		}
	},
}

func setOrUnset(value string) string {
	if strings.TrimSpace(value) == "" {
		return "(not set)"
	}
	return "(set)"
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
