package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridlens/gridlens/internal/config"
	"github.com/gridlens/gridlens/internal/observability"
	"github.com/gridlens/gridlens/internal/server/handlers"
)

var (
	cfgFile  string
	verbose  bool
	envFiles []string

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Enrichment job queue and rate-limited API orchestrator for energy billing",
	Long: `gridlens queues enrichment work for billing records and dispatches it to
third-party APIs under per-resource rate limits and circuit breakers.

Use the subcommands to enqueue jobs, run workers, and inspect queue and
resource state.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Disable global telemetry early to prevent config loading from emitting
	// metrics to stdout. serve and work initialize proper telemetry later.
	disabledConfig := &telemetry.Config{Enabled: false}
	if sys, err := telemetry.NewSystem(disabledConfig); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default is %s)", defaultConfigHint()))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv file(s) to load before reading the environment (default .env)")
}

func defaultConfigHint() string {
	if path := config.DefaultConfigPath(); path != "" {
		return path
	}
	return "./config/config.yaml"
}

func initLogging() {
	observability.InitCLILogger(config.AppName, verbose)
}

// loadConfig layers defaults, config file, dotenv, environment and the
// given flag overrides.
func loadConfig(overrides map[string]any) (*config.Config, error) {
	files := envFiles
	if len(files) == 0 {
		files = config.DefaultEnvFiles()
	}

	cfg, err := config.Load(config.Options{
		ConfigFile: cfgFile,
		EnvFiles:   files,
		Overrides:  overrides,
	})
	if err != nil {
		return nil, err
	}

	observability.Current().Debug("Configuration loaded",
		zap.String("store_driver", cfg.Store.Driver),
		zap.Strings("resources", cfg.ResourceNames()))
	return cfg, nil
}

// changedFlags maps flags the user set explicitly onto config keys.
func changedFlags(cmd *cobra.Command, keys map[string]string) map[string]any {
	overrides := make(map[string]any)
	for flag, key := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		overrides[key] = f.Value.String()
	}
	return overrides
}
