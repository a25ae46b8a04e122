// Package config provides centralized configuration management for GridLens.
// It layers viper defaults, an optional YAML file, a .env file, GRIDLENS_*
// environment variables and runtime overrides, then decodes the result with
// mapstructure.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppName names config directories, the binary and the default database.
const AppName = "gridlens"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GRIDLENS"

// SaltCategories are the anonymizer categories bound to environment variables.
var SaltCategories = []string{"address", "client", "supply_point"}

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// Options controls where Load looks for configuration.
type Options struct {
	// ConfigFile is an explicit YAML file. When empty the XDG config dir
	// and ./config are searched for config.yaml.
	ConfigFile string
	// EnvFiles are loaded with godotenv before reading the environment.
	// Missing files are ignored.
	EnvFiles []string
	// Overrides win over every other layer. Nested maps are flattened
	// into dotted keys.
	Overrides map[string]any
}

// Load builds the layered configuration, decodes and validates it.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(opts Options) (*Config, error) {
	if err := LoadDotEnv(opts.EnvFiles...); err != nil {
		return nil, err
	}

	v, err := newViper(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	for key, value := range flatten("", opts.Overrides) {
		v.Set(key, value)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	setConfig(cfg)
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overwriting variables that are already set.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}
	return nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.key_prefix", AppName)

	// Queue defaults
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.poll_interval", "5s")
	v.SetDefault("queue.max_attempts", 1)
	v.SetDefault("queue.claim_lease", "10m")
	v.SetDefault("queue.maintenance_schedule", "@every 1m")

	v.SetDefault("anonymizer.required", SaltCategories)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 0)
	v.SetDefault("metrics.namespace", AppName)
	v.SetDefault("metrics.addr", "")

	v.SetDefault("events.amqp_url", "")
	v.SetDefault("events.exchange", AppName+".events")
	v.SetDefault("events.routing_prefix", AppName)
	v.SetDefault("events.timeout", "2s")
	v.SetDefault("health.enabled", true)

	v.SetDefault("workers", 4)
}

func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, category := range SaltCategories {
		key := "anonymizer.salts." + category
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
		return v, nil
	}

	if dir := gfconfig.GetAppConfigDir(AppName); strings.TrimSpace(dir) != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("./config")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// It's OK if config file doesn't exist, we have defaults
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "libsql" && strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	cfg.applyResourceDefaults()

	if len(cfg.Anonymizer.Salts) > 0 {
		salts := make(map[string]string, len(cfg.Anonymizer.Salts))
		for category, salt := range cfg.Anonymizer.Salts {
			if strings.TrimSpace(salt) == "" {
				continue
			}
			salts[category] = salt
		}
		cfg.Anonymizer.Salts = salts
	}
	return cfg, nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, values map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := values[key].(map[string]any); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = values[key]
	}
	return out
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}

// DefaultEnvFiles lists the .env files read when none are given.
func DefaultEnvFiles() []string {
	files := []string{".env"}
	if dir := gfconfig.GetAppConfigDir(AppName); strings.TrimSpace(dir) != "" {
		files = append(files, filepath.Join(dir, ".env"))
	}
	if _, err := os.Stat(files[0]); err != nil {
		return files[1:]
	}
	return files
}
