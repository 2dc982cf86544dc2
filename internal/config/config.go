package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saasforge/credit-ledger/internal/credits"
)

const (
	// DefaultPath is where creditd looks for its config file.
	DefaultPath = "config/creditd.yaml"

	envPrefix = "CREDITD_"
)

// StoreConfig selects and tunes the ledger backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite|postgres
	// SQLite
	Path string `yaml:"path"`
	// Postgres
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
	ConnMaxIdleTime int    `yaml:"conn_max_idle_minutes"`
}

// UsageConfig tunes the asynchronous usage recorder.
type UsageConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// Config describes runtime options for creditd.
type Config struct {
	Listen     string          `yaml:"listen"`
	AdminToken string          `yaml:"admin_token"`
	LogFile    string          `yaml:"log_file"`
	Store      StoreConfig     `yaml:"store"`
	Pricing    credits.Pricing `yaml:"pricing"`
	Usage      UsageConfig     `yaml:"usage"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Listen: ":8600",
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/credits.db",
		},
		Pricing: credits.Pricing{
			Mode:            credits.ModeDynamic,
			TokensPerCredit: 1000,
		},
		Usage: UsageConfig{
			QueueSize: 1024,
			Workers:   2,
		},
	}
}

// Load reads the config file at path (if present), then applies environment
// overrides. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := getenv("LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := getenv("ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := getenv("STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := getenv("STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := getenv("STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := getenv("USAGE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Usage.Workers = n
		}
	}
	if v := getenv("USAGE_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Usage.QueueSize = n
		}
	}
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path required for sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Pricing.Mode {
	case credits.ModeFixed, credits.ModeDynamic, "":
	default:
		return fmt.Errorf("unknown pricing mode %q", c.Pricing.Mode)
	}
	return nil
}
