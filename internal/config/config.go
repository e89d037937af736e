package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the papertrade platform.
type Config struct {
	Broker     BrokerMode       `yaml:"broker"`
	Storage    Storage          `yaml:"storage"`
	Server     Server           `yaml:"server"`
	Alpaca     Alpaca           `yaml:"alpaca"`
	Logging    Logging          `yaml:"logging"`
	Simulation SimulationConfig `yaml:"simulation"`
	Engine     EngineConfig     `yaml:"engine"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API. Only used
// when the broker mode is "live".
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SimulationConfig controls the simulated exchange: account seeding, how
// often the matcher and the price feed run, and the equity recompute
// schedule.
type SimulationConfig struct {
	StartingCash   float64       `yaml:"starting_cash"`
	MatchInterval  time.Duration `yaml:"match_interval"`
	FeedInterval   time.Duration `yaml:"feed_interval"`
	FeedRatePerMin int           `yaml:"feed_rate_per_min"`
	EquityCron     string        `yaml:"equity_cron"`
}

// EngineConfig tunes the order lifecycle controller's polling behaviour.
type EngineConfig struct {
	PollAttempts   int           `yaml:"poll_attempts"`
	PollBackoff    time.Duration `yaml:"poll_backoff"`
	CancelDeadline time.Duration `yaml:"cancel_deadline"`
}

// BrokerMode selects between the simulated exchange and the live Alpaca
// broker.
type BrokerMode string

const (
	BrokerSim  BrokerMode = "sim"
	BrokerLive BrokerMode = "live"
)

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a Config populated with defaults and environment overrides
// only, for running without a config file.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("BROKER_MODE"); v != "" {
		cfg.Broker = BrokerMode(v)
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills any zero-valued fields with sensible defaults so a
// minimal config file (or none at all) still produces a runnable server.
func applyDefaults(cfg *Config) {
	if cfg.Broker == "" {
		cfg.Broker = BrokerSim
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "papertrade.db"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Simulation.StartingCash == 0 {
		cfg.Simulation.StartingCash = 100000
	}
	if cfg.Simulation.MatchInterval == 0 {
		cfg.Simulation.MatchInterval = time.Second
	}
	if cfg.Simulation.FeedInterval == 0 {
		cfg.Simulation.FeedInterval = 5 * time.Second
	}
	if cfg.Simulation.FeedRatePerMin == 0 {
		cfg.Simulation.FeedRatePerMin = 200
	}
	if cfg.Simulation.EquityCron == "" {
		cfg.Simulation.EquityCron = "0 * * * *"
	}
	if cfg.Engine.PollAttempts == 0 {
		cfg.Engine.PollAttempts = 5
	}
	if cfg.Engine.PollBackoff == 0 {
		cfg.Engine.PollBackoff = 200 * time.Millisecond
	}
	if cfg.Engine.CancelDeadline == 0 {
		cfg.Engine.CancelDeadline = 10 * time.Second
	}
}
