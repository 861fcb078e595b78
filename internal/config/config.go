package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the meridian execution engine.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Broker    string          `yaml:"broker"` // "simulator" or "alpaca"
	Alpaca    Alpaca          `yaml:"alpaca"`
	Logging   Logging         `yaml:"logging"`
	Feed      Feed            `yaml:"feed"`
	Trading   TradingConfig   `yaml:"trading"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	ArchiveDir string `yaml:"archive_dir"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Feed configures the gRPC execution event feed. An empty address disables
// it.
type Feed struct {
	Addr string `yaml:"addr"`
}

// TradingConfig defines risk and execution parameters. Zero limits are
// disabled.
type TradingConfig struct {
	MaxOrderQty    float64 `yaml:"max_order_qty"`
	MaxPositionQty float64 `yaml:"max_position_qty"`
	MaxDailyLoss   float64 `yaml:"max_daily_loss"`
	PaperMode      bool    `yaml:"paper_mode"`
	Timezone       string  `yaml:"timezone"`
}

// SimulatorConfig controls the paper broker.
type SimulatorConfig struct {
	AutoFill   bool    `yaml:"auto_fill"`
	FeePerUnit float64 `yaml:"fee_per_unit"`
}

// Default returns the configuration used for fields a file leaves unset.
func Default() *Config {
	return &Config{
		Storage: Storage{
			SQLitePath: "data/meridian.db",
			ArchiveDir: "data/archive",
		},
		Broker: "simulator",
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
		},
		Logging: Logging{Level: "info", Format: "json"},
		Feed:    Feed{Addr: ":50061"},
		Trading: TradingConfig{
			PaperMode: true,
			Timezone:  "America/New_York",
		},
		Simulator: SimulatorConfig{AutoFill: true},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over Default(),
// then applies environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration can be used to start the engine.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.sqlite_path is required"))
	}
	switch c.Broker {
	case "simulator":
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("alpaca broker requires alpaca.api_key and alpaca.api_secret"))
		}
		if c.Trading.PaperMode && !isPaperURL(c.Alpaca.BaseURL) {
			errs = append(errs, fmt.Errorf("trading.paper_mode is set but alpaca.base_url %q is not a paper endpoint", c.Alpaca.BaseURL))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker %q", c.Broker))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	t := c.Trading
	if t.MaxOrderQty < 0 || t.MaxPositionQty < 0 || t.MaxDailyLoss < 0 {
		errs = append(errs, errors.New("trading limits must not be negative"))
	}
	if c.Simulator.FeePerUnit < 0 {
		errs = append(errs, errors.New("simulator.fee_per_unit must not be negative"))
	}
	return errors.Join(errs...)
}

// paperHost is Alpaca's paper trading API host. An empty base URL makes the
// SDK fall back to the live API.
const paperHost = "paper-api.alpaca.markets"

func isPaperURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), paperHost)
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}
	if v := os.Getenv("BROKER"); v != "" {
		cfg.Broker = v
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

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FEED_ADDR"); v != "" {
		cfg.Feed.Addr = v
	}
	if v := os.Getenv("PAPER_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PAPER_MODE=%q: %w", v, err)
		}
		cfg.Trading.PaperMode = b
	}

	// Standard Alpaca env vars (highest priority, the SDK's canonical names).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}
