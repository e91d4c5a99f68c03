package match

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SymbolConfig carries the per-symbol trading increments. Prices must be
// multiples of TickSize and quantities multiples of LotSize when set.
type SymbolConfig struct {
	Symbol   string          `yaml:"symbol"`
	TickSize decimal.Decimal `yaml:"tick_size"`
	LotSize  decimal.Decimal `yaml:"lot_size"`
}

// Config holds the engine configuration loaded from YAML.
type Config struct {
	Engine struct {
		MarketDataDepth   int `yaml:"market_data_depth"`
		TradeHistoryLimit int `yaml:"trade_history_limit"`
	} `yaml:"engine"`

	RateLimit struct {
		Enabled         bool    `yaml:"enabled"`
		OrdersPerSecond float64 `yaml:"orders_per_second"`
		Burst           int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	WAL struct {
		Path string `yaml:"path"`
	} `yaml:"wal"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Symbols []SymbolConfig `yaml:"symbols"`
}

// LoadConfig reads and parses the YAML configuration file, applies
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if p := os.Getenv("ENGINE_WAL_PATH"); p != "" {
		cfg.WAL.Path = p
	}
	if lvl := os.Getenv("ENGINE_LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration validity and fills defaults.
func (c *Config) Validate() error {
	if c.Engine.MarketDataDepth < 0 {
		return fmt.Errorf("market data depth must not be negative")
	}
	if c.Engine.MarketDataDepth == 0 {
		c.Engine.MarketDataDepth = defaultMarketDataDepth
	}
	if c.Engine.TradeHistoryLimit == 0 {
		c.Engine.TradeHistoryLimit = defaultTradeHistoryLimit
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.OrdersPerSecond <= 0 {
			return fmt.Errorf("rate limit orders_per_second must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate limit burst must be positive")
		}
	}

	for _, s := range c.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("symbol name must not be empty")
		}
		if s.TickSize.IsNegative() || s.LotSize.IsNegative() {
			return fmt.Errorf("tick/lot size must not be negative for %s", s.Symbol)
		}
	}

	return nil
}

// LogLevel maps the configured level string onto slog levels.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
