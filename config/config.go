package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	TelegramToken         string
	APIKey                string
	ListenAddr            string
	DBPath                string
	AcceptOrderTimeout    time.Duration
	FrozenBalanceCooldown time.Duration
	TopLength             int
	OrderFee              decimal.Decimal
	SupportID             int64
	LogLevel              string
	LogFile               string
}

// fileConfig mirrors Config for the optional YAML file. Durations and amounts
// are kept as strings so they parse the same way as environment values.
type fileConfig struct {
	TelegramToken         string `yaml:"telegram_token"`
	APIKey                string `yaml:"api_key"`
	ListenAddr            string `yaml:"listen_addr"`
	DBPath                string `yaml:"db_path"`
	AcceptOrderTimeout    string `yaml:"accept_order_timeout"`
	FrozenBalanceCooldown string `yaml:"frozen_balance_cooldown"`
	TopLength             int    `yaml:"top_length"`
	OrderFee              string `yaml:"order_fee"`
	SupportID             int64  `yaml:"support_id"`
	LogLevel              string `yaml:"log_level"`
	LogFile               string `yaml:"log_file"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:            ":8080",
		DBPath:                "./p2p.db",
		AcceptOrderTimeout:    time.Minute,
		FrozenBalanceCooldown: 15 * time.Minute,
		TopLength:             10,
		OrderFee:              decimal.Zero,
		LogLevel:              "info",
	}
}

// NewConfig creates a new configuration from environment variables. envFile
// is loaded first if it exists, then yamlFile if set; environment variables
// always win over file values.
func NewConfig(envFile, yamlFile string) (*Config, error) {
	var err error
	if envFile != "" {
		err = godotenv.Load(envFile)
	} else {
		err = godotenv.Load()
	}
	if err != nil {
		log.Println("Warning: .env file not found, using environment and defaults")
	}

	cfg := defaults()
	if yamlFile != "" {
		if err := cfg.loadFile(yamlFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&c.TelegramToken, fc.TelegramToken)
	setString(&c.APIKey, fc.APIKey)
	setString(&c.ListenAddr, fc.ListenAddr)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFile, fc.LogFile)
	if fc.TopLength != 0 {
		c.TopLength = fc.TopLength
	}
	if fc.SupportID != 0 {
		c.SupportID = fc.SupportID
	}
	if fc.AcceptOrderTimeout != "" {
		if c.AcceptOrderTimeout, err = ParseDuration(fc.AcceptOrderTimeout); err != nil {
			return fmt.Errorf("accept_order_timeout: %w", err)
		}
	}
	if fc.FrozenBalanceCooldown != "" {
		if c.FrozenBalanceCooldown, err = ParseDuration(fc.FrozenBalanceCooldown); err != nil {
			return fmt.Errorf("frozen_balance_cooldown: %w", err)
		}
	}
	if fc.OrderFee != "" {
		if c.OrderFee, err = decimal.NewFromString(fc.OrderFee); err != nil {
			return fmt.Errorf("order_fee: %w", err)
		}
	}
	return nil
}

func (c *Config) loadEnv() (err error) {
	setString(&c.TelegramToken, os.Getenv("TELEGRAM_BOT_TOKEN"))
	setString(&c.APIKey, os.Getenv("API_KEY"))
	setString(&c.ListenAddr, os.Getenv("LISTEN_ADDR"))
	setString(&c.DBPath, os.Getenv("DB_PATH"))
	setString(&c.LogLevel, os.Getenv("LOG_LEVEL"))
	setString(&c.LogFile, os.Getenv("LOG_FILE"))

	if v := os.Getenv("ACCEPT_ORDER_TIMEOUT"); v != "" {
		if c.AcceptOrderTimeout, err = ParseDuration(v); err != nil {
			return fmt.Errorf("ACCEPT_ORDER_TIMEOUT: %w", err)
		}
	}
	if v := os.Getenv("FROZEN_BALANCE_COOLDOWN"); v != "" {
		if c.FrozenBalanceCooldown, err = ParseDuration(v); err != nil {
			return fmt.Errorf("FROZEN_BALANCE_COOLDOWN: %w", err)
		}
	}
	if v := os.Getenv("TOP_LENGTH"); v != "" {
		if c.TopLength, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("TOP_LENGTH: %w", err)
		}
	}
	if v := os.Getenv("ORDER_FEE"); v != "" {
		if c.OrderFee, err = decimal.NewFromString(v); err != nil {
			return fmt.Errorf("ORDER_FEE: %w", err)
		}
	}
	if v := os.Getenv("SUPPORT_ID"); v != "" {
		if c.SupportID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("SUPPORT_ID: %w", err)
		}
	}
	return nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	if c.AcceptOrderTimeout <= 0 {
		return fmt.Errorf("accept order timeout must be positive")
	}
	if c.FrozenBalanceCooldown <= 0 {
		return fmt.Errorf("frozen balance cooldown must be positive")
	}
	if c.TopLength <= 0 {
		return fmt.Errorf("top length must be positive")
	}
	if c.OrderFee.IsNegative() {
		return fmt.Errorf("order fee must not be negative")
	}
	return nil
}

// ParseDuration accepts either a number of seconds ("30", "1.5") or a Go
// duration string ("90s", "15m").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
