// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":8080"
	DefaultLanguage        = "en"
	DefaultPGHost          = "127.0.0.1"
	DefaultPGPort          = 5432
	DefaultPGUser          = "postgres"
	DefaultPGDatabase      = "namewatch"
	DefaultPGSSLMode       = "disable"
	DefaultScanInterval    = 60 * time.Second
	DefaultScanFirstDelay  = 5 * time.Second
	DefaultScanBatchSize   = 100
	DefaultScanMaxRPS      = 15
	DefaultScanRetryLeeway = 1 * time.Second
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Telegram TelegramConfig `toml:"telegram"`
	Scanner  ScannerConfig  `toml:"scanner"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP listen address and the static admin API token.
// An empty token leaves the admin API open (development only).
type ServerConfig struct {
	Addr     string `toml:"addr"`
	APIToken string `toml:"api_token"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// TelegramConfig holds the bot token and default language for new chats.
type TelegramConfig struct {
	BotToken        string `toml:"bot_token"`
	DefaultLanguage string `toml:"default_language"`
}

// ScannerConfig holds the staleness scanner schedule and pacing knobs.
type ScannerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Interval    Duration `toml:"interval"`
	FirstDelay  Duration `toml:"first_delay"`
	BatchSize   int      `toml:"batch_size"`
	MaxRPS      int      `toml:"max_rps"`
	RetryLeeway Duration `toml:"retry_leeway"`
}

// Duration is a time.Duration that decodes from TOML strings like "90s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Telegram: TelegramConfig{
			DefaultLanguage: DefaultLanguage,
		},
		Scanner: ScannerConfig{
			Enabled:     true,
			Interval:    Duration(DefaultScanInterval),
			FirstDelay:  Duration(DefaultScanFirstDelay),
			BatchSize:   DefaultScanBatchSize,
			MaxRPS:      DefaultScanMaxRPS,
			RetryLeeway: Duration(DefaultScanRetryLeeway),
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
