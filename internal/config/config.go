// Package config provides YAML-based configuration loading for btxfer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"bluetooth-xfer/internal/connmgr"
	"bluetooth-xfer/internal/transfer"
)

// Config is the root application configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Events   EventsConfig   `mapstructure:"events"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// ServiceConfig describes the RFCOMM service both peers agree on.
type ServiceConfig struct {
	// Name advertised in the service record
	Name string `mapstructure:"name"`
	// UUID shared by server and client; mismatched values never connect
	UUID string `mapstructure:"uuid"`
	// Channel is the RFCOMM channel the server registers on
	Channel uint8 `mapstructure:"channel"`
}

// TransferConfig tunes the transfer engine.
type TransferConfig struct {
	ChunkSize        int    `mapstructure:"chunk_size"`
	ProgressEvery    int    `mapstructure:"progress_every"`
	DownloadsDir     string `mapstructure:"downloads_dir"`
	ReceiveOnConnect bool   `mapstructure:"receive_on_connect"`
}

type EventsConfig struct {
	// Buffer is the per-subscriber channel capacity of the event bus
	Buffer int `mapstructure:"buffer"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:    connmgr.DefaultServiceName,
			UUID:    connmgr.SPPUUID,
			Channel: connmgr.DefaultRFCOMMChannel,
		},
		Transfer: TransferConfig{
			ChunkSize:        transfer.ChunkSize,
			ProgressEvery:    transfer.ProgressEvery,
			DownloadsDir:     defaultDownloadsDir(),
			ReceiveOnConnect: true,
		},
		Events: EventsConfig{Buffer: 64},
		Log: LogConfig{
			Level:   "warn",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/btxfer.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

func defaultDownloadsDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Downloads")
	}
	return "."
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix BTXFER and `.`/`-` are replaced with `_`.
// Example: BTXFER_TRANSFER_CHUNK_SIZE=4096
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BTXFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.uuid", cfg.Service.UUID)
	v.SetDefault("service.channel", cfg.Service.Channel)
	v.SetDefault("transfer.chunk_size", cfg.Transfer.ChunkSize)
	v.SetDefault("transfer.progress_every", cfg.Transfer.ProgressEvery)
	v.SetDefault("transfer.downloads_dir", cfg.Transfer.DownloadsDir)
	v.SetDefault("transfer.receive_on_connect", cfg.Transfer.ReceiveOnConnect)
	v.SetDefault("events.buffer", cfg.Events.Buffer)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("BTXFER_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("btxfer")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".btxfer"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if strings.TrimSpace(c.Service.Name) == "" {
		return errors.New("service.name must not be empty")
	}
	if _, err := uuid.Parse(c.Service.UUID); err != nil {
		return fmt.Errorf("invalid service.uuid %q: %w", c.Service.UUID, err)
	}
	if c.Service.Channel < 1 || c.Service.Channel > 30 {
		return fmt.Errorf("invalid service.channel: %d (want 1-30)", c.Service.Channel)
	}

	if c.Transfer.ChunkSize < 1 || c.Transfer.ChunkSize > transfer.MaxChunkSize {
		return fmt.Errorf("invalid transfer.chunk_size: %d (want 1-%d)", c.Transfer.ChunkSize, transfer.MaxChunkSize)
	}
	if c.Transfer.ProgressEvery < 1 {
		return fmt.Errorf("invalid transfer.progress_every: %d", c.Transfer.ProgressEvery)
	}
	if strings.TrimSpace(c.Transfer.DownloadsDir) == "" {
		c.Transfer.DownloadsDir = defaultDownloadsDir()
	}
	if c.Events.Buffer < 0 {
		return fmt.Errorf("invalid events.buffer: %d", c.Events.Buffer)
	}
	return nil
}

// ServiceUUID returns the parsed service UUID. Load has already validated it.
func (c *Config) ServiceUUID() uuid.UUID {
	return uuid.MustParse(c.Service.UUID)
}
