// Package config loads and validates the server configuration. Sources are
// layered: built-in defaults, then an optional JSON file (-config), then a
// .env file, then real environment variables. Later sources win.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DataMode selects where layer snapshots persist.
type DataMode int

const (
	// DataModeNone keeps the canvas in memory only.
	DataModeNone DataMode = iota
	// DataModeFS writes one file per layer under DataDir.
	DataModeFS
	// DataModeBroker keeps snapshots in the coordination broker's key/value
	// store. Selecting a broker disables filesystem persistence entirely.
	DataModeBroker
)

func (m DataMode) String() string {
	switch m {
	case DataModeFS:
		return "fs"
	case DataModeBroker:
		return "broker"
	default:
		return "none"
	}
}

// Config holds every recognized option. JSON keys match the option names of
// the config file; env tags give the environment spelling.
type Config struct {
	Host string `json:"host" env:"REICHAT_HOST"`
	Port int    `json:"port" env:"REICHAT_PORT"`

	Title        string `json:"title" env:"REICHAT_TITLE"`
	CanvasWidth  int    `json:"canvasWidth" env:"REICHAT_CANVAS_WIDTH"`
	CanvasHeight int    `json:"canvasHeight" env:"REICHAT_CANVAS_HEIGHT"`
	LayerCount   int    `json:"layerCount" env:"REICHAT_LAYER_COUNT"`

	// Reserved: the room keeps no operation logs, only flattened rasters.
	MaxPaintLogCount int `json:"maxPaintLogCount" env:"REICHAT_MAX_PAINT_LOG_COUNT"`
	MaxChatLogCount  int `json:"maxChatLogCount" env:"REICHAT_MAX_CHAT_LOG_COUNT"`

	DataDir        string `json:"dataDir" env:"REICHAT_DATA_DIR"`
	DataFilePrefix string `json:"dataFilePrefix" env:"REICHAT_DATA_FILE_PREFIX"`

	RedisHost      string `json:"redisHost" env:"REICHAT_REDIS_HOST"`
	RedisPort      int    `json:"redisPort" env:"REICHAT_REDIS_PORT"`
	RedisPassword  string `json:"redisPassword" env:"REICHAT_REDIS_PASSWORD"`
	RedisKeyPrefix string `json:"redisKeyPrefix" env:"REICHAT_REDIS_KEY_PREFIX"`

	NATSURL       string `json:"natsURL" env:"REICHAT_NATS_URL"`
	NATSKeyPrefix string `json:"natsKeyPrefix" env:"REICHAT_NATS_KEY_PREFIX"`

	ClientDir     string `json:"clientDir" env:"REICHAT_CLIENT_DIR"`
	ClientVersion string `json:"clientVersion" env:"REICHAT_CLIENT_VERSION"`

	// XFF is the only recognized value; anything else falls back to the
	// socket peer address.
	ForwardedHeaderType string `json:"forwardedHeaderType" env:"REICHAT_FORWARDED_HEADER_TYPE"`

	// MetricsAddr enables the ops listener (/metrics, /healthz) when set.
	MetricsAddr string `json:"metricsAddr" env:"REICHAT_METRICS_ADDR"`

	LogLevel  string `json:"logLevel" env:"LOG_LEVEL"`
	LogFormat string `json:"logFormat" env:"LOG_FORMAT"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Host:             "0.0.0.0",
		Port:             10133,
		Title:            "PaintChat",
		CanvasWidth:      1920,
		CanvasHeight:     1080,
		LayerCount:       3,
		MaxPaintLogCount: 2000,
		MaxChatLogCount:  100,
		DataFilePrefix:   "reichat-",
		RedisPort:        6379,
		RedisKeyPrefix:   "reichat:",
		NATSKeyPrefix:    "reichat.",
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load builds the configuration. path names an optional JSON config file;
// environment variables (and a .env file, when present) override it.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	// .env is a development convenience; production sets real env vars.
	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enums. Errors here are fatal at startup.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Port)
	}
	if c.CanvasWidth < 1 || c.CanvasHeight < 1 {
		return fmt.Errorf("canvas dimensions must be positive, got %dx%d", c.CanvasWidth, c.CanvasHeight)
	}
	if c.CanvasWidth*c.CanvasHeight > 16384*16384 {
		return fmt.Errorf("canvas %dx%d exceeds the 16384x16384 pixel limit", c.CanvasWidth, c.CanvasHeight)
	}
	if c.LayerCount < 1 {
		return fmt.Errorf("layerCount must be >= 1, got %d", c.LayerCount)
	}
	if c.RedisHost != "" && (c.RedisPort < 1 || c.RedisPort > 65535) {
		return fmt.Errorf("redisPort must be 1-65535, got %d", c.RedisPort)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("logFormat must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// DataMode derives the persistence mode: a configured broker wins over the
// filesystem, and a dataDir of "null" or "/dev/null" means disabled.
func (c *Config) DataMode() DataMode {
	if c.BrokerEnabled() {
		return DataModeBroker
	}
	dir := strings.TrimSpace(c.DataDir)
	if dir == "" || dir == "null" || dir == "/dev/null" {
		return DataModeNone
	}
	return DataModeFS
}

// BrokerEnabled reports whether multi-server mode is on. redisHost selects
// Redis; otherwise natsURL selects NATS.
func (c *Config) BrokerEnabled() bool {
	return c.RedisHost != "" || c.NATSURL != ""
}

// Addr is the public listener address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
