package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds application configuration
type Config struct {
	APIURL    string `yaml:"api_url"`    // Base URL of the REST collaborator (e.g., "http://localhost:8000")
	StreamURL string `yaml:"stream_url"` // Address of the chat/voice socket
	UserID    string `yaml:"user_id"`    // Written to the stored user when non-empty
	Debug     bool   `yaml:"debug"`
	LogDir    string `yaml:"log_dir"`

	Store   StoreConfig   `yaml:"store"`
	Pacer   PacerConfig   `yaml:"pacer"`
	Network NetworkConfig `yaml:"network"`

	HistoryDays int           `yaml:"history_days"` // Window for listing recent sessions
	HistoryTTL  time.Duration `yaml:"history_ttl"`  // How long loaded history stays cached
}

// StoreConfig selects the key-value backend holding the last active session
type StoreConfig struct {
	Driver   string `yaml:"driver"` // sqlite|memory|redis
	Path     string `yaml:"path"`   // sqlite database file
	RedisURL string `yaml:"redis_url"`
}

// PacerConfig tunes the reveal of streamed text
type PacerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Divisor  int           `yaml:"divisor"` // catch-up divisor K
}

// NetworkConfig holds timeouts for the remote collaborators
type NetworkConfig struct {
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		APIURL:    "http://localhost:8000",
		StreamURL: "ws://localhost:8000/api/v1/chat/ws",
		LogDir:    "logs",
		Store: StoreConfig{
			Driver:   StoreSQLite,
			Path:     "edumind.db",
			RedisURL: "redis://localhost:6379",
		},
		Pacer: PacerConfig{
			Interval: 10 * time.Millisecond,
			Divisor:  10,
		},
		Network: NetworkConfig{
			RequestTimeout:    60 * time.Second,
			ReconnectInterval: 3 * time.Second,
		},
		HistoryDays: 7,
		HistoryTTL:  5 * time.Minute,
	}
}

// Load builds a Config from defaults, an optional YAML file, .env and the
// process environment, in that order of precedence (last wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug(".env file not found, using system environment")
	}

	cfg.APIURL = getEnv("EDUMIND_API_URL", cfg.APIURL)
	cfg.StreamURL = getEnv("EDUMIND_STREAM_URL", cfg.StreamURL)
	cfg.UserID = getEnv("EDUMIND_USER_ID", cfg.UserID)
	cfg.LogDir = getEnv("EDUMIND_LOG_DIR", cfg.LogDir)
	cfg.Store.Driver = getEnv("EDUMIND_STORE", cfg.Store.Driver)
	cfg.Store.Path = getEnv("EDUMIND_STORE_PATH", cfg.Store.Path)
	cfg.Store.RedisURL = getEnv("EDUMIND_REDIS_URL", cfg.Store.RedisURL)
	cfg.Pacer.Interval = getEnvAsDuration("EDUMIND_PACER_INTERVAL", cfg.Pacer.Interval)
	cfg.Pacer.Divisor = getEnvAsInt("EDUMIND_PACER_DIVISOR", cfg.Pacer.Divisor)
	cfg.HistoryDays = getEnvAsInt("EDUMIND_HISTORY_DAYS", cfg.HistoryDays)
	cfg.HistoryTTL = getEnvAsDuration("EDUMIND_HISTORY_TTL", cfg.HistoryTTL)
	cfg.Network.RequestTimeout = getEnvAsDuration("EDUMIND_REQUEST_TIMEOUT", cfg.Network.RequestTimeout)
	cfg.Network.ReconnectInterval = getEnvAsDuration("EDUMIND_RECONNECT_INTERVAL", cfg.Network.ReconnectInterval)

	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if _, err := url.ParseRequestURI(c.APIURL); err != nil {
		return fmt.Errorf("invalid api url %q: %w", c.APIURL, err)
	}
	u, err := url.ParseRequestURI(c.StreamURL)
	if err != nil {
		return fmt.Errorf("invalid stream url %q: %w", c.StreamURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("stream url must use ws or wss, got %q", u.Scheme)
	}
	switch c.Store.Driver {
	case StoreSQLite, StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("unknown store driver: %s", c.Store.Driver)
	}
	if c.Pacer.Divisor < 1 {
		return errors.New("pacer divisor must be at least 1")
	}
	if c.Pacer.Interval <= 0 {
		return errors.New("pacer interval must be positive")
	}
	if c.HistoryDays < 1 {
		return errors.New("history days must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
