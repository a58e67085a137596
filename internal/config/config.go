// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config holds all application configuration.
type Config struct {
	Port     string
	GRPCPort string
	LogLevel string

	Store StoreConfig

	BridgeURL            string
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int

	CatalogDir     string
	FlowFile       string
	SendInterval   time.Duration
	Blocklist      string
	OperatorToken  string
	OverrideMarker string
	ResetMarker    string
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend         string
	Dir             string
	DBPath          string
	MongoURI        string
	MongoDB         string
	CredsPassphrase string
	ClearAuth       bool
}

// FromEnv reads configuration from environment variables without
// validating it, so flags can still override the values.
func FromEnv() *Config {
	return &Config{
		Port:     getEnv("PORT", "3000"),
		GRPCPort: getEnv("GRPC_PORT", "9090"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Store: StoreConfig{
			Backend:         getEnv("STORE_BACKEND", "file"),
			Dir:             getEnv("STORE_DIR", "./data/auth"),
			DBPath:          getEnv("DB_PATH", "./data/salesbot.db"),
			MongoURI:        getEnv("MONGODB_URI", ""),
			MongoDB:         getEnv("MONGODB_DB", "whatsapp_bot"),
			CredsPassphrase: getEnv("CREDS_PASSPHRASE", ""),
			ClearAuth:       getEnvBool("CLEAR_AUTH", false),
		},
		BridgeURL:            getEnv("BRIDGE_URL", "ws://127.0.0.1:8765/bridge"),
		ReconnectBackoff:     getEnvDuration("RECONNECT_BACKOFF", 5*time.Second),
		MaxReconnectAttempts: getEnvInt("MAX_RECONNECT_ATTEMPTS", 5),
		CatalogDir:           getEnv("CATALOG_DIR", "./catalog"),
		FlowFile:             getEnv("FLOW_FILE", ""),
		SendInterval:         getEnvDuration("SEND_INTERVAL", 1500*time.Millisecond),
		Blocklist:            getEnv("BLOCKLIST", ""),
		OperatorToken:        getEnv("OPERATOR_TOKEN", ""),
		OverrideMarker:       getEnv("OVERRIDE_MARKER", "#human"),
		ResetMarker:          getEnv("RESET_MARKER", "#bot-reset"),
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// BindFlags registers command line overrides for every setting, using the
// current values as defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.GRPCPort, "grpc-port", c.GRPCPort, "gRPC health listen port")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")

	fs.StringVar(&c.Store.Backend, "store", c.Store.Backend, "persistence backend (file, sqlite, mongo)")
	fs.StringVar(&c.Store.Dir, "store-dir", c.Store.Dir, "directory of the file backend")
	fs.StringVar(&c.Store.DBPath, "db-path", c.Store.DBPath, "database file of the sqlite backend")
	fs.StringVar(&c.Store.MongoURI, "mongodb-uri", c.Store.MongoURI, "connection string of the mongo backend")
	fs.StringVar(&c.Store.MongoDB, "mongodb-db", c.Store.MongoDB, "database name of the mongo backend")
	fs.BoolVar(&c.Store.ClearAuth, "clear-auth", c.Store.ClearAuth, "wipe stored credentials before connecting")

	fs.StringVar(&c.BridgeURL, "bridge-url", c.BridgeURL, "websocket URL of the protocol bridge")
	fs.DurationVar(&c.ReconnectBackoff, "reconnect-backoff", c.ReconnectBackoff, "wait between reconnect attempts")
	fs.IntVar(&c.MaxReconnectAttempts, "max-reconnect-attempts", c.MaxReconnectAttempts, "reconnect attempts before giving up")

	fs.StringVar(&c.CatalogDir, "catalog-dir", c.CatalogDir, "root directory of the product images")
	fs.StringVar(&c.FlowFile, "flow", c.FlowFile, "conversation flow file (built-in flow when empty)")
	fs.DurationVar(&c.SendInterval, "send-interval", c.SendInterval, "minimum gap between messages to one contact")
	fs.StringVar(&c.Blocklist, "blocklist", c.Blocklist, "comma separated contacts that are never answered")
	fs.StringVar(&c.OverrideMarker, "override-marker", c.OverrideMarker, "operator token that hands a chat to a human")
	fs.StringVar(&c.ResetMarker, "reset-marker", c.ResetMarker, "operator token that restarts a chat")
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.GRPCPort == "" {
		return errors.New("GRPC_PORT cannot be empty")
	}
	if _, err := c.Level(); err != nil {
		return err
	}

	switch c.Store.Backend {
	case "file":
		if c.Store.Dir == "" {
			return errors.New("STORE_DIR cannot be empty for the file backend")
		}
	case "sqlite":
		if c.Store.DBPath == "" {
			return errors.New("DB_PATH cannot be empty for the sqlite backend")
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			return errors.New("MONGODB_URI cannot be empty for the mongo backend")
		}
		if c.Store.MongoDB == "" {
			return errors.New("MONGODB_DB cannot be empty for the mongo backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND %q is not one of file, sqlite, mongo", c.Store.Backend)
	}

	u, err := url.Parse(c.BridgeURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("BRIDGE_URL %q must be a ws:// or wss:// URL", c.BridgeURL)
	}
	if c.ReconnectBackoff <= 0 {
		return errors.New("RECONNECT_BACKOFF must be > 0")
	}
	if c.MaxReconnectAttempts <= 0 {
		return errors.New("MAX_RECONNECT_ATTEMPTS must be > 0")
	}
	if c.SendInterval < 0 {
		return errors.New("SEND_INTERVAL cannot be negative")
	}

	if strings.TrimSpace(c.OverrideMarker) == "" || strings.TrimSpace(c.ResetMarker) == "" {
		return errors.New("OVERRIDE_MARKER and RESET_MARKER cannot be empty")
	}
	if strings.EqualFold(c.OverrideMarker, c.ResetMarker) {
		return errors.New("OVERRIDE_MARKER and RESET_MARKER must differ")
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// OperatorAPIEnabled reports whether the operator HTTP API is mounted.
func (c *Config) OperatorAPIEnabled() bool {
	return c.OperatorToken != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
