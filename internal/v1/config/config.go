// Package config validates the relay's environment configuration before any
// subsystem starts. Validation failures are collected and reported together
// so a bad deployment surfaces every problem in one pass.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultListenAddress  = "127.0.0.1:9001"
	DefaultMaxUpdateBytes = 2 * 1024 * 1024
	DefaultIdleTimeout    = 600 * time.Second
	DefaultDebounceFlush  = 2000 * time.Millisecond
	DefaultFlushCeiling   = 30000 * time.Millisecond
	DefaultRateLimitWsIP  = "120-M"
)

// Config holds validated environment configuration.
type Config struct {
	// Core listen surface
	ListenAddress string

	// Persistence (empty dir disables)
	PersistenceDir string
	DebounceFlush  time.Duration
	FlushCeiling   time.Duration

	// Outbound bridge (empty base URL disables)
	RelayBaseURL  string
	OutboundProxy string

	// Room behavior
	MaxUpdateBytes  int
	IdleRoomTimeout time.Duration

	// Key management
	RoomKeysFile   string
	SidecarChannel bool

	// Cross-instance bus
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Ambient surface
	RateLimitWsIP     string
	AllowedOrigins    string
	OTELCollectorAddr string
	LogLevel          string
	GoEnv             string
	DevelopmentMode   bool
}

// ValidateEnv validates all relay environment variables and returns a Config.
// Returns an error listing every invalid or missing value.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Optional: LISTEN_ADDRESS (defaults to loopback)
	cfg.ListenAddress = getEnvOrDefault("LISTEN_ADDRESS", DefaultListenAddress)
	if !isValidHostPort(cfg.ListenAddress) {
		errors = append(errors, fmt.Sprintf("LISTEN_ADDRESS must be in format 'host:port' (got '%s')", cfg.ListenAddress))
	}

	// Optional: PERSISTENCE_DIR (empty disables snapshots)
	cfg.PersistenceDir = os.Getenv("PERSISTENCE_DIR")

	// Optional: DEBOUNCE_FLUSH_MS / FLUSH_CEILING_MS
	cfg.DebounceFlush = envMillis("DEBOUNCE_FLUSH_MS", DefaultDebounceFlush, &errors)
	cfg.FlushCeiling = envMillis("FLUSH_CEILING_MS", DefaultFlushCeiling, &errors)
	if cfg.FlushCeiling < cfg.DebounceFlush {
		errors = append(errors, fmt.Sprintf("FLUSH_CEILING_MS (%v) must be >= DEBOUNCE_FLUSH_MS (%v)", cfg.FlushCeiling, cfg.DebounceFlush))
	}

	// Optional: RELAY_BASE_URL (enables the outbound bridge)
	cfg.RelayBaseURL = os.Getenv("RELAY_BASE_URL")
	if cfg.RelayBaseURL != "" {
		if u, err := url.Parse(cfg.RelayBaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errors = append(errors, fmt.Sprintf("RELAY_BASE_URL must be a ws:// or wss:// URL (got '%s')", cfg.RelayBaseURL))
		}
	}

	// Optional: OUTBOUND_PROXY (SOCKS5 for the bridge dialer)
	cfg.OutboundProxy = os.Getenv("OUTBOUND_PROXY")
	if cfg.OutboundProxy != "" {
		if u, err := url.Parse(cfg.OutboundProxy); err != nil || u.Scheme != "socks5" || u.Host == "" {
			errors = append(errors, fmt.Sprintf("OUTBOUND_PROXY must be a socks5://host:port URL (got '%s')", cfg.OutboundProxy))
		}
	}

	// Optional: MAX_UPDATE_BYTES
	cfg.MaxUpdateBytes = DefaultMaxUpdateBytes
	if raw := os.Getenv("MAX_UPDATE_BYTES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errors = append(errors, fmt.Sprintf("MAX_UPDATE_BYTES must be a positive integer (got '%s')", raw))
		} else {
			cfg.MaxUpdateBytes = n
		}
	}

	// Optional: IDLE_ROOM_TIMEOUT (seconds)
	cfg.IdleRoomTimeout = DefaultIdleTimeout
	if raw := os.Getenv("IDLE_ROOM_TIMEOUT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errors = append(errors, fmt.Sprintf("IDLE_ROOM_TIMEOUT must be a positive number of seconds (got '%s')", raw))
		} else {
			cfg.IdleRoomTimeout = time.Duration(n) * time.Second
		}
	}

	// Optional: ROOM_KEYS_FILE (startup key load)
	cfg.RoomKeysFile = os.Getenv("ROOM_KEYS_FILE")

	// Optional: SIDECAR_CHANNEL (defaults to on for loopback listeners)
	switch raw := os.Getenv("SIDECAR_CHANNEL"); raw {
	case "":
		cfg.SidecarChannel = isLoopback(cfg.ListenAddress)
	case "true":
		cfg.SidecarChannel = true
	case "false":
		cfg.SidecarChannel = false
	default:
		errors = append(errors, fmt.Sprintf("SIDECAR_CHANNEL must be 'true' or 'false' (got '%s')", raw))
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: rate limits (ulule format: count-period)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", DefaultRateLimitWsIP)

	// Optional: ALLOWED_ORIGINS (comma separated; empty means same-host only)
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Optional: OTEL_COLLECTOR_ADDR (enables tracing)
	cfg.OTELCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	if cfg.OTELCollectorAddr != "" && !isValidHostPort(cfg.OTELCollectorAddr) {
		errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OTELCollectorAddr))
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// envMillis reads a positive millisecond count from the environment.
func envMillis(key string, def time.Duration, errs *[]string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive number of milliseconds (got '%s')", key, raw))
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 1 && n <= 65535
}

// isLoopback reports whether the listen address binds a loopback interface.
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// BridgeEnabled reports whether an outbound bridge should run.
func (c *Config) BridgeEnabled() bool {
	return c.RelayBaseURL != ""
}

// PersistenceEnabled reports whether encrypted snapshots should be written.
func (c *Config) PersistenceEnabled() bool {
	return c.PersistenceDir != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"listen_address", cfg.ListenAddress,
		"persistence_dir", cfg.PersistenceDir,
		"relay_base_url", cfg.RelayBaseURL,
		"outbound_proxy", cfg.OutboundProxy,
		"max_update_bytes", cfg.MaxUpdateBytes,
		"idle_room_timeout", cfg.IdleRoomTimeout,
		"sidecar_channel", cfg.SidecarChannel,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
