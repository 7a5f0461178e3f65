// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Relay: message buffer capacity, keep-alive and watchdog cadences,
//     startup connect timeout, pending-permission cap
//   - DB: sqlite path and connection pool sizing
//   - Retry: database retry attempts and delays (not read by the store; see
//     RetryConfig)
//   - Server: listen port and allowed browser origin
//
// For a complete list of all environment variables, see .env.example
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RelayConfig holds tuning parameters for the session relay core.
type RelayConfig struct {
	MessageBufferCapacity int           // entries retained per session (default: 1000)
	KeepAliveInterval     time.Duration // agent keep_alive cadence (default: 30s)
	BrowserPingInterval   time.Duration // browser WS ping cadence (default: 30s)
	BrowserPongTimeout    time.Duration // time to wait for a pong before closing (default: 10s)
	ConnectTimeout        time.Duration // bound on launching+connecting phases (default: 2m)
	PendingPermissionCap  int           // max outstanding can_use_tool requests per relay (default: 1024)
}

// DBConfig holds sqlite connection configuration.
type DBConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RetryConfig holds retry-related configuration. These values are loaded
// but not read by internal/store, whose withRetry uses a fixed 3 attempts
// and a 50ms base delay.
type RetryConfig struct {
	DatabaseMaxRetries     int           // Max database retry attempts (default: 3)
	DatabaseRetryBaseDelay time.Duration // Base delay for DB retries (default: 50ms)
}

// ServerConfig holds HTTP/WS server configuration.
type ServerConfig struct {
	Port           string
	FrontendOrigin string // origin given to the CORS middleware (the browser WS endpoint accepts any origin); "" or localhost implies dev mode
	RelayBaseURL   string // base ws(s):// URL handed to launched agent containers
}

// OrchestratorConfig holds the container-orchestration settings consumed by
// internal/orchestrator.
type OrchestratorConfig struct {
	AgentImage      string // Docker image run per session
	ContainerRuntime string // "" for default runtime, "runsc" for gVisor
}

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Relay        RelayConfig
	DB           DBConfig
	Retry        RetryConfig
	Orchestrator OrchestratorConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			FrontendOrigin: getEnv("FRONTEND_ORIGIN", ""),
			RelayBaseURL:   getEnv("RELAY_BASE_URL", "ws://localhost:8080"),
		},
		Orchestrator: OrchestratorConfig{
			AgentImage:       getEnv("AGENT_IMAGE", "session-relay-agent:latest"),
			ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
		},
		Relay: RelayConfig{
			MessageBufferCapacity: getEnvInt("RELAY_MESSAGE_BUFFER_CAPACITY", 1000),
			KeepAliveInterval:     getEnvDuration("RELAY_KEEPALIVE_INTERVAL", 30*time.Second),
			BrowserPingInterval:   getEnvDuration("RELAY_BROWSER_PING_INTERVAL", 30*time.Second),
			BrowserPongTimeout:    getEnvDuration("RELAY_BROWSER_PONG_TIMEOUT", 10*time.Second),
			ConnectTimeout:        getEnvDuration("RELAY_CONNECT_TIMEOUT", 2*time.Minute),
			PendingPermissionCap:  getEnvInt("RELAY_PENDING_PERMISSION_CAP", 1024),
		},
		DB: DBConfig{
			Path:            getEnv("DB_PATH", "./data/relay.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("RELAY_DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("RELAY_DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DB.Path == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Relay.MessageBufferCapacity <= 0 {
		return fmt.Errorf("RELAY_MESSAGE_BUFFER_CAPACITY must be > 0")
	}
	if c.Relay.PendingPermissionCap <= 0 {
		return fmt.Errorf("RELAY_PENDING_PERMISSION_CAP must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.FrontendOrigin == "" ||
		strings.Contains(c.Server.FrontendOrigin, "localhost") ||
		strings.Contains(c.Server.FrontendOrigin, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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
