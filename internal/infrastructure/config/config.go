package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the relay.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Identity  IdentityConfig  `yaml:"identity"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// GatewayConfig controls the connection registry and its liveness timers.
// Durations are in seconds.
type GatewayConfig struct {
	// RequireAuth selects the authenticated-device deployment. When false,
	// the deviceId query parameter is trusted as the device identity.
	RequireAuth      bool `yaml:"require_auth"`
	AuthGraceWindow  int  `yaml:"auth_grace_window"`
	HeartbeatTimeout int  `yaml:"heartbeat_timeout"`
	SweepInterval    int  `yaml:"sweep_interval"`
}

// IdentityConfig points at the external device identity backend.
type IdentityConfig struct {
	URL     string `yaml:"url"`
	Action  string `yaml:"action"`
	Timeout int    `yaml:"timeout"`
}

// UpstreamConfig contains the controller callback settings.
type UpstreamConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Timeout    int    `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
	QueueSize  int    `yaml:"queue_size"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket transport settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	WriteTimeout   int `yaml:"write_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	ControllerAuth ControllerAuthConfig `yaml:"controller_auth"`
}

// ControllerAuthConfig guards the controller command endpoint with HS256 bearer tokens.
type ControllerAuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Secret   string `yaml:"secret"`
	TokenTTL int    `yaml:"token_ttl"` // minutes
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern WEMOSRELAY_SECTION_KEY, for
// example WEMOSRELAY_IDENTITY_URL. PORT is honoured for the API port so the
// relay runs unchanged on platforms that inject it.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			RequireAuth:      true,
			AuthGraceWindow:  60,
			HeartbeatTimeout: 180,
			SweepInterval:    30,
		},
		Identity: IdentityConfig{
			Action:  "wemos_auth",
			Timeout: 10,
		},
		Upstream: UpstreamConfig{
			Timeout:    5,
			MaxRetries: 2,
			QueueSize:  256,
		},
		Database: DatabaseConfig{
			Path:        "./data/wemos-relay.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "wemos",
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "wemos-relay",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 5000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			WriteTimeout:   10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			ControllerAuth: ControllerAuthConfig{
				TokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Identity backend and upstream controller
	if v := os.Getenv("WEMOSRELAY_IDENTITY_URL"); v != "" {
		cfg.Identity.URL = v
	}
	if v := os.Getenv("WEMOSRELAY_UPSTREAM_URL"); v != "" {
		cfg.Upstream.URL = v
		cfg.Upstream.Enabled = true
	}

	// Gateway
	if v := os.Getenv("WEMOSRELAY_GATEWAY_REQUIRE_AUTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Gateway.RequireAuth = b
		}
	}

	// Database
	if v := os.Getenv("WEMOSRELAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("WEMOSRELAY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("WEMOSRELAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("WEMOSRELAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("WEMOSRELAY_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("WEMOSRELAY_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("WEMOSRELAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Controller token secret (always override in production)
	if v := os.Getenv("WEMOSRELAY_CONTROLLER_SECRET"); v != "" {
		cfg.Security.ControllerAuth.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	// Gateway timers
	if c.Gateway.AuthGraceWindow <= 0 {
		errs = append(errs, "gateway.auth_grace_window must be positive")
	}
	if c.Gateway.HeartbeatTimeout <= 0 {
		errs = append(errs, "gateway.heartbeat_timeout must be positive")
	}
	if c.Gateway.SweepInterval <= 0 {
		errs = append(errs, "gateway.sweep_interval must be positive")
	}

	// Identity backend is mandatory for the authenticated deployment
	if c.Gateway.RequireAuth && c.Identity.URL == "" {
		errs = append(errs, "identity.url is required when gateway.require_auth is true (set WEMOSRELAY_IDENTITY_URL)")
	}

	if c.Upstream.Enabled && c.Upstream.URL == "" {
		errs = append(errs, "upstream.url is required when upstream is enabled")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	const minSecretLength = 32
	if c.Security.ControllerAuth.Enabled && len(c.Security.ControllerAuth.Secret) < minSecretLength {
		errs = append(errs, "security.controller_auth.secret must be at least 32 characters when controller auth is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// AuthGraceWindowDuration returns the pending-device grace period as a Duration.
func (g GatewayConfig) AuthGraceWindowDuration() time.Duration {
	return time.Duration(g.AuthGraceWindow) * time.Second
}

// HeartbeatTimeoutDuration returns the device heartbeat timeout as a Duration.
func (g GatewayConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(g.HeartbeatTimeout) * time.Second
}

// SweepIntervalDuration returns the liveness sweep period as a Duration.
func (g GatewayConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(g.SweepInterval) * time.Second
}
