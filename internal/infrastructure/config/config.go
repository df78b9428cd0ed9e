package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "BLEGATEWAY_CONFIG"

// Config is the root configuration structure for the BLE gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig contains gateway process and module settings.
type GatewayConfig struct {
	// ID identifies this gateway in health messages.
	ID string `yaml:"id"`

	// Devices lists paths to per-device JSON configuration documents.
	Devices []string `yaml:"devices"`

	// UseDeviceStore loads additional device documents from the database.
	UseDeviceStore bool `yaml:"use_device_store"`

	// StartupTimeoutMS bounds the wait for a module's loop to start.
	// Default: 1000
	StartupTimeoutMS int `yaml:"startup_timeout_ms"`

	// DisconnectTimeoutMS bounds the disconnect wait during module teardown.
	// Default: 2000
	DisconnectTimeoutMS int `yaml:"disconnect_timeout_ms"`

	// ConnectTimeoutMS bounds one connection attempt.
	// Default: 30000
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`

	// OpTimeoutMS bounds a single GATT read or write.
	// Default: 10000
	OpTimeoutMS int `yaml:"op_timeout_ms"`

	// HealthInterval is how often gateway health is published.
	// Default: 30s
	HealthInterval time.Duration `yaml:"health_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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
	MaxAttempts  int `yaml:"max_attempts"`
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

// APIConfig contains management API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// JWTSecret verifies HS256 bearer tokens. Empty disables authentication.
	JWTSecret string `yaml:"jwt_secret"`

	WebSocket WebSocketConfig `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains telemetry stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BLEGATEWAY_SECTION_KEY
// For example: BLEGATEWAY_DATABASE_PATH, BLEGATEWAY_MQTT_HOST
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
			ID:                  "ble-gateway-001",
			StartupTimeoutMS:    1000,
			DisconnectTimeoutMS: 2000,
			ConnectTimeoutMS:    30000,
			OpTimeoutMS:         10000,
			HealthInterval:      30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/blegateway.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-ble",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 4096,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Gateway
	if v := os.Getenv("BLEGATEWAY_GATEWAY_ID"); v != "" {
		cfg.Gateway.ID = v
	}
	if v := os.Getenv("BLEGATEWAY_DEVICES"); v != "" {
		cfg.Gateway.Devices = splitList(v)
	}

	// Database
	if v := os.Getenv("BLEGATEWAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("BLEGATEWAY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BLEGATEWAY_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("BLEGATEWAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BLEGATEWAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("BLEGATEWAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("BLEGATEWAY_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("BLEGATEWAY_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("BLEGATEWAY_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}

	// Logging
	if v := os.Getenv("BLEGATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// splitList splits a comma-separated list and drops empty entries.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// minJWTSecretLength is the shortest accepted HS256 secret.
const minJWTSecretLength = 32

// Validate checks the configuration for errors.
// All problems are collected into a single error.
func (c *Config) Validate() error {
	var errs []string

	// Gateway validation
	if c.Gateway.ID == "" {
		errs = append(errs, "gateway.id is required")
	}
	if len(c.Gateway.Devices) == 0 && !c.Gateway.UseDeviceStore {
		errs = append(errs, "gateway.devices is empty and use_device_store is disabled")
	}
	for i, d := range c.Gateway.Devices {
		if strings.TrimSpace(d) == "" {
			errs = append(errs, fmt.Sprintf("gateway.devices[%d] is empty", i))
		}
	}
	if c.Gateway.StartupTimeoutMS < 0 || c.Gateway.DisconnectTimeoutMS < 0 ||
		c.Gateway.ConnectTimeoutMS < 0 || c.Gateway.OpTimeoutMS < 0 {
		errs = append(errs, "gateway timeouts must not be negative")
	}

	// Database validation
	if c.Gateway.UseDeviceStore && c.Database.Path == "" {
		errs = append(errs, "database.path is required when use_device_store is enabled")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	// API validation
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.API.JWTSecret != "" && len(c.API.JWTSecret) < minJWTSecretLength {
			errs = append(errs, fmt.Sprintf("api.jwt_secret must be at least %d characters", minJWTSecretLength))
		}
		if c.API.Timeouts.Read < 0 || c.API.Timeouts.Write < 0 || c.API.Timeouts.Idle < 0 {
			errs = append(errs, "api timeouts must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// StartupTimeout returns the module startup barrier timeout.
func (g GatewayConfig) StartupTimeout() time.Duration {
	return time.Duration(g.StartupTimeoutMS) * time.Millisecond
}

// DisconnectTimeout returns the module teardown disconnect timeout.
func (g GatewayConfig) DisconnectTimeout() time.Duration {
	return time.Duration(g.DisconnectTimeoutMS) * time.Millisecond
}

// ConnectTimeout returns the per-attempt connect timeout.
func (g GatewayConfig) ConnectTimeout() time.Duration {
	return time.Duration(g.ConnectTimeoutMS) * time.Millisecond
}

// OpTimeout returns the per-operation GATT timeout.
func (g GatewayConfig) OpTimeout() time.Duration {
	return time.Duration(g.OpTimeoutMS) * time.Millisecond
}

// ReadTimeout returns the API read timeout.
func (a APIConfig) ReadTimeout() time.Duration {
	return time.Duration(a.Timeouts.Read) * time.Second
}

// WriteTimeout returns the API write timeout.
func (a APIConfig) WriteTimeout() time.Duration {
	return time.Duration(a.Timeouts.Write) * time.Second
}

// IdleTimeout returns the API idle timeout.
func (a APIConfig) IdleTimeout() time.Duration {
	return time.Duration(a.Timeouts.Idle) * time.Second
}

// Address returns the host:port the API listens on.
func (a APIConfig) Address() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
