package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for a devicekit server.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging"`
	Context  ContextConfig  `yaml:"context"`
}

// ServerConfig contains device server defaults used when argv does not say otherwise.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	GreenMode string `yaml:"green_mode"`
	Verbosity int    `yaml:"verbosity"`
	// Workers bounds the Futures worker pool. 0 means runtime.NumCPU().
	Workers int `yaml:"workers"`
}

// DatabaseConfig contains the SQLite configuration database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains the broker used to mirror device events.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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
}

// InfluxDBConfig contains the archive event sink settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// GatewayConfig contains the optional HTTP gateway settings.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// Timeouts in seconds.
	ReadTimeout  int `yaml:"read_timeout"`
	WriteTimeout int `yaml:"write_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ContextConfig contains the ephemeral test context defaults.
type ContextConfig struct {
	// ThreadTimeout and ProcessTimeout are readiness timeouts in seconds.
	ThreadTimeout  float64 `yaml:"thread_timeout"`
	ProcessTimeout float64 `yaml:"process_timeout"`
	Host           string  `yaml:"host"`
	Port           int     `yaml:"port"`
	Debug          int     `yaml:"debug"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEVICEKIT_SECTION_KEY
// For example: DEVICEKIT_DATABASE_PATH, DEVICEKIT_SERVER_GREEN_MODE
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

// LoadOrDefault behaves like Load but returns the defaults (with environment
// overrides) when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := defaultConfig()
		applyEnvOverrides(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      0,
			GreenMode: "synchronous",
			Verbosity: 3,
		},
		Database: DatabaseConfig{
			Path:        "./data/devicekit.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "devicekit",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "devicekit",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         8090,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Context: ContextConfig{
			ThreadTimeout:  3,
			ProcessTimeout: 5,
			Port:           8888,
			Debug:          3,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVICEKIT_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DEVICEKIT_SERVER_GREEN_MODE"); v != "" {
		cfg.Server.GreenMode = v
	}
	if v, ok := envInt("DEVICEKIT_SERVER_PORT"); ok {
		cfg.Server.Port = v
	}

	if v := os.Getenv("DEVICEKIT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("DEVICEKIT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEVICEKIT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEVICEKIT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("DEVICEKIT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("DEVICEKIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if c.Server.Verbosity < 0 || c.Server.Verbosity > 5 {
		errs = append(errs, "server.verbosity must be between 0 and 5")
	}
	switch strings.ToLower(c.Server.GreenMode) {
	case "", "synchronous", "futures", "asyncio", "gevent":
	default:
		errs = append(errs, "server.green_mode must be synchronous, futures, asyncio or gevent")
	}
	if c.Server.Workers < 0 {
		errs = append(errs, "server.workers must not be negative")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Gateway.Enabled && (c.Gateway.Port < 1 || c.Gateway.Port > 65535) {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}

	if c.Context.ThreadTimeout <= 0 || c.Context.ProcessTimeout <= 0 {
		errs = append(errs, "context timeouts must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetThreadTimeout returns the in-process context readiness timeout.
func (c *Config) GetThreadTimeout() time.Duration {
	return time.Duration(c.Context.ThreadTimeout * float64(time.Second))
}

// GetProcessTimeout returns the child-process context readiness timeout.
func (c *Config) GetProcessTimeout() time.Duration {
	return time.Duration(c.Context.ProcessTimeout * float64(time.Second))
}

// GetReadTimeout returns the gateway read timeout as a Duration.
func (g GatewayConfig) GetReadTimeout() time.Duration {
	return time.Duration(g.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the gateway write timeout as a Duration.
func (g GatewayConfig) GetWriteTimeout() time.Duration {
	return time.Duration(g.WriteTimeout) * time.Second
}
