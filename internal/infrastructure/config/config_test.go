package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
server:
  host: "127.0.0.1"
  port: 10000
  green_mode: "futures"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  enabled: true
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
context:
  thread_timeout: 1.5
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 10000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 10000)
	}
	if cfg.Server.GreenMode != "futures" {
		t.Errorf("Server.GreenMode = %q, want %q", cfg.Server.GreenMode, "futures")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if !cfg.MQTT.Enabled {
		t.Error("MQTT.Enabled = false, want true")
	}
	if got := cfg.GetThreadTimeout(); got != 1500*time.Millisecond {
		t.Errorf("GetThreadTimeout() = %v, want 1.5s", got)
	}
	// Unset values keep their defaults.
	if got := cfg.GetProcessTimeout(); got != 5*time.Second {
		t.Errorf("GetProcessTimeout() = %v, want 5s", got)
	}
	if got := cfg.Gateway.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("Gateway.GetReadTimeout() = %v, want 30s", got)
	}
	if got := cfg.Gateway.GetWriteTimeout(); got != 30*time.Second {
		t.Errorf("Gateway.GetWriteTimeout() = %v, want 30s", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
server:
  green_mode: "tornado"
database:
  path: ""
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	for _, want := range []string{"green_mode", "database.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Load() error = %v, want it to mention %q", err, want)
		}
	}
}

func TestLoadOrDefault_EmptyPath(t *testing.T) {
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Context.Port != 8888 {
		t.Errorf("Context.Port = %d, want 8888", cfg.Context.Port)
	}
	if cfg.Context.Debug != 3 {
		t.Errorf("Context.Debug = %d, want 3", cfg.Context.Debug)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("DEVICEKIT_DATABASE_PATH", "/env/devicekit.db")
	t.Setenv("DEVICEKIT_SERVER_GREEN_MODE", "gevent")
	t.Setenv("DEVICEKIT_SERVER_PORT", "12345")
	t.Setenv("DEVICEKIT_MQTT_HOST", "broker.local")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/env/devicekit.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/env/devicekit.db")
	}
	if cfg.Server.GreenMode != "gevent" {
		t.Errorf("Server.GreenMode = %q, want %q", cfg.Server.GreenMode, "gevent")
	}
	if cfg.Server.Port != 12345 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 12345)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
}

func TestApplyEnvOverrides_BadPortIgnored(t *testing.T) {
	t.Setenv("DEVICEKIT_SERVER_PORT", "not-a-number")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.Port != 0 {
		t.Errorf("Server.Port = %d, want default 0", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "verbosity out of range",
			mutate:  func(c *Config) { c.Server.Verbosity = 9 },
			wantErr: "server.verbosity",
		},
		{
			name:    "bad qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name: "influx enabled without url",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
				c.InfluxDB.URL = ""
			},
			wantErr: "influxdb.url",
		},
		{
			name: "gateway enabled without port",
			mutate: func(c *Config) {
				c.Gateway.Enabled = true
				c.Gateway.Port = 0
			},
			wantErr: "gateway.port",
		},
		{
			name:    "zero context timeout",
			mutate:  func(c *Config) { c.Context.ThreadTimeout = 0 },
			wantErr: "context timeouts",
		},
		{
			name:   "green mode is case insensitive",
			mutate: func(c *Config) { c.Server.GreenMode = "Asyncio" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
