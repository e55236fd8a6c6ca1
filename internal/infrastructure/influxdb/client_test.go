package influxdb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/infrastructure/config"
	"github.com/nerrad567/devicekit/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "devicekit-dev-token",
		Org:           "devicekit",
		Bucket:        "archive",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func skipIfNoInfluxDB(t *testing.T) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Skip("InfluxDB not available, skipping integration test")
	}
	return client
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var c *influxdb.Client
	if c.IsConnected() {
		t.Error("IsConnected() = true on nil client")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestEventFields(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		field  string
		want   any
		wantOK bool
	}{
		{"float", 48.5, "value", 48.5, true},
		{"int", int64(3), "value", int64(3), true},
		{"bool", true, "value", true, true},
		{"string", "ok", "value", "ok", true},
		{"state", device.On, "value", "ON", true},
		{"spectrum", []float64{1, 2, 3}, "length", 3, true},
		{"image", [][]int64{{1}, {2}}, "length", 2, true},
		{"nil", nil, "", nil, false},
		{"map", map[string]int{}, "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, ok := influxdb.EventFields(tt.value)
			if ok != tt.wantOK {
				t.Fatalf("EventFields(%v) ok = %v, want %v", tt.value, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if fields[tt.field] != tt.want {
				t.Errorf("EventFields(%v)[%q] = %v, want %v", tt.value, tt.field, fields[tt.field], tt.want)
			}
		})
	}
}

func TestIntegration_WriteAttributeEvent(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	defer client.Close()

	var writeErr error
	client.SetOnError(func(err error) { writeErr = err })

	client.WriteAttributeEvent("test/nodb/ps", "voltage", "archive", "VALID", 48.0, time.Now())
	client.Flush()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if writeErr != nil {
		t.Errorf("async write error = %v", writeErr)
	}
}
