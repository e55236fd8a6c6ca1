package configdb

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/nerrad567/devicekit/internal/infrastructure/database"
)

func openTestSQL(t *testing.T) *SQLDatabase {
	t.Helper()
	db, err := OpenSQL(context.Background(), database.Config{
		Path:        filepath.Join(t.TempDir(), "config.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("OpenSQL() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	return db
}

func TestSQLDatabase_Servers(t *testing.T) {
	db := openTestSQL(t)
	ctx := context.Background()

	if err := db.AddServer(ctx, "PowerSupply/test", "PowerSupply", []string{"test/psu/2", "test/psu/1"}); err != nil {
		t.Fatalf("AddServer() error = %v", err)
	}
	if err := db.AddServer(ctx, "PowerSupply/test", "Sensor", []string{"test/sensor/1"}); err != nil {
		t.Fatalf("AddServer() error = %v", err)
	}
	classes, err := db.ServerClasses(ctx, "powersupply/TEST")
	if err != nil {
		t.Fatalf("ServerClasses() error = %v", err)
	}
	want := []ServerClass{
		{Class: "PowerSupply", Devices: []string{"test/psu/2", "test/psu/1"}},
		{Class: "Sensor", Devices: []string{"test/sensor/1"}},
	}
	if !reflect.DeepEqual(classes, want) {
		t.Errorf("ServerClasses() = %v, want %v", classes, want)
	}

	// Re-declaring a device moves it.
	if err := db.AddServer(ctx, "Other/x", "Sensor", []string{"test/sensor/1"}); err != nil {
		t.Fatalf("AddServer(move) error = %v", err)
	}
	classes, _ = db.ServerClasses(ctx, "PowerSupply/test")
	if len(classes) != 1 {
		t.Errorf("ServerClasses() after move = %v, want one class", classes)
	}
	if _, err := db.ServerClasses(ctx, "Nobody/x"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("ServerClasses(unknown) error = %v, want ErrServerNotFound", err)
	}
}

func TestSQLDatabase_Properties(t *testing.T) {
	db := openTestSQL(t)
	ctx := context.Background()

	if err := db.PutDeviceProperty(ctx, "test/psu/1", map[string][]string{
		"polled_cmd": {"Reset", "3000", "Calibrate", "500"},
		"port":       {"4"},
	}); err != nil {
		t.Fatalf("PutDeviceProperty() error = %v", err)
	}
	if err := db.PutDeviceProperty(ctx, "test/psu/1", map[string][]string{"Port": {"5"}}); err != nil {
		t.Fatalf("PutDeviceProperty(overwrite) error = %v", err)
	}

	props, err := db.GetDeviceProperty(ctx, "test/psu/1", "PORT", "polled_cmd", "missing")
	if err != nil {
		t.Fatalf("GetDeviceProperty() error = %v", err)
	}
	want := map[string][]string{
		"PORT":       {"5"},
		"polled_cmd": {"Reset", "3000", "Calibrate", "500"},
	}
	if !reflect.DeepEqual(props, want) {
		t.Errorf("GetDeviceProperty() = %v, want %v", props, want)
	}

	if err := db.DeleteDeviceProperty(ctx, "test/psu/1", "polled_cmd"); err != nil {
		t.Fatalf("DeleteDeviceProperty() error = %v", err)
	}
	all, _ := db.GetDeviceProperty(ctx, "test/psu/1")
	if !reflect.DeepEqual(all, map[string][]string{"Port": {"5"}}) {
		t.Errorf("GetDeviceProperty(all) = %v", all)
	}

	if err := db.PutDeviceAttributeProperty(ctx, "test/psu/1", map[string]map[string][]string{
		"voltage": {"__value": {"12.5"}},
		"current": {"unit": {"A"}},
	}); err != nil {
		t.Fatalf("PutDeviceAttributeProperty() error = %v", err)
	}
	attr, _ := db.GetDeviceAttributeProperty(ctx, "test/psu/1", "Voltage")
	if !reflect.DeepEqual(attr, map[string][]string{"__value": {"12.5"}}) {
		t.Errorf("GetDeviceAttributeProperty() = %v", attr)
	}

	if err := db.PutClassProperty(ctx, "PowerSupply", map[string][]string{"vendor": {"acme"}}); err != nil {
		t.Fatalf("PutClassProperty() error = %v", err)
	}
	class, _ := db.GetClassProperty(ctx, "powersupply", "Vendor")
	if !reflect.DeepEqual(class, map[string][]string{"Vendor": {"acme"}}) {
		t.Errorf("GetClassProperty() = %v", class)
	}

	if err := db.DB().HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
