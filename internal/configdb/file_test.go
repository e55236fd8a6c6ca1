package configdb

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const sampleFile = `# power supplies
PowerSupply/test/DEVICE/PowerSupply: test/psu/1, \
    test/psu/2
PowerSupply/test/DEVICE/Sensor: test/sensor/1
test/psu/1->port: 4
test/psu/1->polled_cmd: Reset, 3000
test/psu/1/voltage->__value: 12.5
test/psu/2->description: "one, two", "  padded"
CLASS/PowerSupply->vendor: acme
`

func TestParse(t *testing.T) {
	db, err := Parse(strings.NewReader(sampleFile))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	ctx := context.Background()

	classes, err := db.ServerClasses(ctx, "PowerSupply/test")
	if err != nil {
		t.Fatalf("ServerClasses() error = %v", err)
	}
	want := []ServerClass{
		{Class: "PowerSupply", Devices: []string{"test/psu/1", "test/psu/2"}},
		{Class: "Sensor", Devices: []string{"test/sensor/1"}},
	}
	if !reflect.DeepEqual(classes, want) {
		t.Errorf("ServerClasses() = %v, want %v", classes, want)
	}

	props, _ := db.GetDeviceProperty(ctx, "test/psu/1", "Port", "missing")
	if !reflect.DeepEqual(props, map[string][]string{"Port": {"4"}}) {
		t.Errorf("GetDeviceProperty(Port) = %v", props)
	}
	props, _ = db.GetDeviceProperty(ctx, "test/psu/2")
	if got := props["description"]; !reflect.DeepEqual(got, []string{"one, two", "  padded"}) {
		t.Errorf("description = %q", got)
	}
	attr, _ := db.GetDeviceAttributeProperty(ctx, "test/psu/1", "Voltage")
	if !reflect.DeepEqual(attr, map[string][]string{"__value": {"12.5"}}) {
		t.Errorf("GetDeviceAttributeProperty() = %v", attr)
	}
	class, _ := db.GetClassProperty(ctx, "PowerSupply", "vendor")
	if !reflect.DeepEqual(class["vendor"], []string{"acme"}) {
		t.Errorf("GetClassProperty() = %v", class)
	}
	if _, err := db.ServerClasses(ctx, "Other/x"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("ServerClasses(unknown) error = %v, want ErrServerNotFound", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantLine string
	}{
		{"missing colon", "test/psu/1->port 4\n", "line 1"},
		{"empty value", "# c\ntest/psu/1->port: \n", "line 2"},
		{"empty list element", "test/psu/1->port: 1,,2\n", "line 1"},
		{"trailing comma", "test/psu/1->port: 1,\n", "line 1"},
		{"bad server line", "PowerSupply/DEVICE/X: test/psu/1\n", "line 1"},
		{"bad device in server line", "S/i/DEVICE/X: psu\n", "line 1"},
		{"bad owner", "a/b->port: 1\n", "line 1"},
		{"unterminated quote", "test/psu/1->port: \"abc\n", "line 1"},
		{"text after quote", "test/psu/1->port: \"a\" b\n", "line 1"},
		{"continued error", "test/psu/1->a: 1\ntest/psu/1->b: \\\n  \n", "line 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			if !errors.Is(err, ErrInvalidFile) {
				t.Fatalf("Parse() error = %v, want ErrInvalidFile", err)
			}
			if !strings.Contains(err.Error(), tt.wantLine) {
				t.Errorf("Parse() error = %v, want it to name %s", err, tt.wantLine)
			}
		})
	}
}

func TestSplitValues(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{" a ", []string{"a"}},
		{"a, b,c", []string{"a", "b", "c"}},
		{`"x, y", z`, []string{"x, y", "z"}},
		{`"say \"hi\""`, []string{`say "hi"`}},
		{"url: http://h:1", []string{"url: http://h:1"}},
	}
	for _, tt := range tests {
		got, err := splitValues(tt.in)
		if err != nil {
			t.Errorf("splitValues(%q) error = %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitValues(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatValues_RoundTrip(t *testing.T) {
	values := []string{"plain", "a,b", `q"uote`, " lead", "back\\slash", "# hash", "multi\nline"}
	got, err := splitValues(formatValues(values))
	if err != nil {
		t.Fatalf("splitValues() error = %v", err)
	}
	if !reflect.DeepEqual(got, values) {
		t.Errorf("round trip = %q, want %q", got, values)
	}
}

func TestFileDatabase_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.db")
	db, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	ctx := context.Background()

	if err := db.AddServer(ctx, "PowerSupply/test", "PowerSupply", []string{"test/psu/1"}); err != nil {
		t.Fatalf("AddServer() error = %v", err)
	}
	if err := db.PutDeviceProperty(ctx, "test/psu/1", map[string][]string{"port": {"4"}, "label": {"a, b"}}); err != nil {
		t.Fatalf("PutDeviceProperty() error = %v", err)
	}
	if err := db.PutDeviceProperty(ctx, "test/psu/1", map[string][]string{"PORT": {"5"}}); err != nil {
		t.Fatalf("PutDeviceProperty(overwrite) error = %v", err)
	}
	if err := db.PutDeviceAttributeProperty(ctx, "test/psu/1", map[string]map[string][]string{
		"voltage": {"__value": {"3.5"}},
	}); err != nil {
		t.Fatalf("PutDeviceAttributeProperty() error = %v", err)
	}
	if err := db.PutClassProperty(ctx, "PowerSupply", map[string][]string{"vendor": {"acme"}}); err != nil {
		t.Fatalf("PutClassProperty() error = %v", err)
	}
	if err := db.DeleteDeviceProperty(ctx, "test/psu/1", "label"); err != nil {
		t.Fatalf("DeleteDeviceProperty() error = %v", err)
	}

	reloaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	props, _ := reloaded.GetDeviceProperty(ctx, "test/psu/1")
	if !reflect.DeepEqual(props, map[string][]string{"PORT": {"5"}}) {
		t.Errorf("reloaded device properties = %v, want only PORT", props)
	}
	attr, _ := reloaded.GetDeviceAttributeProperty(ctx, "test/psu/1", "voltage")
	if !reflect.DeepEqual(attr["__value"], []string{"3.5"}) {
		t.Errorf("reloaded memorized value = %v", attr)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != filePermissions {
		t.Errorf("file permissions = %o, want %o", perm, filePermissions)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := db.GetDeviceProperty(ctx, "test/psu/1"); !errors.Is(err, ErrClosed) {
		t.Errorf("GetDeviceProperty() after Close error = %v, want ErrClosed", err)
	}
}

func TestFileDatabase_EmptyValueIsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.db")
	db, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	ctx := context.Background()
	if err := db.PutDeviceProperty(ctx, "test/psu/1", map[string][]string{"empty": {""}}); err != nil {
		t.Fatalf("PutDeviceProperty() error = %v", err)
	}
	if _, err := LoadFile(path); !errors.Is(err, ErrInvalidFile) {
		t.Errorf("LoadFile() error = %v, want ErrInvalidFile", err)
	}
}

func TestFileDatabase_AddServerMovesDevices(t *testing.T) {
	db, err := Parse(strings.NewReader(sampleFile))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	ctx := context.Background()
	if err := db.AddServer(ctx, "Other/x", "Sensor", []string{"test/sensor/1"}); err != nil {
		t.Fatalf("AddServer() error = %v", err)
	}
	classes, _ := db.ServerClasses(ctx, "PowerSupply/test")
	if len(classes) != 1 || classes[0].Class != "PowerSupply" {
		t.Errorf("ServerClasses(old) = %v, want only PowerSupply", classes)
	}
	if err := db.AddServer(ctx, "bad", "X", nil); err == nil {
		t.Error("AddServer(bad server name) error = nil")
	}

	var buf bytes.Buffer
	if _, err := db.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if !strings.Contains(buf.String(), "Other/x/DEVICE/Sensor: test/sensor/1\n") {
		t.Errorf("WriteTo() = %s, want the moved device", buf.String())
	}
}
