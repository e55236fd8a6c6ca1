package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/devicekit/internal/client"
	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/endpoint"
	"github.com/nerrad567/devicekit/internal/infrastructure/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseProps(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{"empty", nil, map[string]any{}, false},
		{"typed scalars", []string{"a=3", "b=2.5", "c=true", "d=text"}, map[string]any{"a": 3, "b": 2.5, "c": true, "d": "text"}, false},
		{"list", []string{"ports=[1, 2]"}, map[string]any{"ports": []any{1, 2}}, false},
		{"quoted", []string{`label="3"`}, map[string]any{"label": "3"}, false},
		{"empty value", []string{"label="}, map[string]any{"label": ""}, false},
		{"value with equals", []string{"expr=a=b"}, map[string]any{"expr": "a=b"}, false},
		{"missing equals", []string{"label"}, nil, true},
		{"missing name", []string{"=3"}, nil, true},
		{"mapping", []string{"m={a: 1}"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProps(tt.pairs)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseProps(%v) = %v, want error", tt.pairs, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseProps(%v) error = %v", tt.pairs, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseProps(%v) = %#v, want %#v", tt.pairs, got, tt.want)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "devicekit dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestIORCommand(t *testing.T) {
	ior := endpoint.EncodeIOR("IDL:Tango/Device_5:1.0", "10.0.0.7", 10123, []byte{0xab, 0xcd})
	out, err := execute(t, "ior", ior)
	if err != nil {
		t.Fatalf("ior error = %v", err)
	}
	for _, want := range []string{"IDL:Tango/Device_5:1.0", "10.0.0.7", "10123", "abcd"} {
		if !strings.Contains(out, want) {
			t.Errorf("ior output missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, "ior", "IOR:zz"); err == nil {
		t.Error("ior with a malformed reference should fail")
	}
}

func TestClassesCommand(t *testing.T) {
	out, err := execute(t, "classes")
	if err != nil {
		t.Fatalf("classes error = %v", err)
	}
	if !strings.Contains(out, "PowerSupply") {
		t.Errorf("classes output = %q, want PowerSupply", out)
	}
}

func TestDiscoverCommand_NeedsTarget(t *testing.T) {
	if _, err := execute(t, "discover"); err == nil {
		t.Error("discover without --pid or --ports should fail")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := (&rootOptions{configPath: defaultConfigPath}).loadConfig()
	if err != nil {
		t.Fatalf("loadConfig(default, absent) error = %v", err)
	}
	if cfg.Context.Port != 8888 {
		t.Errorf("default context port = %d, want 8888", cfg.Context.Port)
	}

	if _, err := (&rootOptions{configPath: "missing.yaml"}).loadConfig(); err == nil {
		t.Error("loadConfig(explicit, absent) should fail")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("context:\n  port: 9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = (&rootOptions{configPath: path}).loadConfig()
	if err != nil {
		t.Fatalf("loadConfig(%s) error = %v", path, err)
	}
	if cfg.Context.Port != 9999 {
		t.Errorf("context port = %d, want 9999", cfg.Context.Port)
	}
}

func TestServerOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 12345
	cfg.Server.GreenMode = "futures"

	opts, db, err := serverOptions(context.Background(), cfg, []string{"PowerSupply", "lab", "-nodb", "-dlist", "lab/ps/1"})
	if err != nil {
		t.Fatalf("serverOptions() error = %v", err)
	}
	if db != nil {
		t.Error("serverOptions() opened a database for -nodb")
	}
	if !opts.Args.HasEndpoint || opts.Args.Host != "127.0.0.1" || opts.Args.Port != 12345 {
		t.Errorf("endpoint = %s (set %v), want configured endpoint", opts.Args.Endpoint(), opts.Args.HasEndpoint)
	}
	if len(opts.Classes) == 0 || opts.Classes[0] != powerSupplyClass {
		t.Errorf("first class = %v, want PowerSupply", opts.Classes)
	}
	if opts.GreenMode == nil || opts.GreenMode.String() != "Futures" {
		t.Errorf("green mode = %v, want Futures", opts.GreenMode)
	}

	cfg.Server.GreenMode = "threads"
	if _, _, err := serverOptions(context.Background(), cfg, []string{"PowerSupply", "lab", "-nodb", "-dlist", "lab/ps/1"}); err == nil {
		t.Error("serverOptions() with an unknown green mode should fail")
	}
}

func TestContextCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DEVICEKIT_CONFIG", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pr, pw := io.Pipe()
	cmd := newRootCommand()
	cmd.SetOut(pw)
	cmd.SetErr(pw)
	cmd.SetArgs([]string{"context", "PowerSupply", "--host", "127.0.0.1", "--port", "0", "--debug", "0",
		"--prop", "MaxVoltage=48", "--prop", "Model=PS-6010"})
	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
		pw.Close()
	}()

	access := ""
	sc := bufio.NewScanner(pr)
	for access == "" && sc.Scan() {
		if a, ok := strings.CutPrefix(sc.Text(), "Device access: "); ok {
			access = a
		}
	}
	go io.Copy(io.Discard, pr) //nolint:errcheck // drain the rest
	if access == "" {
		t.Fatalf("context printed no device access: %v", <-done)
	}

	p, err := client.Dial(ctx, access)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", access, err)
	}
	defer p.Close()

	if v, err := p.ReadAttribute(ctx, "model"); err != nil || v.Value != "PS-6010" {
		t.Errorf("model = %v, %v, want PS-6010", v.Value, err)
	}
	if err := p.WriteAttribute(ctx, "voltage", 40.0); err != nil {
		t.Fatalf("WriteAttribute(40) error = %v", err)
	}
	if err := p.WriteAttribute(ctx, "voltage", 50.0); err == nil {
		t.Error("WriteAttribute(50) above MaxVoltage should fail")
	}
	if _, err := p.CommandInout(ctx, "TurnOn", nil); err != nil {
		t.Fatalf("TurnOn error = %v", err)
	}
	out, err := p.CommandInout(ctx, "Ramp", 2.0)
	if err != nil || out != 42.0 {
		t.Errorf("Ramp(2) = %v, %v, want 42", out, err)
	}
	if v, err := p.ReadAttribute(ctx, "current"); err != nil || v.Value != 4.2 {
		t.Errorf("current = %v, %v, want 4.2", v.Value, err)
	}
	if st, err := p.State(ctx); err != nil || st != device.On {
		t.Errorf("State() = %v, %v, want On", st, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("context command error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("context command did not stop")
	}
}
