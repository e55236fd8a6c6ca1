package server

import (
	"errors"
	"slices"
	"testing"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want Args
	}{
		{
			name: "minimal",
			argv: []string{"PowerSupply", "test"},
			want: Args{Server: "PowerSupply", Instance: "test", Verbosity: -1},
		},
		{
			name: "endpoint file and verbosity",
			argv: []string{"PowerSupply", "test", "-ORBendPoint", "giop:tcp:127.0.0.1:10000", "-file=/tmp/db.txt", "-v3"},
			want: Args{
				Server: "PowerSupply", Instance: "test",
				Host: "127.0.0.1", Port: 10000, HasEndpoint: true,
				File: "/tmp/db.txt", Verbosity: 3,
			},
		},
		{
			name: "bare verbosity",
			argv: []string{"S", "i", "-v"},
			want: Args{Server: "S", Instance: "i", Verbosity: 4},
		},
		{
			name: "empty host and port",
			argv: []string{"S", "i", "-ORBendPoint", "giop:tcp::"},
			want: Args{Server: "S", Instance: "i", HasEndpoint: true, Verbosity: -1},
		},
		{
			name: "ipv6 host",
			argv: []string{"S", "i", "-ORBendPoint", "giop:tcp:[::1]:0"},
			want: Args{Server: "S", Instance: "i", Host: "::1", HasEndpoint: true, Verbosity: -1},
		},
		{
			name: "passthrough in order",
			argv: []string{"S", "i", "-nodb", "-dlist", "a/b/c,d/e/f", "-ORBtraceLevel", "5", "-extra"},
			want: Args{
				Server: "S", Instance: "i", Verbosity: -1,
				Extra: []string{"-nodb", "-dlist", "a/b/c,d/e/f", "-ORBtraceLevel", "5", "-extra"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseArgs(tt.argv)
			if err != nil {
				t.Fatalf("ParseArgs() error = %v", err)
			}
			if got.Server != tt.want.Server || got.Instance != tt.want.Instance ||
				got.Host != tt.want.Host || got.Port != tt.want.Port || got.HasEndpoint != tt.want.HasEndpoint ||
				got.File != tt.want.File || got.Verbosity != tt.want.Verbosity || !slices.Equal(got.Extra, tt.want.Extra) {
				t.Errorf("ParseArgs() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseArgs_Errors(t *testing.T) {
	tests := []struct {
		name string
		argv []string
	}{
		{"no instance", []string{"PowerSupply"}},
		{"flag as server", []string{"-v", "test"}},
		{"endpoint without value", []string{"S", "i", "-ORBendPoint"}},
		{"endpoint without scheme", []string{"S", "i", "-ORBendPoint", "tcp:host:1"}},
		{"endpoint with bad port", []string{"S", "i", "-ORBendPoint", "giop:tcp:host:99999"}},
		{"dlist without value", []string{"S", "i", "-dlist"}},
		{"empty file", []string{"S", "i", "-file="}},
		{"nodb with file", []string{"S", "i", "-nodb", "-file=/tmp/db"}},
		{"verbosity above range", []string{"S", "i", "-v6"}},
		{"verbosity overflow", []string{"S", "i", "-v99999999999999999999"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseArgs(tt.argv); !errors.Is(err, ErrUsage) {
				t.Errorf("ParseArgs() error = %v, want ErrUsage", err)
			}
		})
	}
}

func TestArgs_Helpers(t *testing.T) {
	a, err := ParseArgs([]string{"S", "i", "-nodb", "-dlist", "a/b/c, d/e/f,"})
	if err != nil {
		t.Fatalf("ParseArgs() error = %v", err)
	}
	if !a.NoDB() {
		t.Error("NoDB() = false, want true")
	}
	if got, want := a.DeviceList(), []string{"a/b/c", "d/e/f"}; !slices.Equal(got, want) {
		t.Errorf("DeviceList() = %q, want %q", got, want)
	}
	if got := a.ServerName(); got != "S/i" {
		t.Errorf("ServerName() = %q, want S/i", got)
	}
}

func TestArgs_ArgvRoundTrip(t *testing.T) {
	argv := []string{"S", "i", "-ORBendPoint", "giop:tcp:127.0.0.1:1234", "-file=/tmp/x", "-v5", "-dlist", "a/b/c", "-ORBtraceLevel", "2"}
	a, err := ParseArgs(argv)
	if err != nil {
		t.Fatalf("ParseArgs() error = %v", err)
	}
	if got := a.Argv(); !slices.Equal(got, argv) {
		t.Errorf("Argv() = %q, want %q", got, argv)
	}

	// Verbosity 0 is still passed on; only an absent flag is omitted.
	a.Verbosity = 0
	if got := a.Argv(); !slices.Contains(got, "-v0") {
		t.Errorf("Argv() = %q, want -v0", got)
	}
	a.Verbosity = -1
	for _, arg := range a.Argv() {
		if len(arg) >= 2 && arg[:2] == "-v" {
			t.Errorf("Argv() = %q, want no verbosity flag", a.Argv())
		}
	}
}
