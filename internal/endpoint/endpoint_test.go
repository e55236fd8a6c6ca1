package endpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/nerrad567/devicekit/internal/wire"
)

func TestParseIOR_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		host string
		port int
		body []byte
	}{
		{"loopback", "127.0.0.1", 12345, nil},
		{"odd host length", "box", 1, []byte{0xAA}},
		{"long body", "device-server.local", 65535, bytes.Repeat([]byte{7}, 300)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ior, err := ParseIOR(EncodeIOR(DeviceTypeID, tt.host, tt.port, tt.body))
			if err != nil {
				t.Fatalf("ParseIOR() error = %v", err)
			}
			if host, port := ior.HostPort(); host != tt.host || port != tt.port {
				t.Errorf("HostPort() = %s:%d, want %s:%d", host, port, tt.host, tt.port)
			}
			if ior.TypeID != DeviceTypeID || !ior.LittleEndian || ior.Profiles != 1 {
				t.Errorf("ParseIOR() = %+v", ior)
			}
			if ior.Major != 1 || ior.Minor != 2 {
				t.Errorf("version = %d.%d, want 1.2", ior.Major, ior.Minor)
			}
			if !bytes.Equal(ior.Body, tt.body) {
				t.Errorf("Body = % x, want % x", ior.Body, tt.body)
			}
		})
	}
}

// bigEndianIOR lays out a reference by hand, as a big-endian peer would.
func bigEndianIOR(host string, port uint16) string {
	var b []byte
	pad := func(n int) {
		for len(b)%n != 0 {
			b = append(b, 0)
		}
	}
	b = append(b, 0, 0, 0, 0)
	b = binary.BigEndian.AppendUint32(b, 3)
	b = append(b, 'I', 'D', 0)
	pad(4)
	b = binary.BigEndian.AppendUint32(b, 1)
	b = binary.BigEndian.AppendUint32(b, 0)
	b = binary.BigEndian.AppendUint32(b, 99)
	b = append(b, 1, 2, 0, 0)
	b = binary.BigEndian.AppendUint32(b, uint32(len(host)+1))
	b = append(b, host...)
	b = append(b, 0)
	pad(2)
	b = binary.BigEndian.AppendUint16(b, port)
	pad(4)
	b = append(b, "key"...)
	return "IOR:" + hex.EncodeToString(b)
}

func TestParseIOR_BigEndian(t *testing.T) {
	ior, err := ParseIOR(bigEndianIOR("10.0.0.7", 10000))
	if err != nil {
		t.Fatalf("ParseIOR() error = %v", err)
	}
	if ior.LittleEndian || ior.Host != "10.0.0.7" || ior.Port != 10000 || ior.TypeID != "ID" {
		t.Errorf("ParseIOR() = %+v", ior)
	}
	if string(ior.Body) != "key" {
		t.Errorf("Body = %q, want key", ior.Body)
	}
}

func TestParseIOR_Errors(t *testing.T) {
	valid := EncodeIOR(DeviceTypeID, "127.0.0.1", 1, nil)
	tests := []struct {
		name  string
		input string
	}{
		{"no prefix", valid[4:]},
		{"not hex", "IOR:zz"},
		{"too short", "IOR:01"},
		{"truncated host", valid[:len(valid)-16]},
		{"huge type id", "IOR:01000000ffffff7f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseIOR(tt.input); !errors.Is(err, ErrBadIOR) {
				t.Errorf("ParseIOR() error = %v, want ErrBadIOR", err)
			}
		})
	}
}

// serve accepts connections on a loopback port and hands them to fn.
func serve(t *testing.T, fn func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck // test cleanup
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				fn(conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func giopPeer(conn net.Conn) {
	for {
		f, err := wire.ReadFrame(conn)
		if err != nil || f.Type == wire.CloseConnection {
			return
		}
	}
}

func zmqPeer(conn net.Conn) {
	_, _ = conn.Write(wire.PubSubSignature)
	_, _ = io.Copy(io.Discard, conn)
}

func chattyPeer(conn net.Conn) {
	_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() //nolint:errcheck // only the free port number is wanted
	return port
}

func TestProbeProtocols(t *testing.T) {
	giop := serve(t, giopPeer)
	zmq := serve(t, zmqPeer)
	chatty := serve(t, chattyPeer)
	closed := closedPort(t)

	p := Prober{Timeout: 100 * time.Millisecond}
	got := p.ProbeProtocols(context.Background(), "127.0.0.1", []int{giop, zmq, chatty, closed})
	want := map[int]Protocol{giop: GIOP, zmq: ZMQ, chatty: Unknown, closed: Unknown}
	for port, proto := range want {
		if got[port] != proto {
			t.Errorf("protocol of port %d = %s, want %s", port, got[port], proto)
		}
	}
}

func TestGIOPPort(t *testing.T) {
	giop := serve(t, giopPeer)
	zmq := serve(t, zmqPeer)
	p := Prober{Timeout: 100 * time.Millisecond}
	ctx := context.Background()

	port, err := p.GIOPPort(ctx, "127.0.0.1", []int{zmq, giop})
	if err != nil {
		t.Fatalf("GIOPPort() error = %v", err)
	}
	if port != giop {
		t.Errorf("GIOPPort() = %d, want %d", port, giop)
	}

	_, err = p.GIOPPort(ctx, "127.0.0.1", []int{zmq})
	if !errors.Is(err, ErrNoGIOPPort) {
		t.Fatalf("GIOPPort(zmq only) error = %v, want ErrNoGIOPPort", err)
	}
	if !bytes.Contains([]byte(err.Error()), []byte("ZMQ")) {
		t.Errorf("GIOPPort() error = %v, want the guessed protocols listed", err)
	}
}

func TestServerPortViaPID(t *testing.T) {
	giop := serve(t, giopPeer)
	ctx := context.Background()

	ports, err := ListeningPorts(ctx, os.Getpid())
	if err != nil {
		t.Skipf("listing sockets not supported here: %v", err)
	}
	if !slices.Contains(ports, giop) {
		t.Fatalf("ListeningPorts() = %v, want %d listed", ports, giop)
	}

	port, err := ServerPortViaPID(ctx, os.Getpid(), "127.0.0.1")
	if err != nil {
		t.Fatalf("ServerPortViaPID() error = %v", err)
	}
	if port != giop {
		t.Errorf("ServerPortViaPID() = %d, want %d", port, giop)
	}
}

func TestHostIP(t *testing.T) {
	ip := net.ParseIP(HostIP(context.Background()))
	if ip == nil || ip.To4() == nil {
		t.Fatalf("HostIP() = %v, want an IPv4 address", ip)
	}
}

func TestIsUnspecified(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"", true},
		{"0.0.0.0", true},
		{"::", true},
		{"127.0.0.1", false},
		{"localhost", false},
	}
	for _, tt := range tests {
		if got := IsUnspecified(tt.host); got != tt.want {
			t.Errorf("IsUnspecified(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
