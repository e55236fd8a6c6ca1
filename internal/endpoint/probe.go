package endpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/nerrad567/devicekit/internal/wire"
)

// Protocol is the guessed protocol of a listening port.
type Protocol string

const (
	// GIOP ports close the connection quietly on CloseConnection.
	GIOP Protocol = "GIOP"
	// ZMQ ports greet with the publish/subscribe signature.
	ZMQ     Protocol = "ZMQ"
	Unknown Protocol = "Unknown"
)

// DefaultProbeTimeout bounds each connect and read of a probe.
const DefaultProbeTimeout = 200 * time.Millisecond

// ErrNoGIOPPort is returned when no probed port speaks GIOP.
var ErrNoGIOPPort = errors.New("endpoint: no GIOP port")

// Prober classifies listening ports.
type Prober struct {
	// Timeout bounds each connect and each read. Zero means
	// DefaultProbeTimeout.
	Timeout time.Duration
}

func (p Prober) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultProbeTimeout
	}
	return p.Timeout
}

// ProbeProtocols connects to every port on host and guesses its protocol.
// Ports that cannot be reached are Unknown.
func ProbeProtocols(ctx context.Context, host string, ports []int) map[int]Protocol {
	return Prober{}.ProbeProtocols(ctx, host, ports)
}

// ProbeProtocols is the package function with p's timeout.
func (p Prober) ProbeProtocols(ctx context.Context, host string, ports []int) map[int]Protocol {
	out := make(map[int]Protocol, len(ports))
	for _, port := range ports {
		out[port] = p.probe(ctx, host, port)
	}
	return out
}

// probe waits for an unsolicited greeting first; a silent peer is sent
// CloseConnection and counts as GIOP if it then hangs up without a byte.
func (p Prober) probe(ctx context.Context, host string, port int) Protocol {
	d := net.Dialer{Timeout: p.timeout()}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return Unknown
	}
	defer conn.Close()

	greeting := make([]byte, len(wire.PubSubSignature))
	_ = conn.SetReadDeadline(time.Now().Add(p.timeout()))
	n, err := io.ReadFull(conn, greeting)
	if err == nil && bytes.Equal(greeting, wire.PubSubSignature) {
		return ZMQ
	}
	if n > 0 || !isTimeout(err) {
		return Unknown
	}

	_ = conn.SetWriteDeadline(time.Now().Add(p.timeout()))
	if _, err := conn.Write(wire.CloseConnectionFrame); err != nil {
		return Unknown
	}
	_ = conn.SetReadDeadline(time.Now().Add(p.timeout()))
	n, err = conn.Read(greeting)
	if n == 0 && errors.Is(err, io.EOF) {
		return GIOP
	}
	return Unknown
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// GIOPPort returns the first port, in order, that probes as GIOP.
func GIOPPort(ctx context.Context, host string, ports []int) (int, error) {
	return Prober{}.GIOPPort(ctx, host, ports)
}

// GIOPPort is the package function with p's timeout.
func (p Prober) GIOPPort(ctx context.Context, host string, ports []int) (int, error) {
	protocols := p.ProbeProtocols(ctx, host, ports)
	for _, port := range ports {
		if protocols[port] == GIOP {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: none of ports %v appear to have GIOP protocol, guessed protocols: %v",
		ErrNoGIOPPort, ports, protocols)
}

// ListeningPorts lists the TCP ports process pid listens on, sorted.
func ListeningPorts(ctx context.Context, pid int) ([]int, error) {
	conns, err := psnet.ConnectionsPidWithContext(ctx, "tcp", int32(pid)) //nolint:gosec // pids fit in 32 bits
	if err != nil {
		return nil, fmt.Errorf("listing connections of pid %d: %w", pid, err)
	}
	var ports []int
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		port := int(c.Laddr.Port)
		if !slices.Contains(ports, port) {
			ports = append(ports, port)
		}
	}
	slices.Sort(ports)
	return ports, nil
}

// ServerPortViaPID finds the request port of the device server running
// as pid. host is the address the server listens on; "localhost" may
// resolve to an address family the server did not bind.
func ServerPortViaPID(ctx context.Context, pid int, host string) (int, error) {
	ports, err := ListeningPorts(ctx, pid)
	if err != nil {
		return 0, err
	}
	return GIOPPort(ctx, host, ports)
}
