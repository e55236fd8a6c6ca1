package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/wire"
)

// DefaultTimeout bounds calls made with a context that has no deadline.
const DefaultTimeout = 3 * time.Second

var (
	// ErrClosed is returned by calls on a closed or broken connection.
	ErrClosed = errors.New("client: connection closed")

	// ErrBadAccess is returned for a malformed access string.
	ErrBadAccess = errors.New("client: malformed access string")
)

// ParseAccess splits an access string of the form
// "tango://host:port/domain/family/member#dbase=no" into the server
// address and the device name. The fragment is accepted and ignored.
func ParseAccess(access string) (addr, dev string, err error) {
	rest, ok := strings.CutPrefix(access, "tango://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q: missing tango:// scheme", ErrBadAccess, access)
	}
	rest, _, _ = strings.Cut(rest, "#")
	addr, dev, ok = strings.Cut(rest, "/")
	if !ok || dev == "" {
		return "", "", fmt.Errorf("%w: %q: missing device name", ErrBadAccess, access)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrBadAccess, access, err)
	}
	if host == "" {
		return "", "", fmt.Errorf("%w: %q: empty host", ErrBadAccess, access)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return "", "", fmt.Errorf("%w: %q: bad port %q", ErrBadAccess, access, port)
	}
	if strings.Count(dev, "/") != 2 {
		return "", "", fmt.Errorf("%w: %q: device name must be domain/family/member", ErrBadAccess, access)
	}
	return addr, dev, nil
}

// DeviceProxy talks to one device of a running server. It is safe for
// concurrent use; calls share a single connection.
type DeviceProxy struct {
	name    string
	addr    string
	conn    *conn
	timeout time.Duration

	mu       sync.Mutex
	commands map[string]device.CommandInfo
	events   *eventConn
}

// Dial connects to the device named by an access string.
func Dial(ctx context.Context, access string) (*DeviceProxy, error) {
	addr, dev, err := ParseAccess(access)
	if err != nil {
		return nil, err
	}
	return New(ctx, addr, dev)
}

// New connects to device dev at addr and checks that the server exports
// it.
func New(ctx context.Context, addr, dev string) (*DeviceProxy, error) {
	c, _, err := dialConn(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	c.start()
	p := &DeviceProxy{
		name:     dev,
		addr:     addr,
		conn:     c,
		timeout:  DefaultTimeout,
		commands: make(map[string]device.CommandInfo),
	}
	if _, err := p.Ping(ctx); err != nil {
		c.close() //nolint:errcheck // already failing
		return nil, err
	}
	return p, nil
}

// Name returns the device name.
func (p *DeviceProxy) Name() string { return p.name }

// Addr returns the address of the server.
func (p *DeviceProxy) Addr() string { return p.addr }

// SetTimeout changes the timeout of calls whose context has no deadline.
// Zero disables it.
func (p *DeviceProxy) SetTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

func (p *DeviceProxy) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	p.mu.Lock()
	d := p.timeout
	p.mu.Unlock()
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (p *DeviceProxy) call(ctx context.Context, body wire.RequestBody, out any) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	body.Device = p.name
	raw, err := p.conn.call(ctx, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return decodeJSON(raw, out)
}

// decodeJSON keeps integers exact so values coerce back to their
// declared type.
func decodeJSON(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}

func encodeValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	return raw, nil
}

// Ping checks the device is reachable and returns the round trip time.
func (p *DeviceProxy) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := p.call(ctx, wire.RequestBody{Op: wire.OpPing}, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Info describes the device and the server that exports it.
func (p *DeviceProxy) Info(ctx context.Context) (wire.DeviceInfo, error) {
	var info wire.DeviceInfo
	err := p.call(ctx, wire.RequestBody{Op: wire.OpInfo}, &info)
	return info, err
}

// State returns the device state.
func (p *DeviceProxy) State(ctx context.Context) (device.State, error) {
	var s device.State
	err := p.call(ctx, wire.RequestBody{Op: wire.OpState}, &s)
	return s, err
}

// Status returns the device status string.
func (p *DeviceProxy) Status(ctx context.Context) (string, error) {
	var s string
	err := p.call(ctx, wire.RequestBody{Op: wire.OpStatus}, &s)
	return s, err
}

// ReadAttribute reads one attribute. The value is converted to the
// canonical Go type of the attribute.
func (p *DeviceProxy) ReadAttribute(ctx context.Context, name string) (device.AttrValue, error) {
	var v device.AttrValue
	if err := p.call(ctx, wire.RequestBody{Op: wire.OpReadAttribute, Name: name}, &v); err != nil {
		return device.AttrValue{}, err
	}
	if err := v.Normalize(); err != nil {
		return device.AttrValue{}, fmt.Errorf("attribute %s: %w", name, err)
	}
	return v, nil
}

// ReadAttributes reads several attributes in one request. Entries for
// attributes that failed carry Err.
func (p *DeviceProxy) ReadAttributes(ctx context.Context, names ...string) ([]device.AttrValue, error) {
	var vs []device.AttrValue
	if err := p.call(ctx, wire.RequestBody{Op: wire.OpReadAttributes, Names: names}, &vs); err != nil {
		return nil, err
	}
	for i := range vs {
		if err := vs[i].Normalize(); err != nil {
			return nil, fmt.Errorf("attribute %s: %w", vs[i].Name, err)
		}
	}
	return vs, nil
}

// WriteAttribute writes value to an attribute.
func (p *DeviceProxy) WriteAttribute(ctx context.Context, name string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	return p.call(ctx, wire.RequestBody{Op: wire.OpWriteAttribute, Name: name, Value: raw}, nil)
}

// CommandInout runs a command. The result is converted to the declared
// output type of the command.
func (p *DeviceProxy) CommandInout(ctx context.Context, name string, arg any) (any, error) {
	info, err := p.commandInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	raw, err := encodeValue(arg)
	if err != nil {
		return nil, err
	}
	var out any
	if err := p.call(ctx, wire.RequestBody{Op: wire.OpCommandInout, Name: name, Value: raw}, &out); err != nil {
		return nil, err
	}
	if info.OutType == device.Void {
		return nil, nil
	}
	v, err := device.Coerce(out, info.OutType, info.OutFormat)
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", name, err)
	}
	return v, nil
}

// commandInfo caches command descriptions by lower-cased name.
func (p *DeviceProxy) commandInfo(ctx context.Context, name string) (device.CommandInfo, error) {
	key := strings.ToLower(name)
	p.mu.Lock()
	info, ok := p.commands[key]
	p.mu.Unlock()
	if ok {
		return info, nil
	}
	info, err := p.CommandInfo(ctx, name)
	if err != nil {
		return device.CommandInfo{}, err
	}
	p.mu.Lock()
	p.commands[key] = info
	p.mu.Unlock()
	return info, nil
}

// ReadPipe reads a pipe.
func (p *DeviceProxy) ReadPipe(ctx context.Context, name string) (device.Blob, error) {
	var b device.Blob
	err := p.call(ctx, wire.RequestBody{Op: wire.OpReadPipe, Name: name}, &b)
	return b, err
}

// WritePipe writes a blob to a pipe.
func (p *DeviceProxy) WritePipe(ctx context.Context, name string, blob device.Blob) error {
	raw, err := encodeValue(blob)
	if err != nil {
		return err
	}
	return p.call(ctx, wire.RequestBody{Op: wire.OpWritePipe, Name: name, Value: raw}, nil)
}

// AttributeList returns the attribute names of the device.
func (p *DeviceProxy) AttributeList(ctx context.Context) ([]string, error) {
	return p.names(ctx, wire.OpAttributeList)
}

// CommandList returns the command names of the device.
func (p *DeviceProxy) CommandList(ctx context.Context) ([]string, error) {
	return p.names(ctx, wire.OpCommandList)
}

// PipeList returns the pipe names of the device.
func (p *DeviceProxy) PipeList(ctx context.Context) ([]string, error) {
	return p.names(ctx, wire.OpPipeList)
}

func (p *DeviceProxy) names(ctx context.Context, op wire.Op) ([]string, error) {
	var names []string
	err := p.call(ctx, wire.RequestBody{Op: op}, &names)
	return names, err
}

func (p *DeviceProxy) AttributeInfo(ctx context.Context, name string) (device.AttributeInfo, error) {
	var info device.AttributeInfo
	err := p.call(ctx, wire.RequestBody{Op: wire.OpAttributeInfo, Name: name}, &info)
	return info, err
}

func (p *DeviceProxy) CommandInfo(ctx context.Context, name string) (device.CommandInfo, error) {
	var info device.CommandInfo
	err := p.call(ctx, wire.RequestBody{Op: wire.OpCommandInfo, Name: name}, &info)
	return info, err
}

func (p *DeviceProxy) PipeInfo(ctx context.Context, name string) (device.PipeInfo, error) {
	var info device.PipeInfo
	err := p.call(ctx, wire.RequestBody{Op: wire.OpPipeInfo, Name: name}, &info)
	return info, err
}

// Close releases the request connection and the event connection, if
// one was opened.
func (p *DeviceProxy) Close() error {
	p.mu.Lock()
	ev := p.events
	p.events = nil
	p.mu.Unlock()
	var errs []error
	if ev != nil {
		errs = append(errs, ev.close())
	}
	errs = append(errs, p.conn.close())
	return errors.Join(errs...)
}
