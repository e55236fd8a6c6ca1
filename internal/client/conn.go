package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/devicekit/internal/wire"
)

// reply is what the read loop hands to a waiting call.
type reply struct {
	body wire.ReplyBody
	err  error
}

// conn multiplexes requests over one connection. Replies are matched to
// calls by request id and may arrive in any order.
type conn struct {
	nc       net.Conn
	writeMu  sync.Mutex
	pending  sync.Map // request id -> chan reply
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}

	// onFrame receives frames that are not replies, e.g. events.
	onFrame func(wire.Frame)
}

func dialConn(ctx context.Context, addr string, onFrame func(wire.Frame)) (*conn, net.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &conn{nc: nc, readDone: make(chan struct{}), onFrame: onFrame}, nc, nil
}

func (c *conn) start() {
	go c.readLoop()
}

// roundTrip sends f with a fresh request id and waits for its reply.
func (c *conn) roundTrip(ctx context.Context, f wire.Frame) (wire.ReplyBody, error) {
	if c.closed.Load() {
		return wire.ReplyBody{}, ErrClosed
	}
	f.ID = c.nextID.Add(1)
	ch := make(chan reply, 1)
	c.pending.Store(f.ID, ch)
	defer c.pending.Delete(f.ID)

	c.writeMu.Lock()
	err := wire.WriteFrame(c.nc, f)
	c.writeMu.Unlock()
	if err != nil {
		return wire.ReplyBody{}, fmt.Errorf("sending %s: %w", f.Type, err)
	}

	select {
	case <-ctx.Done():
		c.cancel(f.ID)
		return wire.ReplyBody{}, ctx.Err()
	case r := <-ch:
		return r.body, r.err
	case <-c.readDone:
		return wire.ReplyBody{}, ErrClosed
	}
}

// call sends a request and returns its result, or the remote failure.
func (c *conn) call(ctx context.Context, body wire.RequestBody) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", body.Op, err)
	}
	rb, err := c.roundTrip(ctx, wire.Frame{Type: wire.Request, Body: raw})
	if err != nil {
		return nil, err
	}
	if rb.Error != nil {
		return nil, rb.Error
	}
	return rb.Result, nil
}

func (c *conn) cancel(id uint32) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wire.WriteFrame(c.nc, wire.Frame{Type: wire.CancelRequest, ID: id}) //nolint:errcheck // best effort
}

func (c *conn) readLoop() {
	defer close(c.readDone)
	for {
		f, err := wire.ReadFrame(c.nc)
		if err != nil {
			return
		}
		switch f.Type {
		case wire.Reply:
			ch, ok := c.pending.Load(f.ID)
			if !ok {
				continue
			}
			var r reply
			if err := wire.Decode(f, &r.body); err != nil {
				r.err = err
			}
			ch.(chan reply) <- r
		case wire.CloseConnection, wire.MessageError:
			return
		default:
			if c.onFrame != nil {
				c.onFrame(f)
			}
		}
	}
}

// close tells the peer we are leaving and hangs up.
func (c *conn) close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	c.nc.Write(wire.CloseConnectionFrame) //nolint:errcheck // peer may be gone already
	c.writeMu.Unlock()
	return c.nc.Close()
}
