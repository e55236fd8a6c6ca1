package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/wire"
)

// eventQueueSize bounds events waiting for their callback.
const eventQueueSize = 256

// EventCallback receives the events of one subscription. Callbacks of a
// proxy run one at a time, in arrival order.
type EventCallback func(device.Event)

// eventConn is the connection to the event port of a server.
type eventConn struct {
	*conn

	mu        sync.Mutex
	callbacks map[string]EventCallback

	queue     chan wire.EventBody
	done      chan struct{}
	closeOnce sync.Once
}

func dialEvents(ctx context.Context, addr string) (*eventConn, error) {
	ec := &eventConn{
		callbacks: make(map[string]EventCallback),
		queue:     make(chan wire.EventBody, eventQueueSize),
		done:      make(chan struct{}),
	}
	c, nc, err := dialConn(ctx, addr, ec.onFrame)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		nc.SetReadDeadline(dl) //nolint:errcheck // best effort
	}
	sig := make([]byte, len(wire.PubSubSignature))
	if _, err := io.ReadFull(nc, sig); err != nil {
		nc.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("reading event port greeting: %w", err)
	}
	if !bytes.Equal(sig, wire.PubSubSignature) {
		nc.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("%s is not an event port", addr)
	}
	nc.SetReadDeadline(time.Time{}) //nolint:errcheck // best effort
	ec.conn = c
	c.start()
	go ec.dispatch()
	return ec, nil
}

func (ec *eventConn) onFrame(f wire.Frame) {
	if f.Type != wire.Event {
		return
	}
	var body wire.EventBody
	if err := wire.Decode(f, &body); err != nil {
		return
	}
	if body.Event.Value != nil {
		body.Event.Value.Normalize() //nolint:errcheck // keep the raw value
	}
	select {
	case ec.queue <- body:
	case <-ec.readDone:
	}
}

func (ec *eventConn) dispatch() {
	for {
		select {
		case <-ec.done:
			return
		case body := <-ec.queue:
			ec.mu.Lock()
			cb := ec.callbacks[body.ID]
			ec.mu.Unlock()
			if cb != nil {
				cb(body.Event)
			}
		}
	}
}

func (ec *eventConn) subscribe(ctx context.Context, body wire.SubscribeBody, cb EventCallback) error {
	ec.mu.Lock()
	ec.callbacks[body.ID] = cb
	ec.mu.Unlock()

	if err := ec.send(ctx, wire.Subscribe, body); err != nil {
		ec.mu.Lock()
		delete(ec.callbacks, body.ID)
		ec.mu.Unlock()
		return err
	}
	return nil
}

func (ec *eventConn) unsubscribe(ctx context.Context, id string) error {
	err := ec.send(ctx, wire.Unsubscribe, wire.SubscribeBody{ID: id})
	ec.mu.Lock()
	delete(ec.callbacks, id)
	ec.mu.Unlock()
	return err
}

func (ec *eventConn) send(ctx context.Context, t wire.MsgType, body wire.SubscribeBody) error {
	f, err := wire.NewSubscribe(t, 0, body)
	if err != nil {
		return err
	}
	rb, err := ec.roundTrip(ctx, f)
	if err != nil {
		return err
	}
	if rb.Error != nil {
		return rb.Error
	}
	return nil
}

func (ec *eventConn) close() error {
	err := ec.conn.close()
	ec.closeOnce.Do(func() { close(ec.done) })
	return err
}

// SubscribeEvent subscribes cb to events of type t of an attribute and
// returns the subscription id. Except for data ready events, the current
// value of the attribute is delivered first.
func (p *DeviceProxy) SubscribeEvent(ctx context.Context, attr string, t device.EventType, cb EventCallback) (string, error) {
	if cb == nil {
		return "", fmt.Errorf("subscribing to %s: nil callback", attr)
	}
	ec, err := p.openEvents(ctx)
	if err != nil {
		return "", err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	id := uuid.NewString()
	body := wire.SubscribeBody{ID: id, Device: p.name, Attribute: attr, Type: t}
	if err := ec.subscribe(ctx, body, cb); err != nil {
		return "", err
	}
	return id, nil
}

// UnsubscribeEvent cancels a subscription made by SubscribeEvent.
func (p *DeviceProxy) UnsubscribeEvent(ctx context.Context, id string) error {
	p.mu.Lock()
	ec := p.events
	p.mu.Unlock()
	if ec == nil {
		return device.Failedf(device.ReasonEventNotSubscribed, "UnsubscribeEvent", "no subscription %s", id)
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return ec.unsubscribe(ctx, id)
}

// openEvents opens the event connection on first use. The event port is
// reached on the host of the request connection.
func (p *DeviceProxy) openEvents(ctx context.Context) (*eventConn, error) {
	p.mu.Lock()
	ec := p.events
	p.mu.Unlock()
	if ec != nil {
		return ec, nil
	}

	info, err := p.Info(ctx)
	if err != nil {
		return nil, err
	}
	if info.EventPort == 0 {
		return nil, fmt.Errorf("device %s has no event port", p.name)
	}
	host, _, err := net.SplitHostPort(p.addr)
	if err != nil {
		return nil, err
	}
	dctx, cancel := p.withTimeout(ctx)
	defer cancel()
	ec, err = dialEvents(dctx, net.JoinHostPort(host, strconv.Itoa(info.EventPort)))
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events != nil {
		ec.close() //nolint:errcheck // lost the race
		return p.events, nil
	}
	p.events = ec
	return ec, nil
}
