package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/infrastructure/logging"
	"github.com/nerrad567/devicekit/internal/wire"
)

// sendBufferSize is the per-connection outbound frame buffer of the
// event port. Events to a full buffer are dropped.
const sendBufferSize = 256

type subKey struct {
	device    string
	attribute string
	typ       device.EventType
}

func keyOf(dev, attr string, t device.EventType) subKey {
	return subKey{device: strings.ToLower(dev), attribute: strings.ToLower(attr), typ: t}
}

// hub fans pushed events out to the event port subscribers. It is the
// device.EventSink of every device of a server.
type hub struct {
	srv *Server
	log *logging.Logger

	mu     sync.RWMutex
	subs   map[subKey]map[string]*eventConn
	conns  map[*eventConn]struct{}
	closed bool
}

type eventConn struct {
	conn net.Conn
	send chan wire.Frame
	subs map[string]subKey
	done chan struct{}
	once sync.Once
}

func newHub(srv *Server) *hub {
	return &hub{
		srv:   srv,
		log:   srv.log,
		subs:  make(map[subKey]map[string]*eventConn),
		conns: make(map[*eventConn]struct{}),
	}
}

// Publish implements device.EventSink.
func (h *hub) Publish(ev device.Event) {
	h.srv.metrics.events.WithLabelValues(ev.Type.String()).Inc()
	h.srv.mirror.publish(ev)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.subs[keyOf(ev.Device, ev.Attribute, ev.Type)] {
		h.deliver(c, id, ev)
	}
}

func (h *hub) deliver(c *eventConn, id string, ev device.Event) {
	f, err := wire.NewEvent(id, ev)
	if err != nil {
		h.log.Warn("failed to encode event", "device", ev.Device, "attribute", ev.Attribute, "error", err)
		return
	}
	if !c.enqueue(f) {
		h.srv.metrics.dropped.Inc()
		h.log.Debug("event dropped, subscriber too slow", "device", ev.Device, "attribute", ev.Attribute, "subscription", id)
	}
}

// Detach implements device.EventSink.
func (h *hub) Detach(dev, attr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range []device.EventType{device.ChangeEvent, device.ArchiveEvent, device.UserEvent, device.DataReadyEvent} {
		k := keyOf(dev, attr, t)
		for id, c := range h.subs[k] {
			delete(c.subs, id)
		}
		delete(h.subs, k)
	}
}

// Subscriptions returns the number of live subscriptions.
func (h *hub) Subscriptions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}

func (h *hub) subscribe(c *eventConn, body wire.SubscribeBody) error {
	if body.ID == "" {
		return device.Failed(ReasonBadRequest, "subscription id is required", "Subscribe")
	}
	k := keyOf(body.Device, body.Attribute, body.Type)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return device.Failed(ReasonServerStopping, "server is shutting down", "Subscribe")
	}
	if _, dup := c.subs[body.ID]; dup {
		return device.Failedf(ReasonBadRequest, "Subscribe", "subscription %s already exists", body.ID)
	}
	if h.subs[k] == nil {
		h.subs[k] = make(map[string]*eventConn)
	}
	h.subs[k][body.ID] = c
	c.subs[body.ID] = k
	return nil
}

func (h *hub) unsubscribe(c *eventConn, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	k, ok := c.subs[id]
	if !ok {
		return device.Failedf(device.ReasonEventNotSubscribed, "Unsubscribe", "no subscription %s", id)
	}
	delete(c.subs, id)
	delete(h.subs[k], id)
	if len(h.subs[k]) == 0 {
		delete(h.subs, k)
	}
	return nil
}

func (h *hub) register(c *eventConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *hub) drop(c *eventConn) {
	h.mu.Lock()
	for id, k := range c.subs {
		delete(h.subs[k], id)
		if len(h.subs[k]) == 0 {
			delete(h.subs, k)
		}
	}
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
}

// Close disconnects every subscriber.
func (h *hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*eventConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// serveConn runs one event port connection: it greets the peer with the
// publish/subscribe signature, then answers Subscribe and Unsubscribe
// frames while a writer goroutine drains the send queue.
func (h *hub) serveConn(ctx context.Context, conn net.Conn) {
	c := &eventConn{
		conn: conn,
		send: make(chan wire.Frame, sendBufferSize),
		subs: make(map[string]subKey),
		done: make(chan struct{}),
	}
	if !h.register(c) {
		conn.Close() //nolint:errcheck // refusing the connection
		return
	}
	defer h.drop(c)

	if _, err := conn.Write(wire.PubSubSignature); err != nil {
		return
	}
	go c.writeLoop()

	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				h.log.Debug("event connection closed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		switch f.Type {
		case wire.CloseConnection:
			return
		case wire.Subscribe:
			h.handleSubscribe(ctx, c, f)
		case wire.Unsubscribe:
			var body wire.SubscribeBody
			err := wire.Decode(f, &body)
			if err == nil {
				err = h.unsubscribe(c, body.ID)
			}
			h.reply(c, f.ID, err)
		default:
			c.enqueue(wire.Frame{Type: wire.MessageError})
			return
		}
	}
}

func (h *hub) handleSubscribe(ctx context.Context, c *eventConn, f wire.Frame) {
	var body wire.SubscribeBody
	if err := wire.Decode(f, &body); err != nil {
		h.reply(c, f.ID, device.Failed(ReasonBadRequest, err.Error(), "Subscribe"))
		return
	}
	dev, err := h.srv.lookup(body.Device)
	if err != nil {
		h.reply(c, f.ID, err)
		return
	}
	b := dev.DeviceBase()
	info, err := b.AttributeInfo(body.Attribute)
	if err != nil {
		h.reply(c, f.ID, err)
		return
	}
	body.Device, body.Attribute = b.Name(), info.Name
	if err := h.subscribe(c, body); err != nil {
		h.reply(c, f.ID, err)
		return
	}
	h.reply(c, f.ID, nil)

	if body.Type == device.DataReadyEvent {
		return
	}
	// A new subscriber first gets the current value.
	ev := device.Event{Device: b.Name(), Attribute: info.Name, Type: body.Type}
	v, err := b.ReadAttribute(ctx, info.Name)
	if err != nil {
		ev.Err = device.AsDevFailed(err)
	} else {
		ev.Value = &v
	}
	ev.Time = v.Time
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.RLock()
	if _, ok := c.subs[body.ID]; ok {
		h.deliver(c, body.ID, ev)
	}
	h.mu.RUnlock()
}

func (h *hub) reply(c *eventConn, id uint32, err error) {
	f, ferr := wire.NewReply(id, nil, err)
	if ferr != nil {
		h.log.Warn("failed to encode reply", "error", ferr)
		return
	}
	c.enqueue(f)
}

func (c *eventConn) enqueue(f wire.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *eventConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if err := wire.WriteFrame(c.conn, f); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *eventConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close() //nolint:errcheck // closing a dead connection
	})
}
