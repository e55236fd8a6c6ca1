package device

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nerrad567/devicekit/internal/worker"
)

// Device is implemented by every device type through an embedded Base.
//
//	type PowerSupply struct {
//	    device.Base
//	    voltage float64
//	}
type Device interface {
	DeviceBase() *Base
}

// Store is the configuration database as seen by a device.
type Store interface {
	GetDeviceProperty(ctx context.Context, device string, names ...string) (map[string][]string, error)
	PutDeviceProperty(ctx context.Context, device string, props map[string][]string) error
	DeleteDeviceProperty(ctx context.Context, device string, names ...string) error
	GetClassProperty(ctx context.Context, class string, names ...string) (map[string][]string, error)
	GetDeviceAttributeProperty(ctx context.Context, device, attribute string) (map[string][]string, error)
	PutDeviceAttributeProperty(ctx context.Context, device string, props map[string]map[string][]string) error
}

// Event is an attribute event pushed by a device.
type Event struct {
	Device    string     `json:"device"`
	Attribute string     `json:"attribute"`
	Type      EventType  `json:"type"`
	Value     *AttrValue `json:"value,omitempty"`
	Err       *DevFailed `json:"error,omitempty"`
	// Counter is set for data ready events.
	Counter int       `json:"counter,omitempty"`
	Time    time.Time `json:"time"`
}

// EventSink receives pushed events.
type EventSink interface {
	Publish(ev Event)
	// Detach drops all subscriptions to an attribute that was removed.
	Detach(device, attribute string)
}

// Logger is the logging surface devices use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Env is what a device needs from the server it runs in. Every field
// is optional.
type Env struct {
	Worker worker.Worker
	Store  Store
	Events EventSink
	Logger Logger
}

// Base carries the runtime state of a device. Embed it by value.
type Base struct {
	class  *Class
	self   Device
	name   string
	worker worker.Worker
	store  Store
	events EventSink
	log    Logger

	mu          sync.RWMutex
	state       State
	status      string
	attrs       map[string]*Attr
	dynAttrs    *registry[*attrDesc]
	dynCmds     *registry[*cmdDesc]
	dynPipes    *registry[*pipeDesc]
	removed     map[string]bool
	props       map[string]any
	initialised bool
	dynamicDone bool
	deleted     bool
}

// DeviceBase implements Device.
func (b *Base) DeviceBase() *Base { return b }

// NewDevice creates a device of class c. The device is not initialised;
// call Init before dispatching to it.
func (c *Class) NewDevice(name string, env Env) (Device, error) {
	if name == "" {
		return nil, fmt.Errorf("device: empty device name")
	}
	dev := c.newDevice()
	b := dev.DeviceBase()
	b.class = c
	b.self = dev
	b.name = name
	b.worker = env.Worker
	b.store = env.Store
	b.events = env.Events
	b.log = env.Logger
	if b.log == nil {
		b.log = noopLogger{}
	}
	b.state = Unknown
	b.attrs = make(map[string]*Attr)
	b.dynAttrs = newRegistry[*attrDesc]()
	b.dynCmds = newRegistry[*cmdDesc]()
	b.dynPipes = newRegistry[*pipeDesc]()
	b.removed = make(map[string]bool)
	b.props = make(map[string]any)
	for _, d := range c.attrs.values() {
		b.attrs[key(d.name)] = newAttr(d)
	}
	return dev, nil
}

// Name returns the device name.
func (b *Base) Name() string { return b.name }

// Class returns the device class.
func (b *Base) Class() *Class { return b.class }

// Logger returns the device logger.
func (b *Base) Logger() Logger { return b.log }

// Worker returns the worker dispatch runs through, or nil.
func (b *Base) Worker() worker.Worker { return b.worker }

// execute runs fn through the worker when green is set, else directly.
// Panics become errors either way.
func (b *Base) execute(ctx context.Context, green bool, fn worker.Func) (any, error) {
	if green && b.worker != nil {
		return b.worker.Execute(ctx, fn)
	}
	return direct(ctx, fn)
}

func direct(ctx context.Context, fn worker.Func) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", worker.ErrPanic, r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Init loads the properties, runs InitDevice and restores memorized
// values. The first successful Init also runs
// InitializeDynamicAttributes.
func (b *Base) Init(ctx context.Context) error {
	if b.isDeleted() {
		return Failedf(ReasonDeviceDeleted, "Init", "device %s was deleted", b.name)
	}
	if err := b.loadProperties(ctx); err != nil {
		return err
	}
	if _, _, err := b.class.callHook(ctx, hookInit, b.self, nil); err != nil {
		return asDevFailed(err, b.class.name+".InitDevice")
	}
	if err := b.restoreMemorized(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.initialised = true
	first := !b.dynamicDone
	b.dynamicDone = true
	b.mu.Unlock()

	if first {
		if _, _, err := b.class.callHook(ctx, hookDynamicInit, b.self, nil); err != nil {
			b.log.Warn("failed to initialise dynamic attributes", "device", b.name, "error", err)
			return asDevFailed(err, b.class.name+".InitializeDynamicAttributes")
		}
	}
	return nil
}

// Reinit runs DeleteDevice then Init, as the Init command does.
func (b *Base) Reinit(ctx context.Context) error {
	if _, _, err := b.class.callHook(ctx, hookDelete, b.self, nil); err != nil {
		return asDevFailed(err, b.class.name+".DeleteDevice")
	}
	return b.Init(ctx)
}

// Delete runs DeleteDevice and detaches every event subscription. The
// device rejects dispatch afterwards.
func (b *Base) Delete(ctx context.Context) error {
	b.mu.Lock()
	if b.deleted {
		b.mu.Unlock()
		return nil
	}
	b.deleted = true
	names := make([]string, 0, len(b.attrs))
	for _, a := range b.attrs {
		names = append(names, a.desc.name)
	}
	b.mu.Unlock()

	_, _, err := b.class.callHook(ctx, hookDelete, b.self, nil)
	if b.events != nil {
		for _, n := range names {
			b.events.Detach(b.name, n)
		}
	}
	if err != nil {
		return asDevFailed(err, b.class.name+".DeleteDevice")
	}
	return nil
}

func (b *Base) isDeleted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.deleted
}

// State returns DevState when the device implements it, else the state
// last set with SetState.
func (b *Base) State(ctx context.Context) (State, error) {
	v, ok, err := b.class.callHook(ctx, hookState, b.self, nil)
	if err != nil {
		return Unknown, asDevFailed(err, b.class.name+".DevState")
	}
	if ok {
		return v.(State), nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state, nil
}

// Status returns DevStatus when the device implements it, else the
// status last set, else a sentence naming the state.
func (b *Base) Status(ctx context.Context) (string, error) {
	v, ok, err := b.class.callHook(ctx, hookStatus, b.self, nil)
	if err != nil {
		return "", asDevFailed(err, b.class.name+".DevStatus")
	}
	if ok {
		return v.(string), nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.status != "" {
		return b.status, nil
	}
	return fmt.Sprintf("The device is in %s state.", b.state), nil
}

// SetState sets the device state.
func (b *Base) SetState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// GetState returns the stored state without calling DevState.
func (b *Base) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetStatus sets the device status. An empty status restores the default.
func (b *Base) SetStatus(s string) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// loadProperties reads class then device properties from the store.
func (b *Base) loadProperties(ctx context.Context) error {
	values := make(map[string]any)

	classProps := b.class.classProps.values()
	if len(classProps) > 0 {
		stored := map[string][]string{}
		if b.store != nil {
			var err error
			if stored, err = b.store.GetClassProperty(ctx, b.class.name, propNames(b.class.classProps)...); err != nil {
				return fmt.Errorf("loading class properties of %s: %w", b.class.name, err)
			}
		}
		for _, p := range classProps {
			v, err := p.value(stored)
			if err != nil {
				return err
			}
			if v != nil {
				values[key(p.name)] = v
			}
		}
	}

	devProps := b.class.devProps.values()
	if len(devProps) > 0 {
		stored := map[string][]string{}
		if b.store != nil {
			var err error
			if stored, err = b.store.GetDeviceProperty(ctx, b.name, propNames(b.class.devProps)...); err != nil {
				return fmt.Errorf("loading device properties of %s: %w", b.name, err)
			}
		}
		for _, p := range devProps {
			v, err := p.value(stored)
			if err != nil {
				return err
			}
			if v == nil && p.mandatory {
				return Failedf(ReasonMandatoryProperty, "Init", "device %s: mandatory property %s is not defined in the database", b.name, p.name)
			}
			if v != nil {
				values[key(p.name)] = v
			}
		}
	}

	b.mu.Lock()
	b.props = values
	b.mu.Unlock()
	return nil
}

func (p *propDesc) value(stored map[string][]string) (any, error) {
	raw, ok := lookupFold(stored, p.name)
	if !ok || len(raw) == 0 {
		return p.def, nil
	}
	v, err := ParseValues(raw, p.info.dtype, p.info.format)
	if err != nil {
		return nil, Failedf(ReasonIncompatibleArg, "Init", "property %s: %v", p.name, err)
	}
	return v, nil
}

func lookupFold(m map[string][]string, name string) ([]string, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	k := key(name)
	for n, v := range m {
		if key(n) == k {
			return v, true
		}
	}
	return nil, false
}

// Property returns the loaded value of a device or class property.
// Device properties shadow class properties of the same name.
func (b *Base) Property(name string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.props[key(name)]
	return v, ok
}

// PropertyAs returns a property converted to T.
func PropertyAs[T any](dev Device, name string) (T, error) {
	var zero T
	v, ok := dev.DeviceBase().Property(name)
	if !ok {
		return zero, fmt.Errorf("device: property %s has no value", name)
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	rv, err := convertTo(v, reflect.TypeFor[T]())
	if err != nil {
		return zero, fmt.Errorf("device: property %s: %w", name, err)
	}
	return rv.Interface().(T), nil
}

// restoreMemorized applies stored write values of memorized attributes.
func (b *Base) restoreMemorized(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	for _, a := range b.attrList() {
		d := a.desc
		if !d.decl.Memorized {
			continue
		}
		props, err := b.store.GetDeviceAttributeProperty(ctx, b.name, d.name)
		if err != nil {
			return fmt.Errorf("loading memorized value of %s/%s: %w", b.name, d.name, err)
		}
		raw, ok := lookupFold(props, MemorizedProperty)
		if !ok || len(raw) == 0 {
			continue
		}
		v, err := ParseValues(raw, d.info.dtype, d.info.format)
		if err != nil {
			b.log.Warn("ignoring bad memorized value", "device", b.name, "attribute", d.name, "error", err)
			continue
		}
		a.setWriteValue(v)
		if d.decl.HwMemorized {
			if err := b.callWrite(ctx, a, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// MemorizedProperty is the attribute property holding a memorized value.
const MemorizedProperty = "__value"

func (b *Base) attrList() []*Attr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Attr, 0, len(b.attrs))
	for _, d := range b.class.attrs.values() {
		if a, ok := b.attrs[key(d.name)]; ok && !b.removed[attrKey(d.name)] {
			out = append(out, a)
		}
	}
	for _, d := range b.dynAttrs.values() {
		if a, ok := b.attrs[key(d.name)]; ok {
			out = append(out, a)
		}
	}
	return out
}
