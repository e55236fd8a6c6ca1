package device

import (
	"context"
	"reflect"
)

// Lifecycle hooks a device type may implement. Each one is always called
// through the server worker.
type (
	// Initializer runs at startup and on the Init command.
	Initializer interface {
		InitDevice(ctx context.Context) error
	}
	// Deleter runs before re-initialisation and at shutdown.
	Deleter interface {
		DeleteDevice(ctx context.Context) error
	}
	// StateReader computes the state returned by State.
	StateReader interface {
		DevState(ctx context.Context) (State, error)
	}
	// StatusReader computes the status returned by Status.
	StatusReader interface {
		DevStatus(ctx context.Context) (string, error)
	}
	// HardwareReader runs once per client read request with the names of
	// the attributes about to be read.
	HardwareReader interface {
		ReadAttrHardware(ctx context.Context, names []string) error
	}
	// AlwaysExecuted runs before every command and attribute read.
	AlwaysExecuted interface {
		AlwaysExecutedHook(ctx context.Context) error
	}
	// DynamicAttributesInitializer runs once after the first InitDevice,
	// the place to call AddAttribute.
	DynamicAttributesInitializer interface {
		InitializeDynamicAttributes(ctx context.Context) error
	}
)

const (
	hookInit        = "InitDevice"
	hookDelete      = "DeleteDevice"
	hookState       = "DevState"
	hookStatus      = "DevStatus"
	hookHardware    = "ReadAttrHardware"
	hookAlways      = "AlwaysExecutedHook"
	hookDynamicInit = "InitializeDynamicAttributes"
)

// hook is a lifecycle method of a device type.
type hook struct {
	name  string
	iface reflect.Type
	fn    func(ctx context.Context, dev Device, arg any) (any, error)
	// routed marks a hook already wrapped to run through the worker.
	routed bool
}

func ifaceOf[I any]() reflect.Type {
	return reflect.TypeOf((*I)(nil)).Elem()
}

var hookTable = []*hook{
	{name: hookInit, iface: ifaceOf[Initializer](), fn: func(ctx context.Context, dev Device, _ any) (any, error) {
		return nil, dev.(Initializer).InitDevice(ctx)
	}},
	{name: hookDelete, iface: ifaceOf[Deleter](), fn: func(ctx context.Context, dev Device, _ any) (any, error) {
		return nil, dev.(Deleter).DeleteDevice(ctx)
	}},
	{name: hookState, iface: ifaceOf[StateReader](), fn: func(ctx context.Context, dev Device, _ any) (any, error) {
		return dev.(StateReader).DevState(ctx)
	}},
	{name: hookStatus, iface: ifaceOf[StatusReader](), fn: func(ctx context.Context, dev Device, _ any) (any, error) {
		return dev.(StatusReader).DevStatus(ctx)
	}},
	{name: hookHardware, iface: ifaceOf[HardwareReader](), fn: func(ctx context.Context, dev Device, arg any) (any, error) {
		names, _ := arg.([]string)
		return nil, dev.(HardwareReader).ReadAttrHardware(ctx, names)
	}},
	{name: hookAlways, iface: ifaceOf[AlwaysExecuted](), fn: func(ctx context.Context, dev Device, _ any) (any, error) {
		return nil, dev.(AlwaysExecuted).AlwaysExecutedHook(ctx)
	}},
	{name: hookDynamicInit, iface: ifaceOf[DynamicAttributesInitializer](), fn: func(ctx context.Context, dev Device, _ any) (any, error) {
		return nil, dev.(DynamicAttributesInitializer).InitializeDynamicAttributes(ctx)
	}},
}

// discoverHooks returns the unrouted hooks typ implements.
func discoverHooks(typ reflect.Type) map[string]*hook {
	out := make(map[string]*hook)
	for _, h := range hookTable {
		if typ.Implements(h.iface) {
			out[h.name] = h
		}
	}
	return out
}

// routeHook wraps h so it runs through the device's worker. Routing an
// already routed hook returns it unchanged.
func routeHook(h *hook) *hook {
	if h == nil || h.routed {
		return h
	}
	inner := h.fn
	return &hook{
		name:  h.name,
		iface: h.iface,
		fn: func(ctx context.Context, dev Device, arg any) (any, error) {
			return dev.DeviceBase().execute(ctx, true, func(ctx context.Context) (any, error) {
				return inner(ctx, dev, arg)
			})
		},
		routed: true,
	}
}

// callHook runs the named hook if the class has it.
func (c *Class) callHook(ctx context.Context, name string, dev Device, arg any) (any, bool, error) {
	h, ok := c.hooks[name]
	if !ok {
		return nil, false, nil
	}
	v, err := h.fn(ctx, dev, arg)
	return v, true, err
}
