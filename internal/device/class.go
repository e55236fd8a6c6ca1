package device

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/nerrad567/devicekit/internal/worker"
)

// ClassSpec declares a device class.
type ClassSpec struct {
	// Name defaults to the Go type name.
	Name string
	// Inherit makes the class start from another class's members. Members
	// declared here replace inherited ones of the same name.
	Inherit *Class
	// GreenMode pins the worker mode this class must run under.
	GreenMode *worker.Mode

	Attributes       []Attribute
	Commands         []Command
	Pipes            []Pipe
	DeviceProperties []DeviceProperty
	ClassProperties  []ClassProperty
	Doc              string
}

// Class is a device type with its bound members. It is immutable after
// Define except for class-level dynamic commands.
type Class struct {
	name      string
	doc       string
	typ       reflect.Type
	newDevice func() Device
	greenMode *worker.Mode

	// Declarations after inheritance, kept so subclasses can rebind them.
	attrDecls  *registry[Attribute]
	cmdDecls   *registry[Command]
	pipeDecls  *registry[Pipe]
	devProps   *registry[*propDesc]
	classProps *registry[*propDesc]

	attrs *registry[*attrDesc]
	cmds  *registry[*cmdDesc]
	pipes *registry[*pipeDesc]
	hooks map[string]*hook

	mu      sync.RWMutex
	dynCmds *registry[*cmdDesc]
}

// Define builds the class for device type T, a pointer to a struct that
// embeds device.Base. Every binding is resolved and checked here; an
// error means no class was produced.
func Define[T Device](spec ClassSpec) (*Class, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return nil, &DefinitionError{Class: spec.Name, Msg: fmt.Sprintf("%v must be a pointer to a struct embedding device.Base", typ)}
	}
	newDevice := func() Device {
		return reflect.New(typ.Elem()).Interface().(Device)
	}
	if newDevice().DeviceBase() == nil {
		return nil, &DefinitionError{Class: spec.Name, Msg: fmt.Sprintf("%v returns a nil *device.Base; embed device.Base by value", typ)}
	}
	if spec.Name == "" {
		spec.Name = typ.Elem().Name()
	}
	c, err := build(spec, typ, newDevice)
	if err != nil {
		return nil, inClass(err, spec.Name)
	}
	return c, nil
}

// MustDefine is Define that panics, for package-level class variables.
func MustDefine[T Device](spec ClassSpec) *Class {
	c, err := Define[T](spec)
	if err != nil {
		panic(err)
	}
	return c
}

func build(spec ClassSpec, typ reflect.Type, newDevice func() Device) (*Class, error) {
	c := &Class{
		name:      spec.Name,
		doc:       spec.Doc,
		typ:       typ,
		newDevice: newDevice,
		greenMode: spec.GreenMode,
		attrs:     newRegistry[*attrDesc](),
		cmds:      newRegistry[*cmdDesc](),
		pipes:     newRegistry[*pipeDesc](),
		dynCmds:   newRegistry[*cmdDesc](),
		hooks:     make(map[string]*hook),
	}

	// Oldest first, then this class on top.
	if p := spec.Inherit; p != nil {
		c.attrDecls = p.attrDecls.clone()
		c.cmdDecls = p.cmdDecls.clone()
		c.pipeDecls = p.pipeDecls.clone()
		c.devProps = p.devProps.clone()
		c.classProps = p.classProps.clone()
		for name, h := range p.hooks {
			if typ.Implements(h.iface) {
				c.hooks[name] = h
			}
		}
		if c.greenMode == nil {
			c.greenMode = p.greenMode
		}
		if c.doc == "" {
			c.doc = p.doc
		}
	} else {
		c.attrDecls = newRegistry[Attribute]()
		c.cmdDecls = newRegistry[Command]()
		c.pipeDecls = newRegistry[Pipe]()
		c.devProps = newRegistry[*propDesc]()
		c.classProps = newRegistry[*propDesc]()
	}

	if err := overlay(c.attrDecls, spec.Attributes, func(a Attribute) string { return a.Name }); err != nil {
		return nil, err
	}
	if err := overlay(c.cmdDecls, spec.Commands, func(x Command) string { return x.Name }); err != nil {
		return nil, err
	}
	if err := overlay(c.pipeDecls, spec.Pipes, func(p Pipe) string { return p.Name }); err != nil {
		return nil, err
	}
	for _, p := range spec.DeviceProperties {
		pd, err := p.build()
		if err != nil {
			return nil, err
		}
		c.devProps.set(pd.name, pd)
	}
	for _, p := range spec.ClassProperties {
		pd, err := p.build()
		if err != nil {
			return nil, err
		}
		c.classProps.set(pd.name, pd)
	}

	c.attrs.set("State", stateAttr())
	c.attrs.set("Status", statusAttr())
	for _, a := range c.attrDecls.values() {
		if isBuiltinAttr(a.Name) {
			return nil, defErr(a.Name, "Name", "%s is a built-in attribute", a.Name)
		}
		d, err := a.build(typ)
		if err != nil {
			return nil, err
		}
		c.attrs.set(d.name, d)
	}

	for _, b := range builtinCommands() {
		c.cmds.set(b.name, b)
	}
	for _, x := range c.cmdDecls.values() {
		d, err := x.build(typ)
		if err != nil {
			return nil, err
		}
		c.cmds.set(d.name, d)
	}

	for _, p := range c.pipeDecls.values() {
		d, err := p.build(typ)
		if err != nil {
			return nil, err
		}
		c.pipes.set(d.name, d)
	}

	for name, h := range discoverHooks(typ) {
		if _, ok := c.hooks[name]; !ok {
			c.hooks[name] = h
		}
	}
	for name, h := range c.hooks {
		c.hooks[name] = routeHook(h)
	}
	return c, nil
}

// overlay adds decls to r, rejecting duplicates within decls.
func overlay[D any](r *registry[D], decls []D, name func(D) string) error {
	seen := make(map[string]bool, len(decls))
	for _, d := range decls {
		n := name(d)
		if n == "" {
			return defErr("", "Name", "a member has no name")
		}
		if seen[key(n)] {
			return defErr(n, "Name", "declared twice")
		}
		seen[key(n)] = true
		r.set(n, d)
	}
	return nil
}

// Name returns the class name.
func (c *Class) Name() string { return c.name }

// Doc returns the class description.
func (c *Class) Doc() string { return c.doc }

// Type returns the Go device type.
func (c *Class) Type() reflect.Type { return c.typ }

// Requirement is the worker mode this class asks for.
func (c *Class) Requirement() worker.Requirement {
	r := worker.Requirement{Class: c.name}
	if c.greenMode != nil {
		r.Mode = *c.greenMode
		r.Explicit = true
	}
	return r
}

// AttributeNames lists the static attributes, State and Status first.
func (c *Class) AttributeNames() []string {
	out := make([]string, 0, c.attrs.len())
	for _, d := range c.attrs.values() {
		out = append(out, d.name)
	}
	return out
}

// CommandNames lists the static commands and class-level dynamic ones.
func (c *Class) CommandNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, c.cmds.len()+c.dynCmds.len())
	for _, d := range c.cmds.values() {
		out = append(out, d.name)
	}
	for _, d := range c.dynCmds.values() {
		if !c.cmds.has(d.name) {
			out = append(out, d.name)
		}
	}
	return out
}

// PipeNames lists the pipes.
func (c *Class) PipeNames() []string {
	out := make([]string, 0, c.pipes.len())
	for _, d := range c.pipes.values() {
		out = append(out, d.name)
	}
	return out
}

// DevicePropertyNames lists the device properties.
func (c *Class) DevicePropertyNames() []string {
	return propNames(c.devProps)
}

// ClassPropertyNames lists the class properties.
func (c *Class) ClassPropertyNames() []string {
	return propNames(c.classProps)
}

func propNames(r *registry[*propDesc]) []string {
	out := make([]string, 0, r.len())
	for _, p := range r.values() {
		out = append(out, p.name)
	}
	return out
}

// AttributeInfo describes a static attribute.
func (c *Class) AttributeInfo(name string) (AttributeInfo, bool) {
	d, ok := c.attrs.get(name)
	if !ok {
		return AttributeInfo{}, false
	}
	return d.describe(), true
}

// AddCommand adds a command for every device of the class. Devices that
// already exist see it too.
func (c *Class) AddCommand(cmd Command) error {
	d, err := cmd.build(c.typ)
	if err != nil {
		return inClass(err, c.name)
	}
	d.dynamic = true
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmds.has(d.name) || c.dynCmds.has(d.name) {
		return Failedf(ReasonDuplicateCommand, "Class.AddCommand", "command %s already exists in class %s", d.name, c.name)
	}
	c.dynCmds.set(d.name, d)
	return nil
}

// RemoveCommand drops a class-level dynamic command.
func (c *Class) RemoveCommand(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dynCmds.delete(name) {
		return nil
	}
	if c.cmds.has(name) {
		return Failedf(ReasonStaticMember, "Class.RemoveCommand", "%s is a static command of class %s", name, c.name)
	}
	return Failedf(ReasonCommandNotFound, "Class.RemoveCommand", "command %s not found in class %s", name, c.name)
}

func (c *Class) dynamicCommand(name string) (*cmdDesc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dynCmds.get(name)
}

func (c *Class) dynamicCommands() []*cmdDesc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dynCmds.values()
}

func isBuiltinAttr(name string) bool {
	k := key(name)
	return k == "state" || k == "status"
}

func stateAttr() *attrDesc {
	d := &attrDesc{
		name:   "State",
		access: Read,
		info:   typeInfo{dtype: StateType, format: Scalar},
		builtin: func(ctx context.Context, b *Base) (any, error) {
			return b.State(ctx)
		},
	}
	d.decl = Attribute{Name: "State", Label: "State", Doc: "Device state", Format: "%s", PollingPeriod: -1, MaxDimX: 1}
	return d
}

func statusAttr() *attrDesc {
	d := &attrDesc{
		name:   "Status",
		access: Read,
		info:   typeInfo{dtype: String, format: Scalar},
		builtin: func(ctx context.Context, b *Base) (any, error) {
			return b.Status(ctx)
		},
	}
	d.decl = Attribute{Name: "Status", Label: "Status", Doc: "Device status", Format: "%s", PollingPeriod: -1, MaxDimX: 1}
	return d
}

func builtinCommands() []*cmdDesc {
	void := typeInfo{dtype: Void}
	return []*cmdDesc{
		{
			name: "Init", in: void, out: void,
			decl: Command{Name: "Init", Doc: "Re-initialise the device", DocIn: "Uninitialised", DocOut: "Uninitialised", PollingPeriod: -1},
			builtin: func(ctx context.Context, b *Base) (any, error) {
				return nil, b.Reinit(ctx)
			},
		},
		{
			name: "State", in: void, out: typeInfo{dtype: StateType}, hasOut: true,
			decl: Command{Name: "State", Doc: "Device state", DocIn: "Uninitialised", DocOut: "Device state", PollingPeriod: -1},
			builtin: func(ctx context.Context, b *Base) (any, error) {
				return b.State(ctx)
			},
		},
		{
			name: "Status", in: void, out: typeInfo{dtype: String}, hasOut: true,
			decl: Command{Name: "Status", Doc: "Device status", DocIn: "Uninitialised", DocOut: "Device status", PollingPeriod: -1},
			builtin: func(ctx context.Context, b *Base) (any, error) {
				return b.Status(ctx)
			},
		},
	}
}
