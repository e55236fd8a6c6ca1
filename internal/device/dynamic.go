package device

import (
	"context"
	"reflect"
	"strings"
)

// pollingCommandsProperty lists polled commands; removing a command with
// cleanDB drops it from here.
const pollingCommandsProperty = "polled_cmd"

// AddAttribute adds an attribute to this device only. Read, Write and
// IsAllowed may name methods of the device type or be bound functions,
// like static attributes.
func (b *Base) AddAttribute(attr Attribute) error {
	if isBuiltinAttr(attr.Name) {
		return Failedf(ReasonDuplicateAttribute, "AddAttribute", "%s is a built-in attribute", attr.Name)
	}
	d, err := attr.build(reflect.TypeOf(b.self))
	if err != nil {
		return inClass(err, b.class.name)
	}
	d.dynamic = true

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dynAttrs.has(d.name) || (b.class.attrs.has(d.name) && !b.removed[attrKey(d.name)]) {
		return Failedf(ReasonDuplicateAttribute, "AddAttribute", "attribute %s already exists in device %s", d.name, b.name)
	}
	b.dynAttrs.set(d.name, d)
	b.attrs[key(d.name)] = newAttr(d)
	delete(b.removed, attrKey(d.name))
	b.log.Debug("attribute added", "device", b.name, "attribute", d.name)
	return nil
}

// RemoveAttribute removes a dynamic attribute, or hides a static one on
// this device. Event subscriptions to it are dropped.
func (b *Base) RemoveAttribute(name string) error {
	if isBuiltinAttr(name) {
		return Failedf(ReasonStaticMember, "RemoveAttribute", "cannot remove %s", name)
	}
	b.mu.Lock()
	var real string
	switch {
	case b.dynAttrs.has(name):
		d, _ := b.dynAttrs.get(name)
		real = d.name
		b.dynAttrs.delete(name)
		if b.class.attrs.has(name) {
			b.removed[attrKey(name)] = true
		}
	case b.class.attrs.has(name) && !b.removed[attrKey(name)]:
		d, _ := b.class.attrs.get(name)
		real = d.name
		b.removed[attrKey(name)] = true
	default:
		b.mu.Unlock()
		return Failedf(ReasonAttrNotFound, "RemoveAttribute", "attribute %s not found in device %s", name, b.name)
	}
	delete(b.attrs, key(name))
	b.mu.Unlock()

	if b.events != nil {
		b.events.Detach(b.name, real)
	}
	b.log.Debug("attribute removed", "device", b.name, "attribute", real)
	return nil
}

// AddCommand adds a command. With deviceLevel the command exists on this
// device only; otherwise it is added to the class and every device of
// it sees the command.
func (b *Base) AddCommand(cmd Command, deviceLevel bool) error {
	if !deviceLevel {
		if err := b.class.AddCommand(cmd); err != nil {
			return err
		}
		b.mu.Lock()
		delete(b.removed, cmdKey(cmd.Name))
		b.mu.Unlock()
		return nil
	}
	d, err := cmd.build(reflect.TypeOf(b.self))
	if err != nil {
		return inClass(err, b.class.name)
	}
	d.dynamic = true

	b.mu.Lock()
	defer b.mu.Unlock()
	_, classDyn := b.class.dynamicCommand(d.name)
	if b.dynCmds.has(d.name) || ((b.class.cmds.has(d.name) || classDyn) && !b.removed[cmdKey(d.name)]) {
		return Failedf(ReasonDuplicateCommand, "AddCommand", "command %s already exists in device %s", d.name, b.name)
	}
	b.dynCmds.set(d.name, d)
	return nil
}

// RemoveCommand removes a command from this device. A class-level
// dynamic command is dropped from the class when free is set, else it is
// only hidden here. With cleanDB the command is also dropped from the
// polled command list in the database.
func (b *Base) RemoveCommand(ctx context.Context, name string, free, cleanDB bool) error {
	if _, builtin := builtinCommandNames[key(name)]; builtin {
		return Failedf(ReasonStaticMember, "RemoveCommand", "cannot remove %s", name)
	}
	b.mu.Lock()
	_, classDyn := b.class.dynamicCommand(name)
	switch {
	case b.dynCmds.has(name):
		b.dynCmds.delete(name)
	case classDyn && !b.removed[cmdKey(name)]:
		if free {
			b.mu.Unlock()
			if err := b.class.RemoveCommand(name); err != nil {
				return err
			}
			b.mu.Lock()
		} else {
			b.removed[cmdKey(name)] = true
		}
	case b.class.cmds.has(name) && !b.removed[cmdKey(name)]:
		b.removed[cmdKey(name)] = true
	default:
		b.mu.Unlock()
		return Failedf(ReasonCommandNotFound, "RemoveCommand", "command %s not found in device %s", name, b.name)
	}
	b.mu.Unlock()

	if cleanDB && b.store != nil {
		if err := b.dropPolled(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

var builtinCommandNames = map[string]struct{}{"init": {}, "state": {}, "status": {}}

// dropPolled removes name from the polled_cmd property. The property
// alternates command names and periods.
func (b *Base) dropPolled(ctx context.Context, name string) error {
	props, err := b.store.GetDeviceProperty(ctx, b.name, pollingCommandsProperty)
	if err != nil {
		return err
	}
	cur, ok := lookupFold(props, pollingCommandsProperty)
	if !ok || len(cur) == 0 {
		return nil
	}
	kept := make([]string, 0, len(cur))
	for i := 0; i < len(cur); i += 2 {
		if strings.EqualFold(cur[i], name) {
			continue
		}
		kept = append(kept, cur[i:min(i+2, len(cur))]...)
	}
	if len(kept) == len(cur) {
		return nil
	}
	if len(kept) == 0 {
		return b.store.DeleteDeviceProperty(ctx, b.name, pollingCommandsProperty)
	}
	return b.store.PutDeviceProperty(ctx, b.name, map[string][]string{pollingCommandsProperty: kept})
}

// AddPipe adds a pipe to this device only.
func (b *Base) AddPipe(p Pipe) error {
	d, err := p.build(reflect.TypeOf(b.self))
	if err != nil {
		return inClass(err, b.class.name)
	}
	d.dynamic = true

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dynPipes.has(d.name) || (b.class.pipes.has(d.name) && !b.removed[pipeKey(d.name)]) {
		return Failedf(ReasonDuplicatePipe, "AddPipe", "pipe %s already exists in device %s", d.name, b.name)
	}
	b.dynPipes.set(d.name, d)
	return nil
}

// RemovePipe removes a dynamic pipe or hides a static one.
func (b *Base) RemovePipe(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.dynPipes.has(name):
		b.dynPipes.delete(name)
	case b.class.pipes.has(name) && !b.removed[pipeKey(name)]:
		b.removed[pipeKey(name)] = true
	default:
		return Failedf(ReasonPipeNotFound, "RemovePipe", "pipe %s not found in device %s", name, b.name)
	}
	return nil
}
