package device

import (
	"context"
	"errors"
	"reflect"
)

func attrKey(name string) string { return "attr:" + key(name) }
func cmdKey(name string) string  { return "cmd:" + key(name) }
func pipeKey(name string) string { return "pipe:" + key(name) }

func (b *Base) lookupAttr(name string) (*attrDesc, *Attr, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if d, ok := b.dynAttrs.get(name); ok {
		return d, b.attrs[key(name)], true
	}
	if b.removed[attrKey(name)] {
		return nil, nil, false
	}
	d, ok := b.class.attrs.get(name)
	if !ok {
		return nil, nil, false
	}
	return d, b.attrs[key(name)], true
}

func (b *Base) lookupCommand(name string) (*cmdDesc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if d, ok := b.dynCmds.get(name); ok {
		return d, true
	}
	if b.removed[cmdKey(name)] {
		return nil, false
	}
	if d, ok := b.class.cmds.get(name); ok {
		return d, true
	}
	return b.class.dynamicCommand(name)
}

func (b *Base) lookupPipe(name string) (*pipeDesc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if d, ok := b.dynPipes.get(name); ok {
		return d, true
	}
	if b.removed[pipeKey(name)] {
		return nil, false
	}
	return b.class.pipes.get(name)
}

func (b *Base) checkAlive(op string) error {
	if b.isDeleted() {
		df := Failedf(ReasonDeviceDeleted, op, "device %s was deleted", b.name)
		df.cause = ErrDeleted
		return df
	}
	return nil
}

// Attribute returns the runtime state of an attribute.
func (b *Base) Attribute(name string) (*Attr, bool) {
	_, a, ok := b.lookupAttr(name)
	return a, ok
}

// ReadAttribute reads one attribute.
func (b *Base) ReadAttribute(ctx context.Context, name string) (AttrValue, error) {
	vals, err := b.ReadAttributes(ctx, name)
	if err != nil {
		return AttrValue{}, err
	}
	if vals[0].Err != nil {
		return vals[0], vals[0].Err
	}
	return vals[0], nil
}

// ReadAttributes reads several attributes in one request. Per-attribute
// failures are reported in AttrValue.Err; the error is for failures of
// the whole request.
func (b *Base) ReadAttributes(ctx context.Context, names ...string) ([]AttrValue, error) {
	if err := b.checkAlive("ReadAttribute"); err != nil {
		return nil, err
	}
	if _, _, err := b.class.callHook(ctx, hookAlways, b.self, nil); err != nil {
		return nil, asDevFailed(err, b.class.name+".AlwaysExecutedHook")
	}

	type target struct {
		d *attrDesc
		a *Attr
	}
	targets := make([]*target, len(names))
	var hw []string
	for i, n := range names {
		d, a, ok := b.lookupAttr(n)
		if !ok {
			continue
		}
		targets[i] = &target{d, a}
		if d.builtin == nil && d.read != nil {
			hw = append(hw, d.name)
		}
	}
	if len(hw) > 0 {
		if _, _, err := b.class.callHook(ctx, hookHardware, b.self, hw); err != nil {
			return nil, asDevFailed(err, b.class.name+".ReadAttrHardware")
		}
	}

	out := make([]AttrValue, len(names))
	for i, t := range targets {
		if t == nil {
			out[i] = AttrValue{Name: names[i], Err: Failedf(ReasonAttrNotFound, "ReadAttribute", "attribute %s not found in device %s", names[i], b.name)}
			continue
		}
		v, err := b.readOne(ctx, t.d, t.a)
		if err != nil {
			out[i] = AttrValue{Name: t.d.name, Err: toDevFailed(err)}
			continue
		}
		out[i] = v
	}
	return out, nil
}

func toDevFailed(err error) *DevFailed {
	var df *DevFailed
	if errors.As(err, &df) {
		return df
	}
	return asDevFailed(err, "").(*DevFailed)
}

func (b *Base) readOne(ctx context.Context, d *attrDesc, a *Attr) (AttrValue, error) {
	if d.decl.Forwarded {
		return AttrValue{}, Failedf(ReasonAttrNotForwarded, "ReadAttribute",
			"attribute %s is forwarded to %q, which this server does not resolve", d.name, d.decl.ForwardedTo)
	}
	if d.builtin != nil {
		v, err := d.builtin(ctx, b)
		if err != nil {
			return AttrValue{}, err
		}
		if err := a.SetValue(v); err != nil {
			return AttrValue{}, err
		}
		return a.snapshot(), nil
	}

	ok, err := b.gate(ctx, d.allowed, d.allowedGreen, ReadRequest, "Is"+camel(d.name)+"Allowed")
	if err != nil {
		return AttrValue{}, err
	}
	if !ok {
		return AttrValue{}, Failedf(ReasonAttrNotAllowed, "ReadAttribute", "It is currently not allowed to read attribute %s", d.name)
	}

	if d.read == nil {
		return b.storedValue(d, a)
	}

	a.beginRead()
	v, err := b.execute(ctx, d.readGreen, func(ctx context.Context) (any, error) {
		var args []reflect.Value
		if d.read.attrArg {
			args = append(args, reflect.ValueOf(a))
		}
		res, err := d.read.call(ctx, b.self, args...)
		if err != nil || len(res) == 0 {
			return nil, err
		}
		return res[0].Interface(), nil
	})
	if err != nil {
		return AttrValue{}, asDevFailed(err, b.class.name+"."+d.read.name)
	}
	if !a.ValueSet() {
		if v == nil {
			return AttrValue{}, Failedf(ReasonAttrValueNotSet, "ReadAttribute", "read method of attribute %s did not set a value", d.name)
		}
		if err := a.SetValue(v); err != nil {
			return AttrValue{}, err
		}
	}
	return a.snapshot(), nil
}

// storedValue serves attributes without a read method: the last value
// set or written, else the default.
func (b *Base) storedValue(d *attrDesc, a *Attr) (AttrValue, error) {
	v := a.snapshot()
	if v.Value == nil && v.WValue != nil {
		v.Value = v.WValue
	}
	if v.Value == nil && v.Format == Scalar && v.Quality != Invalid {
		return AttrValue{}, Failedf(ReasonAttrValueNotSet, "ReadAttribute", "attribute %s has no value yet", d.name)
	}
	return v, nil
}

// gate runs an is-allowed binding.
func (b *Base) gate(ctx context.Context, allowed *binding, green bool, req RequestType, origin string) (bool, error) {
	if allowed == nil {
		return true, nil
	}
	v, err := b.execute(ctx, green, func(ctx context.Context) (any, error) {
		return allowed.allowed(ctx, b.self, req)
	})
	if err != nil {
		return false, asDevFailed(err, b.class.name+"."+origin)
	}
	return v.(bool), nil
}

// WriteAttribute writes one attribute.
func (b *Base) WriteAttribute(ctx context.Context, name string, value any) error {
	if err := b.checkAlive("WriteAttribute"); err != nil {
		return err
	}
	d, a, ok := b.lookupAttr(name)
	if !ok {
		return Failedf(ReasonAttrNotFound, "WriteAttribute", "attribute %s not found in device %s", name, b.name)
	}
	if !d.access.Writable() || d.write == nil {
		return Failedf(ReasonAttrNotWritable, "WriteAttribute", "attribute %s is not writable", d.name)
	}
	cv, err := Coerce(value, d.info.dtype, d.info.format)
	if err != nil {
		return Failedf(ReasonIncompatibleArg, "WriteAttribute", "attribute %s: %v", d.name, err)
	}
	if err := d.limits(cv); err != nil {
		return err
	}

	ok, err = b.gate(ctx, d.allowed, d.allowedGreen, WriteRequest, "Is"+camel(d.name)+"Allowed")
	if err != nil {
		return err
	}
	if !ok {
		return Failedf(ReasonAttrNotAllowed, "WriteAttribute", "It is currently not allowed to write attribute %s", d.name)
	}

	prev := a.WriteValue()
	a.setWriteValue(cv)
	if err := b.callWrite(ctx, a, cv); err != nil {
		a.setWriteValue(prev)
		return err
	}

	if d.decl.Memorized && b.store != nil {
		props := map[string]map[string][]string{d.name: {MemorizedProperty: FormatValues(cv)}}
		if err := b.store.PutDeviceAttributeProperty(ctx, b.name, props); err != nil {
			b.log.Warn("failed to memorize attribute value", "device", b.name, "attribute", d.name, "error", err)
		}
	}
	return nil
}

func (b *Base) callWrite(ctx context.Context, a *Attr, cv any) error {
	d := a.desc
	_, err := b.execute(ctx, d.writeGreen, func(ctx context.Context) (any, error) {
		var arg reflect.Value
		if d.write.attrArg {
			arg = reflect.ValueOf(a)
		} else {
			var err error
			if arg, err = convertTo(cv, d.write.params[0]); err != nil {
				return nil, Failedf(ReasonIncompatibleArg, "WriteAttribute", "attribute %s: %v", d.name, err)
			}
		}
		_, err := d.write.call(ctx, b.self, arg)
		return nil, err
	})
	if err != nil {
		return asDevFailed(err, b.class.name+"."+d.write.name)
	}
	return nil
}

// CommandInout runs a command. arg is ignored by commands without input
// and the result is nil for commands without output.
func (b *Base) CommandInout(ctx context.Context, name string, arg any) (any, error) {
	if err := b.checkAlive("CommandInout"); err != nil {
		return nil, err
	}
	d, ok := b.lookupCommand(name)
	if !ok {
		return nil, Failedf(ReasonCommandNotFound, "CommandInout", "command %s not found in device %s", name, b.name)
	}
	if _, _, err := b.class.callHook(ctx, hookAlways, b.self, nil); err != nil {
		return nil, asDevFailed(err, b.class.name+".AlwaysExecutedHook")
	}
	if d.builtin != nil {
		return d.builtin(ctx, b)
	}

	allowed, err := b.gate(ctx, d.allowed, d.green, ReadRequest, "Is"+camel(d.name)+"Allowed")
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, Failedf(ReasonCommandNotAllowed, "CommandInout",
			"Command %s not allowed when the device is in %s state", d.name, b.GetState())
	}

	var in []reflect.Value
	if d.hasIn {
		cv, err := Coerce(arg, d.in.dtype, d.in.format)
		if err != nil {
			return nil, Failedf(ReasonIncompatibleArg, "CommandInout", "command %s: %v", d.name, err)
		}
		rv, err := convertTo(cv, d.fn.in())
		if err != nil {
			return nil, Failedf(ReasonIncompatibleArg, "CommandInout", "command %s: %v", d.name, err)
		}
		in = append(in, rv)
	}

	v, err := b.execute(ctx, d.green, func(ctx context.Context) (any, error) {
		res, err := d.fn.call(ctx, b.self, in...)
		if err != nil || len(res) == 0 {
			return nil, err
		}
		return res[0].Interface(), nil
	})
	if err != nil {
		return nil, asDevFailed(err, b.class.name+"."+d.fn.name)
	}
	if !d.hasOut {
		return nil, nil
	}
	out, err := Coerce(v, d.out.dtype, d.out.format)
	if err != nil {
		return nil, Failedf(ReasonIncompatibleArg, "CommandInout", "result of command %s: %v", d.name, err)
	}
	return out, nil
}

// ReadPipe reads a pipe.
func (b *Base) ReadPipe(ctx context.Context, name string) (Blob, error) {
	if err := b.checkAlive("ReadPipe"); err != nil {
		return Blob{}, err
	}
	d, ok := b.lookupPipe(name)
	if !ok {
		return Blob{}, Failedf(ReasonPipeNotFound, "ReadPipe", "pipe %s not found in device %s", name, b.name)
	}
	allowed, err := b.gate(ctx, d.allowed, d.green, ReadRequest, "Is"+camel(d.name)+"Allowed")
	if err != nil {
		return Blob{}, err
	}
	if !allowed {
		return Blob{}, Failedf(ReasonPipeNotAllowed, "ReadPipe", "It is currently not allowed to read pipe %s", d.name)
	}
	v, err := b.execute(ctx, d.green, func(ctx context.Context) (any, error) {
		res, err := d.read.call(ctx, b.self)
		if err != nil {
			return nil, err
		}
		return res[0].Interface(), nil
	})
	if err != nil {
		return Blob{}, asDevFailed(err, b.class.name+"."+d.read.name)
	}
	return v.(Blob), nil
}

// WritePipe writes a pipe.
func (b *Base) WritePipe(ctx context.Context, name string, blob Blob) error {
	if err := b.checkAlive("WritePipe"); err != nil {
		return err
	}
	d, ok := b.lookupPipe(name)
	if !ok {
		return Failedf(ReasonPipeNotFound, "WritePipe", "pipe %s not found in device %s", name, b.name)
	}
	if d.write == nil {
		return Failedf(ReasonPipeNotWritable, "WritePipe", "pipe %s is not writable", d.name)
	}
	allowed, err := b.gate(ctx, d.allowed, d.green, WriteRequest, "Is"+camel(d.name)+"Allowed")
	if err != nil {
		return err
	}
	if !allowed {
		return Failedf(ReasonPipeNotAllowed, "WritePipe", "It is currently not allowed to write pipe %s", d.name)
	}
	_, err = b.execute(ctx, d.green, func(ctx context.Context) (any, error) {
		_, err := d.write.call(ctx, b.self, reflect.ValueOf(blob))
		return nil, err
	})
	if err != nil {
		return asDevFailed(err, b.class.name+"."+d.write.name)
	}
	return nil
}

// AttributeNames lists the attributes of this device: static ones not
// removed, then dynamic ones.
func (b *Base) AttributeNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for _, d := range b.class.attrs.values() {
		if !b.removed[attrKey(d.name)] && !b.dynAttrs.has(d.name) {
			out = append(out, d.name)
		}
	}
	for _, d := range b.dynAttrs.values() {
		out = append(out, d.name)
	}
	return out
}

// CommandNames lists the commands of this device.
func (b *Base) CommandNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	seen := make(map[string]bool)
	add := func(d *cmdDesc) {
		if seen[key(d.name)] {
			return
		}
		seen[key(d.name)] = true
		out = append(out, d.name)
	}
	for _, d := range b.class.cmds.values() {
		if !b.removed[cmdKey(d.name)] && !b.dynCmds.has(d.name) {
			add(d)
		}
	}
	for _, d := range b.class.dynamicCommands() {
		if !b.removed[cmdKey(d.name)] && !b.dynCmds.has(d.name) {
			add(d)
		}
	}
	for _, d := range b.dynCmds.values() {
		add(d)
	}
	return out
}

// PipeNames lists the pipes of this device.
func (b *Base) PipeNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for _, d := range b.class.pipes.values() {
		if !b.removed[pipeKey(d.name)] && !b.dynPipes.has(d.name) {
			out = append(out, d.name)
		}
	}
	for _, d := range b.dynPipes.values() {
		out = append(out, d.name)
	}
	return out
}

// AttributeInfo describes one attribute.
func (b *Base) AttributeInfo(name string) (AttributeInfo, error) {
	d, _, ok := b.lookupAttr(name)
	if !ok {
		return AttributeInfo{}, Failedf(ReasonAttrNotFound, "AttributeInfo", "attribute %s not found in device %s", name, b.name)
	}
	return d.describe(), nil
}

// CommandInfo describes one command.
func (b *Base) CommandInfo(name string) (CommandInfo, error) {
	d, ok := b.lookupCommand(name)
	if !ok {
		return CommandInfo{}, Failedf(ReasonCommandNotFound, "CommandInfo", "command %s not found in device %s", name, b.name)
	}
	return d.describe(), nil
}

// PipeInfo describes one pipe.
func (b *Base) PipeInfo(name string) (PipeInfo, error) {
	d, ok := b.lookupPipe(name)
	if !ok {
		return PipeInfo{}, Failedf(ReasonPipeNotFound, "PipeInfo", "pipe %s not found in device %s", name, b.name)
	}
	return d.describe(), nil
}
