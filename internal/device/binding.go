package device

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"unicode"
)

// receiver says how a bound function receives the device.
type receiver int

const (
	// recvNone: a free function or closure that takes no device.
	recvNone receiver = iota
	// recvDirect: the first parameter accepts the device itself.
	recvDirect
	// recvEmbedded: the first parameter is a struct embedded in the device.
	recvEmbedded
)

// callable is a user function or method resolved against a device type.
// Resolution happens once, while building; calling never looks anything
// up by name.
type callable struct {
	name    string
	fn      reflect.Value
	recv    receiver
	path    []int
	recvPtr bool
	ctx     bool
	params  []reflect.Type
	results []reflect.Type
	err     bool
}

// resolveCallable binds decl against owner, a pointer-to-struct device
// type. decl may be nil (look up conventional, if any), a method name or a
// func value. A nil callable with a nil error means nothing was bound.
func resolveCallable(owner reflect.Type, member, field string, decl any, conventional string) (*callable, error) {
	switch d := decl.(type) {
	case nil:
		if conventional == "" {
			return nil, nil
		}
		// Base's own methods never match a convention.
		if _, ok := basePtrType.MethodByName(conventional); ok {
			return nil, nil
		}
		m, ok := owner.MethodByName(conventional)
		if !ok {
			return nil, nil
		}
		return fromMethod(m)
	case string:
		if d == "" {
			return resolveCallable(owner, member, field, nil, conventional)
		}
		m, ok := owner.MethodByName(d)
		if !ok {
			return nil, defErr(member, field,
				"method %q not found on %v; bindings given by name are looked up on the device type when the class is built, so %q must be an exported method of %v",
				d, owner, d, owner)
		}
		return fromMethod(m)
	}

	fn := reflect.ValueOf(decl)
	if fn.Kind() != reflect.Func {
		return nil, defErr(member, field, "binding must be a method name or a func, got %T", decl)
	}
	if fn.IsNil() {
		return resolveCallable(owner, member, field, nil, conventional)
	}
	return fromFunc(owner, member, field, fn)
}

func fromMethod(m reflect.Method) (*callable, error) {
	c := &callable{name: m.Name, fn: m.Func, recv: recvDirect}
	c.signature(m.Func.Type(), 1)
	return c, nil
}

func fromFunc(owner reflect.Type, member, field string, fn reflect.Value) (*callable, error) {
	ft := fn.Type()
	c := &callable{name: funcName(fn), fn: fn}
	if ft.IsVariadic() {
		return nil, defErr(member, field, "variadic functions cannot be bound")
	}
	if ft.NumIn() == 0 {
		c.signature(ft, 0)
		return c, nil
	}

	first := ft.In(0)
	switch {
	case first == contextType:
		c.signature(ft, 0)
		return c, nil
	case first.Kind() == reflect.Interface:
		if first.Implements(deviceIface) && owner.Implements(first) {
			c.recv = recvDirect
			c.signature(ft, 1)
			return c, nil
		}
	case owner.AssignableTo(first):
		c.recv = recvDirect
		c.signature(ft, 1)
		return c, nil
	}

	if path, ptr, ok := embeddedPath(owner, first); ok {
		c.recv = recvEmbedded
		c.path = path
		c.recvPtr = ptr
		c.signature(ft, 1)
		return c, nil
	}

	if first.Implements(deviceIface) || (first.Kind() != reflect.Pointer && reflect.PointerTo(first).Implements(deviceIface)) {
		return nil, defErr(member, field,
			"%s belongs to %v, which is unrelated to %v and cannot be dispatched on this device; bind a method of %v or a function taking it as first parameter",
			c.name, first, owner, owner)
	}

	c.signature(ft, 0)
	return c, nil
}

// embeddedPath finds a struct embedded (at any depth) in owner that a
// parameter of type target can receive.
func embeddedPath(owner, target reflect.Type) (path []int, ptr bool, ok bool) {
	if owner.Kind() != reflect.Pointer || owner.Elem().Kind() != reflect.Struct {
		return nil, false, false
	}
	want := target
	ptr = target.Kind() == reflect.Pointer
	if ptr {
		want = target.Elem()
	}
	if want.Kind() != reflect.Struct {
		return nil, false, false
	}
	for _, f := range reflect.VisibleFields(owner.Elem()) {
		if !f.Anonymous {
			continue
		}
		switch {
		case f.Type == want:
			return f.Index, ptr, true
		case ptr && f.Type == target:
			// Embedded by pointer; the field already has the right type.
			return f.Index, false, true
		}
	}
	return nil, false, false
}

func (c *callable) signature(ft reflect.Type, skip int) {
	i := skip
	if i < ft.NumIn() && ft.In(i) == contextType {
		c.ctx = true
		i++
	}
	for ; i < ft.NumIn(); i++ {
		c.params = append(c.params, ft.In(i))
	}
	n := ft.NumOut()
	if n > 0 && ft.Out(n-1) == errorType {
		c.err = true
		n--
	}
	for i := 0; i < n; i++ {
		c.results = append(c.results, ft.Out(i))
	}
}

// call invokes the function for dev with the given arguments.
func (c *callable) call(ctx context.Context, dev Device, args ...reflect.Value) ([]reflect.Value, error) {
	in := make([]reflect.Value, 0, len(args)+2)
	switch c.recv {
	case recvDirect:
		rv := reflect.ValueOf(dev)
		first := c.fn.Type().In(0)
		if !rv.Type().AssignableTo(first) {
			return nil, fmt.Errorf("%s cannot receive %T", c.name, dev)
		}
		in = append(in, rv)
	case recvEmbedded:
		rv := reflect.ValueOf(dev).Elem().FieldByIndex(c.path)
		if c.recvPtr {
			rv = rv.Addr()
		}
		in = append(in, rv)
	}
	if c.ctx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)

	out := c.fn.Call(in)
	if c.err {
		last := out[len(out)-1]
		out = out[:len(out)-1]
		if !last.IsNil() {
			return out, last.Interface().(error)
		}
	}
	return out, nil
}

func funcName(fn reflect.Value) string {
	if f := runtime.FuncForPC(fn.Pointer()); f != nil {
		name := f.Name()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		return name
	}
	return fn.Type().String()
}

func (c *callable) checkArity(member, field string, minParams, maxParams, maxResults int) error {
	if len(c.params) < minParams || len(c.params) > maxParams {
		if minParams == maxParams {
			return defErr(member, field, "%s must take %d argument(s) after the device and optional context, it takes %d", c.name, minParams, len(c.params))
		}
		return defErr(member, field, "%s must take %d to %d argument(s) after the device and optional context, it takes %d", c.name, minParams, maxParams, len(c.params))
	}
	if len(c.results) > maxResults {
		return defErr(member, field, "%s returns %d values besides an error, at most %d allowed", c.name, len(c.results), maxResults)
	}
	return nil
}

// binding is a callable checked for one role.
type binding struct {
	*callable
	// attrArg: the single parameter is *Attr.
	attrArg bool
	// reqArg: an is-allowed gate taking the RequestType.
	reqArg bool
}

func (b *binding) in() reflect.Type {
	if b == nil || len(b.params) == 0 || b.attrArg || b.reqArg {
		return nil
	}
	return b.params[0]
}

func (b *binding) out() reflect.Type {
	if b == nil || len(b.results) == 0 {
		return nil
	}
	return b.results[0]
}

func readBinding(c *callable, member string) (*binding, error) {
	if c == nil {
		return nil, nil
	}
	if err := c.checkArity(member, "Fget", 0, 1, 1); err != nil {
		return nil, err
	}
	b := &binding{callable: c}
	if len(c.params) == 1 {
		if c.params[0] != attrPtrType {
			return nil, defErr(member, "Fget", "%s may only take *device.Attr, got %v", c.name, c.params[0])
		}
		b.attrArg = true
	}
	return b, nil
}

func writeBinding(c *callable, member string) (*binding, error) {
	if c == nil {
		return nil, nil
	}
	if err := c.checkArity(member, "Fset", 1, 1, 0); err != nil {
		return nil, err
	}
	return &binding{callable: c, attrArg: c.params[0] == attrPtrType}, nil
}

func allowedBinding(c *callable, member string) (*binding, error) {
	if c == nil {
		return nil, nil
	}
	if err := c.checkArity(member, "FIsAllowed", 0, 1, 1); err != nil {
		return nil, err
	}
	if len(c.results) != 1 || c.results[0].Kind() != reflect.Bool {
		return nil, defErr(member, "FIsAllowed", "%s must return bool or (bool, error)", c.name)
	}
	b := &binding{callable: c}
	if len(c.params) == 1 {
		if c.params[0] != requestType {
			return nil, defErr(member, "FIsAllowed", "%s may only take a device.RequestType, got %v", c.name, c.params[0])
		}
		b.reqArg = true
	}
	return b, nil
}

func commandBinding(c *callable, member string) (*binding, error) {
	if err := c.checkArity(member, "Fn", 0, 1, 1); err != nil {
		return nil, err
	}
	return &binding{callable: c}, nil
}

func pipeReadBinding(c *callable, member string) (*binding, error) {
	if c == nil {
		return nil, nil
	}
	if err := c.checkArity(member, "Fget", 0, 0, 1); err != nil {
		return nil, err
	}
	if len(c.results) != 1 || c.results[0] != blobType {
		return nil, defErr(member, "Fget", "%s must return device.Blob or (device.Blob, error)", c.name)
	}
	return &binding{callable: c}, nil
}

func pipeWriteBinding(c *callable, member string) (*binding, error) {
	if c == nil {
		return nil, nil
	}
	if err := c.checkArity(member, "Fset", 1, 1, 0); err != nil {
		return nil, err
	}
	if c.params[0] != blobType {
		return nil, defErr(member, "Fset", "%s must take a device.Blob, got %v", c.name, c.params[0])
	}
	return &binding{callable: c}, nil
}

// allowed runs an is-allowed gate. A nil gate always allows.
func (b *binding) allowed(ctx context.Context, dev Device, req RequestType) (bool, error) {
	if b == nil {
		return true, nil
	}
	var args []reflect.Value
	if b.reqArg {
		args = append(args, reflect.ValueOf(req))
	}
	out, err := b.call(ctx, dev, args...)
	if err != nil {
		return false, err
	}
	return out[0].Bool(), nil
}

// camel turns "output_voltage" or "outputVoltage" into "OutputVoltage",
// the form conventional method names use.
func camel(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		if r == '_' || r == '-' || r == ' ' {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
