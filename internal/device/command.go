package device

import (
	"context"
	"fmt"
	"reflect"

	"github.com/nerrad567/devicekit/internal/worker"
)

// Command declares a device command.
//
// Fn is a method name, a func taking the device first, or nil for the
// method named after the command in CamelCase. Its signature is
//
//	func (d *Dev) Name([ctx context.Context,] [in T]) ([out U,] [error])
//
// and gives the argument types unless DtypeIn/DtypeOut are set.
type Command struct {
	Name      string
	Fn        any
	DtypeIn   any
	DformatIn DataFormat
	DocIn     string
	DtypeOut  any
	// DformatOut applies when DtypeOut is a DataType.
	DformatOut    DataFormat
	DocOut        string
	DisplayLevel  DispLevel
	PollingPeriod int
	// GreenMode set to worker.Synchronous calls Fn on the caller's
	// goroutine; anything else routes it through the server worker.
	GreenMode  *worker.Mode
	FIsAllowed any
	Doc        string
}

// cmdDesc is a command bound to a device type.
type cmdDesc struct {
	decl    Command
	name    string
	fn      *binding
	allowed *binding
	in      typeInfo
	out     typeInfo
	hasIn   bool
	hasOut  bool
	green   bool
	dynamic bool
	// builtin is set instead of fn for Init, State and Status.
	builtin func(ctx context.Context, b *Base) (any, error)
}

func (c Command) build(owner reflect.Type) (*cmdDesc, error) {
	name := c.Name
	if name == "" {
		return nil, defErr("", "Name", "command name is required")
	}
	conv := camel(name)

	fnC, err := resolveCallable(owner, name, "Fn", c.Fn, conv)
	if err != nil {
		return nil, err
	}
	if fnC == nil {
		return nil, defErr(name, "Fn", "no Fn and no method %s on %v", conv, owner)
	}
	d := &cmdDesc{decl: c, name: name}
	if d.fn, err = commandBinding(fnC, name); err != nil {
		return nil, err
	}
	allowedC, err := resolveCallable(owner, name, "FIsAllowed", c.FIsAllowed, "Is"+conv+"Allowed")
	if err != nil {
		return nil, err
	}
	if d.allowed, err = allowedBinding(allowedC, name); err != nil {
		return nil, err
	}
	if d.allowed != nil && d.allowed.reqArg {
		return nil, defErr(name, "FIsAllowed", "command gates take no request type")
	}

	if d.in, d.hasIn, err = argType(name, "DtypeIn", c.DtypeIn, c.DformatIn, d.fn.in()); err != nil {
		return nil, err
	}
	if d.out, d.hasOut, err = argType(name, "DtypeOut", c.DtypeOut, c.DformatOut, d.fn.out()); err != nil {
		return nil, err
	}

	d.green = c.GreenMode == nil || *c.GreenMode != worker.Synchronous
	if d.decl.PollingPeriod == 0 {
		d.decl.PollingPeriod = -1
	}
	if d.decl.Doc == "" {
		d.decl.Doc = fmt.Sprintf("'%s' TANGO command", name)
	}
	if d.decl.DocIn == "" {
		d.decl.DocIn = argDoc(d.in, d.hasIn)
	}
	if d.decl.DocOut == "" {
		d.decl.DocOut = argDoc(d.out, d.hasOut)
	}
	return d, nil
}

// argType resolves one side of a command. The Go parameter or result, if
// any, must agree with a declared type.
func argType(member, field string, decl any, format DataFormat, goType reflect.Type) (typeInfo, bool, error) {
	if decl == nil && goType == nil {
		return typeInfo{dtype: Void}, false, nil
	}
	if dt, ok := decl.(DataType); ok && dt == Void {
		if goType != nil {
			return typeInfo{}, false, defErr(member, field, "declared DevVoid but the function uses %v", goType)
		}
		return typeInfo{dtype: Void}, false, nil
	}
	if decl == nil {
		if goType.Kind() == reflect.Interface {
			return typeInfo{}, false, defErr(member, field, "cannot infer a type from %v; declare %s", goType, field)
		}
		decl = goType
	}

	info, err := resolveDtype(decl)
	if err != nil {
		return typeInfo{}, false, defErr(member, field, "%v", err)
	}
	if _, tag := decl.(DataType); tag {
		info.format = format
	}
	if info.format == Image {
		return typeInfo{}, false, defErr(member, field, "commands take scalars or 1-D sequences, not images")
	}
	if info.dtype == Enum && !info.fromEnum {
		return typeInfo{}, false, defErr(member, field, "DevEnum is not a command argument type")
	}
	if goType == nil {
		return typeInfo{}, false, defErr(member, field, "%s is declared as %v but the function has no matching parameter or result", field, info.dtype)
	}
	if goType.Kind() != reflect.Interface {
		if err := compatible(goType, info); err != nil {
			return typeInfo{}, false, defErr(member, field, "%v: %v", goType, err)
		}
	}
	return info, true, nil
}

func argDoc(info typeInfo, present bool) string {
	if !present {
		return "Uninitialised"
	}
	if info.format == Spectrum {
		return fmt.Sprintf("%vArray", info.dtype)
	}
	return info.dtype.String()
}

// CommandInfo describes a command to clients.
type CommandInfo struct {
	Name         string     `json:"name"`
	InType       DataType   `json:"in_type"`
	InFormat     DataFormat `json:"in_format"`
	InTypeDesc   string     `json:"in_type_desc"`
	OutType      DataType   `json:"out_type"`
	OutFormat    DataFormat `json:"out_format"`
	OutTypeDesc  string     `json:"out_type_desc"`
	DisplayLevel DispLevel  `json:"disp_level"`
	Doc          string     `json:"doc"`
	Dynamic      bool       `json:"dynamic,omitempty"`
}

func (d *cmdDesc) describe() CommandInfo {
	return CommandInfo{
		Name:         d.name,
		InType:       d.in.dtype,
		InFormat:     d.in.format,
		InTypeDesc:   d.decl.DocIn,
		OutType:      d.out.dtype,
		OutFormat:    d.out.format,
		OutTypeDesc:  d.decl.DocOut,
		DisplayLevel: d.decl.DisplayLevel,
		Doc:          d.decl.Doc,
		Dynamic:      d.dynamic,
	}
}
