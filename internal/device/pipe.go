package device

import (
	"reflect"
)

// Pipe declares a structured-blob channel. Bindings resolve like
// attribute bindings, with conventions Read<Name>, Write<Name> and
// Is<Name>Allowed.
//
//	func (d *Dev) ReadConfig() (device.Blob, error)
//	func (d *Dev) WriteConfig(b device.Blob) error
type Pipe struct {
	Name         string
	Access       PipeWriteType
	Fget         any
	Fset         any
	FIsAllowed   any
	Label        string
	Doc          string
	DisplayLevel DispLevel
	// GreenMode routes the bindings through the server worker (default true).
	GreenMode *bool
}

// Blob is the value of a pipe: a name and ordered named fields.
type Blob struct {
	Name     string        `json:"name"`
	Elements []BlobElement `json:"elements"`
}

// BlobElement is one field of a Blob. Values are canonical scalars or
// sequences, or a nested Blob.
type BlobElement struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Get returns the value of the named element.
func (b Blob) Get(name string) (any, bool) {
	for _, e := range b.Elements {
		if e.Name == name {
			return e.Value, true
		}
	}
	return nil, false
}

// Map returns the elements keyed by name.
func (b Blob) Map() map[string]any {
	m := make(map[string]any, len(b.Elements))
	for _, e := range b.Elements {
		m[e.Name] = e.Value
	}
	return m
}

type pipeDesc struct {
	decl    Pipe
	name    string
	read    *binding
	write   *binding
	allowed *binding
	green   bool
	dynamic bool
}

func (p Pipe) build(owner reflect.Type) (*pipeDesc, error) {
	name := p.Name
	if name == "" {
		return nil, defErr("", "Name", "pipe name is required")
	}
	conv := camel(name)
	d := &pipeDesc{decl: p, name: name, green: flag(p.GreenMode, true)}

	readC, err := resolveCallable(owner, name, "Fget", p.Fget, "Read"+conv)
	if err != nil {
		return nil, err
	}
	if readC == nil {
		return nil, defErr(name, "Fget", "no Fget and no method %s on %v", "Read"+conv, owner)
	}
	if d.read, err = pipeReadBinding(readC, name); err != nil {
		return nil, err
	}

	if p.Access == PipeReadWrite {
		writeC, err := resolveCallable(owner, name, "Fset", p.Fset, "Write"+conv)
		if err != nil {
			return nil, err
		}
		if writeC == nil {
			return nil, defErr(name, "Fset",
				"PIPE_READ_WRITE pipe needs a write method: no Fset and no method %s on %v", "Write"+conv, owner)
		}
		if d.write, err = pipeWriteBinding(writeC, name); err != nil {
			return nil, err
		}
	} else if p.Fset != nil {
		return nil, defErr(name, "Fset", "PIPE_READ pipes cannot have a write method")
	}

	allowedC, err := resolveCallable(owner, name, "FIsAllowed", p.FIsAllowed, "Is"+conv+"Allowed")
	if err != nil {
		return nil, err
	}
	if d.allowed, err = allowedBinding(allowedC, name); err != nil {
		return nil, err
	}

	if d.decl.Label == "" {
		d.decl.Label = name
	}
	if d.decl.Doc == "" {
		d.decl.Doc = "No description"
	}
	return d, nil
}

// PipeInfo describes a pipe to clients.
type PipeInfo struct {
	Name         string        `json:"name"`
	Access       PipeWriteType `json:"writable"`
	Label        string        `json:"label"`
	Description  string        `json:"description"`
	DisplayLevel DispLevel     `json:"disp_level"`
	Dynamic      bool          `json:"dynamic,omitempty"`
}

func (d *pipeDesc) describe() PipeInfo {
	return PipeInfo{
		Name:         d.name,
		Access:       d.decl.Access,
		Label:        d.decl.Label,
		Description:  d.decl.Doc,
		DisplayLevel: d.decl.DisplayLevel,
		Dynamic:      d.dynamic,
	}
}
