package device

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Attribute declares a device attribute.
//
// Fget, Fset and FIsAllowed take a method name, a func whose first
// parameter accepts the device (optionally followed by a context.Context),
// or nil. With nil the methods Read<Name>, Write<Name> and Is<Name>Allowed
// are used when the device type has them, <Name> being the attribute name
// in CamelCase.
//
// Read bindings look like
//
//	func (d *Dev) ReadVoltage() float64
//	func (d *Dev) ReadVoltage(ctx context.Context) (float64, error)
//	func (d *Dev) ReadVoltage(attr *device.Attr) // calls attr.SetValue
//
// write bindings take the new value (or *Attr) and may return an error;
// is-allowed bindings take an optional RequestType and return bool.
type Attribute struct {
	Name string
	// Dtype is a DataType, a sample Go value (0.0, []int32{}, State(0)) or a
	// reflect.Type. When nil it is inferred from the read or write binding,
	// else DevDouble.
	Dtype   any
	Dformat DataFormat
	MaxDimX int
	MaxDimY int
	Access  AttrWriteType

	Fget       any
	Fset       any
	FIsAllowed any

	Label        string
	EnumLabels   []string
	Doc          string
	Unit         string
	StandardUnit string
	DisplayUnit  string
	Format       string

	MinValue   string
	MaxValue   string
	MinAlarm   string
	MaxAlarm   string
	MinWarning string
	MaxWarning string
	DeltaVal   string
	DeltaT     string

	AbsChange        string
	RelChange        string
	Period           string
	ArchiveAbsChange string
	ArchiveRelChange string
	ArchivePeriod    string

	// PollingPeriod in ms; 0 or -1 means not polled.
	PollingPeriod int
	Memorized     bool
	// HwMemorized also writes the memorized value to the device at init.
	HwMemorized  bool
	DisplayLevel DispLevel

	// GreenMode routes all bindings through the server worker (default
	// true). The per-phase flags default to GreenMode.
	GreenMode          *bool
	ReadGreenMode      *bool
	WriteGreenMode     *bool
	IsAllowedGreenMode *bool

	// Forwarded attributes take their value from ForwardedTo, a root
	// attribute on another device. Only Label may be set besides these.
	Forwarded   bool
	ForwardedTo string

	// Default is the value served before anything was read or written.
	Default any
}

// Bool returns a pointer to b, for the green mode flags.
func Bool(b bool) *bool { return &b }

// attrDesc is an attribute bound to a device type.
type attrDesc struct {
	decl    Attribute
	name    string
	info    typeInfo
	access  AttrWriteType
	read    *binding
	write   *binding
	allowed *binding

	readGreen, writeGreen, allowedGreen bool

	min, max     *float64
	defaultValue any
	dynamic      bool
	// builtin serves State and Status.
	builtin func(ctx context.Context, b *Base) (any, error)
}

// build validates the declaration and binds it to owner.
func (a Attribute) build(owner reflect.Type) (*attrDesc, error) {
	name := a.Name
	if name == "" {
		return nil, defErr("", "Name", "attribute name is required")
	}
	if a.Forwarded {
		return a.buildForwarded()
	}

	d := &attrDesc{decl: a, name: name}
	conv := camel(name)

	readC, err := resolveCallable(owner, name, "Fget", a.Fget, "Read"+conv)
	if err != nil {
		return nil, err
	}
	if d.read, err = readBinding(readC, name); err != nil {
		return nil, err
	}
	writeC, err := resolveCallable(owner, name, "Fset", a.Fset, "Write"+conv)
	if err != nil {
		return nil, err
	}
	if d.write, err = writeBinding(writeC, name); err != nil {
		return nil, err
	}
	allowedC, err := resolveCallable(owner, name, "FIsAllowed", a.FIsAllowed, "Is"+conv+"Allowed")
	if err != nil {
		return nil, err
	}
	if d.allowed, err = allowedBinding(allowedC, name); err != nil {
		return nil, err
	}

	d.access = a.Access
	if d.access == AccessDefault {
		switch {
		case d.read != nil && d.write != nil:
			d.access = ReadWrite
		case d.write != nil:
			d.access = Write
		default:
			d.access = Read
		}
	}
	if d.access.Writable() && d.write == nil {
		return nil, defErr(name, "Fset",
			"%v attribute needs a write method: no Fset and no method %s on %v; the dispatch layer calls the write binding by name, so it must be a method of the device type or a function taking it",
			d.access, "Write"+conv, owner)
	}
	if d.access == Write && a.Fget != nil {
		return nil, defErr(name, "Fget", "WRITE attributes cannot have a read method; use READ_WRITE")
	}
	if !d.access.Writable() && a.Fset != nil {
		return nil, defErr(name, "Fset", "%v attribute cannot have a write method", d.access)
	}
	if d.access == Write {
		d.read = nil
	}
	if !d.access.Writable() {
		d.write = nil
	}

	if err := d.resolveType(); err != nil {
		return nil, err
	}
	if err := d.normalize(); err != nil {
		return nil, err
	}
	return d, nil
}

func (a Attribute) buildForwarded() (*attrDesc, error) {
	rv := reflect.ValueOf(a)
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		switch rt.Field(i).Name {
		case "Name", "Label", "Forwarded", "ForwardedTo":
			continue
		}
		if !rv.Field(i).IsZero() {
			return nil, defErr(a.Name, rt.Field(i).Name, "forwarded attributes only accept a label, %s cannot be set", rt.Field(i).Name)
		}
	}
	d := &attrDesc{decl: a, name: a.Name, access: Read, info: typeInfo{dtype: Double, format: Scalar}}
	d.decl.Format = "%6.2f"
	d.decl.PollingPeriod = -1
	return d, nil
}

// resolveType works out the type from Dtype, else from the bindings.
func (d *attrDesc) resolveType() error {
	a := d.decl
	decl := a.Dtype
	inferred := false
	if decl == nil {
		switch {
		case d.read != nil && d.read.out() != nil && d.read.out().Kind() != reflect.Interface:
			decl, inferred = d.read.out(), true
		case d.write != nil && d.write.in() != nil && d.write.in().Kind() != reflect.Interface:
			decl, inferred = d.write.in(), true
		}
	}
	info, err := resolveDtype(decl)
	if err != nil {
		return defErr(d.name, "Dtype", "%v", err)
	}

	if _, tag := decl.(DataType); tag || decl == nil {
		info.format = a.Dformat
	} else if a.Dformat != Scalar && a.Dformat != info.format {
		if inferred {
			return defErr(d.name, "Dformat", "declared %v but the binding uses %v", a.Dformat, decl)
		}
		return defErr(d.name, "Dformat", "dtype %v already gives format %v, not %v", decl, info.format, a.Dformat)
	}

	switch {
	case info.fromEnum && len(a.EnumLabels) > 0:
		return defErr(d.name, "EnumLabels",
			"enum_labels must not be given when dtype is an enumerated type; the labels come from its EnumLabels method")
	case info.dtype == Enum && !info.fromEnum:
		if len(a.EnumLabels) == 0 {
			return defErr(d.name, "EnumLabels", "DevEnum attributes need enum_labels")
		}
		info.enumLabels = append([]string(nil), a.EnumLabels...)
	case info.dtype != Enum && len(a.EnumLabels) > 0:
		return defErr(d.name, "EnumLabels", "enum_labels only apply to DevEnum attributes, not %v", info.dtype)
	}
	if info.dtype == Enum && info.format != Scalar {
		return defErr(d.name, "Dformat", "DevEnum attributes must be scalar")
	}
	d.info = info

	if d.read != nil && d.read.out() != nil {
		if err := compatible(d.read.out(), info); err != nil {
			return defErr(d.name, "Fget", "%s returns %v: %v", d.read.name, d.read.out(), err)
		}
	}
	if d.write != nil && d.write.in() != nil {
		if err := compatible(d.write.in(), info); err != nil {
			return defErr(d.name, "Fset", "%s takes %v: %v", d.write.name, d.write.in(), err)
		}
	}
	return nil
}

func (d *attrDesc) normalize() error {
	a := &d.decl
	switch d.info.format {
	case Scalar:
		a.MaxDimX, a.MaxDimY = 1, 0
	case Spectrum:
		if a.MaxDimX <= 0 {
			a.MaxDimX = 256
		}
		a.MaxDimY = 0
	case Image:
		if a.MaxDimX <= 0 {
			a.MaxDimX = 256
		}
		if a.MaxDimY <= 0 {
			a.MaxDimY = 256
		}
	}
	if a.PollingPeriod == 0 {
		a.PollingPeriod = -1
	}
	if a.Format == "" {
		a.Format = "%6.2f"
	}
	if a.Label == "" {
		a.Label = d.name
	}
	if a.Doc == "" {
		a.Doc = "No description"
	}

	green := flag(a.GreenMode, true)
	d.readGreen = flag(a.ReadGreenMode, green)
	d.writeGreen = flag(a.WriteGreenMode, green)
	d.allowedGreen = flag(a.IsAllowedGreenMode, green)

	if a.HwMemorized && !a.Memorized {
		return defErr(d.name, "HwMemorized", "hw_memorized requires memorized")
	}
	if a.Memorized && !d.access.Writable() {
		return defErr(d.name, "Memorized", "only writable attributes can be memorized")
	}

	for _, lim := range []struct {
		field, value string
		dst          **float64
	}{
		{"MinValue", a.MinValue, &d.min},
		{"MaxValue", a.MaxValue, &d.max},
		{"MinAlarm", a.MinAlarm, nil},
		{"MaxAlarm", a.MaxAlarm, nil},
		{"MinWarning", a.MinWarning, nil},
		{"MaxWarning", a.MaxWarning, nil},
		{"DeltaVal", a.DeltaVal, nil},
		{"DeltaT", a.DeltaT, nil},
		{"AbsChange", a.AbsChange, nil},
		{"RelChange", a.RelChange, nil},
		{"Period", a.Period, nil},
		{"ArchiveAbsChange", a.ArchiveAbsChange, nil},
		{"ArchiveRelChange", a.ArchiveRelChange, nil},
		{"ArchivePeriod", a.ArchivePeriod, nil},
	} {
		if lim.value == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(lim.value), 64)
		if err != nil {
			return defErr(d.name, lim.field, "%q is not a number", lim.value)
		}
		if lim.dst != nil {
			*lim.dst = &f
		}
	}
	if d.min != nil && d.max != nil && *d.min > *d.max {
		return defErr(d.name, "MinValue", "min_value %v is above max_value %v", *d.min, *d.max)
	}

	if a.Default != nil {
		v, err := Coerce(a.Default, d.info.dtype, d.info.format)
		if err != nil {
			return defErr(d.name, "Default", "%v", err)
		}
		d.defaultValue = v
	}
	return nil
}

func flag(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// compatible reports whether values of Go type t can carry info's type.
func compatible(t reflect.Type, info typeInfo) error {
	got, err := typeOf(t)
	if err != nil {
		return err
	}
	if got.format != info.format {
		return fmt.Errorf("format %v does not match %v", got.format, info.format)
	}
	want := info.dtype
	switch {
	case got.dtype == want:
		return nil
	case want.isNumeric() && got.dtype.isNumeric():
		return nil
	case want == Enum && (got.dtype.isSigned() || got.dtype.isUnsigned()):
		return nil
	}
	return fmt.Errorf("%v cannot carry %v", got.dtype, want)
}

// limits checks a coerced write value against the declared bounds.
func (d *attrDesc) limits(v any) error {
	x, y := dims(v, d.info.format)
	switch d.info.format {
	case Spectrum:
		if x > d.decl.MaxDimX {
			return Failedf(ReasonWAttrOutsideLimit, "WriteAttribute", "%d elements written to %s, max_dim_x is %d", x, d.name, d.decl.MaxDimX)
		}
	case Image:
		if x > d.decl.MaxDimX || y > d.decl.MaxDimY {
			return Failedf(ReasonWAttrOutsideLimit, "WriteAttribute", "%dx%d image written to %s, limits are %dx%d", x, y, d.name, d.decl.MaxDimX, d.decl.MaxDimY)
		}
	}

	if d.info.dtype == Enum {
		if n, ok := v.(int64); ok && (n < 0 || n >= int64(len(d.info.enumLabels))) {
			return Failedf(ReasonWAttrOutsideLimit, "WriteAttribute", "%d is not a valid value of %s (%d labels)", n, d.name, len(d.info.enumLabels))
		}
	}
	if d.min == nil && d.max == nil || !d.info.dtype.isNumeric() {
		return nil
	}
	var bad error
	eachNumber(v, func(f float64) bool {
		if d.min != nil && f < *d.min {
			bad = Failedf(ReasonWAttrOutsideLimit, "WriteAttribute", "%v is below min_value %v of %s", f, *d.min, d.name)
			return false
		}
		if d.max != nil && f > *d.max {
			bad = Failedf(ReasonWAttrOutsideLimit, "WriteAttribute", "%v is above max_value %v of %s", f, *d.max, d.name)
			return false
		}
		return true
	})
	return bad
}

// eachNumber walks the numbers of a canonical value until fn returns false.
func eachNumber(v any, fn func(float64) bool) bool {
	switch n := v.(type) {
	case int64:
		return fn(float64(n))
	case uint64:
		return fn(float64(n))
	case float64:
		return fn(n)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return true
	}
	for i := 0; i < rv.Len(); i++ {
		if !eachNumber(rv.Index(i).Interface(), fn) {
			return false
		}
	}
	return true
}

// AttributeInfo describes an attribute to clients.
type AttributeInfo struct {
	Name          string        `json:"name"`
	DataType      DataType      `json:"data_type"`
	DataFormat    DataFormat    `json:"data_format"`
	Access        AttrWriteType `json:"writable"`
	MaxDimX       int           `json:"max_dim_x"`
	MaxDimY       int           `json:"max_dim_y"`
	Label         string        `json:"label"`
	Description   string        `json:"description"`
	Unit          string        `json:"unit,omitempty"`
	StandardUnit  string        `json:"standard_unit,omitempty"`
	DisplayUnit   string        `json:"display_unit,omitempty"`
	Format        string        `json:"format"`
	MinValue      string        `json:"min_value,omitempty"`
	MaxValue      string        `json:"max_value,omitempty"`
	MinAlarm      string        `json:"min_alarm,omitempty"`
	MaxAlarm      string        `json:"max_alarm,omitempty"`
	MinWarning    string        `json:"min_warning,omitempty"`
	MaxWarning    string        `json:"max_warning,omitempty"`
	EnumLabels    []string      `json:"enum_labels,omitempty"`
	DisplayLevel  DispLevel     `json:"disp_level"`
	PollingPeriod int           `json:"polling_period"`
	Memorized     bool          `json:"memorized"`
	HwMemorized   bool          `json:"hw_memorized"`
	Forwarded     bool          `json:"forwarded,omitempty"`
	Dynamic       bool          `json:"dynamic,omitempty"`
}

func (d *attrDesc) describe() AttributeInfo {
	a := d.decl
	return AttributeInfo{
		Name:          d.name,
		DataType:      d.info.dtype,
		DataFormat:    d.info.format,
		Access:        d.access,
		MaxDimX:       a.MaxDimX,
		MaxDimY:       a.MaxDimY,
		Label:         a.Label,
		Description:   a.Doc,
		Unit:          a.Unit,
		StandardUnit:  a.StandardUnit,
		DisplayUnit:   a.DisplayUnit,
		Format:        a.Format,
		MinValue:      a.MinValue,
		MaxValue:      a.MaxValue,
		MinAlarm:      a.MinAlarm,
		MaxAlarm:      a.MaxAlarm,
		MinWarning:    a.MinWarning,
		MaxWarning:    a.MaxWarning,
		EnumLabels:    append([]string(nil), d.info.enumLabels...),
		DisplayLevel:  a.DisplayLevel,
		PollingPeriod: a.PollingPeriod,
		Memorized:     a.Memorized,
		HwMemorized:   a.HwMemorized,
		Forwarded:     a.Forwarded,
		Dynamic:       d.dynamic,
	}
}
