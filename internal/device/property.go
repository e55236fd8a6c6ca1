package device

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// DeviceProperty declares a per-device configuration value, loaded from
// the configuration database before InitDevice.
type DeviceProperty struct {
	Name string
	// Dtype is a DataType or a sample value; []T gives a list property.
	Dtype     any
	Doc       string
	Default   any
	Mandatory bool
}

// ClassProperty declares a configuration value shared by all devices of
// a class.
type ClassProperty struct {
	Name    string
	Dtype   any
	Doc     string
	Default any
}

type propDesc struct {
	name      string
	info      typeInfo
	doc       string
	def       any
	mandatory bool
	class     bool
}

func buildProperty(name string, dtype any, doc string, def any, mandatory, class bool) (*propDesc, error) {
	if name == "" {
		return nil, defErr("", "Name", "property name is required")
	}
	if dtype == nil {
		dtype = String
	}
	info, err := resolveDtype(dtype)
	if err != nil {
		return nil, defErr(name, "Dtype", "%v", err)
	}
	if info.format == Image {
		return nil, defErr(name, "Dtype", "properties are scalars or lists")
	}
	p := &propDesc{name: name, info: info, doc: doc, mandatory: mandatory, class: class}
	if def != nil {
		if p.def, err = Coerce(def, info.dtype, info.format); err != nil {
			return nil, defErr(name, "Default", "%v", err)
		}
	}
	return p, nil
}

func (p DeviceProperty) build() (*propDesc, error) {
	return buildProperty(p.Name, p.Dtype, p.Doc, p.Default, p.Mandatory, false)
}

func (p ClassProperty) build() (*propDesc, error) {
	return buildProperty(p.Name, p.Dtype, p.Doc, p.Default, false, true)
}

// ParseValues converts database strings to a canonical value.
func ParseValues(values []string, dtype DataType, format DataFormat) (any, error) {
	if format == Scalar {
		if len(values) == 0 {
			return nil, fmt.Errorf("no value")
		}
		return parseScalar(strings.Join(values, "\n"), dtype)
	}
	out := make([]any, 0, len(values))
	for _, s := range values {
		v, err := parseScalar(s, dtype)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return Coerce(out, dtype, Spectrum)
}

func parseScalar(s string, dtype DataType) (any, error) {
	t := strings.TrimSpace(s)
	switch {
	case dtype == String:
		return s, nil
	case dtype == Boolean:
		switch strings.ToLower(t) {
		case "true", "1", "on", "yes":
			return true, nil
		case "false", "0", "off", "no":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", s)
	case dtype == StateType:
		return ParseState(t)
	case dtype.isSigned():
		n, err := strconv.ParseInt(t, 0, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(t, 64)
			if ferr != nil {
				return nil, fmt.Errorf("%q is not an integer", s)
			}
			return Coerce(f, dtype, Scalar)
		}
		return Coerce(n, dtype, Scalar)
	case dtype.isUnsigned():
		n, err := strconv.ParseUint(t, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an unsigned integer", s)
		}
		return Coerce(n, dtype, Scalar)
	case dtype.isFloat():
		f, err := parseFloat(t)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", s)
		}
		return Coerce(f, dtype, Scalar)
	}
	return nil, fmt.Errorf("cannot parse %v", dtype)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// FormatValues converts a value to database strings. Sequences give one
// string per element.
func FormatValues(v any) []string {
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case string:
		return []string{x}
	case []string:
		return append([]string(nil), x...)
	case fmt.Stringer:
		return []string{x.String()}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, formatScalar(rv.Index(i).Interface()))
		}
		return out
	}
	return []string{formatScalar(v)}
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}
