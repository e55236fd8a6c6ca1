package device

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Canonical Go representation of values, shared by the wire, the
// configuration database and read results:
//
//	Boolean                       bool
//	Short, Long, Long64, Enum     int64
//	UChar, UShort, ULong, ULong64 uint64
//	Float, Double                 float64
//	String                        string
//	StateType                     State
//
// Spectrum values are []T and image values [][]T of the above.
func canonicalType(dtype DataType) reflect.Type {
	switch {
	case dtype == Boolean:
		return reflect.TypeOf(false)
	case dtype.isSigned():
		return reflect.TypeOf(int64(0))
	case dtype.isUnsigned():
		return reflect.TypeOf(uint64(0))
	case dtype.isFloat():
		return reflect.TypeOf(float64(0))
	case dtype == String:
		return reflect.TypeOf("")
	case dtype == StateType:
		return stateGoType
	}
	return reflect.TypeOf((*any)(nil)).Elem()
}

// Coerce converts v to the canonical representation of dtype/format.
// It accepts any Go numeric kind, decoded JSON (float64, json.Number,
// []any) and state names. nil becomes an empty spectrum or image.
func Coerce(v any, dtype DataType, format DataFormat) (any, error) {
	switch format {
	case Scalar:
		return coerceScalar(v, dtype)
	case Spectrum:
		out, err := coerceSlice(v, dtype)
		if err != nil {
			return nil, err
		}
		return out.Interface(), nil
	case Image:
		return coerceImage(v, dtype)
	}
	return nil, fmt.Errorf("unknown data format %v", format)
}

func coerceSlice(v any, dtype DataType) (reflect.Value, error) {
	sliceType := reflect.SliceOf(canonicalType(dtype))
	if v == nil {
		return reflect.MakeSlice(sliceType, 0, 0), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return reflect.Value{}, fmt.Errorf("expected a sequence of %v, got %T", dtype, v)
	}
	out := reflect.MakeSlice(sliceType, rv.Len(), rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem, err := coerceScalar(rv.Index(i).Interface(), dtype)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
		}
		out.Index(i).Set(reflect.ValueOf(elem))
	}
	return out, nil
}

func coerceImage(v any, dtype DataType) (any, error) {
	rowType := reflect.SliceOf(canonicalType(dtype))
	imageType := reflect.SliceOf(rowType)
	if v == nil {
		return reflect.MakeSlice(imageType, 0, 0).Interface(), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a 2-D sequence of %v, got %T", dtype, v)
	}
	out := reflect.MakeSlice(imageType, rv.Len(), rv.Len())
	width := -1
	for i := 0; i < rv.Len(); i++ {
		row, err := coerceSlice(rv.Index(i).Interface(), dtype)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if width >= 0 && row.Len() != width {
			return nil, fmt.Errorf("row %d has %d elements, want %d", i, row.Len(), width)
		}
		width = row.Len()
		out.Index(i).Set(row)
	}
	return out.Interface(), nil
}

func coerceScalar(v any, dtype DataType) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("missing %v value", dtype)
	}
	switch {
	case dtype == Boolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Bool {
			return rv.Bool(), nil
		}
	case dtype == String:
		if s, ok := v.(string); ok {
			return s, nil
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.String {
			return rv.String(), nil
		}
	case dtype == StateType:
		return coerceState(v)
	case dtype.isSigned():
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if err := checkSignedRange(n, dtype); err != nil {
			return nil, err
		}
		return n, nil
	case dtype.isUnsigned():
		n, err := toUint64(v)
		if err != nil {
			return nil, err
		}
		if err := checkUnsignedRange(n, dtype); err != nil {
			return nil, err
		}
		return n, nil
	case dtype.isFloat():
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		if dtype == Float {
			f = float64(float32(f))
		}
		return f, nil
	}
	return nil, fmt.Errorf("cannot use %T as %v", v, dtype)
}

func coerceState(v any) (State, error) {
	switch s := v.(type) {
	case State:
		return s, nil
	case string:
		return ParseState(s)
	}
	n, err := toInt64(v)
	if err != nil {
		return Unknown, fmt.Errorf("cannot use %T as %v", v, StateType)
	}
	if n < 0 || n >= int64(len(stateNames)) {
		return Unknown, fmt.Errorf("state %d out of range", n)
	}
	return State(n), nil
}

func toInt64(v any) (int64, error) {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", n)
		}
		return floatToInt(f)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return floatToInt(rv.Float())
	case reflect.Bool:
		if rv.Bool() {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot use %T as an integer", v)
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v overflows int64", f)
	}
	return int64(f), nil
}

func toUint64(v any) (uint64, error) {
	if n, ok := v.(json.Number); ok {
		if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return u, nil
		}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, fmt.Errorf("%d is negative", i)
	}
	return uint64(i), nil
}

func toFloat64(v any) (float64, error) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", n)
		}
		return f, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	}
	return 0, fmt.Errorf("cannot use %T as a floating point number", v)
}

func checkSignedRange(n int64, dtype DataType) error {
	var lo, hi int64
	switch dtype {
	case Short:
		lo, hi = math.MinInt16, math.MaxInt16
	case Long:
		lo, hi = math.MinInt32, math.MaxInt32
	default:
		return nil
	}
	if n < lo || n > hi {
		return fmt.Errorf("%d out of range for %v", n, dtype)
	}
	return nil
}

func checkUnsignedRange(n uint64, dtype DataType) error {
	var hi uint64
	switch dtype {
	case UChar:
		hi = math.MaxUint8
	case UShort:
		hi = math.MaxUint16
	case ULong:
		hi = math.MaxUint32
	default:
		return nil
	}
	if n > hi {
		return fmt.Errorf("%d out of range for %v", n, dtype)
	}
	return nil
}

// convertTo converts a canonical value into a value of Go type t, for
// passing to a user method.
func convertTo(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	switch t.Kind() {
	case reflect.Slice:
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return reflect.Value{}, fmt.Errorf("cannot convert %T to %v", v, t)
		}
		out := reflect.MakeSlice(t, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, err := convertTo(rv.Index(i).Interface(), t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(elem)
		}
		return out, nil
	case reflect.Interface:
		if rv.Type().Implements(t) {
			return rv, nil
		}
	default:
		if rv.Type().ConvertibleTo(t) && rv.Kind() != reflect.Slice {
			if rv.Kind() == reflect.String && t.Kind() != reflect.String {
				break
			}
			if t.Kind() == reflect.String && rv.Kind() != reflect.String {
				break
			}
			return rv.Convert(t), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %T to %v", v, t)
}

// dims returns the x and y dimension of a canonical value.
func dims(v any, format DataFormat) (x, y int) {
	switch format {
	case Scalar:
		if v == nil {
			return 0, 0
		}
		return 1, 0
	case Spectrum:
		if v == nil {
			return 0, 0
		}
		return reflect.ValueOf(v).Len(), 0
	case Image:
		if v == nil {
			return 0, 0
		}
		rv := reflect.ValueOf(v)
		y = rv.Len()
		if y > 0 {
			x = rv.Index(0).Len()
		}
		return x, y
	}
	return 0, 0
}
