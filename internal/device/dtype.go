package device

import (
	"context"
	"fmt"
	"reflect"
)

// typeInfo is a resolved element type and shape.
type typeInfo struct {
	dtype      DataType
	format     DataFormat
	enumLabels []string
	// fromEnum is set when the labels came from an EnumType.
	fromEnum bool
}

var (
	stateGoType = reflect.TypeOf(State(0))
	enumIface   = reflect.TypeOf((*EnumType)(nil)).Elem()
	deviceIface = reflect.TypeOf((*Device)(nil)).Elem()
	basePtrType = reflect.TypeOf((*Base)(nil))
	attrPtrType = reflect.TypeOf((*Attr)(nil))
	blobType    = reflect.TypeOf(Blob{})
	requestType = reflect.TypeOf(RequestType(0))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// resolveDtype turns a declared dtype into a typeInfo.
//
// decl may be nil (Double), a DataType tag, a reflect.Type, or any Go value
// whose type describes the element: 0.0, []int32{}, [][]string{}, State(0)
// or a value of an EnumType.
func resolveDtype(decl any) (typeInfo, error) {
	switch d := decl.(type) {
	case nil:
		return typeInfo{dtype: Double, format: Scalar}, nil
	case DataType:
		if d == Void {
			return typeInfo{}, fmt.Errorf("DevVoid is not a value type")
		}
		if d < Void || d > StateType {
			return typeInfo{}, fmt.Errorf("unknown data type %v", d)
		}
		return typeInfo{dtype: d, format: Scalar}, nil
	case reflect.Type:
		return typeOf(d)
	default:
		return typeOf(reflect.TypeOf(decl))
	}
}

// typeOf maps a Go type to a type tag. Slice depth gives the format:
// 0 scalar, 1 spectrum, 2 image, anything deeper is rejected.
func typeOf(t reflect.Type) (typeInfo, error) {
	depth := 0
	elem := t
	for elem.Kind() == reflect.Slice || elem.Kind() == reflect.Array {
		depth++
		elem = elem.Elem()
	}
	if depth > 2 {
		return typeInfo{}, fmt.Errorf("%v is nested %d levels deep; at most 2 (image) are supported", t, depth)
	}

	info := typeInfo{format: DataFormat(depth)}
	dtype, err := elementType(elem)
	if err != nil {
		return typeInfo{}, err
	}
	info.dtype = dtype
	if dtype == Enum {
		labels := reflect.Zero(elem).Interface().(EnumType).EnumLabels()
		info.enumLabels = append([]string(nil), labels...)
		info.fromEnum = true
	}
	return info, nil
}

func elementType(t reflect.Type) (DataType, error) {
	if t == stateGoType {
		return StateType, nil
	}
	if t.Implements(enumIface) {
		switch t.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return Enum, nil
		}
		return Void, fmt.Errorf("enumerated type %v must have an integer kind", t)
	}
	switch t.Kind() {
	case reflect.Bool:
		return Boolean, nil
	case reflect.Int8, reflect.Int16:
		return Short, nil
	case reflect.Int32:
		return Long, nil
	case reflect.Int, reflect.Int64:
		return Long64, nil
	case reflect.Uint8:
		return UChar, nil
	case reflect.Uint16:
		return UShort, nil
	case reflect.Uint32:
		return ULong, nil
	case reflect.Uint, reflect.Uint64:
		return ULong64, nil
	case reflect.Float32:
		return Float, nil
	case reflect.Float64:
		return Double, nil
	case reflect.String:
		return String, nil
	}
	return Void, fmt.Errorf("unsupported type %v", t)
}
