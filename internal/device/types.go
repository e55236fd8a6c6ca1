package device

import (
	"fmt"
	"strings"
)

// DataType is the element type tag of an attribute, command argument or
// property.
type DataType int

const (
	Void DataType = iota
	Boolean
	Short
	Long
	Long64
	UChar
	UShort
	ULong
	ULong64
	Float
	Double
	String
	Enum
	StateType
)

var dataTypeNames = [...]string{
	Void:      "DevVoid",
	Boolean:   "DevBoolean",
	Short:     "DevShort",
	Long:      "DevLong",
	Long64:    "DevLong64",
	UChar:     "DevUChar",
	UShort:    "DevUShort",
	ULong:     "DevULong",
	ULong64:   "DevULong64",
	Float:     "DevFloat",
	Double:    "DevDouble",
	String:    "DevString",
	Enum:      "DevEnum",
	StateType: "DevState",
}

func (t DataType) String() string {
	if t >= 0 && int(t) < len(dataTypeNames) {
		return dataTypeNames[t]
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// ParseDataType accepts "DevDouble" or "double".
func ParseDataType(s string) (DataType, error) {
	for i, name := range dataTypeNames {
		if strings.EqualFold(s, name) || strings.EqualFold("Dev"+s, name) {
			return DataType(i), nil
		}
	}
	return Void, fmt.Errorf("unknown data type %q", s)
}

// MarshalText encodes the type by name.
func (t DataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type name.
func (t *DataType) UnmarshalText(b []byte) error {
	v, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t DataType) isSigned() bool {
	return t == Short || t == Long || t == Long64 || t == Enum
}

func (t DataType) isUnsigned() bool {
	return t == UChar || t == UShort || t == ULong || t == ULong64
}

func (t DataType) isFloat() bool {
	return t == Float || t == Double
}

func (t DataType) isNumeric() bool {
	return t.isSigned() || t.isUnsigned() || t.isFloat()
}

// DataFormat is the shape of a value.
type DataFormat int

const (
	Scalar DataFormat = iota
	Spectrum
	Image
)

func (f DataFormat) String() string {
	switch f {
	case Scalar:
		return "SCALAR"
	case Spectrum:
		return "SPECTRUM"
	case Image:
		return "IMAGE"
	}
	return fmt.Sprintf("DataFormat(%d)", int(f))
}

// ParseDataFormat accepts "SCALAR", "spectrum", ...
func ParseDataFormat(s string) (DataFormat, error) {
	for _, f := range []DataFormat{Scalar, Spectrum, Image} {
		if strings.EqualFold(s, f.String()) {
			return f, nil
		}
	}
	return Scalar, fmt.Errorf("unknown data format %q", s)
}

// MarshalText encodes the format by name.
func (f DataFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText decodes a format name.
func (f *DataFormat) UnmarshalText(b []byte) error {
	v, err := ParseDataFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// AttrWriteType is the access mode of an attribute. The zero value means
// "infer from the bindings".
type AttrWriteType int

const (
	AccessDefault AttrWriteType = iota
	Read
	ReadWithWrite
	Write
	ReadWrite
)

func (a AttrWriteType) String() string {
	switch a {
	case AccessDefault:
		return "DEFAULT"
	case Read:
		return "READ"
	case ReadWithWrite:
		return "READ_WITH_WRITE"
	case Write:
		return "WRITE"
	case ReadWrite:
		return "READ_WRITE"
	}
	return fmt.Sprintf("AttrWriteType(%d)", int(a))
}

// MarshalText encodes the access mode by name.
func (a AttrWriteType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes an access mode name.
func (a *AttrWriteType) UnmarshalText(b []byte) error {
	for _, v := range []AttrWriteType{AccessDefault, Read, ReadWithWrite, Write, ReadWrite} {
		if strings.EqualFold(string(b), v.String()) {
			*a = v
			return nil
		}
	}
	return fmt.Errorf("unknown access %q", b)
}

// Readable reports whether reads return a value computed by the device.
func (a AttrWriteType) Readable() bool {
	return a == Read || a == ReadWithWrite || a == ReadWrite
}

// Writable reports whether the attribute accepts writes.
func (a AttrWriteType) Writable() bool {
	return a == Write || a == ReadWrite || a == ReadWithWrite
}

// PipeWriteType is the access mode of a pipe.
type PipeWriteType int

const (
	PipeRead PipeWriteType = iota
	PipeReadWrite
)

func (p PipeWriteType) String() string {
	if p == PipeReadWrite {
		return "PIPE_READ_WRITE"
	}
	return "PIPE_READ"
}

// DispLevel tells clients which users a member is meant for.
type DispLevel int

const (
	Operator DispLevel = iota
	Expert
)

func (d DispLevel) String() string {
	if d == Expert {
		return "EXPERT"
	}
	return "OPERATOR"
}

// State is the device state machine value.
type State int

const (
	On State = iota
	Off
	Close
	Open
	Insert
	Extract
	Moving
	Standby
	Fault
	Init
	Running
	Alarm
	Disable
	Unknown
)

var stateNames = [...]string{
	On: "ON", Off: "OFF", Close: "CLOSE", Open: "OPEN", Insert: "INSERT",
	Extract: "EXTRACT", Moving: "MOVING", Standby: "STANDBY", Fault: "FAULT",
	Init: "INIT", Running: "RUNNING", Alarm: "ALARM", Disable: "DISABLE",
	Unknown: "UNKNOWN",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState parses a state name, case-insensitively.
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if strings.EqualFold(s, name) {
			return State(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown state %q", s)
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Quality qualifies an attribute value.
type Quality int

const (
	Valid Quality = iota
	Invalid
	QualityAlarm
	Changing
	Warning
)

var qualityNames = [...]string{
	Valid: "VALID", Invalid: "INVALID", QualityAlarm: "ALARM", Changing: "CHANGING", Warning: "WARNING",
}

func (q Quality) String() string {
	if q >= 0 && int(q) < len(qualityNames) {
		return qualityNames[q]
	}
	return fmt.Sprintf("Quality(%d)", int(q))
}

// MarshalText encodes the quality by name.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText decodes a quality name.
func (q *Quality) UnmarshalText(b []byte) error {
	for i, name := range qualityNames {
		if strings.EqualFold(string(b), name) {
			*q = Quality(i)
			return nil
		}
	}
	return fmt.Errorf("unknown quality %q", b)
}

// RequestType is passed to is-allowed bindings of attributes.
type RequestType int

const (
	ReadRequest RequestType = iota
	WriteRequest
)

func (r RequestType) String() string {
	if r == WriteRequest {
		return "write"
	}
	return "read"
}

// EventType identifies an event stream of an attribute.
type EventType int

const (
	ChangeEvent EventType = iota
	ArchiveEvent
	UserEvent
	DataReadyEvent
)

var eventTypeNames = [...]string{
	ChangeEvent: "change", ArchiveEvent: "archive", UserEvent: "user", DataReadyEvent: "data_ready",
}

func (e EventType) String() string {
	if e >= 0 && int(e) < len(eventTypeNames) {
		return eventTypeNames[e]
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

// ParseEventType parses "change", "ARCHIVE_EVENT", ...
func ParseEventType(s string) (EventType, error) {
	s = strings.TrimSuffix(strings.ToLower(s), "_event")
	for i, name := range eventTypeNames {
		if s == name {
			return EventType(i), nil
		}
	}
	return ChangeEvent, fmt.Errorf("unknown event type %q", s)
}

// MarshalText encodes the event type by name.
func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText decodes an event type name.
func (e *EventType) UnmarshalText(b []byte) error {
	v, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// EnumType is implemented by Go types used as enumerated attribute types.
// The labels are indexed by the integer value.
type EnumType interface {
	EnumLabels() []string
}
