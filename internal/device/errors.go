package device

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDefinition) {
//	    // the class could not be built
//	}
var (
	// ErrDefinition is matched by every *DefinitionError.
	ErrDefinition = errors.New("device: invalid definition")

	// ErrClassExists is returned when registering a second class under a name.
	ErrClassExists = errors.New("device: class already registered")

	// ErrClassNotFound is returned by Lookup for an unknown class name.
	ErrClassNotFound = errors.New("device: class not found")

	// ErrDeleted is returned by dispatch on a device after Delete.
	ErrDeleted = errors.New("device: deleted")
)

// Failure reasons carried by DevFailed.
const (
	ReasonAttrNotAllowed        = "API_AttrNotAllowed"
	ReasonCommandNotAllowed     = "API_CommandNotAllowed"
	ReasonPipeNotAllowed        = "API_PipeNotAllowed"
	ReasonAttrNotFound          = "API_AttrNotFound"
	ReasonCommandNotFound       = "API_CommandNotFound"
	ReasonPipeNotFound          = "API_PipeNotFound"
	ReasonAttrNotWritable       = "API_AttrNotWritable"
	ReasonAttrNotReadable       = "API_AttrNotReadable"
	ReasonPipeNotWritable       = "API_PipeNotWritable"
	ReasonWAttrOutsideLimit     = "API_WAttrOutsideLimit"
	ReasonIncompatibleArg       = "API_IncompatibleArgumentType"
	ReasonDeviceMethodFailed    = "API_DeviceMethodFailed"
	ReasonAttrValueNotSet       = "API_AttrValueNotSet"
	ReasonMandatoryProperty     = "API_MandatoryPropertyMissing"
	ReasonAttrNotForwarded      = "API_AttrNotForwarded"
	ReasonDeviceDeleted         = "API_DeviceDeleted"
	ReasonEventNotSubscribed    = "API_EventNotSubscribed"
	ReasonEventPropertiesNotSet = "API_EventPropertiesNotSet"
	ReasonDuplicateAttribute    = "API_AttrAlreadyExists"
	ReasonDuplicateCommand      = "API_CommandAlreadyExists"
	ReasonDuplicatePipe         = "API_PipeAlreadyExists"
	ReasonStaticMember          = "API_StaticMemberRemoval"
)

// Severity of a DevError.
type Severity int

const (
	SeverityWarn Severity = iota
	SeverityErr
	SeverityPanic
)

// DevError is one entry of a DevFailed stack.
type DevError struct {
	Reason   string   `json:"reason"`
	Desc     string   `json:"desc"`
	Origin   string   `json:"origin"`
	Severity Severity `json:"severity"`
}

// DevFailed is the structured failure returned to a remote caller. The
// first entry is the outermost error.
type DevFailed struct {
	Errors []DevError `json:"errors"`
	cause  error
}

func (e *DevFailed) Error() string {
	if len(e.Errors) == 0 {
		return "DevFailed"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, de := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", de.Reason, de.Desc))
	}
	return "DevFailed: " + strings.Join(parts, "; ")
}

// Unwrap gives in-process callers the error returned by the device method.
func (e *DevFailed) Unwrap() error {
	return e.cause
}

// Reason returns the reason of the outermost entry.
func (e *DevFailed) Reason() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Reason
}

// Failed builds a single-entry DevFailed.
func Failed(reason, desc, origin string) *DevFailed {
	return &DevFailed{Errors: []DevError{{Reason: reason, Desc: desc, Origin: origin, Severity: SeverityErr}}}
}

// Failedf is Failed with a formatted description.
func Failedf(reason, origin, format string, args ...any) *DevFailed {
	return Failed(reason, fmt.Sprintf(format, args...), origin)
}

// ReasonOf returns the reason of err if it is (or wraps) a DevFailed.
func ReasonOf(err error) string {
	var df *DevFailed
	if errors.As(err, &df) {
		return df.Reason()
	}
	return ""
}

// AsDevFailed converts any error into the failure reported to a remote
// caller.
func AsDevFailed(err error) *DevFailed {
	if err == nil {
		return nil
	}
	return toDevFailed(err)
}

// asDevFailed converts an error returned by user code. DevFailed values
// pass through; anything else becomes API_DeviceMethodFailed with the Go
// type as origin so remote callers can tell errors apart.
func asDevFailed(err error, origin string) error {
	if err == nil {
		return nil
	}
	var df *DevFailed
	if errors.As(err, &df) {
		return err
	}
	typ := reflect.TypeOf(err).String()
	if origin != "" {
		typ = origin + " (" + typ + ")"
	}
	return &DevFailed{
		Errors: []DevError{{Reason: ReasonDeviceMethodFailed, Desc: err.Error(), Origin: typ, Severity: SeverityErr}},
		cause:  err,
	}
}

// DefinitionError reports a malformed class, attribute, command or pipe
// declaration. It is always returned while building, never on dispatch.
type DefinitionError struct {
	Class  string
	Member string
	// Field is the offending declaration field, e.g. "EnumLabels".
	Field string
	Msg   string
}

func (e *DefinitionError) Error() string {
	var b strings.Builder
	b.WriteString("device: ")
	if e.Class != "" {
		b.WriteString(e.Class)
		if e.Member != "" {
			b.WriteString(".")
		}
	}
	b.WriteString(e.Member)
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

// Is makes errors.Is(err, ErrDefinition) hold.
func (e *DefinitionError) Is(target error) bool {
	return target == ErrDefinition
}

func defErr(member, field, format string, args ...any) *DefinitionError {
	return &DefinitionError{Member: member, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// inClass fills in the class name of a definition error.
func inClass(err error, class string) error {
	var de *DefinitionError
	if errors.As(err, &de) && de.Class == "" {
		de.Class = class
	}
	return err
}
