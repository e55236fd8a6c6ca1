package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/server"
)

// Error represents a structured error response.
type Error struct {
	Status  int               `json:"status"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Reason  string            `json:"reason,omitempty"`
	Errors  []device.DevError `json:"errors,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeForbidden    = "forbidden"
	ErrCodeDeviceFailed = "device_failed"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeInternal     = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDeviceError maps a device failure onto an HTTP status. Errors that
// are not a DevFailed mean the server could not be reached.
func writeDeviceError(w http.ResponseWriter, err error) {
	var df *device.DevFailed
	if !errors.As(err, &df) {
		writeError(w, http.StatusBadGateway, ErrCodeUnavailable, err.Error())
		return
	}
	status, code := statusForReason(df.Reason())
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: df.Error(),
		Reason:  df.Reason(),
		Errors:  df.Errors,
	})
}

func statusForReason(reason string) (int, string) {
	switch reason {
	case server.ReasonDeviceNotFound, device.ReasonAttrNotFound,
		device.ReasonCommandNotFound, device.ReasonPipeNotFound:
		return http.StatusNotFound, ErrCodeNotFound
	case device.ReasonIncompatibleArg, device.ReasonWAttrOutsideLimit, server.ReasonBadRequest:
		return http.StatusBadRequest, ErrCodeBadRequest
	case device.ReasonAttrNotWritable, device.ReasonAttrNotReadable, device.ReasonPipeNotWritable,
		device.ReasonAttrNotAllowed, device.ReasonCommandNotAllowed, device.ReasonPipeNotAllowed:
		return http.StatusForbidden, ErrCodeForbidden
	case server.ReasonServerStopping, device.ReasonDeviceDeleted:
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	default:
		return http.StatusUnprocessableEntity, ErrCodeDeviceFailed
	}
}
