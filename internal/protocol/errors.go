package protocol

import (
	"fmt"
	"net/http"
)

// Error codes carried by ErrorPayload across the bus.
const (
	CodeServiceBusy        = "service_busy"
	CodeValidationFailed   = "validation_failed"
	CodeDeviceNotFound     = "device_not_found"
	CodeDeviceOffline      = "device_offline"
	CodeDeviceTypeConflict = "device_type_conflict"
	CodeUnknownCapability  = "unknown_capability"
	CodeNotFound           = "not_found"
	CodeTimeout            = "timeout"
	CodeUnknownOp          = "unknown_op"
	CodeInternal           = "internal"
)

// FieldError names one offending parameter in a validation failure.
type FieldError struct {
	Parameter string `json:"parameter"`
	Reason    string `json:"reason"`
	Allowed   string `json:"allowed,omitempty"`
}

// ErrorPayload is the payload of every message_type=error envelope.
type ErrorPayload struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func (e *ErrorPayload) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%d fields)", e.Code, e.Message, len(e.Fields))
}

func NewError(code, message string, fields ...FieldError) *ErrorPayload {
	return &ErrorPayload{Code: code, Message: message, Fields: fields}
}

// HTTPStatus maps a bus error code to the status the REST mirrors return
// for it.
func HTTPStatus(code string) int {
	switch code {
	case CodeValidationFailed:
		return http.StatusBadRequest
	case CodeDeviceNotFound, CodeNotFound, CodeUnknownOp:
		return http.StatusNotFound
	case CodeDeviceOffline, CodeDeviceTypeConflict:
		return http.StatusConflict
	case CodeUnknownCapability:
		return http.StatusUnprocessableEntity
	case CodeServiceBusy:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
