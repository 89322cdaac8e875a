package bbb

import (
	"fmt"
	"net/http"
	"strings"
)

// Error is a BBB API error envelope. The BBB convention transports most
// errors with HTTP 200 and a FAILED returncode carrying a messageKey; Status
// deviates from 200 only where the protocol demands it (413, 500).
type Error struct {
	MessageKey string
	Message    string
	Status     int
}

// NewError returns an error answered with the usual HTTP 200 envelope.
func NewError(messageKey, message string) *Error {
	return &Error{MessageKey: messageKey, Message: message, Status: http.StatusOK}
}

// NewErrorStatus returns an error answered with a non-standard HTTP status.
func NewErrorStatus(messageKey, message string, status int) *Error {
	return &Error{MessageKey: messageKey, Message: message, Status: status}
}

// MissingParameter returns the BBB error for an absent or malformed request
// parameter, keyed missingParameter{Name}.
func MissingParameter(name string) *Error {
	key := "missingParameter"
	if name != "" {
		key += strings.ToUpper(name[:1]) + name[1:]
	}
	return NewError(key, fmt.Sprintf("Missing or invalid parameter %s.", name))
}

// ErrChecksum returns the standard checksum rejection.
func ErrChecksum() *Error {
	return NewError("checksumError", "You did not pass the checksum security check")
}

// ErrNotImplemented returns the answer for reserved endpoints.
func ErrNotImplemented() *Error {
	return NewError("notImplemented", "This API endpoint or feature is not implemented")
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.MessageKey, e.Message)
}

// XML renders the error as a BBB response envelope.
func (e *Error) XML() *Node {
	return ErrorResponse(e.MessageKey, e.Message)
}
