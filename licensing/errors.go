package licensing

import "errors"

// Error is a business-rule failure reported to clients. Two errors are
// equal under errors.Is when their codes match.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

const (
	CodeInvalidLicense     = "INVALID_LICENSE"
	CodeLicenseExpired     = "LICENSE_EXPIRED"
	CodeLicenseUnavailable = "LICENSE_UNAVAILABLE"
	CodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	CodeKicked             = "SESSION_KICKED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeUnavailable        = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

var (
	ErrInvalidLicense     = &Error{Code: CodeInvalidLicense, Message: "invalid license key"}
	ErrLicenseExpired     = &Error{Code: CodeLicenseExpired, Message: "license has expired"}
	ErrLicenseUnavailable = &Error{Code: CodeLicenseUnavailable, Message: "license is not available"}
	ErrCapacityExceeded   = &Error{Code: CodeCapacityExceeded, Message: "machine limit reached"}
	// ErrKicked means the machine is no longer bound, either because a later
	// activation evicted it or because an administrator reset the license.
	ErrKicked = &Error{Code: CodeKicked, Message: "machine is no longer bound to this license"}
	// ErrNotFound is used by administrative lookups by id.
	ErrNotFound = &Error{Code: CodeNotFound, Message: "license not found"}
	// ErrUnavailable wraps storage failures that persisted after retries.
	ErrUnavailable = &Error{Code: CodeUnavailable, Message: "service temporarily unavailable"}
)

func invalidRequest(message string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: message}
}

// CodeOf returns the wire code for err, or CodeInternal for unexpected errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether a client may retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
