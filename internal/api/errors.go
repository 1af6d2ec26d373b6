package api

import (
	"errors"
	"fmt"
)

// Error codes the framework reacts to
const (
	CodeUnknown         = 1
	CodeAuthFailed      = 5
	CodeTooManyRequests = 6
	CodeAccessDenied    = 15
	CodeInvalidParam    = 100
	CodeInvalidUserID   = 113
	CodeNotFound        = 104
)

// ErrClosed is returned by calls made after Close
var ErrClosed = errors.New("api client closed")

// Error is a non-zero error code reported by a remote method
type Error struct {
	Method  string
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d in %s: %s", e.Code, e.Method, e.Message)
}

// IsCode reports whether err carries a remote *Error with one of the codes
func IsCode(err error, codes ...int) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.Code == c {
			return true
		}
	}
	return false
}
