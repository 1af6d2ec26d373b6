package longpoll

import (
	"errors"
	"fmt"
)

// Sentinel errors for the event source
var (
	ErrClosed             = errors.New("long-poll source closed")
	ErrUnsupportedVersion = errors.New("long-poll protocol version rejected by server")

	errSessionInvalidated = errors.New("long-poll session invalidated")
)

// TransportError is returned once consecutive transport failures exceed the
// retry budget. The connection is not recreated after it.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("long-poll transport failed %d times: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
