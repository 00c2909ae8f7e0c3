package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConnectivity marks a failure to reach the log.
	ErrConnectivity = errors.New("event log unreachable")
)

// ConnectivityError wraps a transport or driver failure. The original error is
// preserved for callers that inspect it.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrConnectivity, e.Err)
}

func (e *ConnectivityError) Unwrap() []error {
	return []error{ErrConnectivity, e.Err}
}

// Unreachable wraps err as a ConnectivityError for op. A nil err stays nil.
func Unreachable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectivityError{Op: op, Err: err}
}

// IsConnectivity reports whether err means the log could not be reached.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}
