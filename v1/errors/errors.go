// Package errors defines the error taxonomy shared by the lock, store and
// clock packages. Callers should match with errors.Is / errors.As.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTransport marks a failure talking to the clock service or the store.
	ErrTransport = errors.New("transport failure")
	// ErrIllegalRelease is returned when a caller releases a lock it does not hold.
	ErrIllegalRelease = errors.New("lock not held by caller")
	// ErrCorruption is returned when a stored record violates its invariants.
	ErrCorruption = errors.New("corrupt lock record")
	// ErrCancelled is returned when an acquire observes cancellation.
	ErrCancelled = errors.New("lock acquisition cancelled")
	// ErrHoldCountOverflow is returned when a reentrant hold cannot be counted.
	ErrHoldCountOverflow = errors.New("maximum lock hold count exceeded")
)

// TransportError carries the address of the peer that could not be reached.
type TransportError struct {
	Addr string
	Err  error
}

// NewTransportError wraps err with the peer address.
func NewTransportError(addr string, err error) *TransportError {
	return &TransportError{Addr: addr, Err: err}
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport failure talking to %s", e.Addr)
	}
	return fmt.Sprintf("transport failure talking to %s: %v", e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
