package escrow

import "fmt"

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

const (
	// ErrNotFound means the referenced order or user does not exist.
	ErrNotFound = ErrorKind("not found")
	// ErrConflict means an order status precondition was violated.
	ErrConflict = ErrorKind("conflict")
	// ErrNoMatch means every candidate seller failed to accept the order.
	ErrNoMatch = ErrorKind("no match")
	// ErrStale marks a context left behind with no funds reserved for it.
	ErrStale = ErrorKind("stale context")
	// ErrInvalidAmount means a quantity or amount was not positive.
	ErrInvalidAmount = ErrorKind("invalid amount")

	errBusy = ErrorKind("seller busy")
)

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message with
// the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

func newError(kind ErrorKind, format string, args ...interface{}) Error {
	return Error{
		wrapped: kind,
		detail:  fmt.Sprintf(format, args...),
	}
}
