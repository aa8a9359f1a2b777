package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound is returned when no config file exists in the directory tree.
	ErrConfigNotFound = errors.New("config file not found")
	// ErrUnknownProvider is returned when an analyzer provider name is not registered.
	ErrUnknownProvider = errors.New("unknown analyzer provider")
	// ErrUnknownReason is returned when an invocation reason name cannot be parsed.
	ErrUnknownReason = errors.New("unknown invocation reason")
	// ErrUnknownDocument is returned when an operation targets a document the
	// snapshot does not contain.
	ErrUnknownDocument = errors.New("unknown document")
	// ErrDuplicateDocument is returned when adding a document whose ID already exists.
	ErrDuplicateDocument = errors.New("document already exists")

	// ErrAlreadyRegistered marks a second Register call for the same workspace.
	ErrAlreadyRegistered = errors.New("workspace already registered")
	// ErrNotRegistered marks an Unregister for a workspace that was never registered.
	ErrNotRegistered = errors.New("workspace not registered")
	// ErrNotSupported marks an operation the current host mode does not allow.
	ErrNotSupported = errors.New("operation not supported")
)

// MisuseError is the panic value raised when a host violates the
// registration contract. It is a programming error, not a runtime condition.
type MisuseError struct {
	Op  string
	Err error
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("crawler: %s: %v", e.Op, e.Err)
}

func (e *MisuseError) Unwrap() error {
	return e.Err
}

// Misuse panics with a *MisuseError.
func Misuse(op string, err error) {
	panic(&MisuseError{Op: op, Err: err})
}
