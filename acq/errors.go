package acq

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is generated when stepping a loop that is not Running
	ErrNotRunning = errors.New("acquisition loop is not running")

	// ErrAlreadyStarted is generated when starting a loop that has left Idle
	ErrAlreadyStarted = errors.New("acquisition loop already started")
)

// ConfigurationError is a setup failure, returned before any acquisition
// takes place
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration of %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configf formats a ConfigurationError for field
func Configf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Fault is a driver failure during acquisition.  The loop stops on the first
// one and does not retry
type Fault struct {
	// Op is the source operation that failed, poll, read or consume
	Op  string
	Err error
}

func (e *Fault) Error() string {
	return fmt.Sprintf("acquisition fault during %s: %v", e.Op, e.Err)
}

func (e *Fault) Unwrap() error { return e.Err }

// PublishFault is a failure to notify position subscribers.
// It is logged and otherwise ignored
type PublishFault struct {
	Pos int64
	Err error
}

func (e *PublishFault) Error() string {
	return fmt.Sprintf("publishing position %d: %v", e.Pos, e.Err)
}

func (e *PublishFault) Unwrap() error { return e.Err }
