package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrInvalidKey       = errors.New("invalid job key")
	ErrUnknownFamily    = errors.New("unknown job family")
	ErrLaunch           = errors.New("launch failed")
	ErrSignal           = errors.New("signal delivery failed")
	ErrSupervisorClosed = errors.New("supervisor closed")
)

// LaunchError is returned by start when the child process could not be
// spawned. The registry is left untouched.
type LaunchError struct {
	Key     JobKey
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s for %s: %v", e.Command, e.Key, e.Err)
}

func (e *LaunchError) Unwrap() []error {
	return []error{ErrLaunch, e.Err}
}

// SignalError reports a failed pause or resume signal delivery.
type SignalError struct {
	Key    JobKey
	Signal string
	Err    error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("sending %s to %s: %v", e.Signal, e.Key, e.Err)
}

func (e *SignalError) Unwrap() []error {
	return []error{ErrSignal, e.Err}
}

// ProcessRuntimeError is an asynchronous failure of a running child. It is
// never returned to a caller, only broadcast as a job-errored event.
type ProcessRuntimeError struct {
	Key JobKey
	Err error
}

func (e *ProcessRuntimeError) Error() string {
	return fmt.Sprintf("job %s: %v", e.Key, e.Err)
}

func (e *ProcessRuntimeError) Unwrap() error {
	return e.Err
}

// NotFound wraps ErrNotFound with the missing key.
func NotFound(key JobKey) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}
