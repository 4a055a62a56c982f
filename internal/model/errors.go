package model

import (
	"errors"
	"fmt"
)

// DecodeError means blob bytes could not be read or decompressed.
// It is fatal for the job.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure. Transient failures are retried
// by the pipeline driver; non-transient ones fail the job.
type PersistenceError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a persistence error worth retrying.
func IsTransient(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Transient
}

// ErrJobInFlight is returned when a run is requested for a log file that
// already has an active job.
var ErrJobInFlight = errors.New("job already in flight for log file")

// ErrNotFound is the store-agnostic missing-row sentinel.
var ErrNotFound = errors.New("not found")
