// Package fault classifies the recoverable failures of the node so callers can
// match on the kind of a failure instead of swallowing it.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the recovery class of a failure.
type Kind uint8

const (
	// Unexpected faults are caught at the outermost boundary and restart the device.
	Unexpected Kind = iota
	// Transient faults are network problems resolved by backoff or by skipping a check.
	Transient
	// Storage faults are file problems resolved by defaults or by skipping a step.
	Storage
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Storage:
		return "storage"
	default:
		return "unexpected"
	}
}

// E carries the kind, the failing operation and the cause.
type E struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *E) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *E) Unwrap() error { return e.Err }

// NewTransient returns a Transient fault for op, or nil when err is nil.
func NewTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{Kind: Transient, Op: op, Err: err}
}

// NewStorage returns a Storage fault for op, or nil when err is nil.
func NewStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{Kind: Storage, Op: op, Err: err}
}

// KindOf reports the kind of the first *E in err's chain. Errors that were never
// classified are Unexpected.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unexpected
}

// Is reports whether err is a fault of kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Wrap wraps an error with additional context.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
