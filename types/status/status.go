// Package status defines the result codes shared by the execution runtime
// and its backends.
//
// Result codes travel outward as values, never as panics: an execution
// records the first fatal status at finish time, and backend failures are
// translated (or recovered from) by the driver loop. Use Status.Err to adapt
// a code to an error at package boundaries that speak error.
package status

import "github.com/pkg/errors"

// Status is the result code of a runtime or backend operation.
type Status int

const (
	// NoError means the operation succeeded.
	NoError Status = iota

	// BadData means the caller supplied invalid arguments. Never retried.
	BadData

	// BadState means the operation is not permitted in the current
	// lifecycle state. Never retried.
	BadState

	// InsufficientSize means an output or dynamic-temporary buffer was too
	// small. Recoverable: the driver redeclares temporaries and retries,
	// or surfaces the code to the caller together with updated shapes.
	InsufficientSize

	// MissedDeadlineTransient means the deadline was exceeded but a later
	// attempt might succeed. Bypasses CPU fallback.
	MissedDeadlineTransient

	// MissedDeadlinePersistent means the deadline was exceeded and
	// retrying is pointless. Bypasses CPU fallback.
	MissedDeadlinePersistent

	// OpFailed means a backend failed executing. Recovered by partial or
	// full CPU fallback when allowed.
	OpFailed

	// GeneralFailure is an unspecified runtime failure, including backend
	// contract violations (an Unmappable condition is promoted to
	// GeneralFailure before it reaches the client).
	GeneralFailure

	// Unavailable means a required device is gone.
	Unavailable
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case NoError:
		return "NoError"
	case BadData:
		return "BadData"
	case BadState:
		return "BadState"
	case InsufficientSize:
		return "InsufficientSize"
	case MissedDeadlineTransient:
		return "MissedDeadlineTransient"
	case MissedDeadlinePersistent:
		return "MissedDeadlinePersistent"
	case OpFailed:
		return "OpFailed"
	case GeneralFailure:
		return "GeneralFailure"
	case Unavailable:
		return "Unavailable"
	}
	return "Status(?)"
}

// IsError reports whether the status is anything but NoError.
func (s Status) IsError() bool { return s != NoError }

// IsMissedDeadline reports whether the status is one of the two
// missed-deadline codes. Missed deadlines short-circuit CPU fallback.
func (s Status) IsMissedDeadline() bool {
	return s == MissedDeadlineTransient || s == MissedDeadlinePersistent
}

// Err returns nil for NoError, otherwise an error wrapping the code.
func (s Status) Err() error {
	if s == NoError {
		return nil
	}
	return errors.Errorf("nnrt: %s", s)
}
