// Package errs holds the error taxonomy shared by the adaptation core.
// Call sites wrap these with fmt.Errorf("%w: ...") and callers match with errors.Is.
package errs

import "errors"

// #region sentinels
var (
	// ErrInvalidInput reports malformed dimensions or out-of-range scores.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound reports an unknown trajectory id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState reports an operation on an already-closed trajectory.
	ErrInvalidState = errors.New("invalid state")
	// ErrOutOfRange reports a bad layer index.
	ErrOutOfRange = errors.New("out of range")
	// ErrDivergence reports numeric instability during consolidation.
	ErrDivergence = errors.New("numeric divergence")
	// ErrDisabled reports an operation refused because the engine is disabled.
	ErrDisabled = errors.New("engine disabled")
	// ErrCycleRunning reports a consolidation attempt while another cycle is in flight.
	ErrCycleRunning = errors.New("consolidation cycle already running")
)

// #endregion sentinels
