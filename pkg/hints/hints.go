// Package hints labels errors that mean "skipped" rather than "failed".
//
// While mirroring, many events end without touching the destination: a
// debounced duplicate, a touch without content change, a create whose target
// already exists. Producers return such outcomes as hints so that callers can
// log them quietly and move on, without importing the producer's sentinels.
package hints

import "errors"

// hint marks the wrapped error as a soft failure.
type hint struct {
	err error
}

func (h *hint) Error() string {
	if h.err == nil {
		return "skipped"
	}
	return h.err.Error()
}

func (h *hint) Unwrap() error { return h.err }

// IsHint reports that this error is a soft failure.
func (h *hint) IsHint() bool { return true }

// New returns a hint with the given message.
func New(msg string) error {
	return &hint{err: errors.New(msg)}
}

// IsHint reports whether any error in the chain is a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}
