package engine

import "errors"

var (
	// ErrSkipped is the recorded reason of a stage that never ran.
	ErrSkipped   = errors.New("skipped")
	ErrCancelled = errors.New("run cancelled")
	ErrPanic     = errors.New("stage panicked")
)
