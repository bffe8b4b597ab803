package pipeline

import "errors"

// Sentinel errors for pipeline operations.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrBusClosed    = errors.New("pipeline bus closed")
)
