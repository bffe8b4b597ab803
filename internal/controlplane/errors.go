package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/parley/internal/adapter"
	"github.com/fentz26/parley/internal/generation"
	"github.com/fentz26/parley/internal/store"
)

// Sentinel errors for control plane operations.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrTaskNotFound   = errors.New("task not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrRejected       = errors.New("rejected by pipeline")
	ErrNoSession      = errors.New("generation session not running")
	ErrNoStore        = errors.New("store not configured")
	ErrUnknownStage   = errors.New("unknown stage")
	ErrInvalidStatus  = errors.New("invalid task status")
	ErrNoPlayback     = errors.New("no playback client connected")
	ErrPlaybackClient = errors.New("playback client disconnected")
)

// statusFor maps an error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrTaskNotFound),
		errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUnknownStage),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, generation.ErrEmptyInput),
		errors.Is(err, adapter.ErrMalformedEvent),
		errors.Is(err, adapter.ErrUnknownEvent):
		return http.StatusBadRequest
	case errors.Is(err, ErrRejected):
		return http.StatusConflict
	case errors.Is(err, ErrNoSession),
		errors.Is(err, ErrNoStore),
		errors.Is(err, generation.ErrNoSessionStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
