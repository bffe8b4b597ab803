// Package connectors defines the speech synthesis and playback backends the
// stage workers drive.
package connectors

import (
	"context"

	"github.com/fentz26/parley/internal/pipeline"
)

// Synthesizer turns a sentence into an audio artifact.
type Synthesizer interface {
	// Name returns the connector identifier.
	Name() string

	// Synthesize renders text and returns a reference to the audio.
	Synthesize(ctx context.Context, text string) (audioRef string, err error)
}

// Player plays the audio of a response unit and returns once playback has
// finished.
type Player interface {
	// Name returns the connector identifier.
	Name() string

	// Play blocks until item.Audio has been played or ctx is done.
	Play(ctx context.Context, item pipeline.WorkItem) error
}

// Discard is a Player with no playback surface. Every unit counts as played
// as soon as it is handed over.
type Discard struct{}

// Name returns the connector identifier.
func (Discard) Name() string { return "discard" }

// Play returns immediately.
func (Discard) Play(ctx context.Context, item pipeline.WorkItem) error {
	return ctx.Err()
}
