package stt

import (
	"context"

	"github.com/MrWong99/kizuki/pkg/audio"
)

// Options carries the recognition hints shared by all backends.
type Options struct {
	// Language is the ISO-639-1 code passed to the backend (e.g. "ja"). Empty
	// lets the backend auto-detect.
	Language string

	// Prompt biases recognition toward domain vocabulary. Optional.
	Prompt string
}

// TranscriberFunc adapts an ordinary function to the Transcriber interface.
type TranscriberFunc func(ctx context.Context, seg audio.Segment) (string, error)

// Transcribe calls f(ctx, seg).
func (f TranscriberFunc) Transcribe(ctx context.Context, seg audio.Segment) (string, error) {
	return f(ctx, seg)
}
