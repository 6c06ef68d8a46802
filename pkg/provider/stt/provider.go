// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A Transcriber turns one accumulated utterance (an [audio.Segment] that
// already passed the chunk quality gate) into text. The detector calls it once
// per segment from a background goroutine; there is no streaming session and
// no partial output. An error or an empty string both mean "abstain": the
// segment is dropped without retry.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/MrWong99/kizuki/pkg/audio"
)

// Transcriber is the abstraction over any batch STT backend.
type Transcriber interface {
	// Transcribe returns the recognised text of seg. The call must honour ctx
	// cancellation; the detector cancels outstanding requests on Stop.
	Transcribe(ctx context.Context, seg audio.Segment) (string, error)
}
