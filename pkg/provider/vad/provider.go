// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine turns a stream of PCM frames into utterance boundaries. Each
// session keeps its own state (hysteresis counters, the time of the last
// flush) so that concurrent streams are processed independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a per-frame
// [Event]. All timing is derived from [audio.Frame.Timestamp] and frame
// durations, never from the wall clock, so a session behaves identically on
// live capture and on replayed audio.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/kizuki/pkg/audio"
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the expected frame sample rate in Hz. Frames that carry a
	// different non-zero rate are rejected.
	SampleRate int

	// SpeechThresholdDB is the level above which a frame counts as speech.
	SpeechThresholdDB float64

	// SilenceThresholdDB is the level below which a frame counts as silence.
	// Must be lower than SpeechThresholdDB; levels in between keep the
	// current state.
	SilenceThresholdDB float64

	// MinSpeech is how long the level must stay above SpeechThresholdDB
	// before speech is declared.
	MinSpeech time.Duration

	// MinSilence is how long the level must stay below SilenceThresholdDB
	// before speech is declared over.
	MinSilence time.Duration

	// MaxSegment forces a flush when an utterance runs this long without a
	// pause. Zero disables forced flushes.
	MaxSegment time.Duration
}

// DefaultConfig returns the stock thresholds for 24 kHz capture.
func DefaultConfig() Config {
	return Config{
		SampleRate:         audio.DefaultSampleRate,
		SpeechThresholdDB:  -35,
		SilenceThresholdDB: -45,
		MinSpeech:          100 * time.Millisecond,
		MinSilence:         150 * time.Millisecond,
		MaxSegment:         5 * time.Second,
	}
}

// Validate reports every invalid field of c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.SilenceThresholdDB >= c.SpeechThresholdDB {
		errs = append(errs, fmt.Errorf("vad: silence threshold %.1f dB must be below speech threshold %.1f dB",
			c.SilenceThresholdDB, c.SpeechThresholdDB))
	}
	if c.MinSpeech < 0 || c.MinSilence < 0 || c.MaxSegment < 0 {
		errs = append(errs, errors.New("vad: durations must not be negative"))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Reset clears the detection state without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies one frame and returns the resulting event.
	// Returns an error if the frame format does not match the session or
	// the session is closed.
	//
	// This method is called synchronously from the frame intake path; it must
	// not block.
	ProcessFrame(frame audio.Frame) (Event, error)

	// Reset clears all accumulated detection state. The next frame is
	// treated as the start of a new stream.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
