// Package detect wires the detection pipeline of a single conversation
// together.
//
// A [Session] consumes PCM frames, runs them through voice activity
// detection and the chunk quality gate, hands accepted segments to the
// transcription collaborator, filters and scores the transcript, asks the
// classification collaborator for a label and finally drives the hint state
// machine and the status reconciler with the confirmed result.
//
//	frames → VAD → Gate A → transcriber → hallucination filter → Gate B
//	       → classifier → Gate C → hint machine → status reconciler
//
// Everything that is not a collaborator call runs synchronously under one
// session mutex. Collaborator round-trips run on their own goroutine, one at
// a time: a segment flushed while a round-trip is outstanding is dropped.
//
// Results are reported through a [Listener].
package detect

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/kizuki/internal/gate"
	"github.com/MrWong99/kizuki/internal/hint"
	"github.com/MrWong99/kizuki/pkg/label"
	"github.com/MrWong99/kizuki/pkg/provider/vad"
)

var (
	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("detect: session closed")

	// ErrNotStarted is returned when frames or commands arrive before Start
	// or after Stop.
	ErrNotStarted = errors.New("detect: session not started")

	// ErrAlreadyStarted is returned by Start on a running session.
	ErrAlreadyStarted = errors.New("detect: session already started")

	// ErrBusy is returned by RequestHint while a round-trip is outstanding.
	ErrBusy = errors.New("detect: round-trip in progress")
)

const (
	// DefaultHistorySize is the number of transcripts kept for hint
	// generation and the chat classifier.
	DefaultHistorySize = 50

	// DefaultHistoryAge is how long a transcript stays in the history.
	DefaultHistoryAge = 10 * time.Minute

	// prerollMargin is added to the VAD minimum speech duration to size the
	// preroll buffer.
	prerollMargin = 100 * time.Millisecond
)

// Config holds the per-session pipeline configuration. Thresholds are fixed
// for the lifetime of a session; only the label set can be replaced.
type Config struct {
	// SessionID identifies the session in logs. Required.
	SessionID string

	// ModeID is the label-set mode the session was started with.
	ModeID string

	// Labels is the initial label set. Required.
	Labels *label.Set

	VAD        vad.Config
	Chunk      gate.ChunkPolicy
	Transcript gate.TranscriptPolicy
	Confirm    gate.ConfirmPolicy
	Hint       hint.Config

	// HistorySize and HistoryAge bound the conversation history.
	HistorySize int
	HistoryAge  time.Duration

	// Providers names the collaborators for metrics.
	Providers ProviderNames
}

// ProviderNames labels collaborator metrics.
type ProviderNames struct {
	STT        string
	Classifier string
	LLM        string
}

// DefaultConfig returns a Config with the stock thresholds. SessionID and
// Labels still need to be set.
func DefaultConfig() Config {
	return Config{
		VAD:         vad.DefaultConfig(),
		Chunk:       gate.DefaultChunkPolicy(),
		Transcript:  gate.DefaultTranscriptPolicy(),
		Confirm:     gate.DefaultConfirmPolicy(),
		Hint:        hint.DefaultConfig(),
		HistorySize: DefaultHistorySize,
		HistoryAge:  DefaultHistoryAge,
		Providers:   ProviderNames{STT: "stt", Classifier: "classifier", LLM: "llm"},
	}
}

// Validate reports every invalid field of c.
func (c Config) Validate() error {
	var errs []error
	if c.SessionID == "" {
		errs = append(errs, errors.New("detect: session id is required"))
	}
	if c.Labels == nil {
		errs = append(errs, errors.New("detect: label set is required"))
	} else if err := c.Labels.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detect: labels: %w", err))
	}
	if err := c.VAD.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Confirm.MinConfidence > c.Confirm.HighConfidence {
		errs = append(errs, fmt.Errorf("detect: min confidence %.2f exceeds high confidence %.2f",
			c.Confirm.MinConfidence, c.Confirm.HighConfidence))
	}
	if c.Confirm.Capacity < 1 {
		errs = append(errs, fmt.Errorf("detect: ring buffer capacity must be positive, got %d", c.Confirm.Capacity))
	}
	if c.Hint.Debounce < 0 || c.Hint.ConfirmDelay < 0 {
		errs = append(errs, errors.New("detect: hint timings must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.HistoryAge <= 0 {
		c.HistoryAge = DefaultHistoryAge
	}
	if c.Providers.STT == "" {
		c.Providers.STT = "stt"
	}
	if c.Providers.Classifier == "" {
		c.Providers.Classifier = "classifier"
	}
	if c.Providers.LLM == "" {
		c.Providers.LLM = "llm"
	}
}

// prerollWindow is how much audio before SpeechStart is kept so the first
// syllables reach the transcriber.
func (c Config) prerollWindow() time.Duration {
	return c.VAD.MinSpeech + prerollMargin
}
