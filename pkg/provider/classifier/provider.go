// Package classifier defines the interface for label classification
// backends.
//
// A classifier reads an accepted transcript together with the session's
// label set, current status and recent conversation, and either returns a
// single [label.Detection] or abstains (nil, nil). It never gates on its own
// reported confidence: the confirmation gate in the detector does that.
//
// Backends that hold a connection (the OpenAI Realtime API) open one per
// detection session through [Provider.Open]; stateless backends return a
// lightweight handle.
package classifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/kizuki/pkg/label"
)

// ErrClosed is returned by Classify and Configure after Close.
var ErrClosed = errors.New("classifier: closed")

// ErrTransport marks failures of the underlying connection (as opposed to a
// single failed request). The detector stops the session when it sees one.
var ErrTransport = errors.New("classifier: transport failure")

// ServerError is an error reported in-band by the backend, for example an
// OpenAI Realtime "error" event.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("classifier: server error %s: %s", e.Code, e.Message)
	}
	return "classifier: server error: " + e.Message
}

// Status is the current conversation state rendered into the classifier
// instructions.
type Status struct {
	// ContinuousID is the label ID of the current continuous track, or empty
	// before the conversation reached its first stage.
	ContinuousID string
}

// Request is a single classification call.
type Request struct {
	// Transcript is the accepted utterance. Empty for a manual re-evaluation
	// of History without new audio.
	Transcript string

	// History holds recent accepted transcripts, oldest first.
	History []string
}

// Config is passed to Provider.Open.
type Config struct {
	Labels *label.Set
	Status Status
}

// Classifier is an open classification handle scoped to one detection
// session. Calls to Classify are serialised by the caller.
type Classifier interface {
	// Configure replaces the label set and current status. Backends with a
	// server-side schema regenerate it.
	Configure(ctx context.Context, labels *label.Set, status Status) error

	// Classify returns a detection, or nil when the backend abstains.
	Classify(ctx context.Context, req Request) (*label.Detection, error)

	// Close releases the handle. Calling Close more than once is safe.
	Close() error
}

// Provider opens classifiers.
type Provider interface {
	Open(ctx context.Context, cfg Config) (Classifier, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, cfg Config) (Classifier, error)

// Open calls f(ctx, cfg).
func (f ProviderFunc) Open(ctx context.Context, cfg Config) (Classifier, error) {
	return f(ctx, cfg)
}
