// Package mock provides test doubles for the classifier package interfaces.
//
// Use Provider to verify that sessions are opened with the expected label
// set, and Classifier to script detections and inspect requests.
//
// Example:
//
//	c := &mock.Classifier{Detections: []*label.Detection{{LabelID: "price", Confidence: 0.9, Evidence: label.EvidenceExplicit}}}
//	p := &mock.Provider{Classifier: c}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kizuki/pkg/label"
	"github.com/MrWong99/kizuki/pkg/provider/classifier"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	Ctx context.Context
	Cfg classifier.Config
}

// Provider is a mock implementation of classifier.Provider.
type Provider struct {
	mu sync.Mutex

	// Classifier is returned by Open. If nil, a new empty Classifier is
	// returned.
	Classifier *Classifier

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall
}

// Open records the call and returns Classifier, OpenErr.
func (p *Provider) Open(ctx context.Context, cfg classifier.Config) (classifier.Classifier, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Classifier == nil {
		p.Classifier = &Classifier{}
	}
	return p.Classifier, nil
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (p *Provider) OpenCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

var _ classifier.Provider = (*Provider)(nil)

// ConfigureCall records a single invocation of Classifier.Configure.
type ConfigureCall struct {
	Labels *label.Set
	Status classifier.Status
}

// Classifier is a mock implementation of classifier.Classifier.
type Classifier struct {
	mu sync.Mutex

	// Detections is consumed one entry per Classify call; a nil entry
	// abstains. Once exhausted, Classify abstains.
	Detections []*label.Detection

	// Errs is consumed one entry per Classify call, in step with Detections.
	Errs []error

	// ClassifyErr, if non-nil, is returned by every Classify call and
	// overrides the scripted results.
	ClassifyErr error

	// ConfigureErr, if non-nil, is returned by Configure.
	ConfigureErr error

	// Block, if non-nil, makes Classify wait until Block is closed or ctx is
	// cancelled.
	Block chan struct{}

	// --- Call records ---

	ClassifyCalls  []classifier.Request
	ConfigureCalls []ConfigureCall
	CloseCallCount int
}

// Configure records the call and returns ConfigureErr.
func (c *Classifier) Configure(_ context.Context, labels *label.Set, status classifier.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConfigureCalls = append(c.ConfigureCalls, ConfigureCall{Labels: labels, Status: status})
	return c.ConfigureErr
}

// Classify records the call and returns the next scripted result.
func (c *Classifier) Classify(ctx context.Context, req classifier.Request) (*label.Detection, error) {
	c.mu.Lock()
	req.History = append([]string(nil), req.History...)
	c.ClassifyCalls = append(c.ClassifyCalls, req)
	block := c.Block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ClassifyErr != nil {
		return nil, c.ClassifyErr
	}
	var (
		det *label.Detection
		err error
	)
	if len(c.Detections) > 0 {
		det = c.Detections[0]
		c.Detections = c.Detections[1:]
	}
	if len(c.Errs) > 0 {
		err = c.Errs[0]
		c.Errs = c.Errs[1:]
	}
	if det != nil {
		cp := *det
		det = &cp
	}
	return det, err
}

// Close records the call.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return nil
}

// Requests returns a copy of all Classify requests. Thread-safe.
func (c *Classifier) Requests() []classifier.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]classifier.Request(nil), c.ClassifyCalls...)
}

// Configures returns a copy of all Configure calls. Thread-safe.
func (c *Classifier) Configures() []ConfigureCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConfigureCall(nil), c.ConfigureCalls...)
}

// Closes returns the number of Close calls. Thread-safe.
func (c *Classifier) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCallCount
}

// Push appends scripted detections. Thread-safe.
func (c *Classifier) Push(d ...*label.Detection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Detections = append(c.Detections, d...)
}

var _ classifier.Classifier = (*Classifier)(nil)
