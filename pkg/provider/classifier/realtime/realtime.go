// Package realtime implements the classifier.Provider interface on top of the
// OpenAI Realtime API in text-only mode.
//
// Each opened classifier holds one WebSocket connection. The session is
// configured with the label instructions and the detect_phrase tool; every
// accepted transcript is sent as a user conversation item followed by a
// response.create, and the call completes when the server reports
// response.done. Audio never flows over this connection: transcription is a
// separate collaborator.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/kizuki/pkg/label"
	"github.com/MrWong99/kizuki/pkg/provider/classifier"
)

var _ classifier.Provider = (*Provider)(nil)
var _ classifier.Classifier = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// drainTimeout bounds the wait for a cancelled response to finish.
	drainTimeout = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger for protocol warnings.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider opens OpenAI Realtime classification sessions.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	logger  *slog.Logger
}

// New creates a new Provider with the given API key and options.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("realtime: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open dials the Realtime endpoint and configures the session for cfg.
func (p *Provider) Open(ctx context.Context, cfg classifier.Config) (classifier.Classifier, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", errors.Join(classifier.ErrTransport, err))
	}
	conn.SetReadLimit(1 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		logger: p.logger,
		labels: cfg.Labels,
		ctx:    sessCtx,
		cancel: sessCancel,
		done:   make(chan struct{}),
	}

	if err := s.sendSessionUpdate(cfg.Labels, cfg.Status, true); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	go s.receiveLoop()
	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities    []string          `json:"modalities,omitempty"`
	Instructions  string            `json:"instructions"`
	TurnDetection json.RawMessage   `json:"turn_detection,omitempty"`
	Tools         []classifier.Tool `json:"tools"`
	ToolChoice    string            `json:"tool_choice"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities []string `json:"modalities"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.function_call_arguments.done
	ResponseID string `json:"response_id,omitempty"`

	// response.created, response.done
	Response *struct {
		ID string `json:"id"`
	} `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

func (e *serverEvent) responseID() string {
	if e.Response != nil {
		return e.Response.ID
	}
	return e.ResponseID
}

// ── session ────────────────────────────────────────────────────────────────────

type result struct {
	detection *label.Detection
	err       error
}

type session struct {
	conn   *websocket.Conn
	logger *slog.Logger

	// callMu serialises Classify calls.
	callMu sync.Mutex

	mu      sync.Mutex
	labels  *label.Set
	pending chan result
	// current holds the first detection of the in-progress response.
	current *label.Detection
	errVal  error
	closed  bool

	// drained is non-nil while a cancelled response is still running. Its
	// events are discarded and it is closed by that response's
	// response.done.
	drained chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) sendSessionUpdate(labels *label.Set, status classifier.Status, initial bool) error {
	params := sessionParams{
		Instructions: classifier.Instructions(labels, status),
		Tools:        []classifier.Tool{},
		ToolChoice:   "none",
	}
	if tool := classifier.DetectTool(labels); tool != nil {
		params.Tools = append(params.Tools, *tool)
		params.ToolChoice = "auto"
	}
	if initial {
		params.Modalities = []string{"text"}
		params.TurnDetection = json.RawMessage("null")
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return errors.Join(classifier.ErrTransport, err)
	}
	return nil
}

// receiveLoop reads events until the connection fails or the session is
// closed, then closes done.
func (s *session) receiveLoop() {
	defer close(s.done)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Warn("realtime: undecodable server event", "err", err)
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.function_call_arguments.done":
		if s.draining() {
			s.logger.Debug("realtime: dropped tool call of cancelled response", "response_id", evt.ResponseID)
			s.ackCall(evt.CallID)
			return
		}
		s.handleFunctionCall(evt)

	case "response.done":
		s.mu.Lock()
		if s.drained != nil {
			close(s.drained)
			s.drained = nil
			s.mu.Unlock()
			s.logger.Debug("realtime: cancelled response finished", "response_id", evt.responseID())
			return
		}
		det := s.current
		s.current = nil
		s.mu.Unlock()
		s.deliver(result{detection: det})

	case "error":
		se := &classifier.ServerError{Message: "unknown error"}
		if evt.Error != nil {
			se.Code = evt.Error.Code
			if evt.Error.Message != "" {
				se.Message = evt.Error.Message
			}
		}
		if s.draining() {
			s.logger.Debug("realtime: server error while cancelling", "code", se.Code, "message", se.Message)
			return
		}
		if !s.deliver(result{err: se}) {
			s.logger.Warn("realtime: server error outside of a request", "code", se.Code, "message", se.Message)
		}
	}
}

func (s *session) handleFunctionCall(evt *serverEvent) {
	if evt.Name != classifier.ToolName {
		return
	}
	s.mu.Lock()
	labels := s.labels
	s.mu.Unlock()

	det, err := classifier.ParseDetectArgs(evt.Arguments, labels)
	if err != nil {
		s.logger.Warn("realtime: bad tool arguments", "err", err)
	}
	s.mu.Lock()
	if det != nil && s.current == nil {
		s.current = det
	}
	s.mu.Unlock()

	s.ackCall(evt.CallID)
}

// ackCall closes a function call in the conversation without asking for a
// follow-up response.
func (s *session) ackCall(callID string) {
	if callID == "" {
		return
	}
	_ = s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: `{"ok":true}`,
		},
	})
}

func (s *session) draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained != nil
}

// abandon gives up the call waiting on ch. When its response has not
// completed yet, the response is cancelled and its remaining events are
// discarded until response.done.
func (s *session) abandon(ch chan result) {
	s.mu.Lock()
	if s.pending != ch {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.current = nil
	s.drained = make(chan struct{})
	s.mu.Unlock()

	_ = s.writeJSON(map[string]string{"type": "response.cancel"})
}

// awaitDrain blocks until a cancelled response has finished. A response
// that never reports done is given up after drainTimeout.
func (s *session) awaitDrain(ctx context.Context) error {
	s.mu.Lock()
	d := s.drained
	s.mu.Unlock()
	if d == nil {
		return nil
	}

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-d:
		return nil
	case <-s.done:
		return s.transportErr()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.mu.Lock()
		if s.drained == d {
			s.drained = nil
		}
		s.mu.Unlock()
		s.logger.Warn("realtime: cancelled response did not finish", "timeout", drainTimeout)
		return nil
	}
}

// deliver hands r to the waiting Classify call. It reports false when no
// call is waiting.
func (s *session) deliver(r result) bool {
	s.mu.Lock()
	ch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- r
	return true
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) transportErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return classifier.ErrClosed
	}
	if s.errVal != nil {
		return fmt.Errorf("realtime: connection lost: %w", errors.Join(classifier.ErrTransport, s.errVal))
	}
	return fmt.Errorf("realtime: connection lost: %w", classifier.ErrTransport)
}

// ── Classifier methods ─────────────────────────────────────────────────────────

// Configure implements classifier.Classifier.
func (s *session) Configure(_ context.Context, labels *label.Set, status classifier.Status) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return classifier.ErrClosed
	}
	s.labels = labels
	s.mu.Unlock()

	if err := s.sendSessionUpdate(labels, status, false); err != nil {
		return fmt.Errorf("realtime: configure: %w", err)
	}
	return nil
}

// Classify implements classifier.Classifier.
func (s *session) Classify(ctx context.Context, req classifier.Request) (*label.Detection, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	if err := s.awaitDrain(ctx); err != nil {
		return nil, err
	}

	ch := make(chan result, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, classifier.ErrClosed
	}
	s.pending = ch
	s.current = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.pending == ch {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	select {
	case <-s.done:
		return nil, s.transportErr()
	default:
	}

	if req.Transcript != "" {
		err := s.writeJSON(createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type: "message",
				Role: "user",
				Content: []conversationPart{
					{Type: "input_text", Text: classifier.TranscriptPrefix + req.Transcript},
				},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("realtime: send transcript: %w", err)
		}
	}
	if err := s.writeJSON(responseCreateMessage{
		Type:     "response.create",
		Response: responseParams{Modalities: []string{"text"}},
	}); err != nil {
		return nil, fmt.Errorf("realtime: request response: %w", err)
	}

	select {
	case r := <-ch:
		return r.detection, r.err
	case <-s.done:
		return nil, s.transportErr()
	case <-ctx.Done():
		s.abandon(ch)
		return nil, ctx.Err()
	}
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
