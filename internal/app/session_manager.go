package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/kizuki/internal/config"
	"github.com/MrWong99/kizuki/internal/detect"
	"github.com/MrWong99/kizuki/internal/gate"
	"github.com/MrWong99/kizuki/internal/hintgen"
	"github.com/MrWong99/kizuki/pkg/label"
)

// ErrSessionNotFound is returned for an unknown session ID.
var ErrSessionNotFound = errors.New("app: session not found")

// SessionInfo holds metadata about a live session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// ModeID is the label-set mode the session runs with.
	ModeID string `json:"mode_id"`

	// CustomLabels is set when the client supplied its own label set. Such
	// sessions ignore store updates for their mode.
	CustomLabels bool `json:"custom_labels"`

	// StartedAt is when the session was opened.
	StartedAt time.Time `json:"started_at"`

	// Remote is the client address.
	Remote string `json:"remote,omitempty"`
}

// StartRequest describes a new detection session.
type StartRequest struct {
	// ModeID selects the stored label set. Required.
	ModeID string

	// Labels, if set, replaces the stored label set for this session.
	Labels *label.Set

	// Gating, if set, replaces the server thresholds for this session.
	Gating *config.Gating

	// Listener receives the session events.
	Listener detect.Listener

	Remote string
}

// SessionManager manages the lifecycle of detection sessions. Any number of
// sessions may be live at once. All exported methods are safe for concurrent
// use.
type SessionManager struct {
	app *App
	seq atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*managed
}

type managed struct {
	info SessionInfo
	sess *detect.Session
}

func newSessionManager(a *App) *SessionManager {
	return &SessionManager{app: a, sessions: make(map[string]*managed)}
}

// Open creates and starts a detection session.
func (sm *SessionManager) Open(ctx context.Context, req StartRequest) (*detect.Session, SessionInfo, error) {
	if req.ModeID == "" {
		return nil, SessionInfo{}, errors.New("app: mode id is required")
	}
	cfg := sm.app.Config()

	set := req.Labels
	custom := set != nil
	if custom {
		set = set.Clone()
		if set.ModeID == "" {
			set.ModeID = req.ModeID
		}
	} else {
		var err error
		set, err = sm.app.labels.Load(ctx, req.ModeID)
		if err != nil {
			return nil, SessionInfo{}, fmt.Errorf("app: load labels: %w", err)
		}
	}

	gating := cfg.Gating
	if req.Gating != nil {
		gating = *req.Gating
	}

	now := time.Now().UTC()
	info := SessionInfo{
		SessionID:    fmt.Sprintf("%s-%s-%d", sanitizeName(req.ModeID), now.Format("20060102T150405Z"), sm.seq.Add(1)),
		ModeID:       req.ModeID,
		CustomLabels: custom,
		StartedAt:    now,
		Remote:       req.Remote,
	}

	dcfg := SessionConfig(cfg, gating, info.SessionID, req.ModeID, set, sm.app.providers.Names)
	opts, err := sm.sessionOptions(cfg, gating, req.Listener)
	if err != nil {
		return nil, SessionInfo{}, err
	}
	sess, err := detect.New(dcfg, sm.app.providers.Transcriber, sm.app.providers.Classifier, opts...)
	if err != nil {
		return nil, SessionInfo{}, fmt.Errorf("app: new session: %w", err)
	}
	if err := sess.Start(ctx); err != nil {
		_ = sess.Close()
		return nil, SessionInfo{}, fmt.Errorf("app: start session: %w", err)
	}

	sm.mu.Lock()
	sm.sessions[info.SessionID] = &managed{info: info, sess: sess}
	sm.mu.Unlock()

	sm.app.log.Info("session opened", "session_id", info.SessionID, "mode", info.ModeID, "custom_labels", custom)
	return sess, info, nil
}

// SessionConfig builds the pipeline configuration of one session.
func SessionConfig(cfg *config.Config, g config.Gating, sessionID, modeID string, set *label.Set, names detect.ProviderNames) detect.Config {
	return detect.Config{
		SessionID:   sessionID,
		ModeID:      modeID,
		Labels:      set,
		VAD:         g.VAD.Config(cfg.Audio.SampleRate),
		Chunk:       g.Chunk.Policy(g.VAD),
		Transcript:  g.Transcript.Policy(),
		Confirm:     g.Confirm.Policy(),
		Hint:        g.Hint.Config(),
		HistorySize: cfg.Hints.HistorySize,
		HistoryAge:  cfg.Hints.HistoryAge,
		Providers:   names,
	}
}

func (sm *SessionManager) sessionOptions(cfg *config.Config, g config.Gating, l detect.Listener) ([]detect.Option, error) {
	filter, err := gate.NewHallucinationFilter(g.MinTranscriptRunes, g.HallucinationPatterns...)
	if err != nil {
		return nil, fmt.Errorf("app: hallucination filter: %w", err)
	}
	a := sm.app
	opts := []detect.Option{
		detect.WithHallucinationFilter(filter),
		detect.WithMetrics(a.metrics),
		detect.WithLogger(a.log),
	}
	if l != nil {
		opts = append(opts, detect.WithListener(l))
	}
	if a.providers.VAD != nil {
		opts = append(opts, detect.WithVAD(a.providers.VAD))
	}
	if a.providers.LLM != nil {
		opts = append(opts, detect.WithHintGenerator(hintgen.New(a.providers.LLM,
			hintgen.WithPrompt(cfg.Hints.GenerationPrompt),
			hintgen.WithHistoryLines(cfg.Hints.HistoryLines),
		)))
	}
	if a.sched != nil {
		opts = append(opts, detect.WithScheduler(a.sched))
	}
	return opts, nil
}

// Get returns the live session with id.
func (sm *SessionManager) Get(id string) (*detect.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	m, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	return m.sess, true
}

// Info returns the metadata of the live session with id.
func (sm *SessionManager) Info(id string) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	m, ok := sm.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return m.info, true
}

// Close closes and forgets the session with id.
func (sm *SessionManager) Close(id string) error {
	sm.mu.Lock()
	m, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	sm.app.log.Info("session closed", "session_id", id)
	return m.sess.Close()
}

// CloseAll closes every live session.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]*managed)
	sm.mu.Unlock()

	for id, m := range all {
		if err := m.sess.Close(); err != nil {
			sm.app.log.Warn("session close error", "session_id", id, "err", err)
		}
	}
}

// List returns the live sessions, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, m := range sm.sessions {
		out = append(out, m.info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// ReplaceMode swaps set into every live session of its mode that runs on
// stored labels, and returns how many sessions took it.
func (sm *SessionManager) ReplaceMode(ctx context.Context, set *label.Set) int {
	sm.mu.Lock()
	var targets []*managed
	for _, m := range sm.sessions {
		if m.info.ModeID == set.ModeID && !m.info.CustomLabels {
			targets = append(targets, m)
		}
	}
	sm.mu.Unlock()

	n := 0
	for _, m := range targets {
		if err := m.sess.ReplaceLabels(ctx, set); err != nil {
			sm.app.log.Debug("label replacement skipped", "session_id", m.info.SessionID, "err", err)
			continue
		}
		n++
	}
	return n
}

// sanitizeName replaces spaces with hyphens and lowercases a name
// for use in session IDs.
func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		}
		return -1
	}, name)
	if name == "" {
		return "session"
	}
	return name
}
