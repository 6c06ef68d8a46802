package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/kizuki/internal/gate"
	"github.com/MrWong99/kizuki/internal/hint"
	"github.com/MrWong99/kizuki/internal/hintgen"
	"github.com/MrWong99/kizuki/internal/observe"
	"github.com/MrWong99/kizuki/internal/status"
	"github.com/MrWong99/kizuki/pkg/audio"
	"github.com/MrWong99/kizuki/pkg/label"
	"github.com/MrWong99/kizuki/pkg/provider/classifier"
	"github.com/MrWong99/kizuki/pkg/provider/stt"
	"github.com/MrWong99/kizuki/pkg/provider/vad"
	"github.com/MrWong99/kizuki/pkg/provider/vad/level"
)

// Option is a functional option for [New].
type Option func(*Session)

// WithVAD sets the VAD engine. Defaults to the level engine.
func WithVAD(e vad.Engine) Option {
	return func(s *Session) { s.vadEngine = e }
}

// WithHintGenerator enables generated hints. Without a generator, labels
// with a generated hint kind fall back to their fixed hint text.
func WithHintGenerator(g *hintgen.Generator) Option {
	return func(s *Session) { s.hints = g }
}

// WithHallucinationFilter replaces the default hallucination filter. The
// same filter feeds the pattern penalty of Gate B.
func WithHallucinationFilter(f *gate.HallucinationFilter) Option {
	return func(s *Session) { s.filter = f }
}

// WithListener sets the output listener. Defaults to [NopListener].
func WithListener(l Listener) Option {
	return func(s *Session) { s.listener = l }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithScheduler sets the scheduler for the confirm timer. Defaults to
// [hint.RealScheduler].
func WithScheduler(sched hint.Scheduler) Option {
	return func(s *Session) { s.sched = sched }
}

// WithClock sets the wall clock used for detection timestamps, debounce and
// ring buffer expiry. Defaults to [time.Now].
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

type runState int

const (
	stateIdle runState = iota
	stateStarting
	stateRunning
	stateClosed
)

type bufferedFrame struct {
	frame   audio.Frame
	levelDB float64
}

// Session is the detection pipeline of one conversation. Create it with
// [New], then Start, PushFrame, Stop and finally Close.
//
// All exported methods are safe for concurrent use.
type Session struct {
	cfg         Config
	transcriber stt.Transcriber
	provider    classifier.Provider
	vadEngine   vad.Engine
	hints       *hintgen.Generator
	filter      *gate.HallucinationFilter
	scorer      *gate.TranscriptScorer
	listener    Listener
	metrics     *observe.Metrics
	sched       hint.Scheduler
	now         func() time.Time
	log         *slog.Logger

	history    *History
	reconciler *status.Reconciler

	// mu guards everything below. It is also the lock of the hint machine,
	// so the confirm timer runs under it.
	mu          sync.Mutex
	state       runState
	labels      *label.Set
	vadSess     vad.SessionHandle
	cls         classifier.Classifier
	chunk       *gate.ChunkMeter
	preroll     []bufferedFrame
	confirmer   *gate.Confirmer
	machine     *hint.Machine
	inFlight    bool
	cancelRT    context.CancelFunc
	epoch       uint64
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	wg sync.WaitGroup
}

// New validates cfg and returns an idle Session. transcriber and provider
// are required.
func New(cfg Config, transcriber stt.Transcriber, provider classifier.Provider, opts ...Option) (*Session, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transcriber == nil {
		return nil, errors.New("detect: transcriber is required")
	}
	if provider == nil {
		return nil, errors.New("detect: classifier provider is required")
	}

	s := &Session{
		cfg:         cfg,
		transcriber: transcriber,
		provider:    provider,
		vadEngine:   level.New(),
		listener:    NopListener{},
		sched:       hint.RealScheduler{},
		now:         time.Now,
		log:         slog.Default(),
		labels:      cfg.Labels.Clone(),
		chunk:       gate.NewChunkMeter(cfg.Chunk),
		confirmer:   gate.NewConfirmer(cfg.Confirm),
		ctx:         context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.filter == nil {
		s.filter = gate.DefaultHallucinationFilter()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.log.With("session_id", cfg.SessionID, "mode", cfg.ModeID)
	s.scorer = gate.NewTranscriptScorer(cfg.Transcript, s.filter)
	s.history = NewHistory(cfg.HistorySize, cfg.HistoryAge, s.now)
	s.reconciler = status.NewReconciler(s.confirmer.Recent(), s.now)
	s.machine = hint.NewMachine(cfg.Hint, s.sched,
		hint.WithClock(s.now),
		hint.WithLocker(&s.mu),
		hint.WithOnConfirm(s.onConfirm),
	)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.SessionID }

// ModeID returns the label-set mode the session was created for.
func (s *Session) ModeID() string { return s.cfg.ModeID }

// Start opens a VAD session and a classifier session. Status and hint state
// start empty.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case stateStarting, stateRunning:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = stateStarting
	labels := s.labels
	s.mu.Unlock()

	s.listener.OnConnection(StateConnecting)

	vadSess, err := s.vadEngine.NewSession(s.cfg.VAD)
	if err != nil {
		s.abortStart(err)
		return fmt.Errorf("detect: start: %w", err)
	}
	cls, err := s.provider.Open(ctx, classifier.Config{Labels: labels, Status: s.classifierStatus()})
	if err != nil {
		_ = vadSess.Close()
		s.abortStart(err)
		return fmt.Errorf("detect: open classifier: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, unsubscribe := s.reconciler.Subscribe()

	s.mu.Lock()
	if s.state != stateStarting {
		s.mu.Unlock()
		cancel()
		unsubscribe()
		_ = cls.Close()
		_ = vadSess.Close()
		return ErrSessionClosed
	}
	s.state = stateRunning
	s.vadSess = vadSess
	s.cls = cls
	s.ctx = runCtx
	s.cancel = cancel
	s.unsubscribe = unsubscribe
	s.epoch++
	s.mu.Unlock()

	s.wg.Add(1)
	go s.forwardStatus(sub)

	s.metrics.ActiveSessions.Add(runCtx, 1)
	s.listener.OnConnection(StateConnected)
	s.log.Info("detection session started", "labels", len(labels.Enabled()))
	return nil
}

func (s *Session) abortStart(err error) {
	s.mu.Lock()
	if s.state == stateStarting {
		s.state = stateIdle
	}
	s.mu.Unlock()
	s.log.Warn("detection session failed to start", "err", err)
	s.listener.OnError(err.Error())
	s.listener.OnConnection(StateError)
	s.listener.OnConnection(StateDisconnected)
}

func (s *Session) forwardStatus(ch <-chan status.Snapshot) {
	defer s.wg.Done()
	for snap := range ch {
		s.listener.OnStatus(snap)
	}
}

// PushFrame feeds one capture frame through the VAD. On an utterance
// boundary the accumulated segment is gated and, when accepted, handed to
// the collaborators in the background.
func (s *Session) PushFrame(f audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.runningLocked(); err != nil {
		return err
	}

	ev, err := s.vadSess.ProcessFrame(f)
	if err != nil {
		return fmt.Errorf("detect: vad: %w", err)
	}

	switch ev.Type {
	case vad.EventSilence:
		s.bufferPrerollLocked(f, ev.LevelDB)
	case vad.EventSpeechStart:
		s.chunk.Reset()
		for _, b := range s.preroll {
			s.chunk.Add(b.frame, b.levelDB)
		}
		s.preroll = s.preroll[:0]
		s.chunk.Add(f, ev.LevelDB)
		s.listener.OnSpeechStarted(audio.DisplayDB(ev.LevelDB))
	case vad.EventSpeechContinue:
		s.chunk.Add(f, ev.LevelDB)
	case vad.EventForceFlush:
		s.chunk.Add(f, ev.LevelDB)
		s.flushLocked()
	case vad.EventSpeechEnd:
		s.chunk.Add(f, ev.LevelDB)
		s.listener.OnSpeechEnded(audio.DisplayDB(ev.LevelDB))
		s.flushLocked()
	}
	return nil
}

// bufferPrerollLocked keeps the last few silent frames so the meter can be
// seeded with the audio that led up to SpeechStart.
func (s *Session) bufferPrerollLocked(f audio.Frame, levelDB float64) {
	f.Data = bytes.Clone(f.Data)
	s.preroll = append(s.preroll, bufferedFrame{frame: f, levelDB: levelDB})

	cutoff := f.Timestamp + f.Duration() - s.cfg.prerollWindow()
	drop := 0
	for drop < len(s.preroll) && s.preroll[drop].frame.Timestamp < cutoff {
		drop++
	}
	if drop > 0 {
		s.preroll = append(s.preroll[:0], s.preroll[drop:]...)
	}
}

// flushLocked runs Gate A over the accumulated segment and starts a
// round-trip for it.
func (s *Session) flushLocked() {
	if s.chunk.Empty() {
		return
	}
	q := s.chunk.Evaluate()
	s.metrics.SegmentDuration.Record(s.ctx, q.Duration.Seconds())

	if q.Skip {
		s.chunk.Reset()
		s.metrics.RecordGateRejection(s.ctx, "chunk", q.Reason)
		s.logf("chunk skipped",
			"reason", q.Reason,
			"duration_ms", q.Duration.Milliseconds(),
			"voiced_ratio", fmt.Sprintf("%.2f", q.VoicedRatio),
			"level_db", fmt.Sprintf("%.1f", q.AverageLevelDB),
		)
		return
	}
	if s.inFlight {
		s.chunk.Reset()
		s.metrics.RecordSegmentDropped(s.ctx, "in_flight")
		s.logf("commit skipped: response in progress", "duration_ms", q.Duration.Milliseconds())
		return
	}

	seg := s.chunk.Segment()
	s.chunk.Reset()
	s.beginRoundTripLocked(func(ctx context.Context, epoch uint64) {
		s.processSegment(ctx, epoch, seg)
	})
}

// beginRoundTripLocked marks the session busy and runs fn on its own
// goroutine with a cancellable context.
func (s *Session) beginRoundTripLocked(fn func(ctx context.Context, epoch uint64)) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.inFlight = true
	s.cancelRT = cancel
	epoch := s.epoch

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		fn(ctx, epoch)
		s.finishRoundTrip(epoch)
	}()
}

func (s *Session) finishRoundTrip(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == epoch {
		s.inFlight = false
		s.cancelRT = nil
	}
}

// RequestHint asks the classifier to re-evaluate the recent conversation
// without new audio. The result goes through Gate C like any other
// detection.
func (s *Session) RequestHint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.runningLocked(); err != nil {
		return err
	}
	if s.inFlight {
		return ErrBusy
	}
	s.logf("manual hint requested")
	s.beginRoundTripLocked(s.processManual)
	return nil
}

// ReplaceLabels swaps the whole label set and regenerates the classifier
// schema. A provisional hint for a label that is gone or disabled is
// cancelled.
func (s *Session) ReplaceLabels(ctx context.Context, set *label.Set) error {
	if set == nil {
		return errors.New("detect: replace labels: label set is required")
	}
	if err := set.Validate(); err != nil {
		return fmt.Errorf("detect: replace labels: %w", err)
	}
	set = set.Clone()

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.labels = set
	if cur := s.machine.State(); cur.Status == hint.StatusProvisional {
		if d, ok := set.Lookup(cur.LabelID); !ok || !d.Enabled {
			s.machine.CancelProvisional()
		}
	}
	cls := s.cls
	running := s.state == stateRunning
	s.mu.Unlock()

	s.log.Info("label set replaced", "labels", len(set.Enabled()))
	if !running || cls == nil {
		return nil
	}
	if err := cls.Configure(ctx, set, s.classifierStatus()); err != nil {
		return fmt.Errorf("detect: replace labels: %w", err)
	}
	return nil
}

// Reset clears hint, status, ring buffer, history and every debounce
// timestamp at once. An outstanding round-trip is cancelled and its result
// discarded. Capture keeps running.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.resetLocked()
	cls, labels := s.cls, s.labels
	running := s.state == stateRunning
	s.logf("session reset")
	s.mu.Unlock()

	if !running || cls == nil {
		return nil
	}
	if err := cls.Configure(ctx, labels, classifier.Status{}); err != nil {
		return fmt.Errorf("detect: reset: %w", err)
	}
	return nil
}

func (s *Session) resetLocked() {
	s.epoch++
	if s.cancelRT != nil {
		s.cancelRT()
		s.cancelRT = nil
	}
	s.inFlight = false
	s.machine.Reset(true)
	s.confirmer.Reset()
	s.reconciler.Reset()
	s.history.Reset()
}

// Stop ends capture: the confirm timer, the in-flight round-trip and every
// debounce timestamp are cleared together with hint and status, and the
// collaborator sessions are closed. Stopping an idle session is a no-op.
// The session may be started again.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case stateRunning:
	default:
		s.mu.Unlock()
		return nil
	}
	s.state = stateIdle
	s.resetLocked()
	s.chunk.Reset()
	s.preroll = nil
	cls, vadSess, cancel, unsubscribe := s.cls, s.vadSess, s.cancel, s.unsubscribe
	s.cls, s.vadSess, s.cancel, s.unsubscribe = nil, nil, nil, nil
	s.mu.Unlock()

	cancel()
	unsubscribe()

	var errs []error
	if err := cls.Close(); err != nil {
		errs = append(errs, fmt.Errorf("detect: close classifier: %w", err))
	}
	if err := vadSess.Close(); err != nil {
		errs = append(errs, fmt.Errorf("detect: close vad: %w", err))
	}

	s.metrics.ActiveSessions.Add(context.Background(), -1)
	s.listener.OnConnection(StateDisconnected)
	s.log.Info("detection session stopped")
	return errors.Join(errs...)
}

// Close stops the session, waits for background work and makes every later
// call fail with [ErrSessionClosed]. Calling Close more than once is safe.
func (s *Session) Close() error {
	err := s.Stop()
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// Status returns the current status snapshot.
func (s *Session) Status() status.Snapshot { return s.reconciler.Snapshot() }

// Hint returns the current hint state.
func (s *Session) Hint() hint.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// Labels returns the active label set.
func (s *Session) Labels() *label.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.labels.Clone()
}

// Running reports whether the session is capturing.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// onConfirm runs under s.mu, either from applyHintLocked or from the
// confirm timer.
func (s *Session) onConfirm(st hint.State) {
	s.metrics.RecordHintConfirmed(s.ctx, st.LabelID)
	s.log.Info("hint confirmed", "label", st.LabelID)
	s.listener.OnHintConfirmed(HintConfirmed{
		LabelID:      st.LabelID,
		DisplayLabel: st.DisplayLabel,
		Text:         st.HintText,
		DetectedAt:   st.DetectedAt,
	})
}

func (s *Session) runningLocked() error {
	switch s.state {
	case stateRunning:
		return nil
	case stateClosed:
		return ErrSessionClosed
	default:
		return ErrNotStarted
	}
}

func (s *Session) liveLocked(epoch uint64) bool {
	return s.state == stateRunning && s.epoch == epoch
}

func (s *Session) live(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(epoch)
}

func (s *Session) classifierStatus() classifier.Status {
	if t := s.reconciler.Current(); t != nil {
		return classifier.Status{ContinuousID: t.LabelID}
	}
	return classifier.Status{}
}

// logf writes a pipeline log line to slog at debug level and mirrors it to
// the listener.
func (s *Session) logf(msg string, args ...any) {
	s.log.Debug(msg, args...)

	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	s.listener.OnLog(b.String())
}
