package detect

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/kizuki/internal/hint"
	"github.com/MrWong99/kizuki/internal/hintgen"
	"github.com/MrWong99/kizuki/internal/observe"
	"github.com/MrWong99/kizuki/pkg/audio"
	"github.com/MrWong99/kizuki/pkg/label"
	"github.com/MrWong99/kizuki/pkg/provider/classifier"
	clsmock "github.com/MrWong99/kizuki/pkg/provider/classifier/mock"
	"github.com/MrWong99/kizuki/pkg/provider/llm"
	llmmock "github.com/MrWong99/kizuki/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/kizuki/pkg/provider/stt/mock"
	"github.com/MrWong99/kizuki/pkg/provider/vad"
	vadmock "github.com/MrWong99/kizuki/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const (
	frameSamples = 1200 // 50 ms at 24 kHz
	frameDur     = 50 * time.Millisecond
	loudAmp      = 8000 // about -12 dB
	quietAmp     = 150  // about -47 dB
)

func testLabels() *label.Set {
	return &label.Set{
		ModeID: "sales",
		Definitions: []label.Definition{
			{ID: "greeting", DisplayName: "挨拶", Category: label.Continuous, HintKind: label.HintFixed, FixedHint: "自己紹介をする", Enabled: true},
			{ID: "price", DisplayName: "価格提示", Category: label.Continuous, HintKind: label.HintFixed, FixedHint: "根拠を添える", Enabled: true},
			{ID: "objection", DisplayName: "高い", Category: label.Momentary, HintKind: label.HintGenerated, Enabled: true},
			{ID: "closing", DisplayName: "クロージング", Category: label.Continuous, HintKind: label.HintFixed, FixedHint: "次回日程", Enabled: false},
		},
	}
}

func pcmFrame(amp int16, ts time.Duration) audio.Frame {
	data := make([]byte, frameSamples*2)
	for i := range frameSamples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(amp))
	}
	return audio.Frame{Data: data, SampleRate: audio.DefaultSampleRate, Channels: 1, Timestamp: ts}
}

func det(id string, conf float64, ev label.Evidence) *label.Detection {
	return &label.Detection{LabelID: id, Confidence: conf, Evidence: ev, Expression: "発話"}
}

type harness struct {
	s      *Session
	stt    *sttmock.Transcriber
	cls    *clsmock.Classifier
	prov   *clsmock.Provider
	sched  *hint.ManualScheduler
	events *ChannelListener
	ts     time.Duration
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		stt:    &sttmock.Transcriber{Default: "価格はいくらになりますか"},
		cls:    &clsmock.Classifier{},
		sched:  hint.NewManualScheduler(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)),
		events: NewChannelListener(256),
	}
	h.prov = &clsmock.Provider{Classifier: h.cls}

	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := DefaultConfig()
	cfg.SessionID = "test-session"
	cfg.ModeID = "sales"
	cfg.Labels = testLabels()

	base := []Option{
		WithListener(h.events),
		WithMetrics(metrics),
		WithScheduler(h.sched),
		WithClock(h.sched.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	s, err := New(cfg, h.stt, h.prov, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	h.s = s
	return h
}

func (h *harness) push(t *testing.T, amp int16, n int) {
	t.Helper()
	for range n {
		if err := h.s.PushFrame(pcmFrame(amp, h.ts)); err != nil {
			t.Fatalf("PushFrame: %v", err)
		}
		h.ts += frameDur
	}
}

// utter feeds 200 ms of speech followed by 150 ms of silence and waits for
// the resulting round-trip.
func (h *harness) utter(t *testing.T) {
	t.Helper()
	h.push(t, loudAmp, 4)
	h.push(t, quietAmp, 3)
	waitIdle(t, h.s)
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		busy := s.inFlight
		s.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("round-trip did not finish")
}

// drain returns every event buffered so far.
func (h *harness) drain() []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-h.events.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func hasLog(events []Event, substr string) bool {
	for _, ev := range ofType(events, EventLog) {
		if strings.Contains(ev.Data.(messageData).Message, substr) {
			return true
		}
	}
	return false
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	good := DefaultConfig()
	good.SessionID = "s"
	good.Labels = testLabels()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing session id", func(c *Config) { c.SessionID = "" }},
		{"missing labels", func(c *Config) { c.Labels = nil }},
		{"invalid labels", func(c *Config) {
			c.Labels = &label.Set{Definitions: []label.Definition{{ID: "x"}}}
		}},
		{"inverted vad thresholds", func(c *Config) { c.VAD.SilenceThresholdDB = -20 }},
		{"inverted confidence", func(c *Config) { c.Confirm.MinConfidence = 0.9 }},
		{"zero capacity", func(c *Config) { c.Confirm.Capacity = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := good
			cfg.Labels = testLabels()
			tt.mutate(&cfg)
			if _, err := New(cfg, &sttmock.Transcriber{}, &clsmock.Provider{}); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := New(good, nil, &clsmock.Provider{}); err == nil {
		t.Error("expected error for nil transcriber")
	}
	if _, err := New(good, &sttmock.Transcriber{}, nil); err == nil {
		t.Error("expected error for nil classifier provider")
	}
}

func TestSession_StartOpensClassifier(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if got := h.prov.OpenCallCount(); got != 1 {
		t.Fatalf("Open calls = %d, want 1", got)
	}
	cfg := h.prov.OpenCalls[0].Cfg
	if cfg.Labels == nil || len(cfg.Labels.Definitions) != 4 {
		t.Errorf("Open labels = %+v", cfg.Labels)
	}
	if cfg.Status != (classifier.Status{}) {
		t.Errorf("Open status = %+v, want empty", cfg.Status)
	}

	events := h.drain()
	conn := ofType(events, EventConnection)
	if len(conn) != 2 ||
		conn[0].Data.(connectionData).State != StateConnecting ||
		conn[1].Data.(connectionData).State != StateConnected {
		t.Errorf("connection events = %+v", conn)
	}
	if err := h.s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestSession_StartOpenFailure(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.SessionID = "s"
	cfg.Labels = testLabels()
	l := NewChannelListener(16)
	prov := &clsmock.Provider{OpenErr: errors.New("dial refused")}

	s, err := New(cfg, &sttmock.Transcriber{}, prov, WithListener(l),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected Start error")
	}
	if s.Running() {
		t.Error("session should not be running")
	}
	if err := s.PushFrame(pcmFrame(0, 0)); !errors.Is(err, ErrNotStarted) {
		t.Errorf("PushFrame err = %v, want ErrNotStarted", err)
	}
}

func TestSession_StopAndClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cls.Push(det("price", 0.8, label.EvidenceImplicit))
	h.utter(t)

	if h.sched.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.sched.Pending())
	}
	if err := h.s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.sched.Pending() != 0 {
		t.Errorf("confirm timer still armed after Stop")
	}
	if st := h.s.Hint(); st.Status != hint.StatusNone {
		t.Errorf("hint after Stop = %v, want none", st.Status)
	}
	if snap := h.s.Status(); snap.Continuous != nil || len(snap.Recent) != 0 {
		t.Errorf("status after Stop = %+v", snap)
	}
	if h.cls.Closes() != 1 {
		t.Errorf("classifier Close calls = %d, want 1", h.cls.Closes())
	}
	if err := h.s.PushFrame(pcmFrame(0, h.ts)); !errors.Is(err, ErrNotStarted) {
		t.Errorf("PushFrame after Stop err = %v, want ErrNotStarted", err)
	}

	// Stop is a no-op on an idle session.
	if err := h.s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := h.s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := h.s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := h.s.Start(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Start after Close err = %v, want ErrSessionClosed", err)
	}
	if err := h.s.RequestHint(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("RequestHint after Close err = %v, want ErrSessionClosed", err)
	}
}

// ── capture and Gate A ───────────────────────────────────────────────────────

func TestSession_SilenceNeverFlushes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.push(t, 0, 40)
	waitIdle(t, h.s)

	events := h.drain()
	if n := len(ofType(events, EventSpeechStarted)); n != 0 {
		t.Errorf("speech_started events = %d, want 0", n)
	}
	if h.stt.CallCount() != 0 {
		t.Errorf("transcriber calls = %d, want 0", h.stt.CallCount())
	}
}

func TestSession_SingleUtteranceFlushesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.push(t, quietAmp, 6)
	h.utter(t)

	events := h.drain()
	if n := len(ofType(events, EventSpeechStarted)); n != 1 {
		t.Errorf("speech_started events = %d, want 1", n)
	}
	if n := len(ofType(events, EventSpeechEnded)); n != 1 {
		t.Errorf("speech_ended events = %d, want 1", n)
	}
	segs := h.stt.Segments()
	if len(segs) != 1 {
		t.Fatalf("transcriber calls = %d, want 1", len(segs))
	}

	// The segment starts with the 200 ms of preroll that led up to
	// SpeechStart: two quiet frames and the first two loud ones.
	seg := segs[0]
	if seg.Start != 200*time.Millisecond {
		t.Errorf("segment start = %v, want 200ms", seg.Start)
	}
	if seg.Duration() != 450*time.Millisecond {
		t.Errorf("segment duration = %v, want 450ms", seg.Duration())
	}
	if len(seg.PCM) != 9*frameSamples*2 {
		t.Errorf("segment bytes = %d, want %d", len(seg.PCM), 9*frameSamples*2)
	}
	if tr := ofType(events, EventTranscript); len(tr) != 1 || tr[0].Data.(Transcript).Text != "価格はいくらになりますか" {
		t.Errorf("transcript events = %+v", tr)
	}
}

func TestSession_GateASkipsShortSegment(t *testing.T) {
	t.Parallel()
	vs := &vadmock.Session{Events: []vad.Event{
		{Type: vad.EventSpeechStart, LevelDB: -10, Voiced: true},
		{Type: vad.EventSpeechEnd, LevelDB: -80},
	}}
	h := newHarness(t, WithVAD(&vadmock.Engine{Session: vs}))
	h.push(t, loudAmp, 2)
	waitIdle(t, h.s)

	if h.stt.CallCount() != 0 {
		t.Errorf("transcriber calls = %d, want 0", h.stt.CallCount())
	}
	events := h.drain()
	if !hasLog(events, "chunk skipped reason=too_short") {
		t.Errorf("missing chunk skip log in %+v", ofType(events, EventLog))
	}
}

func TestSession_DropsSegmentWhileInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	block := make(chan struct{})
	h.stt.Block = block

	h.push(t, loudAmp, 4)
	h.push(t, quietAmp, 3)
	h.push(t, loudAmp, 4)
	h.push(t, quietAmp, 3)

	close(block)
	waitIdle(t, h.s)

	if h.stt.CallCount() != 1 {
		t.Errorf("transcriber calls = %d, want 1", h.stt.CallCount())
	}
	if !hasLog(h.drain(), "commit skipped: response in progress") {
		t.Error("missing in-flight drop log")
	}
}

// ── transcript gates ─────────────────────────────────────────────────────────

func TestSession_TranscriptGates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name           string
		text           string
		wantTranscript bool
		wantClassify   bool
	}{
		{"accepted", "価格はいくらになりますか", true, true},
		{"hallucination", "ご視聴ありがとうございました", false, false},
		{"low score", "そうそうそう", true, false},
		{"empty", "  ", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.stt.Texts = []string{tt.text}
			h.utter(t)

			tr := ofType(h.drain(), EventTranscript)
			if got := len(tr) == 1; got != tt.wantTranscript {
				t.Errorf("transcript shown = %v, want %v", got, tt.wantTranscript)
			}
			if got := len(h.cls.Requests()) == 1; got != tt.wantClassify {
				t.Errorf("classified = %v, want %v", got, tt.wantClassify)
			}
			if tt.wantTranscript && tr[0].Data.(Transcript).Forwarded != tt.wantClassify {
				t.Errorf("forwarded = %v, want %v", tr[0].Data.(Transcript).Forwarded, tt.wantClassify)
			}
		})
	}
}

func TestSession_ClassifierSeesHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.stt.Texts = []string{"はじめまして田中です", "価格はいくらになりますか"}
	h.utter(t)
	h.utter(t)

	reqs := h.cls.Requests()
	if len(reqs) != 2 {
		t.Fatalf("classify calls = %d, want 2", len(reqs))
	}
	last := reqs[1]
	if last.Transcript != "価格はいくらになりますか" {
		t.Errorf("transcript = %q", last.Transcript)
	}
	if len(last.History) != 2 || last.History[0] != "はじめまして田中です" {
		t.Errorf("history = %v", last.History)
	}
}

// ── Gate C and hints ─────────────────────────────────────────────────────────

func TestSession_ImmediateConfirm(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cls.Push(det("price", 0.9, label.EvidenceExplicit))
	h.utter(t)

	events := h.drain()
	detected := ofType(events, EventLabelDetected)
	if len(detected) != 1 {
		t.Fatalf("label_detected events = %d, want 1", len(detected))
	}
	if d := detected[0].Data.(LabelDetected); d.Provisional || d.Path != "immediate" {
		t.Errorf("label_detected = %+v", d)
	}
	confirmed := ofType(events, EventHintConfirmed)
	if len(confirmed) != 1 {
		t.Fatalf("hint_confirmed events = %d, want 1", len(confirmed))
	}
	if got := confirmed[0].Data.(HintConfirmed); got.Text != "根拠を添える" || got.LabelID != "price" {
		t.Errorf("hint_confirmed = %+v", got)
	}
	if h.sched.Pending() != 0 {
		t.Error("no timer should remain after an immediate confirm")
	}
	snap := h.s.Status()
	if snap.Continuous == nil || snap.Continuous.LabelID != "price" {
		t.Errorf("continuous = %+v, want price", snap.Continuous)
	}
	if rec, ok := snap.Labels["price"]; !ok || rec.Confidence != 0.9 {
		t.Errorf("label record = %+v", snap.Labels)
	}

	// The classifier learns about the new stage.
	cfgs := h.cls.Configures()
	if len(cfgs) != 1 || cfgs[0].Status.ContinuousID != "price" {
		t.Errorf("Configure calls = %+v", cfgs)
	}
}

func TestSession_ProvisionalConfirmsAfterDelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cls.Push(det("price", 0.8, label.EvidenceImplicit))
	h.utter(t)

	events := h.drain()
	detected := ofType(events, EventLabelDetected)
	if len(detected) != 1 || !detected[0].Data.(LabelDetected).Provisional {
		t.Fatalf("label_detected = %+v", detected)
	}
	if n := len(ofType(events, EventHintConfirmed)); n != 0 {
		t.Fatalf("hint confirmed before delay")
	}
	if st := h.s.Hint(); st.Status != hint.StatusProvisional {
		t.Fatalf("hint = %v, want provisional", st.Status)
	}

	h.sched.Advance(799 * time.Millisecond)
	if n := len(ofType(h.drain(), EventHintConfirmed)); n != 0 {
		t.Fatal("hint confirmed before 800ms")
	}
	h.sched.Advance(time.Millisecond)
	if n := len(ofType(h.drain(), EventHintConfirmed)); n != 1 {
		t.Fatalf("hint_confirmed events = %d, want 1", n)
	}
	if st := h.s.Hint(); st.Status != hint.StatusConfirmed {
		t.Errorf("hint = %v, want confirmed", st.Status)
	}
}

func TestSession_MultiHitConfirmsImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cls.Push(det("price", 0.8, label.EvidenceImplicit), det("price", 0.78, label.EvidenceImplicit))
	h.utter(t)
	h.sched.Advance(100 * time.Millisecond)
	h.utter(t)

	events := h.drain()
	detected := ofType(events, EventLabelDetected)
	if len(detected) != 2 {
		t.Fatalf("label_detected events = %d, want 2", len(detected))
	}
	if d := detected[1].Data.(LabelDetected); d.Path != "multi_hit" || d.Provisional {
		t.Errorf("second detection = %+v", d)
	}
	if n := len(ofType(events, EventHintConfirmed)); n != 1 {
		t.Fatalf("hint_confirmed events = %d, want 1", n)
	}

	// The timer of the first provisional hint must not fire again.
	h.sched.Advance(2 * time.Second)
	if n := len(ofType(h.drain(), EventHintConfirmed)); n != 0 {
		t.Errorf("extra hint_confirmed events = %d", n)
	}
}

func TestSession_RejectedDetectionChangesNothing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		d    *label.Detection
	}{
		{"low confidence", det("price", 0.7, label.EvidenceExplicit)},
		{"weak evidence", det("price", 0.95, label.EvidenceWeak)},
		{"missing evidence", det("price", 0.95, "")},
		{"unknown label", det("nope", 0.95, label.EvidenceExplicit)},
		{"disabled label", det("closing", 0.95, label.EvidenceExplicit)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.cls.Push(tt.d)
			h.utter(t)
			h.sched.Advance(time.Second)

			events := h.drain()
			if n := len(ofType(events, EventLabelDetected)); n != 0 {
				t.Errorf("label_detected events = %d, want 0", n)
			}
			if n := len(ofType(events, EventHintConfirmed)); n != 0 {
				t.Errorf("hint_confirmed events = %d, want 0", n)
			}
			snap := h.s.Status()
			if snap.Continuous != nil || len(snap.Recent) != 0 || len(snap.Labels) != 0 {
				t.Errorf("status changed: %+v", snap)
			}
		})
	}
}

func TestSession_SupersedeProvisional(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cls.Push(det("greeting", 0.8, label.EvidenceImplicit), det("price", 0.8, label.EvidenceImplicit))
	h.utter(t)
	h.sched.Advance(300 * time.Millisecond)
	h.utter(t)
	h.sched.Advance(time.Second)

	confirmed := ofType(h.drain(), EventHintConfirmed)
	if len(confirmed) != 1 {
		t.Fatalf("hint_confirmed events = %d, want 1", len(confirmed))
	}
	if got := confirmed[0].Data.(HintConfirmed).LabelID; got != "price" {
		t.Errorf("confirmed label = %q, want price", got)
	}
}

func TestSession_MomentaryKeepsContinuous(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cls.Push(det("price", 0.9, label.EvidenceExplicit), det("objection", 0.9, label.EvidenceExplicit))
	h.utter(t)
	h.utter(t)

	snap := h.s.Status()
	if snap.Continuous == nil || snap.Continuous.LabelID != "price" {
		t.Errorf("continuous = %+v, want price", snap.Continuous)
	}
	if snap.Momentary == nil || snap.Momentary.LabelID != "objection" {
		t.Errorf("momentary = %+v, want objection", snap.Momentary)
	}
}

func TestSession_GeneratedHint(t *testing.T) {
	t.Parallel()
	gen := &llmmock.Provider{Default: &llm.CompletionResponse{Content: "価値を伝える"}}
	h := newHarness(t, WithHintGenerator(hintgen.New(gen)))
	h.cls.Push(det("objection", 0.9, label.EvidenceExplicit))
	h.utter(t)

	confirmed := ofType(h.drain(), EventHintConfirmed)
	if len(confirmed) != 1 || confirmed[0].Data.(HintConfirmed).Text != "価値を伝える" {
		t.Fatalf("hint_confirmed = %+v", confirmed)
	}
	req, ok := gen.LastRequest()
	if !ok || !strings.Contains(req.SystemPrompt, "【検出されたフレーズ】\n高い") {
		t.Errorf("generation prompt = %q", req.SystemPrompt)
	}
}

func TestSession_GeneratedHintWithoutGenerator(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cls.Push(det("objection", 0.9, label.EvidenceExplicit))
	h.utter(t)

	confirmed := ofType(h.drain(), EventHintConfirmed)
	if len(confirmed) != 1 || confirmed[0].Data.(HintConfirmed).Text != hintgen.FallbackEmpty {
		t.Fatalf("hint_confirmed = %+v", confirmed)
	}
}

// ── commands ─────────────────────────────────────────────────────────────────

func TestSession_ResetIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cls.Push(det("price", 0.9, label.EvidenceExplicit))
	h.utter(t)

	for i := range 2 {
		if err := h.s.Reset(context.Background()); err != nil {
			t.Fatalf("Reset #%d: %v", i+1, err)
		}
		if st := h.s.Hint(); st != (hint.State{}) {
			t.Errorf("hint after Reset #%d = %+v", i+1, st)
		}
		snap := h.s.Status()
		if snap.Continuous != nil || snap.Momentary != nil || len(snap.Recent) != 0 {
			t.Errorf("status after Reset #%d = %+v", i+1, snap)
		}
	}

	// Debounce was cleared: the same label triggers again at once.
	h.cls.Push(det("price", 0.9, label.EvidenceExplicit))
	h.utter(t)
	if n := len(ofType(h.drain(), EventHintConfirmed)); n != 2 {
		t.Errorf("hint_confirmed events = %d, want 2", n)
	}
}

func TestSession_ReplaceLabels(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cls.Push(det("greeting", 0.8, label.EvidenceImplicit))
	h.utter(t)

	next := testLabels()
	next.Definitions[0].Enabled = false
	if err := h.s.ReplaceLabels(context.Background(), next); err != nil {
		t.Fatalf("ReplaceLabels: %v", err)
	}
	if st := h.s.Hint(); st.Status != hint.StatusNone {
		t.Errorf("provisional hint of a disabled label survived: %+v", st)
	}
	if h.sched.Pending() != 0 {
		t.Error("timer of a cancelled hint is still armed")
	}

	cfgs := h.cls.Configures()
	last := cfgs[len(cfgs)-1]
	if d, _ := last.Labels.Lookup("greeting"); d.Enabled {
		t.Error("classifier was not reconfigured with the new set")
	}

	if err := h.s.ReplaceLabels(context.Background(), &label.Set{Definitions: []label.Definition{{ID: "bad"}}}); err == nil {
		t.Error("expected validation error")
	}
}

func TestSession_RequestHint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.utter(t)
	h.cls.Push(det("price", 0.9, label.EvidenceExplicit))

	if err := h.s.RequestHint(); err != nil {
		t.Fatalf("RequestHint: %v", err)
	}
	waitIdle(t, h.s)

	reqs := h.cls.Requests()
	if len(reqs) != 2 {
		t.Fatalf("classify calls = %d, want 2", len(reqs))
	}
	if reqs[1].Transcript != "" || len(reqs[1].History) != 1 {
		t.Errorf("manual request = %+v", reqs[1])
	}
	if n := len(ofType(h.drain(), EventHintConfirmed)); n != 1 {
		t.Errorf("hint_confirmed events = %d, want 1", n)
	}
}

func TestSession_RequestHintBusy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	block := make(chan struct{})
	h.cls.Block = block

	if err := h.s.RequestHint(); err != nil {
		t.Fatalf("RequestHint: %v", err)
	}
	if err := h.s.RequestHint(); !errors.Is(err, ErrBusy) {
		t.Errorf("second RequestHint err = %v, want ErrBusy", err)
	}
	close(block)
	waitIdle(t, h.s)
}

// ── collaborator failures ────────────────────────────────────────────────────

func TestSession_CollaboratorFailures(t *testing.T) {
	t.Parallel()
	t.Run("transcriber error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.stt.Err = errors.New("upstream 500")
		h.utter(t)
		if len(h.cls.Requests()) != 0 {
			t.Error("classifier called after transcription failure")
		}
		// The in-flight flag is cleared: the next segment is a fresh attempt.
		h.stt.Err = nil
		h.utter(t)
		if len(h.cls.Requests()) != 1 {
			t.Error("next segment was not classified")
		}
	})

	t.Run("server error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.cls.Errs = []error{&classifier.ServerError{Code: "rate_limit", Message: "slow down"}}
		h.utter(t)
		errs := ofType(h.drain(), EventError)
		if len(errs) != 1 {
			t.Fatalf("error events = %d, want 1", len(errs))
		}
		if !h.s.Running() {
			t.Error("server error must not stop the session")
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.cls.Push(det("greeting", 0.8, label.EvidenceImplicit))
		h.utter(t)
		h.cls.ClassifyErr = fmt.Errorf("%w: connection reset", classifier.ErrTransport)
		h.utter(t)

		if h.s.Running() {
			t.Fatal("session still running after transport failure")
		}
		events := h.drain()
		if n := len(ofType(events, EventError)); n != 1 {
			t.Errorf("error events = %d, want 1", n)
		}
		var states []ConnectionState
		for _, ev := range ofType(events, EventConnection) {
			states = append(states, ev.Data.(connectionData).State)
		}
		want := []ConnectionState{StateConnecting, StateConnected, StateError, StateDisconnected}
		if fmt.Sprint(states) != fmt.Sprint(want) {
			t.Errorf("connection states = %v, want %v", states, want)
		}
		if st := h.s.Hint(); st.Status != hint.StatusNone {
			t.Errorf("hint after teardown = %v", st.Status)
		}
		if h.sched.Pending() != 0 {
			t.Error("timer still armed after teardown")
		}
	})
}
