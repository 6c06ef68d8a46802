package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/kizuki/internal/gate"
	"github.com/MrWong99/kizuki/internal/hint"
	"github.com/MrWong99/kizuki/internal/hintgen"
	"github.com/MrWong99/kizuki/internal/observe"
	"github.com/MrWong99/kizuki/pkg/audio"
	"github.com/MrWong99/kizuki/pkg/label"
	"github.com/MrWong99/kizuki/pkg/provider/classifier"
)

// processSegment is one end-to-end round-trip for an accepted segment.
func (s *Session) processSegment(ctx context.Context, epoch uint64, seg audio.Segment) {
	ctx, span := observe.StartSpan(ctx, "detect.segment",
		trace.WithAttributes(
			attribute.String("session_id", s.cfg.SessionID),
			attribute.Float64("segment.seconds", seg.Duration().Seconds()),
		),
	)
	defer span.End()

	text, err := s.transcribe(ctx, seg)
	if err != nil {
		if ctx.Err() == nil {
			span.RecordError(err)
			s.logCtx(ctx).Warn("transcription failed", "err", err)
		}
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		s.logf("transcriber abstained")
		return
	}

	if reject, reason := s.filter.Check(text); reject {
		s.metrics.RecordGateRejection(ctx, "hallucination", reason)
		s.logCtx(ctx).Debug("transcript rejected", "reason", reason, "text", text)
		s.listener.OnLog("transcript rejected reason=" + reason)
		return
	}

	score, forward := s.scorer.Accept(text)
	if !s.live(epoch) {
		return
	}
	s.history.Add(text)
	s.listener.OnTranscript(Transcript{Text: text, Final: true, Score: score, Forwarded: forward})
	span.SetAttributes(attribute.Float64("transcript.score", score))
	if !forward {
		s.metrics.RecordGateRejection(ctx, "transcript", "low_score")
		s.logf("transcript withheld from classifier", "score", fmt.Sprintf("%.2f", score))
		return
	}

	s.classifyAndHandle(ctx, epoch, classifier.Request{Transcript: text, History: s.history.Texts()})
}

// processManual re-evaluates the conversation history on request.
func (s *Session) processManual(ctx context.Context, epoch uint64) {
	ctx, span := observe.StartSpan(ctx, "detect.manual",
		trace.WithAttributes(attribute.String("session_id", s.cfg.SessionID)),
	)
	defer span.End()

	s.classifyAndHandle(ctx, epoch, classifier.Request{History: s.history.Texts()})
}

func (s *Session) classifyAndHandle(ctx context.Context, epoch uint64, req classifier.Request) {
	s.mu.Lock()
	cls := s.cls
	live := s.liveLocked(epoch)
	s.mu.Unlock()
	if !live || cls == nil {
		return
	}

	start := time.Now()
	det, err := cls.Classify(ctx, req)
	s.metrics.ClassifierDuration.Record(ctx, time.Since(start).Seconds())
	s.recordRequest(ctx, s.cfg.Providers.Classifier, "classifier", err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		trace.SpanFromContext(ctx).RecordError(err)
		var serr *classifier.ServerError
		switch {
		case errors.Is(err, classifier.ErrTransport), errors.Is(err, classifier.ErrClosed):
			s.fail(epoch, err)
		case errors.As(err, &serr):
			s.logCtx(ctx).Warn("classifier error", "code", serr.Code, "err", serr)
			s.listener.OnError(serr.Error())
		default:
			s.logCtx(ctx).Warn("classification failed", "err", err)
		}
		return
	}
	if det == nil {
		s.logf("classifier abstained")
		return
	}
	s.handleDetection(ctx, epoch, *det)
}

// handleDetection runs Gate C and drives the hint machine. Hint generation
// happens between two critical sections so the LLM call never holds the
// session lock.
func (s *Session) handleDetection(ctx context.Context, epoch uint64, det label.Detection) {
	s.mu.Lock()
	if !s.liveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	def, ok := s.labels.Lookup(det.LabelID)
	if !ok || !def.Enabled {
		s.logf("detection for unknown label ignored", "label", det.LabelID)
		s.mu.Unlock()
		return
	}
	if det.ObservedAt.IsZero() {
		det.ObservedAt = s.now()
	}

	dec := s.confirmer.Evaluate(det)
	if dec.Path == gate.PathRejected {
		s.metrics.RecordGateRejection(ctx, "confirm", dec.Reason)
		s.logf("detection rejected",
			"label", def.ID,
			"reason", dec.Reason,
			"confidence", fmt.Sprintf("%.2f", det.Confidence),
			"evidence", det.Evidence,
		)
		s.mu.Unlock()
		return
	}

	s.reconciler.Record(det)
	s.metrics.RecordDetection(ctx, def.ID, dec.Path.String())
	s.listener.OnLabelDetected(LabelDetected{
		LabelID:     def.ID,
		DisplayName: def.DisplayName,
		Category:    def.Category,
		Confidence:  det.Confidence,
		Evidence:    det.Evidence,
		Expression:  det.Expression,
		Path:        dec.Path.String(),
		Provisional: !dec.Path.ConfirmsNow(),
	})
	s.mu.Unlock()

	text := s.hintText(ctx, def, det)

	s.mu.Lock()
	if !s.liveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	before := s.classifierStatus()
	s.applyHintLocked(def, text, dec)
	after := s.classifierStatus()
	cls, labels := s.cls, s.labels
	s.mu.Unlock()

	if before != after && cls != nil {
		if err := cls.Configure(ctx, labels, after); err != nil && ctx.Err() == nil {
			s.logCtx(ctx).Warn("classifier status update failed", "err", err)
		}
	}
}

// applyHintLocked supersedes a provisional hint of another label, starts a
// provisional hint for def and confirms it at once when the path allows.
// A debounced start still lets an immediate path confirm the pending hint of
// the same label.
func (s *Session) applyHintLocked(def label.Definition, text string, dec gate.Decision) {
	if cur := s.machine.State(); cur.Status == hint.StatusProvisional && cur.LabelID != def.ID {
		s.machine.CancelProvisional()
		s.logf("provisional hint superseded", "label", cur.LabelID, "by", def.ID)
	}
	if s.machine.StartProvisional(def.ID, text, def.DisplayName) {
		s.reconciler.Apply(def, s.now())
	} else {
		s.logf("hint debounced", "label", def.ID)
	}
	if dec.Path.ConfirmsNow() {
		s.machine.Confirm()
	}
}

func (s *Session) hintText(ctx context.Context, def label.Definition, det label.Detection) string {
	if def.HintKind != label.HintGenerated {
		return def.FixedHint
	}
	if s.hints == nil {
		if def.FixedHint != "" {
			return def.FixedHint
		}
		return hintgen.FallbackEmpty
	}

	start := time.Now()
	text, err := s.hints.Generate(ctx, hintgen.Request{
		Phrase:     def.DisplayName,
		Expression: det.Expression,
		History:    s.history.Texts(),
	})
	s.metrics.HintGenDuration.Record(ctx, time.Since(start).Seconds())
	s.recordRequest(ctx, s.cfg.Providers.LLM, "llm", err)
	if err != nil && ctx.Err() == nil {
		s.logCtx(ctx).Warn("hint generation failed", "label", def.ID, "err", err)
	}
	return text
}

func (s *Session) transcribe(ctx context.Context, seg audio.Segment) (string, error) {
	start := time.Now()
	text, err := s.transcriber.Transcribe(ctx, seg)
	s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	s.recordRequest(ctx, s.cfg.Providers.STT, "stt", err)
	if err != nil {
		return "", fmt.Errorf("detect: transcribe: %w", err)
	}
	return text, nil
}

// logCtx returns the session logger carrying the trace of the round-trip in
// ctx.
func (s *Session) logCtx(ctx context.Context) *slog.Logger {
	return observe.Logger(ctx, s.log)
}

func (s *Session) recordRequest(ctx context.Context, provider, kind string, err error) {
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, provider, kind, "error")
		s.metrics.RecordProviderError(ctx, provider, kind)
		return
	}
	s.metrics.RecordProviderRequest(ctx, provider, kind, "ok")
}

// fail handles a lost classifier connection: the client is told and the
// session stops.
func (s *Session) fail(epoch uint64, err error) {
	if !s.live(epoch) {
		return
	}
	s.log.Error("classifier connection lost", "err", err)
	s.listener.OnError(err.Error())
	s.listener.OnConnection(StateError)
	if err := s.Stop(); err != nil {
		s.log.Warn("stop after connection loss", "err", err)
	}
}
