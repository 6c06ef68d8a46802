package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/kizuki/pkg/audio"
	sttmock "github.com/MrWong99/kizuki/pkg/provider/stt/mock"
)

func TestTranscriberFallback_Transcribe(t *testing.T) {
	t.Parallel()

	seg := audio.Segment{PCM: make([]byte, 4800), SampleRate: 24000, End: 100 * time.Millisecond}

	t.Run("primary answers", func(t *testing.T) {
		t.Parallel()
		primary := &sttmock.Transcriber{Default: "こんにちは"}
		secondary := &sttmock.Transcriber{Default: "unused"}
		f := NewTranscriberFallback(primary, "openai", FallbackConfig{})
		f.AddFallback("whisper", secondary)

		text, err := f.Transcribe(context.Background(), seg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if text != "こんにちは" {
			t.Errorf("text = %q", text)
		}
		if secondary.CallCount() != 0 {
			t.Errorf("secondary called %d times", secondary.CallCount())
		}
		if got := primary.Segments(); len(got) != 1 || len(got[0].PCM) != len(seg.PCM) {
			t.Errorf("primary segments = %d", len(got))
		}
	})

	t.Run("fails over and opens the primary breaker", func(t *testing.T) {
		t.Parallel()
		primary := &sttmock.Transcriber{Err: errors.New("connection refused")}
		secondary := &sttmock.Transcriber{Default: "見積もり"}
		f := NewTranscriberFallback(primary, "openai", FallbackConfig{
			CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		})
		f.AddFallback("whisper", secondary)

		for range 3 {
			text, err := f.Transcribe(context.Background(), seg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if text != "見積もり" {
				t.Errorf("text = %q", text)
			}
		}
		if primary.CallCount() != 2 {
			t.Errorf("primary calls = %d, want 2 before the breaker opened", primary.CallCount())
		}
		states := f.States()
		if len(states) != 2 || states[0].Name != "openai" || states[0].State != StateOpen {
			t.Errorf("States() = %+v", states)
		}
		if !f.Healthy() {
			t.Error("Healthy() = false with whisper closed")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		primary := &sttmock.Transcriber{Block: make(chan struct{})}
		secondary := &sttmock.Transcriber{Default: "unused"}
		f := NewTranscriberFallback(primary, "openai", FallbackConfig{})
		f.AddFallback("whisper", secondary)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.Transcribe(ctx, seg)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if secondary.CallCount() != 0 {
			t.Error("cancellation triggered failover")
		}
	})
}
