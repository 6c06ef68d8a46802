// Package level provides a [vad.Engine] that classifies frames by their RMS
// level with two hysteresis thresholds.
//
// A frame louder than the speech threshold extends the current loud run, a
// frame quieter than the silence threshold extends the quiet run, and frames
// in between leave the state alone. The first loud frame starts the speech
// timer and speech is declared on a later loud frame that begins at least
// MinSpeech after it. Speech ends once the quiet run, counted through the end
// of the current frame, reaches MinSilence. Both runs must span at least two
// frames, so a single spike or dropout never toggles the state however long
// the capture block is.
package level

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/kizuki/pkg/audio"
	"github.com/MrWong99/kizuki/pkg/provider/vad"
)

// minRunFrames is the number of consecutive frames a run needs before it can
// toggle the speech state.
const minRunFrames = 2

// Engine creates level-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns a level Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{cfg: cfg}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a single-stream level detector. It is safe for concurrent use,
// although frames must be delivered in stream order.
type Session struct {
	cfg vad.Config

	mu      sync.Mutex
	closed  bool
	started bool

	inSpeech   bool
	loudStart  time.Duration
	loudFrames int
	quietRun   time.Duration
	quietFrame int
	lastFlush  time.Duration
}

// ProcessFrame measures frame and advances the hysteresis state.
func (s *Session) ProcessFrame(frame audio.Frame) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Event{}, vad.ErrClosed
	}
	if frame.SampleRate == 0 {
		frame.SampleRate = s.cfg.SampleRate
	}
	if frame.SampleRate != s.cfg.SampleRate {
		return vad.Event{}, fmt.Errorf("level: frame sample rate %d Hz, session expects %d Hz", frame.SampleRate, s.cfg.SampleRate)
	}

	db := audio.LevelDB(frame.Data)
	dur := frame.Duration()
	end := frame.Timestamp + dur
	if !s.started {
		s.started = true
		s.lastFlush = frame.Timestamp
	}

	loud := db > s.cfg.SpeechThresholdDB
	ev := vad.Event{LevelDB: db, Voiced: loud, At: end}

	if loud {
		if s.loudFrames == 0 {
			s.loudStart = frame.Timestamp
		}
		s.loudFrames++
	} else {
		s.loudFrames = 0
	}

	if !s.inSpeech {
		if s.loudFrames >= minRunFrames && frame.Timestamp-s.loudStart >= s.cfg.MinSpeech {
			s.inSpeech = true
			s.quietRun, s.quietFrame = 0, 0
			s.lastFlush = s.loudStart
			ev.Type = vad.EventSpeechStart
			return ev, nil
		}
		ev.Type = vad.EventSilence
		return ev, nil
	}

	if db < s.cfg.SilenceThresholdDB {
		s.quietRun += dur
		s.quietFrame++
	} else {
		s.quietRun, s.quietFrame = 0, 0
	}

	switch {
	case s.quietFrame >= minRunFrames && s.quietRun >= s.cfg.MinSilence:
		s.inSpeech = false
		s.quietRun, s.quietFrame = 0, 0
		s.loudFrames = 0
		s.lastFlush = end
		ev.Type = vad.EventSpeechEnd
	case s.cfg.MaxSegment > 0 && end-s.lastFlush >= s.cfg.MaxSegment:
		s.lastFlush = end
		ev.Type = vad.EventForceFlush
	default:
		ev.Type = vad.EventSpeechContinue
	}
	return ev, nil
}

// InSpeech reports whether the session is currently inside an utterance.
func (s *Session) InSpeech() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inSpeech
}

// Reset returns the session to its initial state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.inSpeech = false
	s.loudStart, s.loudFrames = 0, 0
	s.quietRun, s.quietFrame = 0, 0
	s.lastFlush = 0
}

// Close marks the session closed. Subsequent frames return [vad.ErrClosed].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)
