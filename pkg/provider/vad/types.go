package vad

import "time"

// Event is the VAD result for a single frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// LevelDB is the frame level, 20·log10(rms + 1e-4).
	LevelDB float64

	// Voiced reports whether the frame level exceeded the speech threshold.
	Voiced bool

	// At is the stream time at the end of the frame.
	At time.Duration
}

// EventType enumerates VAD detection states.
type EventType int

const (
	// EventSilence indicates no speech is in progress.
	EventSilence EventType = iota

	// EventSpeechStart indicates speech has just begun.
	EventSpeechStart

	// EventSpeechContinue indicates ongoing speech.
	EventSpeechContinue

	// EventSpeechEnd indicates speech has just ended; the utterance should be
	// flushed.
	EventSpeechEnd

	// EventForceFlush indicates the utterance reached the maximum segment
	// length. Speech is still in progress; the audio so far should be
	// flushed and accumulation restarted.
	EventForceFlush
)

// String returns a short name for t.
func (t EventType) String() string {
	switch t {
	case EventSilence:
		return "silence"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechContinue:
		return "speech_continue"
	case EventSpeechEnd:
		return "speech_end"
	case EventForceFlush:
		return "force_flush"
	default:
		return "unknown"
	}
}

// Flushes reports whether t ends the current segment.
func (t EventType) Flushes() bool { return t == EventSpeechEnd || t == EventForceFlush }
