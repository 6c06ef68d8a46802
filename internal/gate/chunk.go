// Package gate implements the quality and confirmation gates of the detection
// pipeline:
//
//   - Gate A ([ChunkMeter]) decides whether an accumulated audio segment is
//     worth transcribing.
//   - The [HallucinationFilter] rejects transcripts that look like acoustic
//     artifacts of the transcription model.
//   - Gate B ([TranscriptScorer]) scores a transcript for reliability and
//     withholds low-scoring text from the classifier.
//   - Gate C ([Confirmer]) turns classifier detections into confirmation
//     paths, backed by a short-term [RecentDetections] ring buffer.
//
// None of the types in this package read the wall clock. Callers pass the
// observation time in, which keeps every decision reproducible in tests.
package gate

import (
	"time"

	"github.com/MrWong99/kizuki/pkg/audio"
)

// Skip reasons reported by [ChunkQuality.Reason].
const (
	ReasonTooShort    = "too_short"
	ReasonLowVoiced   = "low_voiced_ratio"
	ReasonTooQuiet    = "too_quiet"
	ReasonEmptyChunk  = "empty"
	noSkip            = ""
	emptyChunkLevelDB = audio.FloorDB
)

// ChunkPolicy holds the Gate A thresholds.
type ChunkPolicy struct {
	// MinDuration is the shortest segment that is sent for transcription.
	MinDuration time.Duration

	// MinVoicedRatio is the minimum share of samples that must sit in voiced
	// frames.
	MinVoicedRatio float64

	// MinLevelDB is the minimum mean frame level.
	MinLevelDB float64

	// VoicedLevelDB is the frame level above which a frame counts as voiced.
	// It normally equals the VAD speech threshold.
	VoicedLevelDB float64
}

// DefaultChunkPolicy returns the stock Gate A thresholds.
func DefaultChunkPolicy() ChunkPolicy {
	return ChunkPolicy{
		MinDuration:    250 * time.Millisecond,
		MinVoicedRatio: 0.2,
		MinLevelDB:     -50,
		VoicedLevelDB:  -35,
	}
}

// ChunkQuality is the Gate A verdict for one segment.
type ChunkQuality struct {
	Duration       time.Duration
	AverageLevelDB float64
	VoicedRatio    float64

	// Skip is true when the segment must not be transcribed.
	Skip bool

	// Reason names the first failed threshold when Skip is set.
	Reason string
}

// ChunkMeter accumulates frames of the current segment together with the
// statistics Gate A needs. It is not safe for concurrent use; the detector
// drives it under its session lock.
type ChunkMeter struct {
	policy ChunkPolicy

	pcm        []byte
	sampleRate int
	start, end time.Duration
	frames     int
	samples    int
	voiced     int
	sumDB      float64
}

// NewChunkMeter returns an empty meter applying policy.
func NewChunkMeter(policy ChunkPolicy) *ChunkMeter {
	return &ChunkMeter{policy: policy}
}

// Add appends f, whose precomputed level is levelDB, to the segment.
func (m *ChunkMeter) Add(f audio.Frame, levelDB float64) {
	n := f.Samples()
	if n == 0 {
		return
	}
	if m.frames == 0 {
		m.start = f.Timestamp
		m.sampleRate = f.SampleRate
	}
	m.end = f.Timestamp + f.Duration()
	m.pcm = append(m.pcm, f.Data...)
	m.frames++
	m.samples += n
	m.sumDB += levelDB
	if levelDB > m.policy.VoicedLevelDB {
		m.voiced += n
	}
}

// Empty reports whether no frames have been added since the last Reset.
func (m *ChunkMeter) Empty() bool { return m.frames == 0 }

// Evaluate computes the Gate A verdict for the frames accumulated so far.
func (m *ChunkMeter) Evaluate() ChunkQuality {
	if m.frames == 0 {
		return ChunkQuality{AverageLevelDB: emptyChunkLevelDB, Skip: true, Reason: ReasonEmptyChunk}
	}

	q := ChunkQuality{
		Duration:       m.end - m.start,
		AverageLevelDB: m.sumDB / float64(m.frames),
		VoicedRatio:    float64(m.voiced) / float64(m.samples),
	}
	switch {
	case q.Duration < m.policy.MinDuration:
		q.Reason = ReasonTooShort
	case q.VoicedRatio < m.policy.MinVoicedRatio:
		q.Reason = ReasonLowVoiced
	case q.AverageLevelDB < m.policy.MinLevelDB:
		q.Reason = ReasonTooQuiet
	default:
		q.Reason = noSkip
	}
	q.Skip = q.Reason != noSkip
	return q
}

// Segment returns a copy of the accumulated audio.
func (m *ChunkMeter) Segment() audio.Segment {
	pcm := make([]byte, len(m.pcm))
	copy(pcm, m.pcm)
	return audio.Segment{
		PCM:        pcm,
		SampleRate: m.sampleRate,
		Start:      m.start,
		End:        m.end,
	}
}

// Reset discards the accumulated segment. The PCM buffer is released rather
// than truncated so a long utterance does not pin its memory.
func (m *ChunkMeter) Reset() {
	*m = ChunkMeter{policy: m.policy}
}
