// Package audio holds the PCM primitives shared by the detection pipeline:
// frame and segment types, level metering, format conversion and WAV
// framing for batch transcription requests.
//
// All PCM in this package is signed 16-bit little-endian.
package audio

import "time"

const (
	// DefaultSampleRate is the capture rate clients are expected to send.
	DefaultSampleRate = 24000

	// DefaultFrameSamples is the capture block size (~170 ms at 24 kHz).
	DefaultFrameSamples = 4096
)

// Frame is a single block of mono PCM delivered by the capture side.
type Frame struct {
	// Data is the raw PCM16 LE payload.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono. Frames with more channels are downmixed by
	// [FormatConverter] before they reach the detector.
	Channels int

	// Timestamp is the capture time of the first sample, relative to stream
	// start. The detector derives all of its timing from this value.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in f.
func (f Frame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (2 * ch)
}

// Duration returns the audio length of f.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Segment is an accumulated utterance handed to the transcription
// collaborator after it passed the chunk quality gate.
type Segment struct {
	PCM        []byte
	SampleRate int

	// Start and End are stream-relative capture times.
	Start time.Duration
	End   time.Duration
}

// Duration returns End - Start.
func (s Segment) Duration() time.Duration { return s.End - s.Start }
