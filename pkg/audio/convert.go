package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter normalises incoming frames to mono PCM16 at SampleRate.
// It warns once on the first format mismatch and once on malformed input.
// Create one per stream; it is not meant to be shared across goroutines.
// Resampling carries its position from one frame to the next, so the output
// length of a stream does not depend on how the client split it.
type FormatConverter struct {
	SampleRate int

	resampler *Resampler

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert downmixes then resamples frame to the target format. Frames that
// already match are returned unchanged. A frame whose payload is not a whole
// number of samples is returned with nil Data.
func (c *FormatConverter) Convert(frame Frame) Frame {
	channels := max(frame.Channels, 1)
	if len(frame.Data)%(2*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM payload, dropping frame",
				"bytes", len(frame.Data),
				"channels", channels,
			)
		})
		return Frame{SampleRate: c.SampleRate, Channels: 1, Timestamp: frame.Timestamp}
	}

	if channels == 1 && (frame.SampleRate == c.SampleRate || frame.SampleRate == 0) {
		frame.Channels = 1
		frame.SampleRate = c.SampleRate
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio: converting client format",
			"from", fmt.Sprintf("%dHz/%dch", frame.SampleRate, channels),
			"to", fmt.Sprintf("%dHz/1ch", c.SampleRate),
		)
	})

	pcm := frame.Data
	if channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if frame.SampleRate > 0 && frame.SampleRate != c.SampleRate {
		if c.resampler == nil || c.resampler.src != int64(frame.SampleRate) {
			c.resampler = NewResampler(frame.SampleRate, c.SampleRate)
		}
		pcm = c.resampler.Process(pcm)
	}

	return Frame{
		Data:       pcm,
		SampleRate: c.SampleRate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}
}

// StereoToMono averages interleaved L/R pairs.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 converts one self-contained block of mono PCM16 from
// srcRate to dstRate using linear interpolation. Invalid rates or equal
// rates return pcm unchanged. Use a [Resampler] for a stream.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	return NewResampler(srcRate, dstRate).Process(pcm)
}

// Resampler converts a mono PCM16 stream between two rates with linear
// interpolation. Positions are kept in exact 1/dst units and the last input
// sample is remembered, so consecutive calls produce the same samples as a
// single call over the concatenated input.
type Resampler struct {
	src, dst int64

	// pos is the next output position in 1/dst input samples, relative to
	// the first sample of the next chunk. -dst is the previous chunk's last
	// sample.
	pos  int64
	last int16
}

// NewResampler returns a Resampler from srcRate to dstRate. Both must be
// positive.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: int64(srcRate), dst: int64(dstRate)}
}

// Process resamples the next chunk of the stream.
func (r *Resampler) Process(pcm []byte) []byte {
	n := int64(len(pcm) / 2)
	if n == 0 {
		return nil
	}
	sample := func(k int64) int16 {
		if k < 0 {
			return r.last
		}
		return int16(binary.LittleEndian.Uint16(pcm[k*2:]))
	}

	limit := (n - 1) * r.dst
	out := make([]byte, 0, 2*(n*r.dst/r.src+1))
	for ; r.pos <= limit; r.pos += r.src {
		idx := floorDiv(r.pos, r.dst)
		rem := r.pos - idx*r.dst
		s0 := sample(idx)
		s1 := s0
		if idx+1 < n {
			s1 = sample(idx + 1)
		}
		v := (int64(s0)*(r.dst-rem) + int64(s1)*rem) / r.dst
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(v)))
	}
	r.last = sample(n - 1)
	r.pos -= n * r.dst
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}
