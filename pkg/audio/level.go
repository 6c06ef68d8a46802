package audio

import (
	"encoding/binary"
	"math"
)

// FloorDB is the display floor for level readings.
const FloorDB = -100.0

// rmsEpsilon keeps log10 finite on digital silence.
const rmsEpsilon = 1e-4

// RMS returns the root-mean-square of pcm with samples normalised to [-1, 1].
// A trailing odd byte is ignored. Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// LevelDB converts pcm to a decibel level, 20·log10(rms + 1e-4). Digital
// silence therefore reads -80 dB rather than -Inf.
func LevelDB(pcm []byte) float64 {
	return 20 * math.Log10(RMS(pcm)+rmsEpsilon)
}

// DisplayDB clamps a level reading to [FloorDB, 0] for meters.
func DisplayDB(db float64) float64 {
	return max(FloorDB, min(0, db))
}
