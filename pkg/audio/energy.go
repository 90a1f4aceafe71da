package audio

import (
	"math"
	"time"
)

// DefaultSilenceRMS is the RMS level (in 16-bit sample units) below which a
// window counts as silence. 300 of a possible 32767 is near-silence for a
// typical far-field microphone.
const DefaultSilenceRMS = 300.0

// RMS returns the root-mean-square energy of 16-bit PCM, or 0 for input
// shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sampleAt(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// TrimSilence cuts leading and trailing silence from pcm, measured in windows
// of the given length. It returns nil when no window reaches threshold.
func TrimSilence(pcm []byte, f Format, window time.Duration, threshold float64) []byte {
	if !f.Valid() || window <= 0 {
		return pcm
	}
	step := int(int64(f.SampleRate)*int64(window)/int64(time.Second)) * f.FrameSize()
	if step <= 0 {
		return pcm
	}

	start, end := -1, -1
	for off := 0; off < len(pcm); off += step {
		w := pcm[off:min(off+step, len(pcm))]
		if RMS(w) < threshold {
			continue
		}
		if start < 0 {
			start = off
		}
		end = off + len(w)
	}
	if start < 0 {
		return nil
	}
	return pcm[start:end]
}
