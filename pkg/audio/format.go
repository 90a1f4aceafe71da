// Package audio holds the PCM helpers shared by the satellite and the daemon:
// format conversion, RIFF/WAVE framing and energy measurement. All PCM in Dawn
// is 16-bit signed little-endian, interleaved when multi-channel.
package audio

import (
	"fmt"
	"time"
)

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Speech is the format satellites capture and speech recognisers expect.
var Speech = Format{SampleRate: 16000, Channels: 1}

// Valid reports whether f describes a usable stream.
func (f Format) Valid() bool { return f.SampleRate > 0 && f.Channels > 0 }

// FrameSize returns the number of bytes in one sample frame (all channels).
func (f Format) FrameSize() int { return f.Channels * BytesPerSample }

// Duration returns the play time of n bytes of PCM in format f.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() {
		return 0
	}
	frames := n / f.FrameSize()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// String renders f as e.g. "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Convert resamples pcm from one format to another and adjusts the channel
// count. Only mono/stereo channel conversions are supported; other channel
// counts are passed through after resampling. A trailing partial sample is
// dropped.
func Convert(pcm []byte, from, to Format) []byte {
	if len(pcm)%BytesPerSample != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if from == to || !from.Valid() || !to.Valid() {
		return pcm
	}
	// Downmix before resampling so fewer samples need interpolation.
	if from.Channels == 2 && to.Channels == 1 {
		pcm = StereoToMono(pcm)
		from.Channels = 1
	}
	if from.SampleRate != to.SampleRate {
		pcm = Resample(pcm, from.Channels, from.SampleRate, to.SampleRate)
	}
	if from.Channels == 1 && to.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return pcm
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// Resample converts interleaved PCM with the given channel count from srcRate
// to dstRate using linear interpolation per channel. Equal or invalid rates
// return pcm unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := channels * BytesPerSample
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// Samples decodes PCM bytes into int16 samples.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = sampleAt(pcm, i)
	}
	return out
}

// Bytes encodes int16 samples as little-endian PCM bytes.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		putSample(out, i, s)
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}
