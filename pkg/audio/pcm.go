// Package audio owns device I/O and playback pacing for live voice
// sessions: a malgo microphone source, an oto speaker sink, and a
// scheduler that feeds buffered model speech to the speaker at the
// realtime rate while keeping a monotonic playback clock.
//
// Everything here is s16le PCM. Mono 16 kHz up, mono 24 kHz down.
package audio

import (
	"math"
	"time"
)

// BytesPerSample for s16le.
const BytesPerSample = 2

// Format describes a PCM stream shape.
type Format struct {
	SampleRate int
	Channels   int
}

// CaptureFormat is the microphone shape the service expects.
var CaptureFormat = Format{SampleRate: 16000, Channels: 1}

// PlaybackFormat is the model speech shape the service produces.
var PlaybackFormat = Format{SampleRate: 24000, Channels: 1}

// BytesPerSecond returns the raw byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// FrameBytes returns the size of one sample frame.
func (f Format) FrameBytes() int {
	return f.Channels * BytesPerSample
}

// BytesToMS converts a byte count to audible milliseconds.
func (f Format) BytesToMS(n int64) int64 {
	bps := int64(f.BytesPerSecond())
	if bps <= 0 || n <= 0 {
		return 0
	}
	return n * 1000 / bps
}

// MSToBytes converts milliseconds to a frame-aligned byte count.
func (f Format) MSToBytes(ms int64) int64 {
	bps := int64(f.BytesPerSecond())
	if bps <= 0 || ms <= 0 {
		return 0
	}
	n := ms * bps / 1000
	return n - n%int64(f.FrameBytes())
}

// AlignDown trims n to a whole number of sample frames.
func (f Format) AlignDown(n int) int {
	fb := f.FrameBytes()
	if fb <= 0 {
		return n
	}
	return n - n%fb
}

// Chunk splits pcm into slices of at most max bytes, each trimmed to a
// sample boundary. The slices alias pcm.
func Chunk(pcm []byte, max int, f Format) [][]byte {
	if len(pcm) == 0 || max <= 0 {
		return nil
	}
	max = f.AlignDown(max)
	if max <= 0 {
		max = f.FrameBytes()
	}
	var out [][]byte
	for off := 0; off < len(pcm); off += max {
		end := off + max
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[off:end])
	}
	return out
}

// SineTone synthesizes an s16le mono test tone.
func SineTone(freqHz int, f Format, d time.Duration, amp float64) []byte {
	if f.SampleRate <= 0 || d <= 0 || freqHz <= 0 {
		return nil
	}
	if amp <= 0 {
		amp = 0.2
	}
	if amp > 1.0 {
		amp = 1.0
	}
	samples := int(float64(f.SampleRate) * d.Seconds())
	if samples <= 0 {
		samples = 1
	}
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(f.SampleRate)
		v := amp * math.Sin(2*math.Pi*float64(freqHz)*t)
		s := int16(v * 32767.0)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
