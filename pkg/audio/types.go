// Package audio defines the PCM frame type and format helpers shared by the
// capture source, the playback sink and the realtime session.
//
// All audio inside visiontalk is little-endian signed 16-bit PCM. The
// conversation format is fixed at [SampleRate] Hz mono, which is what the
// realtime model consumes and produces. Device adapters that deliver another
// format convert at the edge with [FormatConverter].
package audio

import (
	"errors"
	"time"
)

const (
	// SampleRate is the conversation sample rate in Hz (realtime pcm16).
	SampleRate = 24000

	// BytesPerSample is the width of one int16 PCM sample.
	BytesPerSample = 2
)

// ErrDeviceUnavailable is returned when a microphone or speaker cannot be
// acquired, either because permission was denied or because no device exists.
// It is never retried; callers surface it to the user and abort.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// ConversationFormat is the format every frame has after capture conversion
// and every chunk has when it reaches the playback sink.
var ConversationFormat = Format{SampleRate: SampleRate, Channels: 1}

// AudioFrame is one block of PCM audio. Frames emitted by the capture source
// are handed over to the consumer; the producer keeps no reference to Data.
type AudioFrame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks the frame start relative to the beginning of the
	// recording.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (BytesPerSample * ch)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return SamplesToDuration(f.Samples(), f.SampleRate)
}

// SamplesToDuration converts a sample count at rate Hz into a duration.
func SamplesToDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// SamplesToMillis converts a sample count at rate Hz into whole milliseconds,
// rounding down so the result never claims more audio than was counted.
func SamplesToMillis(samples, rate int) int {
	if rate <= 0 {
		return 0
	}
	return int(int64(samples) * 1000 / int64(rate))
}

// DurationToSamples converts d into a sample count at rate Hz.
func DurationToSamples(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}
