package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders the format as e.g. "24000Hz mono".
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

// FormatConverter brings raw PCM from a device into the Target format.
// Channel reduction happens before resampling so the resampler only ever
// touches as many channels as the output needs. Use one converter per stream.
type FormatConverter struct {
	Target Format

	warnMismatch sync.Once
	warnOdd      sync.Once
}

// Convert returns pcm (in src format) converted to c.Target. A trailing odd
// byte is discarded. When src already matches the target the input slice is
// returned as is.
func (c *FormatConverter) Convert(pcm []byte, src Format) []byte {
	if len(pcm)%BytesPerSample != 0 {
		c.warnOdd.Do(func() {
			slog.Warn("audio: odd byte count in PCM input, truncating", "bytes", len(pcm), "format", src.String())
		})
		pcm = pcm[:len(pcm)-1]
	}
	if src == c.Target || len(pcm) == 0 {
		return pcm
	}

	c.warnMismatch.Do(func() {
		slog.Info("audio: converting input format", "from", src.String(), "to", c.Target.String())
	})

	if src.Channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		src.Channels = 1
	}
	if src.SampleRate != c.Target.SampleRate {
		if src.Channels == 1 {
			pcm = ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate)
		} else {
			pcm = resampleInterleaved16(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
		}
	}
	if src.Channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return pcm
}

// MonoToStereo duplicates every mono sample into an L/R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		lo, hi := pcm[2*i], pcm[2*i+1]
		out[4*i], out[4*i+1] = lo, hi
		out[4*i+2], out[4*i+3] = lo, hi
	}
	return out
}

// StereoToMono averages each L/R pair into one sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		l := int32(sampleAt(pcm, 2*i))
		r := int32(sampleAt(pcm, 2*i+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// ResampleMono16 converts mono PCM from srcRate to dstRate with linear
// interpolation. Invalid rates or equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resampleInterleaved16(pcm, 1, srcRate, dstRate)
}

func resampleInterleaved16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := 0; i < dstFrames; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := 0; ch < channels; ch++ {
			a := float64(sampleAt(pcm, idx*channels+ch))
			b := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int32(a+(b-a)*frac))
		}
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
}

func putSample(pcm []byte, i int, v int32) {
	s := uint16(int16(v))
	pcm[2*i] = byte(s)
	pcm[2*i+1] = byte(s >> 8)
}

func clamp16(v int32) int32 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return v
}
