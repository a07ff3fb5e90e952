// Package audio normalises client PCM to the engine format: 16 kHz mono
// little-endian int16.
package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Engine format constants. The voice pipeline analyses and transcribes
// 16 kHz mono PCM16 only; everything a client sends is converted to this.
const (
	EngineSampleRate = 16000
	EngineChannels   = 1
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Engine returns the pipeline's native format.
func Engine() Format {
	return Format{SampleRate: EngineSampleRate, Channels: EngineChannels}
}

// Valid reports whether the format is one the normaliser can convert from.
func (f Format) Valid() bool {
	return f.SampleRate >= 8000 && f.SampleRate <= 48000 &&
		(f.Channels == 1 || f.Channels == 2)
}

func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Normalizer converts PCM frames from a declared source format to the engine
// format. It validates int16 alignment and logs a warning once per stream on
// the first corrupt frame. Create one per stream; not designed for shared use
// across goroutines.
type Normalizer struct {
	src           Format
	warnedCorrupt sync.Once
}

// NewNormalizer creates a Normalizer for a stream in the given source format.
func NewNormalizer(src Format) *Normalizer {
	return &Normalizer{src: src}
}

// Passthrough reports whether frames already arrive in the engine format.
func (n *Normalizer) Passthrough() bool {
	return n.src.SampleRate == EngineSampleRate && n.src.Channels == EngineChannels
}

// Normalize converts one frame to 16 kHz mono. The input is returned
// unchanged when the source already matches the engine format. Frames with an
// odd byte count are dropped (nil return).
func (n *Normalizer) Normalize(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, dropping frame",
				"bytes", len(pcm),
				"format", n.src.String(),
			)
		})
		return nil
	}
	if n.Passthrough() {
		return pcm
	}

	// Downmix before resampling so the interpolation runs on half the
	// samples for stereo input.
	if n.src.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono16(pcm, n.src.SampleRate, EngineSampleRate)
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono
// output. Uses int32 arithmetic to prevent overflow and clamps to int16
// range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
