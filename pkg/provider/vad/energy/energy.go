// Package energy provides an energy-based vad.Engine that maps the RMS level
// of each window to a speech probability against an adaptive noise floor.
//
// It needs no external model or network call, which makes it the default
// engine for development and tests. Accuracy is below a neural VAD on noisy
// input; deployments with background noise should front a Silero-class model
// behind the same interface.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/vocoach/vocoach/pkg/provider/vad"
)

// Compile-time interface assertion.
var _ vad.Engine = (*Engine)(nil)

const (
	// floorAdapt is the exponential smoothing factor for the noise floor.
	floorAdapt = 0.05

	// initialFloor seeds the noise floor before any audio is seen.
	initialFloor = 150.0

	// spread controls how quickly probability saturates above the floor.
	spread = 4.0
)

// Engine creates energy-based VAD sessions.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("energy: sample rate must be positive")
	}
	if cfg.WindowSize <= 0 {
		return nil, errors.New("energy: window size must be positive")
	}
	return &session{cfg: cfg, floor: initialFloor}, nil
}

// session holds the adaptive noise floor for one stream. Not safe for
// concurrent use; the pipeline owns one session per audio stream.
type session struct {
	cfg    vad.Config
	floor  float64
	closed bool
}

// ProcessWindow implements [vad.SessionHandle].
func (s *session) ProcessWindow(pcm []byte) (vad.Result, error) {
	if s.closed {
		return vad.Result{}, errors.New("energy: session closed")
	}
	want := s.cfg.WindowSize * 2
	if len(pcm) != want {
		return vad.Result{}, fmt.Errorf("energy: window is %d bytes, want %d", len(pcm), want)
	}

	var sum float64
	for i := 0; i < len(pcm); i += 2 {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		sum += sample * sample
	}
	rms := math.Sqrt(sum / float64(s.cfg.WindowSize))

	// Track the floor downward quickly and upward slowly so sustained speech
	// does not absorb into the floor.
	if rms < s.floor {
		s.floor = rms
	} else {
		s.floor += floorAdapt * (rms - s.floor) * 0.1
	}
	if s.floor < 1 {
		s.floor = 1
	}

	// Logistic mapping of the RMS-to-floor ratio onto (0, 1).
	ratio := rms / (s.floor * spread)
	prob := ratio / (1 + ratio)
	return vad.Result{Probability: prob}, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.floor = initialFloor
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.closed = true
	return nil
}
