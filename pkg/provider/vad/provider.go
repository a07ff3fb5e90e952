// Package vad defines the Engine interface for Voice Activity Detection
// backends.
//
// A VAD engine wraps a window-level speech detector (e.g., Silero VAD or an
// energy heuristic) and surfaces it as a stateful, per-stream session. Each
// session maintains its own internal state (smoothing history, noise floor)
// so that multiple concurrent audio streams are processed independently.
//
// VAD is synchronous by design: ProcessWindow returns immediately with a
// speech probability, making it suitable for the low-latency path that gates
// turn-taking decisions.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines unless the
// implementation documents otherwise.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the PCM windows
	// passed to ProcessWindow. The pipeline uses 16000.
	SampleRate int

	// WindowSize is the number of samples per analysis window. The pipeline
	// uses 512 (32 ms at 16 kHz). ProcessWindow returns an error when the
	// supplied window does not match.
	WindowSize int
}

// Result is the detection output for one analysis window.
type Result struct {
	// Probability is the speech probability score (0.0–1.0). The caller
	// compares it against its configured threshold; the engine itself makes
	// no speech/silence decision.
	Probability float64
}

// SessionHandle is an active VAD session for a single audio stream. Reset
// clears accumulated state without closing the session; use it between turns
// so a finished utterance does not bias the next one.
type SessionHandle interface {
	// ProcessWindow analyses one window of raw little-endian PCM16 mono audio
	// and returns the speech probability. It must not block.
	ProcessWindow(pcm []byte) (Result, error)

	// Reset clears all accumulated detection state.
	Reset()

	// Close releases session resources. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent use; multiple goroutines may call NewSession simultaneously.
type Engine interface {
	// NewSession creates a session ready to accept audio windows. Returns an
	// error if cfg is invalid or resources cannot be allocated.
	NewSession(cfg Config) (SessionHandle, error)
}
