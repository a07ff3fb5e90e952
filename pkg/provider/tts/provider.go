// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Coqui XTTS server) and presents a uniform streaming interface: one call per
// coach utterance, audio delivered as a [Stream] of raw PCM chunks so playback
// can begin before synthesis finishes.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrStopped is the terminal status of a stream that was ended by a
// cooperative [Stopper.Stop] rather than by completing or failing.
var ErrStopped = errors.New("tts: synthesis stopped")

// Request carries one utterance to synthesise.
type Request struct {
	// Text is the full utterance. Inline directives must already be stripped
	// by the caller.
	Text string

	// Voice is the provider-specific voice identifier. Providers should
	// return an error when a required voice is missing.
	Voice string

	// Language is the BCP-47 language code of the text (e.g., "fr").
	Language string

	// SessionID identifies the coaching session this utterance belongs to.
	// Providers that implement Stopper use it to target cooperative stops.
	SessionID string
}

// Stream is one in-flight synthesis. Audio arrives on C as raw PCM byte
// slices; after C is closed, exactly one terminal status is delivered on Err.
//
// A nil status means the backend finished the whole phrase. [ErrStopped]
// means a cooperative stop cut it short. A context error means the caller
// cancelled. Anything else means the audio is truncated by a backend failure,
// which a channel close alone cannot express.
type Stream struct {
	C   <-chan []byte
	Err <-chan error
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (one per active session).
type Provider interface {
	// Synthesize sends req to the backend and returns the audio stream.
	//
	// The implementation closes Stream.C when synthesis completes, fails, is
	// stopped, or ctx is cancelled, then delivers the terminal status on
	// Stream.Err. The caller must drain Stream.C and read Stream.Err to
	// avoid leaking the provider's internal goroutines.
	//
	// Returns a non-nil error only if synthesis cannot be started.
	Synthesize(ctx context.Context, req Request) (*Stream, error)
}

// Stopper is an optional interface for providers that can end an in-flight
// synthesis cleanly, flushing buffered audio instead of cutting mid-chunk.
// The orchestrator prefers Stop over hard context cancellation when the
// learner interrupts; providers without it are stopped by cancelling the
// synthesis context. A stream ended this way reports [ErrStopped].
type Stopper interface {
	// Stop ends the in-flight synthesis for the given session. It is a no-op
	// when no synthesis is running for that session.
	Stop(ctx context.Context, sessionID string) error
}
