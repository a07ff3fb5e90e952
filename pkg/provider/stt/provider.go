// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider wraps a transcription service (e.g., Deepgram or a local Whisper
// server) behind a batch interface: one finished utterance in, one transcript
// out. The orchestrator finalizes utterances itself via voice-activity
// detection, so streaming partials are not part of this contract.
//
// Implementations must be safe for concurrent use; utterances from different
// sessions may be transcribed in parallel.
package stt

import "context"

// Request carries one finished utterance.
type Request struct {
	// Audio is raw linear PCM, 16 kHz mono, 16-bit little-endian.
	Audio []byte

	// Language is the BCP-47 tag for recognition (e.g., "fr", "en-US").
	// Empty lets the provider auto-detect, if supported.
	Language string
}

// Segment is a time-aligned portion of the transcript, when the provider
// reports one.
type Segment struct {
	Text       string
	StartMs    int64
	EndMs      int64
	Confidence float64
}

// Transcript is the recognition result for one utterance.
type Transcript struct {
	// Text is the full transcribed utterance.
	Text string

	// Language is the language the provider detected (or was told).
	Language string

	// Segments holds time-aligned detail when available; may be nil.
	Segments []Segment
}

// Provider is the abstraction over any transcription backend.
type Provider interface {
	// Transcribe converts one utterance to text. Implementations must
	// propagate ctx cancellation promptly. Near-silent input is
	// short-circuited by the caller and never reaches the provider.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}
