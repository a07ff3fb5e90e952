package resilience

import (
	"context"

	"github.com/vocoach/vocoach/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// synthesis backends. Each backend has its own circuit breaker.
//
// TTSFallback also implements [tts.Stopper]: Stop is forwarded to every entry
// that supports cooperative stopping, because the entry that holds the live
// stream is not tracked per session.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertions.
var (
	_ tts.Provider = (*TTSFallback)(nil)
	_ tts.Stopper  = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize starts synthesis on the first healthy provider. Only the initial
// stream setup is covered by failover; mid-stream errors surface through the
// stream's terminal status and are the caller's responsibility.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (*tts.Stream, error) {
		return p.Synthesize(ctx, req)
	})
}

// Stop forwards the cooperative stop to every entry that supports it. Entries
// without a live stream for the session treat it as a no-op. The last error
// encountered is returned.
func (f *TTSFallback) Stop(ctx context.Context, sessionID string) error {
	var lastErr error
	for i := range f.group.entries {
		stopper, ok := f.group.entries[i].value.(tts.Stopper)
		if !ok {
			continue
		}
		if err := stopper.Stop(ctx, sessionID); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
