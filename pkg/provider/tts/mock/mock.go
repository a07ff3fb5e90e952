// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify the
// requests the orchestrator sends to the TTS backend. It also implements
// tts.Stopper so interruption paths can be exercised without a live service.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	}
//	stream, _ := p.Synthesize(ctx, tts.Request{Text: "Bonjour !", SessionID: "s1"})
package mock

import (
	"context"
	"sync"

	"github.com/vocoach/vocoach/pkg/provider/tts"
)

// Call records a single invocation of Synthesize.
type Call struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the Request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider and tts.Stopper.
type Provider struct {
	mu sync.Mutex

	// Chunks is the sequence of audio byte slices emitted on the stream
	// returned by Synthesize.
	Chunks [][]byte

	// Err, if non-nil, is returned as the error from Synthesize instead of
	// starting a stream.
	Err error

	// StreamErr, if non-nil, is delivered as the stream's terminal status
	// after all Chunks were emitted, simulating a backend that dies
	// mid-synthesis.
	StreamErr error

	// StopErr, if non-nil, is returned from Stop.
	StopErr error

	// ChunkGate, if non-nil, is received from before each chunk is emitted.
	// Send to it to release chunks one at a time, or close it to release all
	// remaining chunks. Use it to interrupt synthesis mid-stream.
	ChunkGate chan struct{}

	calls     []Call
	stopCalls []string
	stops     map[string]context.CancelFunc
}

// Compile-time interface assertions.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Stopper  = (*Provider)(nil)
)

// Synthesize records the call and, if Err is nil, returns a stream that emits
// Chunks then delivers StreamErr (or nil) as the terminal status. The stream
// also ends when ctx is cancelled or Stop is called for the request's
// session, with the matching terminal status.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Ctx: ctx, Req: req})
	if p.Err != nil {
		err := p.Err
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	streamErr := p.StreamErr
	gate := p.ChunkGate

	streamCtx, cancel := context.WithCancel(ctx)
	if req.SessionID != "" {
		if p.stops == nil {
			p.stops = make(map[string]context.CancelFunc)
		}
		p.stops[req.SessionID] = cancel
	}
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	errCh := make(chan error, 1)
	go func() {
		defer cancel()
		status := func() error {
			for _, audio := range chunks {
				if gate != nil {
					select {
					case <-gate:
					case <-streamCtx.Done():
						return endStatus(ctx, streamCtx)
					}
				}
				select {
				case <-streamCtx.Done():
					return endStatus(ctx, streamCtx)
				case ch <- audio:
				}
			}
			return streamErr
		}()
		close(ch)
		errCh <- status
	}()
	return &tts.Stream{C: ch, Err: errCh}, nil
}

// endStatus distinguishes caller cancellation from a cooperative stop.
func endStatus(ctx, streamCtx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if streamCtx.Err() != nil {
		return tts.ErrStopped
	}
	return nil
}

// Stop records the session ID and ends the session's in-flight stream.
func (p *Provider) Stop(_ context.Context, sessionID string) error {
	p.mu.Lock()
	p.stopCalls = append(p.stopCalls, sessionID)
	cancel := p.stops[sessionID]
	delete(p.stops, sessionID)
	err := p.StopErr
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return err
}

// Calls returns a copy of all recorded Synthesize invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// StopCalls returns the session IDs passed to Stop, in order.
func (p *Provider) StopCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.stopCalls))
	copy(out, p.stopCalls)
	return out
}
