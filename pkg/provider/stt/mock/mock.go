// Package mock provides a call-recording stt.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/vocoach/vocoach/pkg/provider/stt"
)

// Provider implements stt.Provider with scripted results.
type Provider struct {
	mu sync.Mutex

	// Result is returned by every Transcribe call when Results is empty.
	Result stt.Transcript

	// Results, when non-empty, is consumed one element per call.
	Results []stt.Transcript

	// Err, when non-nil, is returned by every call.
	Err error

	// Delay, when non-nil, is closed-over by Transcribe to block until the
	// channel is closed or ctx is done. Used to test cancellation.
	Delay chan struct{}

	// Requests records every request received.
	Requests []stt.Request
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	p.mu.Lock()
	cp := stt.Request{Language: req.Language, Audio: make([]byte, len(req.Audio))}
	copy(cp.Audio, req.Audio)
	p.Requests = append(p.Requests, cp)
	delay := p.Delay
	err := p.Err
	result := p.Result
	if len(p.Results) > 0 {
		result = p.Results[0]
		p.Results = p.Results[1:]
	}
	p.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	return result, nil
}

// Calls returns how many Transcribe calls were made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}
