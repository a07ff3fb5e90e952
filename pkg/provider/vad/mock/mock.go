// Package mock provides a scripted vad.Engine for tests.
package mock

import (
	"sync"

	"github.com/vocoach/vocoach/pkg/provider/vad"
)

// Engine implements vad.Engine. Each session pops probabilities from the
// shared script; when the script is exhausted, Fallback is returned.
type Engine struct {
	mu sync.Mutex

	// Script is the sequence of probabilities returned by successive
	// ProcessWindow calls across all sessions.
	Script []float64

	// Fallback is returned once Script is exhausted.
	Fallback float64

	// Windows records every window passed to ProcessWindow.
	Windows [][]byte

	// Resets counts Reset calls across all sessions.
	Resets int

	// Err, when non-nil, is returned by every ProcessWindow call.
	Err error
}

var _ vad.Engine = (*Engine)(nil)

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(vad.Config) (vad.SessionHandle, error) {
	return &Session{engine: e}, nil
}

// Session implements vad.SessionHandle against the parent Engine's script.
type Session struct {
	engine *Engine
	closed bool
}

// ProcessWindow implements [vad.SessionHandle].
func (s *Session) ProcessWindow(pcm []byte) (vad.Result, error) {
	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Err != nil {
		return vad.Result{}, e.Err
	}

	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	e.Windows = append(e.Windows, cp)

	p := e.Fallback
	if len(e.Script) > 0 {
		p = e.Script[0]
		e.Script = e.Script[1:]
	}
	return vad.Result{Probability: p}, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.engine.mu.Lock()
	s.engine.Resets++
	s.engine.mu.Unlock()
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.closed = true
	return nil
}
