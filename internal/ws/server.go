// Package ws exposes the coaching engine over a WebSocket endpoint: binary
// frames carry PCM16 audio in both directions (client input in the declared
// format, engine output at 16 kHz mono), text frames carry JSON control
// messages.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/vocoach/vocoach/internal/observe"
	"github.com/vocoach/vocoach/internal/orchestrator"
	"github.com/vocoach/vocoach/internal/scenario"
	"github.com/vocoach/vocoach/internal/session"
	"github.com/vocoach/vocoach/internal/store"
	"github.com/vocoach/vocoach/pkg/audio"
)

// inbound is the shape of client control messages.
type inbound struct {
	Type string `json:"type"`
}

// Server upgrades HTTP requests to conversation websockets.
type Server struct {
	orch      *orchestrator.Orchestrator
	scenarios map[string]*scenario.Scenario

	// originPatterns is passed to the websocket accept options; empty means
	// same-origin only.
	originPatterns []string

	// reconnect, when set, keeps sessions alive after a dropped connection
	// so the client can resume with its session_id.
	reconnect *session.ReconnectWindow
}

// Option configures the Server.
type Option func(*Server)

// WithOriginPatterns allows cross-origin websocket clients matching the given
// host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithReconnectWindow enables session resumption after connection drops.
func WithReconnectWindow(w *session.ReconnectWindow) Option {
	return func(s *Server) { s.reconnect = w }
}

// NewServer creates a websocket front-end for orch. scenarios may be nil when
// only free-form sessions are offered.
func NewServer(orch *orchestrator.Orchestrator, scenarios map[string]*scenario.Scenario, opts ...Option) *Server {
	s := &Server{orch: orch, scenarios: scenarios}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler. Session parameters come from the query
// string: learner_id (required), session_id, language, voice, scenario,
// sample_rate, channels. A session_id matching a recently-dropped session
// resumes it in place.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	learnerID := q.Get("learner_id")
	if learnerID == "" {
		http.Error(w, "learner_id is required", http.StatusBadRequest)
		return
	}

	format, err := parseFormat(q.Get("sample_rate"), q.Get("channels"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var sc *scenario.Scenario
	if id := q.Get("scenario"); id != "" {
		sc = s.scenarios[id]
		if sc == nil {
			http.Error(w, "unknown scenario", http.StatusNotFound)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	ch := newChannel(conn)

	conv, resumed := s.resumeSession(q.Get("session_id"), ch)
	if conv == nil {
		conv, err = s.orch.StartSession(r.Context(), orchestrator.StartParams{
			SessionID: q.Get("session_id"),
			LearnerID: learnerID,
			Language:  q.Get("language"),
			Voice:     q.Get("voice"),
			Scenario:  sc,
			Channel:   ch,
		})
		if err != nil {
			slog.Error("session start failed", "learner_id", learnerID, "error", err)
			conn.Close(websocket.StatusInternalError, "session start failed")
			return
		}
	}
	sessionID := conv.SessionID()

	ctx, span := observe.StartSessionSpan(r.Context(), sessionID, q.Get("language"))
	defer span.End()

	greeting := "session_started"
	if resumed {
		greeting = "session_resumed"
	}
	if err := ch.SendControl(map[string]string{
		"type":       greeting,
		"session_id": sessionID,
	}); err != nil {
		slog.Warn("session greeting failed", "session_id", sessionID, "error", err)
	}

	clientEnded := s.readLoop(ctx, conn, conv, format)

	if !clientEnded && s.reconnect != nil {
		s.reconnect.Detach(sessionID, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.orch.EndSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
				slog.Warn("detached session teardown failed", "session_id", sessionID, "error", err)
			}
		})
		conn.Close(websocket.StatusGoingAway, "")
		return
	}

	if err := s.orch.EndSession(context.WithoutCancel(ctx), sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("session teardown failed", "session_id", sessionID, "error", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// resumeSession reattaches a detached conversation to a new channel. Returns
// (nil, false) when the session cannot be resumed and a fresh one should be
// started.
func (s *Server) resumeSession(sessionID string, ch orchestrator.Channel) (*orchestrator.Conversation, bool) {
	if sessionID == "" || s.reconnect == nil {
		return nil, false
	}
	if !s.reconnect.Claim(sessionID) {
		return nil, false
	}
	conv := s.orch.Conversation(sessionID)
	if conv == nil {
		return nil, false
	}
	conv.SetChannel(ch)
	slog.Info("session resumed", "session_id", sessionID)
	return conv, true
}

// readLoop pumps frames until the client disconnects or asks to end. It
// returns true when the client ended the session deliberately (an "end"
// control frame or a normal close), false on a drop.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, conv *orchestrator.Conversation, format audio.Format) bool {
	sessionID := conv.SessionID()
	norm := audio.NewNormalizer(format)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				slog.Info("client disconnected", "session_id", sessionID)
				return true
			}
			slog.Warn("websocket read failed", "session_id", sessionID, "error", err)
			return false
		}

		switch typ {
		case websocket.MessageBinary:
			pcm := norm.Normalize(data)
			if len(pcm) == 0 {
				continue
			}
			s.orch.HandleAudio(conv, pcm)
		case websocket.MessageText:
			var msg inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Debug("unparseable control frame", "session_id", sessionID, "error", err)
				continue
			}
			switch msg.Type {
			case "interrupt":
				s.orch.Interrupt(ctx, sessionID)
			case "end":
				return true
			default:
				slog.Debug("unknown control frame", "session_id", sessionID, "type", msg.Type)
			}
		}
	}
}

// parseFormat reads the declared client audio format, defaulting to the
// engine format when absent.
func parseFormat(rate, channels string) (audio.Format, error) {
	f := audio.Engine()
	if rate != "" {
		n, err := strconv.Atoi(rate)
		if err != nil {
			return audio.Format{}, errors.New("invalid sample_rate")
		}
		f.SampleRate = n
	}
	if channels != "" {
		n, err := strconv.Atoi(channels)
		if err != nil {
			return audio.Format{}, errors.New("invalid channels")
		}
		f.Channels = n
	}
	if !f.Valid() {
		return audio.Format{}, errors.New("unsupported audio format")
	}
	return f, nil
}
