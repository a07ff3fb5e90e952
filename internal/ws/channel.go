package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vocoach/vocoach/internal/orchestrator"
)

// writeTimeout bounds each outbound frame so one stalled client cannot pin a
// pipeline goroutine.
const writeTimeout = 10 * time.Second

// channel adapts a websocket connection to the orchestrator's Channel
// interface. Writes are serialised: the pipeline, the gentle-prompt flow, and
// the transport may all send concurrently.
type channel struct {
	conn *websocket.Conn

	mu sync.Mutex
}

var _ orchestrator.Channel = (*channel)(nil)

func newChannel(conn *websocket.Conn) *channel {
	return &channel{conn: conn}
}

// SendAudio implements orchestrator.Channel.
func (c *channel) SendAudio(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("ws: write audio frame: %w", err)
	}
	return nil
}

// SendControl implements orchestrator.Channel.
func (c *channel) SendControl(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, v); err != nil {
		return fmt.Errorf("ws: write control frame: %w", err)
	}
	return nil
}
