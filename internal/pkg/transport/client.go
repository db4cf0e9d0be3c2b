package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vreid/prisoners/internal/pkg/dilemma"
	"golang.org/x/time/rate"
)

type client struct {
	conn    *websocket.Conn
	player  dilemma.Player
	address string
	limiter *rate.Limiter
	timeout time.Duration

	mu sync.Mutex
}

// send writes one event, serialising writers on the connection.
func (c *client) send(event string, data any) error {
	payload, err := json.Marshal(Response{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	if err != nil {
		return fmt.Errorf("failed to write %s event: %w", event, err)
	}

	return nil
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.timeout))
	_ = c.conn.Close()
}
