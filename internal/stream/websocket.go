package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is one open chat connection carrying a single request.
type Conn interface {
	// Send writes the initiation frame.
	Send(ctx context.Context, req Request) error
	// Recv blocks for the next recognized event. Failures are *TransportError.
	Recv() (Event, error)
	// Close is idempotent and unblocks a pending Recv.
	Close() error
}

// Dialer opens chat connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialer dials the chat socket at URL.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Logger *slog.Logger
}

// Dial connects to the chat socket.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	logger.Debug("chat socket connected", "url", d.URL)
	return &wsConn{conn: conn, url: d.URL, logger: logger}, nil
}

// wsConn implements Conn over gorilla/websocket
type wsConn struct {
	conn   *websocket.Conn
	url    string
	logger *slog.Logger

	mu     sync.Mutex // serializes writers
	closed bool
}

func (c *wsConn) Send(ctx context.Context, req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &TransportError{Op: "send", Err: errors.New("connection is closed")}
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteJSON(req); err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("failed to write request: %w", err)}
	}
	return nil
}

func (c *wsConn) Recv() (Event, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return Event{}, &TransportError{Op: "recv", Err: err}
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := Decode(data)
		if err != nil {
			c.logger.Debug("ignoring undecodable frame", "error", err)
			continue
		}
		if ev.Kind == KindUnknown {
			c.logger.Debug("ignoring unknown frame", "frame", string(data))
			continue
		}
		return ev, nil
	}
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	// Send close message
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()

	c.logger.Debug("closed chat socket", "url", c.url)
	return err
}
