package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"EduMind/internal/stream"

	"github.com/gorilla/websocket"
)

// Status is the recognition state shown next to the microphone.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusListening  Status = "listening"
	StatusSpeaking   Status = "speaking"
	StatusProcessing Status = "processing"
)

// DefaultReconnectInterval is the fixed delay before redialing a dropped socket.
const DefaultReconnectInterval = 3 * time.Second

const writeWait = 10 * time.Second

// ErrNotConnected is returned when a control frame cannot be sent.
var ErrNotConnected = errors.New("voice socket is not connected")

// Client keeps a speech socket open, redialing after a fixed interval
// whenever it drops, until the context passed to Run ends.
type Client struct {
	url      string
	header   http.Header
	interval time.Duration
	logger   *slog.Logger
	dialer   *websocket.Dialer

	events chan stream.Event

	writeMu   sync.Mutex // serializes writers on conn
	mu        sync.Mutex
	conn      *websocket.Conn
	recording bool
	status    Status
}

// Option configures a Client.
type Option func(*Client)

// WithHeader sets headers sent on every dial.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithReconnectInterval overrides DefaultReconnectInterval.
func WithReconnectInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates an idle, unconnected client for url.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:      url,
		interval: DefaultReconnectInterval,
		logger:   slog.Default(),
		dialer:   websocket.DefaultDialer,
		events:   make(chan stream.Event, 64),
		status:   StatusIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events delivers every recognized frame. It is closed when Run returns.
func (c *Client) Events() <-chan stream.Event {
	return c.events
}

// Status returns the current recognition state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the socket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Recording reports whether audio is being forwarded.
func (c *Client) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Run dials and serves the socket until ctx ends. There is no retry limit.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("voice socket dial failed", "url", c.url, "retry_in", c.interval, "error", err)
		} else {
			c.logger.Info("voice socket connected", "url", c.url)
			c.serve(ctx, conn)
			c.logger.Warn("voice socket disconnected", "url", c.url, "retry_in", c.interval)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.interval):
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("voice socket read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := stream.Decode(data)
		if err != nil || ev.Kind == stream.KindUnknown {
			c.logger.Debug("ignoring voice frame", "frame", string(data))
			continue
		}
		c.observe(ctx, ev)

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// observe moves the status machine for one server frame.
func (c *Client) observe(ctx context.Context, ev stream.Event) {
	switch ev.Kind {
	case stream.KindASRPartial:
		c.setStatus(StatusSpeaking)
	case stream.KindASRFinal:
		c.setStatus(StatusListening)
	case stream.KindASRStopped, stream.KindEnd:
		c.setStatus(StatusIdle)
	case stream.KindChunk:
		c.setStatus(StatusProcessing)
	case stream.KindError:
		c.logger.Warn("voice server reported error", "error", ev.Err)
		if err := c.StopRecording(ctx); err != nil {
			c.logger.Debug("failed to stop recording after error", "error", err)
		}
		c.setStatus(StatusIdle)
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	prev := c.status
	c.status = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("voice status", "from", string(prev), "to", string(s))
	}
}

// StartRecording tells the server audio follows.
func (c *Client) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to start recording: %w", ErrNotConnected)
	}
	prev := c.status
	c.recording = true
	c.status = StatusListening
	c.mu.Unlock()

	if err := c.writeJSON(ctx, stream.Control{Type: stream.TypeStartRecording}); err != nil {
		c.mu.Lock()
		c.recording = false
		c.status = prev
		c.mu.Unlock()
		return fmt.Errorf("failed to start recording: %w", err)
	}
	return nil
}

// StopRecording tells the server the utterance is over. It is a no-op when
// not recording.
func (c *Client) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return nil
	}
	c.recording = false
	c.mu.Unlock()

	if err := c.writeJSON(ctx, stream.Control{Type: stream.TypeStopRecording}); err != nil {
		return fmt.Errorf("failed to stop recording: %w", err)
	}
	return nil
}

// SendAudio resamples samples taken at srcRate to 16 kHz PCM and sends them as
// one binary frame. Audio is dropped, reporting false, while not recording or
// not connected.
func (c *Client) SendAudio(ctx context.Context, samples []float32, srcRate int) (bool, error) {
	c.mu.Lock()
	conn, recording := c.conn, c.recording
	c.mu.Unlock()
	if conn == nil || !recording {
		return false, nil
	}

	pcm := Resample(samples, srcRate, TargetRate)
	if len(pcm) == 0 {
		return false, nil
	}
	if err := c.write(ctx, conn, func() error {
		return conn.WriteMessage(websocket.BinaryMessage, EncodePCM(pcm))
	}); err != nil {
		return false, fmt.Errorf("failed to send audio: %w", err)
	}
	return true, nil
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, func() error { return conn.WriteJSON(v) })
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	return fn()
}
