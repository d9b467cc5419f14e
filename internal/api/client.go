package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"EduMind/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// UserHeader carries the stored user id on authenticated calls.
const UserHeader = "X-User-Id"

// StatusError is returned for non-2xx collaborator responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error: %s %s: %d - %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to the /api/v1/chat collaborator endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	identity   func() string
	logger     *slog.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithIdentity sets the source of the X-User-Id header. An empty id omits the header.
func WithIdentity(fn func() string) Option {
	return func(c *Client) { c.identity = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithMeter records request durations on m.
func WithMeter(m metric.Meter) Option {
	return func(c *Client) {
		h, err := m.Float64Histogram(
			"http.client.request.duration",
			metric.WithDescription("HTTP request duration in milliseconds"),
		)
		if err == nil {
			c.duration = h
		}
	}
}

// New creates a client for the collaborator at baseURL (e.g. "http://localhost:8000").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		identity:   func() string { return "" },
		logger:     slog.Default(),
		tracer:     tracenoop.NewTracerProvider().Tracer("api"),
	}
	WithMeter(metricnoop.NewMeterProvider().Meter("api"))(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateChat creates a new session and returns its id.
func (c *Client) CreateChat(ctx context.Context) (string, error) {
	var resp createChatResponse
	if err := c.do(ctx, "api.create_chat", http.MethodPost, "/api/v1/chat", createChatRequest{Content: ""}, &resp); err != nil {
		return "", err
	}
	if resp.ChatID == "" {
		return "", fmt.Errorf("empty chat_id in create response")
	}
	return resp.ChatID, nil
}

// ListChats returns the sessions created in the last days days.
func (c *Client) ListChats(ctx context.Context, days int) ([]session.Summary, error) {
	path := "/api/v1/chat/history?days=" + strconv.Itoa(days)

	var resp []chatSummary
	if err := c.do(ctx, "api.list_chats", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]session.Summary, len(resp))
	for i, s := range resp {
		out[i] = session.Summary{
			ID:        string(s.ID),
			Title:     s.Title,
			CreatedAt: time.Time(s.CreatedAt),
		}
	}
	return out, nil
}

// ListMessages loads the stored messages of session id in order.
func (c *Client) ListMessages(ctx context.Context, id string) ([]session.Message, error) {
	path := "/api/v1/chat/" + url.PathEscape(id) + "/messages"

	var resp []chatMessage
	if err := c.do(ctx, "api.list_messages", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]session.Message, len(resp))
	for i, m := range resp {
		out[i] = session.Message{
			ID:        string(m.ID),
			Role:      session.Role(m.Role),
			Content:   m.Content,
			Thinking:  m.Thinking,
			Model:     m.Model,
			CreatedAt: time.Time(m.CreatedAt),
		}
	}
	return out, nil
}

// DeleteChat deletes session id.
func (c *Client) DeleteChat(ctx context.Context, id string) error {
	return c.do(ctx, "api.delete_chat", http.MethodDelete, "/api/v1/chat/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, spanName, method, path string, body, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	))
	defer span.End()

	start := time.Now()

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	if userID := c.identity(); userID != "" {
		req.Header.Set(UserHeader, userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", spanName)))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("collaborator call failed", "method", method, "path", path, "status", resp.StatusCode)
		return err
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
