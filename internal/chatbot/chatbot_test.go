package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"EduMind/internal/api"
	"EduMind/internal/config"
	"EduMind/internal/store"
	"EduMind/internal/stream"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend answers the REST and socket routes of the assistant service.
type backend struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	next     int
	messages map[string][]map[string]any
	deleted  []string
	users    []string
	requests []stream.Request
}

func newBackend() *backend {
	return &backend{messages: map[string][]map[string]any{}}
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.users = append(b.users, r.Header.Get(api.UserHeader))
	b.mu.Unlock()

	switch {
	case r.URL.Path == "/api/v1/chat/ws":
		b.serveSocket(w, r)

	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/chat":
		b.mu.Lock()
		b.next++
		id := "chat-" + strconv.Itoa(b.next)
		b.messages[id] = nil
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"chat_id": id})

	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/chat/history":
		b.mu.Lock()
		var out []map[string]any
		for id := range b.messages {
			out = append(out, map[string]any{"id": id, "title": "Photosynthesis basics", "created_at": "2026-10-14T09:30:00"})
		}
		b.mu.Unlock()
		json.NewEncoder(w).Encode(out)

	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/messages"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/chat/"), "/messages")
		b.mu.Lock()
		msgs, ok := b.messages[id]
		b.mu.Unlock()
		if !ok {
			http.Error(w, `{"detail":"not found"}`, http.StatusNotFound)
			return
		}
		if msgs == nil {
			msgs = []map[string]any{}
		}
		json.NewEncoder(w).Encode(msgs)

	case r.Method == http.MethodDelete:
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/chat/")
		b.mu.Lock()
		b.deleted = append(b.deleted, id)
		delete(b.messages, id)
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		http.NotFound(w, r)
	}
}

func (b *backend) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req stream.Request
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	chatID := ""
	if req.ChatID != nil {
		chatID = *req.ChatID
	}
	frames := []stream.Frame{
		{Type: stream.TypeChatInfo, ChatID: chatID},
		{Type: stream.TypeStatus, Content: stream.PhaseRetrievingKnowledge},
		{Type: stream.TypeLLMChunk, Content: "Plants turn light ", Model: "edu-small"},
		{Type: stream.TypeLLMChunk, Content: "into sugar."},
		{Type: stream.TypeLLMEnd},
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			return
		}
	}

	b.mu.Lock()
	b.messages[chatID] = append(b.messages[chatID],
		map[string]any{"id": 1, "role": "user", "content": req.Content, "created_at": "2026-10-14T09:30:00"},
		map[string]any{"id": 2, "role": "assistant", "content": "Plants turn light into sugar.", "created_at": "2026-10-14T09:30:02"},
	)
	b.mu.Unlock()

	// Hold the socket until the client hangs up.
	conn.ReadMessage()
}

func (b *backend) seed(id string, msgs ...map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[id] = msgs
}

func (b *backend) sentRequests() []stream.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]stream.Request(nil), b.requests...)
}

func testConfig(t *testing.T, srv *httptest.Server) config.Config {
	cfg := config.Default()
	cfg.APIURL = srv.URL
	cfg.StreamURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chat/ws"
	cfg.LogDir = t.TempDir()
	cfg.Store.Driver = config.StoreMemory
	cfg.Pacer.Interval = time.Millisecond
	cfg.Network.RequestTimeout = 5 * time.Second
	return cfg
}

func runBot(t *testing.T, cfg config.Config, st store.Store, input string) string {
	t.Helper()
	var out bytes.Buffer
	bot, err := NewChatBot(cfg, WithIO(strings.NewReader(input), &out), WithStore(st))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, bot.Run(ctx))
	return out.String()
}

func TestRunStreamsReply(t *testing.T) {
	b := newBackend()
	srv := httptest.NewServer(b)
	defer srv.Close()

	cfg := testConfig(t, srv)
	cfg.UserID = "student-42"
	st := store.NewMemory()

	out := runBot(t, cfg, st, "What is photosynthesis?\n/quit\n")

	assert.Contains(t, out, "Hi! Ask me anything")
	assert.Contains(t, out, "Plants turn light into sugar.")
	assert.Contains(t, out, "(edu-small)")
	assert.Contains(t, out, "Goodbye!")

	reqs := b.sentRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, stream.TypeTextMessage, reqs[0].Type)
	assert.Equal(t, "What is photosynthesis?", reqs[0].Content)
	require.NotNil(t, reqs[0].ChatID)
	assert.Equal(t, "chat-1", *reqs[0].ChatID)
	require.NotNil(t, reqs[0].UserID)
	assert.Equal(t, "student-42", *reqs[0].UserID)

	last, ok, err := st.Get(context.Background(), store.KeyLastSession)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "chat-1", last)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.users {
		assert.Equal(t, "student-42", u)
	}
}

func TestRunResumesLastSession(t *testing.T) {
	b := newBackend()
	b.seed("chat-7",
		map[string]any{"id": "m1", "role": "user", "content": "Define osmosis", "created_at": "2026-10-13T08:00:00Z"},
		map[string]any{"id": "m2", "role": "assistant", "content": "Osmosis moves water across membranes.", "created_at": "2026-10-13T08:00:03Z"},
	)
	srv := httptest.NewServer(b)
	defer srv.Close()

	st := store.NewMemory()
	require.NoError(t, st.Set(context.Background(), store.KeyLastSession, "chat-7"))

	out := runBot(t, testConfig(t, srv), st, "/quit\n")

	assert.NotContains(t, out, "Hi! Ask me anything")
	assert.Contains(t, out, "chat-7")
	assert.Contains(t, out, "Define osmosis")
	assert.Contains(t, out, "Osmosis")
}

func TestRunHistoryAndDelete(t *testing.T) {
	b := newBackend()
	b.seed("chat-7")
	srv := httptest.NewServer(b)
	defer srv.Close()

	st := store.NewMemory()
	require.NoError(t, st.Set(context.Background(), store.KeyLastSession, "chat-7"))

	out := runBot(t, testConfig(t, srv), st, "/history 3\n/delete chat-7\n/quit\n")

	assert.Contains(t, out, "Recent sessions:")
	assert.Contains(t, out, "Photosynthesis basics")
	assert.Contains(t, out, "Deleted session chat-7.")

	b.mu.Lock()
	assert.Equal(t, []string{"chat-7"}, b.deleted)
	b.mu.Unlock()

	_, ok, err := st.Get(context.Background(), store.KeyLastSession)
	require.NoError(t, err)
	assert.False(t, ok, "deleting the active session clears the stored id")
}

func TestRunReportsCommandErrors(t *testing.T) {
	b := newBackend()
	srv := httptest.NewServer(b)
	defer srv.Close()

	out := runBot(t, testConfig(t, srv), store.NewMemory(), "/bogus\n/history x\n/switch\n/help\n/exit\n")

	assert.Contains(t, out, "unknown command /bogus")
	assert.Contains(t, out, "usage: /history [days]")
	assert.Contains(t, out, "usage: /switch <session-id>")
	assert.Contains(t, out, "Available commands:")
	assert.Contains(t, out, "Goodbye!")
}

func TestRunNewChatStartsFreshSession(t *testing.T) {
	b := newBackend()
	srv := httptest.NewServer(b)
	defer srv.Close()

	st := store.NewMemory()
	out := runBot(t, testConfig(t, srv), st, "first question\n/new\nsecond question\n/quit\n")

	assert.Contains(t, out, "Started a new chat.")
	reqs := b.sentRequests()
	require.Len(t, reqs, 2)
	require.NotNil(t, reqs[0].ChatID)
	require.NotNil(t, reqs[1].ChatID)
	assert.Equal(t, "chat-1", *reqs[0].ChatID)
	assert.Equal(t, "chat-2", *reqs[1].ChatID)
}

func TestNewChatBotRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.StreamURL = "http://localhost:8000/api/v1/chat/ws"
	_, err := NewChatBot(cfg)
	assert.Error(t, err)
}
