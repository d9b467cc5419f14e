package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"EduMind/internal/stream"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResample(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		src  int
		dst  int
		want []int16
	}{
		{"empty", nil, 48000, 16000, nil},
		{"bad rate", []float32{0.5}, 0, 16000, nil},
		{"same rate", []float32{0, 1, -1}, 16000, 16000, []int16{0, 32767, -32768}},
		{"48k picks every third", []float32{0.5, 9, 9, -0.5, 9, 9, 1, 9, 9, 0}, 48000, 16000, []int16{16383, -16384, 32767}},
		{"clamps", []float32{1.5, -2}, 16000, 16000, []int16{32767, -32768}},
		{"32k floors length", make([]float32, 441), 32000, 16000, make([]int16, 220)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resample(tt.in, tt.src, tt.dst)
			assert.Equal(t, len(tt.want), len(got))
			if tt.want != nil {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestEncodePCM(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x00, 0xFE, 0xFF, 0x00, 0x80}, EncodePCM([]int16{1, -2, -32768}))
	assert.Empty(t, EncodePCM(nil))
}

func TestDecodeFloat32(t *testing.T) {
	samples, err := DecodeFloat32([]byte{0x00, 0x00, 0x80, 0x3F, 0x00, 0x00, 0x00, 0xBF})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -0.5}, samples)

	_, err = DecodeFloat32([]byte{0x00, 0x01, 0x02})
	assert.Error(t, err)
}

// speechServer records what the client sends and answers like the speech socket.
type speechServer struct {
	upgrader  websocket.Upgrader
	dropFirst bool

	conns atomic.Int32
	mu    sync.Mutex
	ctrl  []string
	audio [][]byte
}

func (s *speechServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if n := s.conns.Add(1); n == 1 && s.dropFirst {
		return
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			s.mu.Lock()
			s.audio = append(s.audio, data)
			s.mu.Unlock()
			conn.WriteJSON(stream.Frame{Type: stream.TypeASRPartial, Content: "photo"})
			continue
		}

		var ctrl stream.Control
		if err := json.Unmarshal(data, &ctrl); err != nil {
			continue
		}
		s.mu.Lock()
		s.ctrl = append(s.ctrl, ctrl.Type)
		s.mu.Unlock()

		if ctrl.Type == stream.TypeStopRecording {
			conn.WriteJSON(stream.Frame{Type: stream.TypeASRFinal, Content: "photosynthesis"})
			conn.WriteJSON(stream.Frame{Type: stream.TypeLLMChunk, Content: "Plants make sugar."})
			conn.WriteJSON(stream.Frame{Type: stream.TypeLLMEnd})
			conn.WriteJSON(stream.Frame{Type: stream.TypeASRStopped})
		}
	}
}

func (s *speechServer) controls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ctrl...)
}

func (s *speechServer) audioFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

func startClient(t *testing.T, srv *httptest.Server, opts ...Option) (*Client, context.CancelFunc, <-chan error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient(url, append([]Option{WithReconnectInterval(20 * time.Millisecond)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
	return c, cancel, done
}

func collect(t *testing.T, c *Client, until stream.Kind) []stream.Event {
	t.Helper()
	var got []stream.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "events closed early")
			got = append(got, ev)
			if ev.Kind == until {
				return got
			}
		case <-timeout:
			t.Fatalf("no %s event; got %v", until, got)
		}
	}
}

func TestClientRecordingRoundTrip(t *testing.T) {
	server := &speechServer{}
	srv := httptest.NewServer(server)
	defer srv.Close()

	c, cancel, done := startClient(t, srv)
	ctx := context.Background()
	assert.Equal(t, StatusIdle, c.Status())

	sent, err := c.SendAudio(ctx, []float32{0.1, 0.2, 0.3}, 48000)
	require.NoError(t, err)
	assert.False(t, sent, "audio before start_recording is dropped")

	require.NoError(t, c.StartRecording(ctx))
	assert.True(t, c.Recording())
	assert.Equal(t, StatusListening, c.Status())

	sent, err = c.SendAudio(ctx, []float32{0.5, 0, 0, -0.5, 0, 0}, 48000)
	require.NoError(t, err)
	assert.True(t, sent)

	evs := collect(t, c, stream.KindASRPartial)
	assert.Equal(t, "photo", evs[len(evs)-1].Text)
	assert.Equal(t, StatusSpeaking, c.Status())

	require.NoError(t, c.StopRecording(ctx))
	require.NoError(t, c.StopRecording(ctx), "second stop is a no-op")
	assert.False(t, c.Recording())

	evs = collect(t, c, stream.KindASRStopped)
	var kinds []stream.Kind
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []stream.Kind{stream.KindASRFinal, stream.KindChunk, stream.KindEnd, stream.KindASRStopped}, kinds)
	assert.Equal(t, StatusIdle, c.Status())

	assert.Equal(t, []string{stream.TypeStartRecording, stream.TypeStopRecording}, server.controls())
	frames := server.audioFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, EncodePCM([]int16{16383, -16384}), frames[0])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	_, open := <-c.Events()
	assert.False(t, open)
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	server := &speechServer{dropFirst: true}
	srv := httptest.NewServer(server)
	defer srv.Close()

	c, cancel, done := startClient(t, srv)
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return server.conns.Load() >= 2 && c.Connected()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.StartRecording(context.Background()))
	require.Eventually(t, func() bool {
		return len(server.controls()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartRecordingWhileDisconnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/api/v1/chat/ws")
	err := c.StartRecording(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.Recording())
	assert.Equal(t, StatusIdle, c.Status())
}

func TestServerErrorStopsRecording(t *testing.T) {
	var mu sync.Mutex
	var controls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var ctrl stream.Control
			if err := conn.ReadJSON(&ctrl); err != nil {
				return
			}
			mu.Lock()
			controls = append(controls, ctrl.Type)
			mu.Unlock()
			if ctrl.Type == stream.TypeStartRecording {
				conn.WriteJSON(stream.Frame{Type: stream.TypeError, Content: "ASR unavailable"})
			}
		}
	}))
	defer srv.Close()

	c, cancel, done := startClient(t, srv)
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, c.StartRecording(context.Background()))
	evs := collect(t, c, stream.KindError)

	var serverErr *stream.ServerError
	require.ErrorAs(t, evs[len(evs)-1].Err, &serverErr)
	assert.Equal(t, "ASR unavailable", serverErr.Reason)
	assert.False(t, c.Recording())
	assert.Equal(t, StatusIdle, c.Status())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(controls) == 2 && controls[1] == stream.TypeStopRecording
	}, 2*time.Second, 5*time.Millisecond)
}
