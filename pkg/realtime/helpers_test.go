package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// errNoAck makes the fake server swallow a request.
var errNoAck = errors.New("no ack")

type frameHandler func(s *fakeServer, frame protocol.Frame) (any, error)

// fakeServer speaks the gateway wire protocol over a real websocket.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	frames   []protocol.Frame
	headers  []http.Header
	handlers map[string]frameHandler

	writeMu sync.Mutex
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{t: t, handlers: make(map[string]frameHandler)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()
		s.serve(conn)
	}))
	t.Cleanup(func() {
		s.dropAll()
		s.srv.Close()
	})
	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/ws"
}

func (s *fakeServer) on(event string, fn frameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = fn
}

func (s *fakeServer) serve(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		s.mu.Lock()
		s.frames = append(s.frames, frame)
		handler := s.handlers[frame.Event]
		s.mu.Unlock()

		var (
			result    any
			handleErr error
		)
		if handler != nil {
			result, handleErr = handler(s, frame)
		}
		if frame.ID == "" || errors.Is(handleErr, errNoAck) {
			continue
		}
		ack, ackErr := protocol.NewAckFrame(frame.ID, result, handleErr)
		require.NoError(s.t, ackErr)
		s.write(conn, ack)
	}
}

func (s *fakeServer) write(conn *websocket.Conn, frame protocol.Frame) {
	raw, err := json.Marshal(frame)
	require.NoError(s.t, err)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}

// push sends an event to every open connection.
func (s *fakeServer) push(event string, payload any) {
	frame, err := protocol.NewFrame(event, "", payload)
	require.NoError(s.t, err)

	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, conn := range conns {
		s.write(conn, frame)
	}
}

// dropAll closes every server-side connection without a close handshake.
func (s *fakeServer) dropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (s *fakeServer) received(event string) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Frame
	for _, frame := range s.frames {
		if frame.Event == event {
			out = append(out, frame)
		}
	}
	return out
}

func (s *fakeServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.headers)
}

func newTestClient(t *testing.T, srv *fakeServer) *Client {
	t.Helper()
	client := New(Config{
		URL:              srv.url(),
		RequestTimeout:   2 * time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     40 * time.Millisecond,
	})
	require.NoError(t, client.Connect(context.Background(), Credentials{Token: "token-alice", UserID: "alice", Username: "Alice"}))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// stubConn is an in-memory requester and emitter.
type stubConn struct {
	mu        sync.Mutex
	connected bool
	responses map[string]any
	errs      map[string]error
	requests  []protocol.Frame
	emits     []protocol.Frame
}

func newStubConn() *stubConn {
	return &stubConn{connected: true, responses: make(map[string]any), errs: make(map[string]error)}
}

func (c *stubConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *stubConn) Request(_ context.Context, event string, payload, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	frame, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		return err
	}
	c.requests = append(c.requests, frame)
	if err := c.errs[event]; err != nil {
		return err
	}
	if resp, ok := c.responses[event]; ok && out != nil {
		raw, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (c *stubConn) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	frame, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		return err
	}
	c.emits = append(c.emits, frame)
	return nil
}

func (c *stubConn) requested(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, frame := range c.requests {
		if frame.Event == event {
			count++
		}
	}
	return count
}

func (c *stubConn) emitted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.emits))
	for _, frame := range c.emits {
		out = append(out, frame.Event)
	}
	return out
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func at(minute int) time.Time {
	return time.Date(2024, 6, 1, 18, minute, 0, 0, time.UTC)
}

func zerologNop() zerolog.Logger { return zerolog.Nop() }
