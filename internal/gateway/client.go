package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"golang.org/x/time/rate"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 64
)

// Conn is the part of a websocket connection the gateway drives. *websocket.Conn from
// gofiber/websocket satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session identifies the authenticated user behind a connection.
type Session struct {
	UserID        string
	Username      string
	Role          string
	ConnID        string
	CorrelationID string
}

// Client is one websocket session. rooms is guarded by the hub lock.
type Client struct {
	session Session
	conn    Conn
	send    chan []byte
	rooms   map[string]struct{}
	limiter *rate.Limiter
	gateway *Gateway
	stop    chan closeRequest
	closed  chan struct{}
	once    sync.Once
}

type closeRequest struct {
	code   int
	reason string
}

func newClient(gw *Gateway, conn Conn, session Session) *Client {
	return &Client{
		session: session,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		rooms:   make(map[string]struct{}),
		limiter: rate.NewLimiter(rate.Limit(gw.opts.EventsPerSecond), gw.opts.Burst),
		gateway: gw,
		stop:    make(chan closeRequest, 1),
		closed:  make(chan struct{}),
	}
}

// enqueue queues raw for the writer. It reports false when the buffer is full or the client closed.
func (c *Client) enqueue(raw []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *Client) enqueueFrame(frame protocol.Frame) {
	raw, err := encodeFrame(frame)
	if err != nil {
		c.gateway.logger.Error().Err(err).Str("event", frame.Event).Msg("failed to encode frame")
		return
	}
	if !c.enqueue(raw) {
		c.gateway.logger.Warn().Str("user_id", c.session.UserID).Str("event", frame.Event).Msg("send queue full, dropping frame")
	}
}

func (c *Client) reader(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.gateway.heartbeat(ctx, c)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.gateway.logger.Debug().Err(err).Str("user_id", c.session.UserID).Msg("read loop ended")
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.gateway.logger.Debug().Str("user_id", c.session.UserID).Msg("ignoring malformed frame")
			continue
		}

		if !c.limiter.Allow() {
			c.gateway.reject(c, frame, errRateLimited)
			continue
		}

		c.gateway.dispatch(ctx, c, frame)
	}
}

func (c *Client) writer() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.gateway.logger.Debug().Err(err).Msg("write loop terminated")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.gateway.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		case req := <-c.stop:
			c.flush(req.code, req.reason)
			return
		case <-c.closed:
			return
		}
	}
}

// shutdown asks the writer to drain the queue and close the connection.
func (c *Client) shutdown(code int, reason string) {
	select {
	case c.stop <- closeRequest{code: code, reason: reason}:
	default:
	}
}

// flush writes whatever is queued and then sends a close frame with code and reason.
func (c *Client) flush(code int, reason string) {
	for {
		select {
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		default:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func encodeFrame(frame protocol.Frame) ([]byte, error) {
	return json.Marshal(frame)
}
