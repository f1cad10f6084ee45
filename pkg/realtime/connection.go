package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// ConnectionState is the lifecycle state published to subscribers.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

const (
	defaultRequestTimeout    = 15 * time.Second
	defaultReconnectInitial  = time.Second
	defaultReconnectMax      = 10 * time.Second
	defaultReconnectAttempts = 5
)

// Credentials identify the user the connection authenticates as.
type Credentials struct {
	Token    string
	UserID   string
	Username string
}

// Conn is the subset of *websocket.Conn the manager relies on.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens websocket connections.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

type gorillaDialer struct {
	dialer *websocket.Dialer
}

func (d gorillaDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// ConnectionOptions tunes the connection manager. Zero values fall back to defaults.
type ConnectionOptions struct {
	Dialer            Dialer
	RequestTimeout    time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	Logger            *zerolog.Logger
}

type ackResult struct {
	ack protocol.Ack
	err error
}

// ConnectionManager owns the websocket, correlates requests with acks and reconnects after
// unintended drops.
type ConnectionManager struct {
	url    string
	dialer Dialer
	opts   ConnectionOptions
	logger zerolog.Logger

	mu         sync.Mutex
	conn       Conn
	creds      Credentials
	state      ConnectionState
	lastErr    error
	generation uint64
	stopRetry  context.CancelFunc
	pending    map[string]chan ackResult

	writeMu sync.Mutex
	nextID  atomic.Uint64

	subMu     sync.Mutex
	subs      map[int]func(ConnectionState)
	nextSubID int

	onEvent     func(protocol.Frame)
	onReconnect func(context.Context)
}

// NewConnectionManager prepares a manager for the websocket endpoint at url.
func NewConnectionManager(url string, opts ConnectionOptions) *ConnectionManager {
	if opts.Dialer == nil {
		opts.Dialer = gorillaDialer{dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = defaultReconnectInitial
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = defaultReconnectAttempts
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &ConnectionManager{
		url:     url,
		dialer:  opts.Dialer,
		opts:    opts,
		logger:  logger.With().Str("component", "connection").Logger(),
		state:   StateDisconnected,
		pending: make(map[string]chan ackResult),
		subs:    make(map[int]func(ConnectionState)),
	}
}

// HandleEvents installs the receiver of inbound push frames. Frames are delivered from the read
// goroutine in arrival order. It must be set before Connect.
func (m *ConnectionManager) HandleEvents(fn func(protocol.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

// OnReconnect installs a hook run after every successful automatic reconnect.
func (m *ConnectionManager) OnReconnect(fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// Connect dials the server with creds. Empty credentials tear down any existing connection.
func (m *ConnectionManager) Connect(ctx context.Context, creds Credentials) error {
	m.teardown(nil)
	if creds.Token == "" {
		return nil
	}

	m.mu.Lock()
	m.creds = creds
	m.lastErr = nil
	m.mu.Unlock()
	m.setState(StateConnecting)

	conn, err := m.dial(ctx, creds)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.setState(StateDisconnected)
		return err
	}

	m.attach(conn)
	m.logger.Info().Str("user_id", creds.UserID).Msg("connected")
	return nil
}

// Disconnect closes the connection without reconnecting.
func (m *ConnectionManager) Disconnect() {
	m.teardown(nil)
}

// IsConnected reports whether requests can currently be sent.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.conn != nil
}

// LastError returns the most recent transport error. A terminal reconnect failure is a
// *ConnectionError.
func (m *ConnectionManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Credentials returns the credentials of the current session.
func (m *ConnectionManager) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// Subscribe registers fn for state transitions and returns its cancel func.
func (m *ConnectionManager) Subscribe(fn func(ConnectionState)) func() {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Request sends event and waits for its ack. A successful ack is decoded into out when out is
// non-nil. Nothing is sent when the connection is down.
func (m *ConnectionManager) Request(ctx context.Context, event string, payload, out any) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	id := strconv.FormatUint(m.nextID.Add(1), 10)
	frame, err := protocol.NewFrame(event, id, payload)
	if err != nil {
		return err
	}

	result := make(chan ackResult, 1)
	m.mu.Lock()
	m.pending[id] = result
	m.mu.Unlock()
	defer m.forget(id)

	if err := m.write(frame); err != nil {
		return err
	}

	timer := time.NewTimer(m.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-result:
		if res.err != nil {
			return res.err
		}
		if !res.ack.Success {
			return &AckError{Event: event, Message: res.ack.Error}
		}
		if out != nil && len(res.ack.Data) > 0 {
			if err := json.Unmarshal(res.ack.Data, out); err != nil {
				return fmt.Errorf("decode %s ack: %w", event, err)
			}
		}
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit sends a fire-and-forget event.
func (m *ConnectionManager) Emit(event string, payload any) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	frame, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		return err
	}
	return m.write(frame)
}

func (m *ConnectionManager) write(frame protocol.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (m *ConnectionManager) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *ConnectionManager) dial(ctx context.Context, creds Credentials) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	return m.dialer.DialContext(ctx, m.url, header)
}

// attach makes conn current and starts its read goroutine.
func (m *ConnectionManager) attach(conn Conn) {
	m.mu.Lock()
	gen, changed := m.attachLocked(conn)
	m.mu.Unlock()
	m.start(conn, gen, changed)
}

// attachLocked installs conn as the live connection. m.mu must be held.
func (m *ConnectionManager) attachLocked(conn Conn) (gen uint64, changed bool) {
	m.generation++
	m.conn = conn
	m.lastErr = nil
	changed = m.state != StateConnected
	m.state = StateConnected
	return m.generation, changed
}

func (m *ConnectionManager) start(conn Conn, gen uint64, changed bool) {
	if changed {
		m.notify(StateConnected)
	}
	go m.readLoop(conn, gen)
}

func (m *ConnectionManager) readLoop(conn Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.dropped(gen, err)
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			m.logger.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}

		if frame.Event == protocol.EventAck {
			m.resolve(frame)
			continue
		}

		m.mu.Lock()
		handler := m.onEvent
		m.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}

func (m *ConnectionManager) resolve(frame protocol.Frame) {
	var ack protocol.Ack
	if err := frame.Decode(&ack); err != nil {
		m.logger.Warn().Err(err).Str("id", frame.ID).Msg("discarding malformed ack")
		return
	}

	m.mu.Lock()
	ch, ok := m.pending[frame.ID]
	delete(m.pending, frame.ID)
	m.mu.Unlock()
	if ok {
		ch <- ackResult{ack: ack}
	}
}

// dropped handles the end of the read loop for generation gen. Drops of a connection that was
// already replaced or torn down are ignored.
func (m *ConnectionManager) dropped(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.generation || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.lastErr = cause
	creds := m.creds
	ctx, cancel := context.WithCancel(context.Background())
	m.stopRetry = cancel
	m.mu.Unlock()

	m.failPending()
	m.logger.Warn().Err(cause).Msg("connection dropped; reconnecting")
	m.setState(StateReconnecting)
	go m.reconnect(ctx, gen, creds)
}

// reconnect retries the dial with exponential backoff until it succeeds, the attempts run out
// or the loop is cancelled by Connect or Disconnect.
func (m *ConnectionManager) reconnect(ctx context.Context, gen uint64, creds Credentials) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.ReconnectInitial
	policy.MaxInterval = m.opts.ReconnectMax
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.opts.ReconnectAttempts)), ctx)
	retries.Reset()

	var (
		attempts int
		lastErr  error
	)
	for {
		wait := retries.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		attempts++
		conn, err := m.dial(ctx, creds)
		if err != nil {
			lastErr = err
			m.logger.Debug().Err(err).Int("attempt", attempts).Msg("reconnect attempt failed")
			continue
		}

		m.mu.Lock()
		if ctx.Err() != nil || m.generation != gen {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.stopRetry = nil
		hook := m.onReconnect
		newGen, changed := m.attachLocked(conn)
		m.mu.Unlock()

		m.start(conn, newGen, changed)
		m.logger.Info().Int("attempts", attempts).Msg("reconnected")
		if hook != nil {
			hook(ctx)
		}
		return
	}

	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.stopRetry = nil
	m.lastErr = &ConnectionError{Attempts: attempts, Err: lastErr}
	m.mu.Unlock()

	m.logger.Error().Err(lastErr).Int("attempts", attempts).Msg("giving up on reconnect")
	m.setState(StateFailed)
}

// teardown closes the current connection, stops any reconnect loop and fails pending requests.
func (m *ConnectionManager) teardown(cause error) {
	m.mu.Lock()
	m.generation++
	conn := m.conn
	m.conn = nil
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	m.lastErr = cause
	wasDown := m.state == StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		conn.Close()
	}
	m.failPending()
	if !wasDown {
		m.setState(StateDisconnected)
	}
}

func (m *ConnectionManager) failPending() {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]chan ackResult)
	m.mu.Unlock()

	for _, ch := range pending {
		ch <- ackResult{err: ErrNotConnected}
	}
}

func (m *ConnectionManager) setState(state ConnectionState) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()
	m.notify(state)
}

func (m *ConnectionManager) notify(state ConnectionState) {
	m.subMu.Lock()
	subs := make([]func(ConnectionState), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

