package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

const (
	defaultTypingQuiet = 1000 * time.Millisecond
	defaultTypingCap   = 3000 * time.Millisecond
	defaultTypingTTL   = 5 * time.Second
)

// TypingUser is a remote participant currently typing. Timestamp is the time of the latest
// typing signal; the entry expires a TTL after it.
type TypingUser struct {
	UserID         string
	Username       string
	ConversationID string
	Timestamp      time.Time
}

type typingKey struct {
	conversationID string
	userID         string
}

// emitter sends fire-and-forget events.
type emitter interface {
	Emit(event string, payload any) error
}

// typingBurst tracks the local user's current burst in one conversation.
type typingBurst struct {
	quiet *time.Timer
	limit *time.Timer
}

// TypingOptions tunes the coordinator. Zero values fall back to defaults.
type TypingOptions struct {
	Quiet time.Duration
	Cap   time.Duration
	TTL   time.Duration
	Now   func() time.Time
}

// TypingCoordinator debounces the local user's typing signals and tracks remote typists.
type TypingCoordinator struct {
	conn   emitter
	self   func() string
	opts   TypingOptions
	logger zerolog.Logger

	mu     sync.Mutex
	bursts map[string]*typingBurst
	remote *ttlCache[typingKey, TypingUser]
}

func NewTypingCoordinator(conn emitter, self func() string, opts TypingOptions, logger zerolog.Logger) *TypingCoordinator {
	if opts.Quiet <= 0 {
		opts.Quiet = defaultTypingQuiet
	}
	if opts.Cap <= 0 {
		opts.Cap = defaultTypingCap
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTypingTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if self == nil {
		self = func() string { return "" }
	}
	return &TypingCoordinator{
		conn:   conn,
		self:   self,
		opts:   opts,
		logger: logger.With().Str("component", "typing").Logger(),
		bursts: make(map[string]*typingBurst),
		remote: newTTLCache[typingKey, TypingUser](opts.TTL, opts.Now),
	}
}

// StartTyping signals a keystroke. The first keystroke of a burst emits typing:start; the burst
// ends after a quiet period or when it reaches the hard cap.
func (t *TypingCoordinator) StartTyping(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if burst, ok := t.bursts[conversationID]; ok {
		burst.quiet.Reset(t.opts.Quiet)
		return
	}

	burst := &typingBurst{}
	burst.quiet = time.AfterFunc(t.opts.Quiet, func() { t.expire(conversationID, burst) })
	burst.limit = time.AfterFunc(t.opts.Cap, func() { t.expire(conversationID, burst) })
	t.bursts[conversationID] = burst
	t.emit(protocol.EventTypingStart, conversationID)
}

// StopTyping ends the current burst, for example when the message is sent.
func (t *TypingCoordinator) StopTyping(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	burst, ok := t.bursts[conversationID]
	if !ok {
		return
	}
	t.end(conversationID, burst)
}

// expire ends burst if it is still the active one.
func (t *TypingCoordinator) expire(conversationID string, burst *typingBurst) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bursts[conversationID] != burst {
		return
	}
	t.end(conversationID, burst)
}

func (t *TypingCoordinator) end(conversationID string, burst *typingBurst) {
	burst.quiet.Stop()
	burst.limit.Stop()
	delete(t.bursts, conversationID)
	t.emit(protocol.EventTypingStop, conversationID)
}

// emit sends a typing signal. Typing is best effort; failures are only logged.
func (t *TypingCoordinator) emit(event, conversationID string) {
	err := t.conn.Emit(event, protocol.ConversationRef{ConversationID: conversationID})
	if err == nil {
		return
	}
	if errors.Is(err, ErrNotConnected) {
		t.logger.Debug().Str("event", event).Str("conversation_id", conversationID).Msg("typing signal dropped while offline")
		return
	}
	t.logger.Warn().Err(err).Str("event", event).Str("conversation_id", conversationID).Msg("failed to send typing signal")
}

// TypingUsers lists remote users typing in a conversation, ordered by user id.
func (t *TypingCoordinator) TypingUsers(conversationID string) []TypingUser {
	users := t.remote.collect(func(key typingKey) bool { return key.conversationID == conversationID })
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (t *TypingCoordinator) handleStarted(event protocol.TypingEvent) {
	if event.UserID == "" || event.UserID == t.self() {
		return
	}
	t.remote.set(typingKey{conversationID: event.ConversationID, userID: event.UserID}, TypingUser{
		UserID:         event.UserID,
		Username:       event.Username,
		ConversationID: event.ConversationID,
		Timestamp:      t.opts.Now(),
	})
}

func (t *TypingCoordinator) handleStopped(event protocol.TypingEvent) {
	t.remote.delete(typingKey{conversationID: event.ConversationID, userID: event.UserID})
}

// Run sweeps expired remote indicators until ctx is done.
func (t *TypingCoordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.stopAll()
			return
		case <-ticker.C:
			if expired := t.remote.sweep(); len(expired) > 0 {
				t.logger.Debug().Int("expired", len(expired)).Msg("typing indicators expired")
			}
		}
	}
}

// stopAll cancels local bursts without signalling.
func (t *TypingCoordinator) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, burst := range t.bursts {
		burst.quiet.Stop()
		burst.limit.Stop()
		delete(t.bursts, id)
	}
}
