package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

const defaultPresenceTTL = 2 * time.Minute

// PresenceService tracks which users are connected and their self-reported status.
type PresenceService interface {
	Connect(ctx context.Context, userID, connID string) error
	Disconnect(ctx context.Context, userID, connID string) error
	Heartbeat(ctx context.Context, userID, connID string) error
	Update(ctx context.Context, userID string, status protocol.PresenceStatus) (protocol.UserPresence, error)
	Get(ctx context.Context, userID string) (protocol.UserPresence, error)
	Online(ctx context.Context) ([]protocol.UserPresence, error)
}

type presenceStore interface {
	addConnection(ctx context.Context, userID, connID string, ttl time.Duration) (int64, error)
	removeConnection(ctx context.Context, userID, connID string) (int64, error)
	touch(ctx context.Context, userID string, ttl time.Duration) error
	set(ctx context.Context, presence protocol.UserPresence, ttl time.Duration) error
	get(ctx context.Context, userID string) (protocol.UserPresence, bool, error)
	list(ctx context.Context) ([]protocol.UserPresence, error)
}

type presenceService struct {
	store  presenceStore
	events Broadcaster
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewPresenceService builds a presence service. With a Redis client presence is shared across
// nodes; without one it is kept in process.
func NewPresenceService(redisClient *redis.Client, channelBase string, ttl time.Duration, events Broadcaster, logger zerolog.Logger) PresenceService {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}

	var store presenceStore
	if redisClient != nil {
		prefix := "presence"
		if channelBase != "" {
			prefix = channelBase + ":presence"
		}
		store = &redisPresenceStore{client: redisClient, prefix: prefix}
	} else {
		store = newMemoryPresenceStore()
	}

	return &presenceService{
		store:  store,
		events: orNop(events),
		ttl:    ttl,
		logger: logger.With().Str("component", "presence_service").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Connect registers a websocket session. The first session of a user flips them online.
func (s *presenceService) Connect(ctx context.Context, userID, connID string) error {
	count, err := s.store.addConnection(ctx, userID, connID, s.ttl)
	if err != nil {
		return err
	}
	if count > 1 {
		return s.store.touch(ctx, userID, s.ttl)
	}

	presence := protocol.UserPresence{UserID: userID, Status: protocol.StatusOnline, LastSeen: s.now()}
	if err := s.store.set(ctx, presence, s.ttl); err != nil {
		return err
	}
	s.announce(presence, true)
	return nil
}

// Disconnect removes a session. When the last session goes, the user is marked offline.
func (s *presenceService) Disconnect(ctx context.Context, userID, connID string) error {
	remaining, err := s.store.removeConnection(ctx, userID, connID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	presence := protocol.UserPresence{UserID: userID, Status: protocol.StatusOffline, LastSeen: s.now()}
	if err := s.store.set(ctx, presence, s.ttl); err != nil {
		return err
	}
	s.announce(presence, true)
	return nil
}

func (s *presenceService) Heartbeat(ctx context.Context, userID, connID string) error {
	if _, err := s.store.addConnection(ctx, userID, connID, s.ttl); err != nil {
		return err
	}
	return s.store.touch(ctx, userID, s.ttl)
}

// Update overwrites the user's presence wholesale and broadcasts it.
func (s *presenceService) Update(ctx context.Context, userID string, status protocol.PresenceStatus) (protocol.UserPresence, error) {
	switch status {
	case protocol.StatusOnline, protocol.StatusAway, protocol.StatusBusy, protocol.StatusOffline:
	default:
		return protocol.UserPresence{}, fmt.Errorf("unknown presence status %q", status)
	}

	previous, _, err := s.store.get(ctx, userID)
	if err != nil {
		return protocol.UserPresence{}, err
	}

	presence := protocol.UserPresence{UserID: userID, Status: status, LastSeen: s.now()}
	if err := s.store.set(ctx, presence, s.ttl); err != nil {
		return protocol.UserPresence{}, err
	}

	wasOnline := previous.Status != "" && previous.Status != protocol.StatusOffline
	isOnline := status != protocol.StatusOffline
	s.announce(presence, wasOnline != isOnline)
	return presence, nil
}

// Get returns the stored presence. Unknown or expired users are reported offline.
func (s *presenceService) Get(ctx context.Context, userID string) (protocol.UserPresence, error) {
	presence, ok, err := s.store.get(ctx, userID)
	if err != nil {
		return protocol.UserPresence{}, err
	}
	if !ok {
		return protocol.UserPresence{UserID: userID, Status: protocol.StatusOffline}, nil
	}
	return presence, nil
}

// Online lists every user whose status is not offline, sorted by user id.
func (s *presenceService) Online(ctx context.Context) ([]protocol.UserPresence, error) {
	all, err := s.store.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.UserPresence, 0, len(all))
	for _, presence := range all {
		if presence.Status != protocol.StatusOffline {
			out = append(out, presence)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *presenceService) announce(presence protocol.UserPresence, statusChanged bool) {
	s.events.ToAll(protocol.EventPresenceUpdate, protocol.PresenceEvent{UserID: presence.UserID, Presence: presence})
	if statusChanged {
		s.events.ToAll(protocol.EventPresenceUserStatusChanged, protocol.StatusChangedEvent{
			UserID:    presence.UserID,
			IsOnline:  presence.Status != protocol.StatusOffline,
			Timestamp: presence.LastSeen,
		})
	}
}

// redisPresenceStore keeps a set of session ids per user, a JSON presence record per user and an
// index set of users that are not offline.
type redisPresenceStore struct {
	client *redis.Client
	prefix string
}

func (r *redisPresenceStore) connKey(userID string) string { return fmt.Sprintf("%s:conn:%s", r.prefix, userID) }
func (r *redisPresenceStore) userKey(userID string) string { return fmt.Sprintf("%s:user:%s", r.prefix, userID) }
func (r *redisPresenceStore) indexKey() string             { return r.prefix + ":online" }

func (r *redisPresenceStore) addConnection(ctx context.Context, userID, connID string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.connKey(userID), connID)
	pipe.Expire(ctx, r.connKey(userID), ttl)
	count := pipe.SCard(ctx, r.connKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return count.Val(), nil
}

func (r *redisPresenceStore) removeConnection(ctx context.Context, userID, connID string) (int64, error) {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.connKey(userID), connID)
	count := pipe.SCard(ctx, r.connKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return count.Val(), nil
}

func (r *redisPresenceStore) touch(ctx context.Context, userID string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.userKey(userID), ttl).Err()
}

func (r *redisPresenceStore) set(ctx context.Context, presence protocol.UserPresence, ttl time.Duration) error {
	payload, err := json.Marshal(presence)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.userKey(presence.UserID), payload, ttl)
	if presence.Status == protocol.StatusOffline {
		pipe.SRem(ctx, r.indexKey(), presence.UserID)
	} else {
		pipe.SAdd(ctx, r.indexKey(), presence.UserID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisPresenceStore) get(ctx context.Context, userID string) (protocol.UserPresence, bool, error) {
	raw, err := r.client.Get(ctx, r.userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return protocol.UserPresence{}, false, nil
	}
	if err != nil {
		return protocol.UserPresence{}, false, err
	}
	var presence protocol.UserPresence
	if err := json.Unmarshal(raw, &presence); err != nil {
		return protocol.UserPresence{}, false, err
	}
	return presence, true, nil
}

func (r *redisPresenceStore) list(ctx context.Context) ([]protocol.UserPresence, error) {
	members, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]protocol.UserPresence, 0, len(members))
	for _, userID := range members {
		presence, ok, err := r.get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Record expired without a clean disconnect.
			_ = r.client.SRem(ctx, r.indexKey(), userID).Err()
			continue
		}
		out = append(out, presence)
	}
	return out, nil
}

type memoryPresenceStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]struct{}
	presence map[string]protocol.UserPresence
}

func newMemoryPresenceStore() *memoryPresenceStore {
	return &memoryPresenceStore{
		sessions: make(map[string]map[string]struct{}),
		presence: make(map[string]protocol.UserPresence),
	}
}

func (m *memoryPresenceStore) addConnection(_ context.Context, userID, connID string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[userID]; !ok {
		m.sessions[userID] = make(map[string]struct{})
	}
	m.sessions[userID][connID] = struct{}{}
	return int64(len(m.sessions[userID])), nil
}

func (m *memoryPresenceStore) removeConnection(_ context.Context, userID, connID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := m.sessions[userID]
	delete(sessions, connID)
	if len(sessions) == 0 {
		delete(m.sessions, userID)
	}
	return int64(len(sessions)), nil
}

func (m *memoryPresenceStore) touch(context.Context, string, time.Duration) error { return nil }

func (m *memoryPresenceStore) set(_ context.Context, presence protocol.UserPresence, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence[presence.UserID] = presence
	return nil
}

func (m *memoryPresenceStore) get(_ context.Context, userID string) (protocol.UserPresence, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	presence, ok := m.presence[userID]
	return presence, ok, nil
}

func (m *memoryPresenceStore) list(context.Context) ([]protocol.UserPresence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.UserPresence, 0, len(m.presence))
	for _, presence := range m.presence {
		out = append(out, presence)
	}
	return out, nil
}
