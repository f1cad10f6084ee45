package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

const defaultHeartbeatInterval = 30 * time.Second

type presenceConn interface {
	requester
	emitter
}

// PresenceTracker mirrors the presence broadcasts of other users and keeps the caller's own
// status alive on the server.
type PresenceTracker struct {
	conn   presenceConn
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	statuses map[string]protocol.UserPresence
	own      protocol.PresenceStatus

	subMu     sync.Mutex
	subs      map[int]func(protocol.UserPresence)
	nextSubID int
}

func NewPresenceTracker(conn presenceConn, logger zerolog.Logger) *PresenceTracker {
	return &PresenceTracker{
		conn:     conn,
		logger:   logger.With().Str("component", "presence").Logger(),
		now:      time.Now,
		statuses: make(map[string]protocol.UserPresence),
		subs:     make(map[int]func(protocol.UserPresence)),
	}
}

// SetStatus publishes the caller's status and remembers it for heartbeats.
func (p *PresenceTracker) SetStatus(ctx context.Context, status protocol.PresenceStatus) (protocol.UserPresence, error) {
	var presence protocol.UserPresence
	if err := p.conn.Request(ctx, protocol.EventPresenceUpdate, protocol.PresenceUpdateRequest{Status: status}, &presence); err != nil {
		return protocol.UserPresence{}, err
	}

	p.mu.Lock()
	p.own = status
	p.mu.Unlock()
	p.apply(presence)
	return presence, nil
}

// IsOnline reports whether userID's last known status is anything but offline.
func (p *PresenceTracker) IsOnline(userID string) bool {
	presence, ok := p.Status(userID)
	return ok && presence.Status != protocol.StatusOffline
}

func (p *PresenceTracker) Status(userID string) (protocol.UserPresence, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	presence, ok := p.statuses[userID]
	return presence, ok
}

// RefreshOnline replaces the known statuses with the server's list of online users. Known
// users missing from the list are marked offline as of now.
func (p *PresenceTracker) RefreshOnline(ctx context.Context) error {
	var online []protocol.UserPresence
	if err := p.conn.Request(ctx, protocol.EventPresenceGetOnlineUsers, nil, &online); err != nil {
		return err
	}

	listed := make(map[string]struct{}, len(online))
	for _, presence := range online {
		listed[presence.UserID] = struct{}{}
	}

	now := p.now().UTC()
	var gone []protocol.UserPresence
	p.mu.RLock()
	for userID, presence := range p.statuses {
		if _, ok := listed[userID]; ok || presence.Status == protocol.StatusOffline {
			continue
		}
		gone = append(gone, protocol.UserPresence{UserID: userID, Status: protocol.StatusOffline, LastSeen: now})
	}
	p.mu.RUnlock()

	for _, presence := range online {
		p.apply(presence)
	}
	for _, presence := range gone {
		p.apply(presence)
	}
	return nil
}

// Subscribe registers fn for presence changes and returns its cancel func.
func (p *PresenceTracker) Subscribe(fn func(protocol.UserPresence)) func() {
	p.subMu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subs[id] = fn
	p.subMu.Unlock()

	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

// Run re-sends the caller's status every interval so the server-side TTL does not lapse.
func (p *PresenceTracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.heartbeat()
		}
	}
}

func (p *PresenceTracker) heartbeat() {
	p.mu.RLock()
	status := p.own
	p.mu.RUnlock()
	if status == "" || !p.conn.IsConnected() {
		return
	}
	if err := p.conn.Emit(protocol.EventPresenceUpdate, protocol.PresenceUpdateRequest{Status: status}); err != nil {
		p.logger.Debug().Err(err).Msg("presence heartbeat skipped")
	}
}

func (p *PresenceTracker) handleUpdate(event protocol.PresenceEvent) {
	presence := event.Presence
	if presence.UserID == "" {
		presence.UserID = event.UserID
	}
	p.apply(presence)
}

func (p *PresenceTracker) handleStatusChanged(event protocol.StatusChangedEvent) {
	p.mu.RLock()
	current, known := p.statuses[event.UserID]
	p.mu.RUnlock()

	switch {
	case !event.IsOnline:
		p.apply(protocol.UserPresence{UserID: event.UserID, Status: protocol.StatusOffline, LastSeen: event.Timestamp})
	case !known || current.Status == protocol.StatusOffline:
		p.apply(protocol.UserPresence{UserID: event.UserID, Status: protocol.StatusOnline, LastSeen: event.Timestamp})
	}
}

// apply overwrites the stored status wholesale.
func (p *PresenceTracker) apply(presence protocol.UserPresence) {
	if presence.UserID == "" {
		return
	}
	p.mu.Lock()
	p.statuses[presence.UserID] = presence
	p.mu.Unlock()

	p.subMu.Lock()
	subs := make([]func(protocol.UserPresence), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.subMu.Unlock()

	for _, fn := range subs {
		fn(presence)
	}
}
