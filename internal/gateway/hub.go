// Package gateway runs the websocket side of the realtime API: it tracks sessions per user and
// per conversation room, routes inbound events to the services and pushes their results.
package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

const (
	scopeRoom  = "room"
	scopeUsers = "users"
	scopeAll   = "all"
)

// Hub keeps the live sessions of this node and delivers push frames to them. Frames produced
// locally are also relayed to the other nodes through the fan-out bridge.
type Hub struct {
	mu     sync.RWMutex
	users  map[string]map[*Client]struct{}
	rooms  map[string]map[*Client]struct{}
	fanout *fanout
	logger zerolog.Logger
}

// NewHub builds a hub. Without Redis or NATS in opts delivery stays on this node.
func NewHub(logger zerolog.Logger, opts FanoutOptions) *Hub {
	hub := &Hub{
		users:  make(map[string]map[*Client]struct{}),
		rooms:  make(map[string]map[*Client]struct{}),
		logger: logger.With().Str("component", "gateway_hub").Logger(),
	}
	hub.fanout = newFanout(opts, hub.deliver, logger)
	return hub
}

// Start subscribes to the fan-out transports until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	h.fanout.start(ctx)
}

func (h *Hub) ToConversation(conversationID, event string, payload any) {
	h.emit(envelope{Scope: scopeRoom, Targets: []string{conversationID}}, event, payload)
}

func (h *Hub) ToUsers(userIDs []string, event string, payload any) {
	if len(userIDs) == 0 {
		return
	}
	h.emit(envelope{Scope: scopeUsers, Targets: userIDs}, event, payload)
}

func (h *Hub) ToAll(event string, payload any) {
	h.emit(envelope{Scope: scopeAll}, event, payload)
}

// relay pushes to a room but skips every session of exceptUserID.
func (h *Hub) relay(conversationID, exceptUserID, event string, payload any) {
	h.emit(envelope{Scope: scopeRoom, Targets: []string{conversationID}, Except: exceptUserID}, event, payload)
}

func (h *Hub) emit(env envelope, event string, payload any) {
	frame, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode push frame")
		return
	}
	env.Frame = frame
	h.deliver(env)
	h.fanout.publish(env)
}

// deliver hands env to the matching local sessions. Slow sessions drop the frame.
func (h *Hub) deliver(env envelope) {
	raw, err := encodeFrame(env.Frame)
	if err != nil {
		h.logger.Error().Err(err).Str("event", env.Frame.Event).Msg("failed to encode frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	push := func(clients map[*Client]struct{}) {
		for client := range clients {
			if _, ok := seen[client]; ok {
				continue
			}
			seen[client] = struct{}{}
			if env.Except != "" && client.session.UserID == env.Except {
				continue
			}
			if !client.enqueue(raw) {
				h.logger.Warn().Str("user_id", client.session.UserID).Str("event", env.Frame.Event).Msg("dropping frame for slow client")
			}
		}
	}

	switch env.Scope {
	case scopeRoom:
		for _, id := range env.Targets {
			push(h.rooms[id])
		}
	case scopeUsers:
		for _, id := range env.Targets {
			push(h.users[id])
		}
	case scopeAll:
		for _, clients := range h.users {
			push(clients)
		}
	}
}

// deliverLocal pushes a frame to every session of this node without relaying it.
func (h *Hub) deliverLocal(event string, payload any) {
	frame, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode local frame")
		return
	}
	h.deliver(envelope{Scope: scopeAll, Frame: frame})
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID := client.session.UserID
	if _, ok := h.users[userID]; !ok {
		h.users[userID] = make(map[*Client]struct{})
	}
	h.users[userID][client] = struct{}{}
	h.logger.Debug().Str("user_id", userID).Str("conn_id", client.session.ConnID).Msg("session registered")
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID := client.session.UserID
	if clients, ok := h.users[userID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.users, userID)
		}
	}
	for id := range client.rooms {
		h.removeFromRoom(client, id)
	}
	h.logger.Debug().Str("user_id", userID).Str("conn_id", client.session.ConnID).Msg("session unregistered")
}

func (h *Hub) join(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*Client]struct{})
	}
	h.rooms[conversationID][client] = struct{}{}
	client.rooms[conversationID] = struct{}{}
}

func (h *Hub) leave(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(client, conversationID)
}

func (h *Hub) removeFromRoom(client *Client, conversationID string) {
	delete(client.rooms, conversationID)
	if clients, ok := h.rooms[conversationID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

func (h *Hub) inRoom(client *Client, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := client.rooms[conversationID]
	return ok
}

// sessions returns a snapshot of every local session.
func (h *Hub) sessions() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Client
	for _, clients := range h.users {
		for client := range clients {
			out = append(out, client)
		}
	}
	return out
}

// SessionCount reports the number of open sessions on this node.
func (h *Hub) SessionCount() int {
	return len(h.sessions())
}
