// Package realtime is the client library for the Rally realtime gateway. A Client owns one
// websocket connection and keeps local caches of conversations, messages, typing indicators,
// presence and notifications in step with the events the server pushes.
package realtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// Config wires a Client. URL is the websocket endpoint; APIBaseURL enables the REST helpers
// and REST history paging.
type Config struct {
	URL               string
	APIBaseURL        string
	Dialer            Dialer
	HTTPClient        *http.Client
	RequestTimeout    time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	HeartbeatInterval time.Duration
	Typing            TypingOptions
	Alerter           Alerter
	Logger            *zerolog.Logger
}

// SystemHandler receives system:message and system:shutdown events.
type SystemHandler func(event string, payload protocol.SystemEvent)

// Client is the entry point of the library.
type Client struct {
	Conn          *ConnectionManager
	Conversations *ConversationStore
	Messages      *Pipeline
	Typing        *TypingCoordinator
	Presence      *PresenceTracker
	Notifications *NotificationFeed
	REST          *RESTClient

	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc

	sysMu     sync.Mutex
	system    map[int]SystemHandler
	nextSysID int
}

// New builds a Client. Nothing is dialled until Connect.
func New(cfg Config) *Client {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	conn := NewConnectionManager(cfg.URL, ConnectionOptions{
		Dialer:            cfg.Dialer,
		RequestTimeout:    cfg.RequestTimeout,
		ReconnectInitial:  cfg.ReconnectInitial,
		ReconnectMax:      cfg.ReconnectMax,
		ReconnectAttempts: cfg.ReconnectAttempts,
		Logger:            &logger,
	})
	self := func() string { return conn.Credentials().UserID }

	c := &Client{
		Conn:   conn,
		cfg:    cfg,
		logger: logger.With().Str("component", "client").Logger(),
		system: make(map[int]SystemHandler),
	}

	var history historySource
	if cfg.APIBaseURL != "" {
		c.REST = NewRESTClient(cfg.APIBaseURL, func() string { return conn.Credentials().Token }, RESTOptions{
			HTTPClient: cfg.HTTPClient,
			Logger:     &logger,
		})
		history = c.REST
	}

	c.Conversations = NewConversationStore(conn, history, self, logger)
	c.Messages = NewPipeline(conn, c.Conversations, self, logger)
	c.Typing = NewTypingCoordinator(conn, self, cfg.Typing, logger)
	c.Presence = NewPresenceTracker(conn, logger)
	if c.REST != nil {
		c.Notifications = NewNotificationFeed(conn, c.REST, cfg.Alerter, logger)
	} else {
		c.Notifications = NewNotificationFeed(conn, socketOnlyNotifications{}, cfg.Alerter, logger)
	}

	conn.HandleEvents(c.route)
	conn.OnReconnect(c.resync)
	return c
}

// Connect authenticates and starts the background loops. Empty credentials disconnect.
func (c *Client) Connect(ctx context.Context, creds Credentials) error {
	if err := c.Conn.Connect(ctx, creds); err != nil {
		return err
	}
	if creds.Token == "" {
		c.stopLoops()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		loopCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.Typing.Run(loopCtx, time.Second)
		go c.Presence.Run(loopCtx, c.cfg.HeartbeatInterval)
	}
	return nil
}

// Close disconnects and stops the background loops.
func (c *Client) Close() error {
	c.stopLoops()
	c.Conn.Disconnect()
	return nil
}

func (c *Client) stopLoops() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// OnSystem registers fn for system broadcasts and returns its cancel func.
func (c *Client) OnSystem(fn SystemHandler) func() {
	c.sysMu.Lock()
	id := c.nextSysID
	c.nextSysID++
	c.system[id] = fn
	c.sysMu.Unlock()

	return func() {
		c.sysMu.Lock()
		delete(c.system, id)
		c.sysMu.Unlock()
	}
}

// resync runs after an automatic reconnect.
func (c *Client) resync(ctx context.Context) {
	c.Conversations.resync(ctx)
	if err := c.Presence.RefreshOnline(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to refresh presence after reconnect")
	}
	if err := c.Notifications.SyncUnread(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to sync unread notifications after reconnect")
	}
}

// route folds one inbound frame into the matching component.
func (c *Client) route(frame protocol.Frame) {
	var err error
	switch frame.Event {
	case protocol.EventMessageNew:
		var event protocol.MessageNewEvent
		if err = frame.Decode(&event); err == nil {
			c.Messages.handleNew(event)
		}
	case protocol.EventMessageUpdated, protocol.EventMessageEdited:
		var event protocol.MessageUpdatedEvent
		if err = frame.Decode(&event); err == nil {
			c.Messages.handleUpdated(event)
		}
	case protocol.EventMessageDeleted:
		var event protocol.MessageDeletedEvent
		if err = frame.Decode(&event); err == nil {
			c.Messages.handleDeleted(event)
		}
	case protocol.EventMessageReadBy:
		var event protocol.ReadByEvent
		if err = frame.Decode(&event); err == nil {
			c.Messages.handleReadBy(event)
		}
	case protocol.EventMessageReactionAdded:
		var event protocol.ReactionAddedEvent
		if err = frame.Decode(&event); err == nil {
			c.Messages.handleReactionAdded(event)
		}
	case protocol.EventMessageReactionRemoved:
		var event protocol.ReactionRemovedEvent
		if err = frame.Decode(&event); err == nil {
			c.Messages.handleReactionRemoved(event)
		}
	case protocol.EventConversationNew:
		var conv protocol.Conversation
		if err = frame.Decode(&conv); err == nil {
			c.Conversations.upsertConversation(conv)
		}
	case protocol.EventConversationUpdated:
		var event protocol.ConversationUpdatedEvent
		if err = frame.Decode(&event); err == nil {
			c.Conversations.updateConversation(event)
		}
	case protocol.EventTypingUserStarted:
		var event protocol.TypingEvent
		if err = frame.Decode(&event); err == nil {
			c.Typing.handleStarted(event)
		}
	case protocol.EventTypingUserStopped:
		var event protocol.TypingEvent
		if err = frame.Decode(&event); err == nil {
			c.Typing.handleStopped(event)
		}
	case protocol.EventPresenceUpdate:
		var event protocol.PresenceEvent
		if err = frame.Decode(&event); err == nil {
			c.Presence.handleUpdate(event)
		}
	case protocol.EventPresenceUserStatusChanged:
		var event protocol.StatusChangedEvent
		if err = frame.Decode(&event); err == nil {
			c.Presence.handleStatusChanged(event)
		}
	case protocol.EventNotificationNew:
		var event protocol.NotificationEvent
		if err = frame.Decode(&event); err == nil {
			c.Notifications.handleNew(event)
		}
	case protocol.EventSystemMessage, protocol.EventSystemShutdown:
		var event protocol.SystemEvent
		if err = frame.Decode(&event); err == nil {
			c.dispatchSystem(frame.Event, event)
		}
	default:
		c.logger.Debug().Str("event", frame.Event).Msg("ignoring unknown event")
	}

	if err != nil {
		c.logger.Warn().Err(err).Str("event", frame.Event).Msg("discarding malformed event")
	}
}

func (c *Client) dispatchSystem(event string, payload protocol.SystemEvent) {
	c.sysMu.Lock()
	handlers := make([]SystemHandler, 0, len(c.system))
	for _, fn := range c.system {
		handlers = append(handlers, fn)
	}
	c.sysMu.Unlock()

	for _, fn := range handlers {
		fn(event, payload)
	}
}

// WebsocketURL turns an API base URL such as https://api.example.com into its websocket
// endpoint.
func WebsocketURL(apiBaseURL string) string {
	base := strings.TrimRight(apiBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws"
}
