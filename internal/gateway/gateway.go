package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/internal/observability"
	"github.com/noah-isme/rally-go-api/internal/service"
	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

var (
	errRateLimited   = errors.New("rate limit exceeded")
	errUnknownEvent  = errors.New("unknown event")
	errShuttingDown  = errors.New("server is shutting down")
	errInternal      = errors.New("internal error")
	errNotRoomMember = errors.New("join the conversation first")
)

// Services are the collaborators the event router calls into.
type Services struct {
	Conversations service.ConversationService
	Messages      service.MessageService
	Presence      service.PresenceService
	Notifications service.NotificationService
}

// Options tunes per-session behaviour.
type Options struct {
	EventsPerSecond float64
	Burst           int
}

type handlerFunc func(ctx context.Context, c *Client, frame protocol.Frame) (any, error)

// Gateway serves websocket sessions on top of a Hub.
type Gateway struct {
	hub       *Hub
	services  Services
	validator *validator.Validate
	opts      Options
	handlers  map[string]handlerFunc
	logger    zerolog.Logger
	closing   atomic.Bool
	now       func() time.Time
}

// New builds a gateway. The hub should be the Broadcaster the services were constructed with.
func New(hub *Hub, services Services, validate *validator.Validate, opts Options, logger zerolog.Logger) *Gateway {
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}

	gw := &Gateway{
		hub:       hub,
		services:  services,
		validator: validate,
		opts:      opts,
		logger:    logger.With().Str("component", "gateway").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	gw.handlers = gw.routes()
	return gw
}

// Hub exposes the hub backing the gateway.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Serve runs a session until the connection closes. It blocks, as fiber's websocket handler must.
func (g *Gateway) Serve(ctx context.Context, conn Conn, session Session) {
	if ctx == nil {
		ctx = context.Background()
	}
	if session.ConnID == "" {
		session.ConnID = uuid.NewString()
	}
	if g.closing.Load() {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, errShuttingDown.Error()))
		_ = conn.Close()
		return
	}

	client := newClient(g, conn, session)
	g.hub.register(client)
	observability.WSConnectionsActive().Inc()
	log := g.logger.With().Str("user_id", session.UserID).Str("conn_id", session.ConnID).Logger()
	log.Info().Msg("websocket session opened")

	if err := g.services.Presence.Connect(ctx, session.UserID, session.ConnID); err != nil {
		log.Warn().Err(err).Msg("failed to record presence")
	}

	defer func() {
		g.hub.unregister(client)
		observability.WSConnectionsActive().Dec()

		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.services.Presence.Disconnect(disconnectCtx, session.UserID, session.ConnID); err != nil {
			log.Warn().Err(err).Msg("failed to clear presence")
		}
		log.Info().Msg("websocket session closed")
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.writer()
	}()
	client.reader(ctx)
	<-done
}

// Broadcast pushes an operator message to every session on every node.
func (g *Gateway) Broadcast(message string) protocol.SystemEvent {
	event := protocol.SystemEvent{Message: strings.TrimSpace(message), SentAt: g.now()}
	g.hub.ToAll(protocol.EventSystemMessage, event)
	return event
}

// Shutdown announces system:shutdown to the sessions of this node, closes them and waits until
// they are gone or ctx expires. New sessions are refused from the first call on.
func (g *Gateway) Shutdown(ctx context.Context, message string) error {
	g.closing.Store(true)

	if message == "" {
		message = "server restarting"
	}
	g.hub.deliverLocal(protocol.EventSystemShutdown, protocol.SystemEvent{Message: message, SentAt: g.now()})
	for _, client := range g.hub.sessions() {
		client.shutdown(websocket.CloseGoingAway, message)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if g.hub.SessionCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			for _, client := range g.hub.sessions() {
				client.close()
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, frame protocol.Frame) {
	handler, ok := g.handlers[frame.Event]
	if !ok {
		observability.GatewayEvents().WithLabelValues("unknown", "rejected").Inc()
		g.respond(c, frame, nil, fmt.Errorf("%w: %s", errUnknownEvent, frame.Event))
		return
	}
	if g.closing.Load() {
		g.reject(c, frame, errShuttingDown)
		return
	}

	result, err := handler(ctx, c, frame)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		g.logger.Debug().Err(err).Str("event", frame.Event).Str("user_id", c.session.UserID).Msg("event failed")
	}
	observability.GatewayEvents().WithLabelValues(frame.Event, outcome).Inc()
	g.respond(c, frame, result, err)
}

func (g *Gateway) reject(c *Client, frame protocol.Frame, err error) {
	event := frame.Event
	if _, ok := g.handlers[event]; !ok {
		event = "unknown"
	}
	observability.GatewayEvents().WithLabelValues(event, "rejected").Inc()
	g.respond(c, frame, nil, err)
}

// respond acks requests that carry an id. Fire-and-forget frames get no reply.
func (g *Gateway) respond(c *Client, frame protocol.Frame, result any, err error) {
	if frame.ID == "" {
		return
	}
	ack, encodeErr := protocol.NewAckFrame(frame.ID, result, g.publicError(err))
	if encodeErr != nil {
		g.logger.Error().Err(encodeErr).Str("event", frame.Event).Msg("failed to encode ack")
		ack, _ = protocol.NewAckFrame(frame.ID, nil, errInternal)
	}
	c.enqueueFrame(ack)
}

// publicError keeps domain and validation errors readable and hides everything else.
func (g *Gateway) publicError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs):
		return fmt.Errorf("invalid payload: %s", validationErrs.Error())
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrForbidden),
		errors.Is(err, service.ErrInvalidMessage),
		errors.Is(err, service.ErrFeatureDisabled),
		errors.Is(err, service.ErrConversationArchived),
		errors.Is(err, service.ErrInvalidConversation),
		errors.Is(err, errRateLimited),
		errors.Is(err, errUnknownEvent),
		errors.Is(err, errShuttingDown),
		errors.Is(err, errNotRoomMember),
		errors.Is(err, errInvalidFrame):
		return err
	}

	g.logger.Error().Err(err).Msg("event handler failed")
	return errInternal
}

func (g *Gateway) heartbeat(ctx context.Context, c *Client) {
	if err := g.services.Presence.Heartbeat(ctx, c.session.UserID, c.session.ConnID); err != nil {
		g.logger.Debug().Err(err).Str("user_id", c.session.UserID).Msg("presence heartbeat failed")
	}
}
