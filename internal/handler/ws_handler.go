package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/internal/gateway"
)

// WebsocketHandler upgrades authenticated requests and hands the connection to the gateway.
type WebsocketHandler struct {
	gateway *gateway.Gateway
	logger  zerolog.Logger
}

// NewWebsocketHandler creates a websocket handler instance.
func NewWebsocketHandler(gw *gateway.Gateway, logger zerolog.Logger) *WebsocketHandler {
	return &WebsocketHandler{
		gateway: gw,
		logger:  logger.With().Str("component", "ws_handler").Logger(),
	}
}

// Register binds the upgrade route under the provided router group.
func (h *WebsocketHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals("request_ctx", requestContext(c))
		return c.Next()
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *WebsocketHandler) handleConnection(conn *websocket.Conn) {
	session := gateway.Session{
		UserID:        websocketLocal(conn, "user_id"),
		Username:      websocketLocal(conn, "username"),
		Role:          websocketLocal(conn, "user_role"),
		CorrelationID: websocketLocal(conn, "correlation_id"),
	}
	if session.UserID == "" {
		h.logger.Warn().Str("correlation_id", session.CorrelationID).Msg("websocket upgrade without user id")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	ctx, _ := conn.Locals("request_ctx").(context.Context)
	h.gateway.Serve(ctx, conn, session)
}

func websocketLocal(conn *websocket.Conn, key string) string {
	if value, ok := conn.Locals(key).(string); ok {
		return value
	}
	return ""
}
