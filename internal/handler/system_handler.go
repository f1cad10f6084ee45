package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/internal/dto"
	"github.com/noah-isme/rally-go-api/internal/utils"
	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// SystemBroadcaster pushes operator messages to every connected session.
type SystemBroadcaster interface {
	Broadcast(message string) protocol.SystemEvent
}

// SystemHandler exposes operator endpoints.
type SystemHandler struct {
	broadcaster SystemBroadcaster
	validator   *validator.Validate
	logger      zerolog.Logger
}

// NewSystemHandler constructs a system handler.
func NewSystemHandler(broadcaster SystemBroadcaster, validate *validator.Validate, logger zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		broadcaster: broadcaster,
		validator:   validate,
		logger:      logger.With().Str("component", "system_handler").Logger(),
	}
}

// Register binds system routes. Callers are expected to gate the group by role.
func (h *SystemHandler) Register(router fiber.Router) {
	router.Post("/broadcast", h.broadcast)
}

func (h *SystemHandler) broadcast(c *fiber.Ctx) error {
	var req dto.SystemBroadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", err.Error())
	}

	event := h.broadcaster.Broadcast(req.Message)
	requestLogger(h.logger, c).Info().Str("sender", userIDStringFromContext(c)).Msg("system message broadcast")
	return utils.SendSuccess(c, "broadcast sent", event)
}
