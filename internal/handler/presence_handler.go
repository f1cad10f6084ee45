package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/internal/service"
	"github.com/noah-isme/rally-go-api/internal/utils"
)

// PresenceHandler reports who is online.
type PresenceHandler struct {
	service service.PresenceService
	logger  zerolog.Logger
}

// NewPresenceHandler constructs a presence handler.
func NewPresenceHandler(service service.PresenceService, logger zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{
		service: service,
		logger:  logger.With().Str("component", "presence_handler").Logger(),
	}
}

// Register binds presence routes.
func (h *PresenceHandler) Register(router fiber.Router) {
	router.Get("/online", h.online)
	router.Get("/:userId", h.get)
}

func (h *PresenceHandler) online(c *fiber.Ctx) error {
	users, err := h.service.Online(requestContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load presence")
	}
	return utils.SendSuccess(c, "online users", users)
}

func (h *PresenceHandler) get(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Params("userId"))
	if userID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "user id required")
	}

	presence, err := h.service.Get(requestContext(c), userID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load presence")
	}
	return utils.SendSuccess(c, "presence", presence)
}
