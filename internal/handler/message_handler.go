package handler

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/internal/dto"
	"github.com/noah-isme/rally-go-api/internal/service"
	"github.com/noah-isme/rally-go-api/internal/utils"
	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// MessageHandler covers the REST side of messaging: read receipts and search.
type MessageHandler struct {
	service   service.MessageService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewMessageHandler constructs a message handler.
func NewMessageHandler(service service.MessageService, validate *validator.Validate, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		service:   service,
		validator: validate,
		logger:    logger.With().Str("component", "message_handler").Logger(),
	}
}

// Register binds message routes.
func (h *MessageHandler) Register(router fiber.Router) {
	router.Get("/search", h.search)
	router.Post("/:id/read", h.markRead)
}

func (h *MessageHandler) markRead(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	messageID := strings.TrimSpace(c.Params("id"))
	receipt, err := h.service.MarkRead(requestContext(c), userID, messageID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to mark message read")
	}

	return utils.SendSuccess(c, "message read", fiber.Map{"messageId": messageID, "receipt": receipt})
}

func (h *MessageHandler) search(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	query := dto.MessageSearchQuery{
		Query:          strings.TrimSpace(c.Query("q")),
		ConversationID: strings.TrimSpace(c.Query("conversation_id")),
		Limit:          limit,
	}
	if err := h.validator.Struct(query); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid query", err.Error())
	}

	messages, err := h.service.Search(requestContext(c), userID, protocol.SearchRequest{
		Query:          query.Query,
		ConversationID: query.ConversationID,
		Limit:          query.Limit,
	})
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to search messages")
	}

	return utils.SendSuccess(c, "messages", messages)
}
