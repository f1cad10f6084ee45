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

// ConversationHandler exposes conversation listing, creation, history and leave over REST.
type ConversationHandler struct {
	conversations service.ConversationService
	messages      service.MessageService
	validator     *validator.Validate
	logger        zerolog.Logger
}

// NewConversationHandler constructs a conversation handler.
func NewConversationHandler(conversations service.ConversationService, messages service.MessageService, validate *validator.Validate, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		messages:      messages,
		validator:     validate,
		logger:        logger.With().Str("component", "conversation_handler").Logger(),
	}
}

// Register binds conversation routes.
func (h *ConversationHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Post("/", h.create)
	router.Get("/:id/messages", h.history)
	router.Post("/:id/leave", h.leave)
}

func (h *ConversationHandler) list(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	includeArchived, err := parseQueryBool(c, "archived")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid archived flag")
	}

	conversations, err := h.conversations.List(requestContext(c), userID, includeArchived != nil && *includeArchived)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to list conversations")
	}

	return utils.SendSuccess(c, "conversations", conversations)
}

func (h *ConversationHandler) create(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var req protocol.CreateConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	conversation, err := h.conversations.Create(requestContext(c), userID, req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to create conversation")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "conversation created", conversation)
}

func (h *ConversationHandler) history(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	page, err := parseQueryInt(c, "page")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page")
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	afterSeq, err := parseQueryInt64(c, "after_seq")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid after_seq")
	}

	query := dto.MessageHistoryQuery{
		ConversationID: strings.TrimSpace(c.Params("id")),
		Page:           page,
		Limit:          limit,
		AfterSeq:       afterSeq,
	}
	if err := h.validator.Struct(query); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid query", err.Error())
	}

	messages, total, err := h.messages.List(requestContext(c), userID, protocol.ListMessagesRequest{
		ConversationID: query.ConversationID,
		AfterSeq:       query.AfterSeq,
		Page:           query.Page,
		Limit:          query.Limit,
	})
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load messages")
	}

	if query.Page <= 0 {
		query.Page = 1
	}
	if query.Limit <= 0 {
		query.Limit = len(messages)
	}
	return utils.OK(c, messages, "messages", dto.Pagination{Page: query.Page, Limit: query.Limit, Total: total})
}

func (h *ConversationHandler) leave(c *fiber.Ctx) error {
	userID := userIDStringFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	conversationID := strings.TrimSpace(c.Params("id"))
	if err := h.conversations.Leave(requestContext(c), userID, conversationID); err != nil {
		return sendServiceError(c, h.logger, err, "failed to leave conversation")
	}

	requestLogger(h.logger, c).Info().Str("conversation_id", conversationID).Str("user_id", userID).Msg("participant left")
	return utils.SendSuccess(c, "conversation left", fiber.Map{"conversationId": conversationID})
}
