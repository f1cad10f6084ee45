package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/rally-go-api/internal/dto"
	"github.com/noah-isme/rally-go-api/internal/events"
	"github.com/noah-isme/rally-go-api/internal/models"
	"github.com/noah-isme/rally-go-api/internal/observability"
	"github.com/noah-isme/rally-go-api/internal/repository"
	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

const lastMessageTTL = 30 * time.Minute

// MessageService implements the message lifecycle: send, edit, delete, reactions and receipts.
type MessageService interface {
	Send(ctx context.Context, userID string, req protocol.SendMessageRequest) (protocol.Message, error)
	Edit(ctx context.Context, userID string, req protocol.EditMessageRequest) (protocol.Message, error)
	Delete(ctx context.Context, userID, messageID string) (protocol.Message, error)
	React(ctx context.Context, userID string, req protocol.ReactRequest) (protocol.Reaction, error)
	Unreact(ctx context.Context, userID, messageID string) error
	MarkRead(ctx context.Context, userID, messageID string) (protocol.ReadReceipt, error)
	Search(ctx context.Context, userID string, req protocol.SearchRequest) ([]protocol.Message, error)
	List(ctx context.Context, userID string, req protocol.ListMessagesRequest) ([]protocol.Message, int64, error)
	LastMessage(ctx context.Context, conversationID string) *protocol.Message
}

// MessageServiceOptions carries the optional collaborators of the message service.
type MessageServiceOptions struct {
	Redis       *redis.Client
	ChannelBase string
	Audit       events.AuditSink
	PageSize    int
}

type messageService struct {
	repo          repository.MessageRepository
	conversations repository.ConversationRepository
	events        Broadcaster
	audit         events.AuditSink
	redis         *redis.Client
	cachePrefix   string
	pageSize      int
	validator     *validator.Validate
	sanitizer     *bluemonday.Policy
	logger        zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// NewMessageService constructs a message service.
func NewMessageService(repo repository.MessageRepository, conversations repository.ConversationRepository, broadcaster Broadcaster, validate *validator.Validate, logger zerolog.Logger, opts MessageServiceOptions) MessageService {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	audit := opts.Audit
	if audit == nil {
		audit = events.NopSink{}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	cachePrefix := ""
	if opts.ChannelBase != "" {
		cachePrefix = opts.ChannelBase + ":conversation:last"
	}

	return &messageService{
		repo:          repo,
		conversations: conversations,
		events:        orNop(broadcaster),
		audit:         audit,
		redis:         opts.Redis,
		cachePrefix:   cachePrefix,
		pageSize:      pageSize,
		validator:     validate,
		sanitizer:     sanitizer,
		logger:        logger.With().Str("component", "message_service").Logger(),
		tracer:        otel.Tracer("github.com/noah-isme/rally-go-api/internal/service/message"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *messageService) Send(ctx context.Context, userID string, req protocol.SendMessageRequest) (protocol.Message, error) {
	if err := s.validator.Struct(req); err != nil {
		return protocol.Message{}, err
	}
	if req.MessageType == "" {
		req.MessageType = protocol.MessageTypeText
	}

	spanCtx, span := s.tracer.Start(ctx, "messages.send", trace.WithAttributes(
		attribute.String("message.conversation_id", req.ConversationID),
		attribute.String("message.sender_id", userID),
		attribute.String("message.type", string(req.MessageType)),
	))
	defer span.End()

	conversation, err := s.participantConversation(spanCtx, userID, req.ConversationID)
	if err != nil {
		span.RecordError(err)
		return protocol.Message{}, err
	}
	if conversation.IsArchived {
		return protocol.Message{}, ErrConversationArchived
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(req.Content))
	if err := validatePayload(req, content, conversation.Settings.Data()); err != nil {
		span.RecordError(err)
		return protocol.Message{}, err
	}

	model := models.Message{
		ConversationID: conversation.ID,
		SenderID:       userID,
		Content:        content,
		MessageType:    string(req.MessageType),
		CreatedAt:      s.now(),
	}
	if len(req.Attachments) > 0 {
		model.Attachments = datatypes.NewJSONSlice(req.Attachments)
	}
	if req.Location != nil {
		model.Location = mustJSON(req.Location)
	}
	if req.MatchInvite != nil {
		model.MatchInvite = mustJSON(req.MatchInvite)
	}

	preview := dto.MessagePreview(model)
	if err := s.repo.Create(spanCtx, &model, preview); err != nil {
		span.RecordError(err)
		return protocol.Message{}, translateNotFound(err)
	}

	message := dto.NewMessagePayload(model)
	span.SetAttributes(attribute.Int64("message.seq", message.Seq))

	s.cacheLastMessage(spanCtx, message)
	s.events.ToConversation(conversation.ID, protocol.EventMessageNew, protocol.MessageNewEvent{Message: message})
	s.events.ToUsers(activeParticipantIDs(conversation), protocol.EventConversationUpdated, protocol.ConversationUpdatedEvent{
		ConversationID:     conversation.ID,
		LastMessageID:      message.ID,
		LastMessageAt:      &message.CreatedAt,
		LastMessagePreview: preview,
	})
	s.audit.Record(spanCtx, events.AuditEvent{
		Action:         events.ActionMessageSent,
		MessageID:      message.ID,
		ConversationID: message.ConversationID,
		ActorID:        userID,
		Seq:            message.Seq,
		MessageType:    string(message.MessageType),
		At:             message.CreatedAt,
	})

	observability.MessagesSent().WithLabelValues(string(message.MessageType)).Inc()
	return message, nil
}

// Edit replaces the content of a message. Only the sender may edit, and never after deletion.
func (s *messageService) Edit(ctx context.Context, userID string, req protocol.EditMessageRequest) (protocol.Message, error) {
	if err := s.validator.Struct(req); err != nil {
		return protocol.Message{}, err
	}

	spanCtx, span := s.tracer.Start(ctx, "messages.edit", trace.WithAttributes(attribute.String("message.id", req.MessageID)))
	defer span.End()

	message, conversation, err := s.participantMessage(spanCtx, userID, req.MessageID)
	if err != nil {
		span.RecordError(err)
		return protocol.Message{}, err
	}
	if message.SenderID != userID {
		return protocol.Message{}, ErrForbidden
	}
	if message.IsDeleted {
		return protocol.Message{}, fmt.Errorf("%w: message was deleted", ErrInvalidMessage)
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(req.Content))
	if content == "" {
		return protocol.Message{}, fmt.Errorf("%w: content empty after sanitization", ErrInvalidMessage)
	}

	editedAt := s.now()
	if err := s.repo.UpdateContent(spanCtx, message.ID, content, editedAt); err != nil {
		span.RecordError(err)
		return protocol.Message{}, err
	}
	message.Content = content
	message.IsEdited = true
	message.EditedAt = &editedAt
	message.UpdatedAt = editedAt

	payload := dto.NewMessagePayload(message)
	s.events.ToConversation(conversation.ID, protocol.EventMessageUpdated, protocol.MessageUpdatedEvent{Message: payload})

	if conversation.LastMessageID == message.ID {
		preview := dto.MessagePreview(message)
		if err := s.repo.UpdateConversationPreview(spanCtx, conversation.ID, message.ID, preview); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", conversation.ID).Msg("failed to refresh preview after edit")
		}
		s.cacheLastMessage(spanCtx, payload)
		s.notifyPreview(conversation, preview)
	}

	s.audit.Record(spanCtx, events.AuditEvent{
		Action:         events.ActionMessageEdited,
		MessageID:      message.ID,
		ConversationID: message.ConversationID,
		ActorID:        userID,
		Seq:            message.Seq,
		At:             editedAt,
	})
	return payload, nil
}

// Delete tombstones a message. Identity, sender, timestamps, attachments and reactions are kept.
func (s *messageService) Delete(ctx context.Context, userID, messageID string) (protocol.Message, error) {
	spanCtx, span := s.tracer.Start(ctx, "messages.delete", trace.WithAttributes(attribute.String("message.id", messageID)))
	defer span.End()

	message, conversation, err := s.participantMessage(spanCtx, userID, messageID)
	if err != nil {
		span.RecordError(err)
		return protocol.Message{}, err
	}

	participant, _ := conversation.ActiveParticipant(userID)
	if message.SenderID != userID && participant.Role != string(protocol.RoleAdmin) {
		return protocol.Message{}, ErrForbidden
	}
	if message.IsDeleted {
		return dto.NewMessagePayload(message), nil
	}

	at := s.now()
	if err := s.repo.Tombstone(spanCtx, message.ID, protocol.DeletedMessagePlaceholder, at); err != nil {
		span.RecordError(err)
		return protocol.Message{}, err
	}
	message.Content = protocol.DeletedMessagePlaceholder
	message.IsDeleted = true
	message.UpdatedAt = at

	s.events.ToConversation(conversation.ID, protocol.EventMessageDeleted, protocol.MessageDeletedEvent{
		MessageID:      message.ID,
		ConversationID: conversation.ID,
	})

	if conversation.LastMessageID == message.ID {
		if err := s.repo.UpdateConversationPreview(spanCtx, conversation.ID, message.ID, protocol.DeletedMessagePlaceholder); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", conversation.ID).Msg("failed to refresh preview after delete")
		}
		s.cacheLastMessage(spanCtx, dto.NewMessagePayload(message))
		s.notifyPreview(conversation, protocol.DeletedMessagePlaceholder)
	}

	s.audit.Record(spanCtx, events.AuditEvent{
		Action:         events.ActionMessageDeleted,
		MessageID:      message.ID,
		ConversationID: message.ConversationID,
		ActorID:        userID,
		Seq:            message.Seq,
		At:             at,
	})
	return dto.NewMessagePayload(message), nil
}

// React sets the caller's reaction, replacing any earlier emoji from the same user.
func (s *messageService) React(ctx context.Context, userID string, req protocol.ReactRequest) (protocol.Reaction, error) {
	if err := s.validator.Struct(req); err != nil {
		return protocol.Reaction{}, err
	}

	message, conversation, err := s.participantMessage(ctx, userID, req.MessageID)
	if err != nil {
		return protocol.Reaction{}, err
	}
	if message.IsDeleted {
		return protocol.Reaction{}, fmt.Errorf("%w: message was deleted", ErrInvalidMessage)
	}

	reaction := models.MessageReaction{
		MessageID: message.ID,
		UserID:    userID,
		Emoji:     strings.TrimSpace(req.Emoji),
		CreatedAt: s.now(),
	}
	if err := s.repo.SetReaction(ctx, &reaction); err != nil {
		return protocol.Reaction{}, err
	}

	s.events.ToConversation(conversation.ID, protocol.EventMessageReactionAdded, protocol.ReactionAddedEvent{
		MessageID:      message.ID,
		ConversationID: conversation.ID,
		UserID:         userID,
		Emoji:          reaction.Emoji,
		CreatedAt:      reaction.CreatedAt,
	})
	return protocol.Reaction{UserID: userID, Emoji: reaction.Emoji, CreatedAt: reaction.CreatedAt}, nil
}

func (s *messageService) Unreact(ctx context.Context, userID, messageID string) error {
	message, conversation, err := s.participantMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}

	removed, err := s.repo.RemoveReaction(ctx, message.ID, userID)
	if err != nil {
		return err
	}
	if removed {
		s.events.ToConversation(conversation.ID, protocol.EventMessageReactionRemoved, protocol.ReactionRemovedEvent{
			MessageID:      message.ID,
			ConversationID: conversation.ID,
			UserID:         userID,
		})
	}
	return nil
}

// MarkRead records a read receipt. Repeating it moves readAt forward and re-announces it.
func (s *messageService) MarkRead(ctx context.Context, userID, messageID string) (protocol.ReadReceipt, error) {
	message, conversation, err := s.participantMessage(ctx, userID, messageID)
	if err != nil {
		return protocol.ReadReceipt{}, err
	}

	read := models.MessageRead{MessageID: message.ID, UserID: userID, ReadAt: s.now()}
	if err := s.repo.MarkRead(ctx, &read); err != nil {
		return protocol.ReadReceipt{}, err
	}

	s.events.ToConversation(conversation.ID, protocol.EventMessageReadBy, protocol.ReadByEvent{
		MessageID:      message.ID,
		ConversationID: conversation.ID,
		UserID:         userID,
		ReadAt:         read.ReadAt,
	})
	return protocol.ReadReceipt{UserID: userID, ReadAt: read.ReadAt}, nil
}

func (s *messageService) Search(ctx context.Context, userID string, req protocol.SearchRequest) ([]protocol.Message, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	ids, err := s.conversations.ActiveConversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if req.ConversationID != "" {
		if !containsString(ids, req.ConversationID) {
			return nil, ErrForbidden
		}
		ids = []string{req.ConversationID}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	messages, err := s.repo.Search(ctx, ids, req.Query, limit)
	if err != nil {
		return nil, err
	}
	return dto.NewMessagePayloadSlice(messages), nil
}

// List returns a page of history, or every message after AfterSeq when it is set.
func (s *messageService) List(ctx context.Context, userID string, req protocol.ListMessagesRequest) ([]protocol.Message, int64, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, 0, err
	}
	if _, err := s.participantConversation(ctx, userID, req.ConversationID); err != nil {
		return nil, 0, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.pageSize
	}

	if req.AfterSeq > 0 {
		messages, err := s.repo.ListAfterSeq(ctx, req.ConversationID, req.AfterSeq, limit)
		if err != nil {
			return nil, 0, err
		}
		return dto.NewMessagePayloadSlice(messages), int64(len(messages)), nil
	}

	messages, total, err := s.repo.ListByConversation(ctx, req.ConversationID, req.Page, limit)
	if err != nil {
		return nil, 0, err
	}
	return dto.NewMessagePayloadSlice(messages), total, nil
}

// LastMessage reads the cached last message of a conversation. It returns nil on a cache miss.
func (s *messageService) LastMessage(ctx context.Context, conversationID string) *protocol.Message {
	if s.redis == nil || s.cachePrefix == "" {
		return nil
	}

	result, err := s.redis.Get(ctx, s.cacheKey(conversationID)).Result()
	if err != nil {
		return nil
	}

	var message protocol.Message
	if err := json.Unmarshal([]byte(result), &message); err != nil {
		s.logger.Warn().Err(err).Msg("failed to unmarshal cached message")
		return nil
	}
	return &message
}

func (s *messageService) cacheLastMessage(ctx context.Context, message protocol.Message) {
	if s.redis == nil || s.cachePrefix == "" {
		return
	}

	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal message for cache")
		return
	}
	if err := s.redis.Set(ctx, s.cacheKey(message.ConversationID), payload, lastMessageTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache last message")
	}
}

func (s *messageService) cacheKey(conversationID string) string {
	return fmt.Sprintf("%s:%s", s.cachePrefix, conversationID)
}

func (s *messageService) notifyPreview(conversation models.Conversation, preview string) {
	s.events.ToUsers(activeParticipantIDs(conversation), protocol.EventConversationUpdated, protocol.ConversationUpdatedEvent{
		ConversationID:     conversation.ID,
		LastMessageID:      conversation.LastMessageID,
		LastMessageAt:      conversation.LastMessageAt,
		LastMessagePreview: preview,
	})
}

func (s *messageService) participantConversation(ctx context.Context, userID, conversationID string) (models.Conversation, error) {
	conversation, err := s.conversations.FindByID(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, translateNotFound(err)
	}
	if _, ok := conversation.ActiveParticipant(userID); !ok {
		return models.Conversation{}, ErrForbidden
	}
	return conversation, nil
}

func (s *messageService) participantMessage(ctx context.Context, userID, messageID string) (models.Message, models.Conversation, error) {
	message, err := s.repo.FindByID(ctx, messageID)
	if err != nil {
		return models.Message{}, models.Conversation{}, translateNotFound(err)
	}
	conversation, err := s.participantConversation(ctx, userID, message.ConversationID)
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	return message, conversation, nil
}

// validatePayload checks that the message type matches the payload it carries and that the
// conversation allows it.
func validatePayload(req protocol.SendMessageRequest, content string, settings protocol.ConversationSettings) error {
	hasAttachments := len(req.Attachments) > 0
	hasLocation := req.Location != nil
	hasInvite := req.MatchInvite != nil

	switch req.MessageType {
	case protocol.MessageTypeText, protocol.MessageTypeSystem:
		if content == "" {
			return fmt.Errorf("%w: content is required", ErrInvalidMessage)
		}
		if hasAttachments || hasLocation || hasInvite {
			return fmt.Errorf("%w: %s messages carry content only", ErrInvalidMessage, req.MessageType)
		}
	case protocol.MessageTypeImage, protocol.MessageTypeFile:
		if !hasAttachments || hasLocation || hasInvite {
			return fmt.Errorf("%w: %s messages need attachments", ErrInvalidMessage, req.MessageType)
		}
		for _, attachment := range req.Attachments {
			if strings.TrimSpace(attachment.URL) == "" {
				return fmt.Errorf("%w: attachment url is required", ErrInvalidMessage)
			}
			if req.MessageType == protocol.MessageTypeImage && attachment.Type != string(protocol.MessageTypeImage) {
				return fmt.Errorf("%w: image messages only carry images", ErrInvalidMessage)
			}
		}
		if !settings.AllowFileSharing {
			return ErrFeatureDisabled
		}
	case protocol.MessageTypeLocation:
		if !hasLocation || hasAttachments || hasInvite {
			return fmt.Errorf("%w: location messages need a location", ErrInvalidMessage)
		}
		if req.Location.Latitude < -90 || req.Location.Latitude > 90 || req.Location.Longitude < -180 || req.Location.Longitude > 180 {
			return fmt.Errorf("%w: coordinates out of range", ErrInvalidMessage)
		}
		if !settings.AllowLocationSharing {
			return ErrFeatureDisabled
		}
	case protocol.MessageTypeMatchInvite:
		if !hasInvite || hasAttachments || hasLocation {
			return fmt.Errorf("%w: match invites need invite details", ErrInvalidMessage)
		}
		invite := req.MatchInvite
		if strings.TrimSpace(invite.CourtID) == "" || strings.TrimSpace(invite.FacilityID) == "" || invite.ProposedTime.IsZero() || invite.Duration <= 0 {
			return fmt.Errorf("%w: incomplete match invite", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, req.MessageType)
	}
	return nil
}

func mustJSON(value any) datatypes.JSON {
	raw, err := json.Marshal(value)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(raw)
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
