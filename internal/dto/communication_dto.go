package dto

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/noah-isme/rally-go-api/internal/models"
	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// MessageHistoryQuery represents query filters for retrieving conversation history.
type MessageHistoryQuery struct {
	ConversationID string `query:"-" validate:"required,max=64"`
	Page           int    `query:"page" validate:"omitempty,min=1"`
	Limit          int    `query:"limit" validate:"omitempty,min=1,max=200"`
	AfterSeq       int64  `query:"after_seq" validate:"omitempty,min=0"`
}

// MessageSearchQuery represents a full-text search across the caller's conversations.
type MessageSearchQuery struct {
	Query          string `query:"q" validate:"required,min=1,max=200"`
	ConversationID string `query:"conversation_id" validate:"omitempty,max=64"`
	Limit          int    `query:"limit" validate:"omitempty,min=1,max=100"`
}

// NotificationListQuery filters the notification feed.
type NotificationListQuery struct {
	Type     string `query:"type" validate:"omitempty,max=64"`
	Category string `query:"category" validate:"omitempty,oneof=info success warning error urgent"`
	IsRead   *bool  `query:"is_read"`
	Page     int    `query:"page" validate:"omitempty,min=1"`
	Limit    int    `query:"limit" validate:"omitempty,min=1,max=100"`
}

// NotificationCreateRequest describes the payload to create a notification.
type NotificationCreateRequest struct {
	UserID    string                     `json:"userId" validate:"required,max=64"`
	Type      string                     `json:"type" validate:"required,max=64"`
	Category  string                     `json:"category" validate:"omitempty,oneof=info success warning error urgent"`
	Title     string                     `json:"title" validate:"omitempty,max=255"`
	Message   string                     `json:"message" validate:"required,min=1,max=2000"`
	ActionURL string                     `json:"actionUrl" validate:"omitempty,url,max=512"`
	Channels  *protocol.DeliveryChannels `json:"channels,omitempty"`
}

// SystemBroadcastRequest is an operator message pushed to every connected session.
type SystemBroadcastRequest struct {
	Message string `json:"message" validate:"required,min=1,max=1000"`
}

// Pagination describes a page of results returned in the response meta.
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

// NewConversationPayload converts a conversation model into its wire representation.
func NewConversationPayload(model models.Conversation) protocol.Conversation {
	participants := make([]protocol.Participant, 0, len(model.Participants))
	for _, participant := range model.Participants {
		participants = append(participants, protocol.Participant{
			UserID:   participant.UserID,
			Role:     protocol.ParticipantRole(participant.Role),
			JoinedAt: participant.JoinedAt,
			LeftAt:   participant.LeftAt,
			IsActive: participant.IsActive,
		})
	}
	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})

	return protocol.Conversation{
		ID:                 model.ID,
		Type:               protocol.ConversationType(model.Type),
		Participants:       participants,
		IsGroup:            model.IsGroup,
		Name:               model.Name,
		Description:        model.Description,
		RelatedEntityType:  model.RelatedEntityType,
		RelatedEntityID:    model.RelatedEntityID,
		LastMessageID:      model.LastMessageID,
		LastMessageAt:      model.LastMessageAt,
		LastMessagePreview: model.LastMessagePreview,
		Settings:           model.Settings.Data(),
		IsActive:           model.IsActive,
		IsArchived:         model.IsArchived,
		ArchivedAt:         model.ArchivedAt,
		CreatedAt:          model.CreatedAt,
	}
}

// NewConversationPayloadSlice converts a slice of conversation models.
func NewConversationPayloadSlice(items []models.Conversation) []protocol.Conversation {
	out := make([]protocol.Conversation, 0, len(items))
	for _, item := range items {
		out = append(out, NewConversationPayload(item))
	}
	return out
}

// NewMessagePayload converts a message model into its wire representation.
func NewMessagePayload(model models.Message) protocol.Message {
	message := protocol.Message{
		ID:             model.ID,
		ConversationID: model.ConversationID,
		SenderID:       model.SenderID,
		Seq:            model.Seq,
		Content:        model.Content,
		MessageType:    protocol.MessageType(model.MessageType),
		IsEdited:       model.IsEdited,
		EditedAt:       model.EditedAt,
		IsDeleted:      model.IsDeleted,
		ReadBy:         make([]protocol.ReadReceipt, 0, len(model.Reads)),
		Reactions:      make([]protocol.Reaction, 0, len(model.Reactions)),
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}
	if len(model.Attachments) > 0 {
		message.Attachments = append([]protocol.Attachment(nil), model.Attachments...)
	}
	if location := decodeJSON[protocol.Location](model.Location); location != nil {
		message.Location = location
	}
	if invite := decodeJSON[protocol.MatchInvite](model.MatchInvite); invite != nil {
		message.MatchInvite = invite
	}
	for _, read := range model.Reads {
		message.ReadBy = append(message.ReadBy, protocol.ReadReceipt{UserID: read.UserID, ReadAt: read.ReadAt})
	}
	for _, reaction := range model.Reactions {
		message.Reactions = append(message.Reactions, protocol.Reaction{UserID: reaction.UserID, Emoji: reaction.Emoji, CreatedAt: reaction.CreatedAt})
	}
	sort.Slice(message.ReadBy, func(i, j int) bool { return message.ReadBy[i].UserID < message.ReadBy[j].UserID })
	sort.Slice(message.Reactions, func(i, j int) bool { return message.Reactions[i].UserID < message.Reactions[j].UserID })
	return message
}

// NewMessagePayloadSlice converts a slice of message models.
func NewMessagePayloadSlice(items []models.Message) []protocol.Message {
	out := make([]protocol.Message, 0, len(items))
	for _, item := range items {
		out = append(out, NewMessagePayload(item))
	}
	return out
}

// NewNotificationPayload converts a notification model to its wire representation.
func NewNotificationPayload(model models.Notification) protocol.Notification {
	status := make(map[string]string, len(model.DeliveryStatus))
	for channel, value := range model.DeliveryStatus {
		status[channel] = fmt.Sprint(value)
	}
	return protocol.Notification{
		ID:             model.ID,
		UserID:         model.UserID,
		Type:           model.Type,
		Category:       protocol.NotificationCategory(model.Category),
		Title:          model.Title,
		Message:        model.Message,
		IsRead:         model.Read,
		ReadAt:         model.ReadAt,
		ActionURL:      model.ActionURL,
		Channels:       model.Channels.Data(),
		DeliveryStatus: status,
		CreatedAt:      model.CreatedAt,
	}
}

// NewNotificationPayloadSlice converts a slice to wire notifications.
func NewNotificationPayloadSlice(items []models.Notification) []protocol.Notification {
	out := make([]protocol.Notification, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationPayload(item))
	}
	return out
}

// MessagePreview renders the denormalised preview stored on the conversation.
func MessagePreview(message models.Message) string {
	if message.IsDeleted {
		return protocol.DeletedMessagePlaceholder
	}
	switch protocol.MessageType(message.MessageType) {
	case protocol.MessageTypeImage:
		return "[image]"
	case protocol.MessageTypeFile:
		return "[file]"
	case protocol.MessageTypeLocation:
		return "[location]"
	case protocol.MessageTypeMatchInvite:
		return "[match invite]"
	}
	preview := strings.TrimSpace(message.Content)
	if utf8.RuneCountInString(preview) <= protocol.PreviewLength {
		return preview
	}
	runes := []rune(preview)
	return string(runes[:protocol.PreviewLength]) + "…"
}

func decodeJSON[T any](raw []byte) *T {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return &out
}
