package protocol

import "time"

// ConversationRef addresses a single conversation.
type ConversationRef struct {
	ConversationID string `json:"conversationId" validate:"required,max=64"`
}

// MessageRef addresses a single message.
type MessageRef struct {
	MessageID string `json:"messageId" validate:"required,max=64"`
}

// CreateConversationRequest is the payload of conversation:create.
type CreateConversationRequest struct {
	Type              ConversationType      `json:"type" validate:"required,oneof=direct group tournament court_booking"`
	ParticipantIDs    []string              `json:"participantIds" validate:"required,min=1,max=256,dive,required,max=64"`
	Name              string                `json:"name,omitempty" validate:"omitempty,max=128"`
	Description       string                `json:"description,omitempty" validate:"omitempty,max=1000"`
	RelatedEntityType string                `json:"relatedEntityType,omitempty" validate:"omitempty,max=64"`
	RelatedEntityID   string                `json:"relatedEntityId,omitempty" validate:"omitempty,max=64"`
	Settings          *ConversationSettings `json:"settings,omitempty"`
}

// SendMessageRequest is the payload of message:send.
type SendMessageRequest struct {
	ConversationID string       `json:"conversationId" validate:"required,max=64"`
	Content        string       `json:"content" validate:"max=4000"`
	MessageType    MessageType  `json:"messageType" validate:"omitempty,oneof=text image file system location match_invite"`
	Attachments    []Attachment `json:"attachments,omitempty" validate:"omitempty,max=10,dive"`
	Location       *Location    `json:"location,omitempty"`
	MatchInvite    *MatchInvite `json:"matchInvite,omitempty"`
}

// EditMessageRequest is the payload of message:edit.
type EditMessageRequest struct {
	MessageID string `json:"messageId" validate:"required,max=64"`
	Content   string `json:"content" validate:"required,min=1,max=4000"`
}

// ReactRequest is the payload of message:react.
type ReactRequest struct {
	MessageID string `json:"messageId" validate:"required,max=64"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

// SearchRequest is the payload of message:search.
type SearchRequest struct {
	Query          string `json:"query" validate:"required,min=1,max=200"`
	ConversationID string `json:"conversationId,omitempty" validate:"omitempty,max=64"`
	Limit          int    `json:"limit,omitempty" validate:"min=0,max=100"`
}

// ListMessagesRequest is the payload of message:list.
type ListMessagesRequest struct {
	ConversationID string `json:"conversationId" validate:"required,max=64"`
	AfterSeq       int64  `json:"afterSeq,omitempty" validate:"min=0"`
	Page           int    `json:"page,omitempty" validate:"min=0"`
	Limit          int    `json:"limit,omitempty" validate:"min=0,max=200"`
}

// ListConversationsRequest is the payload of conversation:list.
type ListConversationsRequest struct {
	IncludeArchived bool `json:"includeArchived"`
}

// JoinResult acknowledges conversation:join.
type JoinResult struct {
	Conversation Conversation `json:"conversation"`
	LastMessage  *Message     `json:"lastMessage,omitempty"`
}

// MessagePage acknowledges message:list.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Total    int64     `json:"total"`
}

// PresenceUpdateRequest is the payload of presence:update sent by a client.
type PresenceUpdateRequest struct {
	Status PresenceStatus `json:"status" validate:"required,oneof=online away busy offline"`
}

// NotificationRef addresses a notification.
type NotificationRef struct {
	NotificationID uint `json:"notificationId" validate:"required"`
}

// UnreadCount is the acknowledgement of notification:unread.
type UnreadCount struct {
	Count int64 `json:"count"`
}

// MessageNewEvent is pushed when a message is accepted.
type MessageNewEvent struct {
	Message      Message       `json:"message"`
	Conversation *Conversation `json:"conversation,omitempty"`
}

// MessageUpdatedEvent is pushed when a message is edited.
type MessageUpdatedEvent struct {
	Message Message `json:"message"`
}

// MessageDeletedEvent is pushed when a message is tombstoned.
type MessageDeletedEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// ReadByEvent is pushed when a participant reads a message.
type ReadByEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId,omitempty"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// ReactionAddedEvent is pushed when a user sets a reaction.
type ReactionAddedEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId,omitempty"`
	UserID         string    `json:"userId"`
	Emoji          string    `json:"emoji"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

// ReactionRemovedEvent is pushed when a user clears a reaction.
type ReactionRemovedEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId"`
}

// ConversationUpdatedEvent carries the denormalised last-activity fields.
type ConversationUpdatedEvent struct {
	ConversationID     string     `json:"conversationId"`
	LastMessageID      string     `json:"lastMessageId,omitempty"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	LastMessagePreview string     `json:"lastMessagePreview,omitempty"`
	IsArchived         *bool      `json:"isArchived,omitempty"`
}

// TypingEvent is pushed for typing:user_started and typing:user_stopped.
type TypingEvent struct {
	UserID         string `json:"userId"`
	Username       string `json:"username,omitempty"`
	ConversationID string `json:"conversationId"`
}

// PresenceEvent is pushed for presence:update.
type PresenceEvent struct {
	UserID   string       `json:"userId"`
	Presence UserPresence `json:"presence"`
}

// StatusChangedEvent is pushed for presence:user_status_changed.
type StatusChangedEvent struct {
	UserID    string    `json:"userId"`
	IsOnline  bool      `json:"isOnline"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationEvent is pushed for notification:new.
type NotificationEvent struct {
	Notification Notification `json:"notification"`
}

// SystemEvent is pushed for system:message and system:shutdown.
type SystemEvent struct {
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}
