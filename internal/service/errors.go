package service

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the addressed conversation, message or notification does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrForbidden indicates the caller is not an active participant or not the author.
	ErrForbidden = errors.New("not permitted")
	// ErrInvalidMessage indicates the message type does not match its payload.
	ErrInvalidMessage = errors.New("invalid message payload")
	// ErrFeatureDisabled indicates conversation settings forbid the requested content.
	ErrFeatureDisabled = errors.New("feature disabled for conversation")
	// ErrConversationArchived indicates the conversation no longer accepts messages.
	ErrConversationArchived = errors.New("conversation is archived")
	// ErrInvalidConversation indicates participant rules for the conversation type were violated.
	ErrInvalidConversation = errors.New("invalid conversation participants")
	// ErrInvalidNotification indicates a notification or preference payload was rejected.
	ErrInvalidNotification = errors.New("invalid notification")
)

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
