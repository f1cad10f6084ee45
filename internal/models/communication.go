package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// Conversation is a durable thread of messages among a set of participants.
type Conversation struct {
	ID                 string                                            `gorm:"size:36;primaryKey" json:"id"`
	Type               string                                            `gorm:"size:32;not null;index" json:"type"`
	IsGroup            bool                                              `gorm:"not null;default:false" json:"is_group"`
	Name               string                                            `gorm:"size:128" json:"name"`
	Description        string                                            `gorm:"type:text" json:"description"`
	RelatedEntityType  string                                            `gorm:"size:64;index:idx_conversations_related,priority:1" json:"related_entity_type"`
	RelatedEntityID    string                                            `gorm:"size:64;index:idx_conversations_related,priority:2" json:"related_entity_id"`
	LastMessageID      string                                            `gorm:"size:36" json:"last_message_id"`
	LastMessageAt      *time.Time                                        `gorm:"index" json:"last_message_at"`
	LastMessagePreview string                                            `gorm:"size:255" json:"last_message_preview"`
	LastSeq            int64                                             `gorm:"not null;default:0" json:"last_seq"`
	Settings           datatypes.JSONType[protocol.ConversationSettings] `json:"settings"`
	IsActive           bool                                              `gorm:"not null;default:true" json:"is_active"`
	IsArchived         bool                                              `gorm:"not null;default:false;index" json:"is_archived"`
	ArchivedAt         *time.Time                                        `json:"archived_at"`
	CreatedAt          time.Time                                         `json:"created_at"`
	UpdatedAt          time.Time                                         `json:"updated_at"`
	Participants       []ConversationParticipant                         `gorm:"foreignKey:ConversationID" json:"participants"`
}

// BeforeCreate assigns a random identifier when none was provided.
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// ActiveParticipant returns the participant row for userID when it is still active.
func (c Conversation) ActiveParticipant(userID string) (ConversationParticipant, bool) {
	for _, participant := range c.Participants {
		if participant.UserID == userID && participant.IsActive {
			return participant, true
		}
	}
	return ConversationParticipant{}, false
}

// ConversationParticipant links a user to a conversation. Leaving keeps the row.
type ConversationParticipant struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	ConversationID string     `gorm:"size:36;not null;uniqueIndex:idx_participant_unique,priority:1" json:"conversation_id"`
	UserID         string     `gorm:"size:64;not null;uniqueIndex:idx_participant_unique,priority:2;index" json:"user_id"`
	Role           string     `gorm:"size:16;not null;default:member" json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at"`
	IsActive       bool       `gorm:"not null;default:true" json:"is_active"`
}

// Message is a single conversation entry. ConversationID and SenderID never change after creation.
type Message struct {
	ID             string                                   `gorm:"size:36;primaryKey" json:"id"`
	ConversationID string                                   `gorm:"size:36;not null;uniqueIndex:idx_messages_conversation_seq,priority:1" json:"conversation_id"`
	Seq            int64                                    `gorm:"not null;uniqueIndex:idx_messages_conversation_seq,priority:2" json:"seq"`
	SenderID       string                                   `gorm:"size:64;not null;index" json:"sender_id"`
	Content        string                                   `gorm:"type:text" json:"content"`
	MessageType    string                                   `gorm:"size:32;not null;default:text" json:"message_type"`
	Attachments    datatypes.JSONSlice[protocol.Attachment] `json:"attachments"`
	Location       datatypes.JSON                           `json:"location"`
	MatchInvite    datatypes.JSON                           `json:"match_invite"`
	IsEdited       bool                                     `gorm:"not null;default:false" json:"is_edited"`
	EditedAt       *time.Time                               `json:"edited_at"`
	IsDeleted      bool                                     `gorm:"not null;default:false" json:"is_deleted"`
	CreatedAt      time.Time                                `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time                                `json:"updated_at"`
	Reactions      []MessageReaction                        `gorm:"foreignKey:MessageID" json:"reactions"`
	Reads          []MessageRead                            `gorm:"foreignKey:MessageID" json:"reads"`
}

// BeforeCreate assigns a random identifier when none was provided.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	// Optional JSON columns are stored as a JSON null so they always scan back.
	if len(m.Location) == 0 {
		m.Location = datatypes.JSON("null")
	}
	if len(m.MatchInvite) == 0 {
		m.MatchInvite = datatypes.JSON("null")
	}
	return nil
}

// MessageReaction holds at most one emoji per user per message.
type MessageReaction struct {
	MessageID string    `gorm:"size:36;primaryKey" json:"message_id"`
	UserID    string    `gorm:"size:64;primaryKey" json:"user_id"`
	Emoji     string    `gorm:"size:32;not null" json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageRead is a read receipt; re-reading overwrites ReadAt.
type MessageRead struct {
	MessageID string    `gorm:"size:36;primaryKey" json:"message_id"`
	UserID    string    `gorm:"size:64;primaryKey" json:"user_id"`
	ReadAt    time.Time `gorm:"not null" json:"read_at"`
}

// Notification is a feed item targeted to a specific user.
type Notification struct {
	ID             uint                                          `gorm:"primaryKey" json:"id"`
	UserID         string                                        `gorm:"size:64;index" json:"user_id"`
	Type           string                                        `gorm:"size:64;index" json:"type"`
	Category       string                                        `gorm:"size:16;not null;default:info" json:"category"`
	Title          string                                        `gorm:"size:255" json:"title"`
	Message        string                                        `gorm:"type:text" json:"message"`
	Read           bool                                          `gorm:"not null;default:false;index" json:"read"`
	ReadAt         *time.Time                                    `json:"read_at"`
	ActionURL      string                                        `gorm:"size:512" json:"action_url"`
	Channels       datatypes.JSONType[protocol.DeliveryChannels] `json:"channels"`
	DeliveryStatus datatypes.JSONMap                             `json:"delivery_status"`
	CreatedAt      time.Time                                     `json:"created_at"`
	UpdatedAt      time.Time                                     `json:"updated_at"`
}

// NotificationPreference stores alerting and delivery settings for a user.
type NotificationPreference struct {
	UserID      string                                               `gorm:"size:64;primaryKey" json:"user_id"`
	Preferences datatypes.JSONType[protocol.NotificationPreferences] `json:"preferences"`
	UpdatedAt   time.Time                                            `json:"updated_at"`
}
