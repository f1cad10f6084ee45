package protocol

import "time"

// MessageType enumerates the kinds of message content.
type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeImage       MessageType = "image"
	MessageTypeFile        MessageType = "file"
	MessageTypeSystem      MessageType = "system"
	MessageTypeLocation    MessageType = "location"
	MessageTypeMatchInvite MessageType = "match_invite"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem, MessageTypeLocation, MessageTypeMatchInvite:
		return true
	}
	return false
}

// ConversationType enumerates conversation kinds.
type ConversationType string

const (
	ConversationDirect       ConversationType = "direct"
	ConversationGroup        ConversationType = "group"
	ConversationTournament   ConversationType = "tournament"
	ConversationCourtBooking ConversationType = "court_booking"
)

// ParticipantRole is the role of a participant inside a conversation.
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// PresenceStatus is a user's self-reported or inferred status.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// Attachment is a file or image attached to a message.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Location is the payload of a location message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// MatchInvite proposes a match at a court.
type MatchInvite struct {
	CourtID      string    `json:"courtId"`
	FacilityID   string    `json:"facilityId"`
	ProposedTime time.Time `json:"proposedTime"`
	Duration     int       `json:"duration"`
}

// ReadReceipt records when a user read a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Reaction is a single user's emoji on a message.
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is the wire representation of a conversation message.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Seq            int64         `json:"seq"`
	Content        string        `json:"content"`
	MessageType    MessageType   `json:"messageType"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Location       *Location     `json:"location,omitempty"`
	MatchInvite    *MatchInvite  `json:"matchInvite,omitempty"`
	IsEdited       bool          `json:"isEdited"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
	IsDeleted      bool          `json:"isDeleted"`
	ReadBy         []ReadReceipt `json:"readBy"`
	Reactions      []Reaction    `json:"reactions"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Participant is a member of a conversation.
type Participant struct {
	UserID   string          `json:"userId"`
	Role     ParticipantRole `json:"role"`
	JoinedAt time.Time       `json:"joinedAt"`
	LeftAt   *time.Time      `json:"leftAt,omitempty"`
	IsActive bool            `json:"isActive"`
}

// ConversationSettings toggles per-conversation features.
type ConversationSettings struct {
	AllowFileSharing     bool `json:"allowFileSharing"`
	AllowLocationSharing bool `json:"allowLocationSharing"`
	MuteNotifications    bool `json:"muteNotifications"`
	ArchiveAfterDays     *int `json:"archiveAfterDays,omitempty"`
}

// DefaultConversationSettings enables sharing features and leaves notifications on.
func DefaultConversationSettings() ConversationSettings {
	return ConversationSettings{AllowFileSharing: true, AllowLocationSharing: true}
}

// Conversation is the wire representation of a conversation.
type Conversation struct {
	ID                 string               `json:"id"`
	Type               ConversationType     `json:"type"`
	Participants       []Participant        `json:"participants"`
	IsGroup            bool                 `json:"isGroup"`
	Name               string               `json:"name,omitempty"`
	Description        string               `json:"description,omitempty"`
	RelatedEntityType  string               `json:"relatedEntityType,omitempty"`
	RelatedEntityID    string               `json:"relatedEntityId,omitempty"`
	LastMessageID      string               `json:"lastMessageId,omitempty"`
	LastMessageAt      *time.Time           `json:"lastMessageAt,omitempty"`
	LastMessagePreview string               `json:"lastMessagePreview,omitempty"`
	Settings           ConversationSettings `json:"settings"`
	IsActive           bool                 `json:"isActive"`
	IsArchived         bool                 `json:"isArchived"`
	ArchivedAt         *time.Time           `json:"archivedAt,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
}

// NotificationCategory classifies notification severity.
type NotificationCategory string

const (
	CategoryInfo    NotificationCategory = "info"
	CategorySuccess NotificationCategory = "success"
	CategoryWarning NotificationCategory = "warning"
	CategoryError   NotificationCategory = "error"
	CategoryUrgent  NotificationCategory = "urgent"
)

// DeliveryChannels selects the channels a notification is delivered on.
type DeliveryChannels struct {
	InApp bool `json:"inApp"`
	Email bool `json:"email"`
	SMS   bool `json:"sms"`
	Push  bool `json:"push"`
}

// Delivery states recorded per channel.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
)

// Notification is a feed item pushed to a single user.
type Notification struct {
	ID             uint                 `json:"id"`
	UserID         string               `json:"userId"`
	Type           string               `json:"type"`
	Category       NotificationCategory `json:"category"`
	Title          string               `json:"title"`
	Message        string               `json:"message"`
	IsRead         bool                 `json:"isRead"`
	ReadAt         *time.Time           `json:"readAt,omitempty"`
	ActionURL      string               `json:"actionUrl,omitempty"`
	Channels       DeliveryChannels     `json:"channels"`
	DeliveryStatus map[string]string    `json:"deliveryStatus,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
}

// NotificationPreferences controls alerting and channel delivery for a user.
type NotificationPreferences struct {
	DoNotDisturb bool                          `json:"doNotDisturb"`
	Sound        bool                          `json:"sound"`
	Categories   map[NotificationCategory]bool `json:"categories"`
	Channels     DeliveryChannels              `json:"channels"`
}

// DefaultNotificationPreferences enables every category in-app with sound.
func DefaultNotificationPreferences() NotificationPreferences {
	return NotificationPreferences{
		Sound: true,
		Categories: map[NotificationCategory]bool{
			CategoryInfo:    true,
			CategorySuccess: true,
			CategoryWarning: true,
			CategoryError:   true,
			CategoryUrgent:  true,
		},
		Channels: DeliveryChannels{InApp: true},
	}
}

// CategoryEnabled reports whether alerts for category are on. Unknown categories default to enabled.
func (p NotificationPreferences) CategoryEnabled(category NotificationCategory) bool {
	if p.Categories == nil {
		return true
	}
	enabled, ok := p.Categories[category]
	if !ok {
		return true
	}
	return enabled
}

// UserPresence is the last known status of a user.
type UserPresence struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
}
