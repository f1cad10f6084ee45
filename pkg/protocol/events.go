package protocol

// Client to server events.
const (
	EventConversationJoin    = "conversation:join"
	EventConversationLeave   = "conversation:leave"
	EventConversationCreate  = "conversation:create"
	EventConversationArchive = "conversation:archive"
	EventConversationList    = "conversation:list"

	EventMessageSend    = "message:send"
	EventMessageEdit    = "message:edit"
	EventMessageDelete  = "message:delete"
	EventMessageReact   = "message:react"
	EventMessageUnreact = "message:unreact"
	EventMessageRead    = "message:read"
	EventMessageSearch  = "message:search"
	EventMessageList    = "message:list"

	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"

	EventPresenceUpdate         = "presence:update"
	EventPresenceGetOnlineUsers = "presence:get_online_users"

	EventNotificationUnread = "notification:unread"
	EventNotificationRead   = "notification:read"
)

// Server to client events.
const (
	EventAck = "ack"

	EventMessageNew             = "message:new"
	EventMessageUpdated         = "message:updated"
	EventMessageEdited          = "message:edited"
	EventMessageDeleted         = "message:deleted"
	EventMessageReadBy          = "message:read_by"
	EventMessageReactionAdded   = "message:reaction_added"
	EventMessageReactionRemoved = "message:reaction_removed"

	EventConversationNew     = "conversation:new"
	EventConversationUpdated = "conversation:updated"

	EventTypingUserStarted = "typing:user_started"
	EventTypingUserStopped = "typing:user_stopped"

	EventPresenceUserStatusChanged = "presence:user_status_changed"

	EventNotificationNew = "notification:new"

	EventSystemMessage  = "system:message"
	EventSystemShutdown = "system:shutdown"
)

// DeletedMessagePlaceholder replaces the content of soft-deleted messages.
const DeletedMessagePlaceholder = "This message was deleted"

// PreviewLength caps the denormalised last message preview stored on conversations.
const PreviewLength = 120
