package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// SendRequest is the payload of a new message.
type SendRequest = protocol.SendMessageRequest

// Pipeline sends message mutations and folds message events into the store.
type Pipeline struct {
	conn   requester
	store  *ConversationStore
	self   func() string
	now    func() time.Time
	logger zerolog.Logger
}

func NewPipeline(conn requester, store *ConversationStore, self func() string, logger zerolog.Logger) *Pipeline {
	if self == nil {
		self = func() string { return "" }
	}
	return &Pipeline{
		conn:   conn,
		store:  store,
		self:   self,
		now:    time.Now,
		logger: logger.With().Str("component", "message_pipeline").Logger(),
	}
}

// Send posts a message and caches the acknowledged copy. The later message:new echo for the
// same id merges into it.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (protocol.Message, error) {
	if !p.conn.IsConnected() {
		return protocol.Message{}, ErrNotConnected
	}
	if req.MessageType == "" {
		req.MessageType = protocol.MessageTypeText
	}

	var message protocol.Message
	if err := p.conn.Request(ctx, protocol.EventMessageSend, req, &message); err != nil {
		return protocol.Message{}, err
	}
	p.store.applyMessage(message, false)
	return message, nil
}

// Edit replaces the content of one of the caller's messages once the server accepts it.
func (p *Pipeline) Edit(ctx context.Context, messageID, content string) (protocol.Message, error) {
	if !p.conn.IsConnected() {
		return protocol.Message{}, ErrNotConnected
	}

	var message protocol.Message
	if err := p.conn.Request(ctx, protocol.EventMessageEdit, protocol.EditMessageRequest{MessageID: messageID, Content: content}, &message); err != nil {
		return protocol.Message{}, err
	}
	p.store.applyMessage(message, false)
	return message, nil
}

// Delete tombstones a message after the server accepts it.
func (p *Pipeline) Delete(ctx context.Context, messageID string) error {
	if !p.conn.IsConnected() {
		return ErrNotConnected
	}

	var message protocol.Message
	if err := p.conn.Request(ctx, protocol.EventMessageDelete, protocol.MessageRef{MessageID: messageID}, &message); err != nil {
		return err
	}
	if !p.store.mutateMessage(messageID, tombstone) && message.ID != "" {
		p.store.applyMessage(tombstone(message), false)
	}
	return nil
}

// React sets the caller's reaction optimistically. A rejected or failed request restores the
// caller's previous reaction.
func (p *Pipeline) React(ctx context.Context, messageID, emoji string) error {
	if !p.conn.IsConnected() {
		return ErrNotConnected
	}

	userID := p.self()
	var (
		previous    protocol.Reaction
		hadPrevious bool
	)
	p.store.mutateMessage(messageID, func(m protocol.Message) protocol.Message {
		previous, hadPrevious = findReaction(m.Reactions, userID)
		m.Reactions = upsertReaction(m.Reactions, protocol.Reaction{UserID: userID, Emoji: emoji, CreatedAt: p.now()})
		return m
	})

	var reaction protocol.Reaction
	if err := p.conn.Request(ctx, protocol.EventMessageReact, protocol.ReactRequest{MessageID: messageID, Emoji: emoji}, &reaction); err != nil {
		p.store.mutateMessage(messageID, func(m protocol.Message) protocol.Message {
			if hadPrevious {
				m.Reactions = upsertReaction(m.Reactions, previous)
			} else {
				m.Reactions = removeReaction(m.Reactions, userID)
			}
			return m
		})
		return err
	}

	if reaction.UserID != "" {
		p.store.mutateMessage(messageID, func(m protocol.Message) protocol.Message {
			m.Reactions = upsertReaction(m.Reactions, reaction)
			return m
		})
	}
	return nil
}

// Unreact clears the caller's reaction once the server accepts it.
func (p *Pipeline) Unreact(ctx context.Context, messageID string) error {
	if !p.conn.IsConnected() {
		return ErrNotConnected
	}
	if err := p.conn.Request(ctx, protocol.EventMessageUnreact, protocol.MessageRef{MessageID: messageID}, nil); err != nil {
		return err
	}

	userID := p.self()
	p.store.mutateMessage(messageID, func(m protocol.Message) protocol.Message {
		m.Reactions = removeReaction(m.Reactions, userID)
		return m
	})
	return nil
}

// MarkRead records a read receipt for the caller.
func (p *Pipeline) MarkRead(ctx context.Context, messageID string) error {
	if !p.conn.IsConnected() {
		return ErrNotConnected
	}

	var receipt protocol.ReadReceipt
	if err := p.conn.Request(ctx, protocol.EventMessageRead, protocol.MessageRef{MessageID: messageID}, &receipt); err != nil {
		return err
	}
	if receipt.UserID == "" {
		receipt = protocol.ReadReceipt{UserID: p.self(), ReadAt: p.now()}
	}
	p.store.mutateMessage(messageID, func(m protocol.Message) protocol.Message {
		m.ReadBy = upsertReadReceipt(m.ReadBy, receipt)
		return m
	})
	return nil
}

// MarkVisibleRead marks messages read while rendering. Failures are logged and ignored.
func (p *Pipeline) MarkVisibleRead(ctx context.Context, conversationID string) {
	userID := p.self()
	for _, m := range p.store.Messages(conversationID) {
		if m.SenderID == userID || m.IsDeleted || hasReceipt(m, userID) {
			continue
		}
		if err := p.MarkRead(ctx, m.ID); err != nil {
			p.logger.Debug().Err(err).Str("message_id", m.ID).Msg("mark read skipped")
			return
		}
	}
	p.store.MarkSeen(conversationID)
}

func hasReceipt(m protocol.Message, userID string) bool {
	for _, receipt := range m.ReadBy {
		if receipt.UserID == userID {
			return true
		}
	}
	return false
}

// Search runs a server-side search. An empty conversationID searches every conversation the
// caller takes part in.
func (p *Pipeline) Search(ctx context.Context, query, conversationID string) ([]protocol.Message, error) {
	if !p.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	var messages []protocol.Message
	if err := p.conn.Request(ctx, protocol.EventMessageSearch, protocol.SearchRequest{Query: query, ConversationID: conversationID}, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (p *Pipeline) handleNew(event protocol.MessageNewEvent) {
	if event.Conversation != nil {
		p.store.upsertConversation(*event.Conversation)
	}
	p.store.applyMessage(event.Message, true)
}

func (p *Pipeline) handleUpdated(event protocol.MessageUpdatedEvent) {
	p.store.applyMessage(event.Message, false)
}

func (p *Pipeline) handleDeleted(event protocol.MessageDeletedEvent) {
	p.store.mutateMessage(event.MessageID, tombstone)
}

func (p *Pipeline) handleReadBy(event protocol.ReadByEvent) {
	p.store.mutateMessage(event.MessageID, func(m protocol.Message) protocol.Message {
		m.ReadBy = upsertReadReceipt(m.ReadBy, protocol.ReadReceipt{UserID: event.UserID, ReadAt: event.ReadAt})
		return m
	})
}

func (p *Pipeline) handleReactionAdded(event protocol.ReactionAddedEvent) {
	p.store.mutateMessage(event.MessageID, func(m protocol.Message) protocol.Message {
		m.Reactions = upsertReaction(m.Reactions, protocol.Reaction{UserID: event.UserID, Emoji: event.Emoji, CreatedAt: event.CreatedAt})
		return m
	})
}

func (p *Pipeline) handleReactionRemoved(event protocol.ReactionRemovedEvent) {
	p.store.mutateMessage(event.MessageID, func(m protocol.Message) protocol.Message {
		m.Reactions = removeReaction(m.Reactions, event.UserID)
		return m
	})
}
