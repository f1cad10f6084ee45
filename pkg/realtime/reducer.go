package realtime

import (
	"sort"
	"time"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// messageLess orders messages for rendering: createdAt, then seq, then id.
func messageLess(a, b protocol.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

func sortMessages(messages []protocol.Message) {
	sort.SliceStable(messages, func(i, j int) bool { return messageLess(messages[i], messages[j]) })
}

// upsertMessage merges incoming into messages keyed by id and keeps render order. It reports
// whether the id was new. Applying the same snapshot twice leaves the list unchanged.
func upsertMessage(messages []protocol.Message, incoming protocol.Message) ([]protocol.Message, bool) {
	for i := range messages {
		if messages[i].ID == incoming.ID {
			messages[i] = mergeMessage(messages[i], incoming)
			sortMessages(messages)
			return messages, false
		}
	}
	messages = append(messages, incoming)
	sortMessages(messages)
	return messages, true
}

// mergeMessage folds a server snapshot into the cached copy. Tombstones are final and stale
// snapshots keep the cached content. Receipts and reactions from the snapshot are merged per
// user so entries applied from events are not lost.
func mergeMessage(current, incoming protocol.Message) protocol.Message {
	if current.IsDeleted && !incoming.IsDeleted {
		return current
	}

	merged := current
	if !incoming.UpdatedAt.Before(current.UpdatedAt) || incoming.IsDeleted {
		merged = incoming
		merged.Reactions = current.Reactions
		merged.ReadBy = current.ReadBy
		if incoming.IsDeleted {
			merged = tombstone(merged)
		}
	}
	for _, reaction := range incoming.Reactions {
		merged.Reactions = upsertReaction(merged.Reactions, reaction)
	}
	for _, receipt := range incoming.ReadBy {
		merged.ReadBy = upsertReadReceipt(merged.ReadBy, receipt)
	}
	return merged
}

// tombstone marks m deleted and replaces its content with the placeholder. Identity, sender,
// timestamps, attachments and reactions survive.
func tombstone(m protocol.Message) protocol.Message {
	m.IsDeleted = true
	m.Content = protocol.DeletedMessagePlaceholder
	return m
}

// upsertReaction keeps a single reaction per user, replacing any earlier emoji.
func upsertReaction(reactions []protocol.Reaction, reaction protocol.Reaction) []protocol.Reaction {
	out := make([]protocol.Reaction, 0, len(reactions)+1)
	for _, existing := range reactions {
		if existing.UserID != reaction.UserID {
			out = append(out, existing)
		}
	}
	return append(out, reaction)
}

func removeReaction(reactions []protocol.Reaction, userID string) []protocol.Reaction {
	out := make([]protocol.Reaction, 0, len(reactions))
	for _, existing := range reactions {
		if existing.UserID != userID {
			out = append(out, existing)
		}
	}
	return out
}

func findReaction(reactions []protocol.Reaction, userID string) (protocol.Reaction, bool) {
	for _, existing := range reactions {
		if existing.UserID == userID {
			return existing, true
		}
	}
	return protocol.Reaction{}, false
}

// upsertReadReceipt keeps one receipt per user holding the latest readAt.
func upsertReadReceipt(receipts []protocol.ReadReceipt, receipt protocol.ReadReceipt) []protocol.ReadReceipt {
	out := make([]protocol.ReadReceipt, 0, len(receipts)+1)
	found := false
	for _, existing := range receipts {
		if existing.UserID == receipt.UserID {
			found = true
			if receipt.ReadAt.After(existing.ReadAt) {
				existing.ReadAt = receipt.ReadAt
			}
		}
		out = append(out, existing)
	}
	if !found {
		out = append(out, receipt)
	}
	return out
}

// applyConversationUpdate merges the denormalised last-activity fields. Older activity never
// overwrites newer.
func applyConversationUpdate(conv protocol.Conversation, update protocol.ConversationUpdatedEvent) protocol.Conversation {
	if update.LastMessageAt != nil && (conv.LastMessageAt == nil || !update.LastMessageAt.Before(*conv.LastMessageAt)) {
		at := *update.LastMessageAt
		conv.LastMessageAt = &at
		conv.LastMessageID = update.LastMessageID
		conv.LastMessagePreview = update.LastMessagePreview
	}
	if update.IsArchived != nil {
		conv.IsArchived = *update.IsArchived
	}
	return conv
}

// touchConversation advances the last-activity fields from a message.
func touchConversation(conv protocol.Conversation, m protocol.Message) protocol.Conversation {
	at := m.CreatedAt
	return applyConversationUpdate(conv, protocol.ConversationUpdatedEvent{
		ConversationID:     conv.ID,
		LastMessageID:      m.ID,
		LastMessageAt:      &at,
		LastMessagePreview: preview(m.Content),
	})
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= protocol.PreviewLength {
		return content
	}
	return string(runes[:protocol.PreviewLength])
}

// conversationLess orders the list by most recent activity. Conversations without messages
// fall back to their creation time.
func conversationLess(a, b protocol.Conversation) bool {
	at, bt := activity(a), activity(b)
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.ID < b.ID
}

func activity(c protocol.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}
