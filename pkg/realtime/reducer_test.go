package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

func ids(messages []protocol.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func TestMessagesRenderInCreatedAtOrderRegardlessOfArrival(t *testing.T) {
	var messages []protocol.Message
	for _, m := range []protocol.Message{
		{ID: "c", Seq: 3, CreatedAt: at(3)},
		{ID: "a", Seq: 1, CreatedAt: at(1)},
		{ID: "b2", Seq: 2, CreatedAt: at(2)},
		{ID: "b1", Seq: 2, CreatedAt: at(2)},
		{ID: "b0", Seq: 1, CreatedAt: at(2)},
	} {
		messages, _ = upsertMessage(messages, m)
	}

	require.Equal(t, []string{"a", "b0", "b1", "b2", "c"}, ids(messages))
}

func TestUpsertMessageIsIdempotent(t *testing.T) {
	m := protocol.Message{ID: "m1", ConversationID: "c1", Content: "see you on court 3", CreatedAt: at(1), UpdatedAt: at(1)}

	messages, added := upsertMessage(nil, m)
	require.True(t, added)
	messages, added = upsertMessage(messages, m)
	require.False(t, added)

	require.Len(t, messages, 1)
	require.Equal(t, m, messages[0])
}

func TestSnapshotKeepsReactionsAppliedFromEvents(t *testing.T) {
	m := protocol.Message{ID: "m1", CreatedAt: at(1), UpdatedAt: at(1)}
	messages, _ := upsertMessage(nil, m)
	messages[0].Reactions = upsertReaction(messages[0].Reactions, protocol.Reaction{UserID: "bob", Emoji: "🎾"})

	messages, _ = upsertMessage(messages, m)
	require.Len(t, messages[0].Reactions, 1)
	require.Equal(t, "🎾", messages[0].Reactions[0].Emoji)
}

func TestStaleSnapshotDoesNotRevertEdit(t *testing.T) {
	original := protocol.Message{ID: "m1", Content: "6pm", CreatedAt: at(1), UpdatedAt: at(1)}
	edited := original
	edited.Content = "7pm"
	edited.IsEdited = true
	edited.UpdatedAt = at(5)

	messages, _ := upsertMessage(nil, edited)
	messages, _ = upsertMessage(messages, original)

	require.Equal(t, "7pm", messages[0].Content)
	require.True(t, messages[0].IsEdited)
}

func TestOneReactionPerUserLatestWins(t *testing.T) {
	var reactions []protocol.Reaction
	reactions = upsertReaction(reactions, protocol.Reaction{UserID: "bob", Emoji: "👍"})
	reactions = upsertReaction(reactions, protocol.Reaction{UserID: "carol", Emoji: "🔥"})
	reactions = upsertReaction(reactions, protocol.Reaction{UserID: "bob", Emoji: "❤️"})

	require.Len(t, reactions, 2)
	bob, ok := findReaction(reactions, "bob")
	require.True(t, ok)
	require.Equal(t, "❤️", bob.Emoji)

	reactions = removeReaction(reactions, "bob")
	_, ok = findReaction(reactions, "bob")
	require.False(t, ok)
	require.Len(t, reactions, 1)
}

func TestOneReadReceiptPerUser(t *testing.T) {
	var receipts []protocol.ReadReceipt
	receipts = upsertReadReceipt(receipts, protocol.ReadReceipt{UserID: "bob", ReadAt: at(1)})
	receipts = upsertReadReceipt(receipts, protocol.ReadReceipt{UserID: "bob", ReadAt: at(4)})
	receipts = upsertReadReceipt(receipts, protocol.ReadReceipt{UserID: "bob", ReadAt: at(2)})

	require.Len(t, receipts, 1)
	require.Equal(t, at(4), receipts[0].ReadAt)
}

func TestTombstonePreservesIdentity(t *testing.T) {
	m := protocol.Message{
		ID:          "m1",
		SenderID:    "bob",
		Content:     "wrong court, sorry",
		CreatedAt:   at(1),
		Attachments: []protocol.Attachment{{Type: "image", URL: "https://cdn.example/court.png"}},
		Reactions:   []protocol.Reaction{{UserID: "alice", Emoji: "👍"}},
	}

	dead := tombstone(m)
	require.True(t, dead.IsDeleted)
	require.Equal(t, protocol.DeletedMessagePlaceholder, dead.Content)
	require.Equal(t, m.ID, dead.ID)
	require.Equal(t, m.SenderID, dead.SenderID)
	require.Equal(t, m.CreatedAt, dead.CreatedAt)
	require.Equal(t, m.Attachments, dead.Attachments)
	require.Equal(t, m.Reactions, dead.Reactions)

	messages, _ := upsertMessage([]protocol.Message{dead}, m)
	require.True(t, messages[0].IsDeleted)
	require.Equal(t, protocol.DeletedMessagePlaceholder, messages[0].Content)
}

func TestConversationUpdateOnlyMovesForward(t *testing.T) {
	later, earlier := at(10), at(5)
	archived := true
	conv := protocol.Conversation{ID: "c1"}

	conv = applyConversationUpdate(conv, protocol.ConversationUpdatedEvent{ConversationID: "c1", LastMessageID: "m10", LastMessageAt: &later, LastMessagePreview: "rematch?"})
	conv = applyConversationUpdate(conv, protocol.ConversationUpdatedEvent{ConversationID: "c1", LastMessageID: "m5", LastMessageAt: &earlier, LastMessagePreview: "gg"})
	conv = applyConversationUpdate(conv, protocol.ConversationUpdatedEvent{ConversationID: "c1", IsArchived: &archived})

	require.Equal(t, "m10", conv.LastMessageID)
	require.Equal(t, "rematch?", conv.LastMessagePreview)
	require.True(t, conv.IsArchived)
}
