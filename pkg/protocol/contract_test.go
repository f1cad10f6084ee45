package protocol_test

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile("file://" + filepath.ToSlash(path))
	require.NoError(t, err)
	return schema
}

// asJSON marshals v and decodes it back into a generic value the validator accepts.
func asJSON(t *testing.T, v any) any {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var out any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func sampleMessage() protocol.Message {
	sent := time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)
	return protocol.Message{
		ID:             "6c2f0d1e-msg",
		ConversationID: "c1",
		SenderID:       "alice",
		Seq:            4,
		Content:        "Court 3 at 6pm?",
		MessageType:    protocol.MessageTypeLocation,
		Location:       &protocol.Location{Latitude: -6.2, Longitude: 106.8, Address: "Senayan"},
		ReadBy:         []protocol.ReadReceipt{{UserID: "bob", ReadAt: sent.Add(time.Minute)}},
		Reactions:      []protocol.Reaction{{UserID: "bob", Emoji: "🎾", CreatedAt: sent}},
		CreatedAt:      sent,
		UpdatedAt:      sent,
	}
}

func TestRequestAndPushFramesMatchContract(t *testing.T) {
	schema := compileSchema(t, "frame.schema.json")

	request, err := protocol.NewFrame(protocol.EventMessageSend, "17", protocol.SendMessageRequest{ConversationID: "c1", Content: "gg"})
	require.NoError(t, err)
	require.NoError(t, schema.Validate(asJSON(t, request)))

	push, err := protocol.NewFrame(protocol.EventPresenceUserStatusChanged, "", protocol.StatusChangedEvent{UserID: "bob", IsOnline: true, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, schema.Validate(asJSON(t, push)))
	require.NotContains(t, asJSON(t, push), "id")

	bare, err := protocol.NewFrame(protocol.EventPresenceGetOnlineUsers, "18", nil)
	require.NoError(t, err)
	require.NoError(t, schema.Validate(asJSON(t, bare)))

	require.Error(t, schema.Validate(map[string]any{"event": "Message Send"}))
}

func TestAckFramesMatchContract(t *testing.T) {
	schema := compileSchema(t, "ack.schema.json")

	ok, err := protocol.NewAckFrame("17", sampleMessage(), nil)
	require.NoError(t, err)
	require.NoError(t, schema.Validate(asJSON(t, ok)))

	empty, err := protocol.NewAckFrame("18", nil, nil)
	require.NoError(t, err)
	require.NoError(t, schema.Validate(asJSON(t, empty)))

	failed, err := protocol.NewAckFrame("19", sampleMessage(), errors.New("conversation is archived"))
	require.NoError(t, err)
	require.NoError(t, schema.Validate(asJSON(t, failed)))

	var ack protocol.Ack
	require.NoError(t, failed.Decode(&ack))
	require.False(t, ack.Success)
	require.Equal(t, "conversation is archived", ack.Error)
	require.Empty(t, ack.Data)
}

func TestMessagePayloadMatchesContract(t *testing.T) {
	schema := compileSchema(t, "message.schema.json")

	require.NoError(t, schema.Validate(asJSON(t, sampleMessage())))

	broken := sampleMessage()
	broken.MessageType = "voice"
	require.Error(t, schema.Validate(asJSON(t, broken)))
}

func TestNotificationPayloadMatchesContract(t *testing.T) {
	schema := compileSchema(t, "notification.schema.json")

	notification := protocol.Notification{
		ID:             3,
		UserID:         "bob",
		Type:           "match_invite",
		Category:       protocol.CategoryUrgent,
		Title:          "Match invite",
		Message:        "Alice invited you to a match",
		Channels:       protocol.DeliveryChannels{InApp: true, Push: true},
		DeliveryStatus: map[string]string{"inApp": protocol.DeliverySent, "push": protocol.DeliveryPending},
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, schema.Validate(asJSON(t, notification)))

	notification.Category = "loud"
	require.Error(t, schema.Validate(asJSON(t, notification)))
}

func TestFrameDecodeIgnoresEmptyData(t *testing.T) {
	frame := protocol.Frame{Event: protocol.EventConversationList}
	req := protocol.ListConversationsRequest{IncludeArchived: true}
	require.NoError(t, frame.Decode(&req))
	require.True(t, req.IncludeArchived)

	frame.Data = json.RawMessage(`{"includeArchived":false}`)
	require.NoError(t, frame.Decode(&req))
	require.False(t, req.IncludeArchived)

	frame.Data = json.RawMessage(`[`)
	require.Error(t, frame.Decode(&req))
}
