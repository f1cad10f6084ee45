package service

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/rally-go-api/internal/events"
	"github.com/noah-isme/rally-go-api/internal/models"
	"github.com/noah-isme/rally-go-api/internal/repository"
	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingAudit) Record(_ context.Context, event events.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, event.Action)
}

func (r *recordingAudit) Close() error { return nil }

type messageFixture struct {
	db     *gorm.DB
	svc    MessageService
	events *recordingBroadcaster
	audit  *recordingAudit
	redis  *redis.Client
}

func newMessageFixture(t *testing.T) messageFixture {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db := setupCommunicationDB(t)
	broadcaster := &recordingBroadcaster{}
	audit := &recordingAudit{}
	svc := NewMessageService(
		repository.NewMessageRepository(db),
		repository.NewConversationRepository(db),
		broadcaster,
		newValidator(),
		testLogger(),
		MessageServiceOptions{Redis: client, ChannelBase: "rally:test", Audit: audit},
	)
	return messageFixture{db: db, svc: svc, events: broadcaster, audit: audit, redis: client}
}

func (f messageFixture) conversation(t *testing.T, convType protocol.ConversationType, settings protocol.ConversationSettings, users ...string) models.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conversation := models.Conversation{
		Type:     string(convType),
		IsGroup:  convType != protocol.ConversationDirect,
		Settings: datatypes.NewJSONType(settings),
		IsActive: true,
	}
	for i, user := range users {
		role := string(protocol.RoleMember)
		if i == 0 {
			role = string(protocol.RoleAdmin)
		}
		conversation.Participants = append(conversation.Participants, models.ConversationParticipant{
			UserID:   user,
			Role:     role,
			JoinedAt: now,
			IsActive: true,
		})
	}
	require.NoError(t, repository.NewConversationRepository(f.db).Create(context.Background(), &conversation))
	return conversation
}

func (f messageFixture) send(t *testing.T, userID, conversationID, content string) protocol.Message {
	t.Helper()
	message, err := f.svc.Send(context.Background(), userID, protocol.SendMessageRequest{
		ConversationID: conversationID,
		Content:        content,
	})
	require.NoError(t, err)
	return message
}

func TestMessageServiceSendAssignsSeqAndBroadcasts(t *testing.T) {
	f := newMessageFixture(t)
	conversation := f.conversation(t, protocol.ConversationDirect, protocol.DefaultConversationSettings(), "alice", "bob")

	first := f.send(t, "alice", conversation.ID, "<script>alert(1)</script>hello")
	second := f.send(t, "bob", conversation.ID, "hi back")

	require.Equal(t, "hello", first.Content)
	require.Equal(t, protocol.MessageTypeText, first.MessageType)
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, int64(2), second.Seq)

	created := f.events.events(protocol.EventMessageNew)
	require.Len(t, created, 2)
	require.Equal(t, "conversation", created[0].scope)
	require.Equal(t, []string{conversation.ID}, created[0].target)

	updated := f.events.events(protocol.EventConversationUpdated)
	require.Len(t, updated, 2)
	require.ElementsMatch(t, []string{"alice", "bob"}, updated[1].target)
	payload := updated[1].payload.(protocol.ConversationUpdatedEvent)
	require.Equal(t, second.ID, payload.LastMessageID)
	require.Equal(t, "hi back", payload.LastMessagePreview)

	cached := f.svc.LastMessage(context.Background(), conversation.ID)
	require.NotNil(t, cached)
	require.Equal(t, second.ID, cached.ID)

	require.Equal(t, []string{events.ActionMessageSent, events.ActionMessageSent}, f.audit.actions)
}

func TestMessageServiceSendRejectsOutsiders(t *testing.T) {
	f := newMessageFixture(t)
	conversation := f.conversation(t, protocol.ConversationDirect, protocol.DefaultConversationSettings(), "alice", "bob")

	_, err := f.svc.Send(context.Background(), "mallory", protocol.SendMessageRequest{ConversationID: conversation.ID, Content: "hi"})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Send(context.Background(), "alice", protocol.SendMessageRequest{ConversationID: "missing", Content: "hi"})
	require.ErrorIs(t, err, ErrNotFound)

	require.Empty(t, f.events.events(protocol.EventMessageNew))
}

func TestMessageServiceSendValidatesPayloadByType(t *testing.T) {
	f := newMessageFixture(t)
	conversation := f.conversation(t, protocol.ConversationGroup, protocol.DefaultConversationSettings(), "alice", "bob")
	ctx := context.Background()

	cases := []struct {
		name string
		req  protocol.SendMessageRequest
	}{
		{"empty text", protocol.SendMessageRequest{Content: "   "}},
		{"text with location", protocol.SendMessageRequest{Content: "hi", Location: &protocol.Location{Latitude: 1, Longitude: 1}}},
		{"image without attachments", protocol.SendMessageRequest{MessageType: protocol.MessageTypeImage}},
		{"image carrying a file", protocol.SendMessageRequest{
			MessageType: protocol.MessageTypeImage,
			Attachments: []protocol.Attachment{{Type: "file", URL: "https://cdn.test/a.pdf"}},
		}},
		{"location out of range", protocol.SendMessageRequest{
			MessageType: protocol.MessageTypeLocation,
			Location:    &protocol.Location{Latitude: 95, Longitude: 10},
		}},
		{"incomplete invite", protocol.SendMessageRequest{
			MessageType: protocol.MessageTypeMatchInvite,
			MatchInvite: &protocol.MatchInvite{CourtID: "c1"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			req.ConversationID = conversation.ID
			_, err := f.svc.Send(ctx, "alice", req)
			require.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestMessageServiceSendStructuredTypes(t *testing.T) {
	f := newMessageFixture(t)
	conversation := f.conversation(t, protocol.ConversationGroup, protocol.DefaultConversationSettings(), "alice", "bob")
	ctx := context.Background()

	image, err := f.svc.Send(ctx, "alice", protocol.SendMessageRequest{
		ConversationID: conversation.ID,
		MessageType:    protocol.MessageTypeImage,
		Attachments:    []protocol.Attachment{{Type: "image", URL: "https://cdn.test/court.png", Filename: "court.png", Size: 42}},
	})
	require.NoError(t, err)
	require.Len(t, image.Attachments, 1)

	location, err := f.svc.Send(ctx, "bob", protocol.SendMessageRequest{
		ConversationID: conversation.ID,
		MessageType:    protocol.MessageTypeLocation,
		Location:       &protocol.Location{Latitude: -6.2, Longitude: 106.8, Address: "Court 3"},
	})
	require.NoError(t, err)
	require.NotNil(t, location.Location)
	require.Equal(t, "Court 3", location.Location.Address)

	invite, err := f.svc.Send(ctx, "alice", protocol.SendMessageRequest{
		ConversationID: conversation.ID,
		MessageType:    protocol.MessageTypeMatchInvite,
		MatchInvite: &protocol.MatchInvite{
			CourtID:      "court-1",
			FacilityID:   "facility-9",
			ProposedTime: time.Now().Add(24 * time.Hour).UTC(),
			Duration:     90,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, invite.MatchInvite)
	require.Equal(t, 90, invite.MatchInvite.Duration)

	history, total, err := f.svc.List(ctx, "bob", protocol.ListMessagesRequest{ConversationID: conversation.ID})
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, history, 3)
	require.Nil(t, history[0].Location)
	require.NotNil(t, history[1].Location)
	require.NotNil(t, history[2].MatchInvite)
}

func TestMessageServiceSendHonoursConversationSettings(t *testing.T) {
	f := newMessageFixture(t)
	settings := protocol.ConversationSettings{}
	conversation := f.conversation(t, protocol.ConversationGroup, settings, "alice", "bob")
	ctx := context.Background()

	_, err := f.svc.Send(ctx, "alice", protocol.SendMessageRequest{
		ConversationID: conversation.ID,
		MessageType:    protocol.MessageTypeFile,
		Attachments:    []protocol.Attachment{{Type: "file", URL: "https://cdn.test/rules.pdf"}},
	})
	require.ErrorIs(t, err, ErrFeatureDisabled)

	_, err = f.svc.Send(ctx, "alice", protocol.SendMessageRequest{
		ConversationID: conversation.ID,
		MessageType:    protocol.MessageTypeLocation,
		Location:       &protocol.Location{Latitude: 1, Longitude: 1},
	})
	require.ErrorIs(t, err, ErrFeatureDisabled)
}

func TestMessageServiceSendRejectsArchivedConversation(t *testing.T) {
	f := newMessageFixture(t)
	conversation := f.conversation(t, protocol.ConversationDirect, protocol.DefaultConversationSettings(), "alice", "bob")
	require.NoError(t, repository.NewConversationRepository(f.db).Archive(context.Background(), conversation.ID, time.Now().UTC()))

	_, err := f.svc.Send(context.Background(), "alice", protocol.SendMessageRequest{ConversationID: conversation.ID, Content: "late"})
	require.ErrorIs(t, err, ErrConversationArchived)
}

func TestMessageServiceEditRules(t *testing.T) {
	f := newMessageFixture(t)
	conversation := f.conversation(t, protocol.ConversationGroup, protocol.DefaultConversationSettings(), "alice", "bob")
	ctx := context.Background()
	message := f.send(t, "bob", conversation.ID, "see you at 5")
	f.events.reset()

	_, err := f.svc.Edit(ctx, "alice", protocol.EditMessageRequest{MessageID: message.ID, Content: "hijack"})
	require.ErrorIs(t, err, ErrForbidden)

	edited, err := f.svc.Edit(ctx, "bob", protocol.EditMessageRequest{MessageID: message.ID, Content: "see you at 6"})
	require.NoError(t, err)
	require.True(t, edited.IsEdited)
	require.NotNil(t, edited.EditedAt)
	require.Equal(t, "see you at 6", edited.Content)
	require.Equal(t, message.Seq, edited.Seq)

	require.Len(t, f.events.events(protocol.EventMessageUpdated), 1)
	require.Empty(t, f.events.events(protocol.EventMessageEdited))
	updates := f.events.events(protocol.EventConversationUpdated)
	require.Len(t, updates, 1)
	require.Equal(t, "see you at 6", updates[0].payload.(protocol.ConversationUpdatedEvent).LastMessagePreview)

	cached := f.svc.LastMessage(ctx, conversation.ID)
	require.NotNil(t, cached)
	require.Equal(t, "see you at 6", cached.Content)

	_, err = f.svc.Delete(ctx, "bob", message.ID)
	require.NoError(t, err)
	_, err = f.svc.Edit(ctx, "bob", protocol.EditMessageRequest{MessageID: message.ID, Content: "again"})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestMessageServiceDeleteTombstones(t *testing.T) {
	f := newMessageFixture(t)
	conversation := f.conversation(t, protocol.ConversationGroup, protocol.DefaultConversationSettings(), "alice", "bob", "carol")
	ctx := context.Background()
	message := f.send(t, "bob", conversation.ID, "secret")

	_, err := f.svc.Delete(ctx, "carol", message.ID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.React(ctx, "carol", protocol.ReactRequest{MessageID: message.ID, Emoji: "🎾"})
	require.NoError(t, err)

	deleted, err := f.svc.Delete(ctx, "alice", message.ID)
	require.NoError(t, err)
	require.True(t, deleted.IsDeleted)
	require.Equal(t, protocol.DeletedMessagePlaceholder, deleted.Content)
	require.Equal(t, message.ID, deleted.ID)
	require.Equal(t, "bob", deleted.SenderID)
	require.Len(t, deleted.Reactions, 1)

	removed := f.events.events(protocol.EventMessageDeleted)
	require.Len(t, removed, 1)
	require.Equal(t, message.ID, removed[0].payload.(protocol.MessageDeletedEvent).MessageID)

	again, err := f.svc.Delete(ctx, "bob", message.ID)
	require.NoError(t, err)
	require.True(t, again.IsDeleted)
	require.Len(t, f.events.events(protocol.EventMessageDeleted), 1)

	results, err := f.svc.Search(ctx, "bob", protocol.SearchRequest{Query: "secret"})
	require.NoError(t, err)
	require.Empty(t, results)

	stored, err := repository.NewConversationRepository(f.db).FindByID(ctx, conversation.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.DeletedMessagePlaceholder, stored.LastMessagePreview)

	_, err = f.svc.React(ctx, "carol", protocol.ReactRequest{MessageID: message.ID, Emoji: "👍"})
	require.ErrorIs(t, err, ErrInvalidMessage)

	require.Equal(t, []string{events.ActionMessageSent, events.ActionMessageDeleted}, f.audit.actions)
}

func TestMessageServiceReactionsReplacePerUser(t *testing.T) {
	f := newMessageFixture(t)
	conversation := f.conversation(t, protocol.ConversationDirect, protocol.DefaultConversationSettings(), "alice", "bob")
	ctx := context.Background()
	message := f.send(t, "alice", conversation.ID, "good game")

	_, err := f.svc.React(ctx, "bob", protocol.ReactRequest{MessageID: message.ID, Emoji: "👍"})
	require.NoError(t, err)
	reaction, err := f.svc.React(ctx, "bob", protocol.ReactRequest{MessageID: message.ID, Emoji: "🔥"})
	require.NoError(t, err)
	require.Equal(t, "🔥", reaction.Emoji)

	history, _, err := f.svc.List(ctx, "alice", protocol.ListMessagesRequest{ConversationID: conversation.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Len(t, history[0].Reactions, 1)
	require.Equal(t, "🔥", history[0].Reactions[0].Emoji)

	require.NoError(t, f.svc.Unreact(ctx, "bob", message.ID))
	require.NoError(t, f.svc.Unreact(ctx, "bob", message.ID))
	require.Len(t, f.events.events(protocol.EventMessageReactionAdded), 2)
	require.Len(t, f.events.events(protocol.EventMessageReactionRemoved), 1)
}

func TestMessageServiceMarkReadIsIdempotent(t *testing.T) {
	f := newMessageFixture(t)
	conversation := f.conversation(t, protocol.ConversationDirect, protocol.DefaultConversationSettings(), "alice", "bob")
	ctx := context.Background()
	message := f.send(t, "alice", conversation.ID, "ready?")

	_, err := f.svc.MarkRead(ctx, "bob", message.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkRead(ctx, "bob", message.ID)
	require.NoError(t, err)

	history, _, err := f.svc.List(ctx, "bob", protocol.ListMessagesRequest{ConversationID: conversation.ID})
	require.NoError(t, err)
	require.Len(t, history[0].ReadBy, 1)
	require.Equal(t, "bob", history[0].ReadBy[0].UserID)
	require.Len(t, f.events.events(protocol.EventMessageReadBy), 2)

	_, err = f.svc.MarkRead(ctx, "mallory", message.ID)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestMessageServiceListAfterSeqAndSearchScope(t *testing.T) {
	f := newMessageFixture(t)
	mine := f.conversation(t, protocol.ConversationDirect, protocol.DefaultConversationSettings(), "alice", "bob")
	other := f.conversation(t, protocol.ConversationDirect, protocol.DefaultConversationSettings(), "carol", "dave")
	ctx := context.Background()

	for _, content := range []string{"court one", "court two", "court three"} {
		f.send(t, "alice", mine.ID, content)
	}
	f.send(t, "carol", other.ID, "court elsewhere")

	after, _, err := f.svc.List(ctx, "bob", protocol.ListMessagesRequest{ConversationID: mine.ID, AfterSeq: 1})
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.Equal(t, int64(2), after[0].Seq)
	require.Equal(t, int64(3), after[1].Seq)

	results, err := f.svc.Search(ctx, "bob", protocol.SearchRequest{Query: "COURT"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	_, err = f.svc.Search(ctx, "bob", protocol.SearchRequest{Query: "court", ConversationID: other.ID})
	require.ErrorIs(t, err, ErrForbidden)

	_, _, err = f.svc.List(ctx, "bob", protocol.ListMessagesRequest{ConversationID: other.ID})
	require.ErrorIs(t, err, ErrForbidden)
}
