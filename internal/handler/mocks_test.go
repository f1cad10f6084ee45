package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/rally-go-api/internal/dto"
	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(data, target))
}

func asUser(userID, role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if userID != "" {
			c.Locals("user_id", userID)
		}
		if role != "" {
			c.Locals("user_role", role)
		}
		return c.Next()
	}
}

type mockConversationService struct {
	created      protocol.CreateConversationRequest
	createdBy    string
	listArchived bool
	left         string
	conversation protocol.Conversation
	list         []protocol.Conversation
	err          error
}

func (m *mockConversationService) Create(_ context.Context, userID string, req protocol.CreateConversationRequest) (protocol.Conversation, error) {
	m.createdBy = userID
	m.created = req
	return m.conversation, m.err
}

func (m *mockConversationService) Join(_ context.Context, _, _ string) (protocol.Conversation, error) {
	return m.conversation, m.err
}

func (m *mockConversationService) List(_ context.Context, _ string, includeArchived bool) ([]protocol.Conversation, error) {
	m.listArchived = includeArchived
	return m.list, m.err
}

func (m *mockConversationService) Leave(_ context.Context, _, conversationID string) error {
	m.left = conversationID
	return m.err
}

func (m *mockConversationService) Archive(_ context.Context, _, _ string) (protocol.Conversation, error) {
	return m.conversation, m.err
}

func (m *mockConversationService) ArchiveInactive(context.Context, time.Time) (int, error) {
	return 0, m.err
}

func (m *mockConversationService) RunArchiver(context.Context, time.Duration) {}

type mockMessageService struct {
	listReq   protocol.ListMessagesRequest
	searchReq protocol.SearchRequest
	readID    string
	messages  []protocol.Message
	total     int64
	err       error
}

func (m *mockMessageService) Send(context.Context, string, protocol.SendMessageRequest) (protocol.Message, error) {
	return protocol.Message{}, m.err
}

func (m *mockMessageService) Edit(context.Context, string, protocol.EditMessageRequest) (protocol.Message, error) {
	return protocol.Message{}, m.err
}

func (m *mockMessageService) Delete(context.Context, string, string) (protocol.Message, error) {
	return protocol.Message{}, m.err
}

func (m *mockMessageService) React(context.Context, string, protocol.ReactRequest) (protocol.Reaction, error) {
	return protocol.Reaction{}, m.err
}

func (m *mockMessageService) Unreact(context.Context, string, string) error {
	return m.err
}

func (m *mockMessageService) MarkRead(_ context.Context, userID, messageID string) (protocol.ReadReceipt, error) {
	m.readID = messageID
	if m.err != nil {
		return protocol.ReadReceipt{}, m.err
	}
	return protocol.ReadReceipt{UserID: userID, ReadAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}, nil
}

func (m *mockMessageService) Search(_ context.Context, _ string, req protocol.SearchRequest) ([]protocol.Message, error) {
	m.searchReq = req
	return m.messages, m.err
}

func (m *mockMessageService) List(_ context.Context, _ string, req protocol.ListMessagesRequest) ([]protocol.Message, int64, error) {
	m.listReq = req
	return m.messages, m.total, m.err
}

func (m *mockMessageService) LastMessage(context.Context, string) *protocol.Message {
	return nil
}

type mockNotificationService struct {
	published   dto.NotificationCreateRequest
	query       dto.NotificationListQuery
	markedID    uint
	deletedID   uint
	prefs       protocol.NotificationPreferences
	items       []protocol.Notification
	stream      chan protocol.Notification
	unsubscribe int
	err         error
}

func (m *mockNotificationService) Publish(_ context.Context, payload dto.NotificationCreateRequest) (protocol.Notification, error) {
	m.published = payload
	if m.err != nil {
		return protocol.Notification{}, m.err
	}
	return protocol.Notification{ID: 9, UserID: payload.UserID, Type: payload.Type, Message: payload.Message}, nil
}

func (m *mockNotificationService) List(_ context.Context, _ string, query dto.NotificationListQuery) ([]protocol.Notification, dto.Pagination, error) {
	m.query = query
	return m.items, dto.Pagination{Page: 1, Limit: 20, Total: int64(len(m.items))}, m.err
}

func (m *mockNotificationService) UnreadCount(context.Context, string) (int64, error) {
	return int64(len(m.items)), m.err
}

func (m *mockNotificationService) MarkRead(_ context.Context, id uint, userID string) (protocol.Notification, error) {
	m.markedID = id
	return protocol.Notification{ID: id, UserID: userID, IsRead: true}, m.err
}

func (m *mockNotificationService) MarkAllRead(context.Context, string) (int64, error) {
	return 3, m.err
}

func (m *mockNotificationService) Delete(_ context.Context, id uint, _ string) error {
	m.deletedID = id
	return m.err
}

func (m *mockNotificationService) ClearAll(context.Context, string) (int64, error) {
	return 2, m.err
}

func (m *mockNotificationService) Preferences(context.Context, string) (protocol.NotificationPreferences, error) {
	return protocol.DefaultNotificationPreferences(), m.err
}

func (m *mockNotificationService) SavePreferences(_ context.Context, _ string, prefs protocol.NotificationPreferences) (protocol.NotificationPreferences, error) {
	m.prefs = prefs
	return prefs, m.err
}

func (m *mockNotificationService) Subscribe(string) (<-chan protocol.Notification, func()) {
	if m.stream == nil {
		m.stream = make(chan protocol.Notification, 1)
	}
	return m.stream, func() { m.unsubscribe++ }
}

func (m *mockNotificationService) Start(context.Context) {}

type mockAttachmentService struct {
	lastUserID string
	lastName   string
	response   dto.UploadResponse
	err        error
}

func (m *mockAttachmentService) Upload(_ context.Context, file *multipart.FileHeader, userID string) (dto.UploadResponse, error) {
	m.lastUserID = userID
	if file != nil {
		m.lastName = file.Filename
	}
	if m.err != nil {
		return dto.UploadResponse{}, m.err
	}
	return m.response, nil
}

type mockPresenceService struct {
	online []protocol.UserPresence
	err    error
}

func (m *mockPresenceService) Connect(context.Context, string, string) error    { return nil }
func (m *mockPresenceService) Disconnect(context.Context, string, string) error { return nil }
func (m *mockPresenceService) Heartbeat(context.Context, string, string) error  { return nil }

func (m *mockPresenceService) Update(_ context.Context, userID string, status protocol.PresenceStatus) (protocol.UserPresence, error) {
	return protocol.UserPresence{UserID: userID, Status: status}, m.err
}

func (m *mockPresenceService) Get(_ context.Context, userID string) (protocol.UserPresence, error) {
	for _, presence := range m.online {
		if presence.UserID == userID {
			return presence, nil
		}
	}
	return protocol.UserPresence{UserID: userID, Status: protocol.StatusOffline}, m.err
}

func (m *mockPresenceService) Online(context.Context) ([]protocol.UserPresence, error) {
	return m.online, m.err
}
