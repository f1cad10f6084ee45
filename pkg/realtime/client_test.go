package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

func TestClientRoutesPushedEvents(t *testing.T) {
	srv := newFakeServer(t)
	alerter := &recordingAlerter{}
	client := New(Config{URL: srv.url(), Alerter: alerter})
	require.NoError(t, client.Connect(context.Background(), Credentials{Token: "token-alice", UserID: "alice"}))
	t.Cleanup(func() { _ = client.Close() })

	var (
		mu     sync.Mutex
		system []string
	)
	cancel := client.OnSystem(func(event string, payload protocol.SystemEvent) {
		mu.Lock()
		system = append(system, event+":"+payload.Message)
		mu.Unlock()
	})
	defer cancel()

	srv.push(protocol.EventConversationNew, protocol.Conversation{ID: "c1", Type: protocol.ConversationTournament, Name: "Spring Open", CreatedAt: at(0)})
	srv.push(protocol.EventTypingUserStarted, protocol.TypingEvent{UserID: "bob", ConversationID: "c1"})
	srv.push(protocol.EventPresenceUpdate, protocol.PresenceEvent{UserID: "bob", Presence: protocol.UserPresence{UserID: "bob", Status: protocol.StatusOnline}})
	srv.push(protocol.EventNotificationNew, protocol.NotificationEvent{Notification: protocol.Notification{ID: 1, Category: protocol.CategoryUrgent, Message: "Court 2 closed"}})
	srv.push(protocol.EventSystemMessage, protocol.SystemEvent{Message: "maintenance at 02:00"})
	srv.push(protocol.EventSystemShutdown, protocol.SystemEvent{Message: "server restarting"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(system) == 2
	}, time.Second, 5*time.Millisecond)

	conv, ok := client.Conversations.Conversation("c1")
	require.True(t, ok)
	require.Equal(t, "Spring Open", conv.Name)
	require.Len(t, client.Typing.TypingUsers("c1"), 1)
	require.True(t, client.Presence.IsOnline("bob"))
	require.Equal(t, 1, client.Notifications.UnreadCount())
	require.Len(t, alerter.alerts, 1)
	require.Equal(t, []string{"system:message:maintenance at 02:00", "system:shutdown:server restarting"}, system)
}

func TestWebsocketURL(t *testing.T) {
	require.Equal(t, "wss://api.rally.example/api/ws", WebsocketURL("https://api.rally.example/"))
	require.Equal(t, "ws://localhost:8080/api/ws", WebsocketURL("http://localhost:8080"))
}
