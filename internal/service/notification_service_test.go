package service

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/rally-go-api/internal/dto"
	"github.com/noah-isme/rally-go-api/internal/repository"
	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

func newNotificationServiceForTest(t *testing.T, client *redis.Client) (NotificationService, *recordingBroadcaster) {
	t.Helper()
	db := setupCommunicationDB(t)
	events := &recordingBroadcaster{}
	svc := NewNotificationService(repository.NewNotificationRepository(db), events, client, "rally:test", nil, newValidator(), testLogger())
	return svc, events
}

func TestNotificationServicePublishDeliversInApp(t *testing.T) {
	svc, events := newNotificationServiceForTest(t, nil)
	ctx := context.Background()

	stream, cancel := svc.Subscribe("alice")
	defer cancel()

	notification, err := svc.Publish(ctx, dto.NotificationCreateRequest{
		UserID:  "alice",
		Type:    "match_reminder",
		Title:   "<i>Match soon</i>",
		Message: "Your match starts in 30 minutes",
	})
	require.NoError(t, err)
	require.Equal(t, "Match soon", notification.Title)
	require.Equal(t, protocol.CategoryInfo, notification.Category)
	require.Equal(t, protocol.DeliverySent, notification.DeliveryStatus["inApp"])
	require.Equal(t, protocol.DeliverySkipped, notification.DeliveryStatus["email"])

	pushed := events.events(protocol.EventNotificationNew)
	require.Len(t, pushed, 1)
	require.Equal(t, []string{"alice"}, pushed[0].target)

	select {
	case received := <-stream:
		require.Equal(t, notification.ID, received.ID)
	case <-time.After(time.Second):
		t.Fatal("expected notification on subscriber channel")
	}
}

func TestNotificationServiceChannelsFollowPreferences(t *testing.T) {
	svc, events := newNotificationServiceForTest(t, nil)
	ctx := context.Background()

	prefs := protocol.DefaultNotificationPreferences()
	prefs.Channels = protocol.DeliveryChannels{Email: true}
	_, err := svc.SavePreferences(ctx, "bob", prefs)
	require.NoError(t, err)

	notification, err := svc.Publish(ctx, dto.NotificationCreateRequest{
		UserID:   "bob",
		Type:     "booking_confirmed",
		Category: "success",
		Message:  "Court 2 booked",
	})
	require.NoError(t, err)
	require.Equal(t, protocol.DeliverySkipped, notification.DeliveryStatus["inApp"])
	require.Equal(t, protocol.DeliveryPending, notification.DeliveryStatus["email"])
	require.Empty(t, events.events(protocol.EventNotificationNew))

	override, err := svc.Publish(ctx, dto.NotificationCreateRequest{
		UserID:   "bob",
		Type:     "booking_confirmed",
		Message:  "Court 3 booked",
		Channels: &protocol.DeliveryChannels{InApp: true, Push: true},
	})
	require.NoError(t, err)
	require.Equal(t, protocol.DeliverySent, override.DeliveryStatus["inApp"])
	require.Equal(t, protocol.DeliveryPending, override.DeliveryStatus["push"])
}

func TestNotificationServiceFeedOperations(t *testing.T) {
	svc, _ := newNotificationServiceForTest(t, nil)
	ctx := context.Background()

	var ids []uint
	for _, category := range []string{"info", "warning", "urgent"} {
		notification, err := svc.Publish(ctx, dto.NotificationCreateRequest{UserID: "carol", Type: "system", Category: category, Message: "update " + category})
		require.NoError(t, err)
		ids = append(ids, notification.ID)
	}
	_, err := svc.Publish(ctx, dto.NotificationCreateRequest{UserID: "dave", Type: "system", Message: "not yours"})
	require.NoError(t, err)

	count, err := svc.UnreadCount(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	read, err := svc.MarkRead(ctx, ids[0], "carol")
	require.NoError(t, err)
	require.True(t, read.IsRead)
	require.NotNil(t, read.ReadAt)

	_, err = svc.MarkRead(ctx, ids[0], "dave")
	require.ErrorIs(t, err, ErrNotFound)

	unread := false
	items, page, err := svc.List(ctx, "carol", dto.NotificationListQuery{IsRead: &unread, Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, int64(2), page.Total)
	require.Equal(t, 1, page.Page)

	items, _, err = svc.List(ctx, "carol", dto.NotificationListQuery{Category: "urgent"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	updated, err := svc.MarkAllRead(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, int64(2), updated)

	require.ErrorIs(t, svc.Delete(ctx, ids[1], "dave"), ErrNotFound)
	require.NoError(t, svc.Delete(ctx, ids[1], "carol"))

	cleared, err := svc.ClearAll(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, int64(2), cleared)

	count, err = svc.UnreadCount(ctx, "dave")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestNotificationServicePreferences(t *testing.T) {
	svc, _ := newNotificationServiceForTest(t, nil)
	ctx := context.Background()

	defaults, err := svc.Preferences(ctx, "erin")
	require.NoError(t, err)
	require.Equal(t, protocol.DefaultNotificationPreferences(), defaults)

	prefs := protocol.NotificationPreferences{
		DoNotDisturb: true,
		Categories:   map[protocol.NotificationCategory]bool{protocol.CategoryInfo: false},
		Channels:     protocol.DeliveryChannels{InApp: true},
	}
	_, err = svc.SavePreferences(ctx, "erin", prefs)
	require.NoError(t, err)

	stored, err := svc.Preferences(ctx, "erin")
	require.NoError(t, err)
	require.True(t, stored.DoNotDisturb)
	require.False(t, stored.CategoryEnabled(protocol.CategoryInfo))
	require.True(t, stored.CategoryEnabled(protocol.CategoryUrgent))

	_, err = svc.SavePreferences(ctx, "erin", protocol.NotificationPreferences{
		Categories: map[protocol.NotificationCategory]bool{"spam": true},
	})
	require.Error(t, err)
}

func TestNotificationServiceRelaysEventsFromOtherNodes(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher, _ := newNotificationServiceForTest(t, client)
	listener, _ := newNotificationServiceForTest(t, client)
	listener.Start(ctx)

	stream, unsubscribe := listener.Subscribe("frank")
	defer unsubscribe()

	require.Eventually(t, func() bool {
		subscribers := client.PubSubNumSub(ctx, "rally:test:notifications").Val()
		return subscribers["rally:test:notifications"] > 0
	}, time.Second, 10*time.Millisecond)

	notification, err := publisher.Publish(ctx, dto.NotificationCreateRequest{UserID: "frank", Type: "system", Message: "Court closed"})
	require.NoError(t, err)

	select {
	case received := <-stream:
		require.Equal(t, notification.Message, received.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("expected relayed notification")
	}
}
