package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// AlertOptions tells the alerter how to present a notification.
type AlertOptions struct {
	Sound bool
}

// Alerter surfaces a notification to the user, for example as a desktop toast.
type Alerter interface {
	Alert(n protocol.Notification, opts AlertOptions)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(n protocol.Notification, opts AlertOptions)

func (f AlerterFunc) Alert(n protocol.Notification, opts AlertOptions) { f(n, opts) }

// notificationAPI is the REST surface used by the feed.
type notificationAPI interface {
	Notifications(ctx context.Context, filter NotificationFilter) ([]protocol.Notification, error)
	MarkNotificationRead(ctx context.Context, id uint) error
	MarkAllNotificationsRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id uint) error
	ClearNotifications(ctx context.Context) error
	UnreadNotifications(ctx context.Context) (int64, error)
	NotificationPreferences(ctx context.Context) (protocol.NotificationPreferences, error)
	SaveNotificationPreferences(ctx context.Context, prefs protocol.NotificationPreferences) (protocol.NotificationPreferences, error)
}

// NotificationFeed caches the caller's notifications and their unread counter.
type NotificationFeed struct {
	conn    requester
	api     notificationAPI
	alerter Alerter
	logger  zerolog.Logger

	mu     sync.RWMutex
	items  []protocol.Notification
	unread int
	prefs  protocol.NotificationPreferences
}

func NewNotificationFeed(conn requester, api notificationAPI, alerter Alerter, logger zerolog.Logger) *NotificationFeed {
	return &NotificationFeed{
		conn:    conn,
		api:     api,
		alerter: alerter,
		logger:  logger.With().Str("component", "notifications").Logger(),
		prefs:   protocol.DefaultNotificationPreferences(),
	}
}

// Load replaces the cached feed with the server's listing, which may be filtered or a single
// page, then refreshes the unread counter from the server's own count.
func (f *NotificationFeed) Load(ctx context.Context, filter NotificationFilter) error {
	items, err := f.api.Notifications(ctx, filter)
	if err != nil {
		return err
	}
	sortNotifications(items)

	f.mu.Lock()
	f.items = items
	f.mu.Unlock()
	return f.SyncUnread(ctx)
}

// List filters the cached feed without contacting the server.
func (f *NotificationFeed) List(filter NotificationFilter) []protocol.Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]protocol.Notification, 0, len(f.items))
	for _, n := range f.items {
		if filter.Matches(n) {
			out = append(out, n)
		}
	}
	return out
}

func (f *NotificationFeed) UnreadCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.unread
}

// MarkRead marks one notification read, over the socket when connected and over REST otherwise.
func (f *NotificationFeed) MarkRead(ctx context.Context, id uint) error {
	var err error
	if f.conn != nil && f.conn.IsConnected() {
		err = f.conn.Request(ctx, protocol.EventNotificationRead, protocol.NotificationRef{NotificationID: id}, nil)
	} else {
		err = f.api.MarkNotificationRead(ctx, id)
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ID == id && !f.items[i].IsRead {
			f.items[i].IsRead = true
			f.decrement()
		}
	}
	return nil
}

func (f *NotificationFeed) MarkAllRead(ctx context.Context) error {
	if err := f.api.MarkAllNotificationsRead(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		f.items[i].IsRead = true
	}
	f.unread = 0
	return nil
}

func (f *NotificationFeed) Delete(ctx context.Context, id uint) error {
	if err := f.api.DeleteNotification(ctx, id); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[:0]
	for _, n := range f.items {
		if n.ID == id {
			if !n.IsRead {
				f.decrement()
			}
			continue
		}
		kept = append(kept, n)
	}
	f.items = kept
	return nil
}

func (f *NotificationFeed) ClearAll(ctx context.Context) error {
	if err := f.api.ClearNotifications(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = nil
	f.unread = 0
	return nil
}

// SyncUnread replaces the local counter with the server's count.
func (f *NotificationFeed) SyncUnread(ctx context.Context) error {
	var count int64
	if f.conn != nil && f.conn.IsConnected() {
		var result protocol.UnreadCount
		if err := f.conn.Request(ctx, protocol.EventNotificationUnread, nil, &result); err != nil {
			return err
		}
		count = result.Count
	} else {
		var err error
		if count, err = f.api.UnreadNotifications(ctx); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.unread = int(count)
	f.mu.Unlock()
	return nil
}

func (f *NotificationFeed) Preferences() protocol.NotificationPreferences {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.prefs
}

func (f *NotificationFeed) LoadPreferences(ctx context.Context) (protocol.NotificationPreferences, error) {
	prefs, err := f.api.NotificationPreferences(ctx)
	if err != nil {
		return protocol.NotificationPreferences{}, err
	}
	f.mu.Lock()
	f.prefs = prefs
	f.mu.Unlock()
	return prefs, nil
}

func (f *NotificationFeed) SavePreferences(ctx context.Context, prefs protocol.NotificationPreferences) (protocol.NotificationPreferences, error) {
	saved, err := f.api.SaveNotificationPreferences(ctx, prefs)
	if err != nil {
		return protocol.NotificationPreferences{}, err
	}
	f.mu.Lock()
	f.prefs = saved
	f.mu.Unlock()
	return saved, nil
}

// handleNew prepends a pushed notification and alerts unless muted. Replays of a known id
// are ignored.
func (f *NotificationFeed) handleNew(event protocol.NotificationEvent) {
	n := event.Notification

	f.mu.Lock()
	for _, existing := range f.items {
		if existing.ID == n.ID {
			f.mu.Unlock()
			return
		}
	}
	f.items = append([]protocol.Notification{n}, f.items...)
	if !n.IsRead {
		f.unread++
	}
	prefs := f.prefs
	f.mu.Unlock()

	if f.alerter == nil || n.IsRead || prefs.DoNotDisturb || !prefs.CategoryEnabled(n.Category) {
		return
	}
	f.alerter.Alert(n, AlertOptions{Sound: prefs.Sound})
}

func (f *NotificationFeed) decrement() {
	if f.unread > 0 {
		f.unread--
	}
}

func sortNotifications(items []protocol.Notification) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
}

var errNoAPI = errors.New("no API base URL configured")

// socketOnlyNotifications stands in for the REST API when the client has no base URL.
type socketOnlyNotifications struct{}

func (socketOnlyNotifications) Notifications(context.Context, NotificationFilter) ([]protocol.Notification, error) {
	return nil, &LoadError{Op: "load notifications", Err: errNoAPI}
}

func (socketOnlyNotifications) MarkNotificationRead(context.Context, uint) error {
	return &LoadError{Op: "mark notification read", Err: errNoAPI}
}

func (socketOnlyNotifications) MarkAllNotificationsRead(context.Context) error {
	return &LoadError{Op: "mark all notifications read", Err: errNoAPI}
}

func (socketOnlyNotifications) DeleteNotification(context.Context, uint) error {
	return &LoadError{Op: "delete notification", Err: errNoAPI}
}

func (socketOnlyNotifications) ClearNotifications(context.Context) error {
	return &LoadError{Op: "clear notifications", Err: errNoAPI}
}

func (socketOnlyNotifications) UnreadNotifications(context.Context) (int64, error) {
	return 0, &LoadError{Op: "load unread count", Err: errNoAPI}
}

func (socketOnlyNotifications) NotificationPreferences(context.Context) (protocol.NotificationPreferences, error) {
	return protocol.NotificationPreferences{}, &LoadError{Op: "load preferences", Err: errNoAPI}
}

func (socketOnlyNotifications) SaveNotificationPreferences(context.Context, protocol.NotificationPreferences) (protocol.NotificationPreferences, error) {
	return protocol.NotificationPreferences{}, &LoadError{Op: "save preferences", Err: errNoAPI}
}
