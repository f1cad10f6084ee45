package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/rally-go-api/internal/dto"
	"github.com/noah-isme/rally-go-api/internal/models"
	"github.com/noah-isme/rally-go-api/internal/observability"
	"github.com/noah-isme/rally-go-api/internal/repository"
	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

const notificationBufferSize = 16

// NotificationService publishes notifications, maintains the feed and streams it over SSE.
type NotificationService interface {
	Publish(ctx context.Context, payload dto.NotificationCreateRequest) (protocol.Notification, error)
	List(ctx context.Context, userID string, query dto.NotificationListQuery) ([]protocol.Notification, dto.Pagination, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, id uint, userID string) (protocol.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, id uint, userID string) error
	ClearAll(ctx context.Context, userID string) (int64, error)
	Preferences(ctx context.Context, userID string) (protocol.NotificationPreferences, error)
	SavePreferences(ctx context.Context, userID string, prefs protocol.NotificationPreferences) (protocol.NotificationPreferences, error)
	Subscribe(userID string) (<-chan protocol.Notification, func())
	Start(ctx context.Context)
}

type notificationService struct {
	repo        repository.NotificationRepository
	events      Broadcaster
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	sanitizer   *bluemonday.Policy
	broker      *notificationBroker
	nodeID      string
	now         func() time.Time
}

type notificationEvent struct {
	Source       string                `json:"source"`
	Notification protocol.Notification `json:"notification"`
	SentAt       time.Time             `json:"sent_at"`
}

type notificationBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan protocol.Notification]struct{}
}

// NewNotificationService constructs a notification service. Redis and NATS are optional and keep
// SSE subscribers on other nodes in sync.
func NewNotificationService(repo repository.NotificationRepository, events Broadcaster, redisClient *redis.Client, channelBase string, natsConn *nats.Conn, validate *validator.Validate, logger zerolog.Logger) NotificationService {
	stream := ""
	subject := ""
	if channelBase != "" {
		stream = channelBase + ":notifications"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".notifications"
	}

	return &notificationService{
		repo:        repo,
		events:      orNop(events),
		redis:       redisClient,
		redisStream: stream,
		nats:        natsConn,
		natsSubject: subject,
		validator:   validate,
		logger:      logger.With().Str("component", "notification_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/rally-go-api/internal/service/notification"),
		sanitizer:   bluemonday.StrictPolicy(),
		broker: &notificationBroker{
			subscribers: make(map[string]map[chan protocol.Notification]struct{}),
		},
		nodeID: uuid.NewString(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *notificationService) Start(ctx context.Context) {
	if s.redis != nil && s.redisStream != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

// Publish stores a notification and delivers it in-app. Email, SMS and push have no provider
// here, so enabled channels are recorded as pending and disabled ones as skipped.
func (s *notificationService) Publish(ctx context.Context, payload dto.NotificationCreateRequest) (protocol.Notification, error) {
	if err := s.validator.Struct(payload); err != nil {
		return protocol.Notification{}, err
	}

	cleanMessage := strings.TrimSpace(s.sanitizer.Sanitize(payload.Message))
	if cleanMessage == "" {
		return protocol.Notification{}, fmt.Errorf("%w: message empty after sanitization", ErrInvalidNotification)
	}

	category := payload.Category
	if category == "" {
		category = string(protocol.CategoryInfo)
	}

	spanCtx, span := s.tracer.Start(ctx, "notifications.publish", trace.WithAttributes(
		attribute.String("notification.user_id", payload.UserID),
		attribute.String("notification.type", payload.Type),
		attribute.String("notification.category", category),
	))
	defer span.End()

	prefs, err := s.Preferences(spanCtx, payload.UserID)
	if err != nil {
		span.RecordError(err)
		return protocol.Notification{}, err
	}
	channels := prefs.Channels
	if payload.Channels != nil {
		channels = *payload.Channels
	}

	model := models.Notification{
		UserID:         payload.UserID,
		Type:           payload.Type,
		Category:       category,
		Title:          strings.TrimSpace(s.sanitizer.Sanitize(payload.Title)),
		Message:        cleanMessage,
		ActionURL:      payload.ActionURL,
		Channels:       datatypes.NewJSONType(channels),
		DeliveryStatus: initialDeliveryStatus(channels),
	}

	if err := s.repo.Create(spanCtx, &model); err != nil {
		span.RecordError(err)
		return protocol.Notification{}, err
	}

	if channels.InApp {
		model.DeliveryStatus[channelInApp] = protocol.DeliverySent
		if err := s.repo.UpdateDeliveryStatus(spanCtx, model.ID, model.DeliveryStatus); err != nil {
			s.logger.Warn().Err(err).Uint("notification_id", model.ID).Msg("failed to record in-app delivery")
		}
	}

	notification := dto.NewNotificationPayload(model)
	if channels.InApp {
		s.events.ToUsers([]string{notification.UserID}, protocol.EventNotificationNew, protocol.NotificationEvent{Notification: notification})
		s.broadcast(notification)
		if err := s.publish(spanCtx, notification); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish notification to broker")
		}
	}

	observability.NotificationsPublishedTotal().WithLabelValues(notification.Type).Inc()
	return notification, nil
}

func (s *notificationService) List(ctx context.Context, userID string, query dto.NotificationListQuery) ([]protocol.Notification, dto.Pagination, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, dto.Pagination{}, errors.New("user id is required")
	}
	if err := s.validator.Struct(query); err != nil {
		return nil, dto.Pagination{}, err
	}

	page := query.Page
	if page <= 0 {
		page = 1
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	filter := repository.NotificationFilter{Type: query.Type, Category: query.Category, IsRead: query.IsRead}
	notifications, total, err := s.repo.List(ctx, userID, filter, limit, (page-1)*limit)
	if err != nil {
		return nil, dto.Pagination{}, err
	}

	return dto.NewNotificationPayloadSlice(notifications), dto.Pagination{Page: page, Limit: limit, Total: total}, nil
}

func (s *notificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.repo.CountUnread(ctx, userID)
}

func (s *notificationService) MarkRead(ctx context.Context, id uint, userID string) (protocol.Notification, error) {
	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(
		attribute.String("notification.user_id", userID),
	))
	defer span.End()

	notification, _, err := s.repo.MarkRead(spanCtx, id, userID, s.now())
	if err != nil {
		span.RecordError(err)
		return protocol.Notification{}, translateNotFound(err)
	}

	return dto.NewNotificationPayload(notification), nil
}

func (s *notificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.repo.MarkAllRead(ctx, userID, s.now())
}

func (s *notificationService) Delete(ctx context.Context, id uint, userID string) error {
	if _, err := s.repo.Delete(ctx, id, userID); err != nil {
		return translateNotFound(err)
	}
	return nil
}

func (s *notificationService) ClearAll(ctx context.Context, userID string) (int64, error) {
	return s.repo.DeleteAll(ctx, userID)
}

// Preferences returns stored preferences or the defaults for users who never saved any.
func (s *notificationService) Preferences(ctx context.Context, userID string) (protocol.NotificationPreferences, error) {
	stored, err := s.repo.GetPreferences(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.DefaultNotificationPreferences(), nil
	}
	if err != nil {
		return protocol.NotificationPreferences{}, err
	}
	return stored.Preferences.Data(), nil
}

func (s *notificationService) SavePreferences(ctx context.Context, userID string, prefs protocol.NotificationPreferences) (protocol.NotificationPreferences, error) {
	for category := range prefs.Categories {
		switch category {
		case protocol.CategoryInfo, protocol.CategorySuccess, protocol.CategoryWarning, protocol.CategoryError, protocol.CategoryUrgent:
		default:
			return protocol.NotificationPreferences{}, fmt.Errorf("%w: unknown category %q", ErrInvalidNotification, category)
		}
	}

	record := models.NotificationPreference{
		UserID:      userID,
		Preferences: datatypes.NewJSONType(prefs),
		UpdatedAt:   s.now(),
	}
	if err := s.repo.SavePreferences(ctx, &record); err != nil {
		return protocol.NotificationPreferences{}, err
	}
	return prefs, nil
}

func (s *notificationService) Subscribe(userID string) (<-chan protocol.Notification, func()) {
	channel := make(chan protocol.Notification, notificationBufferSize)

	s.broker.subscribe(userID, channel)
	observability.SSEClientsActive().Inc()

	cleanup := func() {
		s.broker.unsubscribe(userID, channel)
		observability.SSEClientsActive().Dec()
	}

	return channel, cleanup
}

func (s *notificationService) broadcast(notification protocol.Notification) {
	s.broker.broadcast(notification.UserID, notification)
}

func (s *notificationService) publish(ctx context.Context, notification protocol.Notification) error {
	event := notificationEvent{
		Source:       s.nodeID,
		Notification: notification,
		SentAt:       s.now(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisStream != "" {
		if err := s.redis.Publish(ctx, s.redisStream, payload).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *notificationService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("notification redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *notificationService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats notifications subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain notification nats subscription")
		}
	}()
}

// handleEvent delivers notifications published by other nodes to local SSE subscribers.
func (s *notificationService) handleEvent(payload []byte) {
	var event notificationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid notification event payload")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	s.broadcast(event.Notification)
}

const channelInApp = "inApp"

func initialDeliveryStatus(channels protocol.DeliveryChannels) datatypes.JSONMap {
	status := func(enabled bool) string {
		if enabled {
			return protocol.DeliveryPending
		}
		return protocol.DeliverySkipped
	}
	return datatypes.JSONMap{
		channelInApp: status(channels.InApp),
		"email":      status(channels.Email),
		"sms":        status(channels.SMS),
		"push":       status(channels.Push),
	}
}

func (b *notificationBroker) subscribe(userID string, ch chan protocol.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[userID]; !exists {
		b.subscribers[userID] = make(map[chan protocol.Notification]struct{})
	}
	b.subscribers[userID][ch] = struct{}{}
}

func (b *notificationBroker) unsubscribe(userID string, ch chan protocol.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[userID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, userID)
		}
	}
}

func (b *notificationBroker) broadcast(userID string, notification protocol.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers := b.subscribers[userID]
	for ch := range subscribers {
		select {
		case ch <- notification:
		default:
		}
	}
}
