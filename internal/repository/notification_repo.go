package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/rally-go-api/internal/models"
)

// NotificationFilter narrows a notification listing. Zero values match everything.
type NotificationFilter struct {
	Type     string
	Category string
	IsRead   *bool
}

// NotificationRepository handles persistence for notification entities and preferences.
type NotificationRepository interface {
	Create(ctx context.Context, notification *models.Notification) error
	List(ctx context.Context, userID string, filter NotificationFilter, limit, offset int) ([]models.Notification, int64, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, id uint, userID string, at time.Time) (models.Notification, bool, error)
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error)
	Delete(ctx context.Context, id uint, userID string) (models.Notification, error)
	DeleteAll(ctx context.Context, userID string) (int64, error)
	UpdateDeliveryStatus(ctx context.Context, id uint, status map[string]interface{}) error
	FindByID(ctx context.Context, id uint) (models.Notification, error)
	GetPreferences(ctx context.Context, userID string) (models.NotificationPreference, error)
	SavePreferences(ctx context.Context, preference *models.NotificationPreference) error
}

type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository constructs a repository backed by GORM.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, notification *models.Notification) error {
	return r.db.WithContext(ctx).Create(notification).Error
}

func (r *notificationRepository) scoped(ctx context.Context, userID string, filter NotificationFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ?", userID)
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	if filter.IsRead != nil {
		query = query.Where("read = ?", *filter.IsRead)
	}
	return query
}

func (r *notificationRepository) List(ctx context.Context, userID string, filter NotificationFilter, limit, offset int) ([]models.Notification, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := r.scoped(ctx, userID, filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var notifications []models.Notification
	if err := r.scoped(ctx, userID, filter).
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&notifications).Error; err != nil {
		return nil, 0, err
	}

	return notifications, total, nil
}

func (r *notificationRepository) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Count(&count).Error
	return count, err
}

// MarkRead flags the notification as read. The boolean reports whether it was unread before.
func (r *notificationRepository) MarkRead(ctx context.Context, id uint, userID string, at time.Time) (models.Notification, bool, error) {
	var notification models.Notification
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&notification).Error; err != nil {
		return models.Notification{}, false, err
	}

	if notification.Read {
		return notification, false, nil
	}

	if err := r.db.WithContext(ctx).
		Model(&notification).
		Updates(map[string]interface{}{"read": true, "read_at": at}).Error; err != nil {
		return models.Notification{}, false, err
	}
	notification.Read = true
	notification.ReadAt = &at

	return notification, true, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Updates(map[string]interface{}{"read": true, "read_at": at})
	return result.RowsAffected, result.Error
}

// Delete removes a single notification and returns the deleted row so callers can adjust counters.
func (r *notificationRepository) Delete(ctx context.Context, id uint, userID string) (models.Notification, error) {
	var notification models.Notification
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&notification).Error; err != nil {
		return models.Notification{}, err
	}
	if err := r.db.WithContext(ctx).Delete(&models.Notification{}, notification.ID).Error; err != nil {
		return models.Notification{}, err
	}
	return notification, nil
}

func (r *notificationRepository) DeleteAll(ctx context.Context, userID string) (int64, error) {
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Notification{})
	return result.RowsAffected, result.Error
}

func (r *notificationRepository) UpdateDeliveryStatus(ctx context.Context, id uint, status map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ?", id).
		Update("delivery_status", datatypes.JSONMap(status)).Error
}

func (r *notificationRepository) FindByID(ctx context.Context, id uint) (models.Notification, error) {
	var notification models.Notification
	if err := r.db.WithContext(ctx).First(&notification, id).Error; err != nil {
		return models.Notification{}, err
	}
	return notification, nil
}

func (r *notificationRepository) GetPreferences(ctx context.Context, userID string) (models.NotificationPreference, error) {
	var preference models.NotificationPreference
	if err := r.db.WithContext(ctx).First(&preference, "user_id = ?", userID).Error; err != nil {
		return models.NotificationPreference{}, err
	}
	return preference, nil
}

func (r *notificationRepository) SavePreferences(ctx context.Context, preference *models.NotificationPreference) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"preferences", "updated_at"}),
	}).Create(preference).Error
}
