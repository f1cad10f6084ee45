package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/rally-go-api/internal/models"
)

// ConversationRepository persists conversations and their participants.
type ConversationRepository interface {
	Create(ctx context.Context, conversation *models.Conversation) error
	FindByID(ctx context.Context, id string) (models.Conversation, error)
	FindDirect(ctx context.Context, userA, userB string) (models.Conversation, error)
	ListForUser(ctx context.Context, userID string, includeArchived bool) ([]models.Conversation, error)
	ActiveConversationIDs(ctx context.Context, userID string) ([]string, error)
	LeaveParticipant(ctx context.Context, conversationID, userID string, at time.Time) error
	Archive(ctx context.Context, conversationID string, at time.Time) error
	ListArchivable(ctx context.Context, now time.Time) ([]models.Conversation, error)
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository constructs a conversation repository backed by GORM.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(ctx context.Context, conversation *models.Conversation) error {
	return r.db.WithContext(ctx).Create(conversation).Error
}

func (r *conversationRepository) FindByID(ctx context.Context, id string) (models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.WithContext(ctx).Preload("Participants").First(&conversation, "id = ?", id).Error
	if err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

func (r *conversationRepository) FindDirect(ctx context.Context, userA, userB string) (models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("type = ?", "direct").
		Where("id IN (?)", r.db.Model(&models.ConversationParticipant{}).Select("conversation_id").Where("user_id = ?", userA)).
		Where("id IN (?)", r.db.Model(&models.ConversationParticipant{}).Select("conversation_id").Where("user_id = ?", userB)).
		First(&conversation).Error
	if err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID string, includeArchived bool) ([]models.Conversation, error) {
	query := r.db.WithContext(ctx).
		Preload("Participants").
		Where("id IN (?)", r.db.Model(&models.ConversationParticipant{}).
			Select("conversation_id").
			Where("user_id = ? AND is_active = ?", userID, true))
	if !includeArchived {
		query = query.Where("is_archived = ?", false)
	}

	var conversations []models.Conversation
	// Conversations without messages sort after active ones.
	err := query.
		Order("CASE WHEN last_message_at IS NULL THEN 1 ELSE 0 END").
		Order("last_message_at DESC").
		Order("created_at DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, err
	}
	return conversations, nil
}

func (r *conversationRepository) ActiveConversationIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *conversationRepository) LeaveParticipant(ctx context.Context, conversationID, userID string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Updates(map[string]interface{}{"is_active": false, "left_at": at})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *conversationRepository) Archive(ctx context.Context, conversationID string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]interface{}{"is_archived": true, "archived_at": at})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListArchivable returns unarchived conversations whose settings carry archiveAfterDays.
// The day threshold is evaluated by the caller because the setting lives in a JSON column.
func (r *conversationRepository) ListArchivable(ctx context.Context, now time.Time) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := r.db.WithContext(ctx).
		Where("is_archived = ?", false).
		Where("COALESCE(last_message_at, created_at) < ?", now).
		Find(&conversations).Error
	if err != nil {
		return nil, err
	}
	return conversations, nil
}
