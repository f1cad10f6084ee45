package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/rally-go-api/internal/models"
)

// MessageRepository persists conversation messages, reactions and read receipts.
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message, preview string) error
	FindByID(ctx context.Context, id string) (models.Message, error)
	ListByConversation(ctx context.Context, conversationID string, page, limit int) ([]models.Message, int64, error)
	ListAfterSeq(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]models.Message, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error
	Tombstone(ctx context.Context, id, placeholder string, at time.Time) error
	SetReaction(ctx context.Context, reaction *models.MessageReaction) error
	RemoveReaction(ctx context.Context, messageID, userID string) (bool, error)
	MarkRead(ctx context.Context, read *models.MessageRead) error
	Search(ctx context.Context, conversationIDs []string, query string, limit int) ([]models.Message, error)
	UpdateConversationPreview(ctx context.Context, conversationID, messageID, preview string) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Create assigns the next per-conversation sequence number, stores the message and refreshes
// the conversation's denormalised last-message fields in one transaction.
func (r *messageRepository) Create(ctx context.Context, message *models.Message, preview string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bump := tx.Model(&models.Conversation{}).
			Where("id = ?", message.ConversationID).
			Update("last_seq", gorm.Expr("last_seq + 1"))
		if bump.Error != nil {
			return bump.Error
		}
		if bump.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var conversation models.Conversation
		if err := tx.Select("id", "last_seq").First(&conversation, "id = ?", message.ConversationID).Error; err != nil {
			return err
		}
		message.Seq = conversation.LastSeq

		if err := tx.Create(message).Error; err != nil {
			return err
		}

		return tx.Model(&models.Conversation{}).
			Where("id = ?", message.ConversationID).
			Updates(map[string]interface{}{
				"last_message_id":      message.ID,
				"last_message_at":      message.CreatedAt,
				"last_message_preview": preview,
			}).Error
	})
}

func (r *messageRepository) FindByID(ctx context.Context, id string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Preload("Reactions").Preload("Reads").First(&message, "id = ?", id).Error
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID string, page, limit int) ([]models.Message, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&models.Message{}).Where("conversation_id = ?", conversationID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var messages []models.Message
	err := r.db.WithContext(ctx).
		Preload("Reactions").
		Preload("Reads").
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, 0, err
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, total, nil
}

func (r *messageRepository) ListAfterSeq(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	var messages []models.Message
	err := r.db.WithContext(ctx).
		Preload("Reactions").
		Preload("Reads").
		Where("conversation_id = ? AND seq > ?", conversationID, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]interface{}{
			"content":    content,
			"is_edited":  true,
			"edited_at":  editedAt,
			"updated_at": editedAt,
		}).Error
}

func (r *messageRepository) Tombstone(ctx context.Context, id, placeholder string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"content":    placeholder,
			"is_deleted": true,
			"updated_at": at,
		}).Error
}

// SetReaction replaces any existing reaction the user holds on the message.
func (r *messageRepository) SetReaction(ctx context.Context, reaction *models.MessageReaction) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ? AND user_id = ?", reaction.MessageID, reaction.UserID).
			Delete(&models.MessageReaction{}).Error; err != nil {
			return err
		}
		return tx.Create(reaction).Error
	})
}

func (r *messageRepository) RemoveReaction(ctx context.Context, messageID, userID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		Delete(&models.MessageReaction{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkRead upserts the receipt so a repeated read only moves ReadAt.
func (r *messageRepository) MarkRead(ctx context.Context, read *models.MessageRead) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"read_at"}),
	}).Create(read).Error
}

func (r *messageRepository) Search(ctx context.Context, conversationIDs []string, query string, limit int) ([]models.Message, error) {
	if len(conversationIDs) == 0 {
		return []models.Message{}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	var messages []models.Message
	err := r.db.WithContext(ctx).
		Preload("Reactions").
		Preload("Reads").
		Where("conversation_id IN ?", conversationIDs).
		Where("is_deleted = ?", false).
		Where("LOWER(content) LIKE ?", pattern).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) UpdateConversationPreview(ctx context.Context, conversationID, messageID, preview string) error {
	return r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ? AND last_message_id = ?", conversationID, messageID).
		Update("last_message_preview", preview).Error
}
