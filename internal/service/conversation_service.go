package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/rally-go-api/internal/dto"
	"github.com/noah-isme/rally-go-api/internal/models"
	"github.com/noah-isme/rally-go-api/internal/observability"
	"github.com/noah-isme/rally-go-api/internal/repository"
	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

// ConversationService manages conversations and participation.
type ConversationService interface {
	Create(ctx context.Context, userID string, req protocol.CreateConversationRequest) (protocol.Conversation, error)
	Join(ctx context.Context, userID, conversationID string) (protocol.Conversation, error)
	List(ctx context.Context, userID string, includeArchived bool) ([]protocol.Conversation, error)
	Leave(ctx context.Context, userID, conversationID string) error
	Archive(ctx context.Context, userID, conversationID string) (protocol.Conversation, error)
	ArchiveInactive(ctx context.Context, now time.Time) (int, error)
	RunArchiver(ctx context.Context, interval time.Duration)
}

type conversationService struct {
	repo      repository.ConversationRepository
	events    Broadcaster
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	now       func() time.Time
}

// NewConversationService constructs a conversation service.
func NewConversationService(repo repository.ConversationRepository, events Broadcaster, validate *validator.Validate, logger zerolog.Logger) ConversationService {
	return &conversationService{
		repo:      repo,
		events:    orNop(events),
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "conversation_service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a conversation. A direct conversation between two users is unique, so asking
// for it again returns the existing one.
func (s *conversationService) Create(ctx context.Context, userID string, req protocol.CreateConversationRequest) (protocol.Conversation, error) {
	if err := s.validator.Struct(req); err != nil {
		return protocol.Conversation{}, err
	}

	members := uniqueParticipants(userID, req.ParticipantIDs)
	if req.Type == protocol.ConversationDirect {
		if len(members) != 2 {
			return protocol.Conversation{}, fmt.Errorf("%w: direct conversations need exactly two participants", ErrInvalidConversation)
		}
		existing, err := s.repo.FindDirect(ctx, members[0], members[1])
		if err == nil {
			return dto.NewConversationPayload(existing), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return protocol.Conversation{}, err
		}
	} else if len(members) < 2 {
		return protocol.Conversation{}, fmt.Errorf("%w: at least two participants required", ErrInvalidConversation)
	}

	settings := protocol.DefaultConversationSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}

	now := s.now()
	model := models.Conversation{
		Type:              string(req.Type),
		IsGroup:           req.Type != protocol.ConversationDirect,
		RelatedEntityType: strings.TrimSpace(req.RelatedEntityType),
		RelatedEntityID:   strings.TrimSpace(req.RelatedEntityID),
		Settings:          datatypes.NewJSONType(settings),
		IsActive:          true,
	}
	if model.IsGroup {
		model.Name = strings.TrimSpace(s.sanitizer.Sanitize(req.Name))
		model.Description = strings.TrimSpace(s.sanitizer.Sanitize(req.Description))
	}
	for _, member := range members {
		role := string(protocol.RoleMember)
		if member == userID {
			role = string(protocol.RoleAdmin)
		}
		model.Participants = append(model.Participants, models.ConversationParticipant{
			UserID:   member,
			Role:     role,
			JoinedAt: now,
			IsActive: true,
		})
	}

	if err := s.repo.Create(ctx, &model); err != nil {
		return protocol.Conversation{}, err
	}

	payload := dto.NewConversationPayload(model)
	s.events.ToUsers(members, protocol.EventConversationNew, payload)
	s.logger.Info().Str("conversation_id", model.ID).Str("type", model.Type).Int("participants", len(members)).Msg("conversation created")

	return payload, nil
}

func (s *conversationService) Join(ctx context.Context, userID, conversationID string) (protocol.Conversation, error) {
	conversation, err := s.activeConversation(ctx, userID, conversationID)
	if err != nil {
		return protocol.Conversation{}, err
	}
	return dto.NewConversationPayload(conversation), nil
}

func (s *conversationService) List(ctx context.Context, userID string, includeArchived bool) ([]protocol.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	conversations, err := s.repo.ListForUser(ctx, userID, includeArchived)
	if err != nil {
		return nil, err
	}
	return dto.NewConversationPayloadSlice(conversations), nil
}

// Leave ends the caller's participation. The participant row is kept with leftAt set.
func (s *conversationService) Leave(ctx context.Context, userID, conversationID string) error {
	if err := s.repo.LeaveParticipant(ctx, conversationID, userID, s.now()); err != nil {
		return translateNotFound(err)
	}
	s.logger.Debug().Str("conversation_id", conversationID).Str("user_id", userID).Msg("participant left conversation")
	return nil
}

// Archive closes a conversation to new messages. Group-like conversations require an admin.
func (s *conversationService) Archive(ctx context.Context, userID, conversationID string) (protocol.Conversation, error) {
	conversation, err := s.activeConversation(ctx, userID, conversationID)
	if err != nil {
		return protocol.Conversation{}, err
	}

	participant, _ := conversation.ActiveParticipant(userID)
	if conversation.IsGroup && participant.Role != string(protocol.RoleAdmin) {
		return protocol.Conversation{}, ErrForbidden
	}
	if conversation.IsArchived {
		return dto.NewConversationPayload(conversation), nil
	}

	return s.archive(ctx, conversation)
}

func (s *conversationService) archive(ctx context.Context, conversation models.Conversation) (protocol.Conversation, error) {
	now := s.now()
	if err := s.repo.Archive(ctx, conversation.ID, now); err != nil {
		return protocol.Conversation{}, translateNotFound(err)
	}
	conversation.IsArchived = true
	conversation.ArchivedAt = &now

	archived := true
	s.events.ToUsers(activeParticipantIDs(conversation), protocol.EventConversationUpdated, protocol.ConversationUpdatedEvent{
		ConversationID:     conversation.ID,
		LastMessageID:      conversation.LastMessageID,
		LastMessageAt:      conversation.LastMessageAt,
		LastMessagePreview: conversation.LastMessagePreview,
		IsArchived:         &archived,
	})

	return dto.NewConversationPayload(conversation), nil
}

// ArchiveInactive archives conversations idle for longer than their archiveAfterDays setting.
func (s *conversationService) ArchiveInactive(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.repo.ListArchivable(ctx, now)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, conversation := range candidates {
		if !idleLongEnough(conversation, now) {
			continue
		}
		full, err := s.repo.FindByID(ctx, conversation.ID)
		if err != nil {
			return archived, translateNotFound(err)
		}
		if _, err := s.archive(ctx, full); err != nil {
			return archived, err
		}
		archived++
		observability.ConversationsArchived().Inc()
	}
	return archived, nil
}

func (s *conversationService) RunArchiver(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.ArchiveInactive(ctx, s.now())
			if err != nil {
				s.logger.Warn().Err(err).Msg("auto archive pass failed")
				continue
			}
			if count > 0 {
				s.logger.Info().Int("archived", count).Msg("auto archived idle conversations")
			}
		}
	}
}

func (s *conversationService) activeConversation(ctx context.Context, userID, conversationID string) (models.Conversation, error) {
	conversation, err := s.repo.FindByID(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, translateNotFound(err)
	}
	if _, ok := conversation.ActiveParticipant(userID); !ok {
		return models.Conversation{}, ErrForbidden
	}
	return conversation, nil
}

func idleLongEnough(conversation models.Conversation, now time.Time) bool {
	days := conversation.Settings.Data().ArchiveAfterDays
	if days == nil || *days <= 0 {
		return false
	}
	last := conversation.CreatedAt
	if conversation.LastMessageAt != nil {
		last = *conversation.LastMessageAt
	}
	return now.Sub(last) >= time.Duration(*days)*24*time.Hour
}

func uniqueParticipants(creator string, others []string) []string {
	seen := make(map[string]struct{}, len(others)+1)
	out := make([]string, 0, len(others)+1)
	for _, id := range append([]string{creator}, others...) {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func activeParticipantIDs(conversation models.Conversation) []string {
	ids := make([]string, 0, len(conversation.Participants))
	for _, participant := range conversation.Participants {
		if participant.IsActive {
			ids = append(ids, participant.UserID)
		}
	}
	return ids
}
