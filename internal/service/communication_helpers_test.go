package service

import (
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/rally-go-api/internal/models"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func setupCommunicationDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
		&models.MessageReaction{},
		&models.MessageRead{},
		&models.Notification{},
		&models.NotificationPreference{},
		&models.UploadRecord{},
	))
	return db
}

type broadcastRecord struct {
	scope   string
	target  []string
	event   string
	payload any
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	records []broadcastRecord
}

func (r *recordingBroadcaster) ToConversation(conversationID, event string, payload any) {
	r.add(broadcastRecord{scope: "conversation", target: []string{conversationID}, event: event, payload: payload})
}

func (r *recordingBroadcaster) ToUsers(userIDs []string, event string, payload any) {
	r.add(broadcastRecord{scope: "users", target: append([]string(nil), userIDs...), event: event, payload: payload})
}

func (r *recordingBroadcaster) ToAll(event string, payload any) {
	r.add(broadcastRecord{scope: "all", event: event, payload: payload})
}

func (r *recordingBroadcaster) add(record broadcastRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func (r *recordingBroadcaster) events(name string) []broadcastRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcastRecord
	for _, record := range r.records {
		if record.event == name {
			out = append(out, record)
		}
	}
	return out
}

func (r *recordingBroadcaster) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}

func newValidator() *validator.Validate {
	return validator.New()
}
