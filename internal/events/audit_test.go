package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	messages []kafkago.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.messages = append(w.messages, msgs...)
	return w.err
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkKeysByConversation(t *testing.T) {
	writer := &recordingWriter{}
	sink := &KafkaSink{writer: writer, logger: zerolog.Nop()}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sink.Record(context.Background(), AuditEvent{Action: ActionMessageSent, MessageID: "m1", ConversationID: "c1", ActorID: "u1", Seq: 3, At: at})

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	require.Equal(t, "c1", string(msg.Key))
	require.Equal(t, at, msg.Time)
	require.Equal(t, "action", msg.Headers[0].Key)

	var decoded AuditEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	require.Equal(t, int64(3), decoded.Seq)

	require.NoError(t, sink.Close())
	require.True(t, writer.closed)
}

func TestKafkaSinkSwallowsWriteErrors(t *testing.T) {
	writer := &recordingWriter{err: errors.New("broker down")}
	sink := &KafkaSink{writer: writer, logger: zerolog.Nop()}

	require.NotPanics(t, func() {
		sink.Record(context.Background(), AuditEvent{Action: ActionMessageDeleted, ConversationID: "c1"})
	})
	require.False(t, writer.messages[0].Time.IsZero())
}

func TestNewSinkWithoutBrokersIsNop(t *testing.T) {
	sink := NewSink(nil, "topic", zerolog.Nop())
	require.IsType(t, NopSink{}, sink)
	require.NoError(t, sink.Close())
}
