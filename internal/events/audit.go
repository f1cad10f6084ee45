// Package events streams message lifecycle records to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

// Message lifecycle actions recorded in the audit stream.
const (
	ActionMessageSent    = "message.sent"
	ActionMessageEdited  = "message.edited"
	ActionMessageDeleted = "message.deleted"
)

// AuditEvent is one record in the message audit stream.
type AuditEvent struct {
	Action         string    `json:"action"`
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ActorID        string    `json:"actorId"`
	Seq            int64     `json:"seq,omitempty"`
	MessageType    string    `json:"messageType,omitempty"`
	At             time.Time `json:"at"`
}

// AuditSink receives message lifecycle records. Record never blocks the caller on delivery.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
	Close() error
}

// NopSink drops every record.
type NopSink struct{}

func (NopSink) Record(context.Context, AuditEvent) {}
func (NopSink) Close() error                       { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSink publishes audit records keyed by conversation so a conversation's records stay ordered.
type KafkaSink struct {
	writer messageWriter
	logger zerolog.Logger
}

// NewKafkaSink builds an asynchronous Kafka writer for topic.
func NewKafkaSink(brokers []string, topic string, logger zerolog.Logger) *KafkaSink {
	sinkLogger := logger.With().Str("component", "audit_sink").Logger()
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafkago.Message, err error) {
			if err != nil {
				sinkLogger.Warn().Err(err).Int("messages", len(messages)).Msg("audit batch not delivered")
			}
		},
	}
	return &KafkaSink{writer: writer, logger: sinkLogger}
}

// NewSink returns a Kafka sink when brokers are configured and a no-op sink otherwise.
func NewSink(brokers []string, topic string, logger zerolog.Logger) AuditSink {
	if len(brokers) == 0 || topic == "" {
		return NopSink{}
	}
	return NewKafkaSink(brokers, topic, logger)
}

func (s *KafkaSink) Record(ctx context.Context, event AuditEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode audit event")
		return
	}
	msg := kafkago.Message{
		Key:   []byte(event.ConversationID),
		Value: value,
		Time:  event.At,
		Headers: []kafkago.Header{
			{Key: "action", Value: []byte(event.Action)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("action", event.Action).Msg("audit write failed")
	}
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
