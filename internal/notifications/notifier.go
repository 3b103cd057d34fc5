package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"officechat/internal/middleware"
	"officechat/internal/observability"

	"github.com/segmentio/kafka-go"
)

// EventMessageCreated is the event type consumed by the email sender.
const EventMessageCreated = "message_created"

// MessageCreated is published for every persisted user message. Recipients
// lists the members other than the sender who were not in the chat room when
// the message was stored, so the email sender can decide whom to notify.
type MessageCreated struct {
	Type       string    `json:"type"`
	ChatID     uint      `json:"chatId"`
	ChatName   string    `json:"chatName"`
	ChatType   string    `json:"chatType"`
	MessageID  uint      `json:"messageId"`
	SenderID   uint      `json:"senderId"`
	SenderName string    `json:"senderName"`
	Preview    string    `json:"preview"`
	Recipients []uint    `json:"recipients"`
	CreatedAt  time.Time `json:"createdAt"`
}

// messageWriter is the part of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier publishes chat events to Kafka for out-of-band consumers. Without
// brokers it is a no-op.
type Notifier struct {
	w     messageWriter
	topic string
}

// NewNotifier creates an async Kafka writer for topic. An empty broker list
// returns a disabled notifier.
func NewNotifier(brokers []string, topic string) *Notifier {
	if len(brokers) == 0 || topic == "" {
		return &Notifier{topic: topic}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				observability.EventPublishFailures.WithLabelValues(EventMessageCreated).Add(float64(len(messages)))
				middleware.Logger.Warn("kafka async publish failed",
					slog.String("topic", topic),
					slog.Int("messages", len(messages)),
					slog.String("error", err.Error()),
				)
			}
		},
	}
	return &Notifier{w: w, topic: topic}
}

// Enabled reports whether events leave the process.
func (n *Notifier) Enabled() bool {
	return n != nil && n.w != nil
}

// PublishMessageCreated publishes evt keyed by chat id so one chat's events
// stay ordered within a partition. Failures are counted and logged.
func (n *Notifier) PublishMessageCreated(ctx context.Context, evt MessageCreated) error {
	if !n.Enabled() {
		return nil
	}
	evt.Type = EventMessageCreated

	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", EventMessageCreated, err)
	}

	err = n.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(evt.ChatID), 10)),
		Value: value,
		Time:  evt.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(EventMessageCreated)},
		},
	})
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(EventMessageCreated).Inc()
		middleware.Logger.WarnContext(ctx, "failed to publish event",
			slog.String("event", EventMessageCreated),
			slog.String("topic", n.topic),
			slog.Uint64("chat_id", uint64(evt.ChatID)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("publish %s: %w", EventMessageCreated, err)
	}
	return nil
}

// Close flushes pending async writes.
func (n *Notifier) Close() error {
	if !n.Enabled() {
		return nil
	}
	return n.w.Close()
}
