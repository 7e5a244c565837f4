package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

const NotificationsTopic = "cart-notifications"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications keyed by user id so one shopper's
// messages stay ordered.
type KafkaNotifier struct {
	writer messageWriter
	log    *slog.Logger
}

func NewKafkaNotifier(log *slog.Logger, brokers ...string) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  NotificationsTopic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error("failed to publish notifications", "count", len(messages), "error", err)
			}
		},
	}
	return &KafkaNotifier{writer: w, log: log}
}

func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		k.log.ErrorContext(ctx, "failed to marshal notification", "kind", string(n.Kind), "error", err)
		return
	}

	key := n.UserID
	if key == "" {
		key = "guest"
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(n.Kind)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.log.ErrorContext(ctx, "failed to publish notification", "notification_id", n.ID.String(), "error", err)
	}
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
