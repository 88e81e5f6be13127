// Package notify publishes wallet and order events for downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/metrics"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes notifications to a topic keyed by owner id, so one
// owner's events stay ordered within a partition.
type KafkaNotifier struct {
	writer messageWriter
	logger *slog.Logger
}

var _ domain.Notifier = (*KafkaNotifier)(nil)

func NewKafkaNotifier(brokers []string, topic string, logger *slog.Logger) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Completion: func(messages []kafka.Message, err error) {
			if err == nil {
				return
			}
			for _, m := range messages {
				metrics.NotificationsTotal.WithLabelValues(headerValue(m, "kind"), "failed").Inc()
			}
			logger.Warn("Failed to deliver notifications", "count", len(messages), "error", err)
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...), "component", "kafka")
		}),
	}
	return newKafkaNotifier(writer, logger)
}

func newKafkaNotifier(writer messageWriter, logger *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{writer: writer, logger: logger}
}

func (n *KafkaNotifier) Notify(ctx context.Context, note domain.Notification) {
	value, err := json.Marshal(note)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(note.Kind, "failed").Inc()
		n.logger.Error("Failed to encode notification", "kind", note.Kind, "error", err)
		return
	}

	msg := kafka.Message{
		Key:     []byte(note.OwnerID),
		Value:   value,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(note.Kind)}},
		Time:    note.OccurredAt,
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues(note.Kind, "failed").Inc()
		n.logger.Warn("Failed to publish notification", "kind", note.Kind, "owner_id", note.OwnerID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(note.Kind, "published").Inc()
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
