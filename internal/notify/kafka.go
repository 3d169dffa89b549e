package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter — часть *kafka.Writer, которой пользуется публикатор.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher пишет уведомления в топик Kafka.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher создаёт writer для brokers (через запятую) и topic.
func NewKafkaPublisher(brokers, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	addrs := splitBrokers(brokers)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafka brokers not set")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka notify topic not set")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	logger.Info("kafka notifier initialized", zap.Strings("brokers", addrs), zap.String("topic", topic))
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}, nil
}

// Publish реализует Publisher. Ключ сообщения — Notification.Key().
func (p *KafkaPublisher) Publish(ctx context.Context, n Notification) error {
	raw, err := n.Encode()
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.Key()),
		Value: raw,
		Time:  n.At,
	}); err != nil {
		return fmt.Errorf("failed to write to kafka topic %s: %w", p.topic, err)
	}
	p.logger.Debug("notification written to kafka", zap.String("kind", n.Kind), zap.String("key", n.Key()))
	return nil
}

// Close закрывает writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}

func splitBrokers(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
