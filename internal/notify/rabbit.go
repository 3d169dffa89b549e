package notify

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// amqpChannel — часть *amqp.Channel, которой пользуется публикатор.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher публикует уведомления в durable-очередь RabbitMQ.
// Русский комментарий: Соединение держится открытым; при ошибке публикации
// канал переоткрывается один раз. amqp.Channel не потокобезопасен для Publish,
// поэтому вызовы сериализуются мьютексом.
type RabbitPublisher struct {
	mu     sync.Mutex
	url    string
	queue  string
	conn   *amqp.Connection
	ch     amqpChannel
	dial   func() (amqpChannel, error)
	logger *zap.Logger
}

// NewRabbitPublisher подключается к url и объявляет очередь queue.
func NewRabbitPublisher(url, queue string, logger *zap.Logger) (*RabbitPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("rabbit url not set")
	}
	if queue == "" {
		queue = "linkwatch_notifications"
	}
	p := &RabbitPublisher{url: url, queue: queue, logger: logger}
	p.dial = p.connect

	ch, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	logger.Info("rabbitmq notifier initialized", zap.String("queue", queue))
	return p, nil
}

func (p *RabbitPublisher) connect() (amqpChannel, error) {
	if p.conn != nil && !p.conn.IsClosed() {
		_ = p.conn.Close()
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("error connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("error open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		p.queue, // имя
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("fail created queue %s: %w", p.queue, err)
	}
	p.conn = conn
	return ch, nil
}

// Publish реализует Publisher.
func (p *RabbitPublisher) Publish(ctx context.Context, n Notification) error {
	raw, err := n.Encode()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.Key(),
		Type:         n.Kind,
		Timestamp:    n.At,
		Body:         raw,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		if err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err == nil {
			return nil
		}
		p.logger.Warn("rabbitmq publish failed, reconnecting", zap.Error(err))
		_ = p.ch.Close()
		p.ch = nil
	}

	ch, derr := p.dial()
	if derr != nil {
		return fmt.Errorf("publish error: %w", derr)
	}
	p.ch = ch
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish error: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.ch != nil {
		err = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		p.conn = nil
	}
	return err
}
