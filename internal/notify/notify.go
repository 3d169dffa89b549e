// Package notify — доставка уведомлений о срабатывании правил.
// Русский комментарий: Процессоры публикуют Notification через Publisher. Бэкенд
// выбирается конфигурацией: Kafka, RabbitMQ, сообщение в служебный чат или ничего.
// Ошибка доставки логируется вызывающей стороной и никогда не валит процессор.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Типы уведомлений.
const (
	KindResourceCaptured   = "resource_captured"
	KindResourceSaved      = "resource_saved"
	KindResourceSaveFailed = "resource_save_failed"
	KindForwardFailed      = "forward_failed"
	KindMediaDownloaded    = "media_downloaded"
	KindMediaFailed        = "media_download_failed"
)

// Notification — событие для внешнего получателя.
type Notification struct {
	Kind      string    `json:"kind"`
	RuleID    int64     `json:"rule_id"`
	RuleName  string    `json:"rule_name"`
	ChatID    int64     `json:"chat_id"`
	MessageID int       `json:"message_id"`
	LinkType  string    `json:"link_type,omitempty"`
	URL       string    `json:"url,omitempty"`
	Path      string    `json:"path,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	At        time.Time `json:"at"`
}

// Key — ключ партиционирования: уведомления одного правила идут по порядку.
func (n Notification) Key() string {
	return fmt.Sprintf("rule-%d", n.RuleID)
}

// Encode сериализует уведомление в JSON.
func (n Notification) Encode() ([]byte, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification: %w", err)
	}
	return raw, nil
}

// Text — человекочитаемое представление для чата.
func (n Notification) Text() string {
	var b strings.Builder
	switch n.Kind {
	case KindResourceCaptured:
		b.WriteString("🔗 New resource")
	case KindResourceSaved:
		b.WriteString("✅ Resource saved")
	case KindResourceSaveFailed:
		b.WriteString("❌ Resource save failed")
	case KindForwardFailed:
		b.WriteString("❌ Forward failed")
	case KindMediaDownloaded:
		b.WriteString("📥 Media downloaded")
	case KindMediaFailed:
		b.WriteString("❌ Media download failed")
	default:
		b.WriteString(n.Kind)
	}
	fmt.Fprintf(&b, " [%s]\nchat: %d, message: %d", n.RuleName, n.ChatID, n.MessageID)
	if n.LinkType != "" {
		fmt.Fprintf(&b, "\n%s: %s", n.LinkType, n.URL)
	}
	if n.Path != "" {
		fmt.Fprintf(&b, "\npath: %s", n.Path)
	}
	if n.Detail != "" {
		fmt.Fprintf(&b, "\n%s", n.Detail)
	}
	if len(n.Tags) > 0 {
		b.WriteString("\n#" + strings.Join(n.Tags, " #"))
	}
	return b.String()
}

// Publisher доставляет уведомления.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// Nop — публикатор, который ничего не делает.
type Nop struct{}

func (Nop) Publish(context.Context, Notification) error { return nil }
func (Nop) Close() error { return nil }

// Safe публикует и логирует ошибку вместо возврата.
func Safe(ctx context.Context, p Publisher, n Notification, logger *zap.Logger) {
	if p == nil {
		return
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}
	if err := p.Publish(ctx, n); err != nil {
		logger.Warn("notification failed",
			zap.String("kind", n.Kind),
			zap.Int64("rule_id", n.RuleID),
			zap.Int64("chat_id", n.ChatID),
			zap.Error(err),
		)
	}
}
