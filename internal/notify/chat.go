package notify

import (
	"context"
	"fmt"

	"github.com/flybasist/linkwatch/internal/core"
)

// ChatPublisher отправляет уведомления текстом в служебный чат.
type ChatPublisher struct {
	transport core.Transport
	chatID    int64
}

// NewChatPublisher — chatID обязателен.
func NewChatPublisher(transport core.Transport, chatID int64) (*ChatPublisher, error) {
	if chatID == 0 {
		return nil, fmt.Errorf("notify chat id not set")
	}
	return &ChatPublisher{transport: transport, chatID: chatID}, nil
}

// Publish реализует Publisher.
func (p *ChatPublisher) Publish(ctx context.Context, n Notification) error {
	if !p.transport.IsConnected() {
		return core.ErrNotConnected
	}
	if err := p.transport.SendMessage(ctx, p.chatID, n.Text(), core.SendOptions{DisablePreview: true, Silent: true}); err != nil {
		return fmt.Errorf("failed to send notification to chat %d: %w", p.chatID, err)
	}
	return nil
}

func (p *ChatPublisher) Close() error { return nil }
