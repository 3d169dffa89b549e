package core

import (
	"context"
	"time"

	"github.com/flybasist/linkwatch/internal/models"
)

// Message — входящее сообщение в транспорт-независимом виде.
// Русский комментарий: Создаётся транспортом на каждое событие и внутри конвейера
// не изменяется. Raw хранит исходный объект транспорта (например *tele.Message),
// чтобы транспорт мог скачать медиа без повторного запроса.
type Message struct {
	ID        int
	ChatID    int64
	ChatTitle string
	Text      string
	Sender    *Sender
	Media     *Media
	Timestamp time.Time
	Raw       any
}

// Sender — автор сообщения (может отсутствовать, например у постов канала).
type Sender struct {
	ID       int64
	Username string
	IsBot    bool
}

// Media — вложение сообщения.
type Media struct {
	Kind         string // photo, video, document, audio, voice, animation, video_note, sticker
	FileID       string
	FileUniqueID string
	FileName     string
	Size         int64
}

// SenderID возвращает ID отправителя или 0.
func (m *Message) SenderID() int64 {
	if m.Sender == nil {
		return 0
	}
	return m.Sender.ID
}

// MediaKind возвращает тип вложения или пустую строку.
func (m *Message) MediaKind() string {
	if m.Media == nil {
		return ""
	}
	return m.Media.Kind
}

// Snapshot — денормализованная копия для аудита.
func (m *Message) Snapshot() models.MessageSnapshot {
	s := models.MessageSnapshot{
		ChatID:    m.ChatID,
		MessageID: m.ID,
		Text:      m.Text,
		MediaKind: m.MediaKind(),
		SentAt:    m.Timestamp,
	}
	if m.Sender != nil {
		s.SenderID = m.Sender.ID
		s.Username = m.Sender.Username
	}
	return s
}

// SendOptions — параметры отправки.
type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
	ReplyTo        int
}

// Transport — узкий интерфейс клиента мессенджера.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) error
	// DownloadMedia сохраняет вложение в каталог destDir и возвращает путь к файлу.
	DownloadMedia(ctx context.Context, msg *Message, destDir string) (string, error)
	IsConnected() bool
}
