package models

import "time"

// SaveStatus — жизненный цикл сохранения ресурса.
// pending → saving → success | failed
type SaveStatus string

const (
	SaveStatusPending SaveStatus = "pending"
	SaveStatusSaving  SaveStatus = "saving"
	SaveStatusSuccess SaveStatus = "success"
	SaveStatusFailed  SaveStatus = "failed"
)

// MessageSnapshot — денормализованная копия исходного сообщения для аудита и replay.
type MessageSnapshot struct {
	ChatID    int64     `json:"chat_id"`
	MessageID int       `json:"message_id"`
	SenderID  int64     `json:"sender_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Text      string    `json:"text"`
	MediaKind string    `json:"media_kind,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// ResourceRecord — одна найденная ссылка.
// Русский комментарий: Запись создаётся при первом (не дубликатном) появлении ссылки
// и дальше только обновляется по ходу сохранения; конвейер её никогда не удаляет.
type ResourceRecord struct {
	ID           int64
	RuleID       int64
	ChatID       int64
	MessageID    int
	LinkType     LinkType
	URL          string
	LinkHash     string
	SaveStatus   SaveStatus
	SavePath     string
	SaveTime     *time.Time
	ErrorMessage string
	RetryCount   int
	Tags         []string
	Snapshot     MessageSnapshot
	CreatedAt    time.Time
}

// StatusUpdate — изменение состояния записи ресурса.
type StatusUpdate struct {
	Status         SaveStatus
	SavePath       string
	SaveTime       *time.Time
	ErrorMessage   string
	IncrementRetry bool
}

// MediaDownload — результат загрузки медиа из сообщения.
type MediaDownload struct {
	ID          int64
	RuleID      int64
	ChatID      int64
	MessageID   int
	MediaKind   string
	MediaHash   string
	ContentHash string
	FilePath    string
	Status      SaveStatus
	Error       string
	CreatedAt   time.Time
}

// MessageLog — итог обработки сообщения одним процессором.
// Пишется только через batch writer.
type MessageLog struct {
	ChatID      int64
	MessageID   int
	RuleID      int64
	Processor   string
	Status      string
	ContentHash string
	Detail      string
	CreatedAt   time.Time
}

// Статусы MessageLog.
const (
	LogStatusSuccess  = "success"
	LogStatusFailed   = "failed"
	LogStatusSkipped  = "skipped"
	LogStatusDup      = "duplicate"
	LogStatusCaptured = "captured"
)

// EventLog — запись аудита в event_log.
type EventLog struct {
	ChatID    int64
	UserID    int64
	Module    string
	EventType string
	Details   string
	CreatedAt time.Time
}
