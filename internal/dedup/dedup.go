// Package dedup — контентно-адресуемая дедупликация.
// Русский комментарий: Дубликат определяется по хешу нормализованного текста или медиа,
// а не по идентификатору сообщения. Окно дедупликации считается по настенным часам.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Lookup — запрос к истории успешных эффектов.
// Пустой хеш означает «по этому признаку не сравнивать».
type Lookup struct {
	RuleID      int64
	ContentHash string
	MediaHash   string
	Since       time.Time
}

// History ищет предыдущий успешный эффект правила.
type History interface {
	HasPriorEffect(ctx context.Context, l Lookup) (bool, error)
}

// HistoryFunc позволяет использовать метод репозитория как History.
type HistoryFunc func(ctx context.Context, l Lookup) (bool, error)

// HasPriorEffect реализует History.
func (f HistoryFunc) HasPriorEffect(ctx context.Context, l Lookup) (bool, error) {
	return f(ctx, l)
}

// Query — параметры проверки на дубликат.
type Query struct {
	RuleID       int64
	ContentHash  string
	MediaHash    string
	Window       time.Duration
	CheckContent bool
	CheckMedia   bool
}

// Deduplicator проверяет сообщения по истории одного вида эффектов.
type Deduplicator struct {
	history History
	logger  *zap.Logger
	now     func() time.Time
}

// New создаёт дедупликатор поверх истории эффектов.
func New(history History, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{history: history, logger: logger, now: time.Now}
}

// IsDuplicate возвращает true, если для правила в окне [now-window, now] уже есть
// успешный эффект с тем же хешем контента или медиа (по включённым проверкам).
// Ошибка истории не блокирует конвейер: логируем и считаем «не дубликат».
func (d *Deduplicator) IsDuplicate(ctx context.Context, q Query) bool {
	l := Lookup{RuleID: q.RuleID}
	if q.CheckContent {
		l.ContentHash = q.ContentHash
	}
	if q.CheckMedia {
		l.MediaHash = q.MediaHash
	}
	if l.ContentHash == "" && l.MediaHash == "" {
		return false
	}
	l.Since = d.now().Add(-q.Window)

	dup, err := d.history.HasPriorEffect(ctx, l)
	if err != nil {
		d.logger.Warn("dedup lookup failed, treating as not duplicate",
			zap.Int64("rule_id", q.RuleID),
			zap.String("content_hash", l.ContentHash),
			zap.String("media_hash", l.MediaHash),
			zap.Error(err),
		)
		return false
	}
	return dup
}

// ContentHash нормализует текст (trim, единые переводы строк) и возвращает sha256 в hex.
// Пустой текст даёт пустую строку: сравнивать нечего.
func ContentHash(text string) string {
	norm := strings.ReplaceAll(text, "\r\n", "\n")
	norm = strings.ReplaceAll(norm, "\r", "\n")
	norm = strings.TrimSpace(norm)
	if norm == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// MediaHash — хеш композита "{type}:{id}". Пустой id даёт пустую строку.
func MediaHash(mediaID, mediaType string) string {
	if mediaID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(mediaType + ":" + mediaID))
	return hex.EncodeToString(sum[:])
}
