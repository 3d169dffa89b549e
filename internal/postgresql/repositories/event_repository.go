package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flybasist/linkwatch/internal/models"
)

var eventLogColumns = []string{"chat_id", "user_id", "module_name", "event_type", "details", "created_at"}

// EventRepository управляет записью событий в таблицу event_log.
// Русский комментарий: Репозиторий для audit trail — действия процессоров (ресурс захвачен,
// сохранение провалилось, медиа скачано) логируются здесь. Обычно события идут пачками
// через batch.Writer, Log — для редких одиночных записей.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository создаёт новый инстанс репозитория событий.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Log записывает одно событие в event_log.
func (r *EventRepository) Log(ctx context.Context, e models.EventLog) error {
	return r.WriteBatch(ctx, []models.EventLog{e})
}

// WriteBatch вставляет пачку событий одним запросом.
func (r *EventRepository) WriteBatch(ctx context.Context, events []models.EventLog) error {
	limit := maxBulkRows(len(eventLogColumns))
	for start := 0; start < len(events); start += limit {
		end := min(start+limit, len(events))
		chunk := events[start:end]

		args := make([]any, 0, len(chunk)*len(eventLogColumns))
		now := time.Now()
		for _, e := range chunk {
			createdAt := e.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			args = append(args, e.ChatID, e.UserID, e.Module, e.EventType, e.Details, createdAt)
		}
		if _, err := r.db.ExecContext(ctx, bulkInsert("event_log", eventLogColumns, len(chunk)), args...); err != nil {
			return fmt.Errorf("failed to log events: %w", err)
		}
	}
	return nil
}

// Recent возвращает последние события чата.
func (r *EventRepository) Recent(ctx context.Context, chatID int64, limit int) ([]models.EventLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT chat_id, user_id, module_name, event_type, details, created_at
		FROM event_log
		WHERE chat_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.EventLog
	for rows.Next() {
		var e models.EventLog
		if err := rows.Scan(&e.ChatID, &e.UserID, &e.Module, &e.EventType, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
