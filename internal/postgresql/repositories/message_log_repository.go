package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flybasist/linkwatch/internal/dedup"
	"github.com/flybasist/linkwatch/internal/models"
)

var messageLogColumns = []string{
	"chat_id", "message_id", "rule_id", "processor", "status", "content_hash", "detail", "created_at",
}

// MessageLogRepository пишет итоги обработки сообщений в message_logs.
type MessageLogRepository struct {
	db *sql.DB
}

// NewMessageLogRepository создаёт новый инстанс репозитория логов обработки.
func NewMessageLogRepository(db *sql.DB) *MessageLogRepository {
	return &MessageLogRepository{db: db}
}

// WriteBatch вставляет пачку логов. Пустой CreatedAt заменяется текущим временем,
// чтобы строка попала в партицию по времени события, а не вставки.
func (r *MessageLogRepository) WriteBatch(ctx context.Context, logs []models.MessageLog) error {
	limit := maxBulkRows(len(messageLogColumns))
	for start := 0; start < len(logs); start += limit {
		end := min(start+limit, len(logs))
		chunk := logs[start:end]

		args := make([]any, 0, len(chunk)*len(messageLogColumns))
		now := time.Now()
		for _, l := range chunk {
			createdAt := l.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			args = append(args, l.ChatID, l.MessageID, l.RuleID, l.Processor, l.Status, l.ContentHash, l.Detail, createdAt)
		}
		if _, err := r.db.ExecContext(ctx, bulkInsert("message_logs", messageLogColumns, len(chunk)), args...); err != nil {
			return fmt.Errorf("failed to write message logs: %w", err)
		}
	}
	return nil
}

// HasSuccessfulEffect — история дедупликации пересылки: успешная обработка
// тем же процессором и правилом с тем же хешем контента в окне.
func (r *MessageLogRepository) HasSuccessfulEffect(ctx context.Context, processor string, l dedup.Lookup) (bool, error) {
	if l.ContentHash == "" {
		return false, nil
	}
	query := `
		SELECT EXISTS (
			SELECT 1 FROM message_logs
			WHERE rule_id = $1
			  AND processor = $2
			  AND status = 'success'
			  AND content_hash = $3
			  AND created_at >= $4
		)
	`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, l.RuleID, processor, l.ContentHash, l.Since).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check message log history: %w", err)
	}
	return exists, nil
}

// History адаптирует HasSuccessfulEffect к dedup.History для процессора.
func (r *MessageLogRepository) History(processor string) dedup.History {
	return dedup.HistoryFunc(func(ctx context.Context, l dedup.Lookup) (bool, error) {
		return r.HasSuccessfulEffect(ctx, processor, l)
	})
}

// CountByStatus считает логи процессора по статусам с момента since.
func (r *MessageLogRepository) CountByStatus(ctx context.Context, processor string, since time.Time) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM message_logs
		WHERE processor = $1 AND created_at >= $2
		GROUP BY status
	`, processor, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count message logs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan message log count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
