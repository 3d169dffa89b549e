package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/flybasist/linkwatch/internal/dedup"
	"github.com/flybasist/linkwatch/internal/models"
)

// ResourceRepository управляет таблицей resource_records.
// Русский комментарий: Записи не удаляются конвейером — только создаются и меняют статус.
type ResourceRepository struct {
	db *sql.DB
}

// NewResourceRepository создаёт новый инстанс репозитория ресурсов.
func NewResourceRepository(db *sql.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// Create сохраняет новую запись и заполняет ID и CreatedAt.
func (r *ResourceRepository) Create(ctx context.Context, rec *models.ResourceRecord) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode message snapshot: %w", err)
	}
	if rec.SaveStatus == "" {
		rec.SaveStatus = models.SaveStatusPending
	}

	query := `
		INSERT INTO resource_records
			(rule_id, chat_id, message_id, link_type, url, link_hash, save_status, tags, message_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err = r.db.QueryRowContext(ctx, query,
		rec.RuleID, rec.ChatID, rec.MessageID, string(rec.LinkType), rec.URL, rec.LinkHash,
		string(rec.SaveStatus), pq.Array(nonNil(rec.Tags)), snapshot,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create resource record: %w", err)
	}
	return nil
}

// Get читает запись по ID.
func (r *ResourceRepository) Get(ctx context.Context, id int64) (*models.ResourceRecord, error) {
	query := `
		SELECT id, rule_id, chat_id, message_id, link_type, url, link_hash, save_status,
		       save_path, save_time, error_message, retry_count, tags, message_snapshot, created_at
		FROM resource_records
		WHERE id = $1
	`
	var (
		rec      models.ResourceRecord
		linkType string
		status   string
		saveTime sql.NullTime
		tags     []string
		snapshot []byte
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.RuleID, &rec.ChatID, &rec.MessageID, &linkType, &rec.URL, &rec.LinkHash, &status,
		&rec.SavePath, &saveTime, &rec.ErrorMessage, &rec.RetryCount, pq.Array(&tags), &snapshot, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource record: %w", err)
	}

	rec.LinkType = models.LinkType(linkType)
	rec.SaveStatus = models.SaveStatus(status)
	rec.Tags = tags
	if saveTime.Valid {
		t := saveTime.Time
		rec.SaveTime = &t
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode message snapshot: %w", err)
		}
	}
	return &rec, nil
}

// UpdateStatus меняет статус записи и возвращает актуальный retry_count.
// Пустой SavePath и nil SaveTime оставляют прежние значения.
func (r *ResourceRepository) UpdateStatus(ctx context.Context, id int64, u models.StatusUpdate) (int, error) {
	query := `
		UPDATE resource_records SET
			save_status   = $2,
			save_path     = COALESCE(NULLIF($3, ''), save_path),
			save_time     = COALESCE($4, save_time),
			error_message = $5,
			retry_count   = retry_count + CASE WHEN $6 THEN 1 ELSE 0 END
		WHERE id = $1
		RETURNING retry_count
	`
	var saveTime any
	if u.SaveTime != nil {
		saveTime = *u.SaveTime
	}
	var retryCount int
	err := r.db.QueryRowContext(ctx, query, id, string(u.Status), u.SavePath, saveTime, u.ErrorMessage, u.IncrementRetry).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("resource record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update resource record status: %w", err)
	}
	return retryCount, nil
}

// HasRecent — история дедупликации ресурсов: любая запись правила с тем же
// хешем ссылки в окне считается уже захваченной, независимо от статуса сохранения.
// Хеш ссылки передаётся в Lookup.ContentHash.
func (r *ResourceRepository) HasRecent(ctx context.Context, l dedup.Lookup) (bool, error) {
	if l.ContentHash == "" {
		return false, nil
	}
	query := `
		SELECT EXISTS (
			SELECT 1 FROM resource_records
			WHERE rule_id = $1 AND link_hash = $2 AND created_at >= $3
		)
	`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, l.RuleID, l.ContentHash, l.Since).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check recent resource: %w", err)
	}
	return exists, nil
}

// CountByStatus — сводка по статусам сохранения (для логов и отладки).
func (r *ResourceRepository) CountByStatus(ctx context.Context) (map[models.SaveStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT save_status, COUNT(*) FROM resource_records GROUP BY save_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count resource records: %w", err)
	}
	defer rows.Close()

	out := make(map[models.SaveStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan resource count: %w", err)
		}
		out[models.SaveStatus(strings.TrimSpace(status))] = n
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
