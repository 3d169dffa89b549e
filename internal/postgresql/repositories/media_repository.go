package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flybasist/linkwatch/internal/dedup"
	"github.com/flybasist/linkwatch/internal/models"
)

// MediaRepository управляет таблицей media_downloads.
type MediaRepository struct {
	db *sql.DB
}

// NewMediaRepository создаёт новый инстанс репозитория загрузок медиа.
func NewMediaRepository(db *sql.DB) *MediaRepository {
	return &MediaRepository{db: db}
}

// Create сохраняет результат загрузки.
func (r *MediaRepository) Create(ctx context.Context, d *models.MediaDownload) error {
	query := `
		INSERT INTO media_downloads
			(rule_id, chat_id, message_id, media_kind, media_hash, content_hash, file_path, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		d.RuleID, d.ChatID, d.MessageID, d.MediaKind, d.MediaHash, d.ContentHash, d.FilePath, string(d.Status), d.Error,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create media download: %w", err)
	}
	return nil
}

// HasSuccessful — история дедупликации медиа: успешная загрузка правила в окне
// с тем же хешем медиа или контента. Пустой хеш не сравнивается.
func (r *MediaRepository) HasSuccessful(ctx context.Context, l dedup.Lookup) (bool, error) {
	if l.ContentHash == "" && l.MediaHash == "" {
		return false, nil
	}
	query := `
		SELECT EXISTS (
			SELECT 1 FROM media_downloads
			WHERE rule_id = $1
			  AND status = 'success'
			  AND created_at >= $2
			  AND (($3 <> '' AND media_hash = $3) OR ($4 <> '' AND content_hash = $4))
		)
	`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, l.RuleID, l.Since, l.MediaHash, l.ContentHash).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check media history: %w", err)
	}
	return exists, nil
}
