package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flybasist/linkwatch/internal/retry"
)

var _ retry.Store = (*RetryTaskRepository)(nil)

// RetryTaskRepository — долговременное хранилище очереди повторов (таблица retry_tasks).
type RetryTaskRepository struct {
	db        *sql.DB
	maxFailed int
}

// NewRetryTaskRepository создаёт репозиторий. maxFailed ограничивает число
// исчерпанных задач, поднимаемых при старте (самые свежие).
func NewRetryTaskRepository(db *sql.DB, maxFailed int) *RetryTaskRepository {
	if maxFailed <= 0 {
		maxFailed = retry.DefaultMaxFailedKept
	}
	return &RetryTaskRepository{db: db, maxFailed: maxFailed}
}

// LoadPending возвращает незавершённые задачи и последние исчерпанные.
// Исчерпанные идут в порядке updated_at, чтобы очередь вытесняла самые старые.
func (r *RetryTaskRepository) LoadPending(ctx context.Context) ([]retry.Task, error) {
	query := `
		(SELECT id, task_type, payload, attempt, max_retries, strategy, base_delay, max_delay,
		        next_run_at, last_error, state, created_at, updated_at
		 FROM retry_tasks
		 WHERE state IN ('pending', 'running'))
		UNION ALL
		(SELECT * FROM (
		    SELECT id, task_type, payload, attempt, max_retries, strategy, base_delay, max_delay,
		           next_run_at, last_error, state, created_at, updated_at
		    FROM retry_tasks
		    WHERE state = 'failed'
		    ORDER BY updated_at DESC
		    LIMIT $1
		 ) recent ORDER BY updated_at ASC)
	`
	rows, err := r.db.QueryContext(ctx, query, r.maxFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to load retry tasks: %w", err)
	}
	defer rows.Close()

	var tasks []retry.Task
	for rows.Next() {
		var (
			t                  retry.Task
			payload            []byte
			strategy, state    string
			baseDelay, maxWait int64
		)
		if err := rows.Scan(&t.ID, &t.Type, &payload, &t.Attempt, &t.MaxRetries, &strategy, &baseDelay, &maxWait,
			&t.NextRunAt, &t.LastError, &state, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan retry task: %w", err)
		}
		t.Payload = payload
		t.Strategy = retry.Strategy(strategy)
		t.State = retry.State(state)
		t.BaseDelay = time.Duration(baseDelay)
		t.MaxDelay = time.Duration(maxWait)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating retry tasks: %w", err)
	}
	return tasks, nil
}

// Save — upsert задачи по ID. Задержки хранятся в наносекундах.
func (r *RetryTaskRepository) Save(ctx context.Context, t retry.Task) error {
	payload := []byte(t.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := t.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO retry_tasks
			(id, task_type, payload, attempt, max_retries, strategy, base_delay, max_delay,
			 next_run_at, last_error, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			task_type   = EXCLUDED.task_type,
			payload     = EXCLUDED.payload,
			attempt     = EXCLUDED.attempt,
			max_retries = EXCLUDED.max_retries,
			strategy    = EXCLUDED.strategy,
			base_delay  = EXCLUDED.base_delay,
			max_delay   = EXCLUDED.max_delay,
			next_run_at = EXCLUDED.next_run_at,
			last_error  = EXCLUDED.last_error,
			state       = EXCLUDED.state,
			updated_at  = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Type, payload, t.Attempt, t.MaxRetries, string(t.Strategy), int64(t.BaseDelay), int64(t.MaxDelay),
		t.NextRunAt, t.LastError, string(t.State), createdAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save retry task %s: %w", t.ID, err)
	}
	return nil
}

// Delete удаляет задачу. Отсутствующая задача — не ошибка.
func (r *RetryTaskRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM retry_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete retry task %s: %w", id, err)
	}
	return nil
}

// PurgeFailed удаляет исчерпанные задачи старше olderThan. Возвращает число удалённых.
func (r *RetryTaskRepository) PurgeFailed(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM retry_tasks WHERE state = 'failed' AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge failed retry tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
