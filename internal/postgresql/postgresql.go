package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Русский комментарий: этот пакет инкапсулирует подключение к PostgreSQL.
// Схема создаётся пакетом migrations, запросы живут в repositories.

// Параметры пула соединений.
const (
	maxOpenConns    = 20
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
)

// ConnectToBase — подключение к базе по DSN.
func ConnectToBase(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// PingWithRetry пингует базу с ретраями.
// Русский комментарий: Используется при старте — PostgreSQL в docker-compose часто
// поднимается позже сервиса.
func PingWithRetry(ctx context.Context, db *sql.DB, maxRetries int, delay time.Duration, logger *zap.Logger) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = db.PingContext(ctx)
		if lastErr == nil {
			logger.Info("postgres connection established", zap.Int("attempt", i+1))
			return nil
		}

		logger.Warn("failed to ping postgres, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_retries", maxRetries),
			zap.Error(lastErr),
		)

		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("failed to ping postgres after %d retries: %w", maxRetries, lastErr)
}
