package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// PartitionedTables — таблицы, партиционированные по месяцам created_at.
var PartitionedTables = []string{"message_logs", "event_log"}

// monthsAhead — сколько месяцев вперёд (включая текущий) держим партиции.
const monthsAhead = 3

// RetryPurger удаляет исчерпанные задачи повторов.
type RetryPurger interface {
	PurgeFailed(ctx context.Context, olderThan time.Time) (int64, error)
}

// MaintenanceModule обслуживает автоматическую ротацию данных в PostgreSQL.
// Русский комментарий: Создаёт партиции на будущие месяцы, удаляет старые партиции
// и исчерпанные задачи повторов. Работает в фоне по расписанию cron.
type MaintenanceModule struct {
	db              *sql.DB
	logger          *zap.Logger
	cron            *cron.Cron
	schedule        string
	retentionMonths int // Количество месяцев для хранения данных
	purger          RetryPurger
	now             func() time.Time
}

// New создаёт новый инстанс модуля обслуживания. purger может быть nil.
func New(db *sql.DB, logger *zap.Logger, schedule string, retentionMonths int, purger RetryPurger) *MaintenanceModule {
	if schedule == "" {
		schedule = "0 3 * * *"
	}
	if retentionMonths <= 0 {
		retentionMonths = 6
	}
	m := &MaintenanceModule{
		db:              db,
		logger:          logger,
		cron:            cron.New(),
		schedule:        schedule,
		retentionMonths: retentionMonths,
		purger:          purger,
		now:             time.Now,
	}

	logger.Info("maintenance module created",
		zap.String("schedule", schedule),
		zap.Int("retention_months", retentionMonths),
	)
	return m
}

// Start создаёт партиции синхронно и регистрирует cron-задачу обслуживания.
// Русский комментарий: Партиций по умолчанию нет, поэтому ошибка начального
// создания фатальна — без партиции текущего месяца запись логов невозможна.
func (m *MaintenanceModule) Start(ctx context.Context) error {
	m.logger.Info("starting maintenance module")

	if err := m.ensurePartitions(ctx); err != nil {
		return fmt.Errorf("initial partition creation failed: %w", err)
	}

	_, err := m.cron.AddFunc(m.schedule, func() {
		m.RunOnce(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance (%q): %w", m.schedule, err)
	}

	m.cron.Start()
	m.logger.Info("maintenance scheduler started successfully")
	return nil
}

// RunOnce выполняет полный цикл обслуживания: партиции вперёд, затем очистка.
func (m *MaintenanceModule) RunOnce(ctx context.Context) {
	m.logger.Info("running maintenance task")
	if err := m.ensurePartitions(ctx); err != nil {
		m.logger.Error("failed to create partitions", zap.Error(err))
	}
	if err := m.cleanupOldData(ctx); err != nil {
		m.logger.Error("failed to cleanup old data", zap.Error(err))
	}
}

// Shutdown выполняет graceful shutdown модуля.
func (m *MaintenanceModule) Shutdown() error {
	m.logger.Info("shutting down maintenance module")
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	m.logger.Info("maintenance scheduler stopped")
	return nil
}

// ensurePartitions создаёт партиции на monthsAhead месяцев вперёд для всех таблиц.
func (m *MaintenanceModule) ensurePartitions(ctx context.Context) error {
	now := m.now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < monthsAhead; i++ {
		month := first.AddDate(0, i, 0)
		for _, table := range PartitionedTables {
			if err := m.createPartition(ctx, table, month); err != nil {
				return fmt.Errorf("failed to create %s partition for %s: %w", table, month.Format("2006-01"), err)
			}
		}
	}

	m.logger.Info("partition check completed successfully")
	return nil
}

// partitionName форматирует имя партиции: message_logs_2025_11.
func partitionName(table string, month time.Time) string {
	return fmt.Sprintf("%s_%d_%02d", table, month.Year(), int(month.Month()))
}

// partitionMonth разбирает месяц из имени партиции. Имена не по шаблону — false.
func partitionMonth(table, name string) (time.Time, bool) {
	suffix, ok := strings.CutPrefix(name, table+"_")
	if !ok {
		return time.Time{}, false
	}
	month, err := time.Parse("2006_01", suffix)
	if err != nil {
		return time.Time{}, false
	}
	return month, true
}

// cutoffMonth — первый месяц, который ещё хранится.
func cutoffMonth(now time.Time, retentionMonths int) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -retentionMonths, 0)
}

// createPartition создаёт партицию для указанной таблицы и месяца, если её ещё нет.
func (m *MaintenanceModule) createPartition(ctx context.Context, tableName string, month time.Time) error {
	name := partitionName(tableName, month)
	startDate := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	endDate := startDate.AddDate(0, 1, 0)

	var exists bool
	checkSQL := `
		SELECT EXISTS (
			SELECT 1 FROM pg_tables
			WHERE schemaname = current_schema() AND tablename = $1
		)
	`
	if err := m.db.QueryRowContext(ctx, checkSQL, name).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check partition existence: %w", err)
	}
	if exists {
		return nil
	}

	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		pq.QuoteIdentifier(name),
		pq.QuoteIdentifier(tableName),
		startDate.Format(time.RFC3339),
		endDate.Format(time.RFC3339),
	)
	if _, err := m.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create partition: %w", err)
	}

	m.logger.Info("created partition",
		zap.String("table", tableName),
		zap.String("partition", name),
		zap.String("start_date", startDate.Format("2006-01-02")),
		zap.String("end_date", endDate.Format("2006-01-02")),
	)
	return nil
}

// cleanupOldData удаляет партиции старше retention и исчерпанные задачи повторов.
// Русский комментарий: Ошибка одной таблицы не останавливает очистку остальных.
func (m *MaintenanceModule) cleanupOldData(ctx context.Context) error {
	cutoff := cutoffMonth(m.now(), m.retentionMonths)

	m.logger.Info("starting data cleanup",
		zap.Time("cutoff_date", cutoff),
		zap.Int("retention_months", m.retentionMonths),
	)

	var firstErr error
	for _, table := range PartitionedTables {
		if err := m.dropOldPartitions(ctx, table, cutoff); err != nil {
			m.logger.Error("failed to drop partitions", zap.String("table", table), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if m.purger != nil {
		purged, err := m.purger.PurgeFailed(ctx, cutoff)
		if err != nil {
			m.logger.Error("failed to purge retry tasks", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		} else {
			m.logger.Info("purged exhausted retry tasks", zap.Int64("count", purged))
		}
	}

	if firstErr == nil {
		m.logger.Info("data cleanup completed successfully")
	}
	return firstErr
}

// dropOldPartitions удаляет партиции таблицы, месяц которых раньше cutoff.
func (m *MaintenanceModule) dropOldPartitions(ctx context.Context, tableName string, cutoff time.Time) error {
	query := `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1
		ORDER BY c.relname
	`
	rows, err := m.db.QueryContext(ctx, query, tableName)
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}

	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan partition name: %w", err)
		}
		month, ok := partitionMonth(tableName, name)
		if !ok {
			m.logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
			continue
		}
		if month.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating partitions: %w", err)
	}
	rows.Close()

	var droppedCount int
	for _, name := range stale {
		dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(name))
		if _, err := m.db.ExecContext(ctx, dropSQL); err != nil {
			m.logger.Error("failed to drop partition", zap.String("partition", name), zap.Error(err))
			continue
		}
		m.logger.Info("dropped old partition", zap.String("table", tableName), zap.String("partition", name))
		droppedCount++
	}

	m.logger.Info("partition cleanup completed",
		zap.String("table", tableName),
		zap.Int("dropped_count", droppedCount),
	)
	return nil
}
