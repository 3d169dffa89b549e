// Package migrations обеспечивает автоматическое создание и валидацию схемы БД
// при запуске приложения. Гарантирует совместимость схемы или останавливает запуск.
package migrations

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ExpectedTable описывает ожидаемую структуру таблицы для валидации
type ExpectedTable struct {
	Name    string
	Columns []string // Список обязательных колонок
}

//go:embed 001_initial_schema.sql
var initialSchema string

// ExpectedSchema содержит описание всех таблиц которые должны существовать.
// Русский комментарий: Пока схема одна — 001_initial_schema.sql. Партиции
// message_logs/event_log сюда не входят: их ведёт модуль maintenance.
var ExpectedSchema = []ExpectedTable{
	// Правила (CRUD-слой, конвейер только читает)
	{Name: "monitor_rules", Columns: []string{"id", "name", "kind", "enabled", "source_chats", "config"}},

	// Результаты процессоров
	{Name: "resource_records", Columns: []string{"id", "rule_id", "link_hash", "save_status", "retry_count", "message_snapshot"}},
	{Name: "media_downloads", Columns: []string{"id", "rule_id", "media_hash", "content_hash", "status"}},

	// Пакетная запись (партиционированы)
	{Name: "message_logs", Columns: []string{"id", "chat_id", "message_id", "processor", "status", "created_at"}},
	{Name: "event_log", Columns: []string{"id", "chat_id", "module_name", "event_type", "created_at"}},

	// Очередь повторов
	{Name: "retry_tasks", Columns: []string{"id", "task_type", "payload", "attempt", "max_retries", "next_run_at", "state"}},
}

// RunMigrationsIfNeeded проверяет схему БД и выполняет миграции если требуется
// Возвращает ошибку если схема несовместима или миграция не удалась
// Русский комментарий: Вызывается при старте сразу после подключения к PostgreSQL.
// Пустая база получает 001_initial_schema.sql целиком в одной транзакции,
// существующая — только проверку таблиц и колонок.
func RunMigrationsIfNeeded(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	existing, err := getExistingTables(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get existing tables: %w", err)
	}
	state, missing, unknown := inspectTables(existing)
	logger.Info("database schema inspected",
		zap.Int("tables", len(existing)),
		zap.String("state", state.String()),
	)

	switch state {
	case SchemaEmpty:
		if err := applySchema(ctx, db, initialSchema, logger); err != nil {
			return err
		}
	case SchemaPartial:
		return fmt.Errorf("database schema is incomplete, missing tables %v; drop the database and restart", missing)
	case SchemaUnknown:
		logger.Warn("database contains tables outside linkwatch schema", zap.Strings("extra_tables", unknown))
	}
	return validateColumns(ctx, db, logger)
}

// SchemaState — состояние схемы по набору таблиц.
type SchemaState int

const (
	SchemaEmpty    SchemaState = iota // таблиц нет
	SchemaComplete                    // ровно ожидаемые таблицы
	SchemaPartial                     // каких-то ожидаемых таблиц нет
	SchemaUnknown                     // все ожидаемые есть, плюс чужие
)

func (s SchemaState) String() string {
	switch s {
	case SchemaEmpty:
		return "empty"
	case SchemaComplete:
		return "complete"
	case SchemaPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// getExistingTables возвращает список существующих таблиц без партиций.
// Русский комментарий: information_schema показывает партиции как обычные таблицы,
// поэтому читаем pg_class и отбрасываем relispartition.
func getExistingTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = 'public'
		AND c.relkind IN ('r', 'p')
		AND NOT c.relispartition
		ORDER BY c.relname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// expectedTableNames — имена таблиц из ExpectedSchema.
func expectedTableNames() []string {
	names := make([]string, 0, len(ExpectedSchema))
	for _, t := range ExpectedSchema {
		names = append(names, t.Name)
	}
	return names
}

// inspectTables сравнивает существующие таблицы с ExpectedSchema.
// missing и unknown отсортированы.
func inspectTables(existing []string) (state SchemaState, missing, unknown []string) {
	if len(existing) == 0 {
		return SchemaEmpty, expectedTableNames(), nil
	}

	present := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		present[name] = struct{}{}
	}
	expected := make(map[string]struct{}, len(ExpectedSchema))
	for _, name := range expectedTableNames() {
		expected[name] = struct{}{}
		if _, ok := present[name]; !ok {
			missing = append(missing, name)
		}
	}
	for _, name := range existing {
		if _, ok := expected[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(unknown)

	switch {
	case len(missing) > 0:
		return SchemaPartial, missing, unknown
	case len(unknown) > 0:
		return SchemaUnknown, nil, unknown
	default:
		return SchemaComplete, nil, nil
	}
}

// applySchema выполняет SQL-файл в одной транзакции: либо вся схема, либо ничего.
func applySchema(ctx context.Context, db *sql.DB, schema string, logger *zap.Logger) error {
	statements := splitSQLCommands(schema)
	logger.Info("applying initial schema", zap.Int("statements", len(statements)))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w (%s)", i+1, err, firstLine(stmt))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	logger.Info("initial schema applied")
	return nil
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(stmt, "\n")
	return line
}

// splitSQLCommands режет SQL на отдельные команды по ';'.
// Русский комментарий: Точка с запятой внутри строк '...', комментариев и
// $$-блоков PL/pgSQL командой не считается. Комментарии выбрасываются,
// строки команды обрезаются по краям, пустые строки удаляются.
func splitSQLCommands(sqlContent string) []string {
	var (
		commands []string
		cur      strings.Builder
	)
	flush := func() {
		if stmt := normalizeStatement(cur.String()); stmt != "" {
			commands = append(commands, stmt)
		}
		cur.Reset()
	}

	src := sqlContent
	for i := 0; i < len(src); i++ {
		rest := src[i:]
		switch {
		case strings.HasPrefix(rest, "--"):
			end := strings.IndexByte(rest, '\n')
			if end < 0 {
				i = len(src)
				continue
			}
			i += end - 1
		case strings.HasPrefix(rest, "/*"):
			end := strings.Index(rest[2:], "*/")
			if end < 0 {
				i = len(src)
				continue
			}
			i += end + 3
		case strings.HasPrefix(rest, "$$"):
			end := strings.Index(rest[2:], "$$")
			if end < 0 {
				cur.WriteString(rest)
				i = len(src)
				continue
			}
			cur.WriteString(rest[:end+4])
			i += end + 3
		case rest[0] == '\'':
			end := strings.IndexByte(rest[1:], '\'')
			if end < 0 {
				cur.WriteString(rest)
				i = len(src)
				continue
			}
			cur.WriteString(rest[:end+2])
			i += end + 1
		case rest[0] == ';':
			cur.WriteByte(';')
			flush()
		default:
			cur.WriteByte(rest[0])
		}
	}
	flush()
	return commands
}

// normalizeStatement обрезает строки команды и убирает пустые.
func normalizeStatement(stmt string) string {
	var lines []string
	for _, line := range strings.Split(stmt, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	out := strings.Join(lines, "\n")
	if out == ";" {
		return ""
	}
	return out
}

// validateColumns одним запросом проверяет, что у всех таблиц ExpectedSchema
// есть обязательные колонки. Ошибка перечисляет все отсутствующие сразу.
func validateColumns(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = ANY($1)`,
		pq.Array(expectedTableNames()))
	if err != nil {
		return fmt.Errorf("failed to read schema columns: %w", err)
	}
	defer rows.Close()

	have := make(map[string]struct{})
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return fmt.Errorf("failed to scan schema column: %w", err)
		}
		have[table+"."+column] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read schema columns: %w", err)
	}

	if missing := missingColumns(have); len(missing) > 0 {
		return fmt.Errorf("database schema is missing columns: %s", strings.Join(missing, ", "))
	}
	logger.Info("database schema validated", zap.Int("tables", len(ExpectedSchema)))
	return nil
}

// missingColumns — обязательные колонки ("table.column"), которых нет в have.
func missingColumns(have map[string]struct{}) []string {
	var missing []string
	for _, t := range ExpectedSchema {
		for _, c := range t.Columns {
			if _, ok := have[t.Name+"."+c]; !ok {
				missing = append(missing, t.Name+"."+c)
			}
		}
	}
	return missing
}
