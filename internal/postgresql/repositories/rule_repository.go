package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/flybasist/linkwatch/internal/models"
)

// ErrNotFound — запись не найдена.
var ErrNotFound = errors.New("record not found")

// RuleRepository читает правила мониторинга.
// Русский комментарий: Правила ведёт CRUD-слой, здесь только чтение. JSONB config
// разбирается один раз — в этом репозитории, процессоры получают готовые models.Rule.
type RuleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRuleRepository создаёт новый инстанс репозитория правил.
func NewRuleRepository(db *sql.DB, logger *zap.Logger) *RuleRepository {
	return &RuleRepository{db: db, logger: logger}
}

// ActiveRules возвращает включённые правила вида kind, слушающие chatID.
// Правило с битым конфигом пропускается с ошибкой в логе: одно неверное правило
// не отключает остальные.
func (r *RuleRepository) ActiveRules(ctx context.Context, kind models.RuleKind, chatID int64) ([]models.Rule, error) {
	query := `
		SELECT id, name, kind, enabled, source_chats, config
		FROM monitor_rules
		WHERE enabled AND kind = $1 AND $2 = ANY(source_chats)
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, string(kind), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		var (
			rule    models.Rule
			ruleKnd string
			chats   []int64
			config  []byte
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &ruleKnd, &rule.Enabled, pq.Array(&chats), &config); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule.Kind = models.RuleKind(ruleKnd)
		rule.SourceChats = chats

		if err := models.ParseRuleConfig(&rule, config); err != nil {
			r.logger.Error("invalid rule configuration, rule skipped",
				zap.Int64("rule_id", rule.ID),
				zap.String("rule_name", rule.Name),
				zap.Error(err),
			)
			continue
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

// Create добавляет правило. Используется тестами и утилитами импорта.
func (r *RuleRepository) Create(ctx context.Context, name string, kind models.RuleKind, sourceChats []int64, config []byte) (int64, error) {
	if len(config) == 0 {
		config = []byte("{}")
	}
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO monitor_rules (name, kind, source_chats, config)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, name, string(kind), pq.Array(sourceChats), config).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create rule: %w", err)
	}
	return id, nil
}

// SetEnabled включает или выключает правило.
func (r *RuleRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE monitor_rules SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return nil
}
