// Package resourcemonitor захватывает ссылки на ресурсы из сообщений.
// Русский комментарий: Для каждого правила вида resource: фильтры отправителя и
// ключевых слов → ссылки из контекста → дедупликация → запись ResourceRecord.
// Ссылки 115 при auto_save сразу переносятся в облако; неудача уходит в очередь
// повторов, так что результат переноса никогда не теряется.
package resourcemonitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/flybasist/linkwatch/internal/batch"
	"github.com/flybasist/linkwatch/internal/cloud"
	"github.com/flybasist/linkwatch/internal/core"
	"github.com/flybasist/linkwatch/internal/dedup"
	"github.com/flybasist/linkwatch/internal/keylock"
	"github.com/flybasist/linkwatch/internal/linkextract"
	"github.com/flybasist/linkwatch/internal/models"
	"github.com/flybasist/linkwatch/internal/notify"
	"github.com/flybasist/linkwatch/internal/retry"
)

// Name — имя процессора в диспетчере и логах.
const Name = "resource_monitor"

// Параметры повторов автосохранения 115.
const (
	TaskPan115Save  = "pan115_save"
	SaveBaseDelay   = 300 * time.Second
	SaveMaxRetries  = 3
	saveTaskPrefix  = "115_save_"
	eventCaptured   = "captured"
	eventDuplicate  = "duplicate"
	eventSaved      = "saved"
	eventSaveFailed = "save_failed"
)

var errNoShareCode = errors.New("no share code in link")

// RuleStore — чтение актуальных правил.
type RuleStore interface {
	ActiveRules(ctx context.Context, kind models.RuleKind, chatID int64) ([]models.Rule, error)
}

// RecordStore — хранилище ResourceRecord.
type RecordStore interface {
	Create(ctx context.Context, rec *models.ResourceRecord) error
	Get(ctx context.Context, id int64) (*models.ResourceRecord, error)
	UpdateStatus(ctx context.Context, id int64, u models.StatusUpdate) (int, error)
}

// Deduplicator — проверка на повтор по истории захватов.
type Deduplicator interface {
	IsDuplicate(ctx context.Context, q dedup.Query) bool
}

// TaskQueue — постановка и обработка отложенных повторов.
type TaskQueue interface {
	AddTask(ctx context.Context, spec retry.TaskSpec) error
	RegisterHandler(taskType string, h retry.Handler)
	OnExhausted(h retry.ExhaustedHook)
}

// LogSink — буферизованная запись логов (batch.Writer).
type LogSink interface {
	Add(entity string, record any) error
}

// Metrics — счётчики событий по типу ссылки.
type Metrics interface {
	ResourceEvent(linkType, event string)
}

type nopMetrics struct{}

func (nopMetrics) ResourceEvent(string, string) {}

// Dependencies — сервисы процессора, создаются в main.
type Dependencies struct {
	Rules    RuleStore
	Records  RecordStore
	Dedup    Deduplicator
	Cloud    cloud.Client
	Queue    TaskQueue
	Logs     LogSink
	Notifier notify.Publisher
	Metrics  Metrics
	Logger   *zap.Logger
}

// savePayload — данные задачи pan115_save.
type savePayload struct {
	RecordID  int64    `json:"record_id"`
	RuleID    int64    `json:"rule_id"`
	RuleName  string   `json:"rule_name"`
	TargetDir string   `json:"target_dir"`
	Notify    bool     `json:"notify"`
	Tags      []string `json:"tags,omitempty"`
}

// ResourceMonitor — процессор захвата ссылок.
type ResourceMonitor struct {
	rules    RuleStore
	records  RecordStore
	dedup    Deduplicator
	cloud    cloud.Client
	queue    TaskQueue
	logs     LogSink
	notifier notify.Publisher
	metrics  Metrics
	logger   *zap.Logger
	locks    *keylock.Locker
	now      func() time.Time
}

// New создаёт процессор и регистрирует обработчик pan115_save в очереди.
func New(deps Dependencies) *ResourceMonitor {
	if deps.Cloud == nil {
		deps.Cloud = cloud.Disabled{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	m := &ResourceMonitor{
		rules:    deps.Rules,
		records:  deps.Records,
		dedup:    deps.Dedup,
		cloud:    deps.Cloud,
		queue:    deps.Queue,
		logs:     deps.Logs,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With(zap.String("processor", Name)),
		locks:    keylock.New(),
		now:      time.Now,
	}
	m.queue.RegisterHandler(TaskPan115Save, m.handleSaveTask)
	m.queue.OnExhausted(m.onSaveExhausted)
	return m
}

// Name реализует core.Processor.
func (m *ResourceMonitor) Name() string {
	return Name
}

// ShouldProcess — есть хотя бы одно активное правило для чата.
func (m *ResourceMonitor) ShouldProcess(ctx context.Context, mc *core.MessageContext) (bool, error) {
	rules, err := m.rules.ActiveRules(ctx, models.RuleKindResource, mc.Message.ChatID)
	if err != nil {
		return false, fmt.Errorf("failed to load resource rules: %w", err)
	}
	return len(rules) > 0, nil
}

// Process применяет все активные правила чата к сообщению.
// Русский комментарий: Ошибка по одной ссылке не останавливает остальные ссылки
// и правила; все ошибки собираются и возвращаются вместе.
func (m *ResourceMonitor) Process(ctx context.Context, mc *core.MessageContext) (bool, error) {
	rules, err := m.rules.ActiveRules(ctx, models.RuleKindResource, mc.Message.ChatID)
	if err != nil {
		return false, fmt.Errorf("failed to load resource rules: %w", err)
	}

	var errs error
	for i := range rules {
		errs = multierr.Append(errs, m.applyRule(ctx, mc, &rules[i]))
	}
	return errs == nil, errs
}

func (m *ResourceMonitor) applyRule(ctx context.Context, mc *core.MessageContext, rule *models.Rule) error {
	verdict := core.ApplyRuleFilters(mc, rule)
	if !verdict.Passed {
		m.logger.Debug("rule filtered out message",
			zap.Int64("rule_id", rule.ID),
			zap.Int64("chat_id", mc.Message.ChatID),
			zap.Int("message_id", mc.Message.ID),
			zap.String("reason", verdict.Reason),
		)
		return nil
	}

	links := mc.Links()
	var errs error
	for _, lt := range models.KnownLinkTypes {
		if !rule.WantsLinkType(lt) {
			continue
		}
		for _, url := range links[lt] {
			errs = multierr.Append(errs, m.captureLink(ctx, mc, rule, lt, url))
		}
	}
	return errs
}

// LinkHash — идентичность ссылки для дедупликации.
func LinkHash(url string) string {
	return dedup.ContentHash(url)
}

// SaveTaskID — ID задачи повтора автосохранения записи.
func SaveTaskID(recordID int64) string {
	return saveTaskPrefix + strconv.FormatInt(recordID, 10)
}

func (m *ResourceMonitor) captureLink(ctx context.Context, mc *core.MessageContext, rule *models.Rule, lt models.LinkType, url string) error {
	hash := LinkHash(url)
	msg := &mc.Message

	// Проверка и создание записи — под одним ключом, иначе два одинаковых
	// сообщения подряд оба пройдут проверку.
	unlock := m.locks.Lock(strconv.FormatInt(rule.ID, 10) + ":" + hash)
	if rule.Dedup.Enabled && m.dedup.IsDuplicate(ctx, dedup.Query{
		RuleID:       rule.ID,
		ContentHash:  hash,
		Window:       rule.Dedup.Window,
		CheckContent: true,
	}) {
		unlock()
		m.metrics.ResourceEvent(string(lt), eventDuplicate)
		m.logMessage(msg, rule.ID, models.LogStatusDup, hash, url)
		m.logger.Debug("duplicate link skipped",
			zap.Int64("rule_id", rule.ID),
			zap.String("link_type", string(lt)),
			zap.String("url", url),
		)
		return nil
	}

	rec := &models.ResourceRecord{
		RuleID:     rule.ID,
		ChatID:     msg.ChatID,
		MessageID:  msg.ID,
		LinkType:   lt,
		URL:        url,
		LinkHash:   hash,
		SaveStatus: models.SaveStatusPending,
		Tags:       rule.Tags,
		Snapshot:   msg.Snapshot(),
	}
	err := m.records.Create(ctx, rec)
	unlock()
	if err != nil {
		m.logMessage(msg, rule.ID, models.LogStatusFailed, hash, err.Error())
		return fmt.Errorf("rule %d: %w", rule.ID, err)
	}

	m.metrics.ResourceEvent(string(lt), eventCaptured)
	m.logMessage(msg, rule.ID, models.LogStatusCaptured, hash, url)
	m.logEvent(msg.ChatID, msg.SenderID(), notify.KindResourceCaptured, fmt.Sprintf("rule=%d record=%d %s", rule.ID, rec.ID, url))
	m.logger.Info("resource captured",
		zap.Int64("rule_id", rule.ID),
		zap.Int64("record_id", rec.ID),
		zap.Int64("chat_id", msg.ChatID),
		zap.Int("message_id", msg.ID),
		zap.String("link_type", string(lt)),
	)
	if rule.Notify {
		notify.Safe(ctx, m.notifier, notify.Notification{
			Kind:      notify.KindResourceCaptured,
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			ChatID:    msg.ChatID,
			MessageID: msg.ID,
			LinkType:  string(lt),
			URL:       url,
			Tags:      rule.Tags,
		}, m.logger)
	}

	if rule.AutoSave && lt == models.LinkPan115 {
		return m.autoSave(ctx, rule, rec)
	}
	return nil
}

// autoSave — первая попытка переноса; неудача ставит задачу повтора.
func (m *ResourceMonitor) autoSave(ctx context.Context, rule *models.Rule, rec *models.ResourceRecord) error {
	payload := savePayload{
		RecordID:  rec.ID,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		TargetDir: rule.TargetPath(models.LinkPan115),
		Notify:    rule.Notify,
		Tags:      rule.Tags,
	}

	saveErr := m.attemptSave(ctx, rec, payload)
	if saveErr == nil {
		return nil
	}

	err := m.queue.AddTask(ctx, retry.TaskSpec{
		ID:         SaveTaskID(rec.ID),
		Type:       TaskPan115Save,
		Payload:    payload,
		MaxRetries: SaveMaxRetries,
		Strategy:   retry.StrategyExponential,
		BaseDelay:  SaveBaseDelay,
	})
	if err != nil {
		m.logger.Error("failed to enqueue save retry",
			zap.Int64("record_id", rec.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to enqueue save retry for record %d: %w", rec.ID, err)
	}
	return nil
}

// attemptSave: saving → SaveShare → success | failed (+retry_count).
// Возвращает ошибку, если перенос не удался; статус к этому моменту уже записан.
func (m *ResourceMonitor) attemptSave(ctx context.Context, rec *models.ResourceRecord, p savePayload) error {
	if _, err := m.records.UpdateStatus(ctx, rec.ID, models.StatusUpdate{Status: models.SaveStatusSaving}); err != nil {
		return fmt.Errorf("failed to mark record %d saving: %w", rec.ID, err)
	}

	result := m.saveShare(ctx, rec, p.TargetDir)
	if result.Success {
		savedAt := m.now()
		if _, err := m.records.UpdateStatus(ctx, rec.ID, models.StatusUpdate{
			Status:   models.SaveStatusSuccess,
			SavePath: p.TargetDir,
			SaveTime: &savedAt,
		}); err != nil {
			return fmt.Errorf("failed to mark record %d saved: %w", rec.ID, err)
		}
		m.metrics.ResourceEvent(string(rec.LinkType), eventSaved)
		m.logMessage(&core.Message{ID: rec.MessageID, ChatID: rec.ChatID}, rec.RuleID, models.LogStatusSuccess, rec.LinkHash, p.TargetDir)
		m.logEvent(rec.ChatID, 0, notify.KindResourceSaved, fmt.Sprintf("record=%d saved=%d path=%s", rec.ID, result.SavedCount, p.TargetDir))
		m.logger.Info("resource saved to cloud",
			zap.Int64("record_id", rec.ID),
			zap.Int("saved_count", result.SavedCount),
			zap.String("target_dir", p.TargetDir),
		)
		if p.Notify {
			notify.Safe(ctx, m.notifier, notify.Notification{
				Kind:      notify.KindResourceSaved,
				RuleID:    p.RuleID,
				RuleName:  p.RuleName,
				ChatID:    rec.ChatID,
				MessageID: rec.MessageID,
				LinkType:  string(rec.LinkType),
				URL:       rec.URL,
				Path:      p.TargetDir,
				Tags:      p.Tags,
			}, m.logger)
		}
		return nil
	}

	retryCount, err := m.records.UpdateStatus(ctx, rec.ID, models.StatusUpdate{
		Status:         models.SaveStatusFailed,
		ErrorMessage:   result.Message,
		IncrementRetry: true,
	})
	if err != nil {
		return fmt.Errorf("failed to mark record %d failed: %w", rec.ID, err)
	}
	m.metrics.ResourceEvent(string(rec.LinkType), eventSaveFailed)
	m.logger.Warn("cloud save failed",
		zap.Int64("record_id", rec.ID),
		zap.Int("retry_count", retryCount),
		zap.String("reason", result.Message),
	)
	return fmt.Errorf("cloud save of record %d failed: %s", rec.ID, result.Message)
}

func (m *ResourceMonitor) saveShare(ctx context.Context, rec *models.ResourceRecord, targetDir string) cloud.SaveResult {
	shareCode, receiveCode := linkextract.ParsePan115(rec.URL, rec.Snapshot.Text)
	if shareCode == "" {
		return cloud.SaveResult{Message: errNoShareCode.Error()}
	}
	result, err := m.cloud.SaveShare(ctx, shareCode, receiveCode, targetDir)
	if err != nil {
		return cloud.SaveResult{Message: err.Error()}
	}
	if !result.Success && result.Message == "" {
		result.Message = "cloud save failed"
	}
	return result
}

// handleSaveTask — обработчик pan115_save.
func (m *ResourceMonitor) handleSaveTask(ctx context.Context, task retry.Task) error {
	var p savePayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	rec, err := m.records.Get(ctx, p.RecordID)
	if err != nil {
		return fmt.Errorf("failed to load record %d: %w", p.RecordID, err)
	}
	if rec.SaveStatus == models.SaveStatusSuccess {
		m.logger.Info("record already saved, retry skipped", zap.Int64("record_id", rec.ID))
		return nil
	}
	return m.attemptSave(ctx, rec, p)
}

// onSaveExhausted фиксирует окончательный failed с последней ошибкой.
func (m *ResourceMonitor) onSaveExhausted(ctx context.Context, task retry.Task) {
	if task.Type != TaskPan115Save {
		return
	}
	var p savePayload
	if err := task.Decode(&p); err != nil {
		m.logger.Error("invalid exhausted save task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	if _, err := m.records.UpdateStatus(ctx, p.RecordID, models.StatusUpdate{
		Status:       models.SaveStatusFailed,
		ErrorMessage: task.LastError,
	}); err != nil {
		m.logger.Error("failed to persist final save failure",
			zap.Int64("record_id", p.RecordID),
			zap.Error(err),
		)
	}

	rec, err := m.records.Get(ctx, p.RecordID)
	if err != nil {
		m.logger.Error("failed to load exhausted record", zap.Int64("record_id", p.RecordID), zap.Error(err))
		return
	}
	m.logMessage(&core.Message{ID: rec.MessageID, ChatID: rec.ChatID}, rec.RuleID, models.LogStatusFailed, rec.LinkHash, task.LastError)
	m.logEvent(rec.ChatID, 0, notify.KindResourceSaveFailed, fmt.Sprintf("record=%d attempts=%d: %s", rec.ID, task.Attempt, task.LastError))
	notify.Safe(ctx, m.notifier, notify.Notification{
		Kind:      notify.KindResourceSaveFailed,
		RuleID:    p.RuleID,
		RuleName:  p.RuleName,
		ChatID:    rec.ChatID,
		MessageID: rec.MessageID,
		LinkType:  string(rec.LinkType),
		URL:       rec.URL,
		Detail:    task.LastError,
		Tags:      p.Tags,
	}, m.logger)
}

func (m *ResourceMonitor) logMessage(msg *core.Message, ruleID int64, status, hash, detail string) {
	err := m.logs.Add(batch.EntityMessageLogs, models.MessageLog{
		ChatID:      msg.ChatID,
		MessageID:   msg.ID,
		RuleID:      ruleID,
		Processor:   Name,
		Status:      status,
		ContentHash: hash,
		Detail:      detail,
		CreatedAt:   m.now(),
	})
	if err != nil {
		m.logger.Warn("failed to buffer message log", zap.Error(err))
	}
}

func (m *ResourceMonitor) logEvent(chatID, userID int64, eventType, details string) {
	err := m.logs.Add(batch.EntityEventLog, models.EventLog{
		ChatID:    chatID,
		UserID:    userID,
		Module:    Name,
		EventType: eventType,
		Details:   details,
		CreatedAt: m.now(),
	})
	if err != nil {
		m.logger.Warn("failed to buffer event", zap.Error(err))
	}
}
