// Package mediamonitor скачивает вложения из сообщений по правилам вида media.
package mediamonitor

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/flybasist/linkwatch/internal/batch"
	"github.com/flybasist/linkwatch/internal/core"
	"github.com/flybasist/linkwatch/internal/dedup"
	"github.com/flybasist/linkwatch/internal/keylock"
	"github.com/flybasist/linkwatch/internal/models"
	"github.com/flybasist/linkwatch/internal/notify"
	"github.com/flybasist/linkwatch/internal/retry"
)

const Name = "media_monitor"

// Параметры повторов скачивания.
const (
	TaskMediaDownload  = "media_download"
	DownloadBaseDelay  = time.Minute
	DownloadMaxRetries = 3
)

// RuleStore — чтение актуальных правил.
type RuleStore interface {
	ActiveRules(ctx context.Context, kind models.RuleKind, chatID int64) ([]models.Rule, error)
}

// DownloadStore — история загрузок (media_downloads).
type DownloadStore interface {
	Create(ctx context.Context, d *models.MediaDownload) error
}

// Deduplicator — проверка по истории успешных загрузок.
type Deduplicator interface {
	IsDuplicate(ctx context.Context, q dedup.Query) bool
}

// TaskQueue — очередь повторов.
type TaskQueue interface {
	AddTask(ctx context.Context, spec retry.TaskSpec) error
	RegisterHandler(taskType string, h retry.Handler)
	OnExhausted(h retry.ExhaustedHook)
}

// LogSink — буферизованная запись логов.
type LogSink interface {
	Add(entity string, record any) error
}

// Dependencies — сервисы процессора. BaseDir — корень для относительных download_dir.
type Dependencies struct {
	Rules     RuleStore
	Downloads DownloadStore
	Dedup     Deduplicator
	Queue     TaskQueue
	Logs      LogSink
	Transport core.Transport
	Notifier  notify.Publisher
	BaseDir   string
	Timeout   time.Duration
	Logger    *zap.Logger
}

type downloadPayload struct {
	RuleID      int64      `json:"rule_id"`
	RuleName    string     `json:"rule_name"`
	ChatID      int64      `json:"chat_id"`
	MessageID   int        `json:"message_id"`
	Media       core.Media `json:"media"`
	MediaHash   string     `json:"media_hash"`
	ContentHash string     `json:"content_hash"`
	DestDir     string     `json:"dest_dir"`
	Notify      bool       `json:"notify"`
}

// MediaMonitor — процессор загрузки медиа.
type MediaMonitor struct {
	rules     RuleStore
	downloads DownloadStore
	dedup     Deduplicator
	queue     TaskQueue
	logs      LogSink
	transport core.Transport
	notifier  notify.Publisher
	baseDir   string
	timeout   time.Duration
	logger    *zap.Logger
	locks     *keylock.Locker
	now       func() time.Time
}

// New создаёт процессор и регистрирует обработчик media_download.
func New(deps Dependencies) *MediaMonitor {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Timeout <= 0 {
		deps.Timeout = core.DefaultTransportTimeout
	}
	m := &MediaMonitor{
		rules:     deps.Rules,
		downloads: deps.Downloads,
		dedup:     deps.Dedup,
		queue:     deps.Queue,
		logs:      deps.Logs,
		transport: deps.Transport,
		notifier:  deps.Notifier,
		baseDir:   deps.BaseDir,
		timeout:   deps.Timeout,
		logger:    deps.Logger.With(zap.String("processor", Name)),
		locks:     keylock.New(),
		now:       time.Now,
	}
	m.queue.RegisterHandler(TaskMediaDownload, m.handleDownloadTask)
	m.queue.OnExhausted(m.onDownloadExhausted)
	return m
}

func (m *MediaMonitor) Name() string {
	return Name
}

// ShouldProcess — в сообщении есть медиа и для чата есть активное правило.
func (m *MediaMonitor) ShouldProcess(ctx context.Context, mc *core.MessageContext) (bool, error) {
	if mc.Message.Media == nil {
		return false, nil
	}
	rules, err := m.rules.ActiveRules(ctx, models.RuleKindMedia, mc.Message.ChatID)
	if err != nil {
		return false, fmt.Errorf("failed to load media rules: %w", err)
	}
	return len(rules) > 0, nil
}

// Process скачивает вложение по каждому подходящему правилу.
func (m *MediaMonitor) Process(ctx context.Context, mc *core.MessageContext) (bool, error) {
	rules, err := m.rules.ActiveRules(ctx, models.RuleKindMedia, mc.Message.ChatID)
	if err != nil {
		return false, fmt.Errorf("failed to load media rules: %w", err)
	}

	var errs error
	for i := range rules {
		errs = multierr.Append(errs, m.applyRule(ctx, mc, &rules[i]))
	}
	return errs == nil, errs
}

// DestDir — каталог загрузки правила для чата: <download_dir>/<chat_id>.
// Относительный download_dir считается от baseDir.
func DestDir(baseDir, downloadDir string, chatID int64) string {
	dir := downloadDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir, dir)
	}
	return filepath.Join(dir, strconv.FormatInt(chatID, 10))
}

func (m *MediaMonitor) applyRule(ctx context.Context, mc *core.MessageContext, rule *models.Rule) error {
	msg := &mc.Message
	if !rule.WantsMediaKind(msg.MediaKind()) {
		return nil
	}
	if verdict := core.ApplyRuleFilters(mc, rule); !verdict.Passed {
		m.logger.Debug("rule filtered out message",
			zap.Int64("rule_id", rule.ID),
			zap.Int("message_id", msg.ID),
			zap.String("reason", verdict.Reason),
		)
		return nil
	}

	mediaID := msg.Media.FileUniqueID
	if mediaID == "" {
		mediaID = msg.Media.FileID
	}
	p := downloadPayload{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		ChatID:      msg.ChatID,
		MessageID:   msg.ID,
		Media:       *msg.Media,
		MediaHash:   dedup.MediaHash(mediaID, msg.Media.Kind),
		ContentHash: dedup.ContentHash(msg.Text),
		DestDir:     DestDir(m.baseDir, rule.DownloadDir, msg.ChatID),
		Notify:      rule.Notify,
	}

	// Русский комментарий: файл сравнивается всегда, подпись — по настройке правила.
	unlock := m.locks.Lock(strconv.FormatInt(rule.ID, 10) + ":" + p.MediaHash)
	defer unlock()
	if rule.Dedup.Enabled && m.dedup.IsDuplicate(ctx, dedup.Query{
		RuleID:       rule.ID,
		ContentHash:  p.ContentHash,
		MediaHash:    p.MediaHash,
		Window:       rule.Dedup.Window,
		CheckContent: rule.Dedup.CheckContent,
		CheckMedia:   true,
	}) {
		m.logMessage(p, models.LogStatusDup, "")
		return nil
	}

	path, err := mc.DownloadMedia(ctx, p.DestDir)
	if err == nil {
		return m.recordSuccess(ctx, p, path)
	}

	m.logger.Warn("media download failed, scheduling retry",
		zap.Int64("rule_id", rule.ID),
		zap.Int("message_id", msg.ID),
		zap.Error(err),
	)
	m.logMessage(p, models.LogStatusFailed, err.Error())
	if qerr := m.queue.AddTask(ctx, retry.TaskSpec{
		ID:         DownloadTaskID(rule.ID, msg.ChatID, msg.ID),
		Type:       TaskMediaDownload,
		Payload:    p,
		MaxRetries: DownloadMaxRetries,
		Strategy:   retry.StrategyExponential,
		BaseDelay:  DownloadBaseDelay,
	}); qerr != nil {
		return fmt.Errorf("failed to enqueue media download: %w", qerr)
	}
	return nil
}

// DownloadTaskID — ID задачи повтора скачивания.
func DownloadTaskID(ruleID, chatID int64, messageID int) string {
	return fmt.Sprintf("media_%d_%d_%d", ruleID, chatID, messageID)
}

func (m *MediaMonitor) recordSuccess(ctx context.Context, p downloadPayload, path string) error {
	d := &models.MediaDownload{
		RuleID:      p.RuleID,
		ChatID:      p.ChatID,
		MessageID:   p.MessageID,
		MediaKind:   p.Media.Kind,
		MediaHash:   p.MediaHash,
		ContentHash: p.ContentHash,
		FilePath:    path,
		Status:      models.SaveStatusSuccess,
	}
	if err := m.downloads.Create(ctx, d); err != nil {
		return fmt.Errorf("failed to record download of message %d: %w", p.MessageID, err)
	}
	m.logMessage(p, models.LogStatusSuccess, path)
	m.logger.Info("media downloaded",
		zap.Int64("rule_id", p.RuleID),
		zap.Int64("chat_id", p.ChatID),
		zap.Int("message_id", p.MessageID),
		zap.String("path", path),
	)
	if p.Notify {
		notify.Safe(ctx, m.notifier, notify.Notification{
			Kind:      notify.KindMediaDownloaded,
			RuleID:    p.RuleID,
			RuleName:  p.RuleName,
			ChatID:    p.ChatID,
			MessageID: p.MessageID,
			Path:      path,
		}, m.logger)
	}
	return nil
}

// handleDownloadTask — обработчик media_download: транспорт качает по FileID.
func (m *MediaMonitor) handleDownloadTask(ctx context.Context, task retry.Task) error {
	var p downloadPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	if m.transport == nil || !m.transport.IsConnected() {
		return core.ErrNotConnected
	}

	media := p.Media
	msg := &core.Message{ID: p.MessageID, ChatID: p.ChatID, Media: &media}
	dlCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	path, err := m.transport.DownloadMedia(dlCtx, msg, p.DestDir)
	if err != nil {
		return err
	}
	return m.recordSuccess(ctx, p, path)
}

// onDownloadExhausted сохраняет неудачную загрузку, чтобы она была видна в истории.
func (m *MediaMonitor) onDownloadExhausted(ctx context.Context, task retry.Task) {
	if task.Type != TaskMediaDownload {
		return
	}
	var p downloadPayload
	if err := task.Decode(&p); err != nil {
		m.logger.Error("invalid exhausted download task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	err := m.downloads.Create(ctx, &models.MediaDownload{
		RuleID:      p.RuleID,
		ChatID:      p.ChatID,
		MessageID:   p.MessageID,
		MediaKind:   p.Media.Kind,
		MediaHash:   p.MediaHash,
		ContentHash: p.ContentHash,
		Status:      models.SaveStatusFailed,
		Error:       task.LastError,
	})
	if err != nil {
		m.logger.Error("failed to persist download failure", zap.String("task_id", task.ID), zap.Error(err))
	}
	notify.Safe(ctx, m.notifier, notify.Notification{
		Kind:      notify.KindMediaFailed,
		RuleID:    p.RuleID,
		RuleName:  p.RuleName,
		ChatID:    p.ChatID,
		MessageID: p.MessageID,
		Detail:    task.LastError,
	}, m.logger)
}

func (m *MediaMonitor) logMessage(p downloadPayload, status, detail string) {
	err := m.logs.Add(batch.EntityMessageLogs, models.MessageLog{
		ChatID:      p.ChatID,
		MessageID:   p.MessageID,
		RuleID:      p.RuleID,
		Processor:   Name,
		Status:      status,
		ContentHash: p.ContentHash,
		Detail:      detail,
		CreatedAt:   m.now(),
	})
	if err != nil {
		m.logger.Warn("failed to buffer message log",
			zap.Int64("rule_id", p.RuleID),
			zap.Int("message_id", p.MessageID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}
