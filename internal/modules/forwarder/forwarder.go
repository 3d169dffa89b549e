// Package forwarder пересылает подходящие сообщения в целевые чаты.
// Русский комментарий: Правила вида forward. Копия сообщения уходит в каждый чат
// из forward_targets; неудачная отправка ставится в очередь повторов с фиксированной
// задержкой. Дедупликация — по хешу текста среди успешных пересылок (message_logs).
package forwarder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/flybasist/linkwatch/internal/batch"
	"github.com/flybasist/linkwatch/internal/core"
	"github.com/flybasist/linkwatch/internal/dedup"
	"github.com/flybasist/linkwatch/internal/models"
	"github.com/flybasist/linkwatch/internal/notify"
	"github.com/flybasist/linkwatch/internal/retry"
)

// Name — имя процессора; по нему же ищется история пересылок в message_logs.
const Name = "forwarder"

// Параметры повторов пересылки.
const (
	TaskForward       = "forward_message"
	ForwardRetryDelay = time.Minute
	ForwardMaxRetries = 5
)

// RuleStore — чтение актуальных правил.
type RuleStore interface {
	ActiveRules(ctx context.Context, kind models.RuleKind, chatID int64) ([]models.Rule, error)
}

// Deduplicator — проверка по истории успешных пересылок.
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

// Dependencies — сервисы процессора.
type Dependencies struct {
	Rules     RuleStore
	Dedup     Deduplicator
	Queue     TaskQueue
	Logs      LogSink
	Transport core.Transport // для повторов, у которых уже нет MessageContext
	Notifier  notify.Publisher
	Timeout   time.Duration
	Logger    *zap.Logger
}

type forwardPayload struct {
	RuleID      int64    `json:"rule_id"`
	RuleName    string   `json:"rule_name"`
	ChatID      int64    `json:"chat_id"`
	MessageID   int      `json:"message_id"`
	Target      int64    `json:"target"`
	Text        string   `json:"text"`
	ContentHash string   `json:"content_hash"`
	Notify      bool     `json:"notify"`
	Tags        []string `json:"tags,omitempty"`
}

// Forwarder — процессор пересылки.
type Forwarder struct {
	rules     RuleStore
	dedup     Deduplicator
	queue     TaskQueue
	logs      LogSink
	transport core.Transport
	notifier  notify.Publisher
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// New создаёт процессор и регистрирует обработчик forward_message.
func New(deps Dependencies) *Forwarder {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Timeout <= 0 {
		deps.Timeout = core.DefaultTransportTimeout
	}
	f := &Forwarder{
		rules:     deps.Rules,
		dedup:     deps.Dedup,
		queue:     deps.Queue,
		logs:      deps.Logs,
		transport: deps.Transport,
		notifier:  deps.Notifier,
		timeout:   deps.Timeout,
		logger:    deps.Logger.With(zap.String("processor", Name)),
		now:       time.Now,
	}
	f.queue.RegisterHandler(TaskForward, f.handleForwardTask)
	f.queue.OnExhausted(f.onForwardExhausted)
	return f
}

func (f *Forwarder) Name() string {
	return Name
}

// ShouldProcess — есть активное правило пересылки для чата и сообщению есть что пересылать.
func (f *Forwarder) ShouldProcess(ctx context.Context, mc *core.MessageContext) (bool, error) {
	if strings.TrimSpace(mc.Message.Text) == "" {
		return false, nil
	}
	rules, err := f.rules.ActiveRules(ctx, models.RuleKindForward, mc.Message.ChatID)
	if err != nil {
		return false, fmt.Errorf("failed to load forward rules: %w", err)
	}
	return len(rules) > 0, nil
}

// Process пересылает сообщение по всем подходящим правилам.
func (f *Forwarder) Process(ctx context.Context, mc *core.MessageContext) (bool, error) {
	rules, err := f.rules.ActiveRules(ctx, models.RuleKindForward, mc.Message.ChatID)
	if err != nil {
		return false, fmt.Errorf("failed to load forward rules: %w", err)
	}

	var errs error
	for i := range rules {
		errs = multierr.Append(errs, f.applyRule(ctx, mc, &rules[i]))
	}
	return errs == nil, errs
}

func (f *Forwarder) applyRule(ctx context.Context, mc *core.MessageContext, rule *models.Rule) error {
	msg := &mc.Message
	if verdict := core.ApplyRuleFilters(mc, rule); !verdict.Passed {
		f.logger.Debug("rule filtered out message",
			zap.Int64("rule_id", rule.ID),
			zap.Int("message_id", msg.ID),
			zap.String("reason", verdict.Reason),
		)
		return nil
	}

	hash := dedup.ContentHash(msg.Text)
	if rule.Dedup.Enabled && f.dedup.IsDuplicate(ctx, dedup.Query{
		RuleID:       rule.ID,
		ContentHash:  hash,
		Window:       rule.Dedup.Window,
		CheckContent: rule.Dedup.CheckContent,
	}) {
		f.logMessage(msg.ChatID, msg.ID, rule.ID, models.LogStatusDup, hash, "")
		return nil
	}

	text := FormatForward(msg)
	var errs error
	for _, target := range rule.ForwardTargets {
		if target == msg.ChatID {
			continue
		}
		err := mc.SendMessage(ctx, target, text, core.SendOptions{DisablePreview: true})
		if err == nil {
			f.logMessage(msg.ChatID, msg.ID, rule.ID, models.LogStatusSuccess, hash, fmt.Sprintf("target=%d", target))
			continue
		}

		f.logger.Warn("forward failed, scheduling retry",
			zap.Int64("rule_id", rule.ID),
			zap.Int64("target", target),
			zap.Error(err),
		)
		f.logMessage(msg.ChatID, msg.ID, rule.ID, models.LogStatusFailed, "", err.Error())
		payload := forwardPayload{
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			ChatID:      msg.ChatID,
			MessageID:   msg.ID,
			Target:      target,
			Text:        text,
			ContentHash: hash,
			Notify:      rule.Notify,
			Tags:        rule.Tags,
		}
		if qerr := f.queue.AddTask(ctx, retry.TaskSpec{
			ID:         ForwardTaskID(rule.ID, msg.ChatID, msg.ID, target),
			Type:       TaskForward,
			Payload:    payload,
			MaxRetries: ForwardMaxRetries,
			Strategy:   retry.StrategyFixed,
			BaseDelay:  ForwardRetryDelay,
		}); qerr != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to enqueue forward to %d: %w", target, qerr))
		}
	}
	return errs
}

// ForwardTaskID — ID задачи повтора пересылки одного сообщения в один чат.
func ForwardTaskID(ruleID, chatID int64, messageID int, target int64) string {
	return fmt.Sprintf("forward_%d_%d_%d_%d", ruleID, chatID, messageID, target)
}

// FormatForward — текст копии: источник, автор и исходный текст.
func FormatForward(msg *core.Message) string {
	var b strings.Builder
	b.WriteString("📨 ")
	if msg.ChatTitle != "" {
		b.WriteString(msg.ChatTitle)
	} else {
		fmt.Fprintf(&b, "chat %d", msg.ChatID)
	}
	if msg.Sender != nil && msg.Sender.Username != "" {
		b.WriteString(" | @")
		b.WriteString(msg.Sender.Username)
	}
	b.WriteString("\n\n")
	b.WriteString(msg.Text)
	return b.String()
}

// handleForwardTask — обработчик forward_message: отправка напрямую через транспорт.
func (f *Forwarder) handleForwardTask(ctx context.Context, task retry.Task) error {
	var p forwardPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	if f.transport == nil || !f.transport.IsConnected() {
		return core.ErrNotConnected
	}

	sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.transport.SendMessage(sendCtx, p.Target, p.Text, core.SendOptions{DisablePreview: true}); err != nil {
		return fmt.Errorf("failed to forward to %d: %w", p.Target, err)
	}
	f.logMessage(p.ChatID, p.MessageID, p.RuleID, models.LogStatusSuccess, p.ContentHash, fmt.Sprintf("target=%d retry", p.Target))
	return nil
}

func (f *Forwarder) onForwardExhausted(ctx context.Context, task retry.Task) {
	if task.Type != TaskForward {
		return
	}
	var p forwardPayload
	if err := task.Decode(&p); err != nil {
		f.logger.Error("invalid exhausted forward task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	f.logEvent(p.ChatID, notify.KindForwardFailed, fmt.Sprintf("rule=%d target=%d attempts=%d: %s", p.RuleID, p.Target, task.Attempt, task.LastError))
	if p.Notify {
		notify.Safe(ctx, f.notifier, notify.Notification{
			Kind:      notify.KindForwardFailed,
			RuleID:    p.RuleID,
			RuleName:  p.RuleName,
			ChatID:    p.ChatID,
			MessageID: p.MessageID,
			Detail:    task.LastError,
			Tags:      p.Tags,
		}, f.logger)
	}
}

func (f *Forwarder) logMessage(chatID int64, messageID int, ruleID int64, status, hash, detail string) {
	err := f.logs.Add(batch.EntityMessageLogs, models.MessageLog{
		ChatID:      chatID,
		MessageID:   messageID,
		RuleID:      ruleID,
		Processor:   Name,
		Status:      status,
		ContentHash: hash,
		Detail:      detail,
		CreatedAt:   f.now(),
	})
	if err != nil {
		f.logger.Warn("failed to buffer message log", zap.Error(err))
	}
}

func (f *Forwarder) logEvent(chatID int64, eventType, details string) {
	err := f.logs.Add(batch.EntityEventLog, models.EventLog{
		ChatID:    chatID,
		Module:    Name,
		EventType: eventType,
		Details:   details,
		CreatedAt: f.now(),
	})
	if err != nil {
		f.logger.Warn("failed to buffer event", zap.Error(err))
	}
}
