// Package models описывает доменные типы конвейера: правила мониторинга,
// записи о найденных ресурсах и загрузках медиа.
// Русский комментарий: JSON-конфиг правил разбирается ровно один раз — на границе
// чтения из БД (repositories), дальше процессоры работают только с типизированными структурами.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRule — ошибка конфигурации правила (фатальная, не ретраится).
var ErrInvalidRule = errors.New("invalid rule configuration")

// RuleKind определяет, какой процессор обслуживает правило.
type RuleKind string

const (
	RuleKindResource RuleKind = "resource"
	RuleKindForward  RuleKind = "forward"
	RuleKindMedia    RuleKind = "media"
)

// SenderMode — режим фильтра отправителей.
type SenderMode string

const (
	SenderModeNone      SenderMode = "none"
	SenderModeWhitelist SenderMode = "whitelist"
	SenderModeBlacklist SenderMode = "blacklist"
)

// LinkType — тип извлекаемой ссылки.
type LinkType string

const (
	LinkPan115 LinkType = "pan115"
	LinkAliyun LinkType = "aliyun"
	LinkQuark  LinkType = "quark"
	LinkBaidu  LinkType = "baidu"
	LinkTianyi LinkType = "tianyi"
	LinkMagnet LinkType = "magnet"
	LinkEd2k   LinkType = "ed2k"
)

// KnownLinkTypes — все поддерживаемые типы в порядке приоритета извлечения.
var KnownLinkTypes = []LinkType{LinkPan115, LinkAliyun, LinkQuark, LinkBaidu, LinkTianyi, LinkMagnet, LinkEd2k}

// IsKnown сообщает, поддерживается ли тип ссылки.
func (t LinkType) IsKnown() bool {
	for _, k := range KnownLinkTypes {
		if k == t {
			return true
		}
	}
	return false
}

// DedupConfig — настройки дедупликации правила.
type DedupConfig struct {
	Enabled      bool
	Window       time.Duration
	CheckContent bool
	CheckMedia   bool
}

// DefaultDedupWindow используется, если окно в конфиге не задано.
const DefaultDedupWindow = time.Hour

// Rule — типизированное правило мониторинга.
// Русский комментарий: Правила принадлежат CRUD-слою; конвейер их только читает
// и перечитывает на каждое сообщение, не кешируя между сообщениями.
type Rule struct {
	ID              int64
	Name            string
	Kind            RuleKind
	Enabled         bool
	SourceChats     []int64
	IncludeKeywords []string
	ExcludeKeywords []string
	SenderMode      SenderMode
	SenderIDs       []int64
	LinkTypes       []LinkType
	AutoSave        bool
	TargetPaths     map[LinkType]string
	Dedup           DedupConfig
	ForwardTargets  []int64
	MediaKinds      []string
	DownloadDir     string
	Notify          bool
	Tags            []string
}

// AppliesToChat проверяет, что правило активно и слушает данный чат.
func (r *Rule) AppliesToChat(chatID int64) bool {
	if !r.Enabled {
		return false
	}
	for _, id := range r.SourceChats {
		if id == chatID {
			return true
		}
	}
	return false
}

// WantsLinkType проверяет, включён ли тип ссылки в правиле.
// Пустой список означает «все известные типы».
func (r *Rule) WantsLinkType(t LinkType) bool {
	if len(r.LinkTypes) == 0 {
		return t.IsKnown()
	}
	for _, lt := range r.LinkTypes {
		if lt == t {
			return true
		}
	}
	return false
}

// WantsMediaKind проверяет тип медиа; пустой список — любые медиа.
func (r *Rule) WantsMediaKind(kind string) bool {
	if len(r.MediaKinds) == 0 {
		return kind != ""
	}
	for _, k := range r.MediaKinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}

// TargetPath возвращает путь сохранения для типа ссылки ("/" по умолчанию).
func (r *Rule) TargetPath(t LinkType) string {
	if p, ok := r.TargetPaths[t]; ok && p != "" {
		return p
	}
	return "/"
}

// ruleConfig — форма JSONB-колонки config в таблице monitor_rules.
type ruleConfig struct {
	IncludeKeywords []string          `json:"include_keywords"`
	ExcludeKeywords []string          `json:"exclude_keywords"`
	SenderMode      string            `json:"sender_mode"`
	SenderIDs       []int64           `json:"sender_ids"`
	LinkTypes       []string          `json:"link_types"`
	AutoSave        bool              `json:"auto_save"`
	TargetPaths     map[string]string `json:"target_paths"`
	Dedup           *struct {
		Enabled       bool  `json:"enabled"`
		WindowSeconds int64 `json:"window_seconds"`
		CheckContent  *bool `json:"check_content"`
		CheckMedia    *bool `json:"check_media"`
	} `json:"dedup"`
	ForwardTargets []int64  `json:"forward_targets"`
	MediaKinds     []string `json:"media_kinds"`
	DownloadDir    string   `json:"download_dir"`
	Notify         bool     `json:"notify"`
	Tags           []string `json:"tags"`
}

// ParseRuleConfig разбирает JSON-конфиг правила в типизированные поля rule.
// Неизвестный тип ссылки, неизвестный режим отправителей или отсутствие
// обязательных для вида правила полей — ошибка конфигурации.
func ParseRuleConfig(rule *Rule, raw []byte) error {
	var cfg ruleConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("%w: rule %d: %v", ErrInvalidRule, rule.ID, err)
		}
	}

	rule.IncludeKeywords = compactStrings(cfg.IncludeKeywords)
	rule.ExcludeKeywords = compactStrings(cfg.ExcludeKeywords)
	rule.SenderIDs = cfg.SenderIDs
	rule.AutoSave = cfg.AutoSave
	rule.ForwardTargets = cfg.ForwardTargets
	rule.MediaKinds = compactStrings(cfg.MediaKinds)
	rule.DownloadDir = cfg.DownloadDir
	rule.Notify = cfg.Notify
	rule.Tags = compactStrings(cfg.Tags)

	switch SenderMode(cfg.SenderMode) {
	case "", SenderModeNone:
		rule.SenderMode = SenderModeNone
	case SenderModeWhitelist, SenderModeBlacklist:
		rule.SenderMode = SenderMode(cfg.SenderMode)
	default:
		return fmt.Errorf("%w: rule %d: unknown sender_mode %q", ErrInvalidRule, rule.ID, cfg.SenderMode)
	}

	rule.LinkTypes = nil
	for _, s := range cfg.LinkTypes {
		lt := LinkType(strings.ToLower(strings.TrimSpace(s)))
		if !lt.IsKnown() {
			return fmt.Errorf("%w: rule %d: unknown link type %q", ErrInvalidRule, rule.ID, s)
		}
		rule.LinkTypes = append(rule.LinkTypes, lt)
	}

	rule.TargetPaths = make(map[LinkType]string, len(cfg.TargetPaths))
	for k, v := range cfg.TargetPaths {
		rule.TargetPaths[LinkType(strings.ToLower(k))] = v
	}

	// Русский комментарий: дедупликация по умолчанию включена с окном в час и
	// проверкой контента — так же ведёт себя CRUD-слой при создании правила.
	rule.Dedup = DedupConfig{Enabled: true, Window: DefaultDedupWindow, CheckContent: true}
	if d := cfg.Dedup; d != nil {
		rule.Dedup.Enabled = d.Enabled
		if d.WindowSeconds > 0 {
			rule.Dedup.Window = time.Duration(d.WindowSeconds) * time.Second
		}
		if d.CheckContent != nil {
			rule.Dedup.CheckContent = *d.CheckContent
		}
		if d.CheckMedia != nil {
			rule.Dedup.CheckMedia = *d.CheckMedia
		}
	}

	switch rule.Kind {
	case RuleKindForward:
		if len(rule.ForwardTargets) == 0 {
			return fmt.Errorf("%w: rule %d: forward rule without forward_targets", ErrInvalidRule, rule.ID)
		}
	case RuleKindMedia:
		if rule.DownloadDir == "" {
			return fmt.Errorf("%w: rule %d: media rule without download_dir", ErrInvalidRule, rule.ID)
		}
	case RuleKindResource:
	default:
		return fmt.Errorf("%w: rule %d: unknown kind %q", ErrInvalidRule, rule.ID, rule.Kind)
	}

	return nil
}

func compactStrings(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
