// Package filter — движок фильтрации: совпадение ключевых слов и списки отправителей.
// Русский комментарий: Функции чистые относительно входов. Внутренний кеш результатов —
// только оптимизация: с кешем и без него вызывающий получает одинаковый результат.
package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/flybasist/linkwatch/internal/models"
)

// DefaultCacheSize — предел записей во внутреннем кеше совпадений.
const DefaultCacheSize = 4096

// Stats — счётчики движка.
type Stats struct {
	Calls  int64 `json:"calls"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// Engine сопоставляет текст с наборами ключевых слов.
type Engine struct {
	mu      sync.Mutex
	maxSize int
	results map[string][]string
	order   []string // порядок вставки для вытеснения
	calls   int64
	hits    int64
	misses  int64
}

// NewEngine создаёт движок; maxSize <= 0 отключает кеш.
func NewEngine(maxSize int) *Engine {
	return &Engine{
		maxSize: maxSize,
		results: make(map[string][]string),
	}
}

// MatchKeywords возвращает ключевые слова, встречающиеся в тексте (без учёта регистра).
// Порядок — как в keywords, дубликаты (без учёта регистра) убраны.
func (e *Engine) MatchKeywords(text string, keywords []string) []string {
	if text == "" || len(keywords) == 0 {
		e.mu.Lock()
		e.calls++
		e.mu.Unlock()
		return nil
	}

	key := resultKey(text, keywords)

	e.mu.Lock()
	e.calls++
	if cached, ok := e.results[key]; ok {
		e.hits++
		e.mu.Unlock()
		return append([]string(nil), cached...)
	}
	e.misses++
	e.mu.Unlock()

	matched := MatchKeywordsNaive(text, keywords)

	if e.maxSize > 0 {
		e.mu.Lock()
		if _, ok := e.results[key]; !ok {
			e.results[key] = append([]string(nil), matched...)
			e.order = append(e.order, key)
			for len(e.order) > e.maxSize {
				delete(e.results, e.order[0])
				e.order = e.order[1:]
			}
		}
		e.mu.Unlock()
	}

	return matched
}

// Stats возвращает снимок счётчиков.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Calls: e.calls, Hits: e.hits, Misses: e.misses, Size: len(e.results)}
}

// ClearCache очищает кеш результатов (счётчики сохраняются).
func (e *Engine) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = make(map[string][]string)
	e.order = nil
}

// MatchKeywordsNaive — прямой проход без кеша.
// Используется и как реализация движка, и как запасной путь MessageContext.
func MatchKeywordsNaive(text string, keywords []string) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]struct{}, len(keywords))
	var matched []string
	for _, kw := range keywords {
		norm := strings.ToLower(strings.TrimSpace(kw))
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		if strings.Contains(lower, norm) {
			matched = append(matched, kw)
		}
	}
	return matched
}

// MatchSender проверяет отправителя по режиму правила.
// Неизвестный отправитель (senderID == 0) проходит только режим none и чёрный список.
func MatchSender(mode models.SenderMode, ids []int64, senderID int64) bool {
	switch mode {
	case models.SenderModeWhitelist:
		if senderID == 0 {
			return false
		}
		return containsID(ids, senderID)
	case models.SenderModeBlacklist:
		if senderID == 0 {
			return true
		}
		return !containsID(ids, senderID)
	default:
		return true
	}
}

// KeywordsHash — стабильный хеш набора ключевых слов:
// нижний регистр, без дубликатов, отсортированный.
func KeywordsHash(keywords []string) string {
	set := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			set[kw] = struct{}{}
		}
	}
	norm := make([]string, 0, len(set))
	for kw := range set {
		norm = append(norm, kw)
	}
	sort.Strings(norm)

	sum := sha256.Sum256([]byte(strings.Join(norm, "\x00")))
	return hex.EncodeToString(sum[:16])
}

func resultKey(text string, keywords []string) string {
	h := sha256.New()
	h.Write([]byte(text))
	for _, kw := range keywords {
		h.Write([]byte{0})
		h.Write([]byte(kw))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
