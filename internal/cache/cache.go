// Package cache — общий для всех процессоров кеш производных вычислений по сообщению.
// Русский комментарий: Ключ — (chat_id, message_id, вид вычисления, хеш параметров).
// Входные данные сообщения неизменяемы, поэтому записи никогда не инвалидируются по
// содержимому — только по TTL и по ёмкости (вытесняется самая старая вставка).
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flybasist/linkwatch/internal/linkextract"
)

// Значения по умолчанию.
const (
	DefaultTTL        = 10 * time.Minute
	DefaultMaxEntries = 10000
	DefaultSweepSpec  = "@every 1m"
)

// Kind — вид закешированного вычисления.
type Kind string

const (
	KindLinks    Kind = "links"
	KindKeywords Kind = "keywords"
)

type key struct {
	chatID    int64
	messageID int
	kind      Kind
	param     string
}

type entry struct {
	key        key
	value      any
	insertedAt time.Time
}

// Stats — снимок счётчиков кеша.
type Stats struct {
	Size      int   `json:"size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// Options — параметры кеша.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	SweepSpec  string // cron-выражение периодической очистки просроченных записей
}

// MessageCache — потокобезопасный TTL-кеш с ограничением размера.
type MessageCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	items   map[key]*list.Element
	order   *list.List // от старых вставок к новым
	stats   Stats
	now     func() time.Time
	logger  *zap.Logger
	cron    *cron.Cron
	sweep   string
	running bool
}

// New создаёт кеш. Нулевые опции заменяются значениями по умолчанию.
func New(opts Options, logger *zap.Logger) *MessageCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.SweepSpec == "" {
		opts.SweepSpec = DefaultSweepSpec
	}
	return &MessageCache{
		ttl:    opts.TTL,
		max:    opts.MaxEntries,
		items:  make(map[key]*list.Element),
		order:  list.New(),
		now:    time.Now,
		logger: logger,
		sweep:  opts.SweepSpec,
	}
}

// Start запускает фоновую очистку просроченных записей.
func (c *MessageCache) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(c.sweep, func() {
		if n := c.Sweep(); n > 0 {
			c.logger.Debug("message cache sweep", zap.Int("expired", n))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}
	c.cron.Start()
	c.running = true

	c.logger.Info("message cache started",
		zap.Duration("ttl", c.ttl),
		zap.Int("max_entries", c.max),
		zap.String("sweep", c.sweep),
	)
	return nil
}

// Stop останавливает фоновую очистку. Содержимое кеша сохраняется.
func (c *MessageCache) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cr := c.cron
	c.running = false
	c.mu.Unlock()

	<-cr.Stop().Done()
	c.logger.Info("message cache stopped")
}

// ExtractedLinks возвращает закешированные ссылки сообщения.
func (c *MessageCache) ExtractedLinks(chatID int64, messageID int) (linkextract.Links, bool) {
	v, ok := c.get(key{chatID: chatID, messageID: messageID, kind: KindLinks})
	if !ok {
		return nil, false
	}
	links, _ := v.(linkextract.Links)
	return links.Clone(), true
}

// CacheExtractedLinks сохраняет ссылки сообщения (копию).
func (c *MessageCache) CacheExtractedLinks(chatID int64, messageID int, links linkextract.Links) {
	c.set(key{chatID: chatID, messageID: messageID, kind: KindLinks}, links.Clone())
}

// MatchedKeywords возвращает закешированные совпадения для набора ключевых слов.
func (c *MessageCache) MatchedKeywords(chatID int64, messageID int, keywordsHash string) ([]string, bool) {
	v, ok := c.get(key{chatID: chatID, messageID: messageID, kind: KindKeywords, param: keywordsHash})
	if !ok {
		return nil, false
	}
	matched, _ := v.([]string)
	return append([]string(nil), matched...), true
}

// CacheMatchedKeywords сохраняет совпадения (копию).
func (c *MessageCache) CacheMatchedKeywords(chatID int64, messageID int, keywordsHash string, matched []string) {
	c.set(key{chatID: chatID, messageID: messageID, kind: KindKeywords, param: keywordsHash}, append([]string(nil), matched...))
}

// Stats возвращает снимок счётчиков.
func (c *MessageCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.items)
	return s
}

// Clear удаляет все записи.
func (c *MessageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[key]*list.Element)
	c.order.Init()
}

// Sweep удаляет просроченные записи и возвращает их количество.
func (c *MessageCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	// Русский комментарий: order упорядочен по времени вставки, поэтому можно
	// остановиться на первой непросроченной записи.
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.insertedAt) < c.ttl {
			break
		}
		next := el.Next()
		c.removeElement(el)
		c.stats.Expired++
		removed++
		el = next
	}
	return removed
}

func (c *MessageCache) get(k key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[k]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.insertedAt) >= c.ttl {
		c.removeElement(el)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.value, true
}

func (c *MessageCache) set(k key, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Sets++
	if el, ok := c.items[k]; ok {
		// Повторная запись того же ключа — переносим в конец как новую вставку.
		e := el.Value.(*entry)
		e.value = v
		e.insertedAt = c.now()
		c.order.MoveToBack(el)
		return
	}

	el := c.order.PushBack(&entry{key: k, value: v, insertedAt: c.now()})
	c.items[k] = el

	for len(c.items) > c.max {
		c.removeElement(c.order.Front())
		c.stats.Evictions++
	}
}

func (c *MessageCache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.items, e.key)
	c.order.Remove(el)
}
