package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/flybasist/linkwatch/internal/filter"
	"github.com/flybasist/linkwatch/internal/linkextract"
)

var (
	// ErrNotConnected — транспорт сейчас не подключён.
	ErrNotConnected = errors.New("transport is not connected")
	// ErrSendTimeout — операция транспорта не уложилась в таймаут.
	ErrSendTimeout = errors.New("transport operation timed out")

	errServicesUnavailable = errors.New("cache or filter engine not configured")
)

// DefaultTransportTimeout — таймаут отправки и скачивания по умолчанию.
const DefaultTransportTimeout = 30 * time.Second

// Cache — общий кеш производных вычислений (см. internal/cache).
type Cache interface {
	ExtractedLinks(chatID int64, messageID int) (linkextract.Links, bool)
	CacheExtractedLinks(chatID int64, messageID int, links linkextract.Links)
	MatchedKeywords(chatID int64, messageID int, keywordsHash string) ([]string, bool)
	CacheMatchedKeywords(chatID int64, messageID int, keywordsHash string, matched []string)
}

// KeywordMatcher — движок сопоставления ключевых слов (см. internal/filter).
type KeywordMatcher interface {
	MatchKeywords(text string, keywords []string) []string
}

// ContextFactory собирает MessageContext для каждого входящего сообщения.
// Русский комментарий: Аналог ModuleDependencies — все контексты получают одни и те же
// сервисы, созданные в main и переданные явно.
type ContextFactory struct {
	Transport Transport
	Cache     Cache
	Matcher   KeywordMatcher
	Logger    *zap.Logger
	Timeout   time.Duration
}

// New создаёт контекст для сообщения.
func (f *ContextFactory) New(msg Message) *MessageContext {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTransportTimeout
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageContext{
		Message:   msg,
		transport: f.Transport,
		cache:     f.Cache,
		matcher:   f.Matcher,
		logger:    logger,
		timeout:   timeout,
		extract:   linkextract.Extract,
		keywords:  make(map[string][]string),
	}
}

// MessageContext — контекст одного сообщения на время цикла диспетчеризации.
// Русский комментарий: Лениво считает и запоминает ссылки и совпадения ключевых слов —
// сначала в локальной памяти контекста, затем в общем кеше. Процессоры выполняются
// параллельно, поэтому все методы потокобезопасны.
type MessageContext struct {
	Message Message

	transport Transport
	cache     Cache
	matcher   KeywordMatcher
	logger    *zap.Logger
	timeout   time.Duration
	extract   func(text string) linkextract.Links

	linksOnce sync.Once
	links     linkextract.Links

	mu       sync.Mutex
	keywords map[string][]string
	group    singleflight.Group
}

// Links возвращает извлечённые ссылки. Извлечение выполняется не более одного раза
// на контекст, даже при конкурентных вызовах. Результат — копия.
func (mc *MessageContext) Links() linkextract.Links {
	mc.linksOnce.Do(func() {
		links, err := mc.linksViaCache()
		if err != nil {
			mc.logger.Warn("message cache unavailable, extracting directly",
				zap.Int64("chat_id", mc.Message.ChatID),
				zap.Int("message_id", mc.Message.ID),
				zap.Error(err),
			)
			links = mc.extract(mc.Message.Text)
		}
		mc.links = links
	})
	return mc.links.Clone()
}

// linksViaCache читает ссылки из общего кеша или вычисляет и кладёт их туда.
func (mc *MessageContext) linksViaCache() (links linkextract.Links, err error) {
	if mc.cache == nil {
		return nil, errServicesUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message cache failed: %v", r)
		}
	}()

	if cached, ok := mc.cache.ExtractedLinks(mc.Message.ChatID, mc.Message.ID); ok {
		return cached, nil
	}
	links = mc.extract(mc.Message.Text)
	mc.cache.CacheExtractedLinks(mc.Message.ChatID, mc.Message.ID, links)
	return links, nil
}

// MatchedKeywords возвращает ключевые слова из списка, найденные в тексте.
// Ключ — стабильный хеш отсортированного списка без дубликатов. Конкурентные вызовы
// с одним набором делят одно вычисление. Если кеш или движок недоступны, используется
// прямой проход naiveMatch: отказ оптимизации не ломает корректность.
func (mc *MessageContext) MatchedKeywords(keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}
	hash := filter.KeywordsHash(keywords)

	mc.mu.Lock()
	if memo, ok := mc.keywords[hash]; ok {
		mc.mu.Unlock()
		return append([]string(nil), memo...)
	}
	mc.mu.Unlock()

	v, _, _ := mc.group.Do(hash, func() (any, error) {
		matched, err := mc.keywordsViaServices(keywords, hash)
		if err != nil {
			mc.logger.Warn("keyword services unavailable, using naive match",
				zap.Int64("chat_id", mc.Message.ChatID),
				zap.Int("message_id", mc.Message.ID),
				zap.Error(err),
			)
			matched = naiveMatch(mc.Message.Text, keywords)
		}

		mc.mu.Lock()
		mc.keywords[hash] = matched
		mc.mu.Unlock()
		return matched, nil
	})

	matched, _ := v.([]string)
	return append([]string(nil), matched...)
}

func (mc *MessageContext) keywordsViaServices(keywords []string, hash string) (matched []string, err error) {
	if mc.cache == nil || mc.matcher == nil {
		return nil, errServicesUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("keyword services failed: %v", r)
		}
	}()

	if cached, ok := mc.cache.MatchedKeywords(mc.Message.ChatID, mc.Message.ID, hash); ok {
		return cached, nil
	}
	matched = mc.matcher.MatchKeywords(mc.Message.Text, keywords)
	mc.cache.CacheMatchedKeywords(mc.Message.ChatID, mc.Message.ID, hash, matched)
	return matched, nil
}

// naiveMatch — запасной путь без кеша и движка.
func naiveMatch(text string, keywords []string) []string {
	return filter.MatchKeywordsNaive(text, keywords)
}

// SendMessage отправляет текст в чат через транспорт.
func (mc *MessageContext) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) error {
	_, err := guarded(ctx, mc, "send_message", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, mc.transport.SendMessage(ctx, chatID, text, opts)
	})
	return err
}

// DownloadMedia скачивает вложение сообщения в destDir и возвращает путь к файлу.
func (mc *MessageContext) DownloadMedia(ctx context.Context, destDir string) (string, error) {
	if mc.Message.Media == nil {
		return "", errors.New("message has no media")
	}
	return guarded(ctx, mc, "download_media", func(ctx context.Context) (string, error) {
		return mc.transport.DownloadMedia(ctx, &mc.Message, destDir)
	})
}

type guardedResult[T any] struct {
	val T
	err error
}

// guarded проверяет подключение и ограничивает операцию таймаутом.
// Ошибки транспорта возвращаются вызывающему с обёрткой, не проглатываются.
func guarded[T any](ctx context.Context, mc *MessageContext, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if mc.transport == nil || !mc.transport.IsConnected() {
		return zero, fmt.Errorf("%s: %w", op, ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, mc.timeout)
	defer cancel()

	resCh := make(chan guardedResult[T], 1)
	go func() {
		v, err := fn(ctx)
		resCh <- guardedResult[T]{val: v, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err == nil {
			return res.val, nil
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s: %w", op, ErrSendTimeout)
		}
		return zero, fmt.Errorf("%s: %w", op, res.err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s: %w", op, ErrSendTimeout)
		}
		return zero, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}
