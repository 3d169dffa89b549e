package core

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flybasist/linkwatch/internal/cache"
	"github.com/flybasist/linkwatch/internal/filter"
	"github.com/flybasist/linkwatch/internal/linkextract"
	"github.com/flybasist/linkwatch/internal/models"
)

// fakeTransport — управляемый транспорт.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	delay     time.Duration
	err       error
	sent      []string
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID int64, text string, _ SendOptions) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) DownloadMedia(_ context.Context, msg *Message, destDir string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return destDir + "/" + msg.Media.FileName, nil
}

func (f *fakeTransport) IsConnected() bool { return f.connected }

// brokenCache паникует на любом обращении.
type brokenCache struct{}

func (brokenCache) ExtractedLinks(int64, int) (linkextract.Links, bool) { panic("cache down") }
func (brokenCache) CacheExtractedLinks(int64, int, linkextract.Links) { panic("cache down") }
func (brokenCache) MatchedKeywords(int64, int, string) ([]string, bool) { panic("cache down") }
func (brokenCache) CacheMatchedKeywords(int64, int, string, []string) { panic("cache down") }

// countingMatcher считает вызовы движка.
type countingMatcher struct {
	calls int32
}

func (m *countingMatcher) MatchKeywords(text string, keywords []string) []string {
	atomic.AddInt32(&m.calls, 1)
	return filter.MatchKeywordsNaive(text, keywords)
}

func newFactory(tr Transport, c Cache, m KeywordMatcher) *ContextFactory {
	return &ContextFactory{Transport: tr, Cache: c, Matcher: m, Logger: zap.NewNop(), Timeout: time.Second}
}

func testMessage(text string) Message {
	return Message{ID: 10, ChatID: -100, Text: text, Sender: &Sender{ID: 5}, Timestamp: time.Now()}
}

// TestLinksMemoized — повторные и конкурентные вызовы извлекают ссылки один раз
func TestLinksMemoized(t *testing.T) {
	c := cache.New(cache.Options{}, zap.NewNop())
	mc := newFactory(nil, c, filter.NewEngine(0)).New(testMessage("see https://115.com/s/abc123"))

	var calls int32
	mc.extract = func(text string) linkextract.Links {
		atomic.AddInt32(&calls, 1)
		return linkextract.Extract(text)
	}

	var wg sync.WaitGroup
	results := make([]linkextract.Links, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = mc.Links()
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("extraction ran %d times, want 1", calls)
	}
	want := linkextract.Links{models.LinkPan115: {"https://115.com/s/abc123"}}
	for _, r := range results {
		if !reflect.DeepEqual(r, want) {
			t.Fatalf("got %v, want %v", r, want)
		}
	}

	// Второй контекст того же сообщения берёт ссылки из общего кеша
	mc2 := newFactory(nil, c, filter.NewEngine(0)).New(testMessage("see https://115.com/s/abc123"))
	mc2.extract = func(string) linkextract.Links {
		t.Fatal("must not extract when cache has the links")
		return nil
	}
	if got := mc2.Links(); !reflect.DeepEqual(got, want) {
		t.Fatalf("cached links = %v", got)
	}
}

func TestLinksReturnCopies(t *testing.T) {
	mc := newFactory(nil, cache.New(cache.Options{}, zap.NewNop()), filter.NewEngine(0)).New(testMessage("https://pan.quark.cn/s/aaa"))
	first := mc.Links()
	first[models.LinkQuark][0] = "mutated"
	if mc.Links()[models.LinkQuark][0] != "https://pan.quark.cn/s/aaa" {
		t.Fatal("processors must not share the memo slice")
	}
}

func TestLinksFallbackWhenCacheBroken(t *testing.T) {
	mc := newFactory(nil, brokenCache{}, filter.NewEngine(0)).New(testMessage("magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567"))
	links := mc.Links()
	if len(links[models.LinkMagnet]) != 1 {
		t.Fatalf("expected direct extraction, got %v", links)
	}
}

func TestMatchedKeywordsMemoAndCache(t *testing.T) {
	c := cache.New(cache.Options{}, zap.NewNop())
	m := &countingMatcher{}
	mc := newFactory(nil, c, m).New(testMessage("New Movie 4K release"))

	got := mc.MatchedKeywords([]string{"movie", "4k", "series"})
	if !reflect.DeepEqual(got, []string{"movie", "4k"}) {
		t.Fatalf("MatchedKeywords() = %v", got)
	}
	// Тот же набор в другом порядке — тот же ключ, без повторного вычисления
	mc.MatchedKeywords([]string{"series", "4K", "movie"})
	if m.calls != 1 {
		t.Fatalf("engine called %d times, want 1", m.calls)
	}

	// Новый контекст того же сообщения берёт результат из общего кеша
	mc2 := newFactory(nil, c, m).New(testMessage("New Movie 4K release"))
	mc2.MatchedKeywords([]string{"movie", "4k", "series"})
	if m.calls != 1 {
		t.Fatalf("engine called %d times after cache hit, want 1", m.calls)
	}
}

func TestMatchedKeywordsConcurrentSingleComputation(t *testing.T) {
	m := &countingMatcher{}
	mc := newFactory(nil, cache.New(cache.Options{}, zap.NewNop()), m).New(testMessage("alpha beta"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := mc.MatchedKeywords([]string{"alpha"}); len(got) != 1 {
				t.Errorf("unexpected result %v", got)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&m.calls); n != 1 {
		t.Fatalf("engine called %d times, want 1", n)
	}
}

// TestNaiveMatchFallback — сломанный кеш переключает на naiveMatch с тем же результатом
func TestNaiveMatchFallback(t *testing.T) {
	keywords := []string{"Movie", "series"}

	healthy := newFactory(nil, cache.New(cache.Options{}, zap.NewNop()), filter.NewEngine(10)).New(testMessage("a movie night"))
	broken := newFactory(nil, brokenCache{}, filter.NewEngine(10)).New(testMessage("a movie night"))
	missing := newFactory(nil, nil, nil).New(testMessage("a movie night"))

	want := healthy.MatchedKeywords(keywords)
	if !reflect.DeepEqual(broken.MatchedKeywords(keywords), want) {
		t.Fatal("fallback must give the same result as the engine")
	}
	if !reflect.DeepEqual(missing.MatchedKeywords(keywords), want) {
		t.Fatal("missing services must fall back to naive match")
	}
	if len(want) != 1 || want[0] != "Movie" {
		t.Fatalf("unexpected match %v", want)
	}
}

func TestSendMessageGuards(t *testing.T) {
	ctx := context.Background()

	disconnected := newFactory(&fakeTransport{connected: false}, nil, nil).New(testMessage(""))
	if err := disconnected.SendMessage(ctx, 1, "hi", SendOptions{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	noTransport := newFactory(nil, nil, nil).New(testMessage(""))
	if err := noTransport.SendMessage(ctx, 1, "hi", SendOptions{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected without transport, got %v", err)
	}

	slowTr := &fakeTransport{connected: true, delay: time.Second}
	f := newFactory(slowTr, nil, nil)
	f.Timeout = 20 * time.Millisecond
	if err := f.New(testMessage("")).SendMessage(ctx, 1, "hi", SendOptions{}); !errors.Is(err, ErrSendTimeout) {
		t.Fatalf("expected ErrSendTimeout, got %v", err)
	}

	boom := errors.New("flood wait")
	failing := newFactory(&fakeTransport{connected: true, err: boom}, nil, nil).New(testMessage(""))
	if err := failing.SendMessage(ctx, 1, "hi", SendOptions{}); !errors.Is(err, boom) {
		t.Fatalf("transport error must be surfaced, got %v", err)
	}

	ok := &fakeTransport{connected: true}
	if err := newFactory(ok, nil, nil).New(testMessage("")).SendMessage(ctx, 1, "hi", SendOptions{}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(ok.sent) != 1 {
		t.Fatal("message not sent")
	}
}

func TestDownloadMedia(t *testing.T) {
	tr := &fakeTransport{connected: true}
	msg := testMessage("")
	if _, err := newFactory(tr, nil, nil).New(msg).DownloadMedia(context.Background(), "/tmp"); err == nil {
		t.Fatal("expected error for message without media")
	}

	msg.Media = &Media{Kind: "document", FileID: "f", FileName: "a.mkv"}
	path, err := newFactory(tr, nil, nil).New(msg).DownloadMedia(context.Background(), "/data")
	if err != nil || path != "/data/a.mkv" {
		t.Fatalf("DownloadMedia() = %q, %v", path, err)
	}
}
