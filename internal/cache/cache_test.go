package cache

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flybasist/linkwatch/internal/linkextract"
	"github.com/flybasist/linkwatch/internal/models"
)

// fakeClock — управляемые часы для проверки TTL.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, max int) (*MessageCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := New(Options{TTL: ttl, MaxEntries: max}, zap.NewNop())
	c.now = clock.Now
	return c, clock
}

func TestLinksRoundTripAndCopy(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	links := linkextract.Links{models.LinkPan115: {"https://115.com/s/abc"}}
	c.CacheExtractedLinks(1, 2, links)

	// Мутация исходной карты после записи не должна влиять на кеш
	links[models.LinkPan115][0] = "mutated"

	got, ok := c.ExtractedLinks(1, 2)
	if !ok {
		t.Fatal("expected cache hit")
	}
	want := linkextract.Links{models.LinkPan115: {"https://115.com/s/abc"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// Мутация прочитанной копии тоже не должна влиять
	got[models.LinkPan115][0] = "mutated again"
	again, _ := c.ExtractedLinks(1, 2)
	if !reflect.DeepEqual(again, want) {
		t.Fatalf("cache returned shared data: %v", again)
	}

	if _, ok := c.ExtractedLinks(1, 3); ok {
		t.Error("unexpected hit for another message")
	}
}

func TestEmptyLinksAreCached(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	c.CacheExtractedLinks(1, 1, nil)

	got, ok := c.ExtractedLinks(1, 1)
	if !ok {
		t.Fatal("a message without links must still be a cache hit")
	}
	if got.Count() != 0 {
		t.Fatalf("expected no links, got %v", got)
	}
}

func TestKeywordsKeyedByHash(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	c.CacheMatchedKeywords(1, 1, "h1", []string{"movie"})

	if got, ok := c.MatchedKeywords(1, 1, "h1"); !ok || !reflect.DeepEqual(got, []string{"movie"}) {
		t.Fatalf("MatchedKeywords(h1) = %v, %v", got, ok)
	}
	if _, ok := c.MatchedKeywords(1, 1, "h2"); ok {
		t.Error("different keyword hash must miss")
	}
}

func TestTTLExpiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	c.CacheMatchedKeywords(1, 1, "h", []string{"a"})

	clock.Advance(59 * time.Second)
	if _, ok := c.MatchedKeywords(1, 1, "h"); !ok {
		t.Fatal("entry expired too early")
	}

	clock.Advance(time.Second)
	if _, ok := c.MatchedKeywords(1, 1, "h"); ok {
		t.Fatal("entry must expire after TTL")
	}

	stats := c.Stats()
	if stats.Expired != 1 || stats.Size != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEvictsOldestInsertion(t *testing.T) {
	c, clock := newTestCache(time.Hour, 3)

	for i := 1; i <= 3; i++ {
		c.CacheMatchedKeywords(1, i, "h", []string{fmt.Sprint(i)})
		clock.Advance(time.Second)
	}
	// Чтение не продлевает жизнь записи: политика — по времени вставки
	if _, ok := c.MatchedKeywords(1, 1, "h"); !ok {
		t.Fatal("expected hit for message 1")
	}

	c.CacheMatchedKeywords(1, 4, "h", []string{"4"})

	if _, ok := c.MatchedKeywords(1, 1, "h"); ok {
		t.Error("oldest insertion must be evicted")
	}
	for i := 2; i <= 4; i++ {
		if _, ok := c.MatchedKeywords(1, i, "h"); !ok {
			t.Errorf("message %d must stay in cache", i)
		}
	}

	stats := c.Stats()
	if stats.Size != 3 || stats.Evictions != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	c.CacheMatchedKeywords(1, 1, "h", nil)
	clock.Advance(30 * time.Second)
	c.CacheMatchedKeywords(1, 2, "h", nil)
	clock.Advance(40 * time.Second)

	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep() removed %d, want 1", n)
	}
	if _, ok := c.MatchedKeywords(1, 2, "h"); !ok {
		t.Error("fresh entry must survive sweep")
	}
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	c.CacheMatchedKeywords(1, 1, "h", nil)
	c.CacheExtractedLinks(1, 1, nil)
	c.Clear()
	if c.Stats().Size != 0 {
		t.Fatal("Clear must remove every entry")
	}
}

func TestStartStop(t *testing.T) {
	c := New(Options{SweepSpec: "@every 1h"}, zap.NewNop())
	if err := c.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	// Повторный старт — no-op
	if err := c.Start(); err != nil {
		t.Fatalf("second Start() failed: %v", err)
	}
	c.Stop()
	c.Stop()

	bad := New(Options{SweepSpec: "not a cron spec"}, zap.NewNop())
	if err := bad.Start(); err == nil {
		t.Fatal("expected error for invalid sweep spec")
	}
}

// TestConcurrentAccess — перекрывающиеся ключи из нескольких горутин (запускать с -race)
func TestConcurrentAccess(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxEntries: 50}, zap.NewNop())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				msg := i % 20
				c.CacheMatchedKeywords(1, msg, "h", []string{fmt.Sprint(msg)})
				if got, ok := c.MatchedKeywords(1, msg, "h"); ok && len(got) != 1 {
					t.Errorf("partial value: %v", got)
				}
			}
		}(g)
	}
	wg.Wait()

	if size := c.Stats().Size; size > 50 {
		t.Fatalf("cache exceeded capacity: %d", size)
	}
}
