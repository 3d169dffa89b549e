package filter

import (
	"reflect"
	"testing"

	"github.com/flybasist/linkwatch/internal/models"
)

// TestMatchKeywords проверяет регистронезависимое совпадение и порядок
func TestMatchKeywords(t *testing.T) {
	e := NewEngine(DefaultCacheSize)

	cases := []struct {
		name     string
		text     string
		keywords []string
		want     []string
	}{
		{"empty text", "", []string{"a"}, nil},
		{"no keywords", "hello", nil, nil},
		{"case insensitive", "New MOVIE 4k", []string{"movie", "4K"}, []string{"movie", "4K"}},
		{"order preserved", "b a", []string{"b", "x", "a"}, []string{"b", "a"}},
		{"duplicates removed", "Movie", []string{"movie", "MOVIE", "movie"}, []string{"movie"}},
		{"blank keyword ignored", "text", []string{" ", "text"}, []string{"text"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := e.MatchKeywords(c.text, c.keywords)
			if !reflect.DeepEqual(got, c.want) {
				t.Fatalf("MatchKeywords() = %v, want %v", got, c.want)
			}
		})
	}
}

// TestCacheDoesNotChangeResults — с кешем и без кеша результат одинаковый
func TestCacheDoesNotChangeResults(t *testing.T) {
	cached := NewEngine(2)
	plain := NewEngine(0)

	inputs := []struct {
		text     string
		keywords []string
	}{
		{"alpha beta", []string{"beta", "alpha"}},
		{"gamma", []string{"gamma"}},
		{"alpha beta", []string{"beta", "alpha"}},
		{"delta", []string{"x"}},
		{"alpha beta", []string{"beta", "alpha"}},
	}

	for _, in := range inputs {
		a := cached.MatchKeywords(in.text, in.keywords)
		b := plain.MatchKeywords(in.text, in.keywords)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("cached=%v plain=%v for %q", a, b, in.text)
		}
	}

	stats := cached.Stats()
	if stats.Hits == 0 {
		t.Error("expected at least one cache hit")
	}
	if stats.Size > 2 {
		t.Errorf("cache exceeded max size: %d", stats.Size)
	}

	cached.ClearCache()
	if cached.Stats().Size != 0 {
		t.Error("ClearCache must empty the cache")
	}
}

func TestCachedResultIsCopy(t *testing.T) {
	e := NewEngine(10)
	first := e.MatchKeywords("abc", []string{"abc"})
	first[0] = "mutated"
	second := e.MatchKeywords("abc", []string{"abc"})
	if second[0] != "abc" {
		t.Fatalf("cache returned shared slice: %v", second)
	}
}

func TestMatchSender(t *testing.T) {
	ids := []int64{10, 20}
	cases := []struct {
		mode   models.SenderMode
		sender int64
		want   bool
	}{
		{models.SenderModeNone, 99, true},
		{models.SenderModeWhitelist, 10, true},
		{models.SenderModeWhitelist, 99, false},
		{models.SenderModeWhitelist, 0, false},
		{models.SenderModeBlacklist, 20, false},
		{models.SenderModeBlacklist, 99, true},
		{models.SenderModeBlacklist, 0, true},
	}
	for _, c := range cases {
		if got := MatchSender(c.mode, ids, c.sender); got != c.want {
			t.Errorf("MatchSender(%s, %d) = %v, want %v", c.mode, c.sender, got, c.want)
		}
	}
}

func TestKeywordsHashStable(t *testing.T) {
	a := KeywordsHash([]string{"B", "a", "a"})
	b := KeywordsHash([]string{"a", "b"})
	if a != b {
		t.Fatalf("hash must ignore order, case and duplicates: %s != %s", a, b)
	}
	if KeywordsHash([]string{"c"}) == a {
		t.Fatal("different sets must hash differently")
	}
}
