package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// recordingHistory запоминает последний запрос и отвечает заданным результатом.
type recordingHistory struct {
	calls  int
	last   Lookup
	result bool
	err    error
}

func (h *recordingHistory) HasPriorEffect(_ context.Context, l Lookup) (bool, error) {
	h.calls++
	h.last = l
	return h.result, h.err
}

func TestContentHash(t *testing.T) {
	if ContentHash("") != "" || ContentHash("  \r\n ") != "" {
		t.Fatal("empty content must hash to empty sentinel")
	}
	a := ContentHash("line1\r\nline2  ")
	b := ContentHash("  line1\nline2")
	c := ContentHash("line1\rline2")
	if a != b || b != c {
		t.Fatalf("line endings and outer whitespace must not matter: %s %s %s", a, b, c)
	}
	if len(a) != 64 {
		t.Fatalf("expected sha256 hex, got %q", a)
	}
	if ContentHash("other") == a {
		t.Fatal("different content must hash differently")
	}
}

func TestMediaHash(t *testing.T) {
	if MediaHash("", "photo") != "" {
		t.Fatal("empty media id must give empty hash")
	}
	if MediaHash("abc", "photo") == MediaHash("abc", "video") {
		t.Fatal("media type must be part of the hash")
	}
	if MediaHash("abc", "photo") != MediaHash("abc", "photo") {
		t.Fatal("hash must be deterministic")
	}
}

func TestIsDuplicate(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		query     Query
		result    bool
		err       error
		want      bool
		wantCalls int
	}{
		{
			name:  "no checks enabled",
			query: Query{RuleID: 1, ContentHash: "c", MediaHash: "m", Window: time.Hour},
			want:  false,
		},
		{
			name:  "content check with empty hash",
			query: Query{RuleID: 1, Window: time.Hour, CheckContent: true},
			want:  false,
		},
		{
			name:      "content duplicate",
			query:     Query{RuleID: 1, ContentHash: "c", Window: time.Hour, CheckContent: true},
			result:    true,
			want:      true,
			wantCalls: 1,
		},
		{
			name:      "not seen",
			query:     Query{RuleID: 1, ContentHash: "c", Window: time.Hour, CheckContent: true},
			want:      false,
			wantCalls: 1,
		},
		{
			name:      "lookup failure is not a duplicate",
			query:     Query{RuleID: 1, MediaHash: "m", Window: time.Hour, CheckMedia: true},
			result:    true,
			err:       errors.New("db down"),
			want:      false,
			wantCalls: 1,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := &recordingHistory{result: c.result, err: c.err}
			d := New(h, zap.NewNop())
			d.now = func() time.Time { return now }

			if got := d.IsDuplicate(context.Background(), c.query); got != c.want {
				t.Fatalf("IsDuplicate() = %v, want %v", got, c.want)
			}
			if h.calls != c.wantCalls {
				t.Fatalf("history called %d times, want %d", h.calls, c.wantCalls)
			}
		})
	}
}

func TestLookupUsesOnlyEnabledChecks(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h := &recordingHistory{}
	d := New(h, zap.NewNop())
	d.now = func() time.Time { return now }

	d.IsDuplicate(context.Background(), Query{
		RuleID:       7,
		ContentHash:  "c",
		MediaHash:    "m",
		Window:       30 * time.Minute,
		CheckContent: false,
		CheckMedia:   true,
	})

	if h.last.ContentHash != "" || h.last.MediaHash != "m" {
		t.Fatalf("unexpected lookup: %+v", h.last)
	}
	if h.last.RuleID != 7 || !h.last.Since.Equal(now.Add(-30*time.Minute)) {
		t.Fatalf("wrong window: %+v", h.last)
	}
}

func TestHistoryFunc(t *testing.T) {
	var got Lookup
	h := HistoryFunc(func(_ context.Context, l Lookup) (bool, error) {
		got = l
		return true, nil
	})
	d := New(h, zap.NewNop())
	if !d.IsDuplicate(context.Background(), Query{RuleID: 3, ContentHash: "x", Window: time.Minute, CheckContent: true}) {
		t.Fatal("expected duplicate")
	}
	if got.RuleID != 3 {
		t.Fatalf("HistoryFunc got %+v", got)
	}
}
