package forwarder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flybasist/linkwatch/internal/batch"
	"github.com/flybasist/linkwatch/internal/core"
	"github.com/flybasist/linkwatch/internal/dedup"
	"github.com/flybasist/linkwatch/internal/models"
	"github.com/flybasist/linkwatch/internal/notify"
	"github.com/flybasist/linkwatch/internal/retry"
)

type fakeRules struct {
	rules []models.Rule
}

func (f *fakeRules) ActiveRules(_ context.Context, kind models.RuleKind, chatID int64) ([]models.Rule, error) {
	var out []models.Rule
	for _, r := range f.rules {
		if r.Kind == kind && r.AppliesToChat(chatID) {
			out = append(out, r)
		}
	}
	return out, nil
}

type sent struct {
	chatID int64
	text   string
}

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	failFor   map[int64]error
	sent      []sent
}

func (t *fakeTransport) SendMessage(_ context.Context, chatID int64, text string, _ core.SendOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failFor[chatID]; err != nil {
		return err
	}
	t.sent = append(t.sent, sent{chatID: chatID, text: text})
	return nil
}

func (t *fakeTransport) DownloadMedia(context.Context, *core.Message, string) (string, error) {
	return "", errors.New("not supported")
}

func (t *fakeTransport) IsConnected() bool { return t.connected }

// fakeLogs — batch-приёмник, который сразу отдаёт успешные пересылки в историю.
type fakeLogs struct {
	mu   sync.Mutex
	logs []models.MessageLog
	evts []models.EventLog
}

func (f *fakeLogs) Add(entity string, record any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch entity {
	case batch.EntityMessageLogs:
		f.logs = append(f.logs, record.(models.MessageLog))
	case batch.EntityEventLog:
		f.evts = append(f.evts, record.(models.EventLog))
	}
	return nil
}

func (f *fakeLogs) HasPriorEffect(_ context.Context, l dedup.Lookup) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.logs {
		if entry.RuleID == l.RuleID && entry.Processor == Name && entry.Status == models.LogStatusSuccess &&
			entry.ContentHash == l.ContentHash && !entry.CreatedAt.Before(l.Since) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLogs) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, entry := range f.logs {
		out = append(out, entry.Status)
	}
	return out
}

type recordingPublisher struct {
	sent []notify.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n notify.Notification) error {
	p.sent = append(p.sent, n)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func forwardRule(targets ...int64) models.Rule {
	return models.Rule{
		ID:             3,
		Name:           "mirror",
		Kind:           models.RuleKindForward,
		Enabled:        true,
		SourceChats:    []int64{-100},
		SenderMode:     models.SenderModeNone,
		ForwardTargets: targets,
		Notify:         true,
		Dedup:          models.DedupConfig{Enabled: true, Window: time.Hour, CheckContent: true},
	}
}

type fixture struct {
	fwd       *Forwarder
	transport *fakeTransport
	logs      *fakeLogs
	queue     *retry.Queue
	published *recordingPublisher
	factory   *core.ContextFactory
}

func newFixture(rules ...models.Rule) *fixture {
	f := &fixture{
		transport: &fakeTransport{connected: true, failFor: map[int64]error{}},
		logs:      &fakeLogs{},
		queue:     retry.NewQueue(retry.Options{}, zap.NewNop()),
		published: &recordingPublisher{},
	}
	f.factory = &core.ContextFactory{Transport: f.transport, Logger: zap.NewNop(), Timeout: time.Second}
	f.fwd = New(Dependencies{
		Rules:     &fakeRules{rules: rules},
		Dedup:     dedup.New(f.logs, zap.NewNop()),
		Queue:     f.queue,
		Logs:      f.logs,
		Transport: f.transport,
		Notifier:  f.published,
		Logger:    zap.NewNop(),
	})
	return f
}

func (f *fixture) run(t *testing.T, msg core.Message) bool {
	t.Helper()
	mc := f.factory.New(msg)
	should, err := f.fwd.ShouldProcess(context.Background(), mc)
	if err != nil {
		t.Fatal(err)
	}
	if !should {
		return false
	}
	ok, err := f.fwd.Process(context.Background(), mc)
	if err != nil || !ok {
		t.Fatalf("Process() = %v, %v", ok, err)
	}
	return true
}

func TestForwardToAllTargets(t *testing.T) {
	f := newFixture(forwardRule(-200, -300, -100))
	msg := core.Message{ID: 1, ChatID: -100, ChatTitle: "source", Text: "hello world", Sender: &core.Sender{ID: 5, Username: "bob"}}

	if !f.run(t, msg) {
		t.Fatal("message must be processed")
	}
	// Русский комментарий: исходный чат в списке целей пропускается
	if len(f.transport.sent) != 2 || f.transport.sent[0].chatID != -200 || f.transport.sent[1].chatID != -300 {
		t.Fatalf("unexpected sends %+v", f.transport.sent)
	}
	if want := "📨 source | @bob\n\nhello world"; f.transport.sent[0].text != want {
		t.Errorf("text = %q, want %q", f.transport.sent[0].text, want)
	}
}

func TestForwardDeduplicatesSuccessfulForwards(t *testing.T) {
	f := newFixture(forwardRule(-200))
	f.run(t, core.Message{ID: 1, ChatID: -100, Text: "same news"})
	f.run(t, core.Message{ID: 2, ChatID: -100, Text: "  same news\r\n"})

	if len(f.transport.sent) != 1 {
		t.Fatalf("expected single forward, got %d", len(f.transport.sent))
	}
	if got := strings.Join(f.logs.statuses(), ","); got != "success,duplicate" {
		t.Errorf("statuses = %s", got)
	}
}

func TestFailedForwardIsRetried(t *testing.T) {
	f := newFixture(forwardRule(-200, -300))
	f.transport.failFor[-300] = errors.New("chat not found")

	f.run(t, core.Message{ID: 9, ChatID: -100, Text: "important"})

	task, ok := f.queue.Task(ForwardTaskID(3, -100, 9, -300))
	if !ok {
		t.Fatal("retry task not enqueued")
	}
	if task.Strategy != retry.StrategyFixed || task.BaseDelay != ForwardRetryDelay || task.MaxRetries != ForwardMaxRetries {
		t.Errorf("unexpected task %+v", task)
	}
	if _, ok := f.queue.Task(ForwardTaskID(3, -100, 9, -200)); ok {
		t.Error("successful target must not be retried")
	}

	// Повтор после восстановления чата
	delete(f.transport.failFor, -300)
	if err := f.fwd.handleForwardTask(context.Background(), task); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	last := f.transport.sent[len(f.transport.sent)-1]
	if last.chatID != -300 || !strings.Contains(last.text, "important") {
		t.Errorf("unexpected retry send %+v", last)
	}
}

func TestRetryWhileDisconnected(t *testing.T) {
	f := newFixture(forwardRule(-200))
	f.transport.connected = false

	f.run(t, core.Message{ID: 4, ChatID: -100, Text: "offline"})
	task, ok := f.queue.Task(ForwardTaskID(3, -100, 4, -200))
	if !ok {
		t.Fatal("send while disconnected must be retried")
	}
	if err := f.fwd.handleForwardTask(context.Background(), task); !errors.Is(err, core.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestForwardExhaustedNotifies(t *testing.T) {
	f := newFixture(forwardRule(-200))
	f.transport.failFor[-200] = errors.New("forbidden")
	f.run(t, core.Message{ID: 5, ChatID: -100, Text: "x"})

	task, _ := f.queue.Task(ForwardTaskID(3, -100, 5, -200))
	task.LastError = "forbidden"
	f.fwd.onForwardExhausted(context.Background(), task)

	if len(f.published.sent) != 1 || f.published.sent[0].Kind != notify.KindForwardFailed || f.published.sent[0].Detail != "forbidden" {
		t.Fatalf("unexpected notifications %+v", f.published.sent)
	}
	if len(f.logs.evts) != 1 || f.logs.evts[0].EventType != notify.KindForwardFailed {
		t.Errorf("unexpected events %+v", f.logs.evts)
	}
}

func TestShouldProcessSkipsEmptyText(t *testing.T) {
	f := newFixture(forwardRule(-200))
	if f.run(t, core.Message{ID: 1, ChatID: -100, Media: &core.Media{Kind: "photo"}}) {
		t.Error("message without text must be skipped")
	}
	if f.run(t, core.Message{ID: 2, ChatID: -999, Text: "x"}) {
		t.Error("unwatched chat must be skipped")
	}
}
