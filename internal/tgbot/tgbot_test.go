package tgbot

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"

	"github.com/flybasist/linkwatch/internal/core"
)

func TestToMessage(t *testing.T) {
	tests := []struct {
		name      string
		msg       *tele.Message
		wantText  string
		wantKind  string
		wantUser  int64
		wantTitle string
	}{
		{
			name:      "text from user",
			msg:       &tele.Message{ID: 1, Text: "hello", Chat: &tele.Chat{ID: -100, Title: "films"}, Sender: &tele.User{ID: 5, Username: "bob"}},
			wantText:  "hello",
			wantUser:  5,
			wantTitle: "films",
		},
		{
			name:     "photo with caption",
			msg:      &tele.Message{ID: 2, Caption: "see https://115.com/s/x", Chat: &tele.Chat{ID: 1}, Photo: &tele.Photo{File: tele.File{FileID: "f", UniqueID: "u", FileSize: 10}}},
			wantText: "see https://115.com/s/x",
			wantKind: "photo",
		},
		{
			name:     "gif as document",
			msg:      &tele.Message{ID: 3, Chat: &tele.Chat{ID: 1}, Document: &tele.Document{File: tele.File{FileID: "g"}, MIME: "image/gif"}},
			wantKind: "animation",
		},
		{
			name:     "channel post",
			msg:      &tele.Message{ID: 4, Text: "post", Chat: &tele.Chat{ID: -200}, SenderChat: &tele.Chat{ID: -200, Username: "chan"}},
			wantText: "post",
			wantUser: -200,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ToMessage(tt.msg)
			if m.Text != tt.wantText || m.MediaKind() != tt.wantKind || m.SenderID() != tt.wantUser || m.ChatTitle != tt.wantTitle {
				t.Fatalf("ToMessage() = %+v", m)
			}
			if m.Raw != tt.msg {
				t.Fatal("raw message must be kept")
			}
		})
	}
}

func TestContentType(t *testing.T) {
	if got := ContentType(&tele.Message{Text: "x"}); got != "text" {
		t.Fatalf("ContentType(text) = %s", got)
	}
	if got := ContentType(&tele.Message{Voice: &tele.Voice{}}); got != "voice" {
		t.Fatalf("ContentType(voice) = %s", got)
	}
	if got := ContentType(&tele.Message{}); got != "unknown" {
		t.Fatalf("ContentType(empty) = %s", got)
	}
}

func TestMediaFileName(t *testing.T) {
	tests := []struct {
		media core.Media
		want  string
	}{
		{core.Media{Kind: "document", FileName: "movie.mkv", FileUniqueID: "u"}, "9_movie.mkv"},
		{core.Media{Kind: "document", FileName: "../../etc/passwd"}, "9_passwd"},
		{core.Media{Kind: "photo", FileUniqueID: "AQAD"}, "9_AQAD.jpg"},
		{core.Media{Kind: "mystery", FileID: "fid"}, "9_fid.bin"},
	}
	for _, tt := range tests {
		media := tt.media
		if got := MediaFileName(&core.Message{ID: 9, Media: &media}); got != tt.want {
			t.Errorf("MediaFileName(%+v) = %s, want %s", tt.media, got, tt.want)
		}
	}
}

// fakeContext — минимальный tele.Context для middleware.
type fakeContext struct {
	tele.Context
	msg *tele.Message
}

func (c fakeContext) Message() *tele.Message { return c.msg }

func TestPanicRecoveryMiddleware(t *testing.T) {
	h := PanicRecoveryMiddleware(zap.NewNop())(func(tele.Context) error { panic("boom") })
	err := h(fakeContext{msg: &tele.Message{ID: 1}})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected recovered error, got %v", err)
	}

	sentinel := errors.New("plain")
	h = PanicRecoveryMiddleware(zap.NewNop())(func(tele.Context) error { return sentinel })
	if err := h(fakeContext{}); !errors.Is(err, sentinel) {
		t.Fatalf("handler error must pass through, got %v", err)
	}
}

func TestLoggerMiddlewareToleratesPartialMessage(t *testing.T) {
	called := false
	h := LoggerMiddleware(zap.NewNop())(func(tele.Context) error {
		called = true
		return nil
	})
	if err := h(fakeContext{msg: &tele.Message{ID: 1}}); err != nil || !called {
		t.Fatal("next handler must run for messages without chat or sender")
	}
}

func newOfflineBot(t *testing.T, handler http.HandlerFunc) *tele.Bot {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	bot, err := tele.NewBot(tele.Settings{URL: srv.URL, Token: "test", Offline: true, Synchronous: true})
	if err != nil {
		t.Fatal(err)
	}
	return bot
}

func TestTransportSendMessage(t *testing.T) {
	var path, body string
	bot := newOfflineBot(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		path, body = r.URL.Path, string(raw)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":11,"chat":{"id":77}}}`))
	})

	tr := NewTransport(bot, zap.NewNop())
	if tr.IsConnected() {
		t.Fatal("transport must be disconnected before Start")
	}

	if err := tr.SendMessage(context.Background(), 77, "hi there", core.SendOptions{Silent: true}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(path, "/sendMessage") || !strings.Contains(body, "hi there") {
		t.Fatalf("unexpected request %s %s", path, body)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.SendMessage(ctx, 77, "x", core.SendOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type recordingDispatcher struct {
	mu  sync.Mutex
	got []*core.MessageContext
}

func (d *recordingDispatcher) Dispatch(_ context.Context, mc *core.MessageContext) map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, mc)
	return map[string]bool{"p": true}
}

func TestAttachDispatchesUpdates(t *testing.T) {
	bot := newOfflineBot(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	})
	d := &recordingDispatcher{}
	inflight := Attach(context.Background(), bot, d, &core.ContextFactory{Logger: zap.NewNop(), Timeout: time.Second}, zap.NewNop())

	bot.ProcessUpdate(tele.Update{Message: &tele.Message{
		ID:     3,
		Text:   "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567",
		Chat:   &tele.Chat{ID: -1},
		Sender: &tele.User{ID: 2},
	}})
	if err := inflight.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(d.got) != 1 || d.got[0].Message.ID != 3 || d.got[0].Message.ChatID != -1 {
		t.Fatalf("dispatcher got %+v", d.got)
	}
}

// singleUpdatePoller отдаёт одно сообщение и ждёт остановки.
type singleUpdatePoller struct {
	upd tele.Update
}

func (p *singleUpdatePoller) Poll(_ *tele.Bot, dest chan tele.Update, stop chan struct{}) {
	dest <- p.upd
	<-stop
}

type slowDispatcher struct {
	started  chan struct{}
	finished atomic.Bool
}

func (d *slowDispatcher) Dispatch(context.Context, *core.MessageContext) map[string]bool {
	close(d.started)
	time.Sleep(300 * time.Millisecond)
	d.finished.Store(true)
	return nil
}

func TestStopDrainsInflightDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}))
	t.Cleanup(srv.Close)

	// Настройки как у NewBot, только без сети
	pref := botSettings("test", time.Second, zap.NewNop())
	pref.URL = srv.URL
	pref.Offline = true
	pref.Poller = &singleUpdatePoller{upd: tele.Update{Message: &tele.Message{
		ID:   8,
		Text: "https://115.com/s/abc123",
		Chat: &tele.Chat{ID: -100},
	}}}
	bot, err := tele.NewBot(pref)
	if err != nil {
		t.Fatal(err)
	}

	d := &slowDispatcher{started: make(chan struct{})}
	inflight := Attach(context.Background(), bot, d, &core.ContextFactory{Logger: zap.NewNop(), Timeout: time.Second}, zap.NewNop())
	tr := NewTransport(bot, zap.NewNop())
	tr.Start()

	select {
	case <-d.started:
	case <-time.After(2 * time.Second):
		t.Fatal("update was not dispatched")
	}
	tr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := inflight.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if !d.finished.Load() {
		t.Fatal("Wait returned before the dispatch cycle finished")
	}
}

func TestInflightWaitHonoursDeadline(t *testing.T) {
	var inflight Inflight
	inflight.wg.Add(1)
	defer inflight.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := inflight.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
