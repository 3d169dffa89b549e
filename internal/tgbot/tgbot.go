// Package tgbot — транспорт Telegram поверх telebot.v3.
// Русский комментарий: Реализует core.Transport (отправка, скачивание медиа) и
// подключает входящие апдейты к диспетчеру. Сам конвейер о Telegram не знает.
package tgbot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"

	"github.com/flybasist/linkwatch/internal/core"
)

// NewBot создаёт бота с long polling.
func NewBot(token string, pollingTimeout time.Duration, logger *zap.Logger) (*tele.Bot, error) {
	bot, err := tele.NewBot(botSettings(token, pollingTimeout, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	logger.Info("bot created", zap.String("username", bot.Me.Username))
	return bot, nil
}

// botSettings — настройки бота.
// Русский комментарий: Synchronous обязателен: обработчик апдейта выполняется в цикле
// bot.Start и только регистрирует диспетчеризацию в Inflight, а параллельность даёт
// сам Attach. Так bot.Stop возвращается лишь после того, как все принятые апдейты учтены.
func botSettings(token string, pollingTimeout time.Duration, logger *zap.Logger) tele.Settings {
	return tele.Settings{
		Token:       token,
		Poller:      &tele.LongPoller{Timeout: pollingTimeout},
		Synchronous: true,
		OnError: func(err error, c tele.Context) {
			fields := []zap.Field{zap.Error(err)}
			if c != nil && c.Chat() != nil {
				fields = append(fields, zap.Int64("chat_id", c.Chat().ID))
			}
			logger.Error("telebot error", fields...)
		},
	}
}

// Transport — core.Transport поверх *tele.Bot.
type Transport struct {
	bot       *tele.Bot
	connected atomic.Bool
	logger    *zap.Logger
}

var _ core.Transport = (*Transport)(nil)

// NewTransport оборачивает бота. До Start транспорт считается отключённым.
func NewTransport(bot *tele.Bot, logger *zap.Logger) *Transport {
	return &Transport{bot: bot, logger: logger}
}

// Start запускает polling в фоне.
func (t *Transport) Start() {
	t.connected.Store(true)
	go func() {
		t.logger.Info("bot polling started")
		t.bot.Start()
		t.connected.Store(false)
		t.logger.Info("bot polling stopped")
	}()
}

// Stop останавливает polling. Новые отправки после Stop отклоняются.
// Уже принятые апдейты могут ещё обрабатываться: их ждёт Inflight.Wait.
func (t *Transport) Stop() {
	t.connected.Store(false)
	t.bot.Stop()
}

// IsConnected реализует core.Transport.
func (t *Transport) IsConnected() bool { return t.connected.Load() }

// SendMessage реализует core.Transport. Таймаут контролирует вызывающий MessageContext.
func (t *Transport) SendMessage(ctx context.Context, chatID int64, text string, opts core.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sendOpts := &tele.SendOptions{
		ParseMode:             tele.ParseMode(opts.ParseMode),
		DisableWebPagePreview: opts.DisablePreview,
		DisableNotification:   opts.Silent,
	}
	if opts.ReplyTo != 0 {
		sendOpts.ReplyTo = &tele.Message{ID: opts.ReplyTo}
	}
	if _, err := t.bot.Send(&tele.Chat{ID: chatID}, text, sendOpts); err != nil {
		return fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}
	return nil
}

// DownloadMedia реализует core.Transport: файл сохраняется в destDir под именем
// из сообщения или под file_unique_id.
func (t *Transport) DownloadMedia(ctx context.Context, msg *core.Message, destDir string) (string, error) {
	if msg.Media == nil {
		return "", fmt.Errorf("message %d has no media", msg.ID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	path := filepath.Join(destDir, MediaFileName(msg))
	file := &tele.File{FileID: msg.Media.FileID, UniqueID: msg.Media.FileUniqueID}
	if err := t.bot.Download(file, path); err != nil {
		return "", fmt.Errorf("failed to download %s: %w", msg.Media.FileID, err)
	}
	t.logger.Debug("media downloaded",
		zap.Int64("chat_id", msg.ChatID),
		zap.Int("message_id", msg.ID),
		zap.String("path", path),
	)
	return path, nil
}

// Dispatcher — то, что транспорт вызывает на каждое сообщение.
type Dispatcher interface {
	Dispatch(ctx context.Context, mc *core.MessageContext) map[string]bool
}

// Inflight — счётчик апдейтов, диспетчеризация которых ещё не закончилась.
type Inflight struct {
	wg sync.WaitGroup
}

// Wait ждёт завершения всех принятых апдейтов или истечения ctx.
// Вызывается после Transport.Stop, когда новых апдейтов уже не будет.
func (i *Inflight) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("in-flight updates not drained: %w", ctx.Err())
	}
}

// Attach регистрирует middleware и обработчики апдейтов.
// ctx — базовый контекст сервиса, отменяется при остановке.
// Каждый апдейт диспетчеризуется в своей горутине; бот должен быть синхронным
// (см. botSettings), иначе Inflight не увидит апдейты, пойманные во время Stop.
func Attach(ctx context.Context, bot *tele.Bot, d Dispatcher, factory *core.ContextFactory, logger *zap.Logger) *Inflight {
	bot.Use(PanicRecoveryMiddleware(logger))
	bot.Use(LoggerMiddleware(logger))

	inflight := &Inflight{}
	handle := func(c tele.Context) error {
		msg := c.Message()
		if msg == nil {
			return nil
		}
		mc := factory.New(ToMessage(msg))

		inflight.wg.Add(1)
		go func() {
			defer inflight.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic recovered in dispatch",
						zap.Any("panic", r),
						zap.String("stack", string(debug.Stack())),
					)
				}
			}()

			results := d.Dispatch(ctx, mc)
			if len(results) > 0 {
				logger.Debug("message dispatched",
					zap.Int64("chat_id", mc.Message.ChatID),
					zap.Int("message_id", mc.Message.ID),
					zap.Any("results", results),
				)
			}
		}()
		return nil
	}

	bot.Handle(tele.OnText, handle)
	bot.Handle(tele.OnMedia, handle)
	bot.Handle(tele.OnChannelPost, handle)
	return inflight
}
