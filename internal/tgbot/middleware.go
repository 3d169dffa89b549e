package tgbot

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"
)

// LoggerMiddleware логирует все входящие сообщения.
// Русский комментарий: Текст не логируется целиком, только длина — в мониторимых
// чатах много чужих сообщений.
func LoggerMiddleware(logger *zap.Logger) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			msg := c.Message()
			if msg == nil {
				return next(c)
			}

			fields := []zap.Field{
				zap.Int("message_id", msg.ID),
				zap.String("content_type", ContentType(msg)),
				zap.Int("text_len", len(messageText(msg))),
			}
			if msg.Chat != nil {
				fields = append(fields,
					zap.Int64("chat_id", msg.Chat.ID),
					zap.String("chat_type", string(msg.Chat.Type)),
				)
			}
			if msg.Sender != nil {
				fields = append(fields,
					zap.Int64("user_id", msg.Sender.ID),
					zap.String("username", msg.Sender.Username),
				)
			}
			logger.Debug("incoming message", fields...)

			return next(c)
		}
	}
}

// PanicRecoveryMiddleware ловит panic и логирует его вместо падения бота.
// Русский комментарий: Бот пассивный, поэтому пользователю ничего не отвечаем —
// только стек-трейс в лог и ошибка в OnError.
func PanicRecoveryMiddleware(logger *zap.Logger) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic recovered in handler",
						zap.Any("panic", r),
						zap.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()

			return next(c)
		}
	}
}
