package tgbot

import (
	"fmt"
	"path/filepath"
	"strings"

	tele "gopkg.in/telebot.v3"

	"github.com/flybasist/linkwatch/internal/core"
)

// ToMessage переводит сообщение telebot в core.Message.
// Для медиа текстом считается подпись.
func ToMessage(msg *tele.Message) core.Message {
	m := core.Message{
		ID:        msg.ID,
		Text:      messageText(msg),
		Media:     mediaOf(msg),
		Timestamp: msg.Time(),
		Raw:       msg,
	}
	if msg.Chat != nil {
		m.ChatID = msg.Chat.ID
		m.ChatTitle = msg.Chat.Title
	}
	if msg.Sender != nil {
		m.Sender = &core.Sender{
			ID:       msg.Sender.ID,
			Username: msg.Sender.Username,
			IsBot:    msg.Sender.IsBot,
		}
	} else if msg.SenderChat != nil {
		// Пост канала или анонимный админ: отправителем считается чат.
		m.Sender = &core.Sender{ID: msg.SenderChat.ID, Username: msg.SenderChat.Username}
	}
	return m
}

func messageText(msg *tele.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

// ContentType определяет тип контента сообщения.
func ContentType(msg *tele.Message) string {
	if media := mediaOf(msg); media != nil {
		return media.Kind
	}
	if msg.Location != nil {
		return "location"
	}
	if msg.Contact != nil {
		return "contact"
	}
	if msg.Text != "" {
		return "text"
	}
	return "unknown"
}

// mediaOf возвращает вложение или nil.
func mediaOf(msg *tele.Message) *core.Media {
	switch {
	case msg.Photo != nil:
		return fileMedia("photo", msg.Photo.File, "")
	case msg.Video != nil:
		return fileMedia("video", msg.Video.File, msg.Video.FileName)
	case msg.Sticker != nil:
		return fileMedia("sticker", msg.Sticker.File, "")
	case msg.Animation != nil:
		return fileMedia("animation", msg.Animation.File, msg.Animation.FileName)
	case msg.Voice != nil:
		return fileMedia("voice", msg.Voice.File, "")
	case msg.VideoNote != nil:
		return fileMedia("video_note", msg.VideoNote.File, "")
	case msg.Audio != nil:
		return fileMedia("audio", msg.Audio.File, msg.Audio.FileName)
	case msg.Document != nil:
		// Гифки, отправленные файлом
		if msg.Document.MIME == "image/gif" {
			return fileMedia("animation", msg.Document.File, msg.Document.FileName)
		}
		return fileMedia("document", msg.Document.File, msg.Document.FileName)
	}
	return nil
}

func fileMedia(kind string, f tele.File, name string) *core.Media {
	return &core.Media{
		Kind:         kind,
		FileID:       f.FileID,
		FileUniqueID: f.UniqueID,
		FileName:     name,
		Size:         f.FileSize,
	}
}

var defaultExt = map[string]string{
	"photo":      ".jpg",
	"video":      ".mp4",
	"animation":  ".mp4",
	"voice":      ".ogg",
	"video_note": ".mp4",
	"audio":      ".mp3",
	"sticker":    ".webp",
}

// MediaFileName — безопасное имя файла для скачивания, уникальное в пределах чата.
func MediaFileName(msg *core.Message) string {
	media := msg.Media
	name := filepath.Base(strings.TrimSpace(media.FileName))
	if name == "." || name == "/" || name == "" {
		ext, ok := defaultExt[media.Kind]
		if !ok {
			ext = ".bin"
		}
		id := media.FileUniqueID
		if id == "" {
			id = media.FileID
		}
		name = id + ext
	}
	return fmt.Sprintf("%d_%s", msg.ID, name)
}
