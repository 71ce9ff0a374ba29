package telegram

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nugget/relay/internal/agent"
	"github.com/nugget/relay/internal/format"
)

// reply sends Markdown text and logs failures.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	for _, chunk := range format.Split(text, b.chunkLimit) {
		if _, err := b.sendText(ctx, chatID, chunk, nil); err != nil {
			b.logger.Error("send failed", "chat_id", chatID, "error", err)
			return
		}
	}
}

// sendText sends Markdown rendered as HTML, retrying as plain text if
// Telegram rejects the markup.
func (b *Bot) sendText(ctx context.Context, chatID int64, text string, kb *telego.InlineKeyboardMarkup) (int, error) {
	params := &telego.SendMessageParams{
		ChatID:    telego.ChatID{ID: chatID},
		Text:      format.TelegramHTML(text),
		ParseMode: telego.ModeHTML,
	}
	if kb != nil {
		params.ReplyMarkup = kb
	}
	m, err := b.api.SendMessage(ctx, params)
	if err != nil {
		b.logger.Debug("html send rejected, retrying as plain text", "error", err)
		params.Text = text
		params.ParseMode = ""
		m, err = b.api.SendMessage(ctx, params)
	}
	if err != nil {
		return 0, err
	}
	return m.MessageID, nil
}

func (b *Bot) sendPlain(ctx context.Context, chatID int64, text string, kb *telego.InlineKeyboardMarkup) (int, error) {
	params := &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	}
	if kb != nil {
		params.ReplyMarkup = kb
	}
	m, err := b.api.SendMessage(ctx, params)
	if err != nil {
		return 0, err
	}
	return m.MessageID, nil
}

// editText replaces a message with Markdown rendered as HTML, retrying
// as plain text on rejection. A nil keyboard removes any buttons.
func (b *Bot) editText(ctx context.Context, chatID int64, messageID int, text string, kb *telego.InlineKeyboardMarkup) error {
	params := &telego.EditMessageTextParams{
		ChatID:      telego.ChatID{ID: chatID},
		MessageID:   messageID,
		Text:        format.TelegramHTML(text),
		ParseMode:   telego.ModeHTML,
		ReplyMarkup: kb,
	}
	if _, err := b.api.EditMessageText(ctx, params); err != nil {
		b.logger.Debug("html edit rejected, retrying as plain text", "error", err)
		params.Text = text
		params.ParseMode = ""
		_, err = b.api.EditMessageText(ctx, params)
		return err
	}
	return nil
}

func (b *Bot) editPlain(ctx context.Context, chatID int64, messageID int, text string, kb *telego.InlineKeyboardMarkup) error {
	_, err := b.api.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:      telego.ChatID{ID: chatID},
		MessageID:   messageID,
		Text:        text,
		ReplyMarkup: kb,
	})
	return err
}

// sendFile sends images as photos and everything else as documents. A
// rejected photo is retried as a document.
func (b *Bot) sendFile(ctx context.Context, chatID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	kind, _ := agent.ClassifyFile(path)
	if kind == agent.AttachmentImage && !strings.EqualFold(filepath.Ext(path), ".gif") {
		_, err := b.api.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID: telego.ChatID{ID: chatID},
			Photo:  telego.InputFile{File: f},
		})
		if err == nil {
			return nil
		}
		b.logger.Debug("photo rejected, sending as document", "file", filepath.Base(path), "error", err)
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind %s: %w", filepath.Base(path), err)
		}
	}

	_, err = b.api.SendDocument(ctx, &telego.SendDocumentParams{
		ChatID:   telego.ChatID{ID: chatID},
		Document: telego.InputFile{File: f},
	})
	return err
}
