package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nugget/relay/internal/agent"
	"github.com/nugget/relay/internal/format"
	"github.com/nugget/relay/internal/httpkit"
)

// statusTimeout bounds placeholder edits made from progress callbacks.
const statusTimeout = 5 * time.Second

const (
	thinkingText   = "⏳ Thinking…"
	cancelData     = "cancel"
	actionPrefix   = "act"
	maxCallbackLen = 64
)

func (b *Bot) handleTurn(ctx context.Context, msg *telego.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	logger := b.logger.With("user_id", userID)

	if err := b.api.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: telego.ChatID{ID: chatID},
		Action: telego.ChatActionTyping,
	}); err != nil {
		logger.Debug("typing action failed", "error", err)
	}

	dir, err := os.MkdirTemp(b.downloadDir, "relay-tg-*")
	if err != nil {
		logger.Error("create download dir failed", "error", err)
		b.reply(ctx, chatID, "Sorry, I could not process that message.")
		return
	}
	defer os.RemoveAll(dir)

	attachments, err := b.downloadAttachments(ctx, msg, dir)
	if err != nil {
		logger.Warn("attachment download failed", "error", err)
		b.reply(ctx, chatID, "Sorry, I could not download the attachment.")
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	in := agent.Inbound{
		UserID:       userID,
		DisplayName:  strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		Username:     msg.From.Username,
		LanguageCode: msg.From.LanguageCode,
		Text:         text,
		Attachments:  attachments,
	}

	placeholder, err := b.sendPlain(ctx, chatID, thinkingText, cancelKeyboard())
	if err != nil {
		logger.Warn("placeholder send failed", "error", err)
	}

	progress := func(p agent.Progress) {
		if placeholder == 0 {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, statusTimeout)
		defer cancel()
		if err := b.editPlain(sctx, chatID, placeholder, progressText(p), cancelKeyboard()); err != nil {
			logger.Debug("progress edit failed", "error", err)
		}
	}

	reply, err := b.agent.HandleMessage(ctx, in, progress)
	if err != nil {
		logger.Warn("turn failed", "error", err)
		reply = &agent.Reply{Text: agent.UserMessage(err)}
	}
	b.deliver(ctx, chatID, placeholder, reply)
}

func progressText(p agent.Progress) string {
	switch p.Stage {
	case agent.StageSelecting:
		return "⏳ Choosing tools…"
	case agent.StageRunning:
		if len(p.Tools) > 0 {
			return "⚙️ Running tools: " + strings.Join(p.Tools, ", ") + "…"
		}
		return "⚙️ Running tools…"
	case agent.StageAnswering:
		return "✍️ Writing the answer…"
	default:
		return thinkingText
	}
}

// downloadAttachments fetches every file on msg into dir.
func (b *Bot) downloadAttachments(ctx context.Context, msg *telego.Message, dir string) ([]agent.Attachment, error) {
	var out []agent.Attachment

	if len(msg.Photo) > 0 {
		// Sizes are ordered smallest first.
		photo := msg.Photo[len(msg.Photo)-1]
		path, err := b.download(ctx, photo.FileID, dir, "photo.jpg")
		if err != nil {
			return nil, err
		}
		out = append(out, agent.Attachment{Kind: agent.AttachmentImage, Path: path, Name: "photo.jpg", MIMEType: "image/jpeg"})
	}

	if msg.Voice != nil {
		path, err := b.download(ctx, msg.Voice.FileID, dir, "voice.ogg")
		if err != nil {
			return nil, err
		}
		out = append(out, agent.Attachment{Kind: agent.AttachmentVoice, Path: path, Name: "voice.ogg", MIMEType: msg.Voice.MimeType})
	}

	if msg.Audio != nil {
		name := msg.Audio.FileName
		if name == "" {
			name = "audio.mp3"
		}
		path, err := b.download(ctx, msg.Audio.FileID, dir, name)
		if err != nil {
			return nil, err
		}
		out = append(out, agent.Attachment{Kind: agent.AttachmentVoice, Path: path, Name: name, MIMEType: msg.Audio.MimeType})
	}

	if msg.Document != nil {
		name := msg.Document.FileName
		if name == "" {
			name = "document"
		}
		path, err := b.download(ctx, msg.Document.FileID, dir, name)
		if err != nil {
			return nil, err
		}
		kind, mt := agent.ClassifyFile(name)
		if msg.Document.MimeType != "" {
			mt = msg.Document.MimeType
		}
		out = append(out, agent.Attachment{Kind: kind, Path: path, Name: name, MIMEType: mt})
	}
	return out, nil
}

func (b *Bot) download(ctx context.Context, fileID, dir, name string) (string, error) {
	f, err := b.api.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file %s: %w", fileID, err)
	}
	if f.FilePath == "" {
		return "", fmt.Errorf("file %s has no download path", fileID)
	}
	return httpkit.DownloadFile(ctx, b.hc, b.api.FileDownloadURL(f.FilePath), dir, name, b.maxDownload)
}

func (b *Bot) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	userID := q.From.ID
	chatID := userID
	if q.Message != nil {
		chatID = q.Message.GetChat().ID
	}
	logger := b.logger.With("user_id", userID)

	if !b.permitted(userID) {
		b.answerCallback(ctx, q.ID, "")
		return
	}

	if q.Data == cancelData {
		b.answerCallback(ctx, q.ID, b.agent.Cancel(userID))
		return
	}

	kind, hash, arg, ok := decodeAction(q.Data)
	if !ok {
		logger.Debug("unrecognized callback data", "data", q.Data)
		b.answerCallback(ctx, q.ID, "")
		return
	}
	b.answerCallback(ctx, q.ID, "Working on it…")

	if err := b.api.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: telego.ChatID{ID: chatID},
		Action: telego.ChatActionTyping,
	}); err != nil {
		logger.Debug("typing action failed", "error", err)
	}

	reply, err := b.agent.PerformAction(ctx, userID, kind, hash, arg)
	if err != nil {
		logger.Warn("action failed", "action", kind, "error", err)
		reply = &agent.Reply{Text: agent.UserMessage(err)}
	}
	b.deliver(ctx, chatID, 0, reply)
}

func (b *Bot) answerCallback(ctx context.Context, id, text string) {
	if err := b.api.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: id,
		Text:            text,
	}); err != nil {
		b.logger.Debug("answer callback failed", "error", err)
	}
}

// encodeAction packs an action into callback data: "act|kind|hash|arg".
func encodeAction(kind agent.ActionKind, hash, arg string) string {
	return strings.Join([]string{actionPrefix, string(kind), hash, arg}, "|")
}

func decodeAction(data string) (agent.ActionKind, string, string, bool) {
	parts := strings.SplitN(data, "|", 4)
	if len(parts) != 4 || parts[0] != actionPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return agent.ActionKind(parts[1]), parts[2], parts[3], true
}

func cancelKeyboard() *telego.InlineKeyboardMarkup {
	return &telego.InlineKeyboardMarkup{InlineKeyboard: [][]telego.InlineKeyboardButton{
		{{Text: "Cancel ✖", CallbackData: cancelData}},
	}}
}

// actionKeyboard lays out one button per suggested action.
func (b *Bot) actionKeyboard(r *agent.Reply) *telego.InlineKeyboardMarkup {
	if r.Busy {
		return cancelKeyboard()
	}
	if r.Hash == "" || len(r.Actions) == 0 {
		return nil
	}
	var rows [][]telego.InlineKeyboardButton
	for _, a := range r.Actions {
		data := encodeAction(a.Kind, r.Hash, a.Arg)
		if len(data) > maxCallbackLen {
			b.logger.Warn("callback data too long, dropping action", "action", a.Kind, "len", len(data))
			continue
		}
		rows = append(rows, []telego.InlineKeyboardButton{{Text: a.Label, CallbackData: data}})
	}
	if len(rows) == 0 {
		return nil
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// deliver sends a reply. The first chunk replaces the placeholder when
// there is one; the action keyboard goes on the last chunk.
func (b *Bot) deliver(ctx context.Context, chatID int64, placeholder int, r *agent.Reply) {
	chunks := splitReply(r, b.chunkLimit)
	kb := b.actionKeyboard(r)

	for i, chunk := range chunks {
		var markup *telego.InlineKeyboardMarkup
		if i == len(chunks)-1 {
			markup = kb
		}
		if i == 0 && placeholder != 0 {
			err := b.editText(ctx, chatID, placeholder, chunk, markup)
			if err == nil {
				continue
			}
			b.logger.Warn("placeholder edit failed, sending new message", "error", err)
		}
		if _, err := b.sendText(ctx, chatID, chunk, markup); err != nil {
			b.logger.Error("reply send failed", "chat_id", chatID, "error", err)
			return
		}
	}

	for _, path := range r.Files {
		if err := b.sendFile(ctx, chatID, path); err != nil {
			b.logger.Error("file send failed", "chat_id", chatID, "file", filepath.Base(path), "error", err)
			b.reply(ctx, chatID, fmt.Sprintf("Could not send %s.", filepath.Base(path)))
		}
	}
}

func splitReply(r *agent.Reply, limit int) []string {
	chunks := format.Split(r.Text, limit)
	if len(chunks) > 0 {
		return chunks
	}
	if len(r.Files) > 0 {
		return []string{"📎"}
	}
	return []string{"(empty response)"}
}
