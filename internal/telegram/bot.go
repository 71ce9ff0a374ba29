// Package telegram connects the agent to a Telegram bot via long
// polling. Each update is handled on its own goroutine so a user who
// writes while a turn is running gets the busy notice immediately.
package telegram

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/mymmrac/telego"

	"github.com/nugget/relay/internal/agent"
	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/format"
	"github.com/nugget/relay/internal/ratelimit"
)

// API is the part of *telego.Bot the transport calls.
type API interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	SendDocument(ctx context.Context, params *telego.SendDocumentParams) (*telego.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *telego.AnswerCallbackQueryParams) error
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
	FileDownloadURL(filepath string) string
	SetMyCommands(ctx context.Context, params *telego.SetMyCommandsParams) error
}

// Agent is the conversation surface the transport drives.
type Agent interface {
	HandleMessage(ctx context.Context, in agent.Inbound, progress agent.ProgressFunc) (*agent.Reply, error)
	PerformAction(ctx context.Context, userID int64, kind agent.ActionKind, hash, arg string) (*agent.Reply, error)
	ToggleMode(ctx context.Context, userID int64, mode string) (string, error)
	Cancel(userID int64) string
	ClearHistory(ctx context.Context, userID int64) (int, error)
	SetSetting(ctx context.Context, userID int64, key, value string) error
	Modes() []config.ModeConfig
	Catalog() string
}

// Config wires a Bot.
type Config struct {
	API   API
	Agent Agent
	// HTTP downloads attachments from the Bot API file endpoint.
	HTTP *http.Client
	// DownloadDir holds per-message attachment directories. Defaults
	// to the system temp dir.
	DownloadDir string
	MaxDownload int64
	// ChunkLimit bounds each outgoing message, in runes of Markdown.
	ChunkLimit   int
	RateLimit    int
	AllowedUsers []int64
	Support      string
	Bus          *events.Bus
	Logger       *slog.Logger
}

// Bot is the Telegram transport.
type Bot struct {
	api         API
	agent       Agent
	hc          *http.Client
	downloadDir string
	maxDownload int64
	chunkLimit  int
	support     string
	allowed     map[int64]bool
	limiter     *ratelimit.Limiter
	bus         *events.Bus
	logger      *slog.Logger
}

// New creates a Bot.
func New(cfg Config) *Bot {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	dir := cfg.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	limit := cfg.ChunkLimit
	if limit <= 0 {
		limit = format.DefaultLimit
	}
	var allowed map[int64]bool
	if len(cfg.AllowedUsers) > 0 {
		allowed = make(map[int64]bool, len(cfg.AllowedUsers))
		for _, id := range cfg.AllowedUsers {
			allowed[id] = true
		}
	}
	return &Bot{
		api:         cfg.API,
		agent:       cfg.Agent,
		hc:          hc,
		downloadDir: dir,
		maxDownload: cfg.MaxDownload,
		chunkLimit:  limit,
		support:     cfg.Support,
		allowed:     allowed,
		limiter:     ratelimit.New(cfg.RateLimit),
		bus:         cfg.Bus,
		logger:      logger.With("component", "telegram"),
	}
}

// RegisterCommands publishes the command menu.
func (b *Bot) RegisterCommands(ctx context.Context) error {
	cmds := []telego.BotCommand{
		{Command: "help", Description: "How to use the bot"},
		{Command: "tools", Description: "List available tools"},
		{Command: "clear", Description: "Forget the conversation"},
		{Command: "cancel", Description: "Stop the current answer"},
	}
	for _, m := range b.agent.Modes() {
		desc := m.Description
		if desc == "" {
			desc = "Toggle " + m.Name + " mode"
		}
		cmds = append(cmds, telego.BotCommand{Command: m.Name, Description: desc})
	}
	return b.api.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: cmds})
}

// Run handles updates until ctx is cancelled or the channel closes,
// then waits for in-flight handlers.
func (b *Bot) Run(ctx context.Context, updates <-chan telego.Update) {
	b.logger.Info("telegram transport started")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("telegram transport shutting down")
			return
		case u, ok := <-updates:
			if !ok {
				b.logger.Info("telegram update channel closed")
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.handleUpdate(ctx, u)
			}()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, u telego.Update) {
	switch {
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	}
}

// permitted applies the allow list.
func (b *Bot) permitted(userID int64) bool {
	return b.allowed == nil || b.allowed[userID]
}

func (b *Bot) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID
	logger := b.logger.With("user_id", userID)

	if !b.permitted(userID) {
		logger.Debug("message from user not on the allow list")
		return
	}
	if !b.limiter.Allow(userID) {
		logger.Warn("message rate-limited")
		b.reply(ctx, chatID, "You are sending messages too fast. Please wait a minute.")
		return
	}

	kind := messageKind(msg)
	b.bus.Emit(events.SourceTelegram, events.KindMessageReceived, map[string]any{
		"user_id": userID,
		"kind":    kind,
	})
	logger.Debug("message received", "kind", kind)

	if cmd, args, ok := parseCommand(msg.Text); ok {
		b.handleCommand(ctx, msg, cmd, args)
		return
	}
	b.handleTurn(ctx, msg)
}

// messageKind labels the inbound message for events and logs.
func messageKind(msg *telego.Message) string {
	switch {
	case strings.HasPrefix(msg.Text, "/"):
		return "command"
	case msg.Voice != nil || msg.Audio != nil:
		return "voice"
	case len(msg.Photo) > 0:
		return "image"
	case msg.Document != nil:
		return "document"
	default:
		return "text"
	}
}

// parseCommand splits "/name@bot args" into name and args.
func parseCommand(text string) (string, string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, args, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	head, _, _ = strings.Cut(head, "@")
	head = strings.ToLower(strings.TrimSpace(head))
	if head == "" {
		return "", "", false
	}
	return head, strings.TrimSpace(args), true
}
