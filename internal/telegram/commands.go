package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nugget/relay/internal/agent"
	"github.com/nugget/relay/internal/convstate"
)

func (b *Bot) handleCommand(ctx context.Context, msg *telego.Message, cmd, args string) {
	userID := msg.From.ID
	chatID := msg.Chat.ID

	var text string
	var err error
	switch cmd {
	case "start":
		name := msg.From.FirstName
		if name == "" {
			name = "there"
		}
		text = fmt.Sprintf("Hello, %s!\n\n%s", name, b.helpText())
	case "help":
		text = b.helpText()
	case "tools":
		if catalog := b.agent.Catalog(); catalog != "" {
			text = "- " + strings.ReplaceAll(catalog, "\n", "\n- ")
		} else {
			text = "No tools are enabled."
		}
	case "clear":
		var n int
		n, err = b.agent.ClearHistory(ctx, userID)
		text = fmt.Sprintf("History cleared (%d messages archived).", n)
	case "cancel":
		text = b.agent.Cancel(userID)
	case "set":
		text, err = b.setSetting(ctx, userID, args)
	case convstate.ModeDefault:
		text, err = b.agent.ToggleMode(ctx, userID, convstate.ModeDefault)
	default:
		if !b.isMode(cmd) {
			text = "Unknown command. Send /help for the list."
			break
		}
		text, err = b.agent.ToggleMode(ctx, userID, cmd)
	}

	if err != nil {
		b.logger.Warn("command failed", "user_id", userID, "command", cmd, "error", err)
		text = agent.UserMessage(err)
	}
	b.reply(ctx, chatID, text)
}

func (b *Bot) isMode(name string) bool {
	for _, m := range b.agent.Modes() {
		if m.Name == name {
			return true
		}
	}
	return false
}

func (b *Bot) setSetting(ctx context.Context, userID int64, args string) (string, error) {
	key, value, _ := strings.Cut(args, " ")
	if key == "" {
		return "Usage: /set <show_tools|backend> <value>. An empty value resets the setting.", nil
	}
	if err := b.agent.SetSetting(ctx, userID, key, value); err != nil {
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Sprintf("Setting %s reset.", key), nil
	}
	return fmt.Sprintf("Setting %s updated.", key), nil
}

func (b *Bot) helpText() string {
	var sb strings.Builder
	sb.WriteString("Send me a question, a photo, a voice message or a document. ")
	sb.WriteString("I pick the tools I need, run them and answer.\n\n")
	sb.WriteString("/tools - list available tools\n")
	sb.WriteString("/clear - forget the conversation\n")
	sb.WriteString("/cancel - stop the current answer\n")
	sb.WriteString("/set <key> <value> - change a setting (show_tools, backend)\n")

	modes := b.agent.Modes()
	if len(modes) > 0 {
		sb.WriteString("/default - return to the default mode\n")
		for _, m := range modes {
			desc := m.Description
			if desc == "" {
				desc = "toggle " + m.Name + " mode"
			}
			fmt.Fprintf(&sb, "/%s - %s\n", m.Name, desc)
		}
	}
	if b.support != "" {
		fmt.Fprintf(&sb, "\nSupport: %s\n", b.support)
	}
	return strings.TrimRight(sb.String(), "\n")
}
