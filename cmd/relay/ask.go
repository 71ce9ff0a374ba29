package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/relay/internal/agent"
)

// cliUserID is the conversation the ask command runs in. Telegram user
// IDs are positive, so it never collides with a chat user.
const cliUserID int64 = -1

// runAsk runs a single turn through the full pipeline and prints the
// reply. Logs go to stderr so stdout carries only the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, files []string, question string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	in := agent.Inbound{UserID: cliUserID, DisplayName: "cli", Text: question}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("attachment: %w", err)
		}
		kind, mime := agent.ClassifyFile(f)
		in.Attachments = append(in.Attachments, agent.Attachment{
			Kind:     kind,
			Path:     f,
			Name:     filepath.Base(f),
			MIMEType: mime,
		})
	}

	progress := func(p agent.Progress) {
		logger.Debug("progress", "stage", p.Stage.String(), "tools", p.Tools)
	}
	reply, err := a.agent.HandleMessage(ctx, in, progress)
	if err != nil {
		return fmt.Errorf("ask: %s", agent.UserMessage(err))
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}
	fmt.Fprintln(stdout, reply.Text)
	for _, f := range reply.Files {
		fmt.Fprintf(stdout, "file: %s\n", f)
	}
	return nil
}
