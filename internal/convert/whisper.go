package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Whisper transcribes audio through an OpenAI-compatible
// /audio/transcriptions endpoint. Keys are tried in order.
type Whisper struct {
	clients []openai.Client
	model   string
	logger  *slog.Logger
}

// NewWhisper creates one client per key. baseURL may be empty for the
// OpenAI default; hc may be nil.
func NewWhisper(baseURL string, keys []string, model string, hc *http.Client, logger *slog.Logger) (*Whisper, error) {
	if len(keys) == 0 {
		return nil, errors.New("whisper: at least one api key required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Whisper{model: model, logger: logger}
	for _, key := range keys {
		opts := []option.RequestOption{
			option.WithAPIKey(key),
			option.WithMaxRetries(0),
		}
		if baseURL != "" {
			opts = append(opts, option.WithBaseURL(baseURL))
		}
		if hc != nil {
			opts = append(opts, option.WithHTTPClient(hc))
		}
		w.clients = append(w.clients, openai.NewClient(opts...))
	}
	return w, nil
}

// Transcribe implements Transcriber.
func (w *Whisper) Transcribe(ctx context.Context, path string) (string, error) {
	var errs []error
	for i, client := range w.clients {
		text, err := w.transcribeWith(ctx, client, path)
		if err == nil {
			return text, nil
		}
		w.logger.Warn("transcription failed",
			"credential", i,
			"file", filepath.Base(path),
			"error", err,
		)
		errs = append(errs, fmt.Errorf("credential %d: %w", i, err))
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("transcribe %s: %w", filepath.Base(path), errors.Join(errs...))
}

func (w *Whisper) transcribeWith(ctx context.Context, client openai.Client, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	resp, err := client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  f,
		Model: openai.AudioModel(w.model),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
