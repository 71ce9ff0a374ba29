// Package convert turns user attachments into text the model can read:
// plain text and source files directly, PDF and DOCX by extraction,
// and audio through a Whisper-compatible transcription endpoint.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Defaults used when Config leaves a limit at zero.
const (
	DefaultMaxBytes = 20 << 20
	DefaultMaxChars = 60000
)

// ErrUnsupported is returned for files that are neither text nor a
// known document or audio format.
var ErrUnsupported = errors.New("unsupported file type")

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Config bounds conversion.
type Config struct {
	// MaxBytes rejects larger files before reading them.
	MaxBytes int64
	// MaxChars truncates extracted text.
	MaxChars int
}

// Converter dispatches on file extension, falling back to content
// sniffing for unknown extensions.
type Converter struct {
	cfg    Config
	audio  Transcriber
	logger *slog.Logger
}

// New creates a Converter. audio may be nil, in which case audio files
// are unsupported.
func New(cfg Config, audio Transcriber, logger *slog.Logger) *Converter {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{cfg: cfg, audio: audio, logger: logger}
}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true, ".tsv": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".xml": true,
	".html": true, ".htm": true, ".log": true, ".ini": true, ".tex": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".java": true,
	".c": true, ".h": true, ".cpp": true, ".rs": true, ".rb": true,
	".sh": true, ".sql": true, ".css": true, ".kt": true, ".swift": true,
}

var audioExtensions = map[string]bool{
	".mp3": true, ".ogg": true, ".oga": true, ".opus": true, ".wav": true,
	".m4a": true, ".flac": true, ".webm": true,
}

// ToText converts the file at path.
func (c *Converter) ToText(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	if info.Size() > c.cfg.MaxBytes {
		return "", fmt.Errorf("%s is %d bytes, limit is %d", filepath.Base(path), info.Size(), c.cfg.MaxBytes)
	}

	ext := strings.ToLower(filepath.Ext(path))
	var text string
	switch {
	case ext == ".pdf":
		text, err = PDFText(path)
	case ext == ".docx":
		text, err = DOCXText(path)
	case audioExtensions[ext]:
		if c.audio == nil {
			return "", fmt.Errorf("%w: audio transcription is not configured", ErrUnsupported)
		}
		text, err = c.audio.Transcribe(ctx, path)
	case textExtensions[ext]:
		text, err = readText(path)
	default:
		text, err = sniffText(path)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	c.logger.Debug("attachment converted",
		"file", filepath.Base(path),
		"bytes", info.Size(),
		"chars", utf8.RuneCountInString(text),
	)
	return truncate(text, c.cfg.MaxChars), nil
}

func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrUnsupported, filepath.Base(path))
	}
	return string(data), nil
}

// sniffText accepts files whose leading bytes look like text.
func sniffText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	f.Close()
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if !strings.HasPrefix(http.DetectContentType(head[:n]), "text/") {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(path))
	}
	return readText(path)
}

// truncate cuts s to at most max runes.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "\n…(truncated)"
}
