package tools

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// OutputStore allocates files for tools that produce attachments
// (rendered LaTeX, QR codes, Wolfram images). Files live in one
// directory and are pruned by age.
type OutputStore struct {
	dir    string
	logger *slog.Logger
}

// NewOutputStore creates an OutputStore rooted at dir. The directory is
// created on first write, not at construction time.
func NewOutputStore(dir string, logger *slog.Logger) *OutputStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputStore{dir: dir, logger: logger}
}

// Dir returns the output directory.
func (s *OutputStore) Dir() string { return s.dir }

// Name returns a fresh, collision-resistant file name for label with
// extension ext (without the dot).
func (s *OutputStore) Name(label, ext string) (string, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return "", fmt.Errorf("generate random suffix: %w", err)
	}
	return fmt.Sprintf("%s_%s.%s", sanitizeForFilesystem(label), suffix, ext), nil
}

// Write stores data under a fresh name and returns the absolute path.
func (s *OutputStore) Write(label, ext string, data []byte) (string, error) {
	name, err := s.Name(label, ext)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write output file: %w", err)
	}
	s.logger.Debug("tool output written", "path", path, "bytes", len(data))
	return path, nil
}

// Prune removes files older than maxAge. Errors on individual files are
// logged and do not stop the sweep.
func (s *OutputStore) Prune(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list output directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove output file", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// randomSuffix generates a 4-byte (8 hex char) random string.
func randomSuffix() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// sanitizeForFilesystem replaces characters that are not alphanumeric,
// underscore, or hyphen with underscores and caps the length.
func sanitizeForFilesystem(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	result := sb.String()
	if len(result) > 64 {
		result = result[:64]
	}
	if result == "" {
		result = "output"
	}
	return result
}
