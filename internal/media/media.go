// Package media backs the video_summary tool: it fetches a video's
// captions with yt-dlp, cleans the WebVTT text and summarizes it with
// a map-reduce pass over the model gateway.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultMaxTranscriptChars caps the transcript fed to summarization.
const DefaultMaxTranscriptChars = 120000

// Config holds yt-dlp settings.
type Config struct {
	// YtDlpPath is the yt-dlp binary. Empty means look it up on PATH.
	YtDlpPath string
	// CookiesFile is an optional Netscape-format cookie jar.
	CookiesFile string
	// Language is the preferred caption language. English is always
	// requested as a second choice.
	Language           string
	MaxTranscriptChars int
}

// SummarizeFunc sends one prompt to a model and returns its answer.
type SummarizeFunc func(ctx context.Context, prompt string) (string, error)

// Client fetches and summarizes video transcripts.
type Client struct {
	cfg       Config
	summarize SummarizeFunc
	logger    *slog.Logger
}

// Video is a fetched transcript with metadata.
type Video struct {
	ID         string
	Title      string
	Channel    string
	Duration   string
	Source     string
	Transcript string
	Truncated  bool
}

// New creates a Client. summarize may be nil, in which case Handler
// returns the raw transcript.
func New(cfg Config, summarize SummarizeFunc, logger *slog.Logger) *Client {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.MaxTranscriptChars <= 0 {
		cfg.MaxTranscriptChars = DefaultMaxTranscriptChars
	}
	if cfg.YtDlpPath == "" {
		if p, err := exec.LookPath("yt-dlp"); err == nil {
			cfg.YtDlpPath = p
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, summarize: summarize, logger: logger}
}

// ytdlpInfo is the subset of yt-dlp's JSON output we use.
type ytdlpInfo struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Channel  string  `json:"channel"`
	Uploader string  `json:"uploader"`
	Duration float64 `json:"duration"`
}

// Transcript downloads captions for rawURL and returns the cleaned
// text with metadata.
func (c *Client) Transcript(ctx context.Context, rawURL string) (*Video, error) {
	if c.cfg.YtDlpPath == "" {
		return nil, errors.New("yt-dlp not found (install it or set tools.media.yt_dlp_path)")
	}

	tmpDir, err := os.MkdirTemp("", "relay-media-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	info, err := c.runYtDlp(ctx, rawURL, tmpDir)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp: %w", err)
	}

	text, err := c.readCaptions(tmpDir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rawURL, err)
	}

	v := &Video{
		ID:       info.ID,
		Title:    info.Title,
		Channel:  firstNonEmpty(info.Channel, info.Uploader),
		Duration: formatDuration(info.Duration),
		Source:   sourceOf(rawURL),
	}
	if r := []rune(text); len(r) > c.cfg.MaxTranscriptChars {
		text = string(r[:c.cfg.MaxTranscriptChars])
		v.Truncated = true
	}
	v.Transcript = text
	return v, nil
}

func (c *Client) runYtDlp(ctx context.Context, rawURL, dir string) (*ytdlpInfo, error) {
	langs := c.cfg.Language
	if langs != "en" {
		langs += ",en"
	}
	args := []string{
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", langs,
		"--sub-format", "vtt",
		"--skip-download",
		"--dump-json",
		"--no-simulate",
		"--no-warnings",
		"--no-playlist",
		"-o", filepath.Join(dir, "%(id)s"),
	}
	if c.cfg.CookiesFile != "" {
		args = append(args, "--cookies", c.cfg.CookiesFile)
	}
	args = append(args, rawURL)

	c.logger.Info("running yt-dlp", "url", rawURL, "languages", langs)

	cmd := exec.CommandContext(ctx, c.cfg.YtDlpPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}

	// One JSON object per line; the first describes the video.
	line, _, _ := bytes.Cut(bytes.TrimSpace(stdout.Bytes()), []byte("\n"))
	var info ytdlpInfo
	if err := json.Unmarshal(line, &info); err != nil {
		return nil, fmt.Errorf("parse yt-dlp output: %w", err)
	}
	return &info, nil
}

// readCaptions picks the caption file for the preferred language, or
// any other one yt-dlp wrote, and cleans it.
func (c *Client) readCaptions(dir string) (string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.vtt"))
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", errors.New("the video has no captions")
	}

	pick := files[0]
	for _, f := range files {
		if strings.Contains(filepath.Base(f), "."+c.cfg.Language+".") {
			pick = f
			break
		}
	}

	raw, err := os.ReadFile(pick)
	if err != nil {
		return "", fmt.Errorf("read captions: %w", err)
	}
	text := CleanVTT(string(raw))
	if text == "" {
		return "", errors.New("captions are empty")
	}
	return text, nil
}

// Handler returns the video_summary tool body. The argument is a video
// URL optionally followed by a question about the video.
func Handler(c *Client) func(ctx context.Context, arg string) (string, error) {
	return func(ctx context.Context, arg string) (string, error) {
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			return "", errors.New("video url is required")
		}
		rawURL := fields[0]
		if u, err := url.Parse(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return "", fmt.Errorf("%q is not a video url", rawURL)
		}
		focus := strings.Join(fields[1:], " ")

		v, err := c.Transcript(ctx, rawURL)
		if err != nil {
			return "", err
		}

		body := v.Transcript
		if c.summarize != nil {
			body, err = c.Summarize(ctx, v, focus)
			if err != nil {
				return "", err
			}
		}
		return v.header() + "\n\n" + body, nil
	}
}

func (v *Video) header() string {
	var sb strings.Builder
	sb.WriteString("Title: ")
	sb.WriteString(v.Title)
	if v.Channel != "" {
		sb.WriteString("\nChannel: ")
		sb.WriteString(v.Channel)
	}
	if v.Duration != "" {
		sb.WriteString("\nDuration: ")
		sb.WriteString(v.Duration)
	}
	if v.Truncated {
		sb.WriteString("\n(transcript truncated)")
	}
	return sb.String()
}

// sourceOf names the hosting platform of a video URL.
func sourceOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case strings.HasSuffix(host, "youtube.com"), host == "youtu.be":
		return "youtube"
	case strings.HasSuffix(host, "vimeo.com"):
		return "vimeo"
	case strings.HasSuffix(host, "twitch.tv"):
		return "twitch"
	}
	return host
}

// formatDuration renders seconds as H:MM:SS or M:SS. Zero is "".
func formatDuration(seconds float64) string {
	total := int(seconds)
	if total <= 0 {
		return ""
	}
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
