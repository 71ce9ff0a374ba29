package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
)

func TestChunkTranscript(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		targetSize int
		wantCount  int
		wantFirst  string
	}{
		{name: "empty", transcript: "", targetSize: 100, wantCount: 0},
		{name: "whitespace only", transcript: "   \n\n  \n\n  ", targetSize: 100, wantCount: 0},
		{name: "single paragraph fits", transcript: "Hello world.", targetSize: 1000, wantCount: 1, wantFirst: "Hello world."},
		{name: "two paragraphs split", transcript: "First paragraph.\n\nSecond paragraph.", targetSize: 20, wantCount: 2, wantFirst: "First paragraph."},
		{name: "accumulate then flush", transcript: "AAA\n\nBBB\n\nCCC\n\nDDD\n\nEEE", targetSize: 10, wantCount: 3, wantFirst: "AAA\n\nBBB"},
		{name: "long paragraph split at sentences", transcript: "One two three. Four five six.", targetSize: 16, wantCount: 2, wantFirst: "One two three."},
		{name: "long word run split at size", transcript: strings.Repeat("x", 25), targetSize: 10, wantCount: 3, wantFirst: "xxxxxxxxxx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := chunkTranscript(tt.transcript, tt.targetSize)
			if len(chunks) != tt.wantCount {
				t.Fatalf("got %d chunks, want %d: %q", len(chunks), tt.wantCount, chunks)
			}
			if tt.wantFirst != "" && chunks[0] != tt.wantFirst {
				t.Errorf("first chunk = %q, want %q", chunks[0], tt.wantFirst)
			}
		})
	}
}

func TestSplitLong_UTF8Safe(t *testing.T) {
	for _, p := range splitLong(strings.Repeat("ж", 20), 7) {
		if !strings.HasPrefix(p, "ж") || strings.ContainsRune(p, '�') {
			t.Fatalf("piece %q broke a rune", p)
		}
	}
}

func longVideo() *Video {
	paras := make([]string, 10)
	for i := range paras {
		paras[i] = strings.Repeat(fmt.Sprintf("Paragraph %d content. ", i+1), 100)
	}
	return &Video{Title: "Long", Transcript: strings.Join(paras, "\n\n")}
}

func TestSummarize_MapReduce(t *testing.T) {
	var calls atomic.Int32
	sum := func(_ context.Context, prompt string) (string, error) {
		calls.Add(1)
		if strings.Contains(prompt, "Combine these part summaries") {
			return "final", nil
		}
		return "part", nil
	}
	c := New(Config{YtDlpPath: "/bin/true"}, sum, slog.Default())

	got, err := c.Summarize(context.Background(), longVideo(), "")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "final" {
		t.Errorf("got %q, want final", got)
	}
	want := int32(len(chunkTranscript(longVideo().Transcript, chunkSize)) + 1)
	if calls.Load() != want {
		t.Errorf("calls = %d, want %d", calls.Load(), want)
	}
}

func TestSummarize_SingleChunkSkipsMap(t *testing.T) {
	var prompts []string
	sum := func(_ context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return "ok", nil
	}
	c := New(Config{YtDlpPath: "/bin/true"}, sum, slog.Default())

	if _, err := c.Summarize(context.Background(), &Video{Title: "T", Transcript: "short"}, "focus?"); err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(prompts) != 1 || !strings.Contains(prompts[0], "focus?") {
		t.Errorf("prompts = %q", prompts)
	}
}

func TestSummarize_MapErrorStopsPipeline(t *testing.T) {
	sum := func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "part 1 of") {
			return "", errors.New("model unavailable")
		}
		return "ok", nil
	}
	c := New(Config{YtDlpPath: "/bin/true"}, sum, slog.Default())

	_, err := c.Summarize(context.Background(), longVideo(), "")
	if err == nil || !strings.Contains(err.Error(), "map phase") {
		t.Fatalf("err = %v, want map phase error", err)
	}
}

func TestSummarize_NilSummarizer(t *testing.T) {
	c := New(Config{YtDlpPath: "/bin/true"}, nil, slog.Default())
	if _, err := c.Summarize(context.Background(), &Video{Transcript: "x"}, ""); err == nil {
		t.Fatal("expected error for nil summarizer")
	}
}
