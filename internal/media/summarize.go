package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nugget/relay/internal/prompts"
)

const (
	// chunkSize is the target characters per map-phase chunk.
	chunkSize = 8000
	// maxParallelChunks caps concurrent model calls in the map phase.
	maxParallelChunks = 4
)

// chunkTranscript splits text into chunks of about targetSize
// characters at paragraph boundaries. A paragraph longer than
// targetSize is split at sentence or word boundaries.
func chunkTranscript(text string, targetSize int) []string {
	var pieces []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		pieces = append(pieces, splitLong(p, targetSize)...)
	}

	var chunks []string
	var cur strings.Builder
	for _, p := range pieces {
		if cur.Len() > 0 && cur.Len()+len(p)+2 > targetSize {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// splitLong cuts s into pieces no longer than size, preferring the last
// ". " or space before the limit.
func splitLong(s string, size int) []string {
	var out []string
	for len(s) > size {
		cut := strings.LastIndex(s[:size], ". ")
		if cut > 0 {
			cut++
		} else if cut = strings.LastIndexByte(s[:size], ' '); cut <= 0 {
			cut = size
		}
		// Do not cut inside a UTF-8 sequence.
		for cut < len(s) && s[cut]&0xC0 == 0x80 {
			cut++
		}
		out = append(out, strings.TrimSpace(s[:cut]))
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// Summarize runs the map-reduce pass. A transcript that fits in one
// chunk goes straight to the reduce prompt. focus, when set, is a user
// question that both phases should answer.
func (c *Client) Summarize(ctx context.Context, v *Video, focus string) (string, error) {
	if c.summarize == nil {
		return "", errors.New("summarizer not configured")
	}
	chunks := chunkTranscript(v.Transcript, chunkSize)
	if len(chunks) == 0 {
		return "", errors.New("no content to summarize")
	}
	if len(chunks) == 1 {
		return c.summarize(ctx, prompts.TranscriptReducePrompt(v.Title, chunks[0], focus))
	}

	c.logger.Info("summarizing transcript",
		"title", v.Title,
		"chunks", len(chunks),
		"has_focus", focus != "",
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	summaries := make([]string, len(chunks))
	sem := make(chan struct{}, maxParallelChunks)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i, chunk := range chunks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
			out, err := c.summarize(ctx, prompts.TranscriptChunkSummaryPrompt(v.Title, chunk, focus, i+1, len(chunks)))
			if err != nil {
				fail(fmt.Errorf("chunk %d: %w", i+1, err))
				return
			}
			summaries[i] = out
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return "", fmt.Errorf("map phase: %w", firstErr)
	}

	out, err := c.summarize(ctx, prompts.TranscriptReducePrompt(v.Title, strings.Join(summaries, "\n\n---\n\n"), focus))
	if err != nil {
		return "", fmt.Errorf("reduce phase: %w", err)
	}
	return out, nil
}
