// Package search backs the web_search tool with a pluggable provider:
// Brave Search or a SearXNG instance.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// DefaultCount is the number of results requested when none is set.
const DefaultCount = 5

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional per-query parameters.
type Options struct {
	// Count caps the number of results. Zero means DefaultCount.
	Count int
	// Language is an ISO 639-1 code.
	Language string
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider    string // "brave" or "searxng"
	BraveAPIKey string
	SearXNGURL  string
	Count       int
}

// New builds the configured provider.
func New(cfg Config, client *http.Client) (Provider, error) {
	switch cfg.Provider {
	case "brave":
		if cfg.BraveAPIKey == "" {
			return nil, errors.New("search: brave provider needs an api key")
		}
		return NewBrave(cfg.BraveAPIKey, "", client), nil
	case "searxng":
		if cfg.SearXNGURL == "" {
			return nil, errors.New("search: searxng provider needs a url")
		}
		return NewSearXNG(cfg.SearXNGURL, client), nil
	default:
		return nil, fmt.Errorf("search: unknown provider %q", cfg.Provider)
	}
}

// Handler adapts a provider to a tool body taking the raw query.
func Handler(p Provider, count int) func(ctx context.Context, arg string) (string, error) {
	if count <= 0 {
		count = DefaultCount
	}
	return func(ctx context.Context, arg string) (string, error) {
		query := strings.TrimSpace(arg)
		if query == "" {
			return "", errors.New("search query is empty")
		}
		results, err := p.Search(ctx, query, Options{Count: count})
		if err != nil {
			return "", err
		}
		return FormatResults(results), nil
	}
}

// FormatResults renders hits as a numbered list for the model.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(". ")
		sb.WriteString(r.Title)
		sb.WriteString("\n   ")
		sb.WriteString(r.URL)
		if r.Snippet != "" {
			sb.WriteString("\n   ")
			sb.WriteString(r.Snippet)
		}
	}
	return sb.String()
}

func countOrDefault(n int) int {
	if n <= 0 {
		return DefaultCount
	}
	return n
}
