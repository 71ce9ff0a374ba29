// Package fetch backs the read_page tool: it downloads a URL and
// reduces it to readable text.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/nugget/relay/internal/httpkit"
)

// DefaultMaxBytes caps the downloaded body (5 MB).
const DefaultMaxBytes int64 = 5 * 1024 * 1024

// DefaultMaxChars caps the extracted text handed to the model.
const DefaultMaxChars = 20000

// Page is the extracted content of one URL.
type Page struct {
	URL         string
	Title       string
	Content     string
	ContentType string
	Truncated   bool
}

// Fetcher downloads pages and extracts their text.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// New creates a Fetcher. maxChars <= 0 uses DefaultMaxChars.
func New(client *http.Client, maxChars int) *Fetcher {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Fetcher{client: client, maxBytes: DefaultMaxBytes, maxChars: maxChars}
}

// Fetch downloads rawURL and extracts readable text. A missing scheme
// defaults to https.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	page := &Page{URL: rawURL, ContentType: resp.Header.Get("Content-Type")}
	switch {
	case isHTML(page.ContentType):
		page.Title, page.Content = extractHTML(string(body))
	case utf8.Valid(body):
		page.Content = strings.TrimSpace(string(body))
	default:
		return nil, fmt.Errorf("%s is binary content (%s, %d bytes)", rawURL, page.ContentType, len(body))
	}

	if utf8.RuneCountInString(page.Content) > f.maxChars {
		page.Content = truncateRunes(page.Content, f.maxChars)
		page.Truncated = true
	}
	return page, nil
}

// Handler adapts the fetcher to a tool body taking the URL. Text
// after the first whitespace-separated field is ignored.
func Handler(f *Fetcher) func(ctx context.Context, arg string) (string, error) {
	return func(ctx context.Context, arg string) (string, error) {
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			return "", errors.New("url is required")
		}
		page, err := f.Fetch(ctx, fields[0])
		if err != nil {
			return "", err
		}
		return page.String(), nil
	}
}

// String renders the page for the model.
func (p *Page) String() string {
	var sb strings.Builder
	if p.Title != "" {
		sb.WriteString("Title: ")
		sb.WriteString(p.Title)
		sb.WriteString("\n\n")
	}
	sb.WriteString(p.Content)
	if p.Truncated {
		sb.WriteString("\n…(truncated)")
	}
	return sb.String()
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
