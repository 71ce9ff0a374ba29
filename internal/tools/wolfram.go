package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nugget/relay/internal/httpkit"
)

// DefaultWolframURL is the Wolfram|Alpha API base.
const DefaultWolframURL = "https://api.wolframalpha.com"

// Wolfram wraps the Short Answers and Simple APIs.
type Wolfram struct {
	client  *http.Client
	appID   string
	baseURL string
	out     *OutputStore
}

// NewWolfram creates a client. baseURL may be empty for the public API.
func NewWolfram(client *http.Client, appID, baseURL string, out *OutputStore) *Wolfram {
	if baseURL == "" {
		baseURL = DefaultWolframURL
	}
	return &Wolfram{client: client, appID: appID, baseURL: strings.TrimSuffix(baseURL, "/"), out: out}
}

func (w *Wolfram) query(path, input string) string {
	q := url.Values{}
	q.Set("appid", w.appID)
	q.Set("i", input)
	return w.baseURL + path + "?" + q.Encode()
}

// ShortAnswer returns Wolfram|Alpha's one-line answer.
func (w *Wolfram) ShortAnswer(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("empty query")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.query("/v1/result", input), nil)
	if err != nil {
		return "", fmt.Errorf("build wolfram request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wolfram request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	// 501 means Wolfram did not understand the input; the body says so.
	if resp.StatusCode == http.StatusNotImplemented {
		return "Wolfram|Alpha did not understand the query.", nil
	}
	if err := httpkit.CheckStatus(resp); err != nil {
		return "", fmt.Errorf("wolfram: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read wolfram answer: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// ResultImage downloads the full result page as an image.
func (w *Wolfram) ResultImage(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("empty query")
	}
	name, err := w.out.Name("wolfram", "gif")
	if err != nil {
		return "", err
	}
	path, err := httpkit.DownloadFile(ctx, w.client, w.query("/v1/simple", input), w.out.Dir(), name, 0)
	if err != nil {
		return "", fmt.Errorf("wolfram image: %w", err)
	}
	return path, nil
}

// Tools returns the wolfram (short answer) and wolfram_image tools.
func (w *Wolfram) Tools() []Tool {
	return []Tool{
		TextTool("wolfram",
			"Short factual or computational answer from Wolfram|Alpha (math, units, science, dates). Argument: the query in English.",
			true, w.ShortAnswer),
		{
			Name:        "wolfram_image",
			Description: "Full Wolfram|Alpha result page as an image, for step-by-step math or plots. Argument: the query in English.",
			Shape:       TextFiles,
			Async:       true,
			Invoke: func(ctx context.Context, arg string) (Result, error) {
				path, err := w.ResultImage(ctx, arg)
				if err != nil {
					return Result{}, err
				}
				return Result{Text: "The Wolfram|Alpha result page is attached as an image.", Files: []string{path}}, nil
			},
		},
	}
}
