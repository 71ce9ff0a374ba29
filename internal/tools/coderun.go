package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nugget/relay/internal/httpkit"
)

// maxCodeOutput bounds the text returned from a sandbox run.
const maxCodeOutput = 8000

// CodeRunner executes code in a Piston-compatible sandbox.
type CodeRunner struct {
	client   *http.Client
	url      string
	language string
	version  string
}

// NewCodeRunner creates a runner for one language.
func NewCodeRunner(client *http.Client, baseURL, language, version string) *CodeRunner {
	return &CodeRunner{
		client:   client,
		url:      strings.TrimSuffix(baseURL, "/") + "/execute",
		language: language,
		version:  version,
	}
}

type pistonFile struct {
	Content string `json:"content"`
}

type pistonRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Files    []pistonFile `json:"files"`
}

type pistonStage struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Code   *int   `json:"code"`
	Signal string `json:"signal"`
}

type pistonResponse struct {
	Run     pistonStage  `json:"run"`
	Compile *pistonStage `json:"compile,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Run executes code and returns combined stdout and stderr. A fenced
// Markdown block is unwrapped first.
func (c *CodeRunner) Run(ctx context.Context, code string) (string, error) {
	code = StripFence(code)
	if code == "" {
		return "", errors.New("no code to run")
	}

	body, err := json.Marshal(pistonRequest{
		Language: c.language,
		Version:  c.version,
		Files:    []pistonFile{{Content: code}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sandbox request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if err := httpkit.CheckStatus(resp); err != nil {
		return "", fmt.Errorf("sandbox: %w", err)
	}

	var pr pistonResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("decode sandbox response: %w", err)
	}
	if pr.Message != "" {
		return "", fmt.Errorf("sandbox: %s", pr.Message)
	}

	var sb strings.Builder
	if pr.Compile != nil && pr.Compile.Stderr != "" {
		sb.WriteString(pr.Compile.Stderr)
	}
	sb.WriteString(pr.Run.Stdout)
	if pr.Run.Stderr != "" {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
		sb.WriteString(pr.Run.Stderr)
	}
	out := strings.TrimRight(sb.String(), "\n")
	if pr.Run.Code != nil && *pr.Run.Code != 0 {
		out += fmt.Sprintf("\n(exit code %d)", *pr.Run.Code)
	}
	if pr.Run.Signal != "" {
		out += "\n(killed by " + pr.Run.Signal + ")"
	}
	if out == "" {
		out = "(no output)"
	}
	if len(out) > maxCodeOutput {
		out = out[:maxCodeOutput] + "\n…(output truncated)"
	}
	return out, nil
}

// Tool returns the run_code tool.
func (c *CodeRunner) Tool() Tool {
	return TextTool("run_code",
		fmt.Sprintf("Runs a %s program in a sandbox and returns its output. Argument: the complete program.", c.language),
		true, c.Run)
}
