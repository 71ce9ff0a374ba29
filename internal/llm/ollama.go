package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nugget/relay/internal/httpkit"
)

// OllamaProvider is a Provider for a local Ollama server. It needs no
// credential; a backend using it has a single provider slot.
type OllamaProvider struct {
	baseURL     string
	model       string
	maxTokens   int
	temperature *float64
	httpClient  *http.Client
}

// NewOllamaProvider creates a new Ollama client.
func NewOllamaProvider(baseURL, model string, maxTokens int, temperature *float64, httpClient *http.Client) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}
	return &OllamaProvider{
		baseURL:     baseURL,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		httpClient:  httpClient,
	}
}

// ollamaMessage is the wire format of a chat message. Images are
// base64 without a data URL prefix.
type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Complete sends a non-streaming chat request to Ollama.
func (c *OllamaProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	imageAt := -1
	if len(req.Images) > 0 {
		imageAt = lastUserIndex(req.Messages)
	}

	body := ollamaChatRequest{
		Model:    c.model,
		Messages: make([]ollamaMessage, 0, len(req.Messages)),
	}
	for i, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		if i == imageAt {
			for _, img := range req.Images {
				om.Images = append(om.Images, base64.StdEncoding.EncodeToString(img.Data))
			}
		}
		body.Messages = append(body.Messages, om)
	}
	if c.temperature != nil || c.maxTokens > 0 {
		body.Options = &ollamaOptions{Temperature: c.temperature, NumPredict: c.maxTokens}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Response{
		Content:      chatResp.Message.Content,
		Model:        chatResp.Model,
		InputTokens:  chatResp.PromptEvalCount,
		OutputTokens: chatResp.EvalCount,
	}, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaProvider) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	return httpkit.CheckStatus(resp)
}
