package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
)

// OpenAIConfig configures an OpenAI-compatible chat completions client
// (OpenAI, Groq, OpenRouter and similar).
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature *float64
	HTTPClient  *http.Client
}

// OpenAIProvider is a Provider backed by the openai-go SDK.
type OpenAIProvider struct {
	client openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIProvider creates a client for one credential. SDK-level
// retries are disabled; the gateway owns retry via credential rotation.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), cfg: cfg}
}

// Complete sends a chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    p.cfg.Model,
		Messages: buildOpenAIMessages(req),
	}
	if p.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(p.cfg.MaxTokens))
	}
	if p.cfg.Temperature != nil {
		params.Temperature = openai.Float(*p.cfg.Temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat completion: no choices in response")
	}

	return &Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		Trace:        executedTools(resp.RawJSON()),
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

// buildOpenAIMessages converts messages to the SDK format. Images are
// sent as data URLs on the last user message.
func buildOpenAIMessages(req *Request) []openai.ChatCompletionMessageParamUnion {
	imageAt := -1
	if len(req.Images) > 0 {
		imageAt = lastUserIndex(req.Messages)
	}

	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for i, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			if i != imageAt {
				out = append(out, openai.UserMessage(m.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(m.Content)}
			for _, img := range req.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
				}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}

// executedTools reads the server-side tool trace that agentic
// OpenAI-compatible backends (Groq compound models) attach to the
// message. The field is not part of the SDK types, so it is read from
// the raw JSON.
func executedTools(raw string) []TraceEntry {
	if raw == "" {
		return nil
	}
	var trace []TraceEntry
	gjson.Get(raw, "choices.0.message.executed_tools").ForEach(func(_, v gjson.Result) bool {
		trace = append(trace, TraceEntry{
			Tool:      v.Get("type").String(),
			Arguments: v.Get("arguments").String(),
		})
		return true
	})
	return trace
}
