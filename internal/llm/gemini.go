package llm

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// GeminiConfig configures a Gemini API client.
type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature *float64
	HTTPClient  *http.Client
}

// GeminiProvider is a Provider backed by the Google Gen AI SDK. It is
// the usual image-capable backend.
type GeminiProvider struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGeminiProvider creates a client for one credential.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, cfg: cfg}, nil
}

// Complete sends a GenerateContent request.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	system, contents := convertToGemini(req)

	gcfg := &genai.GenerateContentConfig{}
	if system != "" {
		gcfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if p.cfg.MaxTokens > 0 {
		gcfg.MaxOutputTokens = int32(p.cfg.MaxTokens)
	}
	if p.cfg.Temperature != nil {
		t := float32(*p.cfg.Temperature)
		gcfg.Temperature = &t
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, gcfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	out := &Response{
		Content: resp.Text(),
		Model:   p.cfg.Model,
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func convertToGemini(req *Request) (string, []*genai.Content) {
	system, rest := splitSystem(req.Messages)

	imageAt := -1
	if len(req.Images) > 0 {
		imageAt = lastUserIndex(rest)
	}

	contents := make([]*genai.Content, 0, len(rest))
	for i, m := range rest {
		if m.Role == RoleAssistant {
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			continue
		}
		if i != imageAt {
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
			continue
		}
		parts := []*genai.Part{genai.NewPartFromText(m.Content)}
		for _, img := range req.Images {
			parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
		}
		contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
	}
	return system, contents
}
