package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/httpkit"
)

// BuildBackends constructs one provider client per credential for every
// configured backend. Clients are built once at startup and are
// read-only afterwards.
func BuildBackends(ctx context.Context, cfgs []config.BackendConfig) ([]*Backend, error) {
	out := make([]*Backend, 0, len(cfgs))
	for _, bc := range cfgs {
		hc := httpkit.NewClient(httpkit.WithTimeout(bc.Timeout))
		b := &Backend{
			Name:     bc.Name,
			Provider: bc.Provider,
			Model:    bc.Model,
			Vision:   bc.Vision,
		}

		if bc.Provider == config.ProviderOllama {
			b.Credentials = []Provider{NewOllamaProvider(bc.BaseURL, bc.Model, bc.MaxTokens, bc.Temperature, hc)}
			out = append(out, b)
			continue
		}

		for _, key := range bc.APIKeys {
			p, err := newKeyedProvider(ctx, bc, key, hc)
			if err != nil {
				return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
			}
			b.Credentials = append(b.Credentials, p)
		}
		out = append(out, b)
	}
	return out, nil
}

func newKeyedProvider(ctx context.Context, bc config.BackendConfig, key string, hc *http.Client) (Provider, error) {
	switch bc.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(OpenAIConfig{
			BaseURL:     bc.BaseURL,
			APIKey:      key,
			Model:       bc.Model,
			MaxTokens:   bc.MaxTokens,
			Temperature: bc.Temperature,
			HTTPClient:  hc,
		}), nil
	case config.ProviderAnthropic:
		return NewAnthropicProvider(AnthropicConfig{
			BaseURL:     bc.BaseURL,
			APIKey:      key,
			Model:       bc.Model,
			MaxTokens:   bc.MaxTokens,
			Temperature: bc.Temperature,
			HTTPClient:  hc,
		}), nil
	case config.ProviderGemini:
		p, err := NewGeminiProvider(ctx, GeminiConfig{
			APIKey:      key,
			Model:       bc.Model,
			MaxTokens:   bc.MaxTokens,
			Temperature: bc.Temperature,
			HTTPClient:  hc,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", bc.Provider)
	}
}
