package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nugget/relay/internal/httpkit"
)

const braveDefaultURL = "https://api.search.brave.com"

// Brave queries the Brave Search web API.
type Brave struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewBrave creates a Brave provider. An empty baseURL uses the public
// API.
func NewBrave(apiKey, baseURL string, client *http.Client) *Brave {
	if baseURL == "" {
		baseURL = braveDefaultURL
	}
	return &Brave{apiKey: apiKey, baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

func (b *Brave) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	params := url.Values{
		"q":     {query},
		"count": {strconv.Itoa(countOrDefault(opts.Count))},
	}
	if opts.Language != "" {
		params.Set("search_lang", opts.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/res/v1/web/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("brave: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave: request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}

	var br braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("brave: decode response: %w", err)
	}

	results := make([]Result, 0, len(br.Web.Results))
	for _, r := range br.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}
