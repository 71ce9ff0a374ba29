package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nugget/relay/internal/httpkit"
)

// Image is a single image search hit.
type Image struct {
	Title string `json:"title"`
	// PageURL is the page the image appears on.
	PageURL string `json:"page_url"`
	// ImageURL points at the full-size image.
	ImageURL string `json:"image_url"`
}

// ImageProvider is a backend that can search for images. Both built-in
// providers implement it.
type ImageProvider interface {
	Images(ctx context.Context, query string, count int) ([]Image, error)
}

type searxngImageResponse struct {
	Results []struct {
		Title  string `json:"title"`
		URL    string `json:"url"`
		ImgSrc string `json:"img_src"`
	} `json:"results"`
}

// Images queries the instance's images category.
func (s *SearXNG) Images(ctx context.Context, query string, count int) ([]Image, error) {
	params := url.Values{
		"q":          {query},
		"format":     {"json"},
		"categories": {"images"},
	}
	var sr searxngImageResponse
	if err := getJSON(ctx, s.client, s.baseURL+"/search?"+params.Encode(), nil, &sr); err != nil {
		return nil, fmt.Errorf("searxng images: %w", err)
	}

	count = countOrDefault(count)
	images := make([]Image, 0, min(count, len(sr.Results)))
	for _, r := range sr.Results {
		if len(images) == count {
			break
		}
		if r.ImgSrc == "" {
			continue
		}
		images = append(images, Image{Title: r.Title, PageURL: r.URL, ImageURL: r.ImgSrc})
	}
	return images, nil
}

type braveImageResponse struct {
	Results []struct {
		Title      string `json:"title"`
		URL        string `json:"url"`
		Properties struct {
			URL string `json:"url"`
		} `json:"properties"`
	} `json:"results"`
}

// Images queries the Brave image search API.
func (b *Brave) Images(ctx context.Context, query string, count int) ([]Image, error) {
	params := url.Values{
		"q":     {query},
		"count": {strconv.Itoa(countOrDefault(count))},
	}
	var br braveImageResponse
	header := http.Header{"X-Subscription-Token": {b.apiKey}}
	if err := getJSON(ctx, b.client, b.baseURL+"/res/v1/images/search?"+params.Encode(), header, &br); err != nil {
		return nil, fmt.Errorf("brave images: %w", err)
	}

	images := make([]Image, 0, len(br.Results))
	for _, r := range br.Results {
		if r.Properties.URL == "" {
			continue
		}
		images = append(images, Image{Title: r.Title, PageURL: r.URL, ImageURL: r.Properties.URL})
	}
	return images, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, header http.Header, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vals := range header {
		for _, val := range vals {
			req.Header.Add(k, val)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if err := httpkit.CheckStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
