package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/nugget/relay/internal/httpkit"
	"github.com/nugget/relay/internal/search"
)

// DefaultImageCount is how many images image_search attaches.
const DefaultImageCount = 4

// maxImageBytes caps each downloaded image.
const maxImageBytes = 10 << 20

// ImageSearch finds images for a query and downloads them so the
// transport can send them as files.
type ImageSearch struct {
	provider search.ImageProvider
	client   *http.Client
	out      *OutputStore
	count    int
	logger   *slog.Logger
}

// NewImageSearch creates the tool. count <= 0 uses DefaultImageCount.
func NewImageSearch(p search.ImageProvider, client *http.Client, out *OutputStore, count int, logger *slog.Logger) *ImageSearch {
	if count <= 0 {
		count = DefaultImageCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageSearch{provider: p, client: client, out: out, count: count, logger: logger}
}

// Search downloads up to count images for query, in result order.
// Individual download failures are skipped; finding nothing usable is
// an error.
func (s *ImageSearch) Search(ctx context.Context, query string) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, errors.New("image query is empty")
	}
	images, err := s.provider.Images(ctx, query, s.count)
	if err != nil {
		return Result{}, err
	}

	paths := make([]string, len(images))
	var wg sync.WaitGroup
	for i, img := range images {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.download(ctx, img.ImageURL)
			if err != nil {
				s.logger.Debug("image download failed", "url", img.ImageURL, "error", err)
				return
			}
			paths[i] = p
		}()
	}
	wg.Wait()

	var files []string
	for _, p := range paths {
		if p != "" {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return Result{}, fmt.Errorf("no images found for %q", query)
	}
	text := fmt.Sprintf("%d images for %q are attached to the reply. Describe what was found; do not insert image placeholders.", len(files), query)
	return Result{Text: text, Files: files}, nil
}

func (s *ImageSearch) download(ctx context.Context, rawURL string) (string, error) {
	name, err := s.out.Name("image", imageExt(rawURL))
	if err != nil {
		return "", err
	}
	return httpkit.DownloadFile(ctx, s.client, rawURL, s.out.Dir(), name, maxImageBytes)
}

// Tool returns the image_search tool.
func (s *ImageSearch) Tool() Tool {
	return Tool{
		Name:        "image_search",
		Description: "Finds pictures on the web and attaches them to the reply. Argument: a short description of the images wanted.",
		Shape:       TextFiles,
		Async:       true,
		Invoke:      s.Search,
	}
}

// imageExt picks a file extension from the image URL, defaulting to jpg.
func imageExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "jpg"
	}
	switch ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), ".")); ext {
	case "jpg", "jpeg", "png", "gif", "webp":
		return ext
	default:
		return "jpg"
	}
}
