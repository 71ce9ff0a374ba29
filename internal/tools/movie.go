package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/nugget/relay/internal/httpkit"
)

// DefaultMovieURL is the OMDb API endpoint.
const DefaultMovieURL = "https://www.omdbapi.com/"

// Movie looks up films and series through an OMDb-compatible API.
type Movie struct {
	client  *http.Client
	apiKey  string
	baseURL string
	out     *OutputStore
	logger  *slog.Logger
}

// NewMovie creates the tool. baseURL may be empty for the public API.
func NewMovie(client *http.Client, apiKey, baseURL string, out *OutputStore, logger *slog.Logger) *Movie {
	if baseURL == "" {
		baseURL = DefaultMovieURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Movie{client: client, apiKey: apiKey, baseURL: baseURL, out: out, logger: logger}
}

type movieResponse struct {
	Response   string `json:"Response"`
	Error      string `json:"Error"`
	Title      string `json:"Title"`
	Year       string `json:"Year"`
	Type       string `json:"Type"`
	Rated      string `json:"Rated"`
	Released   string `json:"Released"`
	Runtime    string `json:"Runtime"`
	Genre      string `json:"Genre"`
	Director   string `json:"Director"`
	Writer     string `json:"Writer"`
	Actors     string `json:"Actors"`
	Plot       string `json:"Plot"`
	Country    string `json:"Country"`
	Awards     string `json:"Awards"`
	Poster     string `json:"Poster"`
	IMDbRating string `json:"imdbRating"`
	IMDbVotes  string `json:"imdbVotes"`
	IMDbID     string `json:"imdbID"`
}

// Lookup fetches the best match for title and downloads its poster.
// A missing or unreachable poster leaves the text result intact.
func (m *Movie) Lookup(ctx context.Context, title string) (Result, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Result{}, errors.New("movie title is empty")
	}
	q := url.Values{"apikey": {m.apiKey}, "t": {title}, "plot": {"short"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("build movie request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("movie request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if err := httpkit.CheckStatus(resp); err != nil {
		return Result{}, fmt.Errorf("movie: %w", err)
	}

	var mr movieResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return Result{}, fmt.Errorf("decode movie response: %w", err)
	}
	if !strings.EqualFold(mr.Response, "true") {
		msg := mr.Error
		if msg == "" {
			msg = "no match"
		}
		return Result{}, fmt.Errorf("movie %q: %s", title, msg)
	}

	res := Result{Text: mr.format()}
	if mr.Poster != "" && mr.Poster != "N/A" {
		name, err := m.out.Name("poster", imageExt(mr.Poster))
		if err == nil {
			var p string
			p, err = httpkit.DownloadFile(ctx, m.client, mr.Poster, m.out.Dir(), name, maxImageBytes)
			if err == nil {
				res.Files = []string{p}
			}
		}
		if err != nil {
			m.logger.Debug("poster download failed", "title", mr.Title, "error", err)
		}
	}
	return res, nil
}

func (mr *movieResponse) format() string {
	var sb strings.Builder
	field := func(label, value string) {
		if value == "" || value == "N/A" {
			return
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, value)
	}
	field("Title", mr.Title)
	field("Year", mr.Year)
	field("Type", mr.Type)
	field("Rated", mr.Rated)
	field("Released", mr.Released)
	field("Runtime", mr.Runtime)
	field("Genre", mr.Genre)
	field("Director", mr.Director)
	field("Writer", mr.Writer)
	field("Actors", mr.Actors)
	field("Country", mr.Country)
	field("Awards", mr.Awards)
	if mr.IMDbRating != "" && mr.IMDbRating != "N/A" {
		fmt.Fprintf(&sb, "IMDb rating: %s (%s votes)\n", mr.IMDbRating, mr.IMDbVotes)
	}
	if mr.IMDbID != "" {
		fmt.Fprintf(&sb, "URL: https://www.imdb.com/title/%s\n", mr.IMDbID)
	}
	field("Plot", mr.Plot)
	return strings.TrimSpace(sb.String())
}

// Tool returns the movie tool.
func (m *Movie) Tool() Tool {
	return Tool{
		Name:        "movie",
		Description: "Facts about a film or series (year, cast, director, rating, plot) with its poster attached. Argument: the title in English.",
		Shape:       TextFiles,
		Async:       true,
		Invoke:      m.Lookup,
	}
}
