package tools

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/fetch"
	"github.com/nugget/relay/internal/media"
	"github.com/nugget/relay/internal/search"
)

// AskFunc sends a single prompt to the model gateway.
type AskFunc func(ctx context.Context, prompt string) (string, error)

// Deps carries what the built-in tools need.
type Deps struct {
	Config config.ToolsConfig
	HTTP   *http.Client
	Out    *OutputStore
	// Ask backs video summaries and LaTeX repair. May be nil.
	Ask AskFunc
	// FixLatex rewrites a failing LaTeX document. May be nil.
	FixLatex LatexFixer
	Logger   *slog.Logger
}

// Builtin is the full set of tools this build knows, plus direct
// handles on the ones that suggested actions call.
type Builtin struct {
	All   *Registry
	Latex *Latex
	Code  *CodeRunner
}

// NewBuiltin constructs every tool whose configuration is complete.
// Tools missing required settings (a search provider, a Wolfram app
// id, an OMDb key) are left out, so enabling them is a startup error.
func NewBuiltin(d Deps) (*Builtin, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := d.Config

	b := &Builtin{
		Latex: NewLatex(d.HTTP, cfg.Latex.CompileURL, cfg.Latex.ImageURL, d.Out, d.FixLatex, logger.With("tool", "latex")),
		Code:  NewCodeRunner(d.HTTP, cfg.CodeRun.URL, cfg.CodeRun.Language, cfg.CodeRun.Version),
	}

	list := []Tool{CalculatorTool()}

	if p, err := search.New(search.Config{
		Provider:    cfg.Search.Provider,
		BraveAPIKey: cfg.Search.BraveAPIKey,
		SearXNGURL:  cfg.Search.SearXNGURL,
	}, d.HTTP); err == nil {
		list = append(list, TextTool("web_search",
			"Searches the web for current information and returns titles, links and snippets. Argument: a well-formed search query.",
			true, search.Handler(p, cfg.Search.Count)))
		if ip, ok := p.(search.ImageProvider); ok {
			list = append(list, NewImageSearch(ip, d.HTTP, d.Out, cfg.Search.ImageCount, logger.With("tool", "image_search")).Tool())
		}
	} else {
		logger.Debug("web_search unavailable", "reason", err)
	}

	list = append(list, TextTool("read_page",
		"Downloads a web page and returns its readable text, for full articles, documentation or lyrics. Argument: the URL.",
		true, fetch.Handler(fetch.New(d.HTTP, 0))))

	var summarize media.SummarizeFunc
	if d.Ask != nil {
		summarize = media.SummarizeFunc(d.Ask)
	}
	list = append(list, TextTool("video_summary",
		"Summarizes a video (YouTube and other sites) from its captions. Argument: the video URL, optionally followed by a question about it.",
		true, media.Handler(media.New(media.Config{
			YtDlpPath:   cfg.Media.YtDlpPath,
			CookiesFile: cfg.Media.CookiesFile,
			Language:    cfg.Media.Language,
		}, summarize, logger.With("tool", "video_summary")))))

	if cfg.Wolfram.AppID != "" {
		list = append(list, NewWolfram(d.HTTP, cfg.Wolfram.AppID, "", d.Out).Tools()...)
	} else {
		logger.Debug("wolfram tools unavailable", "reason", "no app id")
	}

	if cfg.Movie.APIKey != "" {
		list = append(list, NewMovie(d.HTTP, cfg.Movie.APIKey, cfg.Movie.URL, d.Out, logger.With("tool", "movie")).Tool())
	} else {
		logger.Debug("movie tool unavailable", "reason", "no api key")
	}

	list = append(list, b.Latex.Tool(), QRCodeTool(d.Out), b.Code.Tool())

	all, err := NewRegistry(list...)
	if err != nil {
		return nil, err
	}
	b.All = all
	return b, nil
}

// Enabled returns the registry the planner sees: the configured tool
// names in configured order.
func (b *Builtin) Enabled(names []string) (*Registry, error) {
	return b.All.Subset(names)
}
