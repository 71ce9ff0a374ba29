package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/nugget/relay/internal/httpkit"
)

// latexPreamble wraps bare LaTeX fragments into a compilable document.
const latexPreamble = `\documentclass[a4paper]{article}
\usepackage[english,russian]{babel}
\usepackage[utf8]{inputenc}
\usepackage{geometry}
\geometry{a4paper, left=15mm, right=15mm, top=15mm, bottom=17mm}
\usepackage{amsmath, amssymb, amsfonts}
`

// formulaEscaper escapes what PathEscape leaves alone but the image
// service would decode.
var formulaEscaper = strings.NewReplacer("+", "%2B", "&", "%26")

// maxLatexFixes bounds how many times a failing document is sent back
// to the fixer.
const maxLatexFixes = 3

// LatexFixer rewrites a LaTeX document given the compiler's complaint.
type LatexFixer func(ctx context.Context, source, compileError string) (string, error)

// Latex renders LaTeX documents to PDF (latexonline-compatible API) and
// single formulas to PNG (codecogs-compatible API).
type Latex struct {
	client     *http.Client
	compileURL string
	imageURL   string
	out        *OutputStore
	fixer      LatexFixer
	logger     *slog.Logger
}

// NewLatex creates a renderer. fixer may be nil.
func NewLatex(client *http.Client, compileURL, imageURL string, out *OutputStore, fixer LatexFixer, logger *slog.Logger) *Latex {
	if logger == nil {
		logger = slog.Default()
	}
	return &Latex{
		client:     client,
		compileURL: compileURL,
		imageURL:   imageURL,
		out:        out,
		fixer:      fixer,
		logger:     logger,
	}
}

// WrapDocument adds the standard preamble when source is a fragment.
func WrapDocument(source string) string {
	if strings.Contains(source, `\begin{document}`) {
		return source
	}
	return latexPreamble + "\\begin{document}\n" + source + "\n\\end{document}"
}

// StripFence removes a surrounding Markdown code fence (```latex,
// ```python, ```) if present.
func StripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// RenderPDF compiles source to a PDF and returns its path. When
// compilation fails and a fixer is configured, the fixer's rewrite is
// tried up to maxLatexFixes times.
func (l *Latex) RenderPDF(ctx context.Context, source string) (string, error) {
	doc := WrapDocument(StripFence(source))

	for attempt := 0; ; attempt++ {
		name, err := l.out.Name("document", "pdf")
		if err != nil {
			return "", err
		}
		target := l.compileURL + "?text=" + url.QueryEscape(doc)
		path, err := httpkit.DownloadFile(ctx, l.client, target, l.out.Dir(), name, 0)
		if err == nil {
			return path, nil
		}

		var se *httpkit.StatusError
		if l.fixer == nil || attempt >= maxLatexFixes || !errors.As(err, &se) {
			return "", fmt.Errorf("compile latex: %w", err)
		}

		l.logger.Info("latex compile failed, asking for a fix",
			"attempt", attempt+1,
			"status", se.Code,
		)
		fixed, ferr := l.fixer(ctx, doc, se.Body)
		if ferr != nil {
			return "", fmt.Errorf("compile latex: %w (fix failed: %v)", err, ferr)
		}
		doc = WrapDocument(StripFence(fixed))
	}
}

// RenderFormula renders one formula to a PNG and returns its path.
// Surrounding $ or \[ \] delimiters are removed.
func (l *Latex) RenderFormula(ctx context.Context, formula string) (string, error) {
	f := strings.TrimSpace(formula)
	f = strings.TrimPrefix(strings.TrimSuffix(f, `\]`), `\[`)
	f = strings.Trim(f, "$ \n")
	if f == "" {
		return "", errors.New("empty formula")
	}
	name, err := l.out.Name("formula", "png")
	if err != nil {
		return "", err
	}
	target := l.imageURL + "?" + formulaEscaper.Replace(url.PathEscape(`\dpi{300}\bg{white} `+f))
	path, err := httpkit.DownloadFile(ctx, l.client, target, l.out.Dir(), name, 0)
	if err != nil {
		return "", fmt.Errorf("render formula: %w", err)
	}
	return path, nil
}

// Tool returns the latex tool (document to PDF).
func (l *Latex) Tool() Tool {
	return Tool{
		Name:        "latex",
		Description: "Compiles LaTeX source (a full document or a fragment) into a PDF file. Argument: the LaTeX source.",
		Shape:       TextFiles,
		Async:       true,
		Invoke: func(ctx context.Context, arg string) (Result, error) {
			path, err := l.RenderPDF(ctx, arg)
			if err != nil {
				return Result{}, err
			}
			return Result{Text: "The compiled PDF is attached.", Files: []string{path}}, nil
		},
	}
}
