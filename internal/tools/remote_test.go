package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/relay/internal/config"
)

func newTestOutputs(t *testing.T) *OutputStore {
	t.Helper()
	return NewOutputStore(t.TempDir(), slog.Default())
}

func TestStripFence(t *testing.T) {
	tests := map[string]string{
		"plain":                         "plain",
		"```python\nprint(1)\n```":      "print(1)",
		"  ```\nx = 1\ny = 2\n```  ":    "x = 1\ny = 2",
		"```latex\n\\section{A}\n```\n": `\section{A}`,
	}
	for in, want := range tests {
		if got := StripFence(in); got != want {
			t.Errorf("StripFence(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWrapDocument(t *testing.T) {
	full := "\\documentclass{article}\n\\begin{document}hi\\end{document}"
	if got := WrapDocument(full); got != full {
		t.Errorf("full document was rewrapped: %q", got)
	}
	got := WrapDocument("$x^2$")
	if !strings.HasPrefix(got, `\documentclass[a4paper]{article}`) ||
		!strings.Contains(got, "\\begin{document}\n$x^2$\n\\end{document}") {
		t.Errorf("fragment not wrapped:\n%s", got)
	}
}

func TestLatex_RenderPDF(t *testing.T) {
	var gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotText = r.URL.Query().Get("text")
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.5 fake"))
	}))
	defer srv.Close()

	l := NewLatex(srv.Client(), srv.URL+"/compile", "", newTestOutputs(t), nil, slog.Default())
	res, err := l.Tool().Invoke(context.Background(), "```latex\nHello $E=mc^2$\n```")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(res.Files) != 1 || filepath.Ext(res.Files[0]) != ".pdf" {
		t.Fatalf("Files = %v", res.Files)
	}
	data, err := os.ReadFile(res.Files[0])
	if err != nil || string(data) != "%PDF-1.5 fake" {
		t.Errorf("file content = %q, %v", data, err)
	}
	if !strings.Contains(gotText, "Hello $E=mc^2$") || !strings.Contains(gotText, `\begin{document}`) {
		t.Errorf("server received %q", gotText)
	}
}

func TestLatex_FixerRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if strings.Contains(r.URL.Query().Get("text"), `\badmacro`) {
			http.Error(w, "! Undefined control sequence.", http.StatusBadRequest)
			return
		}
		w.Write([]byte("%PDF"))
	}))
	defer srv.Close()

	var fixerSaw string
	fixer := func(_ context.Context, source, compileError string) (string, error) {
		fixerSaw = compileError
		return "```latex\n" + strings.ReplaceAll(source, `\badmacro`, "ok") + "\n```", nil
	}
	l := NewLatex(srv.Client(), srv.URL, "", newTestOutputs(t), fixer, slog.Default())

	if _, err := l.RenderPDF(context.Background(), `\badmacro`); err != nil {
		t.Fatalf("RenderPDF: %v", err)
	}
	if calls != 2 {
		t.Errorf("compile calls = %d, want 2", calls)
	}
	if !strings.Contains(fixerSaw, "Undefined control sequence") {
		t.Errorf("fixer saw %q", fixerSaw)
	}
}

func TestLatex_FixerGivesUp(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "broken", http.StatusBadRequest)
	}))
	defer srv.Close()

	fixer := func(_ context.Context, source, _ string) (string, error) { return source, nil }
	l := NewLatex(srv.Client(), srv.URL, "", newTestOutputs(t), fixer, slog.Default())

	if _, err := l.RenderPDF(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if calls != maxLatexFixes+1 {
		t.Errorf("compile calls = %d, want %d", calls, maxLatexFixes+1)
	}
}

func TestLatex_RenderFormula(t *testing.T) {
	var rawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		w.Write([]byte("\x89PNG"))
	}))
	defer srv.Close()

	l := NewLatex(srv.Client(), "", srv.URL, newTestOutputs(t), nil, slog.Default())
	path, err := l.RenderFormula(context.Background(), `$$\frac{a}{b}$$`)
	if err != nil {
		t.Fatalf("RenderFormula: %v", err)
	}
	if filepath.Ext(path) != ".png" {
		t.Errorf("path = %q", path)
	}
	formula, err := url.PathUnescape(rawQuery)
	if err != nil {
		t.Fatalf("unescape %q: %v", rawQuery, err)
	}
	if !strings.Contains(formula, `\frac{a}{b}`) || strings.Contains(formula, "$") {
		t.Errorf("query = %q", rawQuery)
	}

	if _, err := l.RenderFormula(context.Background(), "$$ $$"); err == nil {
		t.Error("expected error for empty formula")
	}
}

func TestWolfram(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("appid") != "APP" {
			http.Error(w, "bad appid", http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/v1/result":
			if r.URL.Query().Get("i") == "gibberish" {
				http.Error(w, "Wolfram|Alpha did not understand your input", http.StatusNotImplemented)
				return
			}
			io.WriteString(w, "  42 kilometers\n")
		case "/v1/simple":
			w.Write([]byte("GIF89a"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	wa := NewWolfram(srv.Client(), "APP", srv.URL, newTestOutputs(t))
	ctx := context.Background()

	got, err := wa.ShortAnswer(ctx, "distance")
	if err != nil || got != "42 kilometers" {
		t.Errorf("ShortAnswer = %q, %v", got, err)
	}
	got, err = wa.ShortAnswer(ctx, "gibberish")
	if err != nil || !strings.Contains(got, "did not understand") {
		t.Errorf("ShortAnswer(gibberish) = %q, %v", got, err)
	}

	ts := wa.Tools()
	if len(ts) != 2 || ts[1].Name != "wolfram_image" || ts[1].Shape != TextFiles {
		t.Fatalf("Tools = %+v", ts)
	}
	res, err := ts[1].Invoke(ctx, "plot sin x")
	if err != nil {
		t.Fatalf("wolfram_image: %v", err)
	}
	if len(res.Files) != 1 {
		t.Errorf("Files = %v", res.Files)
	}

	bad := NewWolfram(srv.Client(), "WRONG", srv.URL, newTestOutputs(t))
	if _, err := bad.ShortAnswer(ctx, "x"); err == nil {
		t.Error("expected error for rejected app id")
	}
}

func TestCodeRunner(t *testing.T) {
	var req pistonRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v2/piston/execute" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		io.WriteString(w, `{"run":{"stdout":"hello\n","stderr":"warn\n","code":1}}`)
	}))
	defer srv.Close()

	c := NewCodeRunner(srv.Client(), srv.URL+"/api/v2/piston/", "python", "3.10.0")
	out, err := c.Run(context.Background(), "```python\nprint('hello')\n```")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "hello\nwarn\n(exit code 1)" {
		t.Errorf("output = %q", out)
	}
	if req.Language != "python" || req.Version != "3.10.0" || len(req.Files) != 1 || req.Files[0].Content != "print('hello')" {
		t.Errorf("request = %+v", req)
	}
}

func TestCodeRunner_SandboxMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":"cobol-9.9 runtime is unknown"}`)
	}))
	defer srv.Close()

	_, err := NewCodeRunner(srv.Client(), srv.URL, "cobol", "9.9").Run(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "runtime is unknown") {
		t.Fatalf("err = %v", err)
	}
}

func TestQRCodeTool(t *testing.T) {
	out := newTestOutputs(t)
	res, err := QRCodeTool(out).Invoke(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	data, err := os.ReadFile(res.Files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(data), "\x89PNG") {
		t.Error("output is not a PNG")
	}
	if _, err := QRCodeTool(out).Invoke(context.Background(), "  "); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestOutputStore_Prune(t *testing.T) {
	out := newTestOutputs(t)
	oldPath, err := out.Write("old", "txt", []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	newPath, err := out.Write("new", "txt", []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatal(err)
	}

	n, err := out.Prune(time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if _, err := os.Stat(oldPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("old file survived")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Error("new file removed")
	}
}

func TestNewBuiltin(t *testing.T) {
	cfg := config.ToolsConfig{
		CodeRun: config.CodeRunConfig{URL: "http://sandbox", Language: "python", Version: "3.10.0"},
		Latex:   config.LatexConfig{CompileURL: "http://latex/compile", ImageURL: "http://latex/png"},
	}
	b, err := NewBuiltin(Deps{Config: cfg, HTTP: http.DefaultClient, Out: newTestOutputs(t)})
	if err != nil {
		t.Fatalf("NewBuiltin: %v", err)
	}
	got := strings.Join(b.All.Names(), ",")
	if got != "calculator,read_page,video_summary,latex,qrcode,run_code" {
		t.Errorf("names without search or wolfram = %s", got)
	}

	cfg.Search = config.SearchConfig{Provider: "searxng", SearXNGURL: "http://searx"}
	cfg.Wolfram.AppID = "APP"
	cfg.Movie.APIKey = "OMDB"
	b, err = NewBuiltin(Deps{Config: cfg, HTTP: http.DefaultClient, Out: newTestOutputs(t)})
	if err != nil {
		t.Fatalf("NewBuiltin: %v", err)
	}
	for _, name := range []string{"web_search", "image_search", "wolfram", "wolfram_image", "movie"} {
		if !b.All.Has(name) {
			t.Errorf("missing %s", name)
		}
	}

	enabled, err := b.Enabled([]string{"calculator", "web_search"})
	if err != nil || enabled.Len() != 2 {
		t.Fatalf("Enabled = %v, %v", enabled, err)
	}
	if _, err := b.Enabled([]string{"imdb"}); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool", err)
	}
}
