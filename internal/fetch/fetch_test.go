package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/relay/internal/httpkit"
)

func TestExtractHTML_PrefersArticle(t *testing.T) {
	page := `<!DOCTYPE html>
<html>
<head><title> Test Page </title></head>
<body>
<nav>Navigation stuff</nav>
<script>var x = 1;</script>
<div>Sidebar junk</div>
<article>
<h1>Hello World</h1>
<p>This is a test paragraph with <strong>bold text</strong>.</p>
<ul><li>one</li><li>two</li></ul>
</article>
<footer>Footer stuff</footer>
</body>
</html>`

	title, content := extractHTML(page)
	if title != "Test Page" {
		t.Errorf("title = %q, want %q", title, "Test Page")
	}
	for _, want := range []string{"Hello World", "bold text", "- one", "- two"} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q:\n%s", want, content)
		}
	}
	for _, unwanted := range []string{"var x", "Navigation", "Footer", "Sidebar"} {
		if strings.Contains(content, unwanted) {
			t.Errorf("content contains %q:\n%s", unwanted, content)
		}
	}
}

func TestExtractHTML_WholeBodyWithoutArticle(t *testing.T) {
	_, content := extractHTML(`<html><body><header>Top</header><p>Body text</p></body></html>`)
	if content != "Body text" {
		t.Errorf("content = %q, want %q", content, "Body text")
	}
}

func TestFetch_HTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "Relay/") {
			t.Errorf("User-Agent = %q, want Relay/ prefix", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Test</title></head><body><p>Hello from test server</p></body></html>`))
	}))
	defer srv.Close()

	f := New(httpkit.NewClient(), 0)
	page, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.Title != "Test" {
		t.Errorf("Title = %q", page.Title)
	}
	if page.Content != "Hello from test server" {
		t.Errorf("Content = %q", page.Content)
	}
}

func TestFetch_TruncatesByRunes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("ж", 300)))
	}))
	defer srv.Close()

	page, err := New(srv.Client(), 100).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !page.Truncated {
		t.Error("Truncated = false, want true")
	}
	if n := len([]rune(page.Content)); n != 100 {
		t.Errorf("content has %d runes, want 100", n)
	}
}

func TestFetch_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if _, err := New(srv.Client(), 0).Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Tool Test</title></head><body><p>Content here</p></body></html>`))
	}))
	defer srv.Close()

	h := Handler(New(srv.Client(), 0))
	out, err := h(context.Background(), srv.URL+"  summarize this please")
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out != "Title: Tool Test\n\nContent here" {
		t.Errorf("output = %q", out)
	}

	if _, err := h(context.Background(), "   "); err == nil {
		t.Error("expected error for empty argument")
	}
}

func TestCollapse(t *testing.T) {
	got := collapse("  Hello   world  \n\n\n\n  Second line  \n\n\n Third  ")
	want := "Hello world\n\nSecond line\n\nThird"
	if got != want {
		t.Errorf("collapse = %q, want %q", got, want)
	}
}
