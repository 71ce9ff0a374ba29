package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/relay/internal/search"
)

type fakeImages struct {
	images []search.Image
	err    error
}

func (f fakeImages) Images(context.Context, string, int) ([]search.Image, error) {
	return f.images, f.err
}

func TestImageSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("image " + r.URL.Path))
	}))
	defer srv.Close()

	p := fakeImages{images: []search.Image{
		{Title: "a", ImageURL: srv.URL + "/a.png"},
		{Title: "gone", ImageURL: srv.URL + "/missing.png"},
		{Title: "b", ImageURL: srv.URL + "/b?size=large"},
	}}
	tool := NewImageSearch(p, srv.Client(), newTestOutputs(t), 3, nil).Tool()
	if tool.Shape != TextFiles {
		t.Errorf("shape = %v, want TextFiles", tool.Shape)
	}

	res, err := tool.Invoke(context.Background(), "cats")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(res.Files) != 2 {
		t.Fatalf("files = %v, want the two reachable images", res.Files)
	}
	if filepath.Ext(res.Files[0]) != ".png" || filepath.Ext(res.Files[1]) != ".jpg" {
		t.Errorf("extensions = %v", res.Files)
	}
	data, err := os.ReadFile(res.Files[0])
	if err != nil || string(data) != "image /a.png" {
		t.Errorf("first file = %q, %v", data, err)
	}
	if !strings.Contains(res.Text, `2 images for "cats"`) {
		t.Errorf("text = %q", res.Text)
	}
}

func TestImageSearch_NothingDownloaded(t *testing.T) {
	tool := NewImageSearch(fakeImages{}, http.DefaultClient, newTestOutputs(t), 0, nil).Tool()
	if _, err := tool.Invoke(context.Background(), "cats"); err == nil {
		t.Fatal("expected an error when no image is available")
	}
	if _, err := tool.Invoke(context.Background(), "  "); err == nil {
		t.Fatal("expected an error for an empty query")
	}
}

func TestMovie(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/poster.jpg" {
			w.Write([]byte("poster"))
			return
		}
		q := r.URL.Query()
		if q.Get("apikey") != "KEY" {
			t.Errorf("apikey = %q", q.Get("apikey"))
		}
		if q.Get("t") != "Inception" {
			w.Write([]byte(`{"Response":"False","Error":"Movie not found!"}`))
			return
		}
		w.Write([]byte(`{"Response":"True","Title":"Inception","Year":"2010","Director":"Christopher Nolan",
			"Awards":"N/A","imdbRating":"8.8","imdbVotes":"2,500,000","imdbID":"tt1375666",
			"Plot":"A thief steals secrets through dreams.","Poster":"` + srvURL + `/poster.jpg"}`))
	}))
	defer srv.Close()
	srvURL = srv.URL

	m := NewMovie(srv.Client(), "KEY", srv.URL+"/", newTestOutputs(t), nil)
	res, err := m.Tool().Invoke(context.Background(), " Inception ")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	for _, want := range []string{
		"Title: Inception",
		"Director: Christopher Nolan",
		"IMDb rating: 8.8 (2,500,000 votes)",
		"URL: https://www.imdb.com/title/tt1375666",
	} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("text missing %q:\n%s", want, res.Text)
		}
	}
	if strings.Contains(res.Text, "Awards") {
		t.Errorf("N/A fields should be omitted:\n%s", res.Text)
	}
	if len(res.Files) != 1 || filepath.Ext(res.Files[0]) != ".jpg" {
		t.Errorf("files = %v", res.Files)
	}

	if _, err := m.Lookup(context.Background(), "Nonexistent"); err == nil || !strings.Contains(err.Error(), "Movie not found!") {
		t.Errorf("err = %v, want not found", err)
	}
}
