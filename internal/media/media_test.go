package media

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// fakeYtDlp writes a shell script that mimics yt-dlp: it writes a VTT
// file next to the -o template and prints one JSON line.
func fakeYtDlp(t *testing.T, vtt string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stub needs a POSIX shell")
	}
	script := `#!/bin/sh
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; shift; fi
  shift
done
dir=$(dirname "$out")
cat > "$dir/abc.en.vtt" <<'EOF'
` + vtt + `
EOF
echo '{"id":"abc","title":"Demo Talk","uploader":"Chan","duration":3725}'
`
	path := filepath.Join(t.TempDir(), "yt-dlp")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleVTT = `WEBVTT

00:00:01.000 --> 00:00:02.000
hello and welcome

00:00:02.000 --> 00:00:03.000
to the demo`

func TestTranscript(t *testing.T) {
	c := New(Config{YtDlpPath: fakeYtDlp(t, sampleVTT)}, nil, slog.Default())

	v, err := c.Transcript(context.Background(), "https://www.youtube.com/watch?v=abc")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if v.Title != "Demo Talk" || v.Channel != "Chan" || v.Duration != "1:02:05" || v.Source != "youtube" {
		t.Errorf("metadata = %+v", v)
	}
	if v.Transcript != "hello and welcome to the demo" {
		t.Errorf("Transcript = %q", v.Transcript)
	}
}

func TestHandler_RawTranscriptWithoutSummarizer(t *testing.T) {
	h := Handler(New(Config{YtDlpPath: fakeYtDlp(t, sampleVTT)}, nil, slog.Default()))

	out, err := h(context.Background(), "https://youtu.be/abc")
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	want := "Title: Demo Talk\nChannel: Chan\nDuration: 1:02:05\n\nhello and welcome to the demo"
	if out != want {
		t.Errorf("output =\n%q\nwant\n%q", out, want)
	}
}

func TestHandler_FocusReachesSummarizer(t *testing.T) {
	var got string
	sum := func(_ context.Context, prompt string) (string, error) {
		got = prompt
		return "short answer", nil
	}
	h := Handler(New(Config{YtDlpPath: fakeYtDlp(t, sampleVTT)}, sum, slog.Default()))

	out, err := h(context.Background(), "https://youtu.be/abc what is demoed?")
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !strings.HasSuffix(out, "\n\nshort answer") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(got, "what is demoed?") || !strings.Contains(got, "hello and welcome") {
		t.Errorf("prompt = %q", got)
	}
}

func TestHandler_RejectsNonURL(t *testing.T) {
	h := Handler(New(Config{YtDlpPath: "/nonexistent"}, nil, slog.Default()))
	for _, arg := range []string{"", "   ", "cats video", "ftp://x/y"} {
		if _, err := h(context.Background(), arg); err == nil {
			t.Errorf("handler(%q) succeeded, want error", arg)
		}
	}
}

func TestTranscript_MissingBinary(t *testing.T) {
	c := &Client{cfg: Config{}, logger: slog.Default()}
	if _, err := c.Transcript(context.Background(), "https://youtu.be/x"); err == nil {
		t.Fatal("expected error without yt-dlp")
	}
}

func TestSourceOf(t *testing.T) {
	tests := map[string]string{
		"https://www.youtube.com/watch?v=x": "youtube",
		"https://m.youtube.com/watch?v=x":   "youtube",
		"https://youtu.be/x":                "youtube",
		"https://vimeo.com/123":             "vimeo",
		"https://www.twitch.tv/videos/1":    "twitch",
		"https://www.example.org/v.mp4":     "example.org",
		"not a url":                         "unknown",
	}
	for in, want := range tests {
		if got := sourceOf(in); got != want {
			t.Errorf("sourceOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, ""},
		{59, "0:59"},
		{330, "5:30"},
		{3725, "1:02:05"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
