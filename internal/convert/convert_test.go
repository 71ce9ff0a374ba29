package convert

import (
	"archive/zip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type fakeTranscriber struct{ text string }

func (f fakeTranscriber) Transcribe(context.Context, string) (string, error) { return f.text, nil }

func TestToText(t *testing.T) {
	ctx := context.Background()
	c := New(Config{}, fakeTranscriber{text: " hello from audio "}, nil)

	tests := []struct {
		name    string
		file    string
		data    []byte
		want    string
		wantErr error
	}{
		{name: "markdown", file: "notes.md", data: []byte("# Title\n\nBody\n"), want: "# Title\n\nBody"},
		{name: "source code", file: "main.go", data: []byte("package main\n"), want: "package main"},
		{name: "unknown text extension", file: "README", data: []byte("just words"), want: "just words"},
		{name: "binary", file: "blob.bin", data: []byte{0x00, 0x01, 0x02, 0xff}, wantErr: ErrUnsupported},
		{name: "invalid utf8 text", file: "bad.txt", data: []byte{0xff, 0xfe, 'a'}, wantErr: ErrUnsupported},
		{name: "audio", file: "voice.ogg", data: []byte("OggS"), want: "hello from audio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ToText(ctx, writeFile(t, tt.file, tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToText: %v", err)
			}
			if got != tt.want {
				t.Errorf("ToText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToText_AudioWithoutTranscriber(t *testing.T) {
	c := New(Config{}, nil, nil)
	_, err := c.ToText(context.Background(), writeFile(t, "voice.mp3", []byte("ID3")))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestToText_Limits(t *testing.T) {
	ctx := context.Background()

	small := New(Config{MaxBytes: 4}, nil, nil)
	if _, err := small.ToText(ctx, writeFile(t, "big.txt", []byte("12345"))); err == nil {
		t.Error("expected size limit error")
	}

	short := New(Config{MaxChars: 3}, nil, nil)
	got, err := short.ToText(ctx, writeFile(t, "ru.txt", []byte("привет")))
	if err != nil {
		t.Fatalf("ToText: %v", err)
	}
	if got != "при\n…(truncated)" {
		t.Errorf("truncated = %q", got)
	}
}

func TestDOCXText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.docx")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> world</w:t></w:r></w:p>
<w:p><w:r><w:t>Col A</w:t><w:tab/><w:t>Col B</w:t></w:r></w:p>
</w:body>
</w:document>`))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := New(Config{}, nil, nil).ToText(context.Background(), path)
	if err != nil {
		t.Fatalf("ToText: %v", err)
	}
	if got != "Hello world\nCol A\tCol B" {
		t.Errorf("docx text = %q", got)
	}
}

func TestDOCXText_NotAZip(t *testing.T) {
	if _, err := DOCXText(writeFile(t, "fake.docx", []byte("plain"))); err == nil {
		t.Error("expected error for non-zip docx")
	}
}

func TestPDFText_Invalid(t *testing.T) {
	if _, err := PDFText(writeFile(t, "fake.pdf", []byte("not a pdf at all"))); err == nil {
		t.Error("expected error for invalid pdf")
	}
}

func TestWhisper_RotatesKeys(t *testing.T) {
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		auths = append(auths, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "Bearer bad" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"invalid key"}}`))
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-large-v3" {
			t.Errorf("model = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" recognized speech "}`))
	}))
	defer srv.Close()

	wh, err := NewWhisper(srv.URL, []string{"bad", "good"}, "whisper-large-v3", srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewWhisper: %v", err)
	}
	got, err := wh.Transcribe(context.Background(), writeFile(t, "voice.ogg", []byte("OggS fake")))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "recognized speech" {
		t.Errorf("text = %q", got)
	}
	if strings.Join(auths, ",") != "Bearer bad,Bearer good" {
		t.Errorf("auth order = %v", auths)
	}
}

func TestNewWhisper_NoKeys(t *testing.T) {
	if _, err := NewWhisper("", nil, "m", nil, nil); err == nil {
		t.Error("expected error without keys")
	}
}
