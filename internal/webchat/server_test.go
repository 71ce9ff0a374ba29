package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/relay/internal/agent"
	"github.com/nugget/relay/internal/connwatch"
)

type fakeAgent struct {
	mu      sync.Mutex
	inbound []agent.Inbound
	reply   *agent.Reply
	err     error
	release chan struct{}
	busy    bool
	actions []string
	toggled []string
}

func (a *fakeAgent) HandleMessage(_ context.Context, in agent.Inbound, progress agent.ProgressFunc) (*agent.Reply, error) {
	a.mu.Lock()
	a.inbound = append(a.inbound, in)
	first := !a.busy
	a.busy = true
	a.mu.Unlock()

	if !first {
		return &agent.Reply{Text: agent.StillWorking, Busy: true}, nil
	}
	defer func() {
		a.mu.Lock()
		a.busy = false
		a.mu.Unlock()
	}()
	progress(agent.Progress{Stage: agent.StageSelecting})
	progress(agent.Progress{Stage: agent.StageRunning, Tools: []string{"calculator"}})
	if a.release != nil {
		<-a.release
	}
	return a.reply, a.err
}

func (a *fakeAgent) PerformAction(_ context.Context, _ int64, kind agent.ActionKind, hash, arg string) (*agent.Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, string(kind)+"|"+hash+"|"+arg)
	return &agent.Reply{Text: "```output\n42\n```"}, nil
}

func (a *fakeAgent) ToggleMode(_ context.Context, _ int64, mode string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if mode != "compound" && mode != "default" {
		return "", &agent.UserFacingError{Message: "There is no \"" + mode + "\" mode."}
	}
	a.toggled = append(a.toggled, mode)
	return mode + " toggled", nil
}

func (a *fakeAgent) Cancel(int64) string { return "Nothing to cancel." }

func (a *fakeAgent) ClearHistory(context.Context, int64) (int, error) { return 2, nil }

func startServer(t *testing.T, ag *fakeAgent, cfg Config) *httptest.Server {
	t.Helper()
	cfg.Agent = ag
	srv := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) OutFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f OutFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

// readUntil skips progress frames.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) OutFrame {
	t.Helper()
	for {
		f := read(t, conn)
		if f.Type == typ {
			return f
		}
	}
}

func TestChat_TurnWithProgressAndActions(t *testing.T) {
	ag := &fakeAgent{reply: &agent.Reply{
		Text:    "1025",
		Hash:    "abc",
		Mode:    "default",
		Actions: []agent.Action{{Kind: agent.ActionTranslate, Label: "Translate to Russian 📖", Arg: "ru"}},
	}}
	srv := startServer(t, ag, Config{})
	conn := dial(t, srv, "5")

	if err := conn.WriteJSON(InFrame{Text: "2**10+1", LanguageCode: "ru"}); err != nil {
		t.Fatal(err)
	}

	p1 := read(t, conn)
	p2 := read(t, conn)
	if p1.Type != FrameProgress || p1.Stage != "selecting tools" {
		t.Errorf("first progress = %+v", p1)
	}
	if p2.Stage != "running tools" || strings.Join(p2.Tools, ",") != "calculator" {
		t.Errorf("second progress = %+v", p2)
	}

	reply := read(t, conn)
	if reply.Type != FrameReply || reply.Text != "1025" || reply.Mode != "default" {
		t.Errorf("reply = %+v", reply)
	}
	if len(reply.Actions) != 1 || reply.Actions[0].Hash != "abc" || reply.Actions[0].Arg != "ru" {
		t.Errorf("actions = %+v", reply.Actions)
	}

	ag.mu.Lock()
	in := ag.inbound[0]
	ag.mu.Unlock()
	if in.UserID != 5 || in.LanguageCode != "ru" {
		t.Errorf("inbound = %+v", in)
	}
}

func TestChat_BusyWhileTurnRuns(t *testing.T) {
	ag := &fakeAgent{reply: &agent.Reply{Text: "first answer"}, release: make(chan struct{})}
	srv := startServer(t, ag, Config{})
	conn := dial(t, srv, "5")

	if err := conn.WriteJSON(InFrame{Text: "slow question"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, FrameProgress)

	if err := conn.WriteJSON(InFrame{Text: "are you there?"}); err != nil {
		t.Fatal(err)
	}
	busy := readUntil(t, conn, FrameReply)
	if !busy.Busy || busy.Text != agent.StillWorking {
		t.Errorf("busy reply = %+v", busy)
	}

	close(ag.release)
	first := readUntil(t, conn, FrameReply)
	if first.Text != "first answer" || first.Busy {
		t.Errorf("first reply = %+v", first)
	}
}

func TestChat_Commands(t *testing.T) {
	tests := []struct {
		frame    InFrame
		wantType string
		wantText string
	}{
		{InFrame{Text: "/compound"}, FrameNotice, "compound toggled"},
		{InFrame{Command: "default"}, FrameNotice, "default toggled"},
		{InFrame{Command: "clear"}, FrameNotice, "History cleared (2 messages archived)."},
		{InFrame{Text: "/cancel"}, FrameNotice, "Nothing to cancel."},
		{InFrame{Text: "/bogus"}, FrameError, `There is no "bogus" mode.`},
	}
	srv := startServer(t, &fakeAgent{}, Config{})
	conn := dial(t, srv, "9")
	for _, tt := range tests {
		if err := conn.WriteJSON(tt.frame); err != nil {
			t.Fatal(err)
		}
		f := read(t, conn)
		if f.Type != tt.wantType || f.Text != tt.wantText {
			t.Errorf("%+v -> %+v", tt.frame, f)
		}
	}
}

func TestChat_Action(t *testing.T) {
	ag := &fakeAgent{}
	srv := startServer(t, ag, Config{})
	conn := dial(t, srv, "5")

	if err := conn.WriteJSON(InFrame{Action: &ActionFrame{Kind: "run_code", Hash: "h1"}}); err != nil {
		t.Fatal(err)
	}
	f := read(t, conn)
	if f.Type != FrameReply || !strings.Contains(f.Text, "42") {
		t.Errorf("reply = %+v", f)
	}
	ag.mu.Lock()
	defer ag.mu.Unlock()
	if strings.Join(ag.actions, ",") != "run_code|h1|" {
		t.Errorf("actions = %v", ag.actions)
	}
}

func TestChat_ErrorFrame(t *testing.T) {
	ag := &fakeAgent{err: &agent.UserFacingError{Message: "All language models failed to answer. Please try again later."}}
	srv := startServer(t, ag, Config{})
	conn := dial(t, srv, "5")

	if err := conn.WriteJSON(InFrame{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	f := readUntil(t, conn, FrameError)
	if f.Text != "All language models failed to answer. Please try again later." {
		t.Errorf("error = %+v", f)
	}
}

func TestChat_RateLimit(t *testing.T) {
	srv := startServer(t, &fakeAgent{}, Config{RateLimit: 1})
	conn := dial(t, srv, "5")

	_ = conn.WriteJSON(InFrame{Command: "cancel"})
	read(t, conn)
	_ = conn.WriteJSON(InFrame{Command: "cancel"})
	f := read(t, conn)
	if f.Type != FrameNotice || !strings.Contains(f.Text, "too fast") {
		t.Errorf("frame = %+v", f)
	}
}

func TestChat_FileLinks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qr.png")
	if err := os.WriteFile(path, []byte("png bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	ag := &fakeAgent{reply: &agent.Reply{Text: "here", Files: []string{path, "/etc/passwd"}}}
	srv := startServer(t, ag, Config{FilesDir: dir})
	conn := dial(t, srv, "5")

	_ = conn.WriteJSON(InFrame{Text: "make a qr code"})
	f := readUntil(t, conn, FrameReply)
	if strings.Join(f.Files, ",") != "/files/qr.png" {
		t.Fatalf("files = %v", f.Files)
	}

	resp, err := http.Get(srv.URL + f.Files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("file status = %d", resp.StatusCode)
	}
}

func TestChat_RejectsMissingUser(t *testing.T) {
	srv := startServer(t, &fakeAgent{}, Config{})
	for _, q := range []string{"", "?user=abc", "?user=-1"} {
		resp, err := http.Get(srv.URL + "/ws" + q)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%q: status = %d", q, resp.StatusCode)
		}
	}
}

type fakeHealth map[string]connwatch.Status

func (h fakeHealth) Status() map[string]connwatch.Status { return h }

func (h fakeHealth) Healthy() bool {
	for _, s := range h {
		if !s.Ready {
			return false
		}
	}
	return true
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name       string
		health     HealthReporter
		wantStatus string
		wantSvcs   int
	}{
		{"no watchers", nil, "healthy", 0},
		{"all up", fakeHealth{"database": {Name: "database", Ready: true}}, "healthy", 1},
		{"mqtt down", fakeHealth{
			"database": {Name: "database", Ready: true},
			"mqtt":     {Name: "mqtt", LastError: "connection refused", Failures: 3},
		}, "degraded", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, &fakeAgent{}, Config{Health: tt.health})
			resp, err := http.Get(srv.URL + "/healthz")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status code = %d", resp.StatusCode)
			}
			var body healthResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.wantStatus || len(body.Services) != tt.wantSvcs || body.Uptime == "" {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestChat_AccessControl(t *testing.T) {
	srv := startServer(t, &fakeAgent{}, Config{AllowedUsers: []int64{5}, Token: "s3cret"})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	tests := []struct {
		name   string
		query  string
		header http.Header
		want   int
	}{
		{"no token", "?user=5", nil, http.StatusUnauthorized},
		{"wrong token", "?user=5&token=guess", nil, http.StatusUnauthorized},
		{"unlisted user", "?user=6&token=s3cret", nil, http.StatusForbidden},
		{"token in query", "?user=5&token=s3cret", nil, http.StatusSwitchingProtocols},
		{"bearer header", "?user=5", http.Header{"Authorization": {"Bearer s3cret"}}, http.StatusSwitchingProtocols},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL+tt.query, tt.header)
			if conn != nil {
				conn.Close()
			}
			if resp == nil {
				t.Fatalf("no response: %v", err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestIsLoopback(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"localhost": true,
		"":          false,
		"0.0.0.0":   false,
		"10.0.0.2":  false,
	} {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
