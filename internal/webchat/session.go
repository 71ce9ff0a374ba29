package webchat

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/relay/internal/agent"
	"github.com/nugget/relay/internal/events"
)

// Frame types sent to the client.
const (
	FrameReply    = "reply"
	FrameProgress = "progress"
	FrameNotice   = "notice"
	FrameError    = "error"
)

// InFrame is a client message. Exactly one of Text, Command or Action
// is expected; text starting with "/" is treated as a command.
type InFrame struct {
	Text         string       `json:"text,omitempty"`
	Command      string       `json:"command,omitempty"`
	Action       *ActionFrame `json:"action,omitempty"`
	LanguageCode string       `json:"language_code,omitempty"`
}

// ActionFrame describes a suggested follow-up. Clients echo Kind, Hash
// and Arg back to trigger it.
type ActionFrame struct {
	Kind  string `json:"kind"`
	Hash  string `json:"hash"`
	Arg   string `json:"arg,omitempty"`
	Label string `json:"label,omitempty"`
}

// OutFrame is a server message.
type OutFrame struct {
	Type    string        `json:"type"`
	Text    string        `json:"text,omitempty"`
	Files   []string      `json:"files,omitempty"`
	Actions []ActionFrame `json:"actions,omitempty"`
	Busy    bool          `json:"busy,omitempty"`
	Mode    string        `json:"mode,omitempty"`
	Stage   string        `json:"stage,omitempty"`
	Tools   []string      `json:"tools,omitempty"`
}

type session struct {
	s      *Server
	conn   *websocket.Conn
	userID int64
	logger *slog.Logger

	writeMu sync.Mutex
}

func newSession(s *Server, conn *websocket.Conn, userID int64) *session {
	return &session{
		s:      s,
		conn:   conn,
		userID: userID,
		logger: s.logger.With("user_id", userID),
	}
}

// serve reads frames until the connection closes. Each frame is
// handled on its own goroutine so a second message during a running
// turn gets the busy reply at once.
func (ss *session) serve(ctx context.Context) {
	defer ss.conn.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ss.conn.SetReadLimit(maxFrame)
	_ = ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	ss.conn.SetPongHandler(func(string) error {
		return ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go ss.ping(ctx)

	for {
		var f InFrame
		if err := ss.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ss.logger.Debug("chat read ended", "error", err)
			}
			return
		}
		if !ss.s.limiter.Allow(ss.userID) {
			ss.logger.Warn("chat message rate-limited")
			ss.write(OutFrame{Type: FrameNotice, Text: "You are sending messages too fast. Please wait a minute."})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			ss.handle(ctx, f)
		}()
	}
}

func (ss *session) ping(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				ss.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (ss *session) write(f OutFrame) {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	_ = ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ss.conn.WriteJSON(f); err != nil {
		ss.logger.Debug("chat write failed", "type", f.Type, "error", err)
	}
}

func (ss *session) handle(ctx context.Context, f InFrame) {
	switch {
	case f.Action != nil:
		ss.emit("action")
		ss.action(ctx, *f.Action)
	case f.Command != "":
		ss.emit("command")
		ss.command(ctx, f.Command)
	case strings.HasPrefix(f.Text, "/"):
		ss.emit("command")
		ss.command(ctx, strings.TrimPrefix(f.Text, "/"))
	default:
		ss.emit("text")
		ss.turn(ctx, f)
	}
}

func (ss *session) emit(kind string) {
	ss.s.bus.Emit(events.SourceWebChat, events.KindMessageReceived, map[string]any{
		"user_id": ss.userID,
		"kind":    kind,
	})
}

func (ss *session) turn(ctx context.Context, f InFrame) {
	in := agent.Inbound{
		UserID:       ss.userID,
		LanguageCode: f.LanguageCode,
		Text:         f.Text,
	}
	progress := func(p agent.Progress) {
		ss.write(OutFrame{Type: FrameProgress, Stage: p.Stage.String(), Tools: p.Tools})
	}

	reply, err := ss.s.agent.HandleMessage(ctx, in, progress)
	if err != nil {
		ss.logger.Warn("turn failed", "error", err)
		ss.write(OutFrame{Type: FrameError, Text: agent.UserMessage(err)})
		return
	}
	ss.write(ss.replyFrame(reply))
}

func (ss *session) action(ctx context.Context, a ActionFrame) {
	reply, err := ss.s.agent.PerformAction(ctx, ss.userID, agent.ActionKind(a.Kind), a.Hash, a.Arg)
	if err != nil {
		ss.logger.Warn("action failed", "action", a.Kind, "error", err)
		ss.write(OutFrame{Type: FrameError, Text: agent.UserMessage(err)})
		return
	}
	ss.write(ss.replyFrame(reply))
}

func (ss *session) command(ctx context.Context, raw string) {
	name, _, _ := strings.Cut(strings.TrimSpace(raw), " ")
	name = strings.ToLower(name)

	var text string
	var err error
	switch name {
	case "cancel":
		text = ss.s.agent.Cancel(ss.userID)
	case "clear":
		var n int
		n, err = ss.s.agent.ClearHistory(ctx, ss.userID)
		text = fmt.Sprintf("History cleared (%d messages archived).", n)
	case "":
		text = "Empty command."
	default:
		text, err = ss.s.agent.ToggleMode(ctx, ss.userID, name)
	}
	if err != nil {
		ss.logger.Warn("command failed", "command", name, "error", err)
		ss.write(OutFrame{Type: FrameError, Text: agent.UserMessage(err)})
		return
	}
	ss.write(OutFrame{Type: FrameNotice, Text: text})
}

func (ss *session) replyFrame(r *agent.Reply) OutFrame {
	out := OutFrame{
		Type: FrameReply,
		Text: r.Text,
		Busy: r.Busy,
		Mode: r.Mode,
	}
	for _, a := range r.Actions {
		out.Actions = append(out.Actions, ActionFrame{Kind: string(a.Kind), Hash: r.Hash, Arg: a.Arg, Label: a.Label})
	}
	for _, path := range r.Files {
		if link, ok := ss.s.fileLink(path); ok {
			out.Files = append(out.Files, link)
		} else {
			ss.logger.Debug("file outside the served directory", "file", filepath.Base(path))
		}
	}
	return out
}

// fileLink maps a generated file to its /files/ URL path.
func (s *Server) fileLink(path string) (string, bool) {
	if s.filesDir == "" {
		return "", false
	}
	rel, err := filepath.Rel(s.filesDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return "/files/" + filepath.ToSlash(rel), true
}
