package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/convstate"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/plan"
	"github.com/nugget/relay/internal/prompts"
	"github.com/nugget/relay/internal/store"
)

// Default prompts for attachment-only messages.
const (
	defaultImageText    = "Describe the image."
	defaultDocumentText = "Describe the document or answer the previous question."
)

// turn carries one message through the pipeline.
type turn struct {
	in       Inbound
	user     store.User
	mode     string
	text     string
	images   []llm.Image
	history  []llm.Message
	progress ProgressFunc
	logger   *slog.Logger
}

func (t *turn) report(p Progress) {
	if t.progress != nil {
		t.progress(p)
	}
}

// HandleMessage runs one turn for in. A message that arrives while the
// user's previous turn is still running gets a Busy reply and does not
// disturb the running turn. progress may be nil.
//
// Errors are wrapped in *UserFacingError where the user should see a
// specific explanation; use UserMessage to render any error.
func (a *Agent) HandleMessage(ctx context.Context, in Inbound, progress ProgressFunc) (*Reply, error) {
	start := a.now()
	logger := a.logger.With("user_id", in.UserID)

	user, err := a.store.TouchUser(ctx, store.User{
		ID:           in.UserID,
		DisplayName:  in.DisplayName,
		Username:     in.Username,
		LanguageCode: in.LanguageCode,
	})
	if err != nil {
		logger.Warn("failed to record user", "error", err)
		user = store.User{ID: in.UserID, LanguageCode: in.LanguageCode}
	}

	lock, err := a.machine.Begin(in.UserID)
	if errors.Is(err, convstate.ErrBusy) {
		logger.Info("message rejected, turn in progress")
		a.bus.Emit(events.SourceAgent, events.KindTurnBusy, map[string]any{"user_id": in.UserID})
		return &Reply{Busy: true, Text: StillWorking}, nil
	}
	if err != nil {
		return nil, err
	}
	defer lock.Done()

	if a.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.TurnTimeout)
		defer cancel()
	}

	t := &turn{
		in:       in,
		user:     user,
		mode:     a.machine.Mode(ctx, in.UserID),
		progress: progress,
		logger:   logger,
	}
	a.bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"user_id":     in.UserID,
		"mode":        t.mode,
		"text_len":    len(in.Text),
		"attachments": len(in.Attachments),
	})

	reply, err := a.runTurn(ctx, t)

	elapsed := a.now().Sub(start)
	a.bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"user_id":    in.UserID,
		"mode":       t.mode,
		"ok":         err == nil,
		"files":      replyFiles(reply),
		"elapsed_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		logger.Error("turn failed",
			"mode", t.mode,
			"text", llm.Truncate(t.text, 200),
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
		return nil, err
	}
	if lock.Cancelled() {
		logger.Info("turn finished after cancel was requested")
	}
	logger.Info("turn complete",
		"mode", t.mode,
		"tools", reply.ToolsUsed,
		"files", len(reply.Files),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return reply, nil
}

func replyFiles(r *Reply) int {
	if r == nil {
		return 0
	}
	return len(r.Files)
}

func (a *Agent) runTurn(ctx context.Context, t *turn) (*Reply, error) {
	if err := a.prepareInput(ctx, t); err != nil {
		return nil, err
	}

	history, err := a.store.History(ctx, t.in.UserID, a.cfg.HistoryLimit)
	if err != nil {
		t.logger.Warn("failed to load history", "error", err)
	}
	for _, m := range history {
		t.history = append(t.history, llm.Message{Role: m.Role, Content: m.Content})
	}
	t.history = append(t.history, llm.Message{Role: llm.RoleUser, Content: t.text})
	a.remember(ctx, t.in.UserID, store.RoleUser, t.text)

	var reply *Reply
	if m, pinned := a.modes[t.mode]; pinned {
		if m.Backend != "" {
			reply, err = a.answerPinnedBackend(ctx, t, m)
		} else {
			reply, err = a.answerPinnedTool(ctx, t, m)
		}
	} else {
		reply, err = a.answerDefault(ctx, t)
	}
	if err != nil {
		return nil, err
	}
	reply.Mode = t.mode

	if reply.Text != "" {
		stored := a.remember(ctx, t.in.UserID, store.RoleAssistant, reply.Text)
		reply.Hash = stored.ContentHash
		if reply.Hash == "" {
			reply.Hash = store.HashContent(reply.Text)
		}
		reply.Actions = SuggestActions(reply.Text, t.text, t.user.LanguageCode)
	}
	return reply, nil
}

// prepareInput folds attachments into the turn: images become model
// images, voice notes and documents become text.
func (a *Agent) prepareInput(ctx context.Context, t *turn) error {
	text := strings.TrimSpace(t.in.Text)
	var docs []string
	var sawDocument bool

	for _, att := range t.in.Attachments {
		switch att.Kind {
		case AttachmentImage:
			data, err := os.ReadFile(att.Path)
			if err != nil {
				t.logger.Warn("failed to read image", "name", att.Name, "error", err)
				continue
			}
			t.images = append(t.images, llm.Image{Name: att.Name, MIMEType: att.MIMEType, Data: data})

		case AttachmentVoice:
			transcript, err := a.toText(ctx, att)
			if err != nil {
				t.logger.Warn("voice transcription failed", "name", att.Name, "error", err)
				return userError("Sorry, I could not recognize that voice message.", err)
			}
			text = strings.TrimSpace(strings.Join([]string{text, transcript}, "\n\n"))

		default:
			sawDocument = true
			content, err := a.toText(ctx, att)
			if err != nil {
				t.logger.Warn("document conversion failed", "name", att.Name, "error", err)
				docs = append(docs, fmt.Sprintf("%s: (could not be read: %v)", att.Name, err))
				continue
			}
			docs = append(docs, att.Name+":\n"+content)
		}
	}

	if text == "" {
		switch {
		case len(t.images) > 0:
			text = defaultImageText
		case sawDocument:
			text = defaultDocumentText
		default:
			return userError("I received an empty message.", nil)
		}
	}
	if len(docs) > 0 {
		text += "\n\n" + strings.Join(docs, "\n\n")
	}
	t.text = text
	return nil
}

func (a *Agent) toText(ctx context.Context, att Attachment) (string, error) {
	if a.convert == nil {
		return "", fmt.Errorf("attachment conversion is not configured")
	}
	return a.convert.ToText(ctx, att.Path)
}

// answerMessages prepends the answer system prompt to the history.
func (a *Agent) answerMessages(history []llm.Message, extra ...llm.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+len(extra)+1)
	msgs = append(msgs, llm.Message{
		Role:    llm.RoleSystem,
		Content: prompts.AnswerSystemPrompt(a.cfg.Persona, a.now()),
	})
	msgs = append(msgs, history...)
	return append(msgs, extra...)
}

// backendHint returns the user's preferred default-mode backend.
func (a *Agent) backendHint(t *turn) string {
	if hint := t.user.Settings[store.SettingBackend]; hint != "" && a.gw.Has(hint) {
		return hint
	}
	return ""
}

func (a *Agent) answerDefault(ctx context.Context, t *turn) (*Reply, error) {
	hint := a.backendHint(t)

	type answer struct {
		resp *llm.Response
		err  error
	}
	var speculative chan answer
	specCtx, cancelSpec := context.WithCancel(ctx)
	defer cancelSpec()
	if a.cfg.SpeculativeAnswer {
		speculative = make(chan answer, 1)
		go func() {
			resp, err := a.gw.Complete(specCtx, a.answerMessages(t.history), t.images, hint)
			speculative <- answer{resp, err}
		}()
	}

	t.report(Progress{Stage: StageSelecting})
	var p plan.Plan
	if a.selector != nil {
		var err error
		p, err = a.selector.Select(ctx, t.history, t.images)
		if err != nil {
			t.logger.Warn("tool selection failed, answering without tools", "error", err)
			p = nil
		}
	}
	a.bus.Emit(events.SourceAgent, events.KindPlan, map[string]any{
		"user_id": t.in.UserID,
		"tools":   p.Names(),
	})

	if len(p) == 0 {
		t.report(Progress{Stage: StageAnswering})
		var resp *llm.Response
		var err error
		if speculative != nil {
			r := <-speculative
			resp, err = r.resp, r.err
		} else {
			resp, err = a.gw.Complete(ctx, a.answerMessages(t.history), t.images, hint)
		}
		if err != nil {
			return nil, userError("All language models failed to answer. Please try again later.", err)
		}
		return &Reply{Text: resp.Content}, nil
	}
	cancelSpec()

	used := uniqueNames(p)
	running := Progress{Stage: StageRunning}
	if t.user.Settings[store.SettingShowTools] != "false" {
		running.Tools = used
	}
	t.report(running)

	out := a.exec.Run(ctx, p)
	toolMsg := llm.Message{Role: llm.RoleSystem, Content: prompts.ToolResultsMessage(out.Text)}
	a.remember(ctx, t.in.UserID, store.RoleSystem, toolMsg.Content)

	t.report(Progress{Stage: StageAnswering})
	resp, err := a.gw.Complete(ctx, a.answerMessages(t.history, toolMsg), t.images, hint)
	if err != nil {
		return nil, userError("All language models failed to answer. Please try again later.", err)
	}
	return &Reply{Text: resp.Content, Files: out.Files, ToolsUsed: used}, nil
}

func uniqueNames(p plan.Plan) []string {
	var out []string
	for _, name := range p.Names() {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func (a *Agent) answerPinnedBackend(ctx context.Context, t *turn, m config.ModeConfig) (*Reply, error) {
	resp, err := a.gw.CompleteWith(ctx, m.Backend, a.answerMessages(t.history), t.images)
	if err != nil {
		return nil, userError(fmt.Sprintf("The %s backend failed to answer. Please try again later.", m.Name), err)
	}
	text := resp.Content
	if m.TraceSummary && len(resp.Trace) > 0 {
		text += "\n\n" + TraceSummary(resp.Trace)
	}
	return &Reply{Text: text}, nil
}

// TraceSummary renders the server-side tools a backend reported.
func TraceSummary(trace []llm.TraceEntry) string {
	var sb strings.Builder
	sb.WriteString(prompts.TraceSummaryHeader)
	for _, e := range trace {
		sb.WriteString("\n- ")
		sb.WriteString(e.Tool)
		if args := strings.TrimSpace(e.Arguments); args != "" {
			sb.WriteString(": ")
			sb.WriteString(llm.Truncate(args, 120))
		}
	}
	return sb.String()
}

func (a *Agent) answerPinnedTool(ctx context.Context, t *turn, m config.ModeConfig) (*Reply, error) {
	arg := t.in.Text
	if arg == "" {
		arg = t.text
	}
	if len(t.images) > 0 {
		resp, err := a.gw.CompleteWith(ctx, a.gw.Vision(), []llm.Message{
			{Role: llm.RoleUser, Content: prompts.DescribeImagePrompt(t.in.Text)},
		}, t.images)
		if err != nil {
			return nil, userError("I could not read that image.", err)
		}
		arg = strings.TrimSpace(t.in.Text + "\n" + resp.Content)
	}

	res, err := a.tools.Invoke(ctx, m.Tool, arg)
	if err != nil {
		t.logger.Warn("pinned tool failed", "tool", m.Tool, "arg", llm.Truncate(arg, 200), "error", err)
		return nil, userError(fmt.Sprintf("The %s tool failed: %v", m.Tool, err), err)
	}
	return &Reply{Text: res.Text, Files: res.Files, ToolsUsed: []string{m.Tool}}, nil
}

// remember appends to the user's history. Failures are logged; the
// returned message is zero on failure.
func (a *Agent) remember(ctx context.Context, userID int64, role, content string) store.Message {
	m, err := a.store.AppendMessage(ctx, userID, role, content)
	if err != nil {
		a.logger.Warn("failed to store message",
			"user_id", userID,
			"role", role,
			"error", err,
		)
	}
	return m
}
