package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/abadojack/whatlanggo"

	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/prompts"
	"github.com/nugget/relay/internal/store"
)

// ActionKind names a follow-up the user can trigger on an answer.
type ActionKind string

// Suggested action kinds.
const (
	ActionRunCode     ActionKind = "run_code"
	ActionRenderLatex ActionKind = "render_latex"
	ActionRenderMath  ActionKind = "render_math"
	ActionTranslate   ActionKind = "translate"
)

// Action is a suggested follow-up. Arg carries the target language for
// ActionTranslate and is empty otherwise.
type Action struct {
	Kind  ActionKind
	Label string
	Arg   string
}

var (
	fenceRe   = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n.*?```")
	formulaRe = regexp.MustCompile(`(?s)\$\$(.+?)\$\$|\\\[(.+?)\\\]`)
)

// SuggestActions inspects an answer and returns the follow-ups worth
// offering. userText is what the user wrote; langCode is the client's
// language setting and may be empty.
func SuggestActions(answer, userText, langCode string) []Action {
	var actions []Action
	if strings.Contains(answer, "```python") {
		actions = append(actions, Action{Kind: ActionRunCode, Label: "Run code ➡"})
	}
	if strings.Contains(answer, "```latex") {
		actions = append(actions, Action{Kind: ActionRenderLatex, Label: "Render LaTeX ➡"})
	}
	if len(extractFormulas(answer)) > 0 {
		actions = append(actions, Action{Kind: ActionRenderMath, Label: "Render formulas ➡"})
	}

	answerLang, ok := detectLanguage(answer)
	if !ok {
		return actions
	}
	var targets []string
	if userLang, ok := detectLanguage(userText); ok && userLang != answerLang {
		targets = append(targets, userLang)
	}
	if langCode = normalizeLangCode(langCode); langCode != "" && langCode != answerLang && !slices.Contains(targets, langCode) {
		targets = append(targets, langCode)
	}
	for _, lang := range targets {
		actions = append(actions, Action{
			Kind:  ActionTranslate,
			Label: "Translate to " + languageName(lang) + " 📖",
			Arg:   lang,
		})
	}
	return actions
}

// detectLanguage returns the ISO 639-1 code of text when detection is
// reliable. Code blocks and formulas are ignored.
func detectLanguage(text string) (string, bool) {
	text = fenceRe.ReplaceAllString(text, " ")
	text = formulaRe.ReplaceAllString(text, " ")
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return "", false
	}
	code := info.Lang.Iso6391()
	return code, code != ""
}

// normalizeLangCode reduces a client language tag such as "pt-br" to
// its primary subtag.
func normalizeLangCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	return code
}

// languageName returns the English name for an ISO 639-1 code, or the
// code itself when unknown.
func languageName(code string) string {
	for lang, name := range whatlanggo.Langs {
		if lang.Iso6391() == code {
			return name
		}
	}
	return code
}

// extractFence returns the body of the first code block tagged lang.
func extractFence(text, lang string) (string, bool) {
	_, rest, ok := strings.Cut(text, "```"+lang)
	if !ok {
		return "", false
	}
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[i+1:]
	}
	body, _, _ := strings.Cut(rest, "```")
	body = strings.TrimSpace(body)
	return body, body != ""
}

// extractFormulas returns the display formulas of text in order.
func extractFormulas(text string) []string {
	var out []string
	for _, m := range formulaRe.FindAllStringSubmatch(text, -1) {
		f := m[1]
		if f == "" {
			f = m[2]
		}
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// PerformAction runs a suggested action on the stored message
// identified by hash. arg is the Action's Arg.
func (a *Agent) PerformAction(ctx context.Context, userID int64, kind ActionKind, hash, arg string) (*Reply, error) {
	msg, err := a.store.MessageByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, userError("That message is no longer available.", err)
	}
	if err != nil {
		return nil, userError("Could not load that message.", err)
	}

	logger := a.logger.With("user_id", userID, "action", string(kind), "hash", hash)
	logger.Info("performing action")

	switch kind {
	case ActionRunCode:
		return a.runCode(ctx, logger, userID, msg.Content)
	case ActionRenderLatex:
		return a.renderLatex(ctx, logger, userID, msg.Content)
	case ActionRenderMath:
		return a.renderMath(ctx, logger, msg.Content)
	case ActionTranslate:
		return a.translate(ctx, msg.Content, arg)
	default:
		return nil, userError("Unknown action.", fmt.Errorf("action %q", kind))
	}
}

func (a *Agent) runCode(ctx context.Context, logger *slog.Logger, userID int64, text string) (*Reply, error) {
	if a.code == nil {
		return nil, userError("Code execution is not configured.", nil)
	}
	code, ok := extractFence(text, "python")
	if !ok {
		return nil, userError("No code found in that message.", nil)
	}
	out, err := a.code.Run(ctx, code)
	if err != nil {
		logger.Warn("code execution failed", "error", err)
		return nil, userError("Code execution failed.", err)
	}
	a.remember(ctx, userID, store.RoleSystem, "Code execution result shown to the user:\n"+out)
	return &Reply{Text: "```output\n" + out + "\n```"}, nil
}

func (a *Agent) renderLatex(ctx context.Context, logger *slog.Logger, userID int64, text string) (*Reply, error) {
	if a.latex == nil {
		return nil, userError("LaTeX rendering is not configured.", nil)
	}
	source, ok := extractFence(text, "latex")
	if !ok {
		return nil, userError("No LaTeX document found in that message.", nil)
	}
	path, err := a.latex.RenderPDF(ctx, source)
	a.remember(ctx, userID, store.RoleSystem, fmt.Sprintf("LaTeX rendering succeeded: %t", err == nil))
	if err != nil {
		logger.Warn("latex rendering failed", "error", err)
		return nil, userError("The LaTeX document could not be rendered.", err)
	}
	return &Reply{Files: []string{path}}, nil
}

func (a *Agent) renderMath(ctx context.Context, logger *slog.Logger, text string) (*Reply, error) {
	if a.latex == nil {
		return nil, userError("LaTeX rendering is not configured.", nil)
	}
	formulas := extractFormulas(text)
	if len(formulas) == 0 {
		return nil, userError("No formulas found in that message.", nil)
	}
	reply := &Reply{}
	var failed int
	for _, f := range formulas {
		path, err := a.latex.RenderFormula(ctx, f)
		if err != nil {
			failed++
			logger.Warn("formula rendering failed", "formula", llm.Truncate(f, 100), "error", err)
			continue
		}
		reply.Files = append(reply.Files, path)
	}
	if len(reply.Files) == 0 {
		return nil, userError("The formulas could not be rendered.", nil)
	}
	if failed > 0 {
		reply.Text = fmt.Sprintf("%d of %d formulas could not be rendered.", failed, len(formulas))
	}
	return reply, nil
}

func (a *Agent) translate(ctx context.Context, text, lang string) (*Reply, error) {
	lang = normalizeLangCode(lang)
	if lang == "" {
		return nil, userError("No target language given.", nil)
	}
	resp, err := a.gw.Ask(ctx, prompts.TranslatePrompt(text, languageName(lang)), "")
	if err != nil {
		return nil, userError("Translation failed.", err)
	}
	return &Reply{Text: resp.Content}, nil
}
