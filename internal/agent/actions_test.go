package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/store"
)

func actionKinds(actions []Action) string {
	var kinds []string
	for _, a := range actions {
		kinds = append(kinds, string(a.Kind))
	}
	return strings.Join(kinds, ",")
}

func TestSuggestActions_Content(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   string
	}{
		{name: "plain", answer: "42", want: ""},
		{name: "python", answer: "Try:\n```python\nprint(1)\n```", want: "run_code"},
		{name: "latex", answer: "```latex\n\\section{A}\n```", want: "render_latex"},
		{name: "display math", answer: "$$E = mc^2$$", want: "render_math"},
		{name: "bracket math", answer: `\[ a^2 + b^2 = c^2 \]`, want: "render_math"},
		{name: "inline dollars ignored", answer: "costs $5 and $6", want: ""},
		{
			name:   "everything",
			answer: "```python\nx=1\n```\n```latex\n\\LaTeX\n```\n$$x$$",
			want:   "run_code,render_latex,render_math",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := actionKinds(SuggestActions(tt.answer, "", "")); got != tt.want {
				t.Errorf("kinds = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSuggestActions_Translate(t *testing.T) {
	answer := "The weather in Moscow today is sunny with a light breeze, and the temperature will stay around twenty degrees until the evening."
	userText := "Привет! Расскажи мне, пожалуйста, какая сегодня погода в Москве и стоит ли брать с собой зонт на прогулку."

	actions := SuggestActions(answer, userText, "")
	if len(actions) != 1 || actions[0].Kind != ActionTranslate || actions[0].Arg != "ru" {
		t.Fatalf("actions = %+v, want one translate to ru", actions)
	}

	actions = SuggestActions(answer, answer, "de-DE")
	if len(actions) != 1 || actions[0].Arg != "de" {
		t.Errorf("client language: actions = %+v", actions)
	}

	if got := SuggestActions(answer, answer, "en"); len(got) != 0 {
		t.Errorf("same language: actions = %+v", got)
	}
}

func TestExtractFence(t *testing.T) {
	text := "Here:\n```python\nprint('hi')\n```\nand\n```latex\nx\n```"
	if got, ok := extractFence(text, "python"); !ok || got != "print('hi')" {
		t.Errorf("python = %q, %v", got, ok)
	}
	if got, ok := extractFence(text, "latex"); !ok || got != "x" {
		t.Errorf("latex = %q, %v", got, ok)
	}
	if _, ok := extractFence(text, "go"); ok {
		t.Error("go block should not be found")
	}
}

func TestExtractFormulas(t *testing.T) {
	got := extractFormulas("a $$x^2$$ b \\[ y \\] c $$\n z \n$$")
	if strings.Join(got, "|") != "x^2|y|z" {
		t.Errorf("formulas = %q", got)
	}
}

type fakeRunner struct {
	code string
	out  string
	err  error
}

func (f *fakeRunner) Run(_ context.Context, code string) (string, error) {
	f.code = code
	return f.out, f.err
}

type fakeLatex struct {
	sources  []string
	formulas []string
	failOn   string
}

func (f *fakeLatex) RenderPDF(_ context.Context, source string) (string, error) {
	f.sources = append(f.sources, source)
	return "/out/document.pdf", nil
}

func (f *fakeLatex) RenderFormula(_ context.Context, formula string) (string, error) {
	if formula == f.failOn {
		return "", errors.New("bad formula")
	}
	f.formulas = append(f.formulas, formula)
	return "/out/" + formula + ".png", nil
}

func storeAnswer(t *testing.T, st *store.Store, text string) string {
	t.Helper()
	m, err := st.AppendMessage(context.Background(), 42, store.RoleAssistant, text)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return m.ContentHash
}

func TestPerformAction_RunCode(t *testing.T) {
	runner := &fakeRunner{out: "hello"}
	a, st := newTestAgent(t, &fakeGateway{}, testOpts{code: runner})
	hash := storeAnswer(t, st, "Run this:\n```python\nprint('hello')\n```")

	reply, err := a.PerformAction(context.Background(), 42, ActionRunCode, hash, "")
	if err != nil {
		t.Fatalf("PerformAction: %v", err)
	}
	if runner.code != "print('hello')" {
		t.Errorf("code = %q", runner.code)
	}
	if reply.Text != "```output\nhello\n```" {
		t.Errorf("Text = %q", reply.Text)
	}

	hist, _ := st.History(context.Background(), 42, 0)
	if last := hist[len(hist)-1]; last.Role != store.RoleSystem || !strings.Contains(last.Content, "hello") {
		t.Errorf("result not remembered: %+v", last)
	}
}

func TestPerformAction_RenderLatexAndMath(t *testing.T) {
	lx := &fakeLatex{failOn: "broken"}
	a, st := newTestAgent(t, &fakeGateway{}, testOpts{latex: lx})
	ctx := context.Background()

	hash := storeAnswer(t, st, "```latex\n\\section{Intro}\n```\n$$a+b$$ and $$broken$$")

	reply, err := a.PerformAction(ctx, 42, ActionRenderLatex, hash, "")
	if err != nil {
		t.Fatalf("render_latex: %v", err)
	}
	if len(reply.Files) != 1 || lx.sources[0] != `\section{Intro}` {
		t.Errorf("reply = %+v, sources = %q", reply, lx.sources)
	}

	reply, err = a.PerformAction(ctx, 42, ActionRenderMath, hash, "")
	if err != nil {
		t.Fatalf("render_math: %v", err)
	}
	if len(reply.Files) != 1 || reply.Text != "1 of 2 formulas could not be rendered." {
		t.Errorf("reply = %+v", reply)
	}
}

func TestPerformAction_Translate(t *testing.T) {
	gw := &fakeGateway{}
	a, st := newTestAgent(t, gw, testOpts{})
	hash := storeAnswer(t, st, "Good morning")

	reply, err := a.PerformAction(context.Background(), 42, ActionTranslate, hash, "ru")
	if err != nil {
		t.Fatalf("PerformAction: %v", err)
	}
	if reply.Text != "translated" || len(gw.asks) != 1 || !strings.Contains(gw.asks[0], "Good morning") {
		t.Errorf("reply = %+v, asks = %q", reply, gw.asks)
	}
}

func TestPerformAction_Errors(t *testing.T) {
	a, st := newTestAgent(t, &fakeGateway{}, testOpts{})
	ctx := context.Background()
	hash := storeAnswer(t, st, "no code here")

	tests := []struct {
		name string
		kind ActionKind
		hash string
		want string
	}{
		{name: "unknown hash", kind: ActionRunCode, hash: "deadbeef", want: "That message is no longer available."},
		{name: "runner missing", kind: ActionRunCode, hash: hash, want: "Code execution is not configured."},
		{name: "latex missing", kind: ActionRenderLatex, hash: hash, want: "LaTeX rendering is not configured."},
		{name: "unknown action", kind: "dance", hash: hash, want: "Unknown action."},
		{name: "translate without language", kind: ActionTranslate, hash: hash, want: "No target language given."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.PerformAction(ctx, 42, tt.kind, tt.hash, "")
			if got := UserMessage(err); got != tt.want {
				t.Errorf("UserMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTraceSummary(t *testing.T) {
	got := TraceSummary([]llm.TraceEntry{
		{Tool: "search", Arguments: " golang "},
		{Tool: "python"},
	})
	if got != "Tools used:\n- search: golang\n- python" {
		t.Errorf("TraceSummary = %q", got)
	}
}
