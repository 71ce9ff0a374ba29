package plan

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/tools"
)

func testRegistry(t *testing.T, names ...string) *tools.Registry {
	t.Helper()
	var list []tools.Tool
	for _, n := range names {
		list = append(list, tools.TextTool(n, "does "+n, false,
			func(_ context.Context, arg string) (string, error) { return arg, nil }))
	}
	r, err := tools.NewRegistry(list...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestParse_CatalogLinesAreValidPlanLines(t *testing.T) {
	reg := testRegistry(t, "calculator", "web_search")

	p := Parse(reg.Catalog(), reg)
	if len(p) != 2 || p[0].Tool != "calculator" || p[1].Tool != "web_search" {
		t.Errorf("catalog echoed as a reply parsed to %v", p)
	}
}

func TestParse(t *testing.T) {
	reg := testRegistry(t, "calculator", "web_search", "read_page")

	tests := []struct {
		name     string
		response string
		want     Plan
	}{
		{name: "empty", response: "", want: nil},
		{
			name:     "reasoning only",
			response: "Thought: the user is greeting me, no tools needed.",
			want:     nil,
		},
		{
			name:     "zero valid lines",
			response: "Thought: maybe imdb\nimdb: Inception\nweather: Oslo",
			want:     nil,
		},
		{
			name:     "one valid and two invalid",
			response: "Thought: compute it\ncalculator: 2**10+1\nwolfram: 2**10+1\nnonsense without colon",
			want:     Plan{{Tool: "calculator", Arg: "2**10+1"}},
		},
		{
			name:     "case and whitespace",
			response: "  Web_Search :   Go 1.24 release notes  \n",
			want:     Plan{{Tool: "web_search", Arg: "Go 1.24 release notes"}},
		},
		{
			name:     "argument keeps later colons",
			response: "read_page: https://go.dev/doc/",
			want:     Plan{{Tool: "read_page", Arg: "https://go.dev/doc/"}},
		},
		{
			name:     "order and duplicates preserved",
			response: "web_search: a\ncalculator: 1+1\nweb_search: a",
			want: Plan{
				{Tool: "web_search", Arg: "a"},
				{Tool: "calculator", Arg: "1+1"},
				{Tool: "web_search", Arg: "a"},
			},
		},
		{
			name:     "crlf line endings",
			response: "calculator: 3*3\r\nweb_search: x\r\n",
			want:     Plan{{Tool: "calculator", Arg: "3*3"}, {Tool: "web_search", Arg: "x"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.response, reg)
			if len(got) != len(tt.want) {
				t.Fatalf("Parse = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

type fakeCompleter struct {
	reply    string
	err      error
	history  []llm.Message
	images   []llm.Image
	hint     string
	numCalls int
}

func (f *fakeCompleter) Complete(_ context.Context, history []llm.Message, images []llm.Image, hint string) (*llm.Response, error) {
	f.numCalls++
	f.history, f.images, f.hint = history, images, hint
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.reply, Backend: "fast"}, nil
}

func TestSelector_Select(t *testing.T) {
	reg := testRegistry(t, "calculator", "web_search")
	fc := &fakeCompleter{reply: "Thought: math\ncalculator: 6*7"}
	s := NewSelector(fc, reg, "fast", nil)

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
		{Role: llm.RoleUser, Content: "what is 6*7?"},
	}
	img := []llm.Image{{Name: "a.png", MIMEType: "image/png", Data: []byte{1}}}

	p, err := s.Select(context.Background(), history, img)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(p) != 1 || p[0] != (Invocation{Tool: "calculator", Arg: "6*7"}) {
		t.Errorf("plan = %v", p)
	}
	if fc.hint != "fast" || len(fc.images) != 1 {
		t.Errorf("hint = %q, images = %d", fc.hint, len(fc.images))
	}
	if len(fc.history) != 2 || fc.history[0].Role != llm.RoleSystem {
		t.Fatalf("planner history = %+v", fc.history)
	}
	if !strings.Contains(fc.history[0].Content, "calculator: does calculator\nweb_search: does web_search") {
		t.Errorf("catalog missing from system prompt:\n%s", fc.history[0].Content)
	}
	want := "History:\nuser: hi\nassistant: hello\nUser ask: what is 6*7?"
	if fc.history[1].Content != want {
		t.Errorf("transcript = %q, want %q", fc.history[1].Content, want)
	}
}

func TestSelector_GatewayError(t *testing.T) {
	boom := errors.New("all backends down")
	s := NewSelector(&fakeCompleter{err: boom}, testRegistry(t, "calculator"), "", nil)

	p, err := s.Select(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "x"}}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped gateway error", err)
	}
	if len(p) != 0 {
		t.Errorf("plan = %v, want empty", p)
	}
}

func TestSelector_EmptyRegistrySkipsModel(t *testing.T) {
	fc := &fakeCompleter{reply: "calculator: 1"}
	s := NewSelector(fc, testRegistry(t), "", nil)

	p, err := s.Select(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "x"}}, nil)
	if err != nil || len(p) != 0 {
		t.Fatalf("Select = %v, %v", p, err)
	}
	if fc.numCalls != 0 {
		t.Errorf("model called %d times", fc.numCalls)
	}
}

func TestInvocationString(t *testing.T) {
	if got := (Invocation{Tool: "calculator", Arg: "1+1"}).String(); got != "calculator(1+1)" {
		t.Errorf("String = %q", got)
	}
}
