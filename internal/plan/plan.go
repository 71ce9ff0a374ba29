// Package plan turns a planner model's free-form reply into an ordered
// list of tool invocations.
package plan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/prompts"
	"github.com/nugget/relay/internal/tools"
)

// Invocation is one planned tool call.
type Invocation struct {
	Tool string
	Arg  string
}

func (i Invocation) String() string {
	return i.Tool + "(" + i.Arg + ")"
}

// Plan is an ordered, possibly empty, list of invocations. Duplicates
// are allowed.
type Plan []Invocation

// Names returns the tool names in plan order.
func (p Plan) Names() []string {
	out := make([]string, len(p))
	for i, inv := range p {
		out[i] = inv.Tool
	}
	return out
}

// Parse extracts "<tool>: <argument>" lines from response. Each line is
// split at its first colon; the name is lowercased and trimmed and the
// line is kept only when the name is registered. Reasoning lines and
// anything else are ignored, so a reply without tool lines yields an
// empty plan.
func Parse(response string, reg *tools.Registry) Plan {
	var p Plan
	for _, line := range strings.Split(response, "\n") {
		name, arg, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = tools.NormalizeName(name)
		if !reg.Has(name) {
			continue
		}
		p = append(p, Invocation{Tool: name, Arg: strings.TrimSpace(arg)})
	}
	return p
}

// Completer is the part of the model gateway the selector uses.
type Completer interface {
	Complete(ctx context.Context, history []llm.Message, images []llm.Image, hint string) (*llm.Response, error)
}

// Selector asks a model which tools a turn needs.
type Selector struct {
	gw     Completer
	reg    *tools.Registry
	hint   string
	system string
	logger *slog.Logger
}

// NewSelector creates a selector over reg. hint names the backend the
// planner should run on; empty means the gateway default.
func NewSelector(gw Completer, reg *tools.Registry, hint string, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		gw:     gw,
		reg:    reg,
		hint:   hint,
		system: prompts.SelectorSystemPrompt(reg.Catalog()),
		logger: logger,
	}
}

// Registry returns the tools the selector plans against.
func (s *Selector) Registry() *tools.Registry { return s.reg }

// Select renders history into the planner prompt and parses the reply.
// The last element of history is the user's current message. Images
// are forwarded so the planner can see what the user sent.
func (s *Selector) Select(ctx context.Context, history []llm.Message, images []llm.Image) (Plan, error) {
	if s.reg.Len() == 0 {
		return nil, nil
	}

	resp, err := s.gw.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: s.system},
		{Role: llm.RoleUser, Content: RenderTranscript(history)},
	}, images, s.hint)
	if err != nil {
		return nil, fmt.Errorf("select tools: %w", err)
	}

	p := Parse(resp.Content, s.reg)
	s.logger.Debug("tools selected",
		"backend", resp.Backend,
		"tools", p.Names(),
	)
	s.logger.Log(ctx, llm.LevelTrace, "planner reply", "content", resp.Content)
	return p, nil
}

// RenderTranscript formats history for the planner: earlier turns as
// "role: content" lines under "History:", then "User ask: <latest>".
func RenderTranscript(history []llm.Message) string {
	turns := make([]prompts.Turn, len(history))
	for i, m := range history {
		turns[i] = prompts.Turn{Role: m.Role, Content: m.Content}
	}
	return prompts.SelectorTranscript(turns)
}
