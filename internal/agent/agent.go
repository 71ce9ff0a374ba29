// Package agent assembles answers: it routes each inbound message by
// conversation mode, runs the tool plan for default-mode turns and
// asks the model gateway for the final reply.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/convstate"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/executor"
	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/plan"
	"github.com/nugget/relay/internal/prompts"
	"github.com/nugget/relay/internal/store"
	"github.com/nugget/relay/internal/tools"
)

// Gateway is the part of the model gateway the agent uses.
type Gateway interface {
	Ask(ctx context.Context, prompt, hint string) (*llm.Response, error)
	Complete(ctx context.Context, history []llm.Message, images []llm.Image, hint string) (*llm.Response, error)
	CompleteWith(ctx context.Context, backend string, history []llm.Message, images []llm.Image) (*llm.Response, error)
	Vision() string
	Has(name string) bool
}

// Store is the persistence the agent needs.
type Store interface {
	TouchUser(ctx context.Context, u store.User) (store.User, error)
	History(ctx context.Context, userID int64, limit int) ([]store.Message, error)
	AppendMessage(ctx context.Context, userID int64, role, content string) (store.Message, error)
	MessageByHash(ctx context.Context, hash string) (store.Message, error)
	ClearHistory(ctx context.Context, userID int64) (int, error)
	SetSetting(ctx context.Context, userID int64, key, value string) error
}

// Converter turns a non-image attachment into text.
type Converter interface {
	ToText(ctx context.Context, path string) (string, error)
}

// CodeRunner executes code for the run_code action.
type CodeRunner interface {
	Run(ctx context.Context, code string) (string, error)
}

// LatexRenderer renders LaTeX for the render actions.
type LatexRenderer interface {
	RenderPDF(ctx context.Context, source string) (string, error)
	RenderFormula(ctx context.Context, formula string) (string, error)
}

// Deps wires an Agent. Converter, Code and Latex may be nil; the
// features that need them then report themselves unavailable.
type Deps struct {
	Config    config.AgentConfig
	Modes     []config.ModeConfig
	Gateway   Gateway
	Store     Store
	Machine   *convstate.Machine
	Selector  *plan.Selector
	Executor  *executor.Executor
	Tools     *tools.Registry
	Converter Converter
	Code      CodeRunner
	Latex     LatexRenderer
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Agent handles turns for every user. It is safe for concurrent use;
// turns of one user are serialized by the conversation state machine.
type Agent struct {
	cfg      config.AgentConfig
	modes    map[string]config.ModeConfig
	order    []config.ModeConfig
	gw       Gateway
	store    Store
	machine  *convstate.Machine
	selector *plan.Selector
	exec     *executor.Executor
	tools    *tools.Registry
	convert  Converter
	code     CodeRunner
	latex    LatexRenderer
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Agent.
func New(d Deps) *Agent {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	modes := make(map[string]config.ModeConfig, len(d.Modes))
	for _, m := range d.Modes {
		modes[m.Name] = m
	}
	return &Agent{
		cfg:      d.Config,
		modes:    modes,
		order:    d.Modes,
		gw:       d.Gateway,
		store:    d.Store,
		machine:  d.Machine,
		selector: d.Selector,
		exec:     d.Executor,
		tools:    d.Tools,
		convert:  d.Converter,
		code:     d.Code,
		latex:    d.Latex,
		bus:      d.Bus,
		logger:   logger.With("component", "agent"),
		now:      time.Now,
	}
}

// Modes returns the configured pinned modes in configuration order.
func (a *Agent) Modes() []config.ModeConfig { return a.order }

// Catalog returns the tool catalog the planner sees.
func (a *Agent) Catalog() string {
	if a.tools == nil {
		return ""
	}
	return a.tools.Catalog()
}

// AskFunc adapts a gateway to the single-prompt callback tools use for
// model-backed work such as transcript summaries.
func AskFunc(gw Gateway, hint string) tools.AskFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		resp, err := gw.Ask(ctx, prompt, hint)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

// LatexFixer adapts a gateway to the callback the LaTeX renderer uses
// to repair documents the compiler rejects.
func LatexFixer(gw Gateway, hint string) tools.LatexFixer {
	return func(ctx context.Context, source, compileError string) (string, error) {
		resp, err := gw.Ask(ctx, prompts.LatexFixPrompt(source, compileError), hint)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}
