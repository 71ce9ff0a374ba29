// Package tools defines the closed tool registry the agent plans
// against, plus the built-in tool bodies.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Shape tags what a tool produces.
type Shape int

const (
	// TextOnly tools return text; any files they report are dropped.
	TextOnly Shape = iota
	// TextFiles tools return text plus file paths to deliver.
	TextFiles
)

func (s Shape) String() string {
	if s == TextFiles {
		return "text+files"
	}
	return "text"
}

// Result is the uniform output of every tool.
type Result struct {
	Text  string
	Files []string
}

// InvokeFunc runs a tool with its raw argument string.
type InvokeFunc func(ctx context.Context, arg string) (Result, error)

// Tool is one registry entry.
type Tool struct {
	Name string
	// Description is a single line shown to the model in the catalog.
	Description string
	Shape       Shape
	// Async tools do their own I/O waiting and do not occupy a worker
	// pool slot.
	Async  bool
	Invoke InvokeFunc
}

// ErrUnknownTool is returned when a configured tool name is not known.
var ErrUnknownTool = errors.New("unknown tool")

// Registry is an immutable, ordered set of tools. It is safe for
// concurrent use.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry builds a registry from tools in catalog order. Empty or
// non-canonical names, duplicates, nil invokers and empty or multi-line
// descriptions are rejected.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		switch {
		case t.Name == "":
			return nil, errors.New("tool with empty name")
		case NormalizeName(t.Name) != t.Name || strings.ContainsAny(t.Name, ": \t"):
			return nil, fmt.Errorf("tool %q: name must be lowercase without spaces or colons", t.Name)
		case t.Invoke == nil:
			return nil, fmt.Errorf("tool %q: nil invoker", t.Name)
		case strings.TrimSpace(t.Description) == "":
			return nil, fmt.Errorf("tool %q: empty description", t.Name)
		case strings.ContainsAny(t.Description, "\r\n"):
			return nil, fmt.Errorf("tool %q: description must be a single line", t.Name)
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", t.Name)
		}
		tc := t
		r.tools[t.Name] = &tc
		r.order = append(r.order, t.Name)
	}
	return r, nil
}

// NormalizeName lowercases and trims a tool name the way plan lines
// are matched.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Subset returns a registry restricted to names, in the given order.
// An unknown name is an error wrapping ErrUnknownTool.
func (r *Registry) Subset(names []string) (*Registry, error) {
	picked := make([]Tool, 0, len(names))
	for _, n := range names {
		t, ok := r.Lookup(n)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTool, n)
		}
		picked = append(picked, *t)
	}
	return NewRegistry(picked...)
}

// Lookup finds a tool by name, case-insensitively.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[NormalizeName(name)]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns tool names in catalog order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.order) }

// Catalog renders the tool list shown to the selector model, one
// "name: description" line per tool in registration order.
func (r *Registry) Catalog() string {
	var sb strings.Builder
	for i, name := range r.order {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s: %s", name, r.tools[name].Description)
	}
	return sb.String()
}

// Invoke runs a tool by name. Unknown names return
// *ErrToolUnavailable. Files from TextOnly tools are discarded.
func (r *Registry) Invoke(ctx context.Context, name, arg string) (Result, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return Result{}, &ErrToolUnavailable{ToolName: name}
	}
	res, err := t.Invoke(ctx, arg)
	if err != nil {
		return Result{}, err
	}
	if t.Shape == TextOnly {
		res.Files = nil
	}
	return res, nil
}

// TextTool adapts a plain string-returning function to a TextOnly tool.
func TextTool(name, description string, async bool, fn func(ctx context.Context, arg string) (string, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Shape:       TextOnly,
		Async:       async,
		Invoke: func(ctx context.Context, arg string) (Result, error) {
			text, err := fn(ctx, arg)
			if err != nil {
				return Result{}, err
			}
			return Result{Text: text}, nil
		},
	}
}
