// Package executor runs a tool plan concurrently and merges the
// results in plan order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/plan"
	"github.com/nugget/relay/internal/tools"
)

// Defaults used when the caller passes zero values.
const (
	DefaultWorkers = 4
	DefaultTimeout = 2 * time.Minute
)

// Result is the outcome of one invocation.
type Result struct {
	Tool     string
	Arg      string
	Text     string
	Files    []string
	Err      error
	Duration time.Duration
}

// Line renders the result the way it appears in the merged text.
func (r Result) Line() string {
	text := r.Text
	if r.Err != nil {
		text = "Error: " + r.Err.Error()
	}
	return fmt.Sprintf("%s(%s): %s", r.Tool, r.Arg, text)
}

// Outcome is a whole plan's merged output.
type Outcome struct {
	// Results are in plan order.
	Results []Result
	// Text is the newline-joined Line of every result.
	Text string
	// Files are all result files in plan order.
	Files []string
}

// Failed returns how many invocations ended in an error.
func (o *Outcome) Failed() int {
	n := 0
	for _, r := range o.Results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Merge combines results in their given order.
func Merge(results []Result) *Outcome {
	o := &Outcome{Results: results}
	lines := make([]string, len(results))
	for i, r := range results {
		lines[i] = r.Line()
		if r.Err == nil {
			o.Files = append(o.Files, r.Files...)
		}
	}
	o.Text = strings.Join(lines, "\n")
	return o
}

// Executor runs plans against a registry. Sync tools share a bounded
// pool of worker slots; async tools run without taking a slot.
type Executor struct {
	reg     *tools.Registry
	slots   chan struct{}
	timeout time.Duration
	bus     *events.Bus
	logger  *slog.Logger
}

// New creates an Executor. workers <= 0 and timeout <= 0 select the
// package defaults. bus may be nil.
func New(reg *tools.Registry, workers int, timeout time.Duration, bus *events.Bus, logger *slog.Logger) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		reg:     reg,
		slots:   make(chan struct{}, workers),
		timeout: timeout,
		bus:     bus,
		logger:  logger,
	}
}

// Run executes every invocation of p concurrently and waits for all of
// them. A failing or panicking invocation yields an error result and
// does not affect the others. The returned outcome is never nil.
func (e *Executor) Run(ctx context.Context, p plan.Plan) *Outcome {
	results := make([]Result, len(p))
	var wg sync.WaitGroup
	for i, inv := range p {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.runOne(ctx, i, inv)
		}()
	}
	wg.Wait()

	o := Merge(results)
	if len(p) > 0 {
		e.logger.Info("plan executed",
			"invocations", len(p),
			"failed", o.Failed(),
			"files", len(o.Files),
		)
	}
	return o
}

func (e *Executor) runOne(ctx context.Context, index int, inv plan.Invocation) (res Result) {
	res = Result{Tool: inv.Tool, Arg: inv.Arg}

	tool, ok := e.reg.Lookup(inv.Tool)
	if !ok {
		res.Err = &tools.ErrToolUnavailable{ToolName: inv.Tool}
		return res
	}

	// The slot is held until the tool body returns, even when the call
	// is abandoned on timeout.
	release := func() {}
	if !tool.Async {
		select {
		case e.slots <- struct{}{}:
			release = func() { <-e.slots }
		case <-ctx.Done():
			res.Err = fmt.Errorf("waiting for a worker: %w", ctx.Err())
			return res
		}
	}
	start := time.Now()

	e.bus.Emit(events.SourceExecutor, events.KindToolCall, map[string]any{
		"tool":  inv.Tool,
		"index": index,
	})

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.invoke(callCtx, inv, release)
	res.Duration = time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s", e.timeout)
		}
		res.Err = err
		e.logger.Warn("tool failed",
			"tool", inv.Tool,
			"arg", llm.Truncate(inv.Arg, 200),
			"elapsed", res.Duration.Round(time.Millisecond),
			"error", err,
		)
	} else {
		res.Text, res.Files = out.Text, out.Files
		e.logger.Debug("tool done",
			"tool", inv.Tool,
			"elapsed", res.Duration.Round(time.Millisecond),
			"files", len(out.Files),
		)
	}

	e.bus.Emit(events.SourceExecutor, events.KindToolDone, map[string]any{
		"tool":        inv.Tool,
		"index":       index,
		"ok":          res.Err == nil,
		"files":       len(res.Files),
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res
}

// invoke calls the tool, converting a panic into an error. The call
// is abandoned, not interrupted, when ctx expires first. release runs
// once the tool body has returned.
func (e *Executor) invoke(ctx context.Context, inv plan.Invocation, release func()) (tools.Result, error) {
	type reply struct {
		out tools.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		var r reply
		defer release()
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("tool panicked",
					"tool", inv.Tool,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				r = reply{err: fmt.Errorf("tool panicked: %v", p)}
			}
			ch <- r
		}()
		r.out, r.err = e.reg.Invoke(ctx, inv.Tool, inv.Arg)
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return tools.Result{}, ctx.Err()
	}
}
