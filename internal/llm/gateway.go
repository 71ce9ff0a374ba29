package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/usage"
)

// Backend is one named language-model backend with its credential
// pool. Credentials are tried in slice order.
type Backend struct {
	Name     string
	Provider string // provider kind, for logs and the call log
	Model    string
	// Vision marks an image-capable backend.
	Vision      bool
	Credentials []Provider
}

// Recorder persists gateway calls. *usage.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// ExhaustedError is returned when a backend and its fallback both
// failed on every credential.
type ExhaustedError struct {
	Backend     string
	Err         error
	Fallback    string
	FallbackErr error
}

func (e *ExhaustedError) Error() string {
	if e.Fallback == "" {
		return fmt.Sprintf("backend %s failed: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("backend %s failed: %v; fallback %s failed: %v",
		e.Backend, e.Err, e.Fallback, e.FallbackErr)
}

// Unwrap exposes both failures to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	if e.FallbackErr == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.FallbackErr}
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRecorder enables the persistent call log.
func WithRecorder(r Recorder) GatewayOption {
	return func(g *Gateway) { g.recorder = r }
}

// WithEventBus publishes credential failures, fallbacks and completed
// calls on bus.
func WithEventBus(bus *events.Bus) GatewayOption {
	return func(g *Gateway) { g.bus = bus }
}

// WithLogChars bounds prompt and response excerpts in logs and the
// call log. Zero disables truncation.
func WithLogChars(n int) GatewayOption {
	return func(g *Gateway) { g.logChars = n }
}

// Gateway is the single call surface over all configured backends. It
// routes requests, rotates credentials on failure and falls back once
// to the other backend family (image-capable versus text-only).
type Gateway struct {
	backends map[string]*Backend
	order    []string
	primary  string
	vision   string

	logger   *slog.Logger
	recorder Recorder
	bus      *events.Bus
	logChars int
}

// NewGateway validates the backend set and role assignment. primary is
// the default text backend; vision is the image-capable backend.
func NewGateway(backends []*Backend, primary, vision string, logger *slog.Logger, opts ...GatewayOption) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		backends: make(map[string]*Backend, len(backends)),
		primary:  primary,
		vision:   vision,
		logger:   logger.With("component", "gateway"),
		logChars: 300,
	}
	for _, b := range backends {
		if b == nil || b.Name == "" {
			return nil, errors.New("gateway: backend with empty name")
		}
		if _, dup := g.backends[b.Name]; dup {
			return nil, fmt.Errorf("gateway: duplicate backend %q", b.Name)
		}
		if len(b.Credentials) == 0 {
			return nil, fmt.Errorf("gateway: backend %q has no credentials", b.Name)
		}
		g.backends[b.Name] = b
		g.order = append(g.order, b.Name)
	}
	if _, ok := g.backends[primary]; !ok {
		return nil, fmt.Errorf("gateway: primary backend %q not configured", primary)
	}
	vb, ok := g.backends[vision]
	if !ok {
		return nil, fmt.Errorf("gateway: vision backend %q not configured", vision)
	}
	if !vb.Vision {
		return nil, fmt.Errorf("gateway: vision backend %q is not image-capable", vision)
	}
	if primary == vision {
		return nil, errors.New("gateway: primary and vision backends must differ")
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Primary returns the default text backend name.
func (g *Gateway) Primary() string { return g.primary }

// Vision returns the image-capable backend name.
func (g *Gateway) Vision() string { return g.vision }

// Has reports whether name is a configured backend.
func (g *Gateway) Has(name string) bool {
	_, ok := g.backends[name]
	return ok
}

// Backends returns configured backend names in configuration order.
func (g *Gateway) Backends() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Ask sends a single user prompt.
func (g *Gateway) Ask(ctx context.Context, prompt, hint string) (*Response, error) {
	return g.Complete(ctx, []Message{{Role: RoleUser, Content: prompt}}, nil, hint)
}

// Complete routes a conversation to a backend. Images, or a hint naming
// the vision backend, select the vision backend; otherwise a hint
// naming a configured backend is honored and the primary backend is
// the default.
func (g *Gateway) Complete(ctx context.Context, history []Message, images []Image, hint string) (*Response, error) {
	return g.run(ctx, g.route(hint, len(images) > 0), history, images)
}

// CompleteWith forces a specific backend. Rotation and fallback still
// apply. Images are dropped when the backend is text-only.
func (g *Gateway) CompleteWith(ctx context.Context, backend string, history []Message, images []Image) (*Response, error) {
	if !g.Has(backend) {
		return nil, fmt.Errorf("gateway: unknown backend %q", backend)
	}
	return g.run(ctx, backend, history, images)
}

func (g *Gateway) route(hint string, hasImages bool) string {
	if hasImages || hint == g.vision {
		return g.vision
	}
	if g.Has(hint) {
		return hint
	}
	return g.primary
}

// alternate returns the backend of the other family.
func (g *Gateway) alternate(name string) string {
	if g.backends[name].Vision {
		return g.primary
	}
	return g.vision
}

func (g *Gateway) run(ctx context.Context, name string, history []Message, images []Image) (*Response, error) {
	b := g.backends[name]
	if !b.Vision && len(images) > 0 {
		g.logger.Debug("dropping images for text-only backend", "backend", name, "images", len(images))
		images = nil
	}

	resp, err := g.tryBackend(ctx, b, history, images)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, &ExhaustedError{Backend: name, Err: err}
	}

	alt := g.backends[g.alternate(name)]
	g.logger.Warn("backend exhausted, falling back",
		"backend", name,
		"fallback", alt.Name,
		"error", err,
	)
	g.bus.Emit(events.SourceGateway, events.KindFallback, map[string]any{
		"from": name,
		"to":   alt.Name,
	})
	if !alt.Vision {
		images = nil
	}

	resp, altErr := g.tryBackend(ctx, alt, history, images)
	if altErr != nil {
		return nil, &ExhaustedError{Backend: name, Err: err, Fallback: alt.Name, FallbackErr: altErr}
	}
	return resp, nil
}

// tryBackend iterates the backend's credentials in order and returns
// the first successful response.
func (g *Gateway) tryBackend(ctx context.Context, b *Backend, history []Message, images []Image) (*Response, error) {
	req := &Request{Messages: history, Images: images}
	prompt := Truncate(promptExcerpt(history), g.logChars)

	var errs []error
	for i, p := range b.Credentials {
		start := time.Now()
		resp, err := p.Complete(ctx, req)
		elapsed := time.Since(start)

		rec := usage.Record{
			Timestamp:  start,
			Backend:    b.Name,
			Provider:   b.Provider,
			Model:      b.Model,
			Credential: i,
			Prompt:     prompt,
			Duration:   elapsed,
		}

		if err != nil {
			rec.Error = err.Error()
			g.record(ctx, rec)
			g.logger.Warn("credential failed",
				"backend", b.Name,
				"credential", i,
				"prompt", prompt,
				"elapsed", elapsed.Round(time.Millisecond),
				"error", err,
			)
			g.bus.Emit(events.SourceGateway, events.KindCredentialFailed, map[string]any{
				"backend":    b.Name,
				"credential": i,
				"error":      err.Error(),
			})
			errs = append(errs, fmt.Errorf("credential %d: %w", i, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		resp.Backend = b.Name
		if resp.Model == "" {
			resp.Model = b.Model
		}
		answer := Truncate(resp.Content, g.logChars)
		rec.Model = resp.Model
		rec.Response = answer
		rec.InputTokens = resp.InputTokens
		rec.OutputTokens = resp.OutputTokens
		g.record(ctx, rec)

		g.logger.Info("gateway call",
			"backend", b.Name,
			"model", resp.Model,
			"credential", i,
			"prompt", prompt,
			"response", answer,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"elapsed", elapsed.Round(time.Millisecond),
		)
		g.logger.Log(ctx, LevelTrace, "gateway payload",
			"backend", b.Name,
			"messages", len(history),
			"images", len(images),
			"response", resp.Content,
		)
		g.bus.Emit(events.SourceGateway, events.KindCallComplete, map[string]any{
			"backend":     b.Name,
			"model":       resp.Model,
			"ok":          true,
			"duration_ms": elapsed.Milliseconds(),
		})
		return resp, nil
	}
	return nil, fmt.Errorf("all %d credentials of %s failed: %w", len(b.Credentials), b.Name, errors.Join(errs...))
}

// record writes to the call log. Failures are logged and swallowed.
func (g *Gateway) record(ctx context.Context, rec usage.Record) {
	if g.recorder == nil {
		return
	}
	// The call log must be written even when the turn was cancelled.
	if err := g.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.Warn("call log write failed", "backend", rec.Backend, "error", err)
	}
}

// promptExcerpt picks the text logged as "the prompt": the last user
// message, or the last message of any role.
func promptExcerpt(history []Message) string {
	if i := lastUserIndex(history); i >= 0 {
		return history[i].Content
	}
	if n := len(history); n > 0 {
		return history[n-1].Content
	}
	return ""
}
