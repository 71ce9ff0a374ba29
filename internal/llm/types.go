// Package llm provides the model gateway and its provider clients.
package llm

import (
	"context"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Image is an inline image attached to the latest user message.
type Image struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Request is a provider-neutral completion request.
type Request struct {
	Messages []Message
	// Images are attached to the last user message. Providers that
	// cannot accept images ignore them.
	Images []Image
}

// TraceEntry records one tool a provider ran server-side while
// producing a response.
type TraceEntry struct {
	Tool      string
	Arguments string
}

// Response is the unified response from any provider.
type Response struct {
	Content string
	Model   string
	// Backend is filled in by the gateway with the backend that
	// actually answered, which may differ from the one requested.
	Backend string
	Trace   []TraceEntry

	InputTokens  int
	OutputTokens int
}

// Provider is implemented by every backend client. One Provider value
// wraps exactly one credential.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// splitSystem separates system messages from the conversation. Several
// system messages are joined with blank lines.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// lastUserIndex returns the index of the last user message, or -1.
func lastUserIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// Truncate shortens s to at most n runes, appending an ellipsis when
// something was cut. n <= 0 disables truncation.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
