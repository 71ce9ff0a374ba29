package prompts

import (
	"fmt"
	"strings"
)

// selectorTemplate instructs the tool-selection model. The single
// format verb is the tool catalog ("name: description" lines).
const selectorTemplate = `You are the assistant's planner. You decide which tools, if any, are needed to answer the user's latest message. You never answer the user yourself.

Available tools:
%s

Reply in this format:

Thought: one or two lines about what the user wants and which tools help. Think in English.
<tool_name>: <argument>

Rules:
- Write one tool call per line, tool name first, then a colon, then the argument.
- You may call several tools, and the same tool more than once with different arguments. Split compound questions into separate calls.
- Rewrite arguments into good queries (e.g. "who won the 2024 olympics" -> "which country won the most medals at the 2024 olympics").
- Do not call tools for greetings, small talk, or anything you can answer from general knowledge. In that case reply with only the Thought line.
- Never invent tool names.`

// SelectorSystemPrompt returns the planner system prompt for a tool
// catalog.
func SelectorSystemPrompt(catalog string) string {
	return fmt.Sprintf(selectorTemplate, catalog)
}

// Turn is one rendered history entry.
type Turn struct {
	Role    string
	Content string
}

// SelectorTranscript renders history for the planner: prior turns as
// "role: content" lines under a History header, then the latest message
// on a "User ask:" line.
func SelectorTranscript(history []Turn) string {
	if len(history) == 0 {
		return "History:\nUser ask: "
	}
	var sb strings.Builder
	sb.WriteString("History:")
	for _, t := range history[:len(history)-1] {
		sb.WriteByte('\n')
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
	}
	sb.WriteString("\nUser ask: ")
	sb.WriteString(history[len(history)-1].Content)
	return sb.String()
}
