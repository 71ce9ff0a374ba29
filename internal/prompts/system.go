package prompts

import (
	"strings"
	"time"
)

// answerTemplate is the base system prompt for final answers.
const answerTemplate = `You are a helpful assistant talking to a user through a chat app. The user does not see system messages.

Tool results, when present, arrive as a system message that starts with "Tool results:". Each line is "tool(argument): output". Use them as ground truth for facts that change over time. If a tool line starts with "Error:", say briefly that the lookup failed and answer as well as you can without it. Files produced by tools are delivered to the user automatically; mention them, do not paste their contents.

Formatting: use Markdown. Put code in fenced blocks with a language tag (` + "```python" + ` for Python, ` + "```latex" + ` for LaTeX documents). Write display math as $$...$$.

Answer in the language the user wrote in.`

// AnswerSystemPrompt returns the system prompt for the final answer.
// persona, when set, is appended as extra guidance.
func AnswerSystemPrompt(persona string, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(answerTemplate)
	sb.WriteString("\n\nCurrent time: ")
	sb.WriteString(now.Format("Monday, 2 January 2006 15:04 MST"))
	if p := strings.TrimSpace(persona); p != "" {
		sb.WriteString("\n\n")
		sb.WriteString(p)
	}
	return sb.String()
}

// ToolResultsHeader prefixes the merged tool output stored as a system
// message.
const ToolResultsHeader = "Tool results:\n"

// ToolResultsMessage wraps merged tool output for the history.
func ToolResultsMessage(merged string) string {
	return ToolResultsHeader + merged
}
