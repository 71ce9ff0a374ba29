package prompts

import (
	"fmt"
	"strings"
)

// chunkSummaryTemplate is used for each chunk in the map phase. Format
// verbs: 1 video title, 2 chunk index, 3 total chunks, 4 chunk text.
const chunkSummaryTemplate = `Summarize this part of the transcript of the video %q (part %d of %d).

Keep the key points, arguments and noteworthy details. Preserve specific numbers, names, dates and claims. Aim for roughly a fifth of the input length.

Transcript part:
%s

Summary:`

// focusSection is appended when the user asked something specific
// about the video. The format verb is the question.
const focusSection = `

The user asked: %s
Keep details relevant to this question. Unrelated content can be mentioned briefly.`

// reduceTemplate combines chunk summaries. Format verbs: 1 video
// title, 2 joined summaries.
const reduceTemplate = `Combine these part summaries into one coherent summary of the video %q. Keep chronological order and drop repetition. Aim for 1500 to 2500 characters.

Part summaries:
%s

Combined summary:`

// answerFocusSection replaces the length hint in the reduce prompt when
// the user asked a question.
const answerFocusSection = `

Instead of a general summary, answer the user's question using the video: %s`

// TranscriptChunkSummaryPrompt returns the map-phase prompt for one
// chunk.
func TranscriptChunkSummaryPrompt(title, chunk, focus string, chunkIndex, totalChunks int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, chunkSummaryTemplate, title, chunkIndex, totalChunks, chunk)
	if focus != "" {
		fmt.Fprintf(&sb, focusSection, focus)
	}
	return sb.String()
}

// TranscriptReducePrompt returns the reduce-phase prompt.
func TranscriptReducePrompt(title, chunkSummaries, focus string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, reduceTemplate, title, chunkSummaries)
	if focus != "" {
		fmt.Fprintf(&sb, answerFocusSection, focus)
	}
	return sb.String()
}
