package format

import (
	"strings"
	"unicode/utf8"
)

// DefaultLimit leaves headroom under Telegram's 4096-character message
// cap for the markup TelegramHTML adds.
const DefaultLimit = 3500

const fence = "```"

// Split breaks Markdown text into chunks of at most limit runes. It
// prefers paragraph breaks, then line breaks, then sentence and word
// boundaries, and hard-cuts only when nothing else fits. A code fence
// cut in two is closed at the end of one chunk and reopened, with its
// language tag, at the start of the next.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	reopen := ""
	for text != "" {
		budget := limit - utf8.RuneCountInString(reopen)
		if utf8.RuneCountInString(text) <= budget {
			chunks = append(chunks, reopen+text)
			break
		}

		// Reserve room for a closing fence in case the cut lands in code.
		cut := cutPoint(text, budget-len(fence)-1)
		head := strings.TrimRight(text[:cut], " \n")
		text = strings.TrimLeft(text[cut:], " \n")

		chunk := reopen + head
		reopen = ""
		if lang, open := openFence(chunk); open {
			chunk += "\n" + fence
			reopen = fence + lang + "\n"
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// cutPoint returns a byte offset in s no further than limit runes.
func cutPoint(s string, limit int) int {
	if limit < 1 {
		limit = 1
	}
	end := byteOffset(s, limit)
	window := s[:end]
	// A boundary in the first half is too early to be worth taking.
	minCut := len(window) / 2

	for _, sep := range []string{"\n\n", "\n", ". ", " "} {
		if i := strings.LastIndex(window, sep); i > 0 && i >= minCut {
			return i + len(sep)
		}
	}
	return end
}

// byteOffset returns the byte index of the n-th rune, or len(s).
func byteOffset(s string, n int) int {
	for i := range s {
		if n == 0 {
			return i
		}
		n--
	}
	return len(s)
}

// openFence reports whether s ends inside a code fence and, if so, the
// fence's language tag.
func openFence(s string) (string, bool) {
	lang := ""
	open := false
	for line := range strings.SplitSeq(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, fence) {
			continue
		}
		if open {
			open = false
			lang = ""
			continue
		}
		open = true
		lang = strings.TrimSpace(strings.TrimPrefix(trimmed, fence))
	}
	return lang, open
}
