package media

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	cueTimingRe = regexp.MustCompile(`^(\d{2,}):(\d{2}):(\d{2})\.(\d{3})\s*-->\s*(\d{2,}):(\d{2}):(\d{2})\.(\d{3})`)
	inlineTagRe = regexp.MustCompile(`<[^>]*>`)
)

// paragraphGapMs is the silence between cues that starts a new
// paragraph.
const paragraphGapMs = 2000

type cue struct {
	startMs, endMs int
	lines          []string
}

// parseCues reads the cues of a WebVTT file. Header, NOTE, STYLE and
// REGION blocks and cue identifiers are skipped.
func parseCues(raw string) []cue {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	var cues []cue
	for _, block := range strings.Split(raw, "\n\n") {
		lines := strings.Split(strings.Trim(block, "\n"), "\n")
		timing := -1
		for i, l := range lines {
			if cueTimingRe.MatchString(l) {
				timing = i
				break
			}
		}
		if timing < 0 {
			continue
		}
		m := cueTimingRe.FindStringSubmatch(lines[timing])
		c := cue{startMs: toMs(m[1:5]), endMs: toMs(m[5:9])}
		for _, l := range lines[timing+1:] {
			l = strings.TrimSpace(inlineTagRe.ReplaceAllString(l, ""))
			if l != "" {
				c.lines = append(c.lines, l)
			}
		}
		cues = append(cues, c)
	}
	return cues
}

func toMs(parts []string) int {
	n := make([]int, 4)
	for i, p := range parts {
		n[i], _ = strconv.Atoi(p)
	}
	return ((n[0]*60+n[1])*60+n[2])*1000 + n[3]
}

// CleanVTT turns WebVTT captions into readable text. Auto-generated
// captions repeat each line across overlapping cues; a line equal to
// the previous one is dropped. A pause longer than two seconds starts
// a new paragraph.
func CleanVTT(raw string) string {
	var paragraphs []string
	var current []string
	prev := ""
	prevEnd := -1

	for _, c := range parseCues(raw) {
		if prevEnd >= 0 && c.startMs-prevEnd > paragraphGapMs && len(current) > 0 {
			paragraphs = append(paragraphs, strings.Join(current, " "))
			current = nil
		}
		prevEnd = c.endMs
		for _, l := range c.lines {
			if l == prev {
				continue
			}
			current = append(current, l)
			prev = l
		}
	}
	if len(current) > 0 {
		paragraphs = append(paragraphs, strings.Join(current, " "))
	}
	return strings.Join(paragraphs, "\n\n")
}
