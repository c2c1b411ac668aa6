package agent

import "strings"

// Thinking display modes.
const (
	ThinkingOff    = "off"    // drop reasoning entirely
	ThinkingOn     = "on"     // emit reasoning once, after the stream ends
	ThinkingStream = "stream" // emit reasoning deltas as they arrive
)

// thinkingMarkers pairs the opening tags models wrap their reasoning in with
// the matching closers. Matching is per-pair: a block opened with one marker
// only closes with its own closer.
var thinkingMarkers = [][2]string{
	{"<thinking>", "</thinking>"},
	{"<thought>", "</thought>"},
	{"<antthinking>", "</antthinking>"},
}

// ThinkingExtractor splits streamed assistant text into visible text and
// reasoning. It is incremental: a marker split across two deltas is held back
// until enough bytes arrive to classify it.
type ThinkingExtractor struct {
	inside   bool
	closeTag string
	pending  string
}

// Feed consumes one delta and returns the visible and reasoning portions that
// can be emitted so far.
func (x *ThinkingExtractor) Feed(delta string) (visible, thinking string) {
	s := x.pending + delta
	x.pending = ""

	var vis, think strings.Builder
	for s != "" {
		if !x.inside {
			idx, tag := earliestMarker(s)
			if idx >= 0 {
				vis.WriteString(s[:idx])
				s = s[idx+len(tag[0]):]
				x.inside = true
				x.closeTag = tag[1]
				continue
			}
			held := partialSuffix(s, openTags())
			vis.WriteString(s[:len(s)-held])
			x.pending = s[len(s)-held:]
			break
		}

		if idx := strings.Index(s, x.closeTag); idx >= 0 {
			think.WriteString(s[:idx])
			s = s[idx+len(x.closeTag):]
			x.inside = false
			x.closeTag = ""
			continue
		}
		held := partialSuffix(s, []string{x.closeTag})
		think.WriteString(s[:len(s)-held])
		x.pending = s[len(s)-held:]
		break
	}
	return vis.String(), think.String()
}

// Flush returns whatever is still held back once the stream ends. An
// unterminated block counts as reasoning; a dangling partial tag outside a
// block was just text after all.
func (x *ThinkingExtractor) Flush() (visible, thinking string) {
	held := x.pending
	x.pending = ""
	if x.inside {
		x.inside = false
		x.closeTag = ""
		return "", held
	}
	return held, ""
}

func openTags() []string {
	out := make([]string, len(thinkingMarkers))
	for i, m := range thinkingMarkers {
		out[i] = m[0]
	}
	return out
}

// earliestMarker finds the leftmost opening marker in s.
func earliestMarker(s string) (int, [2]string) {
	best := -1
	var bestTag [2]string
	for _, m := range thinkingMarkers {
		if idx := strings.Index(s, m[0]); idx >= 0 && (best < 0 || idx < best) {
			best = idx
			bestTag = m
		}
	}
	return best, bestTag
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of any tag, i.e. bytes that might become a marker once more
// arrive.
func partialSuffix(s string, tags []string) int {
	maxHold := 0
	for _, tag := range tags {
		limit := len(tag) - 1
		if limit > len(s) {
			limit = len(s)
		}
		for n := limit; n > maxHold; n-- {
			if strings.HasPrefix(tag, s[len(s)-n:]) {
				maxHold = n
				break
			}
		}
	}
	return maxHold
}
