package channels

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Caption limits are tighter than message limits on most platforms.
const CaptionLimit = 1024

// SplitMessage breaks text into chunks whose display width stays under limit,
// preferring paragraph breaks, then line breaks, then word boundaries. A
// single oversized word is hard-split.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || runewidth.StringWidth(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for _, para := range splitKeep(text, "\n\n") {
		if runewidth.StringWidth(para) <= limit {
			chunks = appendChunk(chunks, para, limit)
			continue
		}
		for _, line := range splitKeep(para, "\n") {
			if runewidth.StringWidth(line) <= limit {
				chunks = appendChunk(chunks, line, limit)
				continue
			}
			for _, word := range strings.SplitAfter(line, " ") {
				chunks = appendChunk(chunks, word, limit)
			}
		}
	}

	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}

// appendChunk adds piece to the last chunk if it fits, starting a new chunk
// otherwise. Pieces wider than the limit are hard-split by rune.
func appendChunk(chunks []string, piece string, limit int) []string {
	for runewidth.StringWidth(piece) > limit {
		head, rest := truncateWidth(piece, limit)
		chunks = append(chunks, head)
		piece = rest
	}
	if piece == "" {
		return chunks
	}
	if n := len(chunks); n > 0 && runewidth.StringWidth(chunks[n-1])+runewidth.StringWidth(piece) <= limit {
		chunks[n-1] += piece
		return chunks
	}
	return append(chunks, piece)
}

// truncateWidth splits s at the last rune boundary fitting the width.
func truncateWidth(s string, limit int) (head, rest string) {
	width := 0
	for i, r := range s {
		w := runewidth.RuneWidth(r)
		if width+w > limit {
			return s[:i], s[i:]
		}
		width += w
	}
	return s, ""
}

// splitKeep splits on sep but keeps the separator attached to the preceding
// piece so rejoining chunks preserves the original formatting.
func splitKeep(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := 0; i < len(parts)-1; i++ {
		parts[i] += sep
	}
	return parts
}

// TrimCaption enforces the caption limit, appending an ellipsis when cut.
func TrimCaption(caption string) string {
	if runewidth.StringWidth(caption) <= CaptionLimit {
		return caption
	}
	head, _ := truncateWidth(caption, CaptionLimit-1)
	return head + "…"
}
