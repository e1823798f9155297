package orchestrator

import (
	"strings"
	"unicode/utf8"
)

// SplitSentences splits reply text into sentences for synthesis, in order.
//
// A boundary is '.', '!' or '?' followed by whitespace, or a full-width
// terminator ('。', '！', '？') anywhere. Runs of terminators ("?!", "...")
// stay with their sentence. Blank pieces are dropped and trailing text
// without a terminator becomes the last sentence.
func SplitSentences(text string) []string {
	var out []string
	for {
		text = strings.TrimSpace(text)
		if text == "" {
			return out
		}
		idx := firstSentenceBoundary(text)
		if idx < 0 {
			return append(out, text)
		}
		out = append(out, strings.TrimSpace(text[:idx]))
		text = text[idx:]
	}
}

// firstSentenceBoundary returns the byte offset just past the first sentence
// terminator run in s, or -1 when s holds no complete sentence.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch r {
		case '。', '！', '？':
			return i + size + terminatorRun(s[i+size:])
		case '.', '!', '?':
			end := i + size + terminatorRun(s[i+size:])
			if end < len(s) {
				switch s[end] {
				case ' ', '\n', '\r', '\t':
					return end
				}
			}
			i = end
			continue
		}
		i += size
	}
	return -1
}

// terminatorRun returns the byte length of the terminator run at the start of s.
func terminatorRun(s string) int {
	n := 0
	for n < len(s) {
		r, size := utf8.DecodeRuneInString(s[n:])
		switch r {
		case '.', '!', '?', '。', '！', '？':
			n += size
		default:
			return n
		}
	}
	return n
}
