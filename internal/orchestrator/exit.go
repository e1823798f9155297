package orchestrator

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// DefaultExitPhrases end a conversation when no phrases are configured.
var DefaultExitPhrases = []string{"goodbye", "bye", "see you"}

const (
	defaultExitThreshold = 0.92

	// fuzzyMaxWords limits fuzzy matching to short utterances. In a long
	// request a farewell-like word is rarely a farewell.
	fuzzyMaxWords = 5
)

// negations mark an utterance as talking about leaving rather than leaving.
var negations = []string{"don't", "dont", "do not", "not", "never", "how do", "how to"}

// ExitDetector recognises farewell utterances. It is read-only after
// construction and safe for concurrent use.
type ExitDetector struct {
	phrases   [][]string
	threshold float64
}

// NewExitDetector builds a detector for phrases. A zero threshold selects the
// default Jaro-Winkler score of 0.92. Nil phrases select
// [DefaultExitPhrases]; an empty non-nil slice disables detection.
func NewExitDetector(phrases []string, threshold float64) *ExitDetector {
	if phrases == nil {
		phrases = DefaultExitPhrases
	}
	if threshold <= 0 {
		threshold = defaultExitThreshold
	}
	d := &ExitDetector{threshold: threshold}
	for _, p := range phrases {
		if words := normalizeWords(p); len(words) > 0 {
			d.phrases = append(d.phrases, words)
		}
	}
	return d
}

// Detect reports whether text is a farewell.
//
// An exact phrase match anywhere in the utterance counts. Short utterances
// also match fuzzily, word window by word window, so STT slips such as
// "good bye" or "goodby" still end the session. Utterances containing a
// negation never match.
func (d *ExitDetector) Detect(text string) bool {
	words := normalizeWords(text)
	if len(words) == 0 || len(d.phrases) == 0 {
		return false
	}
	joined := " " + strings.Join(words, " ") + " "
	for _, n := range negations {
		if strings.Contains(joined, " "+n+" ") {
			return false
		}
	}
	for _, p := range d.phrases {
		if strings.Contains(joined, " "+strings.Join(p, " ")+" ") {
			return true
		}
	}
	if len(words) > fuzzyMaxWords {
		return false
	}
	compact := strings.Join(words, "")
	for _, p := range d.phrases {
		target := strings.Join(p, " ")
		if matchr.JaroWinkler(compact, strings.Join(p, ""), false) >= d.threshold {
			return true
		}
		for i := 0; i+len(p) <= len(words); i++ {
			window := strings.Join(words[i:i+len(p)], " ")
			if matchr.JaroWinkler(window, target, false) >= d.threshold {
				return true
			}
		}
	}
	return false
}

// normalizeWords lowercases s and splits it into words, dropping punctuation
// other than apostrophes.
func normalizeWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
