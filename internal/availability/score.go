package availability

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// HitThreshold is the best-result score at which a vendor counts as a hit.
const HitThreshold = 2

// Score rates how well a search hit matches the item name: +2 when the title
// contains the full name, +1 when the snippet does, plus up to 2 for the
// share of name tokens found in the title or snippet.
func Score(name string, h SearchHit) int {
	fold := cases.Fold()
	n := strings.TrimSpace(fold.String(name))
	if n == "" {
		return 0
	}
	title := fold.String(h.Title)
	snippet := fold.String(h.Snippet)

	score := 0
	if strings.Contains(title, n) {
		score += 2
	}
	if strings.Contains(snippet, n) {
		score++
	}

	nameTokens := tokenize(n)
	if len(nameTokens) == 0 {
		return score
	}
	have := make(map[string]bool)
	for _, t := range tokenize(title + " " + snippet) {
		have[t] = true
	}
	matched := 0
	for _, t := range nameTokens {
		if have[t] {
			matched++
		}
	}
	return score + int(math.Round(2*float64(matched)/float64(len(nameTokens))))
}

// tokenize splits s into distinct letter/digit runs of two or more runes.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
