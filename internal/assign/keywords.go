package assign

import (
	"strings"
	"unicode"
)

const (
	titleKeywordCap   = 8
	chapterKeywordCap = 24
	minKeywordLen     = 3
)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a an and are as at be been but by can could did do does for from had has have
		he her here his how i if in into is it its just more most my no not of on one
		or our out over she so some such than that the their them then there these they
		this those through to too up very was we were what when where which while who
		why will with would you your about after also any because before being both
		each few many much other own same should only off once under until again
		further all photo photos image images picture stock free background view closeup
	`) {
		stopWords[w] = struct{}{}
	}
}

// ExtractKeywords lowercases text, splits on non-alphanumerics, drops stop
// words and short tokens, and keeps the first limit distinct words.
func ExtractKeywords(text string, limit int) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < minKeywordLen {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// chapterKeywords merges the extracted narration words with the declared
// keywords and visual cues of a chapter.
func chapterKeywords(text string, keywords, cues []string) []string {
	parts := make([]string, 0, len(keywords)+len(cues)+1)
	parts = append(parts, keywords...)
	parts = append(parts, cues...)
	parts = append(parts, text)
	return ExtractKeywords(strings.Join(parts, " "), chapterKeywordCap)
}

func overlap(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(b))
	for _, w := range b {
		set[w] = struct{}{}
	}
	n := 0
	for _, w := range a {
		if _, ok := set[w]; ok {
			n++
		}
	}
	return n
}

// looseOverlap counts pairs where one word is a prefix of the other with at
// least four shared letters, catching plurals and inflections that the exact
// match misses.
func looseOverlap(a, b []string) int {
	n := 0
	for _, x := range a {
		for _, y := range b {
			if x == y || sharesStem(x, y) {
				n++
				break
			}
		}
	}
	return n
}

func sharesStem(x, y string) bool {
	if len(x) > len(y) {
		x, y = y, x
	}
	return len(x) >= 4 && strings.HasPrefix(y, x)
}
