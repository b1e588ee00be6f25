// ABOUTME: Keyword admission predicate and snippet construction.
// ABOUTME: Shared with the history extractor via MatchKeywords.

package processor

import (
	"strings"
	"unicode"
)

// snippetWindow is how far past the matched keyword the snippet extends,
// in characters.
const snippetWindow = 184

// MatchKeywords applies the admission predicate. With an empty keyword
// list any non-empty text is admitted. Otherwise keywords is parsed as a
// comma-separated list (outer whitespace stripped, inner preserved, empty
// items ignored) and the text is admitted iff at least one keyword occurs
// as a case-insensitive substring. Among the keywords that occur, the one
// at the earliest position in the text wins; the returned match carries
// the casing from the text itself and pos is its rune offset, or -1 when
// admission did not involve a match.
func MatchKeywords(text, keywords string) (match string, pos int, ok bool) {
	if strings.TrimSpace(keywords) == "" {
		return "", -1, text != ""
	}
	if text == "" {
		return "", -1, false
	}

	// Folding rune-by-rune keeps offsets aligned with the original text;
	// strings.ToLower can change byte and rune widths.
	runes := []rune(text)
	lower := foldRunes(runes)

	best, bestLen := -1, 0
	for _, raw := range strings.Split(keywords, ",") {
		kw := strings.TrimSpace(raw)
		if kw == "" {
			continue
		}
		idx := indexRunes(lower, foldRunes([]rune(kw)))
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best {
			best = idx
			bestLen = len([]rune(kw))
		}
	}
	if best < 0 {
		return "", -1, false
	}
	return string(runes[best : best+bestLen]), best, true
}

func foldRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		j := 0
		for j < len(needle) && haystack[i+j] == needle[j] {
			j++
		}
		if j == len(needle) {
			return i
		}
	}
	return -1
}

// Snippet returns the excerpt shown in a notification: the window from
// pos spanning the matched keyword plus up to snippetWindow characters
// after it, with a leading ellipsis when the match is not at the start
// and a trailing one when truncated. pos < 0 means no keyword match; the
// window starts at the beginning.
func Snippet(text string, pos, matchLen int) string {
	runes := []rune(text)
	start := pos
	if start < 0 {
		start = 0
	}
	if start > len(runes) {
		start = len(runes)
	}
	if matchLen < 0 {
		matchLen = 0
	}

	end := start + matchLen + snippetWindow
	truncated := end < len(runes)
	if !truncated {
		end = len(runes)
	}

	out := string(runes[start:end])
	if start > 0 {
		out = "..." + out
	}
	if truncated {
		out += "..."
	}
	return out
}
