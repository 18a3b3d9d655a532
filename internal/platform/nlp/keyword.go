package nlp

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

var (
	agePattern    = regexp.MustCompile(`(?i)\b\d{1,3}-year-old\b`)
	genderPattern = regexp.MustCompile(`(?i)\b(?:fe)?male\b`)
)

// KeywordBackend finds lexicon terms in text without any concept linking.
// Matching is case-insensitive and word-bounded; overlapping matches resolve
// to the earliest, then longest, span.
type KeywordBackend struct {
	terms []string
}

// NewKeywordBackend builds a backend over the given lexicon.
func NewKeywordBackend(lexicon []string) *KeywordBackend {
	seen := make(map[string]bool, len(lexicon))
	terms := make([]string, 0, len(lexicon))
	for _, t := range lexicon {
		t = asciiLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}
	return &KeywordBackend{terms: terms}
}

type span struct{ start, end int }

// Detect implements Backend.
func (k *KeywordBackend) Detect(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	lower := asciiLower(text)
	var found []span
	for _, term := range k.terms {
		from := 0
		for {
			i := strings.Index(lower[from:], term)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(term)
			if isBoundary(lower, start-1) && isBoundary(lower, end) {
				found = append(found, span{start, end})
			}
			from = start + 1
		}
	}
	for _, re := range []*regexp.Regexp{agePattern, genderPattern} {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			found = append(found, span{loc[0], loc[1]})
		}
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].start != found[j].start {
			return found[i].start < found[j].start
		}
		return found[i].end > found[j].end
	})

	spans := make([]string, 0, len(found))
	last := -1
	for _, s := range found {
		if s.start < last {
			continue
		}
		spans = append(spans, text[s.start:s.end])
		last = s.end
	}
	return Result{Variant: VariantKeyword, Spans: spans}, nil
}

// isBoundary reports whether position i of s is outside a word.
func isBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}

// asciiLower lowercases ASCII letters only so byte offsets stay aligned with
// the original text.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
