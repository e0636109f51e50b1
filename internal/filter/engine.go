// Package filter implements the message matching engine.
package filter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Rules is the keyword and filter set of one configuration.
type Rules struct {
	Include []string
	Exclude []string
	Filters []string
}

// Reason explains the outcome of a match.
type Reason string

// Match outcomes.
const (
	ReasonMatched    Reason = "matched"
	ReasonExcluded   Reason = "exclude keyword found"
	ReasonNoKeywords Reason = "no include keyword found"
	ReasonFiltered   Reason = "filter rejected"
)

// Result holds the outcome of evaluating one message against one configuration.
type Result struct {
	Matched  bool
	Keywords []string
	Reason   Reason
}

// Match evaluates text against rules.
// Exclude keywords are checked first and reject immediately.
// At least one include keyword must match, and every filter must pass.
// An empty include set never matches.
func Match(text string, rules Rules) Result {
	normalized := Normalize(text)

	for _, kw := range rules.Exclude {
		if ContainsWord(normalized, kw) {
			return Result{Reason: ReasonExcluded}
		}
	}

	var found []string
	for _, kw := range rules.Include {
		if ContainsWord(normalized, kw) {
			found = append(found, kw)
		}
	}
	if len(found) == 0 {
		return Result{Reason: ReasonNoKeywords}
	}

	for _, raw := range rules.Filters {
		expr, err := Parse(raw)
		if err != nil || !expr.Eval(normalized) {
			return Result{Keywords: found, Reason: ReasonFiltered}
		}
	}

	return Result{Matched: true, Keywords: found, Reason: ReasonMatched}
}

// Normalize case-folds text for matching. Punctuation is kept.
func Normalize(text string) string {
	return strings.ToLower(text)
}

// ContainsWord reports whether word occurs in normalized text as a whole word,
// bounded on both sides by a non-word character or the string boundary.
// The word is normalized before the search; an empty word never matches.
func ContainsWord(normalized, word string) bool {
	word = Normalize(strings.TrimSpace(word))
	if word == "" {
		return false
	}
	for offset := 0; offset < len(normalized); {
		i := strings.Index(normalized[offset:], word)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(word)
		if boundaryBefore(normalized, start) && boundaryAfter(normalized, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(normalized[start:])
		offset = start + size
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}
