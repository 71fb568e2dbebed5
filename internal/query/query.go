// Package query turns free-form product names into ordered search terms
// and canonical cache keys.
package query

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	squareAnnotation = regexp.MustCompile(`\[[^\]]*\]`)
	roundAnnotation  = regexp.MustCompile(`\([^)]*\)`)
	whitespace       = regexp.MustCompile(`\s+`)
)

const (
	setSeparator     = " - "
	bracketSeparator = " ["
)

// Variants returns the search terms to try for a raw product name, most
// precise first, without duplicates. The trimmed input is always first.
// A blank name has no variants.
func Variants(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	base := []string{
		trimmed,
		stripAnnotations(trimmed),
		before(trimmed, setSeparator),
		before(trimmed, bracketSeparator),
	}

	seen := make(map[string]bool, len(base)*2)
	out := make([]string, 0, len(base)*2)
	add := func(v string) {
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}

	for _, v := range base {
		add(v)
	}
	for _, v := range base {
		add(strings.ToLower(v))
	}
	return out
}

// Key is the canonical cache key for a product name: unicode-normalized,
// case-folded, with runs of whitespace collapsed.
func Key(raw string) string {
	s := norm.NFKC.String(raw)
	// Casers carry state and are not safe to share between goroutines.
	s = cases.Fold().String(s)
	return collapse(s)
}

// ContextKey composes a cache key partitioned by an optional context such
// as a condition or a portfolio id.
func ContextKey(raw, context string) string {
	k := Key(raw)
	if c := collapse(context); c != "" {
		return k + "|" + c
	}
	return k
}

func stripAnnotations(s string) string {
	s = squareAnnotation.ReplaceAllString(s, " ")
	s = roundAnnotation.ReplaceAllString(s, " ")
	s = collapse(s)
	if i := strings.LastIndex(s, setSeparator); i > 0 {
		s = s[:i]
	}
	return collapse(s)
}

func before(s, sep string) string {
	if i := strings.Index(s, sep); i > 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
