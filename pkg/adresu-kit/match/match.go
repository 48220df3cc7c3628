// Package match compiles the small pattern grammar used by policy rules
// and word lists into matchers that never fail and never do I/O.
package match

import (
	"fmt"
	"regexp"
	"strings"
)

// Shape selects how a pattern is interpreted.
type Shape int

const (
	// Literal matches by case-insensitive substring containment.
	Literal Shape = iota
	// Glob supports '*' and '?' and must match the whole subject.
	Glob
	// Regexp is a user supplied expression matched anywhere in the subject.
	Regexp
)

func (s Shape) String() string {
	switch s {
	case Literal:
		return "literal"
	case Glob:
		return "glob"
	case Regexp:
		return "regexp"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Matcher is a compiled pattern. The zero value matches nothing.
type Matcher struct {
	pattern string
	shape   Shape
	needle  string
	re      *regexp.Regexp
}

// HasWildcards reports whether the pattern contains glob wildcards.
func HasWildcards(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// ShapeOf returns Glob for patterns with wildcards, Literal otherwise.
// Globs only know '*' and '?': in "h[ae]il.*hydra" the brackets and the
// dot are literal text, so such patterns must be compiled as Regexp.
func ShapeOf(pattern string) Shape {
	if HasWildcards(pattern) {
		return Glob
	}
	return Literal
}

// Compile builds a Matcher. Only Regexp patterns can fail.
func Compile(pattern string, shape Shape) (*Matcher, error) {
	m := &Matcher{pattern: pattern, shape: shape}
	switch shape {
	case Literal:
		m.needle = strings.ToLower(pattern)
	case Glob:
		re, err := regexp.Compile(GlobToRegexp(pattern, false))
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		m.re = re
	case Regexp:
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp %q: %w", pattern, err)
		}
		m.re = re
	default:
		return nil, fmt.Errorf("unknown pattern shape %d", int(shape))
	}
	return m, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string, shape Shape) *Matcher {
	m, err := Compile(pattern, shape)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether subject satisfies the pattern.
func (m *Matcher) Match(subject string) bool {
	if m == nil {
		return false
	}
	switch m.shape {
	case Literal:
		return strings.Contains(strings.ToLower(subject), m.needle)
	case Glob, Regexp:
		return m.re != nil && m.re.MatchString(subject)
	}
	return false
}

func (m *Matcher) Pattern() string { return m.pattern }
func (m *Matcher) Shape() Shape    { return m.shape }

var wildcardRun = regexp.MustCompile(`[?*]+`)

// GlobToRegexp converts a glob into a case-insensitive regexp source.
// Runs of wildcards collapse into a single bounded repetition so that
// patterns such as "?**?**?" cannot cause pathological backtracking in
// other regexp engines. With wordBoundary unset the result is anchored
// to the whole subject.
func GlobToRegexp(glob string, wordBoundary bool) string {
	var b strings.Builder
	last := 0
	for _, loc := range wildcardRun.FindAllStringIndex(glob, -1) {
		b.WriteString(regexp.QuoteMeta(glob[last:loc[0]]))
		run := glob[loc[0]:loc[1]]
		qmarks := strings.Count(run, "?")
		if strings.Contains(run, "*") {
			fmt.Fprintf(&b, ".{%d,}", qmarks)
		} else {
			fmt.Fprintf(&b, ".{%d}", qmarks)
		}
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(glob[last:]))

	body := b.String()
	if wordBoundary {
		return `(?is)(^|\W)` + body + `(\W|$)`
	}
	return `(?is)\A` + body + `\z`
}
