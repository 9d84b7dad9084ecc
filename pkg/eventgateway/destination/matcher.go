// Package destination matches routing keys against Ant-style patterns and
// derives those patterns from subscription arguments.
package destination

import "strings"

// DefaultSeparator splits routing keys into segments.
const DefaultSeparator = "."

// Matcher matches Ant-style patterns against separator-delimited paths.
//
//   - "*" matches one whole segment, or part of a segment when mixed with literals
//   - "?" matches exactly one character within a segment
//   - "**" matches zero or more whole segments
//
// A Matcher is immutable and safe for concurrent use.
type Matcher struct {
	sep string
}

// NewMatcher creates a matcher splitting on sep. An empty sep uses ".".
func NewMatcher(sep string) *Matcher {
	if sep == "" {
		sep = DefaultSeparator
	}
	return &Matcher{sep: sep}
}

// Separator returns the segment separator.
func (m *Matcher) Separator() string {
	return m.sep
}

// Match reports whether path matches pattern.
func (m *Matcher) Match(pattern, path string) bool {
	return matchSegments(m.split(pattern), strings.Split(path, m.sep))
}

// split breaks a pattern into segments, collapsing runs of "**".
func (m *Matcher) split(pattern string) []string {
	raw := strings.Split(pattern, m.sep)
	segs := raw[:0:0]
	for _, s := range raw {
		if s == "**" && len(segs) > 0 && segs[len(segs)-1] == "**" {
			continue
		}
		segs = append(segs, s)
	}
	return segs
}

func matchSegments(pattern, path []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(path); i++ {
				if matchSegments(rest, path[i:]) {
					return true
				}
			}
			return false
		}
		if len(path) == 0 || !matchSegment(pattern[0], path[0]) {
			return false
		}
		pattern, path = pattern[1:], path[1:]
	}
	return len(path) == 0
}

// matchSegment matches one segment with '*' and '?' wildcards.
func matchSegment(pattern, s string) bool {
	p := []rune(pattern)
	r := []rune(s)

	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(r) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == r[si]):
			pi++
			si++
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// Filter admits routing keys that match any of its patterns.
// An empty Filter matches nothing.
type Filter struct {
	Patterns []string

	matcher *Matcher
}

// NewFilter creates a filter over patterns using the "." separator.
func NewFilter(patterns ...string) *Filter {
	return &Filter{Patterns: patterns, matcher: NewMatcher(DefaultSeparator)}
}

// WithMatcher returns a copy of f using m.
func (f *Filter) WithMatcher(m *Matcher) *Filter {
	return &Filter{Patterns: f.Patterns, matcher: m}
}

// Matches reports whether routingKey matches any pattern.
func (f *Filter) Matches(routingKey string) bool {
	if f == nil {
		return false
	}
	m := f.matcher
	if m == nil {
		m = NewMatcher(DefaultSeparator)
	}
	for _, p := range f.Patterns {
		if m.Match(p, routingKey) {
			return true
		}
	}
	return false
}
