package patterns

import (
	"fmt"
	"regexp"
	"strings"
)

// maxRegexLength bounds a single pattern and the joined expression.
const maxRegexLength = 1000

// PatternSet is an ordered list of regular expressions matched as their
// '|'-joined alternation, the way grep -E treats the joined string.
type PatternSet struct {
	patterns []string

	// joined is nil for an empty set, which matches nothing.
	joined *regexp.Regexp

	// individual holds each pattern compiled on its own, or nil when the
	// pattern is only meaningful as part of the joined expression
	// (e.g. "(a" and "b)" from splitting "(a|b)").
	individual []*regexp.Regexp
}

// NewPatternSet compiles patterns. An error is returned when the joined
// expression is not a valid regular expression or a pattern is too long.
func NewPatternSet(patterns []string) (PatternSet, error) {
	set := PatternSet{patterns: append([]string(nil), patterns...)}
	if len(patterns) == 0 {
		return set, nil
	}

	for _, p := range patterns {
		if len(p) > maxRegexLength {
			return PatternSet{}, fmt.Errorf("pattern %q exceeds maximum length of %d characters", truncate(p, 40), maxRegexLength)
		}
	}

	expr := strings.Join(patterns, "|")
	if len(expr) > maxRegexLength*4 {
		return PatternSet{}, fmt.Errorf("joined pattern exceeds maximum length of %d characters", maxRegexLength*4)
	}

	joined, err := regexp.Compile(expr)
	if err != nil {
		return PatternSet{}, err
	}
	set.joined = joined

	set.individual = make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			set.individual[i] = re
		}
	}

	return set, nil
}

// MustPatternSet is like NewPatternSet but panics on error.
func MustPatternSet(patterns ...string) PatternSet {
	set, err := NewPatternSet(patterns)
	if err != nil {
		panic(err)
	}
	return set
}

// Patterns returns a copy of the ordered patterns.
func (s PatternSet) Patterns() []string {
	return append([]string(nil), s.patterns...)
}

// Len returns the number of patterns.
func (s PatternSet) Len() int {
	return len(s.patterns)
}

// Empty reports whether the set has no patterns.
func (s PatternSet) Empty() bool {
	return len(s.patterns) == 0
}

// String returns the '|'-joined patterns, as shown in the report.
func (s PatternSet) String() string {
	return strings.Join(s.patterns, "|")
}

// Match searches line for any pattern. On a match it returns the first
// pattern that matches on its own, or the joined expression when no single
// pattern compiles independently.
func (s PatternSet) Match(line string) (string, bool) {
	if s.joined == nil || !s.joined.MatchString(line) {
		return "", false
	}
	for i, re := range s.individual {
		if re != nil && re.MatchString(line) {
			return s.patterns[i], true
		}
	}
	return s.String(), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
