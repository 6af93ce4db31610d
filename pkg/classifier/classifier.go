// Package classifier scans a dmesg log against resolved failure and
// false-positive pattern sets.
package classifier

import (
	"strings"

	"github.com/supporttools/dmesg-check/pkg/patterns"
)

// Verdict is the pass/fail outcome of a classification.
type Verdict string

const (
	Pass Verdict = "PASS"
	Fail Verdict = "FAIL"
)

const (
	traceStartMarker = "[ cut here ]"
	traceEndMarker   = "[ end trace"
)

// Occurrence is a log line matched by a pattern. Line is 1-based.
type Occurrence struct {
	Line    int
	Pattern string
	Text    string

	// Suppressed is set on false-positive occurrences whose line also
	// matches the failure set.
	Suppressed bool
}

// Trace is a kernel warning block between "[ cut here ]" and "[ end trace".
type Trace struct {
	StartLine int
	Lines     []string

	// Suppressed is set when any line in the block matches the false set.
	Suppressed bool
}

// Result is the ordered outcome of a scan.
type Result struct {
	Failures       []Occurrence
	FalsePositives []Occurrence
	Traces         []Trace
	LinesScanned   int
	Verdict        Verdict
}

// Confirmation returns the occurrence echoed after the failure lines,
// which is the first failure found.
func (r *Result) Confirmation() (Occurrence, bool) {
	if len(r.Failures) == 0 {
		return Occurrence{}, false
	}
	return r.Failures[0], true
}

// ReportedTraces returns the trace blocks that were not suppressed.
func (r *Result) ReportedTraces() []Trace {
	var out []Trace
	for _, t := range r.Traces {
		if !t.Suppressed {
			out = append(out, t)
		}
	}
	return out
}

// SuppressedFailures counts lines that matched the failure set but were
// exempted by the false set.
func (r *Result) SuppressedFailures() int {
	n := 0
	for _, fp := range r.FalsePositives {
		if fp.Suppressed {
			n++
		}
	}
	return n
}

// Classifier matches log lines against a failure and a false-positive set.
type Classifier struct {
	failure  patterns.PatternSet
	falsePos patterns.PatternSet
}

// New creates a classifier.
func New(failure, falsePos patterns.PatternSet) *Classifier {
	return &Classifier{failure: failure, falsePos: falsePos}
}

// Classify scans the whole log. Lines are split on LF; a trailing CR is
// ignored for matching and dropped from reported text.
func (c *Classifier) Classify(log []byte) *Result {
	result := &Result{Verdict: Pass}

	lines := splitLines(string(log))
	result.LinesScanned = len(lines)

	var current *Trace
	for i, line := range lines {
		lineNo := i + 1

		if current == nil && strings.Contains(line, traceStartMarker) {
			current = &Trace{StartLine: lineNo}
		}

		isFalse := false
		if pattern, ok := c.falsePos.Match(line); ok {
			isFalse = true
			_, alsoFailure := c.failure.Match(line)
			result.FalsePositives = append(result.FalsePositives, Occurrence{
				Line:       lineNo,
				Pattern:    pattern,
				Text:       line,
				Suppressed: alsoFailure,
			})
		} else if pattern, ok := c.failure.Match(line); ok {
			result.Failures = append(result.Failures, Occurrence{
				Line:    lineNo,
				Pattern: pattern,
				Text:    line,
			})
		}

		if current != nil {
			current.Lines = append(current.Lines, line)
			if isFalse {
				current.Suppressed = true
			}
			if strings.Contains(line, traceEndMarker) {
				result.Traces = append(result.Traces, *current)
				current = nil
			}
		}
	}
	// an unterminated block runs to the end of the log
	if current != nil {
		result.Traces = append(result.Traces, *current)
	}

	if len(result.Failures) > 0 {
		result.Verdict = Fail
	}
	return result
}

// splitLines splits on LF without producing a trailing empty element for a
// final newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
