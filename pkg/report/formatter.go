// Package report renders a classification and its pattern provenance into
// the canonical dmesg-check report text. The layout is consumed by
// downstream tooling and must stay byte-for-byte stable.
package report

import (
	"bytes"

	"github.com/supporttools/dmesg-check/pkg/classifier"
	"github.com/supporttools/dmesg-check/pkg/patterns"
)

// Separator delimits the report sections.
const Separator = "===================================================="

// Format renders the report. On FAIL the unsuppressed trace blocks and the
// failure lines come first, followed by the first failure line once more;
// the selector and pattern sections are always present.
func Format(result *classifier.Result, failure, falsePos *patterns.Resolution) []byte {
	var b bytes.Buffer

	if result != nil && result.Verdict == classifier.Fail {
		for _, trace := range result.ReportedTraces() {
			for _, line := range trace.Lines {
				writeLine(&b, line)
			}
		}
		for _, occ := range result.Failures {
			writeLine(&b, occ.Text)
		}
		if confirm, ok := result.Confirmation(); ok {
			writeLine(&b, confirm.Text)
		}
	}

	writeLine(&b, Separator)
	writeLine(&b, "DMESG Selectors:")
	writeLine(&b, Selectors(failure, falsePos))
	writeLine(&b, Separator)
	writeChannel(&b, failure)
	writeLine(&b, Separator)
	writeChannel(&b, falsePos)
	writeLine(&b, Separator)

	return b.Bytes()
}

// Selectors returns the "Used ... and ..." provenance line without its newline.
func Selectors(failure, falsePos *patterns.Resolution) string {
	return "Used " + failure.Selector() + " and " + falsePos.Selector()
}

func writeChannel(b *bytes.Buffer, res *patterns.Resolution) {
	writeLine(b, res.Channel.Name+": "+res.Set.String())

	switch {
	case res.File.Found:
		writeLine(b, res.Channel.FileLabel+" file found and contains:")
		b.Write(res.File.Contents)
		if len(res.File.Contents) > 0 && res.File.Contents[len(res.File.Contents)-1] != '\n' {
			b.WriteByte('\n')
		}
	case res.File.Err != nil:
		writeLine(b, res.Channel.FileLabel+" file could not be read: "+res.File.Err.Error())
	default:
		writeLine(b, res.Channel.FileLabel+" file not found.")
	}
}

func writeLine(b *bytes.Buffer, s string) {
	b.WriteString(s)
	b.WriteByte('\n')
}
