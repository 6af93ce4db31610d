package patterns

import "github.com/supporttools/dmesg-check/pkg/types"

// Channel describes one classification channel: the environment variables
// that configure it, its display labels and its hardcoded default patterns.
type Channel struct {
	// Name is the override variable and the label used in the report, e.g. FAILURESTRINGS.
	Name string

	// FileEnv names the variable holding the pattern file path.
	FileEnv string

	// FileLabel prefixes the file provenance lines, e.g. "FailureStrings file found".
	FileLabel string

	// FileSelector is how the file tier is named on the selector line.
	FileSelector string

	// Defaults are used when neither the variable nor the file supplies patterns.
	Defaults []string
}

// Failure is the channel whose matches fail the check.
var Failure = Channel{
	Name:         types.EnvFailureStrings,
	FileEnv:      types.EnvFailureFile,
	FileLabel:    "FailureStrings",
	FileSelector: "failurestrings file",
	Defaults: []string{
		`\bOops\b`,
		`\bBUG\b`,
		`NMI appears to be stuck`,
		`Badness at`,
	},
}

// False is the channel whose matches exempt a line from failure matching.
var False = Channel{
	Name:         types.EnvFalseStrings,
	FileEnv:      types.EnvFalseFile,
	FileLabel:    "FalseStrings",
	FileSelector: "falsestrings file",
	Defaults: []string{
		`BIOS BUG`,
		`DEBUG`,
		`mapping multiple BARs.*IBM System X3250 M4`,
	},
}

// defaultsCopy returns a copy of the channel defaults so callers cannot
// mutate the package-level slices.
func (c Channel) defaultsCopy() []string {
	out := make([]string, len(c.Defaults))
	copy(out, c.Defaults)
	return out
}

// String returns the channel name.
func (c Channel) String() string {
	return c.Name
}
