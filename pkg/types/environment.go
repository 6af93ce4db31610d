package types

import (
	"os"
	"strings"
)

// Environment variables read by dmesg-check.
const (
	EnvFailureStrings = "FAILURESTRINGS"
	EnvFalseStrings   = "FALSESTRINGS"
	EnvFailureFile    = "FAILUREFILENM"
	EnvFalseFile      = "FALSEFILENM"
	EnvResultURL      = "RSTRNT_RESULT_URL"
	EnvRecipeURL      = "RECIPE_URL"
	EnvTaskID         = "TASKID"
	EnvHarnessPrefix  = "HARNESS_PREFIX"
	EnvTestName       = "TEST"
	EnvAVCError       = "AVC_ERROR"
)

// Environment is an immutable snapshot of the variables handed to the plugin
// by the harness. Components receive it explicitly instead of calling
// os.Getenv so they can be exercised without mutating the process environment.
type Environment struct {
	vars map[string]string
}

// NewEnvironment builds an Environment from a key/value map.
func NewEnvironment(vars map[string]string) Environment {
	copied := make(map[string]string, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return Environment{vars: copied}
}

// EnvironmentFromOS snapshots the current process environment.
func EnvironmentFromOS() Environment {
	return EnvironmentFromList(os.Environ())
}

// EnvironmentFromList parses KEY=VALUE entries as returned by os.Environ.
// Entries without '=' are ignored.
func EnvironmentFromList(entries []string) Environment {
	vars := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		vars[key] = value
	}
	return Environment{vars: vars}
}

// Lookup reports the value of key and whether it is set. A variable set to
// the empty string is reported as set.
func (e Environment) Lookup(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Get returns the value of key, or "" when unset.
func (e Environment) Get(key string) string {
	return e.vars[key]
}

// Prefixed looks up HARNESS_PREFIX+key, the convention the harness uses when
// several harness instances share one environment.
func (e Environment) Prefixed(key string) (string, bool) {
	return e.Lookup(e.Get(EnvHarnessPrefix) + key)
}
