// Package patterns resolves the failure and false-positive pattern sets used
// to classify a dmesg log.
//
// Each channel is resolved independently with a fixed precedence:
//
//  1. the channel variable (FAILURESTRINGS / FALSESTRINGS), when set at all;
//  2. the pattern file named by FAILUREFILENM / FALSEFILENM (or the configured
//     default path), when it has at least one non-blank line;
//  3. the channel's hardcoded defaults.
//
// The pattern file is read whenever it exists so its contents can be echoed in
// the report even when the variable took precedence.
package patterns

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/dmesg-check/pkg/logger"
	"github.com/supporttools/dmesg-check/pkg/types"
)

// SourceKind identifies the tier a pattern set was taken from.
type SourceKind int

const (
	SourceDefault SourceKind = iota
	SourceFile
	SourceEnvironment
)

func (k SourceKind) String() string {
	switch k {
	case SourceEnvironment:
		return "environment"
	case SourceFile:
		return "file"
	default:
		return "default"
	}
}

// PatternSource describes where the active set came from.
type PatternSource struct {
	Kind SourceKind

	// Path is the designated pattern file, whether or not it was used.
	Path string
}

// FileState is what the resolver found at the designated pattern file path.
type FileState struct {
	Found bool

	// Contents is the verbatim file text when Found.
	Contents []byte

	// Err is set when the file exists but could not be read.
	Err error
}

// Resolution is the outcome of resolving one channel.
type Resolution struct {
	Channel Channel
	Set     PatternSet
	Source  PatternSource
	File    FileState

	// Err is a *ConfigurationError when the selected patterns do not compile.
	Err error
}

// Selector is the provenance phrase used on the report's "Used ... and ..." line.
func (r *Resolution) Selector() string {
	switch r.Source.Kind {
	case SourceEnvironment:
		return r.Channel.Name + " Environment Variable"
	case SourceFile:
		return r.Channel.FileSelector
	default:
		return "Default " + r.Channel.Name
	}
}

// ConfigurationError reports a pattern set that could not be compiled.
type ConfigurationError struct {
	Channel string
	Source  SourceKind
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s patterns from %s: %v", e.Channel, e.Source, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// FileReader abstracts pattern file access for testability.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// osFileReader opens the file once and always closes it, including on read errors.
type osFileReader struct{}

func (osFileReader) ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return io.ReadAll(f)
}

// Resolver resolves pattern channels from an explicit environment snapshot.
type Resolver struct {
	env    types.Environment
	config types.PatternsConfig
	files  FileReader
}

// NewResolver creates a resolver reading pattern files from disk.
func NewResolver(env types.Environment, config types.PatternsConfig) *Resolver {
	return NewResolverWithReader(env, config, osFileReader{})
}

// NewResolverWithReader creates a resolver with a custom file reader (for testing).
func NewResolverWithReader(env types.Environment, config types.PatternsConfig, files FileReader) *Resolver {
	return &Resolver{env: env, config: config, files: files}
}

// ResolveAll resolves the failure and false channels. Each resolution carries
// its own error; a broken channel does not prevent the other from resolving.
func (r *Resolver) ResolveAll() (failure, falsePos *Resolution) {
	return r.Resolve(Failure), r.Resolve(False)
}

// Resolve resolves a single channel.
func (r *Resolver) Resolve(ch Channel) *Resolution {
	res := &Resolution{
		Channel: ch,
		Source:  PatternSource{Path: r.filePath(ch)},
	}
	res.File = r.readFile(res.Source.Path)

	var selected []string
	if value, ok := r.env.Lookup(ch.Name); ok {
		res.Source.Kind = SourceEnvironment
		selected = splitVariable(value)
	} else if lines := fileLines(res.File); len(lines) > 0 {
		res.Source.Kind = SourceFile
		selected = lines
	} else {
		res.Source.Kind = SourceDefault
		selected = ch.defaultsCopy()
	}

	set, err := NewPatternSet(selected)
	if err != nil {
		res.Err = &ConfigurationError{Channel: ch.Name, Source: res.Source.Kind, Err: err}
		res.Set = PatternSet{patterns: selected}
	} else {
		res.Set = set
	}

	entry := logger.Component("resolver").WithFields(logrus.Fields{
		"channel":  ch.Name,
		"source":   res.Source.Kind.String(),
		"file":     res.Source.Path,
		"found":    res.File.Found,
		"patterns": res.Set.String(),
	})
	if res.File.Err != nil {
		entry.WithError(res.File.Err).Warn("Pattern file could not be read, ignoring it")
	}
	if res.Err != nil {
		entry.WithError(res.Err).Error("Pattern set failed to compile")
	} else {
		entry.Debug("Resolved pattern set")
	}

	return res
}

// filePath returns the designated file: the file variable when set, otherwise
// the configured default path.
func (r *Resolver) filePath(ch Channel) string {
	if path, ok := r.env.Lookup(ch.FileEnv); ok && path != "" {
		return path
	}
	switch ch.Name {
	case Failure.Name:
		return r.config.FailureFile
	case False.Name:
		return r.config.FalseFile
	}
	return ""
}

func (r *Resolver) readFile(path string) FileState {
	if path == "" {
		return FileState{}
	}
	data, err := r.files.ReadFile(path)
	switch {
	case err == nil:
		return FileState{Found: true, Contents: data}
	case errors.Is(err, fs.ErrNotExist):
		return FileState{}
	default:
		return FileState{Err: err}
	}
}

// splitVariable splits a '|'-joined variable value. The empty string yields
// an empty set rather than one empty pattern that would match every line.
func splitVariable(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, "|")
}

// fileLines returns the non-blank lines of a pattern file.
func fileLines(state FileState) []string {
	if !state.Found {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(string(state.Contents), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
