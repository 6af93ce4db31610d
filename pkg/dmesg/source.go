// Package dmesg acquires the kernel log text that dmesg-check scans. The
// bytes a Source returns are the bytes that are classified and uploaded.
package dmesg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/dmesg-check/pkg/logger"
	"github.com/supporttools/dmesg-check/pkg/types"
)

// maxStderrSize bounds how much command stderr is kept for error messages.
const maxStderrSize = 64 * 1024

// Source produces the full kernel log for one run.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	Describe() string
}

// ReadError reports that the kernel log could not be acquired.
type ReadError struct {
	Source string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read dmesg from %s: %v", e.Source, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// NewSource returns the Source selected by cfg. Path wins over Command and
// a Path of "-" reads standard input.
func NewSource(cfg types.DmesgConfig) Source {
	switch {
	case cfg.Path == "-":
		return NewReaderSource("stdin", os.Stdin)
	case cfg.Path != "":
		return NewFileSource(cfg.Path)
	default:
		return NewCommandSource(cfg.Command, cfg.Args, cfg.Timeout)
	}
}

// FileSource reads a saved dmesg capture.
type FileSource struct {
	path string
}

// NewFileSource creates a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Describe() string {
	return "file " + s.path
}

func (s *FileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ReadError{Source: s.Describe(), Err: err}
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, &ReadError{Source: s.Describe(), Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &ReadError{Source: s.Describe(), Err: err}
	}
	if info.IsDir() {
		return nil, &ReadError{Source: s.Describe(), Err: fmt.Errorf("%s is a directory", s.path)}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &ReadError{Source: s.Describe(), Err: err}
	}
	logRead(s, len(data))
	return data, nil
}

// ReaderSource reads everything from an io.Reader, such as standard input.
type ReaderSource struct {
	name string
	r    io.Reader
}

// NewReaderSource creates a ReaderSource. name is used in logs and errors.
func NewReaderSource(name string, r io.Reader) *ReaderSource {
	return &ReaderSource{name: name, r: r}
}

func (s *ReaderSource) Describe() string {
	return s.name
}

func (s *ReaderSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ReadError{Source: s.Describe(), Err: err}
	}
	data, err := io.ReadAll(s.r)
	if err != nil {
		return nil, &ReadError{Source: s.Describe(), Err: err}
	}
	logRead(s, len(data))
	return data, nil
}

// CommandSource runs a command, by default dmesg, and captures its stdout.
// Stderr is kept only to explain failures.
type CommandSource struct {
	command string
	args    []string
	timeout time.Duration
}

// NewCommandSource creates a CommandSource. A non-positive timeout means the
// command is bounded only by the caller's context.
func NewCommandSource(command string, args []string, timeout time.Duration) *CommandSource {
	if command == "" {
		command = types.DefaultDmesgCommand
	}
	return &CommandSource{command: command, args: args, timeout: timeout}
}

func (s *CommandSource) Describe() string {
	if len(s.args) == 0 {
		return "command " + s.command
	}
	return "command " + s.command + " " + strings.Join(s.args, " ")
}

func (s *CommandSource) Read(ctx context.Context) ([]byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var stdout bytes.Buffer
	stderr := limitedBuffer{limit: maxStderrSize}

	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children that inherit the output pipes must not hold Run open past a kill
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %v: %w", s.timeout, ctx.Err())
		} else if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, &ReadError{Source: s.Describe(), Err: err}
	}

	logRead(s, stdout.Len())
	return stdout.Bytes(), nil
}

func logRead(s Source, n int) {
	logger.Component("dmesg").WithFields(logrus.Fields{
		"source": s.Describe(),
		"bytes":  n,
	}).Debug("Read kernel log")
}

// limitedBuffer stops accepting writes after reaching a size limit
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if remaining < len(p) {
		b.Buffer.Write(p[:remaining])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
