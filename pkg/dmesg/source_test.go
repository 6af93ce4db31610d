package dmesg

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/dmesg-check/pkg/types"
)

func TestFileSourceReturnsExactBytes(t *testing.T) {
	// no trailing newline, CRLF and a NUL must survive untouched
	content := []byte("[    0.0] Linux version\r\nOops\x00tail")
	path := filepath.Join(t.TempDir(), "dmesg.log")
	require.NoError(t, os.WriteFile(path, content, 0644))

	src := NewFileSource(path)
	got, err := src.Read(context.Background())

	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, "file "+path, src.Describe())
}

func TestFileSourceErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "absent")},
		{"directory", dir},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFileSource(tt.path).Read(context.Background())
			var readErr *ReadError
			require.ErrorAs(t, err, &readErr)
			assert.Contains(t, readErr.Source, tt.path)
		})
	}
}

func TestFileSourceCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFileSource("/does/not/matter").Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("pipe closed")
}

func TestReaderSource(t *testing.T) {
	src := NewReaderSource("stdin", strings.NewReader("line one\nline two\n"))
	got, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(got))
	assert.Equal(t, "stdin", src.Describe())

	_, err = NewReaderSource("stdin", failingReader{}).Read(context.Background())
	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Contains(t, err.Error(), "pipe closed")
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandSourceCapturesStdoutOnly(t *testing.T) {
	requireShell(t)

	src := NewCommandSource("sh", []string{"-c", "printf 'kernel line\\n'; echo noise >&2"}, 5*time.Second)
	got, err := src.Read(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "kernel line\n", string(got))
	assert.Equal(t, "command sh -c printf 'kernel line\\n'; echo noise >&2", src.Describe())
}

func TestCommandSourceFailure(t *testing.T) {
	requireShell(t)

	src := NewCommandSource("sh", []string{"-c", "echo 'dmesg: read kernel buffer failed: Operation not permitted' >&2; exit 1"}, 5*time.Second)
	_, err := src.Read(context.Background())

	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Contains(t, err.Error(), "Operation not permitted")
}

func TestCommandSourceTimeout(t *testing.T) {
	requireShell(t)

	src := NewCommandSource("sh", []string{"-c", "exec sleep 5"}, 50*time.Millisecond)
	_, err := src.Read(context.Background())

	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandSourceMissingBinary(t *testing.T) {
	_, err := NewCommandSource("dmesg-check-no-such-binary", nil, time.Second).Read(context.Background())
	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
}

func TestNewCommandSourceDefaultsToDmesg(t *testing.T) {
	assert.Equal(t, "command dmesg", NewCommandSource("", nil, 0).Describe())
}

func TestNewSource(t *testing.T) {
	tests := []struct {
		name string
		cfg  types.DmesgConfig
		want string
	}{
		{"stdin", types.DmesgConfig{Path: "-", Command: "dmesg"}, "stdin"},
		{"path wins over command", types.DmesgConfig{Path: "/tmp/dmesg.txt", Command: "dmesg"}, "file /tmp/dmesg.txt"},
		{"command with args", types.DmesgConfig{Command: "journalctl", Args: []string{"-k"}}, "command journalctl -k"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewSource(tt.cfg).Describe())
		})
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, _ = b.Write([]byte("h"))
	assert.Equal(t, 1, n)
	assert.Equal(t, "abcd", b.String())
}
