package check

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/dmesg-check/pkg/classifier"
	"github.com/supporttools/dmesg-check/pkg/collector"
	"github.com/supporttools/dmesg-check/pkg/collector/stub"
	"github.com/supporttools/dmesg-check/pkg/dmesg"
	"github.com/supporttools/dmesg-check/pkg/metrics"
	"github.com/supporttools/dmesg-check/pkg/patterns"
	"github.com/supporttools/dmesg-check/pkg/types"
	"github.com/supporttools/dmesg-check/pkg/util"
)

const failingDmesg = "[    0.000000] Linux version 5.14.0\n" +
	"[    2.100000] ACPI: BIOS BUG: bogus table\n" +
	"[   31.000000] kernel BUG at mm/slub.c:3601!\n" +
	"[   32.000000] NMI appears to be stuck (0->1)!\n"

func testConfig(t *testing.T) *types.DmesgCheckConfig {
	t.Helper()
	cfg, err := util.DefaultConfig()
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Patterns.FailureFile = filepath.Join(dir, "failurestrings")
	cfg.Patterns.FalseFile = filepath.Join(dir, "falsestrings")
	return cfg
}

func taskEnv(serverURL string, extra map[string]string) types.Environment {
	vars := map[string]string{
		"RECIPE_URL": serverURL + "/recipes/1",
		"TASKID":     "7",
		"TEST":       "/kernel/smoke",
	}
	for k, v := range extra {
		vars[k] = v
	}
	return types.NewEnvironment(vars)
}

func newStub(t *testing.T) (*stub.Server, *httptest.Server) {
	t.Helper()
	s := stub.New("")
	server := httptest.NewServer(s.Handler())
	t.Cleanup(server.Close)
	return s, server
}

func TestRunPublishesFailure(t *testing.T) {
	s, server := newStub(t)
	cfg := testConfig(t)

	checker := New(cfg, taskEnv(server.URL, nil),
		WithSource(dmesg.NewReaderSource("fixture", strings.NewReader(failingDmesg))))
	outcome, err := checker.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, classifier.Fail, outcome.Verdict)
	assert.Equal(t, server.URL+"/recipes/1/tasks/7/results/1", outcome.ResultURL)

	results := s.Results("1", "7")
	require.Len(t, results, 1)
	form := results[0].Form
	assert.Equal(t, "/kernel/smoke/10_dmesg_check", form.Get("path"))
	assert.Equal(t, "FAIL", form.Get("result"))
	assert.Equal(t, "0", form.Get("score"))
	assert.Equal(t, "true", form.Get("no_plugins"))
	assert.Equal(t, string(outcome.Report), form.Get("message"))

	report, ok := s.Log("1", "7", types.DefaultReportLogName)
	require.True(t, ok)
	if diff := cmp.Diff(string(outcome.Report), string(report)); diff != "" {
		t.Errorf("uploaded report mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, strings.HasPrefix(string(report),
		"[   31.000000] kernel BUG at mm/slub.c:3601!\n"+
			"[   32.000000] NMI appears to be stuck (0->1)!\n"+
			"[   31.000000] kernel BUG at mm/slub.c:3601!\n"+
			"====="), "report:\n%s", report)

	raw, ok := s.Log("1", "7", types.DefaultDmesgLogName)
	require.True(t, ok)
	assert.Equal(t, []byte(failingDmesg), raw, "the raw log must be uploaded byte for byte")
}

func TestRunPass(t *testing.T) {
	s, server := newStub(t)

	outcome, err := New(testConfig(t), taskEnv(server.URL, nil),
		WithSource(dmesg.NewReaderSource("fixture", strings.NewReader("all quiet\n")))).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, classifier.Pass, outcome.Verdict)
	assert.Equal(t, "PASS", s.Results("1", "7")[0].Form.Get("result"))
}

func TestRunUsesExistingResult(t *testing.T) {
	s, server := newStub(t)
	resultURL := server.URL + "/recipes/1/tasks/7/results/42"

	outcome, err := New(testConfig(t), taskEnv(server.URL, map[string]string{"RSTRNT_RESULT_URL": resultURL}),
		WithSource(dmesg.NewReaderSource("fixture", strings.NewReader(failingDmesg)))).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, resultURL, outcome.ResultURL)
	assert.Empty(t, s.Results("1", "7"), "no new result is created")
	for _, u := range s.Uploads() {
		assert.Equal(t, "42", u.Result)
	}
}

func TestRunDisablesAVCCheckFromEnvironment(t *testing.T) {
	s, server := newStub(t)
	cfg := testConfig(t)
	cfg.Collector.DisablePlugins = []string{"20_avc_clear"}

	_, err := New(cfg, taskEnv(server.URL, map[string]string{"AVC_ERROR": "+no_avc_check"}),
		WithSource(dmesg.NewReaderSource("fixture", strings.NewReader("all quiet\n")))).Run(context.Background())
	require.NoError(t, err)

	results := s.Results("1", "7")
	require.Len(t, results, 1)
	assert.Equal(t, "20_avc_clear 10_avc_check", results[0].Form.Get("disable_plugin"))
	assert.Equal(t, []string{"20_avc_clear"}, cfg.Collector.DisablePlugins)
}

// countingSource counts reads and always fails them.
type countingSource struct{ reads int }

func (c *countingSource) Read(context.Context) ([]byte, error) {
	c.reads++
	return nil, errors.New("unexpected read")
}

func (c *countingSource) Describe() string { return "counting" }

func TestRunAbortsOnBadPatterns(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	src := &countingSource{}
	outcome, err := New(testConfig(t), taskEnv(server.URL, map[string]string{"FALSESTRINGS": "BIOS (BUG"}),
		WithSource(src)).Run(context.Background())

	var cfgErr *patterns.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "FALSESTRINGS", cfgErr.Channel)
	assert.Equal(t, ExitConfig, ExitCode(err))
	assert.Equal(t, 0, src.reads, "dmesg must not be read")
	assert.Equal(t, 0, hits, "the collector must not be contacted")
	assert.Nil(t, outcome.Report)
}

func TestRunInvalidTarget(t *testing.T) {
	src := &countingSource{}
	_, err := New(testConfig(t), types.NewEnvironment(nil), WithSource(src)).Run(context.Background())

	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Equal(t, ExitConfig, ExitCode(err))
	assert.Equal(t, 0, src.reads)
}

func TestRunDmesgFailure(t *testing.T) {
	_, server := newStub(t)
	cfg := testConfig(t)
	cfg.Dmesg.Path = filepath.Join(t.TempDir(), "missing.log")

	_, err := New(cfg, taskEnv(server.URL, nil)).Run(context.Background())

	var readErr *dmesg.ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, ExitDmesg, ExitCode(err))
}

func TestRunUploadFailure(t *testing.T) {
	s, server := newStub(t)
	s.FailLog(types.DefaultReportLogName, http.StatusInternalServerError)

	outcome, err := New(testConfig(t), taskEnv(server.URL, nil),
		WithSource(dmesg.NewReaderSource("fixture", strings.NewReader(failingDmesg)))).Run(context.Background())

	var uploadErr *collector.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.True(t, uploadErr.Failed(types.DefaultReportLogName))
	assert.Equal(t, ExitUpload, ExitCode(err))

	// the verdict and the other artifact still made it
	assert.Equal(t, classifier.Fail, outcome.Verdict)
	_, ok := s.Log("1", "7", types.DefaultDmesgLogName)
	assert.True(t, ok)
}

func TestRunSubmitFailureKeepsLogsOnTask(t *testing.T) {
	s, server := newStub(t)
	s.FailResults(http.StatusServiceUnavailable)

	_, err := New(testConfig(t), taskEnv(server.URL, nil),
		WithSource(dmesg.NewReaderSource("fixture", strings.NewReader(failingDmesg)))).Run(context.Background())

	assert.Equal(t, ExitUpload, ExitCode(err))
	raw, ok := s.Log("1", "7", types.DefaultDmesgLogName)
	require.True(t, ok)
	assert.Equal(t, failingDmesg, string(raw))
	for _, u := range s.Uploads() {
		assert.Empty(t, u.Result, "uploads go to the task when no result exists")
	}
}

func TestRunDryRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings.DryRun = true

	outcome, err := New(cfg, types.NewEnvironment(nil),
		WithSource(dmesg.NewReaderSource("fixture", strings.NewReader(failingDmesg)))).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, classifier.Fail, outcome.Verdict)
	assert.Empty(t, outcome.ResultURL)
	assert.Contains(t, string(outcome.Report), "Used Default FAILURESTRINGS and Default FALSESTRINGS")
}

func TestRunPatternFilesAndReader(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings.DryRun = true
	require.NoError(t, os.WriteFile(cfg.Patterns.FailureFile, []byte("Linux version\n"), 0644))

	outcome, err := New(cfg, types.NewEnvironment(nil),
		WithSource(dmesg.NewReaderSource("fixture", strings.NewReader(failingDmesg)))).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, patterns.SourceFile, outcome.Failure.Source.Kind)
	require.Len(t, outcome.Result.Failures, 1)
	assert.Equal(t, 1, outcome.Result.Failures[0].Line)
}

func TestRunRecordsMetrics(t *testing.T) {
	_, server := newStub(t)
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.TextfilePath = filepath.Join(t.TempDir(), "dmesg_check.prom")

	m, err := metrics.FromConfig(cfg.Metrics)
	require.NoError(t, err)

	_, err = New(cfg, taskEnv(server.URL, nil), WithMetrics(m),
		WithSource(dmesg.NewReaderSource("fixture", strings.NewReader(failingDmesg)))).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.LinesScanned))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MatchesTotal.WithLabelValues("FAILURESTRINGS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MatchesTotal.WithLabelValues("FALSESTRINGS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SuppressedFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verdict.WithLabelValues("FAIL")))
	assert.Equal(t, float64(len(failingDmesg)), testutil.ToFloat64(m.UploadBytesTotal.WithLabelValues(types.DefaultDmesgLogName)))

	data, err := os.ReadFile(cfg.Metrics.TextfilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dmesg_check_verdict")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{&patterns.ConfigurationError{Channel: "FAILURESTRINGS", Err: errors.New("x")}, ExitConfig},
		{fmt.Errorf("wrapped: %w", ErrInvalidTarget), ExitConfig},
		{&dmesg.ReadError{Source: "command dmesg", Err: errors.New("x")}, ExitDmesg},
		{&collector.UploadError{Submit: errors.New("x")}, ExitUpload},
		{errors.New("unknown"), ExitConfig},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}
