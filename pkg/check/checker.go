// Package check runs one dmesg-check invocation: resolve the pattern sets,
// read the kernel log, classify it, render the report and publish it.
package check

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/dmesg-check/pkg/classifier"
	"github.com/supporttools/dmesg-check/pkg/collector"
	"github.com/supporttools/dmesg-check/pkg/dmesg"
	"github.com/supporttools/dmesg-check/pkg/logger"
	"github.com/supporttools/dmesg-check/pkg/metrics"
	"github.com/supporttools/dmesg-check/pkg/patterns"
	"github.com/supporttools/dmesg-check/pkg/report"
	"github.com/supporttools/dmesg-check/pkg/types"
)

// Process exit codes.
const (
	ExitOK     = 0
	ExitConfig = 1
	ExitDmesg  = 2
	ExitUpload = 3
)

// ErrInvalidTarget is returned when the environment does not address a
// collector task and the run is not a dry run.
var ErrInvalidTarget = errors.New("invalid collector target")

// Outcome is everything a run produced, also on failure as far as it got.
type Outcome struct {
	Failure *patterns.Resolution
	False   *patterns.Resolution

	// Dmesg holds the exact bytes read, which are also the uploaded artifact.
	Dmesg   []byte
	Result  *classifier.Result
	Report  []byte
	Verdict classifier.Verdict

	// ResultURL is the result the artifacts were written under, if any.
	ResultURL string
}

// Checker runs the check. It is used once per process.
type Checker struct {
	config    *types.DmesgCheckConfig
	env       types.Environment
	resolver  *patterns.Resolver
	source    dmesg.Source
	collector collector.Collector
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option customizes a Checker.
type Option func(*Checker)

// WithSource overrides the dmesg source selected by the configuration.
func WithSource(source dmesg.Source) Option {
	return func(c *Checker) { c.source = source }
}

// WithCollector overrides the HTTP collector client.
func WithCollector(col collector.Collector) Option {
	return func(c *Checker) { c.collector = col }
}

// WithMetrics records the run into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Checker) { c.metrics = m }
}

// WithPatternReader overrides how pattern files are read (for testing).
func WithPatternReader(files patterns.FileReader) Option {
	return func(c *Checker) {
		c.resolver = patterns.NewResolverWithReader(c.env, c.config.Patterns, files)
	}
}

// New creates a Checker from a defaulted and validated configuration and an
// environment snapshot.
func New(config *types.DmesgCheckConfig, env types.Environment, opts ...Option) *Checker {
	c := &Checker{
		config:   config,
		env:      env,
		resolver: patterns.NewResolver(env, config.Patterns),
		source:   dmesg.NewSource(config.Dmesg),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs the check. A pattern configuration error aborts the run
// before dmesg is read or the collector is contacted. The returned error
// maps to an exit code through ExitCode.
func (c *Checker) Run(ctx context.Context) (*Outcome, error) {
	start := c.now()
	log := logger.Component("check")

	failure, falsePos := c.resolver.ResolveAll()
	outcome := &Outcome{Failure: failure, False: falsePos}
	for _, res := range []*patterns.Resolution{failure, falsePos} {
		if res.Err != nil {
			return outcome, res.Err
		}
	}

	var reporter *collector.Reporter
	if !c.config.Settings.DryRun {
		var err error
		reporter, err = c.newReporter()
		if err != nil {
			return outcome, err
		}
		if closer, ok := c.collector.(interface{ Close() error }); ok {
			defer closer.Close()
		}
	}

	data, err := c.source.Read(ctx)
	if err != nil {
		return outcome, err
	}
	outcome.Dmesg = data

	outcome.Result = classifier.New(failure.Set, falsePos.Set).Classify(data)
	outcome.Verdict = outcome.Result.Verdict
	outcome.Report = report.Format(outcome.Result, failure, falsePos)

	log.WithFields(logrus.Fields{
		"verdict":        outcome.Verdict,
		"lines":          outcome.Result.LinesScanned,
		"failures":       len(outcome.Result.Failures),
		"falsePositives": len(outcome.Result.FalsePositives),
		"traces":         len(outcome.Result.ReportedTraces()),
		"selectors":      report.Selectors(failure, falsePos),
	}).Info("Kernel log classified")

	var publishErr error
	if reporter != nil {
		publishErr = reporter.Publish(ctx, c.record(outcome), c.artifacts(outcome))
		outcome.ResultURL = reporter.ResultURL()
	}

	c.recordMetrics(outcome, publishErr, start)
	return outcome, publishErr
}

func (c *Checker) newReporter() (*collector.Reporter, error) {
	target := collector.TargetFromEnvironment(c.env)
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if c.collector == nil {
		client, err := collector.NewHTTPClient(c.config.Collector)
		if err != nil {
			return nil, err
		}
		c.collector = client
	}
	return collector.NewReporter(c.collector, target), nil
}

func (c *Checker) record(outcome *Outcome) collector.ResultRecord {
	return collector.ResultRecord{
		Path:           c.env.Get(types.EnvTestName) + "/" + c.config.Settings.CheckName,
		Result:         string(outcome.Verdict),
		Score:          "0",
		Message:        collector.Excerpt(outcome.Report),
		NoPlugins:      true,
		DisablePlugins: collector.DisabledPlugins(c.config.Collector.DisablePlugins, c.env),
	}
}

func (c *Checker) artifacts(outcome *Outcome) []collector.Artifact {
	return []collector.Artifact{
		{Name: c.config.Collector.ReportLogName, Data: outcome.Report},
		{Name: c.config.Collector.DmesgLogName, Data: outcome.Dmesg},
	}
}

func (c *Checker) recordMetrics(outcome *Outcome, publishErr error, start time.Time) {
	m := c.metrics
	if m == nil {
		return
	}

	res := outcome.Result
	m.LinesScanned.Add(float64(res.LinesScanned))
	m.MatchesTotal.WithLabelValues(patterns.Failure.Name).Add(float64(len(res.Failures)))
	m.MatchesTotal.WithLabelValues(patterns.False.Name).Add(float64(len(res.FalsePositives)))
	m.SuppressedFailures.Add(float64(res.SuppressedFailures()))
	m.TracesTotal.Add(float64(len(res.ReportedTraces())))
	m.SetVerdict(string(outcome.Verdict), string(classifier.Pass), string(classifier.Fail))

	var uploadErr *collector.UploadError
	errors.As(publishErr, &uploadErr)
	if uploadErr != nil && uploadErr.Submit != nil {
		m.UploadErrorsTotal.WithLabelValues("result").Inc()
	}
	if !c.config.Settings.DryRun {
		for _, a := range c.artifacts(outcome) {
			if uploadErr != nil && uploadErr.Failed(a.Name) {
				m.UploadErrorsTotal.WithLabelValues(a.Name).Inc()
				continue
			}
			m.UploadBytesTotal.WithLabelValues(a.Name).Add(float64(len(a.Data)))
		}
	}

	m.ObserveRun(start, c.now())

	if path := c.config.Metrics.TextfilePath; path != "" {
		if err := m.WriteTextfile(path); err != nil {
			logger.Component("check").WithError(err).Warn("Failed to write metrics")
		}
	}
}

// ExitCode maps an error returned by Run to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var cfgErr *patterns.ConfigurationError
	var readErr *dmesg.ReadError
	var uploadErr *collector.UploadError
	switch {
	case errors.As(err, &cfgErr), errors.Is(err, ErrInvalidTarget):
		return ExitConfig
	case errors.As(err, &readErr):
		return ExitDmesg
	case errors.As(err, &uploadErr):
		return ExitUpload
	default:
		return ExitConfig
	}
}
