package collector

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/dmesg-check/pkg/logger"
)

// State is the reporter's position in NoResult -> HasResult -> Complete.
type State int

const (
	StateNoResult State = iota
	StateHasResult
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateNoResult:
		return "NoResult"
	case StateHasResult:
		return "HasResult"
	case StateComplete:
		return "Complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reporter publishes one invocation's result and artifacts. A result is
// created at most once; logs are written under the known result. It is not
// safe for concurrent use.
type Reporter struct {
	collector Collector
	target    Target
	state     State
	resultURL string
}

// NewReporter creates a reporter. When the target already carries a result
// URL the reporter starts in StateHasResult.
func NewReporter(collector Collector, target Target) *Reporter {
	r := &Reporter{collector: collector, target: target}
	if target.ResultURL != "" {
		r.resultURL = target.ResultURL
		r.state = StateHasResult
	}
	return r
}

// State returns the current state.
func (r *Reporter) State() State {
	return r.state
}

// ResultURL returns the result logs are written under, or "".
func (r *Reporter) ResultURL() string {
	return r.resultURL
}

// SubmitResult creates the result record and moves to StateHasResult.
func (r *Reporter) SubmitResult(ctx context.Context, record ResultRecord) error {
	if r.state != StateNoResult {
		return ErrResultExists
	}

	resultsURL, err := r.target.ResultsURL()
	if err != nil {
		return err
	}

	location, err := r.collector.CreateResult(ctx, resultsURL, record)
	if err != nil {
		return err
	}

	r.resultURL = location
	r.state = StateHasResult

	logger.Component("reporter").WithFields(logrus.Fields{
		"path":   record.Path,
		"result": record.Result,
		"url":    location,
	}).Info("Result recorded")
	return nil
}

// UploadLog writes an artifact under the current result.
func (r *Reporter) UploadLog(ctx context.Context, name string, data []byte) error {
	switch r.state {
	case StateNoResult:
		return ErrNoResult
	case StateComplete:
		return ErrComplete
	}
	return r.put(ctx, LogURL(r.resultURL, name), name, data)
}

// UploadTaskLog writes an artifact under the task rather than a result, for
// logs that must be kept when no result exists.
func (r *Reporter) UploadTaskLog(ctx context.Context, name string, data []byte) error {
	if r.state == StateComplete {
		return ErrComplete
	}
	taskURL, err := r.target.TaskURL()
	if err != nil {
		return err
	}
	return r.put(ctx, LogURL(taskURL, name), name, data)
}

func (r *Reporter) put(ctx context.Context, logURL, name string, data []byte) error {
	if err := r.collector.PutLog(ctx, logURL, data); err != nil {
		return err
	}
	logger.Component("reporter").WithFields(logrus.Fields{
		"artifact": name,
		"bytes":    len(data),
		"url":      logURL,
	}).Info("Log uploaded")
	return nil
}

// Publish records the result if none is known yet, then uploads every
// artifact, continuing past individual failures. All failures are returned
// in an *UploadError. When the result cannot be created the artifacts go to
// the task-level logs instead so the evidence survives. The reporter is
// Complete afterwards.
func (r *Reporter) Publish(ctx context.Context, record ResultRecord, artifacts []Artifact) error {
	if r.state == StateComplete {
		return ErrComplete
	}

	uploadErr := &UploadError{}

	if r.state == StateNoResult {
		if err := r.SubmitResult(ctx, record); err != nil {
			uploadErr.Submit = err
			logger.Component("reporter").WithError(err).Error("Failed to record result, saving logs on the task")

			for _, a := range artifacts {
				if err := r.UploadTaskLog(ctx, a.Name, a.Data); err != nil {
					uploadErr.Artifacts = append(uploadErr.Artifacts, ArtifactFailure{Name: a.Name, Err: err})
				}
			}
			r.state = StateComplete
			return uploadErr
		}
	}

	for _, a := range artifacts {
		logURL := LogURL(r.resultURL, a.Name)
		if err := r.UploadLog(ctx, a.Name, a.Data); err != nil {
			logger.Component("reporter").WithError(err).WithField("artifact", a.Name).Error("Failed to upload log")
			uploadErr.Artifacts = append(uploadErr.Artifacts, ArtifactFailure{Name: a.Name, URL: logURL, Err: err})
		}
	}
	r.state = StateComplete

	if len(uploadErr.Artifacts) > 0 {
		return uploadErr
	}
	return nil
}
