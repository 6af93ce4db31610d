package collector

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoResult is returned by UploadLog before a result URL is known.
	ErrNoResult = errors.New("no result has been recorded for this task yet")

	// ErrResultExists is returned by SubmitResult once a result URL is known.
	ErrResultExists = errors.New("result already recorded for this invocation")

	// ErrComplete is returned for uploads after Publish has finished.
	ErrComplete = errors.New("reporter has already published its artifacts")
)

// HTTPError represents a non-2xx collector response.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // For 429 responses
}

func (e *HTTPError) Error() string {
	return e.Message
}

// IsRetryable returns true for 5xx, 408 and 429 responses.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
}

// NetworkError represents a transport failure.
type NetworkError struct {
	Message string
	Cause   error
}

func (e *NetworkError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true since network errors are typically transient
func (e *NetworkError) IsRetryable() bool {
	return true
}

// TimeoutError represents a request that exceeded the client timeout.
type TimeoutError struct {
	Message string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s after %v", e.Message, e.Timeout)
}

// IsRetryable returns true since timeouts are typically transient
func (e *TimeoutError) IsRetryable() bool {
	return true
}

// RetryableError is implemented by errors that can be retried
type RetryableError interface {
	error
	IsRetryable() bool
}

// ArtifactFailure records one artifact that did not reach the collector.
type ArtifactFailure struct {
	Name string
	URL  string
	Err  error
}

// UploadError aggregates every step that failed during Publish.
type UploadError struct {
	// Submit is set when the result record could not be created.
	Submit error

	Artifacts []ArtifactFailure
}

func (e *UploadError) Error() string {
	var parts []string
	if e.Submit != nil {
		parts = append(parts, "submit result: "+e.Submit.Error())
	}
	for _, a := range e.Artifacts {
		parts = append(parts, fmt.Sprintf("upload %s: %v", a.Name, a.Err))
	}
	if len(parts) == 0 {
		return "upload failed"
	}
	return strings.Join(parts, "; ")
}

// Unwrap exposes the underlying errors to errors.Is and errors.As.
func (e *UploadError) Unwrap() []error {
	var errs []error
	if e.Submit != nil {
		errs = append(errs, e.Submit)
	}
	for _, a := range e.Artifacts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Failed reports whether the named artifact failed to upload.
func (e *UploadError) Failed(name string) bool {
	for _, a := range e.Artifacts {
		if a.Name == name {
			return true
		}
	}
	return false
}
