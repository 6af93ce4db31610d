// Package collector publishes dmesg-check results and logs to the harness
// result collector over HTTP.
package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/dmesg-check/pkg/logger"
	"github.com/supporttools/dmesg-check/pkg/types"
)

// Collector is the minimal contract the reporter needs from the collector:
// create a result record, and write a log under some record.
type Collector interface {
	// CreateResult posts record to resultsURL and returns the new result URL.
	CreateResult(ctx context.Context, resultsURL string, record ResultRecord) (string, error)

	// PutLog writes data to logURL, replacing any previous content.
	PutLog(ctx context.Context, logURL string, data []byte) error
}

// HTTPClient talks to the collector's HTTP API.
type HTTPClient struct {
	client    *http.Client
	config    types.CollectorConfig
	chunkSize int
}

var _ Collector = (*HTTPClient)(nil)

// NewHTTPClient creates a client from an already defaulted CollectorConfig.
func NewHTTPClient(config types.CollectorConfig) (*HTTPClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid collector config: %w", err)
	}

	client := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: config.Timeout,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          4,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	return &HTTPClient{
		client:    client,
		config:    config,
		chunkSize: config.ChunkSize,
	}, nil
}

// CreateResult posts the record form and returns the absolute URL from the
// Location header, without a trailing slash. The POST is not idempotent, so it
// is only repeated when the connection could not be established.
func (c *HTTPClient) CreateResult(ctx context.Context, resultsURL string, record ResultRecord) (string, error) {
	body := record.Form().Encode()

	header, err := c.send(ctx, "create result", isDialError, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, resultsURL, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	location := header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("collector did not return a Location for the new result")
	}

	base, err := url.Parse(resultsURL)
	if err != nil {
		return "", fmt.Errorf("invalid results url %q: %w", resultsURL, err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid Location %q: %w", location, err)
	}
	return strings.TrimSuffix(base.ResolveReference(ref).String(), "/"), nil
}

// PutLog uploads data in chunks, each carrying a Content-Range header
// "bytes first-last/total". An empty artifact is sent as one empty PUT.
func (c *HTTPClient) PutLog(ctx context.Context, logURL string, data []byte) error {
	total := len(data)
	if total == 0 {
		_, err := c.send(ctx, "put log", isRetryableError, c.putRequest(logURL, nil, ""))
		return err
	}

	for offset := 0; offset < total; offset += c.chunkSize {
		end := min(offset+c.chunkSize, total)
		contentRange := fmt.Sprintf("bytes %d-%d/%d", offset, end-1, total)

		if _, err := c.send(ctx, "put log", isRetryableError, c.putRequest(logURL, data[offset:end], contentRange)); err != nil {
			return fmt.Errorf("chunk %s: %w", contentRange, err)
		}
	}
	return nil
}

func (c *HTTPClient) putRequest(logURL string, chunk []byte, contentRange string) func(context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, logURL, bytes.NewReader(chunk))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/plain")
		if contentRange != "" {
			req.Header.Set("Content-Range", contentRange)
		}
		return req, nil
	}
}

// send performs a request with the configured retry policy, repeating it only
// for errors accepted by retryable. Every retry is logged.
func (c *HTTPClient) send(ctx context.Context, op string, retryable func(error) bool, build func(context.Context) (*http.Request, error)) (http.Header, error) {
	maxAttempts := c.config.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.calculateDelay(attempt, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		header, err := c.doRequest(req)
		if err == nil {
			return header, nil
		}
		lastErr = err

		entry := logger.Component("collector").WithFields(logrus.Fields{
			"operation": op,
			"url":       req.URL.String(),
			"attempt":   attempt + 1,
			"attempts":  maxAttempts,
		}).WithError(err)

		if !retryable(err) {
			entry.Debug("Collector request failed with non-retryable error")
			break
		}
		if attempt+1 < maxAttempts {
			entry.Warn("Collector request failed, retrying")
		}
	}

	if maxAttempts > 1 {
		return nil, fmt.Errorf("%s failed after %d attempts: %w", op, maxAttempts, lastErr)
	}
	return nil, fmt.Errorf("%s failed: %w", op, lastErr)
}

// doRequest performs a single HTTP request and returns the response headers.
func (c *HTTPClient) doRequest(req *http.Request) (http.Header, error) {
	req.Header.Set("User-Agent", c.config.UserAgent)
	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &TimeoutError{Message: "request timeout", Timeout: c.config.Timeout}
		}
		return nil, &NetworkError{Message: "network error", Cause: err}
	}
	defer resp.Body.Close()

	// Read response body (limit to 64KB, it is only used for error messages)
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, &NetworkError{Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if d, parseErr := time.ParseDuration(retryAfter + "s"); parseErr == nil {
					httpErr.RetryAfter = d
				}
			}
		}
		return nil, httpErr
	}

	logger.Component("collector").WithFields(logrus.Fields{
		"method": req.Method,
		"url":    req.URL.String(),
		"status": resp.StatusCode,
	}).Debug("Collector request succeeded")

	return resp.Header, nil
}

// calculateDelay returns the exponential backoff for attempt, honouring a
// 429 Retry-After when present.
func (c *HTTPClient) calculateDelay(attempt int, lastErr error) time.Duration {
	var httpErr *HTTPError
	if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > 0 {
		return min(httpErr.RetryAfter, c.config.Retry.MaxDelay)
	}

	multiplier := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(c.config.Retry.BaseDelay) * multiplier)
	if delay > c.config.Retry.MaxDelay {
		delay = c.config.Retry.MaxDelay
	}
	return delay
}

func isRetryableError(err error) bool {
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}
	return false
}

// isDialError reports whether err happened before the request reached the
// collector.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
