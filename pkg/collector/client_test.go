package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/dmesg-check/pkg/types"
)

func testConfig(t *testing.T, mutate func(*types.CollectorConfig)) types.CollectorConfig {
	t.Helper()
	cfg := types.CollectorConfig{
		TimeoutString: "5s",
		Retry: types.RetryConfig{
			BaseDelayString: "1ms",
			MaxDelayString:  "5ms",
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.ApplyDefaults())
	return cfg
}

func newTestClient(t *testing.T, mutate func(*types.CollectorConfig)) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient(testConfig(t, mutate))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

type recordedRequest struct {
	method string
	path   string
	header http.Header
	body   []byte
}

type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *recorder) record(req *http.Request) []byte {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, recordedRequest{
		method: req.Method,
		path:   req.URL.Path,
		header: req.Header.Clone(),
		body:   body,
	})
	return body
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.requests...)
}

func TestNewHTTPClientRejectsInvalidConfig(t *testing.T) {
	_, err := NewHTTPClient(types.CollectorConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid collector config")
}

func TestCreateResult(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Location", "/recipes/1/tasks/7/results/12/")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestClient(t, func(c *types.CollectorConfig) {
		c.Headers = map[string]string{"X-Lab": "east"}
	})
	record := ResultRecord{
		Path:           "/kernel/smoke/10_dmesg_check",
		Result:         "FAIL",
		Score:          "0",
		Message:        "Oops\n",
		NoPlugins:      true,
		DisablePlugins: []string{"10_avc_check", "20_avc_clear"},
	}

	location, err := client.CreateResult(context.Background(), server.URL+"/recipes/1/tasks/7/results/", record)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/recipes/1/tasks/7/results/12", location)

	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "application/x-www-form-urlencoded", reqs[0].header.Get("Content-Type"))
	assert.Equal(t, types.DefaultUserAgent, reqs[0].header.Get("User-Agent"))
	assert.Equal(t, "east", reqs[0].header.Get("X-Lab"))

	form, err := url.ParseQuery(string(reqs[0].body))
	require.NoError(t, err)
	assert.Equal(t, "/kernel/smoke/10_dmesg_check", form.Get("path"))
	assert.Equal(t, "FAIL", form.Get("result"))
	assert.Equal(t, "0", form.Get("score"))
	assert.Equal(t, "Oops\n", form.Get("message"))
	assert.Equal(t, "true", form.Get("no_plugins"))
	assert.Equal(t, "10_avc_check 20_avc_clear", form.Get("disable_plugin"))
}

func TestCreateResultWithoutLocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	_, err := newTestClient(t, nil).CreateResult(context.Background(), server.URL+"/results/", ResultRecord{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Location")
}

func TestPutLogChunks(t *testing.T) {
	rec := &recorder{}
	var stored []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stored = append(stored, rec.record(r)...)
	}))
	defer server.Close()

	client := newTestClient(t, func(c *types.CollectorConfig) { c.ChunkSize = 4 })
	data := []byte("0123456789")

	require.NoError(t, client.PutLog(context.Background(), server.URL+"/logs/dmesg.log", data))

	reqs := rec.all()
	require.Len(t, reqs, 3)
	wantRanges := []string{"bytes 0-3/10", "bytes 4-7/10", "bytes 8-9/10"}
	for i, req := range reqs {
		assert.Equal(t, http.MethodPut, req.method)
		assert.Equal(t, "/logs/dmesg.log", req.path)
		assert.Equal(t, wantRanges[i], req.header.Get("Content-Range"))
	}
	assert.Equal(t, data, stored)
}

func TestPutLogEmpty(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
	}))
	defer server.Close()

	require.NoError(t, newTestClient(t, nil).PutLog(context.Background(), server.URL+"/logs/empty.log", nil))

	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].body)
	assert.Empty(t, reqs[0].header.Get("Content-Range"))
}

func TestPutLogStopsAtFailedChunk(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 2 {
			http.Error(w, "disk full", http.StatusInsufficientStorage)
		}
	}))
	defer server.Close()

	client := newTestClient(t, func(c *types.CollectorConfig) { c.ChunkSize = 2 })
	err := client.PutLog(context.Background(), server.URL+"/logs/x", []byte("abcdef"))

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInsufficientStorage, httpErr.StatusCode)
	assert.Contains(t, err.Error(), "bytes 2-3/6")
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendRetries(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		failures    int32
		status      int
		wantCalls   int32
		wantErr     bool
	}{
		{name: "single attempt by default", maxAttempts: 0, failures: 1, status: 503, wantCalls: 1, wantErr: true},
		{name: "retry until success", maxAttempts: 3, failures: 2, status: 503, wantCalls: 3},
		{name: "give up after max attempts", maxAttempts: 2, failures: 5, status: 500, wantCalls: 2, wantErr: true},
		{name: "client errors are not retried", maxAttempts: 3, failures: 5, status: 404, wantCalls: 1, wantErr: true},
		{name: "rate limit is retried", maxAttempts: 2, failures: 1, status: 429, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failures {
					if tt.status == http.StatusTooManyRequests {
						w.Header().Set("Retry-After", "0")
					}
					http.Error(w, "unavailable", tt.status)
					return
				}
			}))
			defer server.Close()

			client := newTestClient(t, func(c *types.CollectorConfig) { c.Retry.MaxAttempts = tt.maxAttempts })
			err := client.PutLog(context.Background(), server.URL+"/logs/x", []byte("data"))

			assert.Equal(t, tt.wantErr, err != nil, "error: %v", err)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestSendHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, func(c *types.CollectorConfig) {
		c.Retry.MaxAttempts = 5
		c.Retry.BaseDelayString = "1s"
		c.Retry.MaxDelayString = "1s"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.PutLog(ctx, server.URL+"/logs/x", []byte("data"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCreateResultIsNotRepeatedAfterServerError(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"bad gateway after saving", http.StatusBadGateway},
		{"unavailable", http.StatusServiceUnavailable},
		{"rate limited", http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var posts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := posts.Add(1)
				if n == 1 {
					http.Error(w, "upstream hiccup", tt.status)
					return
				}
				w.Header().Set("Location", fmt.Sprintf("/recipes/1/tasks/7/results/%d", n))
				w.WriteHeader(http.StatusCreated)
			}))
			defer server.Close()

			client := newTestClient(t, func(c *types.CollectorConfig) { c.Retry.MaxAttempts = 3 })
			_, err := client.CreateResult(context.Background(), server.URL+"/recipes/1/tasks/7/results/", ResultRecord{Result: "FAIL"})

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Equal(t, int32(1), posts.Load(), "a result must be posted at most once")
		})
	}
}

func TestCreateResultRetriesRefusedConnection(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	client := newTestClient(t, func(c *types.CollectorConfig) { c.Retry.MaxAttempts = 2 })
	_, err := client.CreateResult(context.Background(), addr+"/recipes/1/tasks/7/results/", ResultRecord{})

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestIsDialError(t *testing.T) {
	dial := &NetworkError{Message: "network error", Cause: &url.Error{
		Op:  "Post",
		URL: "http://lab/results/",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
	}}
	read := &NetworkError{Message: "network error", Cause: &net.OpError{Op: "read", Net: "tcp", Err: io.ErrUnexpectedEOF}}

	assert.True(t, isDialError(dial))
	assert.False(t, isDialError(read))
	assert.False(t, isDialError(&HTTPError{StatusCode: 502}))
	assert.False(t, isDialError(&TimeoutError{Message: "request timeout"}))
}

func TestNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	err := newTestClient(t, nil).PutLog(context.Background(), addr+"/logs/x", []byte("data"))

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.IsRetryable())
}

func TestCalculateDelay(t *testing.T) {
	client := newTestClient(t, func(c *types.CollectorConfig) {
		c.Retry.BaseDelayString = "100ms"
		c.Retry.MaxDelayString = "300ms"
	})

	assert.Equal(t, 100*time.Millisecond, client.calculateDelay(1, errors.New("x")))
	assert.Equal(t, 200*time.Millisecond, client.calculateDelay(2, errors.New("x")))
	assert.Equal(t, 300*time.Millisecond, client.calculateDelay(3, errors.New("x")))
	assert.Equal(t, 250*time.Millisecond, client.calculateDelay(1, &HTTPError{StatusCode: 429, RetryAfter: 250 * time.Millisecond}))
	assert.Equal(t, 300*time.Millisecond, client.calculateDelay(1, &HTTPError{StatusCode: 429, RetryAfter: time.Minute}))
}

func TestHTTPErrorIsRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{400, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, (&HTTPError{StatusCode: tt.status}).IsRetryable(), "status %d", tt.status)
	}
}
