// Package stub implements a small stand-in for the result collector. It
// accepts result records and log uploads on the same routes as the real
// service and keeps what it receives for inspection, optionally mirroring
// each log to disk under {dir}/recipes/{recipe}/tasks/{task}/{logfile}.
package stub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/dmesg-check/pkg/logger"
	"github.com/supporttools/dmesg-check/pkg/types"
)

// ResultLogName is where the first bytes of each result POST are kept.
const ResultLogName = "rstrnt_result.log"

// maxResultBody is how much of a result POST body is retained.
const maxResultBody = 4096

// MaxLogSize bounds the declared total of a single log.
const MaxLogSize = 16 * types.MaxChunkSize

// Result is a result record received by the stub.
type Result struct {
	ID   int
	Form url.Values
	Raw  []byte
}

// Upload records one received PUT.
type Upload struct {
	Recipe       string
	Task         string
	Result       string // empty for task-level uploads
	Name         string
	ContentRange string
	Size         int
}

type taskKey struct {
	recipe string
	task   string
}

// HealthResponse is the body served on /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Tasks     int       `json:"tasks"`
	Uploads   int       `json:"uploads"`
}

// Server is the stub collector. It is safe for concurrent use by
// independent tasks.
type Server struct {
	dir       string
	startTime time.Time

	mu       sync.Mutex
	logs     map[taskKey]map[string][]byte
	results  map[taskKey][]Result
	uploads  []Upload
	failLogs map[string]int
	failPost int
}

// New creates a stub. When dir is non-empty received logs are also written there.
func New(dir string) *Server {
	return &Server{
		dir:       dir,
		startTime: time.Now(),
		logs:      make(map[taskKey]map[string][]byte),
		results:   make(map[taskKey][]Result),
		failLogs:  make(map[string]int),
	}
}

// Handler returns the HTTP routes served by the stub.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /recipes/{recipe}/tasks/{task}/results/{result}/logs/{logfile}", s.handlePutLog)
	mux.HandleFunc("PUT /recipes/{recipe}/tasks/{task}/logs/{logfile}", s.handlePutLog)
	mux.HandleFunc("POST /recipes/{recipe}/tasks/{task}/results/{$}", s.handlePostResult)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// FailLog makes every PUT of the named log answer with status.
func (s *Server) FailLog(name string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLogs[name] = status
}

// FailResults makes result creation answer with status; 0 restores normal behavior.
func (s *Server) FailResults(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPost = status
}

// Log returns the stored content of a task's log.
func (s *Server) Log(recipe, task, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.logs[taskKey{recipe, task}][name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Results returns the result records created for a task, in order.
func (s *Server) Results(recipe, task string) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results[taskKey{recipe, task}]...)
}

// Uploads returns every PUT received so far.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Tasks:     len(s.logs),
		Uploads:   len(s.uploads),
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Component("stub").WithError(err).Warn("Failed to encode health response")
	}
}

func (s *Server) handlePutLog(w http.ResponseWriter, r *http.Request) {
	key := taskKey{r.PathValue("recipe"), r.PathValue("task")}
	name := r.PathValue("logfile")
	if name == "" || name != filepath.Base(name) || name == ".." {
		http.Error(w, "invalid log name", http.StatusBadRequest)
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	contentRange := r.Header.Get("Content-Range")
	offset, total, err := parseContentRange(contentRange, len(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if total > MaxLogSize {
		http.Error(w, fmt.Sprintf("log of %d bytes exceeds %d", total, MaxLogSize), http.StatusRequestEntityTooLarge)
		return
	}

	s.mu.Lock()
	if status := s.failLogs[name]; status != 0 {
		s.mu.Unlock()
		http.Error(w, "injected failure", status)
		return
	}

	logs := s.logs[key]
	if logs == nil {
		logs = make(map[string][]byte)
		s.logs[key] = logs
	}
	// a chunk at offset 0 starts a new upload, giving PUT overwrite semantics
	var buf []byte
	if offset > 0 {
		buf = logs[name]
	}
	if need := max(total, offset+len(body)); len(buf) < need {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], body)
	logs[name] = buf

	s.uploads = append(s.uploads, Upload{
		Recipe:       key.recipe,
		Task:         key.task,
		Result:       r.PathValue("result"),
		Name:         name,
		ContentRange: contentRange,
		Size:         len(body),
	})
	snapshot := append([]byte(nil), buf...)
	s.mu.Unlock()

	if err := s.persist(key, name, snapshot); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	logger.Component("collector-stub").WithFields(logrus.Fields{
		"url":   r.URL.Path,
		"range": contentRange,
		"bytes": len(body),
	}).Debug("Stored log chunk")

	w.Write([]byte("OK")) //nolint:errcheck // best-effort response
}

func (s *Server) handlePostResult(w http.ResponseWriter, r *http.Request) {
	key := taskKey{r.PathValue("recipe"), r.PathValue("task")}

	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(raw) > maxResultBody {
		raw = raw[:maxResultBody]
	}

	s.mu.Lock()
	if s.failPost != 0 {
		status := s.failPost
		s.mu.Unlock()
		http.Error(w, "injected failure", status)
		return
	}
	id := len(s.results[key]) + 1
	s.results[key] = append(s.results[key], Result{ID: id, Form: form, Raw: raw})
	logs := s.logs[key]
	if logs == nil {
		logs = make(map[string][]byte)
		s.logs[key] = logs
	}
	logs[ResultLogName] = raw
	s.mu.Unlock()

	if err := s.persist(key, ResultLogName, raw); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	w.Header().Set("Location", fmt.Sprintf("%s://%s%s%d", scheme, r.Host, r.URL.Path, id))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) persist(key taskKey, name string, data []byte) error {
	if s.dir == "" {
		return nil
	}
	dir := filepath.Join(s.dir, "recipes", filepath.Base(key.recipe), "tasks", filepath.Base(key.task))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0644)
}

// readBody reads at most one chunk worth of request body, answering 413
// for anything larger.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, types.MaxChunkSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// parseContentRange parses "bytes first-last/total". A missing header means
// the body is the whole log.
func parseContentRange(header string, size int) (offset, total int, err error) {
	if header == "" {
		return 0, size, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported Content-Range %q", header)
	}
	span, totalStr, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	firstStr, lastStr, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}

	first, err1 := strconv.Atoi(firstStr)
	last, err2 := strconv.Atoi(lastStr)
	total, err3 := strconv.Atoi(totalStr)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	if first < 0 || last < first || last >= total || last-first+1 != size {
		return 0, 0, fmt.Errorf("content range %q does not match a %d byte body", header, size)
	}
	return first, total, nil
}
