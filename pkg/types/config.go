// Package types defines configuration types for dmesg-check.
package types

import (
	"fmt"
	"os"
	"regexp"
	"time"
)

// Package-level defaults
const (
	DefaultAPIVersion       = "dmesg-check.io/v1alpha1"
	DefaultKind             = "DmesgCheckConfig"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultLogOutput        = "stderr"
	DefaultCheckName        = "10_dmesg_check"
	DefaultFailureFile      = "/usr/share/rhts/failurestrings"
	DefaultFalseFile        = "/usr/share/rhts/falsestrings"
	DefaultDmesgCommand     = "dmesg"
	DefaultReportLogName    = "resultoutputfile.log"
	DefaultDmesgLogName     = "dmesg.log"
	DefaultCollectorTimeout = "60s"
	DefaultChunkSize        = 8192
	DefaultMaxAttempts      = 1
	DefaultBaseDelay        = "1s"
	DefaultMaxDelay         = "30s"
	DefaultUserAgent        = "dmesg-check/1.0"
	DefaultMetricsNamespace = "dmesg_check"

	// MaxChunkSize bounds a single PUT body.
	MaxChunkSize = 4 * 1024 * 1024
)

var (
	metricsNamespaceRegex = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

	validLogLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}

	validLogFormats = map[string]bool{
		"json": true,
		"text": true,
	}

	validLogOutputs = map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
)

// DmesgCheckConfig is the top-level configuration structure.
type DmesgCheckConfig struct {
	// APIVersion of the configuration schema
	APIVersion string `json:"apiVersion" yaml:"apiVersion"`

	// Kind of resource (always "DmesgCheckConfig")
	Kind string `json:"kind" yaml:"kind"`

	// Settings contains global configuration
	Settings GlobalSettings `json:"settings" yaml:"settings"`

	// Patterns locates the fallback pattern files
	Patterns PatternsConfig `json:"patterns" yaml:"patterns"`

	// Dmesg describes where the kernel log comes from
	Dmesg DmesgConfig `json:"dmesg" yaml:"dmesg"`

	// Collector configures result and log uploads
	Collector CollectorConfig `json:"collector" yaml:"collector"`

	// Metrics configures the Prometheus textfile output
	Metrics MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// GlobalSettings contains global configuration settings.
type GlobalSettings struct {
	// CheckName is the result path suffix reported to the collector
	CheckName string `json:"checkName,omitempty" yaml:"checkName,omitempty"`

	// Logging configuration
	LogLevel  string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	LogFormat string `json:"logFormat,omitempty" yaml:"logFormat,omitempty"`
	LogOutput string `json:"logOutput,omitempty" yaml:"logOutput,omitempty"`
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`

	// DryRun renders the report without contacting the collector
	DryRun bool `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`
}

// PatternsConfig holds the pattern file locations used when FAILUREFILENM
// and FALSEFILENM are not set in the environment.
type PatternsConfig struct {
	FailureFile string `json:"failureFile,omitempty" yaml:"failureFile,omitempty"`
	FalseFile   string `json:"falseFile,omitempty" yaml:"falseFile,omitempty"`
}

// DmesgConfig selects the dmesg source. Path takes precedence over Command;
// a Path of "-" reads standard input.
type DmesgConfig struct {
	Path    string   `json:"path,omitempty" yaml:"path,omitempty"`
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`

	TimeoutString string        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Timeout       time.Duration `json:"-" yaml:"-"`
}

// CollectorConfig configures the HTTP client used to reach the result collector.
type CollectorConfig struct {
	// Timeout for each HTTP request (stored as string)
	TimeoutString string        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Timeout       time.Duration `json:"-" yaml:"-"`

	// ChunkSize is the largest body sent in a single log PUT
	ChunkSize int `json:"chunkSize,omitempty" yaml:"chunkSize,omitempty"`

	Retry     RetryConfig       `json:"retry,omitempty" yaml:"retry,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	UserAgent string            `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Artifact names under .../logs/
	ReportLogName string `json:"reportLogName,omitempty" yaml:"reportLogName,omitempty"`
	DmesgLogName  string `json:"dmesgLogName,omitempty" yaml:"dmesgLogName,omitempty"`

	// DisablePlugins is forwarded with the result record
	DisablePlugins []string `json:"disablePlugins,omitempty" yaml:"disablePlugins,omitempty"`
}

// RetryConfig defines retry behavior for a single collector request.
type RetryConfig struct {
	MaxAttempts int `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`

	// Base delay between retries (stored as string)
	BaseDelayString string        `json:"baseDelay,omitempty" yaml:"baseDelay,omitempty"`
	BaseDelay       time.Duration `json:"-" yaml:"-"`

	// Maximum delay between retries (stored as string)
	MaxDelayString string        `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty"`
	MaxDelay       time.Duration `json:"-" yaml:"-"`
}

// MetricsConfig configures the node-exporter textfile written after each run.
type MetricsConfig struct {
	Enabled      bool              `json:"enabled" yaml:"enabled"`
	TextfilePath string            `json:"textfilePath,omitempty" yaml:"textfilePath,omitempty"`
	Namespace    string            `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Labels       map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// ApplyDefaults applies default values to the configuration.
func (c *DmesgCheckConfig) ApplyDefaults() error {
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.Kind == "" {
		c.Kind = DefaultKind
	}

	c.Settings.ApplyDefaults()
	c.Patterns.ApplyDefaults()

	if err := c.Dmesg.ApplyDefaults(); err != nil {
		return fmt.Errorf("failed to apply defaults to dmesg: %w", err)
	}
	if err := c.Collector.ApplyDefaults(); err != nil {
		return fmt.Errorf("failed to apply defaults to collector: %w", err)
	}

	c.Metrics.ApplyDefaults()

	return nil
}

// ApplyDefaults applies default values to GlobalSettings.
func (s *GlobalSettings) ApplyDefaults() {
	if s.CheckName == "" {
		s.CheckName = DefaultCheckName
	}
	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}
	if s.LogFormat == "" {
		s.LogFormat = DefaultLogFormat
	}
	if s.LogOutput == "" {
		s.LogOutput = DefaultLogOutput
	}
}

// ApplyDefaults applies default values to PatternsConfig.
func (p *PatternsConfig) ApplyDefaults() {
	if p.FailureFile == "" {
		p.FailureFile = DefaultFailureFile
	}
	if p.FalseFile == "" {
		p.FalseFile = DefaultFalseFile
	}
}

// ApplyDefaults applies default values to DmesgConfig.
func (d *DmesgConfig) ApplyDefaults() error {
	if d.Path == "" && d.Command == "" {
		d.Command = DefaultDmesgCommand
	}
	if d.TimeoutString == "" {
		d.TimeoutString = "30s"
	}

	var err error
	d.Timeout, err = time.ParseDuration(d.TimeoutString)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", d.TimeoutString, err)
	}
	return nil
}

// ApplyDefaults applies default values to CollectorConfig.
func (c *CollectorConfig) ApplyDefaults() error {
	if c.TimeoutString == "" {
		c.TimeoutString = DefaultCollectorTimeout
	}
	var err error
	c.Timeout, err = time.ParseDuration(c.TimeoutString)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", c.TimeoutString, err)
	}

	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.ReportLogName == "" {
		c.ReportLogName = DefaultReportLogName
	}
	if c.DmesgLogName == "" {
		c.DmesgLogName = DefaultDmesgLogName
	}

	return c.Retry.ApplyDefaults()
}

// ApplyDefaults applies default values to RetryConfig.
func (r *RetryConfig) ApplyDefaults() error {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.BaseDelayString == "" {
		r.BaseDelayString = DefaultBaseDelay
	}
	if r.MaxDelayString == "" {
		r.MaxDelayString = DefaultMaxDelay
	}

	var err error
	r.BaseDelay, err = time.ParseDuration(r.BaseDelayString)
	if err != nil {
		return fmt.Errorf("invalid retry baseDelay %q: %w", r.BaseDelayString, err)
	}
	r.MaxDelay, err = time.ParseDuration(r.MaxDelayString)
	if err != nil {
		return fmt.Errorf("invalid retry maxDelay %q: %w", r.MaxDelayString, err)
	}
	return nil
}

// ApplyDefaults applies default values to MetricsConfig.
func (m *MetricsConfig) ApplyDefaults() {
	if m.Namespace == "" {
		m.Namespace = DefaultMetricsNamespace
	}
}

// Validate validates the configuration.
func (c *DmesgCheckConfig) Validate() error {
	if c.APIVersion == "" {
		return fmt.Errorf("apiVersion is required")
	}
	if c.Kind != DefaultKind {
		return fmt.Errorf("kind must be %q, got %q", DefaultKind, c.Kind)
	}

	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings validation failed: %w", err)
	}
	if err := c.Dmesg.Validate(); err != nil {
		return fmt.Errorf("dmesg validation failed: %w", err)
	}
	if err := c.Collector.Validate(); err != nil {
		return fmt.Errorf("collector validation failed: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics validation failed: %w", err)
	}

	return nil
}

// Validate validates the GlobalSettings configuration.
func (s *GlobalSettings) Validate() error {
	if s.CheckName == "" {
		return fmt.Errorf("checkName is required")
	}
	if !validLogLevels[s.LogLevel] {
		return fmt.Errorf("invalid logLevel %q, must be one of: debug, info, warn, error, fatal", s.LogLevel)
	}
	if !validLogFormats[s.LogFormat] {
		return fmt.Errorf("invalid logFormat %q, must be one of: json, text", s.LogFormat)
	}
	if !validLogOutputs[s.LogOutput] {
		return fmt.Errorf("invalid logOutput %q, must be one of: stdout, stderr, file", s.LogOutput)
	}
	if s.LogOutput == "file" && s.LogFile == "" {
		return fmt.Errorf("logFile is required when logOutput is 'file'")
	}
	return nil
}

// Validate validates the DmesgConfig configuration.
func (d *DmesgConfig) Validate() error {
	if d.Path == "" && d.Command == "" {
		return fmt.Errorf("either path or command is required")
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", d.Timeout)
	}
	return nil
}

// Validate validates the CollectorConfig configuration.
func (c *CollectorConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunkSize must be between 1 and %d, got %d", MaxChunkSize, c.ChunkSize)
	}
	if c.ReportLogName == c.DmesgLogName {
		return fmt.Errorf("reportLogName and dmesgLogName must differ, both are %q", c.ReportLogName)
	}
	return c.Retry.Validate()
}

// Validate validates the RetryConfig configuration.
func (r *RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be at least 1, got %d", r.MaxAttempts)
	}
	if r.BaseDelay <= 0 {
		return fmt.Errorf("baseDelay must be positive, got %v", r.BaseDelay)
	}
	if r.MaxDelay <= 0 {
		return fmt.Errorf("maxDelay must be positive, got %v", r.MaxDelay)
	}
	if r.BaseDelay > r.MaxDelay {
		return fmt.Errorf("baseDelay (%v) must not exceed maxDelay (%v)", r.BaseDelay, r.MaxDelay)
	}
	return nil
}

// Validate validates the MetricsConfig configuration.
func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.TextfilePath == "" {
		return fmt.Errorf("textfilePath is required when metrics are enabled")
	}
	if !metricsNamespaceRegex.MatchString(m.Namespace) {
		return fmt.Errorf("invalid namespace %q", m.Namespace)
	}
	return nil
}

// SubstituteEnvVars expands ${VAR} references in free-form string fields.
func (c *DmesgCheckConfig) SubstituteEnvVars() {
	c.Settings.LogFile = os.ExpandEnv(c.Settings.LogFile)
	c.Patterns.FailureFile = os.ExpandEnv(c.Patterns.FailureFile)
	c.Patterns.FalseFile = os.ExpandEnv(c.Patterns.FalseFile)
	c.Dmesg.Path = os.ExpandEnv(c.Dmesg.Path)
	for i, arg := range c.Dmesg.Args {
		c.Dmesg.Args[i] = os.ExpandEnv(arg)
	}
	for k, v := range c.Collector.Headers {
		c.Collector.Headers[k] = os.ExpandEnv(v)
	}
	c.Metrics.TextfilePath = os.ExpandEnv(c.Metrics.TextfilePath)
	for k, v := range c.Metrics.Labels {
		c.Metrics.Labels[k] = os.ExpandEnv(v)
	}
}
