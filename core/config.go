package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config holds all configuration for the orchestrator. It supports a
// three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithWorkerCount(8),
//	    WithQueueBounds(10000, 16),
//	)
type Config struct {
	// Workers configures the worker pool (C8).
	Workers WorkersConfig `json:"workers"`

	// Queue configures the priority work queue (C8).
	Queue QueueConfig `json:"queue"`

	// Breakers holds per-platform circuit breaker configuration (C3),
	// keyed by platform tag (e.g. "notion", "trello", "slack").
	Breakers map[string]CircuitBreakerConfig `json:"breakers"`

	// RateLimiters holds per-platform token bucket configuration (C2).
	RateLimiters map[string]RateLimiterConfig `json:"rateLimiters"`

	// Retries holds per-platform retry configuration (C4).
	Retries map[string]RetryConfig `json:"retries"`

	// Approval configures the human-approval subsystem (C10).
	Approval ApprovalConfig `json:"approval"`

	// Idempotency configures the idempotency guard (§4.10).
	Idempotency IdempotencyConfig `json:"idempotency"`

	// Journal configures the append-only recovery journal (C12).
	Journal JournalConfig `json:"journal"`

	// Workflow configures workflow engine concurrency (C9).
	Workflow WorkflowConfig `json:"workflow"`

	// Deadlines configures default operation deadlines.
	Deadlines DeadlinesConfig `json:"deadlines"`

	// Logging configuration.
	Logging LoggingConfig `json:"logging"`

	// Development configuration.
	Development DevelopmentConfig `json:"development"`

	// Telemetry configuration (optional module).
	Telemetry TelemetryConfig `json:"telemetry"`

	// ServiceName identifies this orchestrator instance in logs/metrics.
	ServiceName string `json:"serviceName" env:"ORCHESTRATOR_SERVICE_NAME" default:"action-orchestrator"`

	// logger is used for logging during config loading, parsing, and validation.
	logger Logger `json:"-"`

	// reloadMu serializes WatchFile's validate-then-swap of the
	// Breakers/RateLimiters/Retries maps against concurrent reloads.
	reloadMu sync.Mutex `json:"-"`
}

// WorkersConfig controls worker pool sizing (spec: workers.count).
type WorkersConfig struct {
	Count int `json:"count" env:"ORCHESTRATOR_WORKERS_COUNT" default:"5"`
}

// QueueConfig controls the priority queue's bound and starvation guard
// (spec: queue.maxSize, queue.starvationGuardK).
type QueueConfig struct {
	MaxSize          int `json:"maxSize" env:"ORCHESTRATOR_QUEUE_MAX_SIZE" default:"10000"`
	StarvationGuardK int `json:"starvationGuardK" env:"ORCHESTRATOR_QUEUE_STARVATION_GUARD_K" default:"16"`
}

// CircuitBreakerConfig defines per-platform circuit breaker settings
// (spec: breaker.<platform>.failureThreshold|resetTimeoutMs|successThreshold).
//
// The source documentation this system was distilled from lists conflicting
// defaults for these parameters across files (threshold 3 vs 5; reset
// timeout 30s vs 60s). Nothing here is hard-coded as a package constant;
// every platform gets its own explicit, independently configurable entry.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold"`
	ResetTimeout     time.Duration `json:"resetTimeout"`
	SuccessThreshold int           `json:"successThreshold"`
}

// RateLimiterConfig defines per-platform token bucket settings
// (spec: rateLimiter.<platform>.capacity|refillPerSec).
type RateLimiterConfig struct {
	Capacity     float64 `json:"capacity"`
	RefillPerSec float64 `json:"refillPerSec"`
}

// RetryConfig defines per-platform retry/backoff settings
// (spec: retry.<platform>.maxAttempts|initialDelayMs|maxDelayMs|multiplier|jitter).
type RetryConfig struct {
	MaxAttempts  int           `json:"maxAttempts"`
	InitialDelay time.Duration `json:"initialDelay"`
	MaxDelay     time.Duration `json:"maxDelay"`
	Multiplier   float64       `json:"multiplier"`
	JitterMax    time.Duration `json:"jitterMax"`
}

// ApprovalConfig configures the human-approval coordinator
// (spec: approval.defaultTimeoutMs, approval.defaultTimeoutAction).
type ApprovalConfig struct {
	DefaultTimeout time.Duration `json:"defaultTimeout" env:"ORCHESTRATOR_APPROVAL_DEFAULT_TIMEOUT_MS" default:"15m"`
	// DefaultTimeoutAction is "approve" or "reject".
	DefaultTimeoutAction string `json:"defaultTimeoutAction" env:"ORCHESTRATOR_APPROVAL_DEFAULT_TIMEOUT_ACTION" default:"reject"`
}

// IdempotencyConfig controls the idempotency guard's TTL
// (spec: idempotency.ttlMs).
type IdempotencyConfig struct {
	TTL time.Duration `json:"ttl" env:"ORCHESTRATOR_IDEMPOTENCY_TTL_MS" default:"24h"`
}

// JournalConfig controls the optional recovery journal
// (spec: journal.enabled, journal.path, journal.flushEveryMs).
type JournalConfig struct {
	Enabled     bool          `json:"enabled" env:"ORCHESTRATOR_JOURNAL_ENABLED" default:"false"`
	Path        string        `json:"path" env:"ORCHESTRATOR_JOURNAL_PATH" default:"./orchestrator.journal"`
	FlushEvery  time.Duration `json:"flushEvery" env:"ORCHESTRATOR_JOURNAL_FLUSH_EVERY_MS" default:"1s"`
	RedisURL    string        `json:"redisUrl" env:"ORCHESTRATOR_JOURNAL_REDIS_URL,REDIS_URL"`
	UseRedis    bool          `json:"useRedis" env:"ORCHESTRATOR_JOURNAL_USE_REDIS" default:"false"`
}

// WorkflowConfig controls the workflow engine's concurrency
// (spec: workflow.concurrencyPerRun).
type WorkflowConfig struct {
	ConcurrencyPerRun int `json:"concurrencyPerRun" env:"ORCHESTRATOR_WORKFLOW_CONCURRENCY_PER_RUN" default:"4"`
}

// DeadlinesConfig controls default per-action deadlines
// (spec: deadlines.defaultActionMs).
type DeadlinesConfig struct {
	DefaultAction time.Duration `json:"defaultAction" env:"ORCHESTRATOR_DEADLINES_DEFAULT_ACTION_MS" default:"30s"`
}

// LoggingConfig contains logging configuration. LoadFromEnv reads Level and
// Format; the env names tagged on Output and TimeFormat are not read.
type LoggingConfig struct {
	Level      string `json:"level" env:"ORCHESTRATOR_LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"ORCHESTRATOR_LOG_FORMAT" default:"json"`
	Output     string `json:"output" env:"ORCHESTRATOR_LOG_OUTPUT" default:"stdout"`
	TimeFormat string `json:"timeFormat" env:"ORCHESTRATOR_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.999999999Z07:00"`
}

// DevelopmentConfig contains settings for local development and testing.
// LoadFromEnv sets PrettyLogs only through ORCHESTRATOR_DEV_MODE; the env
// name tagged on PrettyLogs itself is not read.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" env:"ORCHESTRATOR_DEV_MODE" default:"false"`
	DebugLogging bool `json:"debugLogging" env:"ORCHESTRATOR_DEBUG" default:"false"`
	PrettyLogs   bool `json:"prettyLogs" env:"ORCHESTRATOR_PRETTY_LOGS" default:"false"`
	MockPlatforms bool `json:"mockPlatforms" env:"ORCHESTRATOR_MOCK_PLATFORMS" default:"false"`
}

// TelemetryConfig contains observability configuration for metrics/tracing.
// LoadFromEnv reads Enabled, Endpoint and ServiceName; the env names tagged
// on MetricsEnabled, TracingEnabled, SamplingRate and Insecure are not read.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" env:"ORCHESTRATOR_TELEMETRY_ENABLED" default:"false"`
	Endpoint       string  `json:"endpoint" env:"ORCHESTRATOR_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `json:"serviceName" env:"ORCHESTRATOR_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME"`
	MetricsEnabled bool    `json:"metricsEnabled" env:"ORCHESTRATOR_TELEMETRY_METRICS" default:"true"`
	TracingEnabled bool    `json:"tracingEnabled" env:"ORCHESTRATOR_TELEMETRY_TRACING" default:"true"`
	SamplingRate   float64 `json:"samplingRate" env:"ORCHESTRATOR_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure       bool    `json:"insecure" env:"ORCHESTRATOR_TELEMETRY_INSECURE" default:"true"`
}

// Option is a functional option for configuring the orchestrator.
type Option func(*Config) error

// defaultPlatforms seeds sensible per-platform resilience defaults for the
// platforms named in SPEC_FULL.md. Callers can override any of these with
// functional options or by editing the returned Config before NewConfig's
// validation runs.
var defaultPlatforms = []string{"notion", "trello", "slack", "drive", "sheets"}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		ServiceName: "action-orchestrator",
		Workers: WorkersConfig{
			Count: 5,
		},
		Queue: QueueConfig{
			MaxSize:          10000,
			StarvationGuardK: 16,
		},
		Breakers:     make(map[string]CircuitBreakerConfig, len(defaultPlatforms)),
		RateLimiters: make(map[string]RateLimiterConfig, len(defaultPlatforms)),
		Retries:      make(map[string]RetryConfig, len(defaultPlatforms)),
		Approval: ApprovalConfig{
			DefaultTimeout:        15 * time.Minute,
			DefaultTimeoutAction:  "reject",
		},
		Idempotency: IdempotencyConfig{
			TTL: 24 * time.Hour,
		},
		Journal: JournalConfig{
			Enabled:    false,
			Path:       "./orchestrator.journal",
			FlushEvery: 1 * time.Second,
		},
		Workflow: WorkflowConfig{
			ConcurrencyPerRun: 4,
		},
		Deadlines: DeadlinesConfig{
			DefaultAction: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339Nano,
		},
		Development: DevelopmentConfig{},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			TracingEnabled: true,
			SamplingRate:   1.0,
			Insecure:       true,
		},
	}

	for _, platform := range defaultPlatforms {
		cfg.Breakers[platform] = CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
		}
		cfg.RateLimiters[platform] = RateLimiterConfig{
			Capacity:     10,
			RefillPerSec: 3,
		}
		cfg.Retries[platform] = RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			JitterMax:    50 * time.Millisecond,
		}
	}

	cfg.detectEnvironment()

	return cfg
}

func (c *Config) detectEnvironment() {
	if os.Getenv("ORCHESTRATOR_DEV_MODE") == "" && os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
		c.Development.Enabled = true
		c.Development.PrettyLogs = true
		c.Logging.Format = "text"
	}
}

// LoadFromEnv loads configuration from environment variables.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ORCHESTRATOR_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("ORCHESTRATOR_WORKERS_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Count = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxSize = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_QUEUE_STARVATION_GUARD_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.StarvationGuardK = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_APPROVAL_DEFAULT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Approval.DefaultTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ORCHESTRATOR_APPROVAL_DEFAULT_TIMEOUT_ACTION"); v != "" {
		c.Approval.DefaultTimeoutAction = v
	}
	if v := os.Getenv("ORCHESTRATOR_IDEMPOTENCY_TTL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Idempotency.TTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ORCHESTRATOR_JOURNAL_ENABLED"); v != "" {
		c.Journal.Enabled = parseBool(v)
	}
	if v := os.Getenv("ORCHESTRATOR_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("ORCHESTRATOR_JOURNAL_FLUSH_EVERY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Journal.FlushEvery = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ORCHESTRATOR_JOURNAL_USE_REDIS"); v != "" {
		c.Journal.UseRedis = parseBool(v)
	}
	if v := os.Getenv("ORCHESTRATOR_JOURNAL_REDIS_URL"); v != "" {
		c.Journal.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Journal.RedisURL = v
	}
	if v := os.Getenv("ORCHESTRATOR_WORKFLOW_CONCURRENCY_PER_RUN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workflow.ConcurrencyPerRun = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_DEADLINES_DEFAULT_ACTION_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Deadlines.DefaultAction = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ORCHESTRATOR_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
		if c.Development.Enabled {
			c.Development.PrettyLogs = true
			c.Logging.Level = "debug"
			c.Logging.Format = "text"
		}
	}
	if v := os.Getenv("ORCHESTRATOR_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
		if c.Development.DebugLogging {
			c.Logging.Level = "debug"
		}
	}
	if v := os.Getenv("ORCHESTRATOR_MOCK_PLATFORMS"); v != "" {
		c.Development.MockPlatforms = parseBool(v)
	}
	if v := os.Getenv("ORCHESTRATOR_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("ORCHESTRATOR_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("ORCHESTRATOR_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	} else if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	} else if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.ServiceName
	}

	return c.Validate()
}

// LoadFromFile loads additional per-platform resilience configuration from
// a JSON file, keyed the same way as Config's Breakers/RateLimiters/Retries
// maps. File settings override environment variables but are overridden by
// functional options.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- path is validated
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse JSON config file: %w", ErrInvalidConfiguration)
	}

	return nil
}

// WatchFile watches path for writes and, on every settled change, reloads
// the per-platform Breakers/RateLimiters/Retries maps from it and invokes
// onReload with the refreshed Config. Editors typically replace a file
// rather than writing it in place, so the watch is placed on the parent
// directory and filtered down to path, the same approach the teacher's
// retrieval pack uses for file watching.
//
// The returned stop func closes the underlying watcher; callers should
// defer it. onReload runs on its own goroutine and must not block.
func (c *Config) WatchFile(path string, onReload func(*Config)) (stop func() error, err error) {
	cleanPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config watch path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting config file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(cleanPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	logger := c.Logger()
	done := make(chan struct{})
	go func() {
		defer close(done)
		const debounce = 200 * time.Millisecond
		var pending *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != cleanPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if pending == nil {
					pending = time.AfterFunc(debounce, func() {
						c.reloadFromFile(cleanPath, onReload, logger)
					})
				} else {
					pending.Reset(debounce)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("config watcher error", map[string]interface{}{"error": werr.Error()})
			}
		}
	}()

	return func() error {
		err := watcher.Close()
		<-done
		return err
	}, nil
}

// reloadFromFile re-reads path's per-platform maps into a detached copy of
// the live config, validates the result, and only then swaps c's maps in
// under a lock, so a malformed edit never corrupts the running config.
func (c *Config) reloadFromFile(path string, onReload func(*Config), logger Logger) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	candidate := c.clone()
	if err := candidate.LoadFromFile(path); err != nil {
		logger.Error("config hot-reload failed: not applied", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	if err := candidate.Validate(); err != nil {
		logger.Error("config hot-reload produced invalid config: not applied", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}

	c.Breakers = candidate.Breakers
	c.RateLimiters = candidate.RateLimiters
	c.Retries = candidate.Retries

	logger.Info("config hot-reloaded", map[string]interface{}{"path": path})
	if onReload != nil {
		onReload(c)
	}
}

// clone builds a detached Config carrying copies of every field Validate
// inspects plus the resilience maps LoadFromFile overwrites, for
// reloadFromFile's validate-before-swap dance. It never copies c's mutex
// or logger, so it is never itself used for locking.
func (c *Config) clone() *Config {
	cp := &Config{
		ServiceName: c.ServiceName,
		Workers:     c.Workers,
		Queue:       c.Queue,
		Approval:    c.Approval,
		Idempotency: c.Idempotency,
		Journal:     c.Journal,
		Workflow:    c.Workflow,
		Deadlines:   c.Deadlines,
		Logging:     c.Logging,
		Development: c.Development,
		Telemetry:   c.Telemetry,

		Breakers:     make(map[string]CircuitBreakerConfig, len(c.Breakers)),
		RateLimiters: make(map[string]RateLimiterConfig, len(c.RateLimiters)),
		Retries:      make(map[string]RetryConfig, len(c.Retries)),
	}
	for k, v := range c.Breakers {
		cp.Breakers[k] = v
	}
	for k, v := range c.RateLimiters {
		cp.RateLimiters[k] = v
	}
	for k, v := range c.Retries {
		cp.Retries[k] = v
	}
	return cp
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Workers.Count < 1 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid worker count: %d", c.Workers.Count),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Queue.MaxSize < 1 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid queue max size: %d", c.Queue.MaxSize),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Queue.StarvationGuardK < 1 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid starvation guard K: %d", c.Queue.StarvationGuardK),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Approval.DefaultTimeoutAction != "approve" && c.Approval.DefaultTimeoutAction != "reject" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid approval.defaultTimeoutAction: %q", c.Approval.DefaultTimeoutAction),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Journal.Enabled && c.Journal.UseRedis && c.Journal.RedisURL == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "journal redis URL is required when journal.useRedis is enabled",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "telemetry endpoint is required when telemetry is enabled",
			Err:     ErrMissingConfiguration,
		}
	}

	for platform, bc := range c.Breakers {
		if bc.FailureThreshold < 1 {
			return &FrameworkError{
				Op:      "Config.Validate",
				Kind:    "config",
				Message: fmt.Sprintf("breaker.%s.failureThreshold must be >= 1", platform),
				Err:     ErrInvalidConfiguration,
			}
		}
	}

	return nil
}

// Helper functions

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

// WithServiceName sets the instance's service name for logs and metrics.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		c.ServiceName = name
		return nil
	}
}

// WithWorkerCount sets the worker pool size (C8).
func WithWorkerCount(count int) Option {
	return func(c *Config) error {
		if count < 1 {
			return &FrameworkError{Op: "WithWorkerCount", Kind: "config", Message: fmt.Sprintf("invalid worker count: %d", count), Err: ErrInvalidConfiguration}
		}
		c.Workers.Count = count
		return nil
	}
}

// WithQueueBounds sets the priority queue's max size and starvation guard K.
func WithQueueBounds(maxSize, starvationGuardK int) Option {
	return func(c *Config) error {
		c.Queue.MaxSize = maxSize
		c.Queue.StarvationGuardK = starvationGuardK
		return nil
	}
}

// WithPlatformBreaker overrides the circuit breaker configuration for a
// given platform tag.
func WithPlatformBreaker(platform string, cfg CircuitBreakerConfig) Option {
	return func(c *Config) error {
		if c.Breakers == nil {
			c.Breakers = make(map[string]CircuitBreakerConfig)
		}
		c.Breakers[platform] = cfg
		return nil
	}
}

// WithPlatformRateLimiter overrides the token bucket configuration for a
// given platform tag.
func WithPlatformRateLimiter(platform string, cfg RateLimiterConfig) Option {
	return func(c *Config) error {
		if c.RateLimiters == nil {
			c.RateLimiters = make(map[string]RateLimiterConfig)
		}
		c.RateLimiters[platform] = cfg
		return nil
	}
}

// WithPlatformRetry overrides the retry configuration for a given platform tag.
func WithPlatformRetry(platform string, cfg RetryConfig) Option {
	return func(c *Config) error {
		if c.Retries == nil {
			c.Retries = make(map[string]RetryConfig)
		}
		c.Retries[platform] = cfg
		return nil
	}
}

// WithApprovalDefaults sets the approval coordinator's timeout and the
// decision applied when that timeout elapses unattended.
func WithApprovalDefaults(timeout time.Duration, timeoutAction string) Option {
	return func(c *Config) error {
		if timeoutAction != "approve" && timeoutAction != "reject" {
			return &FrameworkError{Op: "WithApprovalDefaults", Kind: "config", Message: fmt.Sprintf("invalid timeout action: %q", timeoutAction), Err: ErrInvalidConfiguration}
		}
		c.Approval.DefaultTimeout = timeout
		c.Approval.DefaultTimeoutAction = timeoutAction
		return nil
	}
}

// WithIdempotencyTTL sets how long completed idempotency keys are remembered.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		c.Idempotency.TTL = ttl
		return nil
	}
}

// WithJournal enables the append-only journal at the given path.
func WithJournal(path string, flushEvery time.Duration) Option {
	return func(c *Config) error {
		c.Journal.Enabled = true
		c.Journal.Path = path
		c.Journal.FlushEvery = flushEvery
		return nil
	}
}

// WithJournalRedis enables a Redis-backed journal instead of a file-backed one.
func WithJournalRedis(redisURL string) Option {
	return func(c *Config) error {
		c.Journal.Enabled = true
		c.Journal.UseRedis = true
		c.Journal.RedisURL = redisURL
		return nil
	}
}

// WithWorkflowConcurrency sets the max in-flight steps per workflow run.
func WithWorkflowConcurrency(n int) Option {
	return func(c *Config) error {
		c.Workflow.ConcurrencyPerRun = n
		return nil
	}
}

// WithDefaultActionDeadline sets the default per-action deadline.
func WithDefaultActionDeadline(d time.Duration) Option {
	return func(c *Config) error {
		c.Deadlines.DefaultAction = d
		return nil
	}
}

// WithLogLevel sets the minimum logging level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the logging output format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithTelemetryEndpoint enables telemetry with the given OTLP endpoint.
func WithTelemetryEndpoint(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
		if c.Telemetry.ServiceName == "" {
			c.Telemetry.ServiceName = c.ServiceName
		}
		return nil
	}
}

// WithDevelopmentMode enables development mode with developer-friendly defaults.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
			c.Logging.Level = "debug"
		}
		return nil
	}
}

// WithMockPlatforms enables in-memory mock platform adapters for testing.
func WithMockPlatforms(enabled bool) Option {
	return func(c *Config) error {
		c.Development.MockPlatforms = enabled
		return nil
	}
}

// WithConfigFile loads per-platform resilience overrides from a JSON file.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithLogger sets a logger for configuration operations.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig creates a new configuration with the provided options, applying
// defaults, then environment variables, then functional options, then
// validating the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		logger := NewProductionLogger(cfg.Logging, cfg.Development, cfg.ServiceName)
		if prodLogger, ok := logger.(*ProductionLogger); ok {
			trackLogger(prodLogger)
		}
		cfg.logger = logger
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Logger returns the configuration's logger, falling back to a no-op logger
// if none was set.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}
