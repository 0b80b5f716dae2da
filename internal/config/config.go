package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/eventlog"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/output"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/poller"
)

// Config represents the main configuration
type Config struct {
	InitConfig      InitConfig           `yaml:"init_config"`
	Instances       []Instance           `yaml:"instances"`
	Query           QueryConfig          `yaml:"query"`
	Cursor          CursorConfig         `yaml:"cursor"`
	Outputs         []output.Config      `yaml:"outputs"`
	Router          *output.RouterConfig `yaml:"router,omitempty"`
	RateLimit       *RateLimitConfig     `yaml:"rate_limit,omitempty"`
	FailOnMalformed bool                 `yaml:"fail_on_malformed"`
	Logging         LoggingConfig        `yaml:"logging"`
	WorkerPool      *WorkerPoolConfig    `yaml:"worker_pool,omitempty"`
	Reliability     *ReliabilityConfig   `yaml:"reliability,omitempty"`
	DeadLetter      *DeadLetterConfig    `yaml:"dead_letter,omitempty"`
	Metrics         *MetricsConfig       `yaml:"metrics,omitempty"`
	Health          *HealthConfig        `yaml:"health,omitempty"`
	Tracing         *TracingConfig       `yaml:"tracing,omitempty"`
	Shutdown        ShutdownConfig       `yaml:"shutdown"`
}

// InitConfig holds settings shared by all instances
type InitConfig struct {
	TagEventID            bool     `yaml:"tag_event_id"`
	MinCollectionInterval Interval `yaml:"min_collection_interval"`
	APIKey                string   `yaml:"api_key,omitempty"`

	// Hostname is reported on every payload; defaults to the OS hostname
	Hostname string `yaml:"hostname,omitempty"`
}

// Instance is one monitored event log endpoint
type Instance struct {
	Host      string `yaml:"host,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`

	Tags   StringList `yaml:"tags,omitempty"`
	Notify StringList `yaml:"notify,omitempty"`

	Type       StringList `yaml:"type,omitempty"`
	User       StringList `yaml:"user,omitempty"`
	SourceName StringList `yaml:"source_name,omitempty"`
	LogFile    StringList `yaml:"log_file,omitempty"`
	EventID    StringList `yaml:"event_id,omitempty"`
}

// Target converts the instance into a poll target
func (i Instance) Target() *poller.Target {
	t := &poller.Target{
		Host:      i.Host,
		Username:  i.Username,
		Password:  i.Password,
		Namespace: i.Namespace,
		Tags:      i.Tags,
		Notify:    i.Notify,
		Criteria: eventlog.Criteria{
			Types:       i.Type,
			Users:       i.User,
			EventIDs:    i.EventID,
			SourceNames: i.SourceName,
			LogFiles:    i.LogFile,
		},
	}
	t.Normalize()
	return t
}

// StringList accepts either a scalar or a sequence of scalars
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		out := make(StringList, 0, len(value.Content))
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: expected a scalar list item", item.Line)
			}
			out = append(out, item.Value)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("line %d: expected a scalar or a list", value.Line)
	}
}

// Interval is a duration written either as a Go duration string or as
// a number of seconds
type Interval time.Duration

// Duration returns the interval as a time.Duration
func (i Interval) Duration() time.Duration {
	return time.Duration(i)
}

// UnmarshalYAML implements yaml.Unmarshaler
func (i *Interval) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a duration", value.Line)
	}
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*i = Interval(time.Duration(secs * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*i = Interval(d)
	return nil
}

// QueryConfig selects and tunes the query collaborator
type QueryConfig struct {
	Querier    string        `yaml:"querier"` // native, replay
	ReplayPath string        `yaml:"replay_path,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// CursorConfig selects the cursor store
type CursorConfig struct {
	Store        string        `yaml:"store"` // memory, file, redis
	Dir          string        `yaml:"dir,omitempty"`
	SaveInterval time.Duration `yaml:"save_interval,omitempty"`
	Redis        *RedisConfig  `yaml:"redis,omitempty"`
}

// RedisConfig holds Redis connection settings for the cursor store
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// RateLimitConfig bounds emission per poller
type RateLimitConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second"`
	Burst           int     `yaml:"burst,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// WorkerPoolConfig holds worker pool configuration
type WorkerPoolConfig struct {
	NumWorkers int           `yaml:"num_workers"`
	QueueSize  int           `yaml:"queue_size,omitempty"`
	JobTimeout time.Duration `yaml:"job_timeout,omitempty"`
}

// ReliabilityConfig holds retry and circuit breaker configuration for
// queries
type ReliabilityConfig struct {
	Retry          *RetryConfig          `yaml:"retry,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests,omitempty"`
	Interval         time.Duration `yaml:"interval,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	FailureThreshold uint32        `yaml:"failure_threshold,omitempty"`
}

// DeadLetterConfig holds dead letter queue configuration
type DeadLetterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	MaxSize       int64         `yaml:"max_size,omitempty"`
	MaxAge        time.Duration `yaml:"max_age,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`

	// MaxConsecutiveFailures marks a target unhealthy
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
	Insecure   bool    `yaml:"insecure,omitempty"`
}

// ShutdownConfig bounds graceful shutdown
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Default values
const (
	DefaultCollectionInterval = 15 * time.Second
	DefaultQueryTimeout       = 30 * time.Second
	DefaultCursorDir          = "/var/lib/eventpoller/cursors"
	DefaultCursorSaveInterval = 5 * time.Second
	DefaultDLQDir             = "/var/lib/eventpoller/dlq"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultShutdownTimeout    = 30 * time.Second
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates configuration from YAML
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.InitConfig.MinCollectionInterval == 0 {
		c.InitConfig.MinCollectionInterval = Interval(DefaultCollectionInterval)
	}

	if c.Query.Querier == "" {
		c.Query.Querier = "native"
	}
	if c.Query.Timeout == 0 {
		c.Query.Timeout = DefaultQueryTimeout
	}

	if c.Cursor.Store == "" {
		c.Cursor.Store = "memory"
	}
	if c.Cursor.Store == "file" {
		if c.Cursor.Dir == "" {
			c.Cursor.Dir = DefaultCursorDir
		}
		if c.Cursor.SaveInterval == 0 {
			c.Cursor.SaveInterval = DefaultCursorSaveInterval
		}
	}

	if len(c.Outputs) == 0 {
		c.Outputs = []output.Config{{Type: "stdout"}}
	}
	if c.Router == nil {
		rc := output.DefaultRouterConfig()
		c.Router = &rc
	} else if c.Router.FailureStrategy == "" {
		c.Router.FailureStrategy = output.FailureContinue
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.WorkerPool == nil {
		c.WorkerPool = &WorkerPoolConfig{}
	}
	if c.WorkerPool.NumWorkers == 0 {
		c.WorkerPool.NumWorkers = 4
	}
	if c.WorkerPool.QueueSize == 0 {
		c.WorkerPool.QueueSize = 100
	}
	if c.WorkerPool.JobTimeout == 0 {
		// a poll must finish within one query timeout plus emission
		c.WorkerPool.JobTimeout = 2*c.Query.Timeout + c.InitConfig.MinCollectionInterval.Duration()
	}

	if c.Reliability == nil {
		c.Reliability = &ReliabilityConfig{}
	}
	if c.Reliability.Retry == nil {
		c.Reliability.Retry = &RetryConfig{
			MaxRetries:     2,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
			Jitter:         true,
		}
	}
	if c.Reliability.CircuitBreaker == nil {
		c.Reliability.CircuitBreaker = &CircuitBreakerConfig{}
	}
	cb := c.Reliability.CircuitBreaker
	if cb.MaxRequests == 0 {
		cb.MaxRequests = 1
	}
	if cb.Interval == 0 {
		cb.Interval = time.Minute
	}
	if cb.Timeout == 0 {
		cb.Timeout = time.Minute
	}
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}

	if c.DeadLetter != nil && c.DeadLetter.Enabled {
		if c.DeadLetter.Dir == "" {
			c.DeadLetter.Dir = DefaultDLQDir
		}
		if c.DeadLetter.MaxSize == 0 {
			c.DeadLetter.MaxSize = 10000
		}
		if c.DeadLetter.MaxAge == 0 {
			c.DeadLetter.MaxAge = 7 * 24 * time.Hour
		}
		if c.DeadLetter.FlushInterval == 0 {
			c.DeadLetter.FlushInterval = 5 * time.Second
		}
	}

	if c.Metrics != nil && c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			c.Metrics.Address = ":9090"
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}

	if c.Health != nil && c.Health.Enabled {
		if c.Health.Address == "" {
			c.Health.Address = ":8080"
		}
		if c.Health.Timeout == 0 {
			c.Health.Timeout = 5 * time.Second
		}
		if c.Health.MaxConsecutiveFailures == 0 {
			c.Health.MaxConsecutiveFailures = 3
		}
	}

	if c.Tracing != nil && c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			c.Tracing.Endpoint = "localhost:4317"
		}
		if c.Tracing.SampleRate == 0 {
			c.Tracing.SampleRate = 1.0
		}
	}

	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultShutdownTimeout
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Instances) == 0 {
		return fmt.Errorf("at least one instance must be configured")
	}

	seen := make(map[string]int, len(c.Instances))
	for i, inst := range c.Instances {
		key := inst.Target().Key()
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("instance %d duplicates instance %d (%s)", i, prev, key)
		}
		seen[key] = i
	}

	if c.InitConfig.MinCollectionInterval.Duration() <= 0 {
		return fmt.Errorf("min_collection_interval must be positive")
	}

	switch c.Query.Querier {
	case "native":
	case "replay":
		if c.Query.ReplayPath == "" {
			return fmt.Errorf("replay querier requires replay_path")
		}
	default:
		return fmt.Errorf("invalid querier: %s", c.Query.Querier)
	}

	switch c.Cursor.Store {
	case "memory", "file":
	case "redis":
		if c.Cursor.Redis == nil || c.Cursor.Redis.Addr == "" {
			return fmt.Errorf("redis cursor store requires redis.addr")
		}
	default:
		return fmt.Errorf("invalid cursor store: %s", c.Cursor.Store)
	}

	names := make(map[string]bool, len(c.Outputs))
	var errs []error
	for i, oc := range c.Outputs {
		if err := oc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("output %d: %w", i, err))
		}
		if name := outputName(oc); name != "" {
			if names[name] {
				errs = append(errs, fmt.Errorf("output %d: duplicate name %q", i, name))
			}
			names[name] = true
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	switch c.Router.FailureStrategy {
	case output.FailureContinue, output.FailureStop:
	default:
		return fmt.Errorf("invalid router failure strategy: %s", c.Router.FailureStrategy)
	}

	if c.RateLimit != nil && c.RateLimit.EventsPerSecond < 0 {
		return fmt.Errorf("rate_limit.events_per_second must not be negative")
	}

	if r := c.Reliability.Retry; r != nil && r.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}

	if c.Tracing != nil && c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if err := logging.ValidateFormat(c.Logging.Format); err != nil {
		return err
	}

	return nil
}

func outputName(oc output.Config) string {
	var base *output.BaseConfig
	switch {
	case oc.Stream != nil:
		base = &oc.Stream.BaseConfig
	case oc.Kafka != nil:
		base = &oc.Kafka.BaseConfig
	case oc.Elasticsearch != nil:
		base = &oc.Elasticsearch.BaseConfig
	case oc.S3 != nil:
		base = &oc.S3.BaseConfig
	case oc.NATS != nil:
		base = &oc.NATS.BaseConfig
	}
	if base == nil {
		return ""
	}
	return strings.TrimSpace(base.Name)
}

// Targets returns a poll target per instance, in configuration order
func (c *Config) Targets() []*poller.Target {
	out := make([]*poller.Target, len(c.Instances))
	for i, inst := range c.Instances {
		out[i] = inst.Target()
	}
	return out
}

// PollerConfig returns the poller settings derived from the configuration
func (c *Config) PollerConfig() poller.Config {
	pc := poller.Config{
		APIKey:          c.InitConfig.APIKey,
		Hostname:        c.InitConfig.Hostname,
		TagEventID:      c.InitConfig.TagEventID,
		FailOnMalformed: c.FailOnMalformed,
		QueryTimeout:    c.Query.Timeout,
	}
	if c.RateLimit != nil {
		pc.EventsPerSecond = c.RateLimit.EventsPerSecond
		pc.Burst = c.RateLimit.Burst
	}
	return pc
}

// DefaultConfig returns a configuration polling the local machine and
// writing to stdout
func DefaultConfig() *Config {
	cfg := &Config{
		Instances: []Instance{{Host: "localhost"}},
	}
	cfg.applyDefaults()
	return cfg
}
