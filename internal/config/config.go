package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pipeline processes.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Verification VerificationConfig `yaml:"verification"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Reconciler   ReconcilerConfig   `yaml:"reconciler"`
	Bloom        BloomConfig        `yaml:"bloom"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// APIToken, when set, is required as a bearer token on /api routes.
	APIToken string `yaml:"api_token"`
}

// GetHost returns the listen host. SERVER_HOST wins over the file.
func (c ServerConfig) GetHost() string {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig holds the coordination store settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// VerificationConfig holds provider credentials and the rate budget shared
// across every worker process.
type VerificationConfig struct {
	BaseURL                  string   `yaml:"base_url"`
	Keys                     []string `yaml:"keys"`
	RateLimit                int      `yaml:"rate_limit"`
	IntervalMs               int      `yaml:"interval_ms"`
	MinDelayMs               int      `yaml:"min_delay_ms"`
	DisableThreshold         int      `yaml:"disable_threshold"`
	TimeoutSeconds           int      `yaml:"timeout_seconds"`
	HeartbeatIntervalSeconds int      `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutMultiple int      `yaml:"heartbeat_timeout_multiple"`
	LeaseTTLSeconds          int      `yaml:"lease_ttl_seconds"`
	ActivationMaxWaitSeconds int      `yaml:"activation_max_wait_seconds"`
	PublicDomains            []string `yaml:"public_domains"`
}

// Interval is the rate-limit window length.
func (c VerificationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// FloorDelay is the minimum spacing between calls on one credential:
// max(min delay, interval / limit).
func (c VerificationConfig) FloorDelay() time.Duration {
	floor := time.Duration(c.MinDelayMs) * time.Millisecond
	if c.RateLimit > 0 {
		if per := c.Interval() / time.Duration(c.RateLimit); per > floor {
			floor = per
		}
	}
	return floor
}

// Timeout is the provider HTTP timeout.
func (c VerificationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HeartbeatInterval is how often slot liveness is written and swept.
func (c VerificationConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// StaleAfter is the liveness age after which a slot is considered dead.
func (c VerificationConfig) StaleAfter() time.Duration {
	return c.HeartbeatInterval() * time.Duration(c.HeartbeatTimeoutMultiple)
}

// LeaseTTL bounds how long a crashed holder can keep a credential in use.
func (c VerificationConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// ActivationMaxWait bounds EnsureActivated polling.
func (c VerificationConfig) ActivationMaxWait() time.Duration {
	return time.Duration(c.ActivationMaxWaitSeconds) * time.Second
}

// PipelineConfig holds per-stage worker settings.
type PipelineConfig struct {
	DedupeChunkSize          int    `yaml:"dedupe_chunk_size"`
	DedupeConcurrency        int    `yaml:"dedupe_concurrency"`
	FilterConcurrency        int    `yaml:"filter_concurrency"`
	SplitConcurrency         int    `yaml:"split_concurrency"`
	RulesCacheTTLSeconds     int    `yaml:"rules_cache_ttl_seconds"`
	NormalizationStrategy    string `yaml:"normalization_strategy"`
	PollIntervalMs           int    `yaml:"poll_interval_ms"`
	MaxAttempts              int    `yaml:"max_attempts"`
	VisibilityTimeoutSeconds int    `yaml:"visibility_timeout_seconds"`
	DedupeLockTTLSeconds     int    `yaml:"dedupe_lock_ttl_seconds"`
}

// RulesCacheTTL is how long merged rule sets are cached per scope.
func (c PipelineConfig) RulesCacheTTL() time.Duration {
	return time.Duration(c.RulesCacheTTLSeconds) * time.Second
}

// PollInterval is the idle sleep of queue consumers.
func (c PipelineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// VisibilityTimeout is how long a dequeued job may stay unacknowledged.
func (c PipelineConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// DedupeLockTTL bounds the per-batch dedupe lock.
func (c PipelineConfig) DedupeLockTTL() time.Duration {
	return time.Duration(c.DedupeLockTTLSeconds) * time.Second
}

// ReconcilerConfig holds queue watcher settings.
type ReconcilerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchScanLimit  int `yaml:"batch_scan_limit"`
	EmailScanLimit  int `yaml:"email_scan_limit"`
	HistorySize     int `yaml:"history_size"`
}

// Interval is the sweep period.
func (c ReconcilerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// BloomConfig sizes the Redis Bloom filter used by dedupe.
type BloomConfig struct {
	Key               string  `yaml:"key"`
	ExpectedElements  int     `yaml:"expected_elements"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on; it defaults to true.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file. An empty path yields the
// defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}

	v := &cfg.Verification
	if v.RateLimit == 0 {
		v.RateLimit = 35
	}
	if v.IntervalMs == 0 {
		v.IntervalMs = 30000
	}
	if v.MinDelayMs == 0 {
		v.MinDelayMs = 170
	}
	if v.DisableThreshold == 0 {
		v.DisableThreshold = 100
	}
	if v.TimeoutSeconds == 0 {
		v.TimeoutSeconds = 30
	}
	if v.HeartbeatIntervalSeconds == 0 {
		v.HeartbeatIntervalSeconds = 5
	}
	if v.HeartbeatTimeoutMultiple == 0 {
		v.HeartbeatTimeoutMultiple = 6
	}
	if v.LeaseTTLSeconds == 0 {
		v.LeaseTTLSeconds = 60
	}
	if v.ActivationMaxWaitSeconds == 0 {
		v.ActivationMaxWaitSeconds = 30
	}

	p := &cfg.Pipeline
	if p.DedupeChunkSize == 0 {
		p.DedupeChunkSize = 1000
	}
	if p.DedupeConcurrency == 0 {
		p.DedupeConcurrency = 2
	}
	if p.FilterConcurrency == 0 {
		p.FilterConcurrency = 8
	}
	if p.SplitConcurrency == 0 {
		p.SplitConcurrency = 4
	}
	if p.RulesCacheTTLSeconds == 0 {
		p.RulesCacheTTLSeconds = 60
	}
	if p.NormalizationStrategy == "" {
		p.NormalizationStrategy = "none"
	}
	if p.PollIntervalMs == 0 {
		p.PollIntervalMs = 500
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.VisibilityTimeoutSeconds == 0 {
		p.VisibilityTimeoutSeconds = 300
	}
	if p.DedupeLockTTLSeconds == 0 {
		p.DedupeLockTTLSeconds = 600
	}

	r := &cfg.Reconciler
	if r.IntervalSeconds == 0 {
		r.IntervalSeconds = 60
	}
	if r.BatchScanLimit == 0 {
		r.BatchScanLimit = 50
	}
	if r.EmailScanLimit == 0 {
		r.EmailScanLimit = 1000
	}
	if r.HistorySize == 0 {
		r.HistorySize = 50
	}

	if cfg.Bloom.Key == "" {
		cfg.Bloom.Key = "emails_bloom"
	}
	if cfg.Bloom.ExpectedElements == 0 {
		cfg.Bloom.ExpectedElements = 10_000_000
	}
	if cfg.Bloom.FalsePositiveRate == 0 {
		cfg.Bloom.FalsePositiveRate = 0.001
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("VERIFIER_BASE_URL"); v != "" {
		cfg.Verification.BaseURL = v
	}
	if v := os.Getenv("VERIFIER_KEYS"); v != "" {
		cfg.Verification.Keys = splitList(v)
	}
	if n, ok := envInt("VERIFIER_RATE_LIMIT"); ok {
		cfg.Verification.RateLimit = n
	}
	if n, ok := envInt("VERIFIER_INTERVAL_MS"); ok {
		cfg.Verification.IntervalMs = n
	}
	if n, ok := envInt("VERIFIER_DISABLE_THRESHOLD"); ok {
		cfg.Verification.DisableThreshold = n
	}
	if v := os.Getenv("PUBLIC_DOMAINS"); v != "" {
		cfg.Verification.PublicDomains = splitList(v)
	}
	if v := os.Getenv("NORMALIZATION_STRATEGY"); v != "" {
		cfg.Pipeline.NormalizationStrategy = v
	}
	if v := os.Getenv("OPS_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if n, ok := envInt("PORT"); ok {
		cfg.Server.Port = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
