// Unified configuration loading: YAML file plus environment overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTCOORD").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	// Server holds HTTP endpoint settings.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Allocation tunes task scoring and rebalancing.
	Allocation AllocationConfig `yaml:"allocation" env:"ALLOCATION"`

	// Messaging tunes the point-to-point router.
	Messaging MessagingConfig `yaml:"messaging" env:"MESSAGING"`

	// Broadcast tunes group fan-out.
	Broadcast BroadcastConfig `yaml:"broadcast" env:"BROADCAST"`

	// Negotiation bounds bargaining sessions.
	Negotiation NegotiationConfig `yaml:"negotiation" env:"NEGOTIATION"`

	// Consensus bounds deliberation topics.
	Consensus ConsensusConfig `yaml:"consensus" env:"CONSENSUS"`

	// Voting bounds ballot rounds.
	Voting VotingConfig `yaml:"voting" env:"VOTING"`

	// Judgment configures the external judgment client.
	Judgment JudgmentConfig `yaml:"judgment" env:"JUDGMENT"`

	// Store selects the outcome persistence backend.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures tracing and metric export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig holds the service endpoints.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// AllocationConfig tunes the allocator.
type AllocationConfig struct {
	// Scoring weights, must sum to 1.
	SkillWeight         float64 `yaml:"skill_weight" env:"SKILL_WEIGHT"`
	ResourceWeight      float64 `yaml:"resource_weight" env:"RESOURCE_WEIGHT"`
	DeadlineWeight      float64 `yaml:"deadline_weight" env:"DEADLINE_WEIGHT"`
	CollaborationWeight float64 `yaml:"collaboration_weight" env:"COLLABORATION_WEIGHT"`

	// CapacityWindow converts task durations into workload fractions.
	CapacityWindow time.Duration `yaml:"capacity_window" env:"CAPACITY_WINDOW"`

	// BalanceThreshold is the workload above which rebalancing triggers.
	BalanceThreshold float64 `yaml:"balance_threshold" env:"BALANCE_THRESHOLD"`

	// RebalanceInterval paces the periodic rebalance loop.
	RebalanceInterval time.Duration `yaml:"rebalance_interval" env:"REBALANCE_INTERVAL"`

	// MaxTimeoutRetries caps same-worker retries after timeout failures.
	MaxTimeoutRetries int `yaml:"max_timeout_retries" env:"MAX_TIMEOUT_RETRIES"`

	// RetryBackoff delays retry-after-backoff recoveries.
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
}

// MessagingConfig tunes the message router.
type MessagingConfig struct {
	MaxPayloadBytes   int           `yaml:"max_payload_bytes" env:"MAX_PAYLOAD_BYTES"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"`
	RatePerSecond     float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst             int           `yaml:"burst" env:"BURST"`
	EscalationTargets []string      `yaml:"escalation_targets" env:"ESCALATION_TARGETS"`
}

// BroadcastConfig tunes group fan-out.
type BroadcastConfig struct {
	PerMemberTimeout time.Duration `yaml:"per_member_timeout" env:"PER_MEMBER_TIMEOUT"`
	Workers          int           `yaml:"workers" env:"WORKERS"`
	QueueSize        int           `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// NegotiationConfig bounds bargaining sessions.
type NegotiationConfig struct {
	MaxRounds    int           `yaml:"max_rounds" env:"MAX_ROUNDS"`
	RoundTimeout time.Duration `yaml:"round_timeout" env:"ROUND_TIMEOUT"`
	Deadline     time.Duration `yaml:"deadline" env:"DEADLINE"`
	StallRounds  int           `yaml:"stall_rounds" env:"STALL_ROUNDS"`
}

// ConsensusConfig bounds deliberation topics.
type ConsensusConfig struct {
	DiscussionDuration time.Duration `yaml:"discussion_duration" env:"DISCUSSION_DURATION"`
	VotingDuration     time.Duration `yaml:"voting_duration" env:"VOTING_DURATION"`
	MinParticipation   float64       `yaml:"min_participation" env:"MIN_PARTICIPATION"`
	ConsensusThreshold float64       `yaml:"consensus_threshold" env:"CONSENSUS_THRESHOLD"`
	Deadline           time.Duration `yaml:"deadline" env:"DEADLINE"`
}

// VotingConfig bounds ballot rounds.
type VotingConfig struct {
	ApprovalThreshold float64       `yaml:"approval_threshold" env:"APPROVAL_THRESHOLD"`
	MinParticipation  float64       `yaml:"min_participation" env:"MIN_PARTICIPATION"`
	Deadline          time.Duration `yaml:"deadline" env:"DEADLINE"`
}

// JudgmentConfig configures the judgment client.
type JudgmentConfig struct {
	Timeout            time.Duration `yaml:"timeout" env:"TIMEOUT"`
	FallbackConfidence float64       `yaml:"fallback_confidence" env:"FALLBACK_CONFIDENCE"`
}

// StoreConfig selects the outcome store backend.
type StoreConfig struct {
	// Type: memory, redis, sqlite
	Type string `yaml:"type" env:"TYPE"`

	Redis  RedisConfig  `yaml:"redis" env:"REDIS"`
	SQLite SQLiteConfig `yaml:"sqlite" env:"SQLITE"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration with the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTCOORD",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults → YAML file → env overrides,
// then runs the validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file falls back to defaults.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	weightSum := c.Allocation.SkillWeight + c.Allocation.ResourceWeight +
		c.Allocation.DeadlineWeight + c.Allocation.CollaborationWeight
	if weightSum < 0.999 || weightSum > 1.001 {
		errs = append(errs, fmt.Sprintf("allocation weights sum to %.3f, want 1", weightSum))
	}
	if c.Allocation.BalanceThreshold <= 0 || c.Allocation.BalanceThreshold > 1 {
		errs = append(errs, "balance_threshold must be in (0,1]")
	}
	if c.Consensus.ConsensusThreshold <= 0 || c.Consensus.ConsensusThreshold > 1 {
		errs = append(errs, "consensus_threshold must be in (0,1]")
	}
	if c.Voting.ApprovalThreshold <= 0 || c.Voting.ApprovalThreshold > 1 {
		errs = append(errs, "approval_threshold must be in (0,1]")
	}
	switch c.Store.Type {
	case "memory", "redis", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unknown store type %q", c.Store.Type))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
