// Package config loads, merges and validates the execore.yaml configuration.
// Layering: built-in defaults, then the YAML file, then {{.VAR}} environment
// expansion inside the file. User values override defaults; unset values keep
// them.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize() and
// passed to components at startup.
type Config struct {
	configDir string

	Server    *ServerConfig
	Queue     *QueueConfig
	Locks     *LockConfig
	Engine    *EngineConfig
	Dedup     *DedupConfig
	RBAC      *RBACConfig
	Masking   *MaskingConfig
	Retention *RetentionConfig
	SLA       *SLAConfig
	Secrets   *SecretsConfig
	Assets    *AssetServiceConfig
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ServerConfig groups HTTP server settings.
type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
	// AllowedWSOrigins lists additional WebSocket origin patterns accepted
	// besides the Host header.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// QueueConfig controls how executions are enqueued, leased and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per pod.
	WorkerCount int `yaml:"worker_count"`

	// BatchSize is how many items one poll may claim at once.
	BatchSize int `yaml:"batch_size"`

	// MaxConcurrentExecutions caps running executions across all pods.
	// Enforced by a database count check before dequeue. 0 disables the cap.
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions"`

	// PollIntervalSeconds is the base interval for checking pending items.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// PollIntervalJitterMS is the random jitter applied to the poll
	// interval. Actual interval: poll_interval ± jitter.
	PollIntervalJitterMS int `yaml:"poll_interval_jitter_ms"`

	// VisibilityTimeoutSeconds is the queue lease duration: how long a
	// dequeued item stays invisible before it may be reaped.
	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_seconds"`

	// LeaseRenewalIntervalSeconds is how often a worker renews the lease of
	// the item it is processing. Must be shorter than the visibility timeout.
	LeaseRenewalIntervalSeconds int `yaml:"lease_renewal_interval_seconds"`

	// GracefulShutdownTimeoutSeconds is the max time to wait for active
	// executions to wind down during shutdown.
	GracefulShutdownTimeoutSeconds int `yaml:"graceful_shutdown_timeout_seconds"`

	// MaintenanceIntervalSeconds is how often the pool reaps stale leases
	// and locks, sweeps blown execution deadlines and expires approvals.
	MaintenanceIntervalSeconds int `yaml:"maintenance_interval_seconds"`
}

func (c *QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *QueueConfig) PollIntervalJitter() time.Duration {
	return time.Duration(c.PollIntervalJitterMS) * time.Millisecond
}

func (c *QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

func (c *QueueConfig) LeaseRenewalInterval() time.Duration {
	return time.Duration(c.LeaseRenewalIntervalSeconds) * time.Second
}

func (c *QueueConfig) GracefulShutdownTimeout() time.Duration {
	return time.Duration(c.GracefulShutdownTimeoutSeconds) * time.Second
}

func (c *QueueConfig) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSeconds) * time.Second
}

// LockConfig controls per-asset lease locks.
type LockConfig struct {
	// LeaseDurationSeconds is how long an acquired lock lives without a
	// heartbeat extension.
	LeaseDurationSeconds int `yaml:"lease_duration_seconds"`

	// HeartbeatIntervalSeconds is how often holders extend their locks.
	// Must be strictly shorter than the lease duration.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// StaleThresholdSeconds is how long a lock may go without a heartbeat
	// before any worker may reap it.
	StaleThresholdSeconds int `yaml:"stale_lock_threshold_seconds"`

	// AcquireTimeoutSeconds bounds the reap-and-retry acquisition loop.
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds"`

	// RetryInitialIntervalMS and RetryMaxIntervalMS shape the acquisition
	// backoff between attempts.
	RetryInitialIntervalMS int `yaml:"retry_initial_interval_ms"`
	RetryMaxIntervalMS     int `yaml:"retry_max_interval_ms"`
}

func (c *LockConfig) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationSeconds) * time.Second
}

func (c *LockConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *LockConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdSeconds) * time.Second
}

func (c *LockConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

func (c *LockConfig) RetryInitialInterval() time.Duration {
	return time.Duration(c.RetryInitialIntervalMS) * time.Millisecond
}

func (c *LockConfig) RetryMaxInterval() time.Duration {
	return time.Duration(c.RetryMaxIntervalMS) * time.Millisecond
}

// EngineConfig controls step execution behavior.
type EngineConfig struct {
	// CleanupTimeoutSeconds bounds reverse-order cleanup hooks after a
	// cancellation. Overrunning it promotes the final status to failed.
	CleanupTimeoutSeconds int `yaml:"cleanup_timeout_seconds"`

	// TimeoutBufferFraction pads the per-execution deadline computed from
	// the sum of step timeouts.
	TimeoutBufferFraction float64 `yaml:"execution_timeout_buffer_fraction"`

	// InlineMaxEstimatedSeconds is the routing threshold: plans estimated
	// at or under it (and in the fast SLA class) may run inline.
	InlineMaxEstimatedSeconds int `yaml:"inline_max_estimated_seconds"`

	// StepEstimateSeconds is the per-step duration estimate used when a
	// step does not declare one.
	StepEstimateSeconds int `yaml:"step_estimate_seconds"`

	// StepRetryInitialIntervalMS and StepRetryMaxIntervalMS shape the
	// exponential backoff between step retry attempts.
	StepRetryInitialIntervalMS int `yaml:"step_retry_initial_interval_ms"`
	StepRetryMaxIntervalMS     int `yaml:"step_retry_max_interval_ms"`
}

func (c *EngineConfig) CleanupTimeout() time.Duration {
	return time.Duration(c.CleanupTimeoutSeconds) * time.Second
}

func (c *EngineConfig) StepRetryInitialInterval() time.Duration {
	return time.Duration(c.StepRetryInitialIntervalMS) * time.Millisecond
}

func (c *EngineConfig) StepRetryMaxInterval() time.Duration {
	return time.Duration(c.StepRetryMaxIntervalMS) * time.Millisecond
}

// DedupConfig controls the idempotency guard.
type DedupConfig struct {
	// WindowHours is how far back duplicate detection looks.
	WindowHours int `yaml:"deduplication_window_hours"`
}

func (c *DedupConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// ExecutionRetentionDays is how many days terminal executions (with
	// their steps and events) are kept before deletion.
	ExecutionRetentionDays int `yaml:"execution_retention_days"`

	// DLQRetentionDays is how many days archived dead-letter items are kept.
	DLQRetentionDays int `yaml:"dlq_retention_days"`

	// CleanupIntervalHours is how often the cleanup loop runs.
	CleanupIntervalHours int `yaml:"cleanup_interval_hours"`
}

func (c *RetentionConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

// SLAConfig carries per-class queue retry bounds.
type SLAConfig struct {
	// MaxAttempts maps sla_class to the whole-execution re-dispatch bound.
	MaxAttempts map[string]int `yaml:"max_attempts"`
}

// MaxAttemptsFor returns the re-dispatch bound for a class, falling back to
// the medium class bound for unknown values.
func (c *SLAConfig) MaxAttemptsFor(slaClass string) int {
	if n, ok := c.MaxAttempts[slaClass]; ok && n > 0 {
		return n
	}
	if n, ok := c.MaxAttempts["medium"]; ok && n > 0 {
		return n
	}
	return 3
}

// SecretsConfig selects the secret resolution backend.
type SecretsConfig struct {
	// Provider is "env" (environment variables) or "static" (inline map,
	// intended for tests).
	Provider string `yaml:"provider"`

	// EnvPrefix is prepended to normalized secret paths by the env provider.
	EnvPrefix string `yaml:"env_prefix"`

	// Static holds path → value pairs for the static provider.
	Static map[string]string `yaml:"static"`
}

// AssetServiceConfig points at the asset inventory API.
type AssetServiceConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// AuthTokenEnv names the environment variable holding the bearer token.
	AuthTokenEnv string `yaml:"auth_token_env"`
}

func (c *AssetServiceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
