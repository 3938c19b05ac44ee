package config

import "fmt"

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}

	if err := v.validateLocks(); err != nil {
		return fmt.Errorf("locks validation failed: %w", err)
	}

	if err := v.validateEngine(); err != nil {
		return fmt.Errorf("engine validation failed: %w", err)
	}

	if err := v.validateDedup(); err != nil {
		return fmt.Errorf("dedup validation failed: %w", err)
	}

	if err := v.validateRBAC(); err != nil {
		return fmt.Errorf("rbac validation failed: %w", err)
	}

	if err := v.validateMasking(); err != nil {
		return fmt.Errorf("masking validation failed: %w", err)
	}

	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}

	if err := v.validateSLA(); err != nil {
		return fmt.Errorf("sla validation failed: %w", err)
	}

	if err := v.validateSecrets(); err != nil {
		return fmt.Errorf("secrets validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		return NewValidationError("server", "http", "http_port", fmt.Errorf("must be between 1 and 65535"))
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q.WorkerCount < 1 {
		return NewValidationError("queue", "workers", "worker_count", fmt.Errorf("must be at least 1"))
	}
	if q.BatchSize < 1 {
		return NewValidationError("queue", "workers", "batch_size", fmt.Errorf("must be at least 1"))
	}
	if q.MaxConcurrentExecutions < 0 {
		return NewValidationError("queue", "workers", "max_concurrent_executions", fmt.Errorf("must be non-negative"))
	}
	if q.PollIntervalSeconds < 1 {
		return NewValidationError("queue", "polling", "poll_interval_seconds", fmt.Errorf("must be positive"))
	}
	if q.PollIntervalJitterMS < 0 {
		return NewValidationError("queue", "polling", "poll_interval_jitter_ms", fmt.Errorf("must be non-negative"))
	}
	if q.PollIntervalJitter() >= q.PollInterval() {
		return NewValidationError("queue", "polling", "poll_interval_jitter_ms", fmt.Errorf("must be less than poll_interval_seconds"))
	}
	if q.VisibilityTimeoutSeconds < 1 {
		return NewValidationError("queue", "leases", "visibility_timeout_seconds", fmt.Errorf("must be positive"))
	}
	if q.LeaseRenewalIntervalSeconds < 1 {
		return NewValidationError("queue", "leases", "lease_renewal_interval_seconds", fmt.Errorf("must be positive"))
	}
	if q.LeaseRenewalIntervalSeconds >= q.VisibilityTimeoutSeconds {
		return NewValidationError("queue", "leases", "lease_renewal_interval_seconds", fmt.Errorf("must be less than visibility_timeout_seconds"))
	}
	if q.GracefulShutdownTimeoutSeconds < 1 {
		return NewValidationError("queue", "shutdown", "graceful_shutdown_timeout_seconds", fmt.Errorf("must be positive"))
	}
	if q.MaintenanceIntervalSeconds < 1 {
		return NewValidationError("queue", "maintenance", "maintenance_interval_seconds", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateLocks() error {
	l := v.cfg.Locks
	if l.LeaseDurationSeconds < 1 {
		return NewValidationError("locks", "leases", "lease_duration_seconds", fmt.Errorf("must be positive"))
	}
	if l.HeartbeatIntervalSeconds < 1 {
		return NewValidationError("locks", "leases", "heartbeat_interval_seconds", fmt.Errorf("must be positive"))
	}
	if l.HeartbeatIntervalSeconds >= l.LeaseDurationSeconds {
		return NewValidationError("locks", "leases", "heartbeat_interval_seconds", fmt.Errorf("must be strictly less than lease_duration_seconds"))
	}
	if l.StaleThresholdSeconds < l.LeaseDurationSeconds {
		return NewValidationError("locks", "reaping", "stale_lock_threshold_seconds", fmt.Errorf("must be at least lease_duration_seconds"))
	}
	if l.AcquireTimeoutSeconds < 1 {
		return NewValidationError("locks", "acquisition", "acquire_timeout_seconds", fmt.Errorf("must be positive"))
	}
	if l.RetryInitialIntervalMS < 1 {
		return NewValidationError("locks", "acquisition", "retry_initial_interval_ms", fmt.Errorf("must be positive"))
	}
	if l.RetryMaxIntervalMS < l.RetryInitialIntervalMS {
		return NewValidationError("locks", "acquisition", "retry_max_interval_ms", fmt.Errorf("must be at least retry_initial_interval_ms"))
	}
	return nil
}

func (v *ConfigValidator) validateEngine() error {
	e := v.cfg.Engine
	if e.CleanupTimeoutSeconds < 1 {
		return NewValidationError("engine", "cleanup", "cleanup_timeout_seconds", fmt.Errorf("must be positive"))
	}
	if e.TimeoutBufferFraction < 0 || e.TimeoutBufferFraction > 1 {
		return NewValidationError("engine", "timeouts", "execution_timeout_buffer_fraction", fmt.Errorf("must be between 0 and 1"))
	}
	if e.InlineMaxEstimatedSeconds < 0 {
		return NewValidationError("engine", "routing", "inline_max_estimated_seconds", fmt.Errorf("must be non-negative"))
	}
	if e.StepEstimateSeconds < 1 {
		return NewValidationError("engine", "routing", "step_estimate_seconds", fmt.Errorf("must be positive"))
	}
	if e.StepRetryInitialIntervalMS < 1 {
		return NewValidationError("engine", "retries", "step_retry_initial_interval_ms", fmt.Errorf("must be positive"))
	}
	if e.StepRetryMaxIntervalMS < e.StepRetryInitialIntervalMS {
		return NewValidationError("engine", "retries", "step_retry_max_interval_ms", fmt.Errorf("must be at least step_retry_initial_interval_ms"))
	}
	return nil
}

func (v *ConfigValidator) validateDedup() error {
	if v.cfg.Dedup.WindowHours < 1 {
		return NewValidationError("dedup", "window", "deduplication_window_hours", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateRBAC() error {
	for i, rule := range v.cfg.RBAC.Rules {
		if rule.Effect != "allow" && rule.Effect != "deny" {
			return NewValidationError("rbac", fmt.Sprintf("rule[%d]", i), "effect", fmt.Errorf("must be 'allow' or 'deny', got %q", rule.Effect))
		}
	}
	return nil
}

func (v *ConfigValidator) validateMasking() error {
	for i, p := range v.cfg.Masking.CustomPatterns {
		if p.Name == "" {
			return NewValidationError("masking", fmt.Sprintf("custom_patterns[%d]", i), "name", fmt.Errorf("name is required"))
		}
		if p.Pattern == "" {
			return NewValidationError("masking", p.Name, "pattern", fmt.Errorf("pattern is required"))
		}
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if r.ExecutionRetentionDays < 1 {
		return NewValidationError("retention", "executions", "execution_retention_days", fmt.Errorf("must be positive"))
	}
	if r.DLQRetentionDays < 1 {
		return NewValidationError("retention", "dlq", "dlq_retention_days", fmt.Errorf("must be positive"))
	}
	if r.CleanupIntervalHours < 1 {
		return NewValidationError("retention", "cleanup", "cleanup_interval_hours", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateSLA() error {
	for _, class := range []string{"fast", "medium", "long"} {
		if v.cfg.SLA.MaxAttempts[class] < 1 {
			return NewValidationError("sla", class, "max_attempts", fmt.Errorf("must be at least 1"))
		}
	}
	return nil
}

func (v *ConfigValidator) validateSecrets() error {
	s := v.cfg.Secrets
	if s.Provider != "env" && s.Provider != "static" {
		return NewValidationError("secrets", s.Provider, "provider", fmt.Errorf("must be 'env' or 'static'"))
	}
	return nil
}
