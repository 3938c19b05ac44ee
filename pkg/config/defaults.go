package config

// DefaultServerConfig returns the built-in HTTP server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPPort: 8080,
	}
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:                    3,
		BatchSize:                      1,
		MaxConcurrentExecutions:        0,
		PollIntervalSeconds:            5,
		PollIntervalJitterMS:           500,
		VisibilityTimeoutSeconds:       300,
		LeaseRenewalIntervalSeconds:    60,
		GracefulShutdownTimeoutSeconds: 300,
		MaintenanceIntervalSeconds:     30,
	}
}

// DefaultLockConfig returns the built-in asset lock defaults.
func DefaultLockConfig() *LockConfig {
	return &LockConfig{
		LeaseDurationSeconds:     300,
		HeartbeatIntervalSeconds: 30,
		StaleThresholdSeconds:    600,
		AcquireTimeoutSeconds:    60,
		RetryInitialIntervalMS:   250,
		RetryMaxIntervalMS:       5000,
	}
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		CleanupTimeoutSeconds:      30,
		TimeoutBufferFraction:      0.10,
		InlineMaxEstimatedSeconds:  10,
		StepEstimateSeconds:        2,
		StepRetryInitialIntervalMS: 500,
		StepRetryMaxIntervalMS:     10000,
	}
}

// DefaultDedupConfig returns the built-in idempotency window.
func DefaultDedupConfig() *DedupConfig {
	return &DedupConfig{
		WindowHours: 24,
	}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		ExecutionRetentionDays: 90,
		DLQRetentionDays:       30,
		CleanupIntervalHours:   12,
	}
}

// DefaultSLAConfig returns the built-in per-class retry bounds.
func DefaultSLAConfig() *SLAConfig {
	return &SLAConfig{
		MaxAttempts: map[string]int{
			"fast":   2,
			"medium": 3,
			"long":   5,
		},
	}
}

// DefaultSecretEnvPrefix is prepended to normalized secret paths by the env
// provider when no prefix is configured.
const DefaultSecretEnvPrefix = "EXECORE_SECRET_"

// DefaultSecretsConfig returns the built-in secrets backend selection.
func DefaultSecretsConfig() *SecretsConfig {
	return &SecretsConfig{
		Provider:  "env",
		EnvPrefix: DefaultSecretEnvPrefix,
	}
}

// DefaultAssetServiceConfig returns the built-in asset service client
// settings. An empty base URL disables remote lookups.
func DefaultAssetServiceConfig() *AssetServiceConfig {
	return &AssetServiceConfig{
		TimeoutSeconds: 10,
		AuthTokenEnv:   "ASSET_SERVICE_TOKEN",
	}
}

// DefaultRBACConfig returns the built-in authorization posture.
func DefaultRBACConfig() *RBACConfig {
	return &RBACConfig{
		Strict: true,
	}
}

// DefaultMaskingConfig returns the built-in log masking posture.
func DefaultMaskingConfig() *MaskingConfig {
	return &MaskingConfig{
		Enabled:      true,
		PatternGroup: "security",
	}
}
