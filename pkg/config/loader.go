package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ExecoreYAMLConfig represents the complete execore.yaml file structure.
// Every section is optional; unset sections fall back to built-in defaults.
type ExecoreYAMLConfig struct {
	Server    *ServerConfig       `yaml:"server"`
	Queue     *QueueConfig        `yaml:"queue"`
	Locks     *LockConfig         `yaml:"locks"`
	Engine    *EngineConfig       `yaml:"engine"`
	Dedup     *DedupConfig        `yaml:"dedup"`
	RBAC      *RBACYAMLConfig     `yaml:"rbac"`
	Masking   *MaskingYAMLConfig  `yaml:"masking"`
	Retention *RetentionConfig    `yaml:"retention"`
	SLA       *SLAConfig          `yaml:"sla"`
	Secrets   *SecretsConfig      `yaml:"secrets"`
	Assets    *AssetServiceConfig `yaml:"assets"`
}

// RBACYAMLConfig holds RBAC settings from YAML. Strict is a pointer so an
// explicit `strict: false` is distinguishable from "unset".
type RBACYAMLConfig struct {
	Strict *bool      `yaml:"strict,omitempty"`
	Rules  []RBACRule `yaml:"rules,omitempty"`
}

// MaskingYAMLConfig holds masking settings from YAML, with Enabled as a
// pointer for the same reason.
type MaskingYAMLConfig struct {
	Enabled          *bool                  `yaml:"enabled,omitempty"`
	PatternGroup     string                 `yaml:"pattern_group,omitempty"`
	Patterns         []string               `yaml:"patterns,omitempty"`
	DisabledPatterns []string               `yaml:"disabled_patterns,omitempty"`
	CustomPatterns   []CustomMaskingPattern `yaml:"custom_patterns,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load execore.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"workers", cfg.Queue.WorkerCount,
		"poll_interval", cfg.Queue.PollInterval(),
		"rbac_strict", cfg.RBAC.Strict,
		"masking_enabled", cfg.Masking.Enabled)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	fileCfg, err := loader.loadExecoreYAML()
	if err != nil {
		return nil, NewLoadError("execore.yaml", err)
	}

	// Start each section with defaults, then merge user config on top so
	// unset fields keep their default values.
	serverConfig := DefaultServerConfig()
	if fileCfg.Server != nil {
		if err := mergo.Merge(serverConfig, fileCfg.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge server config: %w", err)
		}
	}

	queueConfig := DefaultQueueConfig()
	if fileCfg.Queue != nil {
		if err := mergo.Merge(queueConfig, fileCfg.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	lockConfig := DefaultLockConfig()
	if fileCfg.Locks != nil {
		if err := mergo.Merge(lockConfig, fileCfg.Locks, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge locks config: %w", err)
		}
	}

	engineConfig := DefaultEngineConfig()
	if fileCfg.Engine != nil {
		if err := mergo.Merge(engineConfig, fileCfg.Engine, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge engine config: %w", err)
		}
	}

	dedupConfig := DefaultDedupConfig()
	if fileCfg.Dedup != nil {
		if err := mergo.Merge(dedupConfig, fileCfg.Dedup, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge dedup config: %w", err)
		}
	}

	retentionConfig := DefaultRetentionConfig()
	if fileCfg.Retention != nil {
		if err := mergo.Merge(retentionConfig, fileCfg.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	secretsConfig := DefaultSecretsConfig()
	if fileCfg.Secrets != nil {
		if err := mergo.Merge(secretsConfig, fileCfg.Secrets, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge secrets config: %w", err)
		}
	}

	assetsConfig := DefaultAssetServiceConfig()
	if fileCfg.Assets != nil {
		if err := mergo.Merge(assetsConfig, fileCfg.Assets, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge assets config: %w", err)
		}
	}

	return &Config{
		configDir: configDir,
		Server:    serverConfig,
		Queue:     queueConfig,
		Locks:     lockConfig,
		Engine:    engineConfig,
		Dedup:     dedupConfig,
		RBAC:      resolveRBACConfig(fileCfg.RBAC),
		Masking:   resolveMaskingConfig(fileCfg.Masking),
		Retention: retentionConfig,
		SLA:       resolveSLAConfig(fileCfg.SLA),
		Secrets:   secretsConfig,
		Assets:    assetsConfig,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadExecoreYAML() (*ExecoreYAMLConfig, error) {
	var config ExecoreYAMLConfig
	if err := l.loadYAML("execore.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// resolveRBACConfig resolves RBAC configuration from YAML, applying defaults.
func resolveRBACConfig(sec *RBACYAMLConfig) *RBACConfig {
	cfg := DefaultRBACConfig()

	if sec == nil {
		return cfg
	}
	if sec.Strict != nil {
		cfg.Strict = *sec.Strict
	}
	if len(sec.Rules) > 0 {
		cfg.Rules = sec.Rules
	}

	return cfg
}

// resolveMaskingConfig resolves masking configuration from YAML, applying defaults.
func resolveMaskingConfig(sec *MaskingYAMLConfig) *MaskingConfig {
	cfg := DefaultMaskingConfig()

	if sec == nil {
		return cfg
	}
	if sec.Enabled != nil {
		cfg.Enabled = *sec.Enabled
	}
	if sec.PatternGroup != "" {
		cfg.PatternGroup = sec.PatternGroup
	}
	if len(sec.Patterns) > 0 {
		cfg.Patterns = sec.Patterns
	}
	if len(sec.DisabledPatterns) > 0 {
		cfg.DisabledPatterns = sec.DisabledPatterns
	}
	if len(sec.CustomPatterns) > 0 {
		cfg.CustomPatterns = sec.CustomPatterns
	}

	return cfg
}

// resolveSLAConfig resolves per-class retry bounds, filling in any class the
// user left unset.
func resolveSLAConfig(sec *SLAConfig) *SLAConfig {
	cfg := DefaultSLAConfig()

	if sec == nil || len(sec.MaxAttempts) == 0 {
		return cfg
	}
	for class, attempts := range sec.MaxAttempts {
		if attempts > 0 {
			cfg.MaxAttempts[class] = attempts
		}
	}

	return cfg
}
