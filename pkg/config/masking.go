package config

// MaskingConfig controls sanitization of logs, events and persisted errors.
type MaskingConfig struct {
	// Enabled toggles masking globally. Leaving it on is strongly advised;
	// the flag exists for debugging in isolated environments.
	Enabled bool `yaml:"enabled"`

	// PatternGroup names a built-in pattern set (basic, secrets, security,
	// network, cloud, all).
	PatternGroup string `yaml:"pattern_group"`

	// Patterns adds individual built-in patterns on top of the group.
	Patterns []string `yaml:"patterns"`

	// DisabledPatterns removes built-in patterns by name from the resolved
	// set.
	DisabledPatterns []string `yaml:"disabled_patterns"`

	// CustomPatterns adds deployment-specific regexes. Invalid expressions
	// are logged and skipped at service construction.
	CustomPatterns []CustomMaskingPattern `yaml:"custom_patterns"`
}

// CustomMaskingPattern is a user-supplied masking regex.
type CustomMaskingPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Description string `yaml:"description"`
}
