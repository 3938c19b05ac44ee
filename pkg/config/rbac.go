package config

// RBACConfig controls worker-side authorization.
type RBACConfig struct {
	// Strict denies when no rule matches. Permissive mode allows and logs
	// instead; the active mode is logged once at startup.
	Strict bool `yaml:"strict"`

	// Rules are evaluated in order; the first match wins.
	Rules []RBACRule `yaml:"rules"`
}

// RBACRule matches (actor, tenant, asset, action, environment) tuples.
// Empty fields and "*" match anything.
type RBACRule struct {
	Actor       string `yaml:"actor"`
	Tenant      string `yaml:"tenant"`
	Asset       string `yaml:"asset"`
	Action      string `yaml:"action"`
	Environment string `yaml:"environment"`

	// Effect is "allow" or "deny".
	Effect string `yaml:"effect"`
}
