package masking

// PatternSpec is the source form of a built-in masking pattern.
type PatternSpec struct {
	Pattern     string
	Replacement string
	Description string
}

// builtinPatterns returns the named regex catalog. Compiled eagerly at
// service construction; invalid entries would be a programming error and are
// logged and skipped rather than taking the service down.
func builtinPatterns() map[string]PatternSpec {
	return map[string]PatternSpec{
		"api_key": {
			Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
			Replacement: `"api_key": "__MASKED_API_KEY__"`,
			Description: "API keys",
		},
		"password": {
			Pattern:     `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
			Replacement: `"password": "__MASKED_PASSWORD__"`,
			Description: "Passwords in key=value or key: value form",
		},
		"certificate": {
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: `__MASKED_PEM_BLOCK__`,
			Description: "PEM blocks (certificates and private keys)",
		},
		"token": {
			Pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"token": "__MASKED_TOKEN__"`,
			Description: "Access and bearer tokens",
		},
		"authorization_header": {
			Pattern:     `(?i)authorization:\s*(?:bearer|basic|digest)\s+[^\s]+`,
			Replacement: `Authorization: __MASKED_AUTHORIZATION__`,
			Description: "HTTP Authorization headers",
		},
		"ssh_key": {
			Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
			Replacement: `__MASKED_SSH_KEY__`,
			Description: "SSH public keys",
		},
		"private_key": {
			Pattern:     `(?i)(?:private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"private_key": "__MASKED_PRIVATE_KEY__"`,
			Description: "Private key material in config form",
		},
		"secret_key": {
			Pattern:     `(?i)(?:secret[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"secret_key": "__MASKED_SECRET_KEY__"`,
			Description: "Secret keys",
		},
		"db_url": {
			Pattern:     `(?i)\b(postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:/\s]+:[^@\s]+@`,
			Replacement: `$1://__MASKED_CREDENTIALS__@`,
			Description: "Database URLs carrying userinfo credentials",
		},
		"aws_access_key": {
			Pattern:     `\b(AKIA[A-Z0-9]{16})\b`,
			Replacement: `__MASKED_AWS_KEY__`,
			Description: "AWS access key IDs",
		},
		"aws_secret_key": {
			Pattern:     `(?i)(?:aws[_-]?secret[_-]?access[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9/+=]{40})["']?`,
			Replacement: `"aws_secret_access_key": "__MASKED_AWS_SECRET__"`,
			Description: "AWS secret keys",
		},
		"github_token": {
			Pattern:     `\bgh[pousr]_[A-Za-z0-9_]{36,255}\b`,
			Replacement: `__MASKED_GITHUB_TOKEN__`,
			Description: "GitHub tokens",
		},
		"email": {
			Pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`,
			Replacement: `__MASKED_EMAIL__`,
			Description: "Email addresses (PII, opt-in)",
		},
		"credit_card": {
			Pattern:     `\b(?:\d[ -]?){13,16}\b`,
			Replacement: `__MASKED_CARD_NUMBER__`,
			Description: "Payment card numbers (PII, opt-in)",
		},
		"ssn": {
			Pattern:     `\b\d{3}-\d{2}-\d{4}\b`,
			Replacement: `__MASKED_SSN__`,
			Description: "US social security numbers (PII, opt-in)",
		},
		"ipv4": {
			Pattern:     `\b(?:\d{1,3}\.){3}\d{1,3}\b`,
			Replacement: `__MASKED_IPV4__`,
			Description: "IPv4 addresses (PII, opt-in)",
		},
	}
}

// patternGroups maps group names to their member patterns. Members may also
// name structural maskers registered on the service.
func patternGroups() map[string][]string {
	return map[string][]string{
		"basic":    {"api_key", "password"},
		"secrets":  {"api_key", "password", "token", "private_key", "secret_key", "manifest_secret"},
		"security": {"api_key", "password", "token", "certificate", "ssh_key", "private_key", "secret_key", "authorization_header", "manifest_secret"},
		"network":  {"db_url", "authorization_header", "ssh_key"},
		"cloud":    {"aws_access_key", "aws_secret_key", "api_key", "token", "github_token"},
		"pii":      {"email", "credit_card", "ssn", "ipv4"},
		"all": {"api_key", "password", "certificate", "token", "authorization_header",
			"ssh_key", "private_key", "secret_key", "db_url", "aws_access_key",
			"aws_secret_key", "github_token", "manifest_secret"},
	}
}
