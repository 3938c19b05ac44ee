package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "auth_token_env: {{.ASSET_SERVICE_TOKEN}}",
			env:   map[string]string{"ASSET_SERVICE_TOKEN": "secret123"},
			want:  "auth_token_env: secret123",
		},
		{
			name:  "literal ${VAR} is NOT expanded (no collision)",
			input: "command: echo ${HOSTNAME}",
			env:   map[string]string{"HOSTNAME": "web-1"},
			want:  "command: echo ${HOSTNAME}",
		},
		{
			name:  "masking regex with $ anchor preserved",
			input: "pattern: ^secret.*$",
			env:   map[string]string{},
			want:  "pattern: ^secret.*$",
		},
		{
			name:  "multiple substitutions in one line",
			input: "base_url: {{.PROTOCOL}}://{{.HOST}}:{{.PORT}}",
			env: map[string]string{
				"PROTOCOL": "https",
				"HOST":     "assets.internal",
				"PORT":     "8443",
			},
			want: "base_url: https://assets.internal:8443",
		},
		{
			name:  "missing variable expands to empty",
			input: "base_url: {{.MISSING_VAR}}",
			env:   map[string]string{},
			want:  "base_url: ",
		},
		{
			name:  "awk field reference preserved",
			input: `command: ps aux | awk '{print $1}'`,
			env:   map[string]string{},
			want:  `command: ps aux | awk '{print $1}'`,
		},
		{
			name: "nested YAML structure",
			input: `assets:
  base_url: {{.ASSET_URL}}
  timeout_seconds: {{.ASSET_TIMEOUT}}`,
			env: map[string]string{
				"ASSET_URL":     "http://localhost:9090",
				"ASSET_TIMEOUT": "15",
			},
			want: `assets:
  base_url: http://localhost:9090
  timeout_seconds: 15`,
		},
		{
			name:  "special characters in expanded value",
			input: "static: {{.SECRET_VALUE}}",
			env:   map[string]string{"SECRET_VALUE": "p@ssw0rd!#$%"},
			want:  "static: p@ssw0rd!#$%",
		},
		{
			name:  "empty string variable",
			input: "value: {{.EMPTY}}",
			env:   map[string]string{"EMPTY": ""},
			want:  "value: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(result))
		})
	}
}

// Malformed template syntax must be passed through unchanged so the YAML
// parser can handle the content or fail with a clearer error message.
func TestExpandEnvMalformedTemplates(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "unclosed template",
			input: "token: {{.ASSET_SERVICE_TOKEN",
		},
		{
			name:  "only opening braces",
			input: "token: {{",
		},
		{
			name:  "reversed template syntax",
			input: "token: }}.ASSET_SERVICE_TOKEN{{",
		},
		{
			name:  "undefined function in pipeline",
			input: "token: {{.ASSET_SERVICE_TOKEN | upper}}",
		},
		{
			name:  "unclosed template amid valid YAML",
			input: "host: localhost\ntoken: {{.ASSET_SERVICE_TOKEN\nport: 8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ASSET_SERVICE_TOKEN", "should-not-appear")

			result := ExpandEnv([]byte(tt.input))

			assert.Equal(t, tt.input, string(result),
				"malformed template should be passed through unchanged")
			assert.NotContains(t, string(result), "should-not-appear")
		})
	}
}

// When ExpandEnv passes data through on template errors, the YAML parser must
// still be able to process it.
func TestExpandEnvPassThroughToYAMLParser(t *testing.T) {
	input := `
server:
  http_port: 8080
assets:
  auth_token_env: "{{.ASSET_TOKEN"
`
	expanded := ExpandEnv([]byte(input))

	var result map[string]any
	err := yaml.Unmarshal(expanded, &result)
	assert.NoError(t, err, "malformed template inside quotes is still valid YAML")
	assert.NotNil(t, result)
}

func TestExpandEnvThreadSafety(t *testing.T) {
	input := []byte("key: {{.TEST_VAR}}")
	t.Setenv("TEST_VAR", "value")

	const goroutines = 50
	results := make([]string, goroutines)
	done := make(chan bool)

	for i := 0; i < goroutines; i++ {
		go func(index int) {
			results[index] = string(ExpandEnv(input))
			done <- true
		}(i)
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}

	for i, result := range results {
		assert.Equal(t, "key: value", result, "result %d should match", i)
	}
}
