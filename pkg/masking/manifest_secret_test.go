package masking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManifestSecretMaskerYAML(t *testing.T) {
	m := &ManifestSecretMasker{}

	input := `apiVersion: v1
kind: Secret
metadata:
  name: db-credentials
data:
  username: YWRtaW4=
  password: aHVudGVyMg==
`
	assert.True(t, m.AppliesTo(input))
	masked := m.Mask(input)
	assert.NotContains(t, masked, "YWRtaW4=")
	assert.NotContains(t, masked, "aHVudGVyMg==")
	assert.Contains(t, masked, MaskedSecretValue)
	assert.Contains(t, masked, "db-credentials")
}

func TestManifestSecretMaskerLeavesConfigMaps(t *testing.T) {
	m := &ManifestSecretMasker{}

	input := `apiVersion: v1
kind: ConfigMap
metadata:
  name: app-settings
data:
  log_level: debug
`
	assert.False(t, m.AppliesTo(input))
	assert.Equal(t, input, m.Mask(input))
}

func TestManifestSecretMaskerJSON(t *testing.T) {
	m := &ManifestSecretMasker{}

	input := `{"apiVersion":"v1","kind":"Secret","metadata":{"name":"tok"},"data":{"token":"c2VjcmV0dG9rZW4="}}`
	assert.True(t, m.AppliesTo(input))
	masked := m.Mask(input)
	assert.NotContains(t, masked, "c2VjcmV0dG9rZW4=")
	assert.Contains(t, masked, MaskedSecretValue)
}

func TestManifestSecretMaskerMultiDocument(t *testing.T) {
	m := &ManifestSecretMasker{}

	input := `kind: ConfigMap
metadata:
  name: settings
data:
  key: visible
---
kind: Secret
metadata:
  name: creds
data:
  password: aHVudGVyMg==
`
	masked := m.Mask(input)
	assert.Contains(t, masked, "visible")
	assert.NotContains(t, masked, "aHVudGVyMg==")
	assert.Equal(t, 2, strings.Count(masked, "kind:"))
}

func TestManifestSecretMaskerList(t *testing.T) {
	m := &ManifestSecretMasker{}

	input := `kind: SecretList
items:
  - kind: Secret
    metadata:
      name: one
    data:
      a: c2VjcmV0MQ==
  - kind: Secret
    metadata:
      name: two
    stringData:
      b: plaintext-secret
`
	masked := m.Mask(input)
	assert.NotContains(t, masked, "c2VjcmV0MQ==")
	assert.NotContains(t, masked, "plaintext-secret")
	assert.Equal(t, 2, strings.Count(masked, MaskedSecretValue))
}

func TestManifestSecretMaskerEmbeddedAnnotation(t *testing.T) {
	m := &ManifestSecretMasker{}

	input := `kind: Secret
metadata:
  name: creds
  annotations:
    kubectl.kubernetes.io/last-applied-configuration: '{"kind":"Secret","data":{"password":"aHVudGVyMg=="}}'
data:
  password: aHVudGVyMg==
`
	masked := m.Mask(input)
	assert.NotContains(t, masked, "aHVudGVyMg==")
}

func TestManifestSecretMaskerInvalidInputUntouched(t *testing.T) {
	m := &ManifestSecretMasker{}

	input := "kind: Secret\n\tbad yaml: [unclosed"
	assert.Equal(t, input, m.Mask(input))
}
