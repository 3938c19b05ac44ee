package masking

import (
	"bytes"
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaskedSecretValue replaces masked secret data values in manifests.
const MaskedSecretValue = "[MASKED_SECRET_DATA]"

var (
	yamlSecretKind = regexp.MustCompile(`(?m)^\s*kind:\s*Secret`)
	jsonSecretKind = regexp.MustCompile(`"kind"\s*:\s*"Secret`)
)

// ManifestSecretMasker masks data/stringData values in Kubernetes-style
// Secret manifests that remote steps echo back (kubectl get -o yaml/json is
// a common step output). ConfigMaps and other kinds pass through untouched,
// which a pure regex sweep cannot distinguish.
type ManifestSecretMasker struct{}

func (m *ManifestSecretMasker) Name() string { return "manifest_secret" }

// AppliesTo is a cheap pre-check before any parsing happens.
func (m *ManifestSecretMasker) AppliesTo(data string) bool {
	if !strings.Contains(data, "Secret") {
		return false
	}
	return yamlSecretKind.MatchString(data) || jsonSecretKind.MatchString(data)
}

// Mask parses the payload as JSON or multi-document YAML and masks secret
// data fields. On any parse or serialization error the original data is
// returned; the regex sweep still runs after this masker.
func (m *ManifestSecretMasker) Mask(data string) string {
	trimmed := strings.TrimSpace(data)

	// JSON first when it looks like JSON, so the YAML parser does not
	// consume a JSON document and re-serialize it as YAML.
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if masked := m.maskJSON(data); masked != data {
			return masked
		}
	}
	return m.maskYAML(data)
}

func (m *ManifestSecretMasker) maskJSON(data string) string {
	var doc map[string]any
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return data
	}
	if !maskManifest(doc) {
		return data
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return data
	}
	return matchTrailingNewline(string(out), data)
}

func (m *ManifestSecretMasker) maskYAML(data string) string {
	decoder := yaml.NewDecoder(strings.NewReader(data))
	var documents []map[string]any
	anyMasked := false

	for {
		var doc map[string]any
		err := decoder.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return data
		}
		if doc == nil {
			continue
		}
		if maskManifest(doc) {
			anyMasked = true
		}
		documents = append(documents, doc)
	}

	if !anyMasked {
		return data
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	for _, doc := range documents {
		if err := encoder.Encode(doc); err != nil {
			return data
		}
	}
	if err := encoder.Close(); err != nil {
		return data
	}
	return matchTrailingNewline(strings.TrimRight(buf.String(), "\n"), data)
}

// maskManifest masks one parsed document: a Secret directly, or Secret items
// inside a List/SecretList. Returns whether anything was masked.
func maskManifest(doc map[string]any) bool {
	kind, _ := doc["kind"].(string)
	switch {
	case kind == "Secret":
		maskSecretData(doc)
		maskEmbeddedSecrets(doc)
		return true
	case strings.HasSuffix(kind, "List"):
		items, _ := doc["items"].([]any)
		anyMasked := false
		for _, item := range items {
			if itemDoc, ok := item.(map[string]any); ok {
				if maskManifest(itemDoc) {
					anyMasked = true
				}
			}
		}
		return anyMasked
	}
	return false
}

// maskSecretData replaces every value under "data" and "stringData".
func maskSecretData(doc map[string]any) {
	for _, field := range []string{"data", "stringData"} {
		if dataMap, ok := doc[field].(map[string]any); ok {
			for key := range dataMap {
				dataMap[key] = MaskedSecretValue
			}
		}
	}
}

// maskEmbeddedSecrets handles annotations carrying a JSON copy of the
// Secret, e.g. kubectl.kubernetes.io/last-applied-configuration.
func maskEmbeddedSecrets(doc map[string]any) {
	metadata, ok := doc["metadata"].(map[string]any)
	if !ok {
		return
	}
	annotations, ok := metadata["annotations"].(map[string]any)
	if !ok {
		return
	}

	for key, val := range annotations {
		text, ok := val.(string)
		if !ok || !strings.Contains(text, "Secret") {
			continue
		}
		var embedded map[string]any
		if err := json.Unmarshal([]byte(text), &embedded); err != nil {
			continue
		}
		if kind, _ := embedded["kind"].(string); kind != "Secret" {
			continue
		}
		maskSecretData(embedded)
		masked, err := json.Marshal(embedded)
		if err != nil {
			continue
		}
		annotations[key] = string(masked)
	}
}

// matchTrailingNewline makes out end with a newline iff original did.
func matchTrailingNewline(out, original string) string {
	if strings.HasSuffix(original, "\n") {
		if !strings.HasSuffix(out, "\n") {
			return out + "\n"
		}
		return out
	}
	return strings.TrimRight(out, "\n")
}
