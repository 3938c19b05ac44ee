// Package masking sanitizes text and structured payloads before they reach
// logs, events or persisted error fields. A named regex catalog plus
// structural maskers, resolved once from config at startup.
package masking

import (
	"fmt"
	"log/slog"

	"github.com/runforge/execore/pkg/config"
)

// RedactedNotice replaces content entirely when masking itself fails.
// Fail-closed: an unmaskable payload must never leak.
const RedactedNotice = "[REDACTED: data masking failure, content could not be safely processed]"

// Masker is the interface for code-based maskers that need structural
// awareness beyond regex matching, e.g. parsing a manifest to mask secret
// data fields but not config values.
type Masker interface {
	// Name returns the identifier used to reference this masker from
	// pattern groups and config.
	Name() string

	// AppliesTo is a cheap pre-check (string contains, not parsing).
	AppliesTo(data string) bool

	// Mask applies the masking logic. Must return the original data on
	// parse errors rather than failing.
	Mask(data string) string
}

// Service applies data masking. Created once at startup; thread-safe and
// stateless aside from the compiled patterns.
type Service struct {
	enabled     bool
	compiled    map[string]*CompiledPattern
	maskerIndex map[string]Masker

	// Resolved, ordered apply lists.
	maskers  []Masker
	patterns []*CompiledPattern
}

// NewService compiles the catalog and resolves the configured pattern set.
func NewService(cfg config.MaskingConfig) *Service {
	s := &Service{
		enabled:     cfg.Enabled,
		compiled:    make(map[string]*CompiledPattern),
		maskerIndex: make(map[string]Masker),
	}

	s.registerMasker(&ManifestSecretMasker{})
	s.compileBuiltinPatterns()
	customNames := s.compileCustomPatterns(cfg.CustomPatterns)
	s.resolvePatterns(cfg, customNames)

	slog.Info("Masking service initialized",
		"enabled", cfg.Enabled,
		"pattern_group", cfg.PatternGroup,
		"resolved_patterns", len(s.patterns),
		"structural_maskers", len(s.maskers))
	return s
}

// Enabled reports whether masking is switched on.
func (s *Service) Enabled() bool {
	return s.enabled
}

// MaskText masks sensitive content in text. Structural maskers run first
// (more specific), then the regex sweep. A panicking masker redacts the
// whole payload instead of leaking it.
func (s *Service) MaskText(content string) string {
	if !s.enabled || content == "" {
		return content
	}

	masked, err := s.apply(content)
	if err != nil {
		slog.Error("Masking failed, redacting content", "error", err)
		return RedactedNotice
	}
	return masked
}

// MaskValue recursively masks string values inside structured payloads.
// Maps and slices are rebuilt, so the input value is never mutated.
func (s *Service) MaskValue(value any) any {
	if !s.enabled {
		return value
	}
	return s.maskValue(value)
}

func (s *Service) maskValue(value any) any {
	switch v := value.(type) {
	case string:
		return s.MaskText(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			out[key] = s.maskValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = s.maskValue(inner)
		}
		return out
	default:
		return value
	}
}

// apply runs structural maskers then regex patterns over content.
func (s *Service) apply(content string) (masked string, err error) {
	defer func() {
		if r := recover(); r != nil {
			masked, err = "", fmt.Errorf("masker panic: %v", r)
		}
	}()

	masked = content
	for _, masker := range s.maskers {
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}
	for _, pattern := range s.patterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}
	return masked, nil
}

// registerMasker indexes a structural masker under its name so pattern
// groups can reference it.
func (s *Service) registerMasker(m Masker) {
	s.maskerIndex[m.Name()] = m
}
