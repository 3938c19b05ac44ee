package masking

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sort"

	"github.com/runforge/execore/pkg/config"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// compileBuiltinPatterns compiles the built-in regex catalog. Invalid
// patterns are logged and skipped.
func (s *Service) compileBuiltinPatterns() {
	for name, spec := range builtinPatterns() {
		compiled, err := regexp.Compile(spec.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.compiled[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: spec.Replacement,
			Description: spec.Description,
		}
	}
}

// compileCustomPatterns compiles deployment-specific patterns from config.
// Custom patterns are keyed as "custom:{name}" to avoid catalog collisions.
func (s *Service) compileCustomPatterns(customs []config.CustomMaskingPattern) []string {
	names := make([]string, 0, len(customs))
	for i, custom := range customs {
		name := fmt.Sprintf("custom:%s", custom.Name)
		if custom.Name == "" {
			name = fmt.Sprintf("custom:%d", i)
		}
		compiled, err := regexp.Compile(custom.Pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.compiled[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: custom.Replacement,
			Description: custom.Description,
		}
		names = append(names, name)
	}
	return names
}

// resolvePatterns expands the masking config into the ordered pattern and
// masker lists applied on every call: group members, plus individually named
// patterns, minus disabled ones, plus all custom patterns. Regex order is
// made deterministic by sorting so masked output is stable.
func (s *Service) resolvePatterns(cfg config.MaskingConfig, customNames []string) {
	seen := make(map[string]bool)
	var names []string

	add := func(name string) {
		if seen[name] || slices.Contains(cfg.DisabledPatterns, name) {
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	for _, name := range patternGroups()[cfg.PatternGroup] {
		add(name)
	}
	for _, name := range cfg.Patterns {
		add(name)
	}

	sort.Strings(names)
	for _, name := range names {
		if masker, ok := s.maskerIndex[name]; ok {
			s.maskers = append(s.maskers, masker)
			continue
		}
		if cp, ok := s.compiled[name]; ok {
			s.patterns = append(s.patterns, cp)
		} else {
			slog.Warn("Unknown masking pattern in config, skipping", "pattern", name)
		}
	}

	// Custom patterns always apply when present.
	for _, name := range customNames {
		if cp, ok := s.compiled[name]; ok {
			s.patterns = append(s.patterns, cp)
		}
	}
}
