package secrets

import (
	"context"
	"fmt"
)

// Walker substitutes secret references inside step input. Resolution happens
// on a deep copy at execution time; the step's persisted input keeps the
// markers, never the values.
type Walker struct {
	resolver Resolver
	auditor  Auditor
}

// NewWalker wires a resolver with an optional auditor (nil disables audit
// notifications).
func NewWalker(resolver Resolver, auditor Auditor) *Walker {
	return &Walker{resolver: resolver, auditor: auditor}
}

// ResolveInput walks input and replaces every secret marker with its
// resolved value, returning a new structure. A single unresolvable reference
// fails the whole call: running a step with a half-resolved input would leak
// the marker into an adapter command line.
func (w *Walker) ResolveInput(ctx context.Context, executionID string, input map[string]any) (map[string]any, error) {
	resolved, err := w.walk(ctx, executionID, input)
	if err != nil {
		return nil, err
	}
	out, ok := resolved.(map[string]any)
	if !ok {
		// Only possible if input itself is a marker map, which resolves
		// to a string; callers pass step input maps, not bare markers.
		return nil, fmt.Errorf("step input resolved to non-map value")
	}
	return out, nil
}

func (w *Walker) walk(ctx context.Context, executionID string, value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if path, ok := markerPath(v); ok {
			return w.resolveOne(ctx, executionID, path)
		}
		out := make(map[string]any, len(v))
		for key, inner := range v {
			resolved, err := w.walk(ctx, executionID, inner)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			resolved, err := w.walk(ctx, executionID, inner)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (w *Walker) resolveOne(ctx context.Context, executionID, path string) (string, error) {
	value, err := w.resolver.Resolve(ctx, path)
	if err != nil {
		if w.auditor != nil {
			w.auditor.SecretResolutionFailed(ctx, executionID, path)
		}
		return "", err
	}
	if w.auditor != nil {
		w.auditor.SecretAccessed(ctx, executionID, path)
	}
	return value, nil
}

// markerPath reports whether m is a secret marker and returns its path.
func markerPath(m map[string]any) (string, bool) {
	if len(m) != 2 {
		return "", false
	}
	kind, _ := m[markerKindKey].(string)
	if kind != markerKindValue {
		return "", false
	}
	path, _ := m[markerPathKey].(string)
	if path == "" {
		return "", false
	}
	return path, true
}
