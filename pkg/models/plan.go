package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Plan is the caller-supplied description of what to execute. It is stored
// verbatim as plan_snapshot on the execution; the canonical hash of
// (plan, tenant, actor) is the idempotency key.
type Plan struct {
	Name string `json:"name"`
	// SLAClass overrides the submission-level class when set.
	SLAClass SLAClass `json:"sla_class,omitempty"`
	// Environment labels the plan (e.g. prod, staging) for RBAC matching.
	Environment string `json:"environment,omitempty"`
	// OrderIndependentTargets declares that multi-asset steps may have their
	// target lists normalized (sorted) before hashing, so two submissions
	// differing only in target order dedupe to the same execution.
	OrderIndependentTargets bool       `json:"order_independent_targets,omitempty"`
	Steps                   []PlanStep `json:"steps"`
}

// PlanStep is one ordered unit of a plan.
type PlanStep struct {
	Name           string         `json:"name"`
	Type           string         `json:"type,omitempty"`
	TargetAssetID  string         `json:"target_asset_id,omitempty"`
	TargetHostname string         `json:"target_hostname,omitempty"`
	// TargetAssetIDs fans the step out over multiple assets under one lock
	// acquisition (sorted order).
	TargetAssetIDs []string       `json:"target_asset_ids,omitempty"`
	Action         string         `json:"action,omitempty"`
	Environment    string         `json:"environment,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	Critical       bool           `json:"critical,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
	// TimeoutSeconds overrides the policy step timeout when positive.
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	// EstimatedDurationSeconds feeds the inline-vs-queued routing heuristic.
	EstimatedDurationSeconds int             `json:"estimated_duration_seconds,omitempty"`
	Validation               *StepValidation `json:"validation,omitempty"`
}

// StepValidation holds post-dispatch assertions. A failing assertion marks
// the step failed regardless of adapter success.
type StepValidation struct {
	ExpectedExitCode  *int     `json:"expected_exit_code,omitempty"`
	OutputContains    []string `json:"output_contains,omitempty"`
	OutputNotContains []string `json:"output_not_contains,omitempty"`
}

// Validate checks structural plan constraints. Unknown step types are not an
// error here; classification resolves them later.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("plan is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("plan name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan must contain at least one step")
	}
	if p.SLAClass != "" && !p.SLAClass.IsValid() {
		return fmt.Errorf("unknown sla_class %q", p.SLAClass)
	}
	for i := range p.Steps {
		if strings.TrimSpace(p.Steps[i].Name) == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if p.Steps[i].MaxRetries < 0 {
			return fmt.Errorf("step %d: max_retries must be >= 0", i)
		}
		if p.Steps[i].TimeoutSeconds < 0 {
			return fmt.Errorf("step %d: timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Snapshot converts the plan to the JSONMap form persisted on the execution.
func (p *Plan) Snapshot() (JSONMap, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan: %w", err)
	}
	var m JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to round-trip plan: %w", err)
	}
	return m, nil
}

// PlanFromSnapshot rebuilds a typed Plan from the persisted snapshot.
func PlanFromSnapshot(snapshot JSONMap) (*Plan, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan snapshot: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode plan snapshot: %w", err)
	}
	return &p, nil
}

// CanonicalPlanHash computes the idempotency key for (plan, tenant, actor):
// the SHA-256 of a canonical JSON rendering with sorted object keys, a fixed
// number format, and (when the plan opts in) sorted multi-asset target lists.
func CanonicalPlanHash(plan *Plan, tenantID, actorID string) (string, error) {
	normalized := *plan
	if plan.OrderIndependentTargets {
		normalized.Steps = make([]PlanStep, len(plan.Steps))
		copy(normalized.Steps, plan.Steps)
		for i := range normalized.Steps {
			if len(normalized.Steps[i].TargetAssetIDs) > 1 {
				ids := make([]string, len(normalized.Steps[i].TargetAssetIDs))
				copy(ids, normalized.Steps[i].TargetAssetIDs)
				sort.Strings(ids)
				normalized.Steps[i].TargetAssetIDs = ids
			}
		}
	}

	raw, err := json.Marshal(map[string]any{
		"actor_id":  actorID,
		"plan":      &normalized,
		"tenant_id": tenantID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal plan for hashing: %w", err)
	}

	canonical, err := canonicalizeJSON(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize plan: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalizeJSON rewrites a JSON document with object keys sorted
// lexicographically and numbers in a fixed format, so byte equality follows
// from semantic equality.
func canonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encoded, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(encoded)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(canonicalNumber(val))
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("unexpected JSON value of type %T", v)
	}
	return nil
}

// canonicalNumber renders integers without exponent or fraction and
// everything else via the shortest round-trip float form, so 1, 1.0 and 1e0
// hash identically.
func canonicalNumber(n json.Number) string {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return s
	}
	f, err := n.Float64()
	if err != nil {
		return s
	}
	if f == float64(int64(f)) && f >= -1e15 && f <= 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
