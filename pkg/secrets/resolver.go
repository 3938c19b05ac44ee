// Package secrets resolves secret references embedded in step input at
// execution time. Secret values never touch the database or the logs; only
// the reference path is recorded.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/runforge/execore/pkg/config"
)

// ErrUnresolved is returned when a referenced secret cannot be found.
var ErrUnresolved = errors.New("secret not resolvable")

// Marker keys of a secret reference inside step input:
//
//	{"kind": "secret", "path": "db/primary/password"}
const (
	markerKindKey   = "kind"
	markerKindValue = "secret"
	markerPathKey   = "path"
)

// Resolver looks up one secret by path.
type Resolver interface {
	Resolve(ctx context.Context, path string) (string, error)
}

// Auditor receives access notifications with the secret path only. The
// events package satisfies this with secret_accessed /
// secret_resolution_failed audit events.
type Auditor interface {
	SecretAccessed(ctx context.Context, executionID, path string)
	SecretResolutionFailed(ctx context.Context, executionID, path string)
}

// NewResolver builds the configured resolver backend.
func NewResolver(cfg *config.SecretsConfig) (Resolver, error) {
	if cfg == nil {
		return &EnvResolver{Prefix: config.DefaultSecretEnvPrefix}, nil
	}
	switch cfg.Provider {
	case "", "env":
		prefix := cfg.EnvPrefix
		if prefix == "" {
			prefix = config.DefaultSecretEnvPrefix
		}
		return &EnvResolver{Prefix: prefix}, nil
	case "static":
		return StaticResolver(cfg.Static), nil
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Provider)
	}
}

// EnvResolver resolves secret paths from environment variables. The path is
// uppercased with separators flattened to underscores and the prefix
// prepended: "db/primary/password" → EXECORE_SECRET_DB_PRIMARY_PASSWORD.
type EnvResolver struct {
	Prefix string
}

func (r *EnvResolver) Resolve(_ context.Context, path string) (string, error) {
	name := r.Prefix + normalizePath(path)
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: %s (env %s unset)", ErrUnresolved, path, name)
	}
	return value, nil
}

func normalizePath(path string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, path)
	return mapped
}

// StaticResolver resolves from an in-memory map. Intended for tests and
// sealed development environments.
type StaticResolver map[string]string

func (r StaticResolver) Resolve(_ context.Context, path string) (string, error) {
	value, ok := r[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnresolved, path)
	}
	return value, nil
}
