// Package secrets resolves named secrets such as the SMTP relay password.
//
// # Backends
//
//   - env: ALERTD_SECRET_<NAME>, with the name upper-cased and non-alphanumerics
//     replaced by underscores
//   - file: one file per secret under a directory, trailing newline trimmed
//   - 1password: a 1Password Connect server, item by title
//   - auto: 1password when configured, otherwise env
//
// Resolved values are cached in memory for the life of the process.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrNotFound is returned when a backend has no value for a name.
var ErrNotFound = errors.New("secret not found")

// Provider resolves secrets by name.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend is "env", "file", "1password" or "auto" (default).
	Backend string

	// Dir is the directory of the file backend.
	Dir string

	// 1Password Connect settings.
	OnePasswordHost    string
	OnePasswordToken   string
	OnePasswordVaultID string
}

// New creates a cached provider for the configured backend.
func New(cfg Config, logger *slog.Logger) (*Cached, error) {
	logger = logger.With("component", "secrets")

	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	var p Provider
	switch backend {
	case "env":
		p = Env{}
	case "file":
		f, err := NewFile(cfg.Dir)
		if err != nil {
			return nil, err
		}
		p = f
	case "1password":
		op, err := NewOnePassword(cfg.OnePasswordHost, cfg.OnePasswordToken, cfg.OnePasswordVaultID)
		if err != nil {
			return nil, err
		}
		p = op
	case "auto":
		if cfg.OnePasswordHost != "" && cfg.OnePasswordToken != "" {
			op, err := NewOnePassword(cfg.OnePasswordHost, cfg.OnePasswordToken, cfg.OnePasswordVaultID)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to environment", "error", err)
				p = Env{}
			} else {
				p = op
			}
		} else {
			logger.Info("1Password Connect not configured, using environment secrets")
			p = Env{}
		}
	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
	return NewCached(p), nil
}

// Cached memoizes successful lookups of another provider.
type Cached struct {
	next Provider

	mu     sync.RWMutex
	values map[string]string
}

// NewCached wraps next.
func NewCached(next Provider) *Cached {
	return &Cached{next: next, values: make(map[string]string)}
}

// Get returns the cached value or resolves it. Failures are not cached.
func (c *Cached) Get(ctx context.Context, name string) (string, error) {
	c.mu.RLock()
	v, ok := c.values[name]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, err := c.next.Get(ctx, name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.values[name] = v
	c.mu.Unlock()
	return v, nil
}

// Forget drops every cached value, e.g. after a credential rotation.
func (c *Cached) Forget() {
	c.mu.Lock()
	c.values = make(map[string]string)
	c.mu.Unlock()
}

// Backend returns the wrapped provider.
func (c *Cached) Backend() Provider { return c.next }

// envName maps a secret name to its environment variable.
func envName(name string) string {
	var b strings.Builder
	b.WriteString("ALERTD_SECRET_")
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
