// Package fault defines the Fault Injector interface and the idempotence
// contract the Conductor and Crash-Safety Layer rely on (spec.md §4.2).
// Concrete injector implementations (application-level, feature-flag,
// operator-level, virtualization, host-OS) are external collaborators; only
// the interface and a couple of illustrative reference implementations
// live here.
package fault

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Injector is the two-method capability every fault variant conforms to.
// Both methods MUST be idempotent and MUST be safe to invoke from a signal
// handler — no allocation-heavy setup, no blocking indefinitely.
type Injector interface {
	// Inject applies the fault. Calling Inject twice must not compound damage.
	Inject(ctx context.Context, params map[string]any) error

	// Recover undoes the fault. Calling Recover without a prior Inject, or
	// twice in a row, must succeed and leave the cluster clean.
	Recover(ctx context.Context, params map[string]any) error
}

// DefaultTimeout bounds a single inject/recover attempt; exceeding it
// surfaces a retriable error rather than blocking indefinitely (spec.md §4.2).
const DefaultTimeout = 30 * time.Second

// NoopInjector is a reference Injector, registered under the "noop"
// injector ref in cmd's default catalogue: it does nothing and always
// succeeds, trivially idempotent.
type NoopInjector struct{}

func (NoopInjector) Inject(ctx context.Context, params map[string]any) error  { return nil }
func (NoopInjector) Recover(ctx context.Context, params map[string]any) error { return nil }

// ConfigMapFlagInjector is an illustrative application-level injector: it
// flips a boolean flag inside a target ConfigMap to simulate a
// misconfiguration fault. Grounded on the teacher's mcp.Client
// per-server-mutex idiom (pkg/mcp/client.go InitializeServer): mu guards
// the active map only; the ConfigMap patches themselves run outside it.
type ConfigMapFlagInjector struct {
	Patcher Patcher

	mu     sync.Mutex
	active map[string]bool // "namespace/name/key" -> currently flipped
}

// Patcher is the minimal cluster-write capability this injector needs —
// narrower than the full Cluster Gateway so it can be unit tested with a
// stub (see fault/injector_test.go).
type Patcher interface {
	PatchConfigMapFlag(ctx context.Context, namespace, name, key string, value bool) error
}

// NewConfigMapFlagInjector builds an injector bound to a given patcher.
func NewConfigMapFlagInjector(p Patcher) *ConfigMapFlagInjector {
	return &ConfigMapFlagInjector{Patcher: p, active: make(map[string]bool)}
}

type flagParams struct {
	Namespace string
	Name      string
	Key       string
}

func parseFlagParams(params map[string]any) (flagParams, error) {
	var fp flagParams
	ns, _ := params["namespace"].(string)
	name, _ := params["name"].(string)
	key, _ := params["key"].(string)
	if ns == "" || name == "" || key == "" {
		return fp, fmt.Errorf("fault params missing namespace/name/key")
	}
	return flagParams{Namespace: ns, Name: name, Key: key}, nil
}

func (c *ConfigMapFlagInjector) Inject(ctx context.Context, params map[string]any) error {
	fp, err := parseFlagParams(params)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	k := fp.Namespace + "/" + fp.Name + "/" + fp.Key

	c.mu.Lock()
	alreadyActive := c.active[k]
	c.mu.Unlock()
	if alreadyActive {
		slog.Debug("fault already injected, skipping duplicate inject", "target", k)
		return nil
	}

	if err := c.Patcher.PatchConfigMapFlag(ctx, fp.Namespace, fp.Name, fp.Key, true); err != nil {
		return fmt.Errorf("inject flag fault: %w", err)
	}

	c.mu.Lock()
	c.active[k] = true
	c.mu.Unlock()
	return nil
}

func (c *ConfigMapFlagInjector) Recover(ctx context.Context, params map[string]any) error {
	fp, err := parseFlagParams(params)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	k := fp.Namespace + "/" + fp.Name + "/" + fp.Key

	if err := c.Patcher.PatchConfigMapFlag(ctx, fp.Namespace, fp.Name, fp.Key, false); err != nil {
		return fmt.Errorf("recover flag fault: %w", err)
	}

	c.mu.Lock()
	delete(c.active, k)
	c.mu.Unlock()
	return nil
}
