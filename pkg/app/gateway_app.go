package app

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kwang1012/sregym/pkg/cluster"
)

// GatewayApp is an illustrative App: it deploys a set of pre-rendered
// Kubernetes manifests through the Cluster Gateway's dynamic-apply path and
// reports health via pod readiness on a label selector. Concrete,
// problem-specific App catalogues remain an external collaborator per
// spec.md Non-goals — this is the one reference wiring, mirroring
// fault.ConfigMapFlagInjector's role for injectors.
type GatewayApp struct {
	Base

	Gateway      *cluster.Gateway
	Manifests    []Manifest
	Selector     string
	ReadyTimeout time.Duration
}

// Manifest is one resource to apply/delete as part of Deploy/Cleanup.
type Manifest struct {
	GVR    schema.GroupVersionResource
	Object map[string]any
}

const fieldManager = "sregym-app"

func (a *GatewayApp) Deploy(ctx context.Context) error {
	for _, m := range a.Manifests {
		if err := a.Gateway.Apply(ctx, m.GVR, a.Ns, m.Object, fieldManager); err != nil {
			return fmt.Errorf("deploy %s in %s: %w", a.Name, a.Ns, err)
		}
	}
	return a.Gateway.WaitForReady(ctx, a.Ns, a.Selector, readyTimeoutOrDefault(a.ReadyTimeout))
}

func (a *GatewayApp) Cleanup(ctx context.Context) error {
	for _, m := range a.Manifests {
		meta, _ := m.Object["metadata"].(map[string]any)
		name, _ := meta["name"].(string)
		if err := a.Gateway.Delete(ctx, m.GVR, a.Ns, name); err != nil {
			return fmt.Errorf("cleanup %s in %s: %w", a.Name, a.Ns, err)
		}
	}
	return nil
}

// StartWorkload is a no-op: GatewayApp has no traffic generator of its own,
// relying entirely on the harness-level Workload Generator.
func (a *GatewayApp) StartWorkload(ctx context.Context) error { return nil }

// CheckHealth satisfies oracle.HealthChecker by treating pod readiness on
// Selector as the health signal, the same condition Deploy waits on.
func (a *GatewayApp) CheckHealth(ctx context.Context) (bool, string, error) {
	pods, err := a.Gateway.GetPods(ctx, a.Ns, a.Selector)
	if err != nil {
		return false, "", err
	}
	if len(pods) == 0 {
		return false, "no pods matched selector " + a.Selector, nil
	}
	for _, p := range pods {
		if p.Status.Phase != "Running" {
			return false, "pod " + p.Name + " not running", nil
		}
	}
	return true, "all pods running", nil
}

func readyTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}
