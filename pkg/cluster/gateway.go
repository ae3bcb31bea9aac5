// Package cluster provides the Cluster Gateway: a single serialised channel
// to the Kubernetes control plane used by the Conductor and Fault Injectors.
//
// Grounded on the client-go/controller-runtime wiring conventions of the
// giantswarm-muster and jordigilh-kubernaut example repos, composed in the
// teacher's defensive-logging, sentinel-error style (pkg/services/errors.go).
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kwang1012/sregym/pkg/errs"
	"github.com/kwang1012/sregym/pkg/version"
)

// Gateway is a thin imperative facade over the cluster API. All mutating
// operations are serialised on mu so that no two mutations run concurrently
// from the same Conductor, per spec.md §4.1.
type Gateway struct {
	mu       sync.Mutex
	clientset kubernetes.Interface
	dynamic   dynamic.Interface
	restCfg   *rest.Config
	emulated  bool
	logger    *slog.Logger
}

// Options configures gateway construction.
type Options struct {
	Kubeconfig string // empty = in-cluster / default loading rules
	Emulated   bool   // true for local/emulated clusters (kind, minikube, ...)
}

// New builds a Gateway from the default kubeconfig loading rules, generalizing
// the "load once from the default config" discipline the API Filtering Proxy
// also requires (spec.md §4.5).
func New(opts Options) (*Gateway, error) {
	var restCfg *rest.Config
	var err error
	if opts.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", opts.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
		if err != nil {
			loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
			restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
				loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	restCfg.UserAgent = version.Full()

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build dynamic client: %w", err)
	}

	return &Gateway{
		clientset: clientset,
		dynamic:   dyn,
		restCfg:   restCfg,
		emulated:  opts.Emulated,
		logger:    slog.With("component", "cluster_gateway"),
	}, nil
}

// NewForTesting wraps pre-built clientsets (typically fake.NewSimpleClientset())
// for unit tests, mirroring the teacher's NewClientFromEnt test-injection helper.
func NewForTesting(clientset kubernetes.Interface, dyn dynamic.Interface, emulated bool) *Gateway {
	return &Gateway{
		clientset: clientset,
		dynamic:   dyn,
		emulated:  emulated,
		logger:    slog.With("component", "cluster_gateway", "mode", "test"),
	}
}

// RESTConfig exposes the underlying REST config, needed by the API Filtering
// Proxy to build its own upstream transport without re-reading overridden
// client configuration (spec.md §4.5).
func (g *Gateway) RESTConfig() *rest.Config {
	return g.restCfg
}

// IsEmulatedCluster reports whether the gateway targets a local/emulated
// cluster where privileged daemon-set fault injectors cannot be safely
// deployed (spec.md §4.7 emulated-cluster gate).
func (g *Gateway) IsEmulatedCluster() bool {
	return g.emulated
}

// WaitForReady polls until every pod matching selector in ns is
// Running, or timeout elapses.
func (g *Gateway) WaitForReady(ctx context.Context, ns, selector string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		pods, err := g.GetPods(ctx, ns, selector)
		if err == nil {
			ready := len(pods) > 0
			for _, p := range pods {
				if p.Status.Phase != "Running" {
					ready = false
					break
				}
			}
			if ready {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: namespace %s not ready after %s", errs.ErrClusterTimeout, ns, timeout)
		case <-ticker.C:
		}
	}
}

// WaitForNamespaceDeletion polls until ns no longer exists, or timeout elapses.
func (g *Gateway) WaitForNamespaceDeletion(ctx context.Context, ns string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		_, err := g.clientset.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: namespace %s still present after %s", errs.ErrClusterTimeout, ns, timeout)
		case <-ticker.C:
		}
	}
}

// GetPods is a read operation; it is retried internally on transient failure
// per spec.md §4.1 ("only idempotent reads are retried").
func (g *Gateway) GetPods(ctx context.Context, ns, selector string) ([]podSummary, error) {
	var list []podSummary
	op := func() error {
		out, err := g.clientset.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return classifyErr(err)
		}
		list = make([]podSummary, 0, len(out.Items))
		for _, p := range out.Items {
			list = append(list, podSummary{Name: p.Name, Status: p.Status})
		}
		return nil
	}
	if err := retryRead(ctx, op); err != nil {
		return nil, err
	}
	return list, nil
}

// Apply applies a resource via the dynamic client — serialised on mu because
// it is a mutation (spec.md §4.1: "no two mutations run concurrently").
func (g *Gateway) Apply(ctx context.Context, gvr schema.GroupVersionResource, ns string, obj map[string]any, fieldManager string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	u := toUnstructured(obj)
	_, err := g.dynamic.Resource(gvr).Namespace(ns).Apply(ctx, u.GetName(), u, metav1.ApplyOptions{
		FieldManager: fieldManager,
		Force:        true,
	})
	if err != nil {
		g.logger.Error("apply failed", "gvr", gvr.String(), "namespace", ns, "error", err)
		return classifyErr(err)
	}
	return nil
}

// Delete removes the named resource (NotFound counts as success); a write,
// so it is serialised.
func (g *Gateway) Delete(ctx context.Context, gvr schema.GroupVersionResource, ns, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	err := g.dynamic.Resource(gvr).Namespace(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		g.logger.Error("delete failed", "gvr", gvr.String(), "namespace", ns, "name", name, "error", err)
		return classifyErr(err)
	}
	return nil
}

// Patch applies a JSON merge patch; a write, so it is serialised.
func (g *Gateway) Patch(ctx context.Context, gvr schema.GroupVersionResource, ns, name string, patch []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.dynamic.Resource(gvr).Namespace(ns).Patch(ctx, name, pkgMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		g.logger.Error("patch failed", "gvr", gvr.String(), "namespace", ns, "name", name, "error", err)
		return classifyErr(err)
	}
	return nil
}

// configMapsGVR is the dynamic-client coordinate for the core ConfigMap
// kind, used only by PatchConfigMapFlag so callers needing just a flag flip
// don't need to know the GVR themselves.
var configMapsGVR = schema.GroupVersionResource{Version: "v1", Resource: "configmaps"}

// PatchConfigMapFlag flips a single boolean-as-string key inside a
// ConfigMap's data map, satisfying fault.Patcher. Grounded on Patch above;
// ConfigMap values are always strings, so the bool is rendered as "true"/
// "false" the way the rest of the Kubernetes ecosystem encodes them.
func (g *Gateway) PatchConfigMapFlag(ctx context.Context, namespace, name, key string, value bool) error {
	patch, err := json.Marshal(map[string]any{
		"data": map[string]string{key: strconv.FormatBool(value)},
	})
	if err != nil {
		return fmt.Errorf("marshal configmap flag patch: %w", err)
	}
	return g.Patch(ctx, configMapsGVR, namespace, name, patch)
}

type podSummary struct {
	Name   string
	Status podStatus
}

type podStatus = coreV1PodStatus

func retryRead(ctx context.Context, op func() error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetriable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}
	return lastErr
}

func isRetriable(err error) bool {
	return !errsIsNotFound(err)
}
