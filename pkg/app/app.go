// Package app defines the App interface: the deployable target application
// whose fault the harness injects and whose health the Mitigation oracle
// checks. Concrete deployers (Helm/Kustomize bundles) are an external
// collaborator per spec.md §1 — only the interface lives here, shaped so
// neither it nor Problem need a live Conductor or Gateway reference (see
// SPEC_FULL.md §9 "Cyclic collaborators").
package app

import "context"

// App is the capability set the Conductor needs from a deployed target
// application: deploy/cleanup/start_workload plus static identity fields.
type App interface {
	// Deploy provisions the application into its namespace. Must be safe to
	// call once per session; subsequent lifecycle calls assume success.
	Deploy(ctx context.Context) error

	// Cleanup tears down everything Deploy created. Idempotent.
	Cleanup(ctx context.Context) error

	// StartWorkload launches the application's own traffic generator hooks,
	// if any, distinct from the harness-level Workload Generator which
	// drives external synthetic traffic.
	StartWorkload(ctx context.Context) error

	Namespace() string
	AppName() string
	Description() string
}

// Base provides the static identity fields so concrete App implementations
// only need to embed it and implement the three lifecycle methods.
type Base struct {
	Ns   string
	Name string
	Desc string
}

func (b Base) Namespace() string   { return b.Ns }
func (b Base) AppName() string     { return b.Name }
func (b Base) Description() string { return b.Desc }
