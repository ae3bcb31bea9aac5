package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kwang1012/sregym/pkg/app"
	"github.com/kwang1012/sregym/pkg/cluster"
	"github.com/kwang1012/sregym/pkg/conductor"
	"github.com/kwang1012/sregym/pkg/config"
	"github.com/kwang1012/sregym/pkg/crashsafety"
	"github.com/kwang1012/sregym/pkg/database"
	"github.com/kwang1012/sregym/pkg/fault"
	"github.com/kwang1012/sregym/pkg/models"
	"github.com/kwang1012/sregym/pkg/oracle"
	"github.com/kwang1012/sregym/pkg/registry"
)

// harness bundles everything a CLI command needs to drive one Conductor
// session, built once from the resolved Config.
type harness struct {
	cfg        *config.Config
	gateway    *cluster.Gateway
	db         *database.Client
	problems   *registry.ProblemRegistry
	guard      *crashsafety.Guard
	conductor  *conductor.Conductor
}

// buildHarness wires the ambient stack (config, database, registry, cluster
// gateway) and the Conductor together the way cmd/tarsy/main.go wires its
// own services around a single gin router, generalized to sregym's
// components. appCatalogue/injectorCatalogue are the operator-supplied
// concrete App/Injector builders, keyed by the AppRef/InjectorRef a Problem
// names (spec.md Non-goals: concrete catalogues are an external
// collaborator, see the "cmd / cmd/sregym" entry in DESIGN.md).
func buildHarness(ctx context.Context, appCatalogue map[string]func(*models.Problem, *cluster.Gateway) (app.App, error),
	injectorCatalogue map[string]func(*models.Problem, *cluster.Gateway) (fault.Injector, error)) (*harness, error) {

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	gw, err := cluster.New(cluster.Options{Kubeconfig: cfg.Cluster.Kubeconfig, Emulated: cfg.Cluster.Emulated})
	if err != nil {
		return nil, fmt.Errorf("build cluster gateway: %w", err)
	}

	db, err := database.NewClient(ctx, database.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	problems, err := registry.LoadProblemRegistry(cfg.Problems.Paths...)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load problem registry: %w", err)
	}

	guard := crashsafety.New()
	guard.Start()

	judge := buildJudge(cfg.LLMJudge)

	c := conductor.New(conductor.Dependencies{
		Gateway:  gw,
		Problems: problems,
		Judge:    judge,
		Apps: func(p *models.Problem) (app.App, error) {
			build, ok := appCatalogue[p.AppRef]
			if !ok {
				return nil, fmt.Errorf("no App builder registered for app ref %q", p.AppRef)
			}
			return build(p, gw)
		},
		Injectors: func(p *models.Problem) (fault.Injector, error) {
			build, ok := injectorCatalogue[p.InjectorRef]
			if !ok {
				return nil, fmt.Errorf("no Injector builder registered for injector ref %q", p.InjectorRef)
			}
			return build(p, gw)
		},
		CrashGuard: guard,
		DB:         db,
		Logger:     slog.With("component", "sregym"),
	})

	return &harness{cfg: cfg, gateway: gw, db: db, problems: problems, guard: guard, conductor: c}, nil
}

func (h *harness) Close() {
	h.guard.Stop()
	h.db.Close()
}

// defaultInjectorCatalogue wires the one illustrative Injector shipped with
// the harness (fault.ConfigMapFlagInjector) plus the no-op used by problems
// whose "noop" reference name is literal. Operators extend this map for any
// problem-specific injector their own App deployments need.
func defaultInjectorCatalogue() map[string]func(*models.Problem, *cluster.Gateway) (fault.Injector, error) {
	return map[string]func(*models.Problem, *cluster.Gateway) (fault.Injector, error){
		"configmap-flag": func(p *models.Problem, gw *cluster.Gateway) (fault.Injector, error) {
			return fault.NewConfigMapFlagInjector(gw), nil
		},
		"noop": func(p *models.Problem, gw *cluster.Gateway) (fault.Injector, error) {
			return fault.NoopInjector{}, nil
		},
	}
}

// buildJudge constructs the optional LLM Judge backend when enabled in
// config, logging and falling back to nil (oracle.LLMJudgeOracle treats a
// nil Backend as OracleError — skip, not fail) on construction failure
// rather than aborting startup over an optional oracle.
func buildJudge(cfg config.LLMJudgeConfig) oracle.Judge {
	if !cfg.Enabled {
		return nil
	}
	apiKey := os.Getenv(cfg.APIKeyEnv)
	j, err := oracle.NewLangchainJudge(cfg.Provider, cfg.Model, apiKey)
	if err != nil {
		slog.Warn("llm judge backend unavailable, llm_judge stages will be skipped", "error", err)
		return nil
	}
	return j
}

// defaultAppCatalogue is intentionally empty: concrete App deployments are
// problem-specific and live outside the core harness (spec.md Non-goals).
// Operators populate this map (or pass their own) with one entry per AppRef
// their problem catalogue names, typically built from app.GatewayApp.
func defaultAppCatalogue() map[string]func(*models.Problem, *cluster.Gateway) (app.App, error) {
	return map[string]func(*models.Problem, *cluster.Gateway) (app.App, error){}
}
