// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kadirpekel/loopctl/pkg/cascade"
	"github.com/kadirpekel/loopctl/pkg/checkpoint"
	"github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/ipc"
	"github.com/kadirpekel/loopctl/pkg/logger"
	"github.com/kadirpekel/loopctl/pkg/loopengine"
	"github.com/kadirpekel/loopctl/pkg/looptype"
	"github.com/kadirpekel/loopctl/pkg/mediator"
	"github.com/kadirpekel/loopctl/pkg/metrics"
	"github.com/kadirpekel/loopctl/pkg/scheduler"
	"github.com/kadirpekel/loopctl/pkg/server"
	"github.com/kadirpekel/loopctl/pkg/store"
	"github.com/kadirpekel/loopctl/pkg/supervisor"
	"github.com/kadirpekel/loopctl/pkg/telemetry"
	"github.com/kadirpekel/loopctl/pkg/workspace"
)

// deployment bundles every long-lived collaborator built from a loaded
// config, plus the teardown needed to unwind them in reverse order.
type deployment struct {
	cfg       *config.Config
	store     *store.Actor
	mediator  *mediator.Actor
	scheduler *scheduler.Scheduler
	workspace *workspace.Driver
	loopTypes *looptype.Registry
	cascade   *cascade.Engine
	ipc       *ipc.Listener
	srv       *server.Server
	prom      *metrics.Metrics
	tel       *telemetry.Provider
	ckpt      *checkpoint.Manager
	sup       *supervisor.Supervisor

	shutdown func(context.Context)
}

// fakeEngineFactory builds the bundled loopengine.Fake for every loop
// type. The core ships no real engine; wiring in a language-model-backed
// one is left to whoever embeds this binary, per the out-of-scope LLM
// client collaborator.
func fakeEngineFactory(reg *looptype.Registry) supervisor.EngineFactory {
	return func(loopType string) (loopengine.Engine, error) {
		def, ok := reg.Get(loopType)
		if !ok {
			return nil, fmt.Errorf("unknown loop type %q", loopType)
		}
		iterCap := def.DefaultIterationCap
		if iterCap <= 0 {
			iterCap = 10
		}
		return &loopengine.Fake{Iterations: iterCap, OutputDir: "."}, nil
	}
}

// buildDeployment wires every collaborator named in cfg together, the
// way cmd/hector/main.go wires a runtime from a loaded Config. Callers
// must invoke the returned teardown once the deployment is done with,
// regardless of whether Run is ever called.
func buildDeployment(ctx context.Context, cfg *config.Config) (*deployment, error) {
	log := logger.GetLogger()
	d := &deployment{cfg: cfg}

	prom, err := metrics.New(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	d.prom = prom

	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	d.tel = tel

	st, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	st.SetMetrics(prom)
	d.store = st

	storeCtx, storeCancel := context.WithCancel(ctx)
	go st.Run(storeCtx)

	med, err := mediator.New(cfg.Mediator)
	if err != nil {
		storeCancel()
		return nil, fmt.Errorf("mediator: %w", err)
	}
	med.SetMetrics(prom)
	med.SetTelemetry(tel)
	d.mediator = med

	medCtx, medCancel := context.WithCancel(ctx)
	go med.Run(medCtx)

	reg, err := looptype.New(cfg.LoopTypes)
	if err != nil {
		medCancel()
		storeCancel()
		return nil, fmt.Errorf("loop types: %w", err)
	}
	d.loopTypes = reg

	sched := scheduler.New(cfg.Scheduler.Slots)
	sched.SetMetrics(prom)
	d.scheduler = sched

	ws := workspace.New(cfg.Workspace)
	ws.SetMetrics(prom)
	d.workspace = ws

	casc := cascade.New(st, reg, ws, nil)
	casc.SetTelemetry(tel)
	d.cascade = casc

	listener, err := ipc.Listen(cfg.IPC)
	if err != nil {
		medCancel()
		storeCancel()
		return nil, fmt.Errorf("ipc: %w", err)
	}
	d.ipc = listener

	d.srv = server.New(st, prom)

	ckpt := checkpoint.NewManager(&cfg.Checkpoint, filepath.Join(cfg.Store.Root, "checkpoints"))
	d.ckpt = ckpt

	sup := supervisor.New(supervisor.Config{
		Supervisor:   cfg.Supervisor,
		Store:        st,
		Mediator:     med,
		Scheduler:    sched,
		Workspace:    ws,
		Cascade:      casc,
		LoopTypes:    reg,
		Engines:      fakeEngineFactory(reg),
		RepoRoot:     cfg.Workspace.RepoRoot,
		ArtifactRoot: cfg.Workspace.Root,
		IPC:          listener,
		Metrics:      prom,
		Telemetry:    tel,
		Checkpoint:   ckpt,
	})
	d.sup = sup

	d.shutdown = func(shutdownCtx context.Context) {
		if d.ipc != nil {
			_ = d.ipc.Close()
		}
		if err := med.Shutdown(shutdownCtx); err != nil {
			log.Warn("mediator shutdown", "error", err)
		}
		medCancel()
		if err := st.Shutdown(shutdownCtx); err != nil {
			log.Warn("store shutdown", "error", err)
		}
		storeCancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}

	return d, nil
}

// close unwinds the deployment's collaborators within timeout, independent
// of whether the Supervisor's own Run loop ever started.
func (d *deployment) close(timeout time.Duration) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	d.shutdown(ctx)
}
