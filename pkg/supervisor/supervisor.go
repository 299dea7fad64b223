// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor implements the Execution Supervisor: a single
// cooperative event loop that reconciles durable state (what should be
// running) with the live task set (what is running), spawning Loop
// Engine tasks under a concurrency cap and reaping them as they finish.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/loopctl/pkg/cascade"
	"github.com/kadirpekel/loopctl/pkg/checkpoint"
	"github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/domain"
	"github.com/kadirpekel/loopctl/pkg/ipc"
	"github.com/kadirpekel/loopctl/pkg/logger"
	"github.com/kadirpekel/loopctl/pkg/loopengine"
	"github.com/kadirpekel/loopctl/pkg/looptype"
	"github.com/kadirpekel/loopctl/pkg/mediator"
	"github.com/kadirpekel/loopctl/pkg/metrics"
	"github.com/kadirpekel/loopctl/pkg/scheduler"
	"github.com/kadirpekel/loopctl/pkg/store"
	"github.com/kadirpekel/loopctl/pkg/telemetry"
	"github.com/kadirpekel/loopctl/pkg/workspace"
)

// EngineFactory builds the Loop Engine collaborator for a loop type. The
// core ships only loopengine.Fake; real engines are wired in by the host
// binary.
type EngineFactory func(loopType string) (loopengine.Engine, error)

// TitleGenerator produces a short (<=5 word) title for a record whose
// title was left empty, e.g. by calling an LLM. The Supervisor never
// talks to an LLM directly outside of this hook.
type TitleGenerator func(ctx context.Context, rec *domain.ExecutionRecord) (string, error)

// Config bundles the Supervisor's collaborators.
type Config struct {
	Supervisor config.SupervisorConfig
	Store      *store.Actor
	Mediator   *mediator.Actor
	Scheduler  *scheduler.Scheduler
	Workspace  *workspace.Driver
	Cascade    *cascade.Engine
	LoopTypes  *looptype.Registry
	Engines    EngineFactory
	RepoRoot   string
	ArtifactRoot string
	IPC        *ipc.Listener
	TitleGen   TitleGenerator
	LLM        loopengine.LLMClient
	Metrics    *metrics.Metrics
	Telemetry  *telemetry.Provider

	// Checkpoint, when non-nil, records resumable iteration state
	// alongside the State Store's own durability, distinct from it: the
	// store is the source of truth for lifecycle state, the checkpoint
	// only adds enough detail (iteration, last commit, pending approval)
	// to resume an interrupted loop at the right point.
	Checkpoint *checkpoint.Manager
}

type liveTask struct {
	cancel    context.CancelFunc
	loopType  string
	spawnedAt time.Time
}

// Supervisor is the Execution Supervisor.
type Supervisor struct {
	cfg config.SupervisorConfig

	store     *store.Actor
	mediator  *mediator.Actor
	scheduler *scheduler.Scheduler
	workspace *workspace.Driver
	cascade   *cascade.Engine
	loopTypes *looptype.Registry
	engines   EngineFactory
	repoRoot  string
	artifactRoot string
	ipc       *ipc.Listener
	titleGen  TitleGenerator
	llm       loopengine.LLMClient
	prom      *metrics.Metrics
	tel       *telemetry.Provider
	ckpt      *checkpoint.Hooks

	// sem caps concurrently Running loops independently of the scheduler's
	// admission slots: the scheduler decides who goes next and in what
	// priority order, sem just bounds how many can be Running at once.
	sem *semaphore.Weighted

	log *slog.Logger

	live    map[string]liveTask
	results chan taskResult
}

type taskResult struct {
	id      string
	outcome loopengine.Outcome
	err     error // non-nil only for a recovered panic
}

// New creates a Supervisor. Call Run to start its event loop.
func New(cfg Config) *Supervisor {
	sc := cfg.Supervisor
	if sc.Concurrency <= 0 {
		sc.Concurrency = 50
	}
	if sc.PollInterval <= 0 {
		sc.PollInterval = 60 * time.Second
	}
	if sc.ShutdownTimeout <= 0 {
		sc.ShutdownTimeout = 60 * time.Second
	}

	return &Supervisor{
		cfg:          sc,
		store:        cfg.Store,
		mediator:     cfg.Mediator,
		scheduler:    cfg.Scheduler,
		workspace:    cfg.Workspace,
		cascade:      cfg.Cascade,
		loopTypes:    cfg.LoopTypes,
		engines:      cfg.Engines,
		repoRoot:     cfg.RepoRoot,
		artifactRoot: cfg.ArtifactRoot,
		ipc:          cfg.IPC,
		titleGen:     cfg.TitleGen,
		llm:          cfg.LLM,
		prom:         cfg.Metrics,
		tel:          cfg.Telemetry,
		ckpt:         checkpoint.NewHooks(cfg.Checkpoint),
		sem:          semaphore.NewWeighted(int64(sc.Concurrency)),
		log:          slog.Default().With("component", "supervisor"),
		live:         make(map[string]liveTask),
		results:      make(chan taskResult, 16),
	}
}

// Recover runs the startup recovery rule: records left Running, Rebasing,
// or Paused are demoted to Pending if their workspace still exists, else
// transitioned to Failed. Call this once before Run.
func (s *Supervisor) Recover(ctx context.Context) error {
	for _, status := range []domain.Status{domain.StatusRunning, domain.StatusRebasing, domain.StatusPaused} {
		recs, err := s.store.List(ctx, store.ListFilters{Status: string(status)})
		if err != nil {
			return fmt.Errorf("supervisor: recovery listing %s: %w", status, err)
		}
		for _, rec := range recs {
			if s.workspace != nil && s.workspace.Exists(rec.ID) {
				rec.Status = domain.StatusPending
				logger.ForExecution(s.log, rec.ID).Info("recovery: demoting to pending", "from", status)
			} else {
				rec.Status = domain.StatusFailed
				rec.LastError = "workspace missing during recovery"
				logger.ForExecution(s.log, rec.ID).Warn("recovery: marking failed, workspace missing", "from", status)
			}
			if err := s.store.Update(ctx, rec); err != nil {
				return fmt.Errorf("supervisor: recovery updating %s: %w", rec.ID, err)
			}
		}
	}
	return nil
}

// Run executes the Supervisor's event loop until ctx is cancelled. It
// performs a graceful shutdown (stop-then-wait-then-abort) before
// returning.
func (s *Supervisor) Run(ctx context.Context) error {
	sub, err := s.store.Subscribe(ctx, s.cfg.EventBuffer)
	if err != nil {
		return fmt.Errorf("supervisor: subscribing to store events: %w", err)
	}
	defer sub.Close()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var ipcMessages <-chan ipc.Message
	if s.ipc != nil {
		ipcMessages = s.ipc.Messages()
	}

	s.log.Info("supervisor started", "concurrency", s.cfg.Concurrency, "poll_interval", s.cfg.PollInterval)
	s.reconcile(ctx) // pick up anything left Pending/orphaned before this process started

	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if evt.Kind == store.EventPendingForPickup && evt.Execution != nil {
				s.trySpawn(ctx, evt.Execution)
			}
			s.reap(ctx)

		case msg, ok := <-ipcMessages:
			if !ok {
				ipcMessages = nil
				continue
			}
			s.handleIPC(ctx, msg)
			s.reap(ctx)

		case <-ticker.C:
			s.reconcile(ctx)
			s.reap(ctx)

		case res := <-s.results:
			s.handleResult(ctx, res)

		case <-ctx.Done():
			return s.gracefulShutdown()
		}
	}
}

func (s *Supervisor) handleIPC(ctx context.Context, msg ipc.Message) {
	switch msg.Kind {
	case ipc.KindExecutionPending, ipc.KindExecutionResumed:
		rec, err := s.store.Get(ctx, msg.ExecutionID)
		if err != nil {
			logger.ForExecution(s.log, msg.ExecutionID).Warn("ipc referenced unknown execution", "error", err)
			return
		}
		s.trySpawn(ctx, rec)
	case ipc.KindShutdown:
		// The caller owns cancelling the context that drives Run; this is
		// logged so operators can correlate an external shutdown request
		// with the graceful shutdown that follows.
		s.log.Info("ipc shutdown request received")
	}
}

// reconcile is the fallback poll-tick procedure: list every Pending
// record and every Running record not in the live task set, and attempt
// to spawn each.
func (s *Supervisor) reconcile(ctx context.Context) {
	pending, err := s.store.List(ctx, store.ListFilters{Status: string(domain.StatusPending)})
	if err != nil {
		s.log.Warn("reconcile: listing pending failed", "error", err)
		return
	}
	for _, rec := range pending {
		s.trySpawn(ctx, rec)
	}

	running, err := s.store.List(ctx, store.ListFilters{Status: string(domain.StatusRunning)})
	if err != nil {
		s.log.Warn("reconcile: listing running failed", "error", err)
		return
	}
	for _, rec := range running {
		if _, ok := s.live[rec.ID]; !ok {
			logger.ForExecution(s.log, rec.ID).Warn("reconcile: orphaned running record, respawning")
			rec.Status = domain.StatusPending
			if err := s.store.Update(ctx, rec); err != nil {
				logger.ForExecution(s.log, rec.ID).Warn("reconcile: demoting orphan failed", "error", err)
				continue
			}
			s.trySpawn(ctx, rec)
		}
	}
}

func (s *Supervisor) trySpawn(ctx context.Context, rec *domain.ExecutionRecord) {
	if rec.Status != domain.StatusPending {
		return
	}
	if !s.depsSatisfied(ctx, rec) {
		return
	}
	if err := s.spawn(ctx, rec); err != nil {
		logger.ForExecution(s.log, rec.ID).Error("spawn failed", "error", err)
	}
}

func (s *Supervisor) depsSatisfied(ctx context.Context, rec *domain.ExecutionRecord) bool {
	for _, depID := range rec.Deps {
		dep, err := s.store.Get(ctx, depID)
		if err != nil {
			logger.ForExecution(s.log, rec.ID).Warn("dependency missing, blocking indefinitely", "dep_id", depID)
			return false
		}
		if dep.Status != domain.StatusComplete {
			return false
		}
	}
	return true
}

// gracefulShutdown asks every live loop to stop, waits up to the
// configured deadline reaping as tasks end, then forcefully aborts
// whatever remains and marks those records Stopped.
func (s *Supervisor) gracefulShutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	for id := range s.live {
		if s.mediator != nil {
			_ = s.mediator.Stop("supervisor", id, "shutdown")
		}
	}

	deadline := time.After(s.cfg.ShutdownTimeout)
waitLoop:
	for len(s.live) > 0 {
		select {
		case res := <-s.results:
			s.handleResult(shutdownCtx, res)
		case <-deadline:
			break waitLoop
		}
	}

	for id, task := range s.live {
		task.cancel()
		s.markStopped(shutdownCtx, id)
		delete(s.live, id)
		s.prom.DecLiveLoops(task.loopType)
		if s.scheduler != nil {
			s.scheduler.Release()
		}
		if s.sem != nil {
			s.sem.Release(1)
		}
	}

	if s.mediator != nil {
		_ = s.mediator.Shutdown(shutdownCtx)
	}
	return nil
}

func (s *Supervisor) markStopped(ctx context.Context, id string) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return
	}
	if rec.Status.IsTerminal() {
		return
	}
	rec.Status = domain.StatusStopped
	rec.LastError = "aborted during shutdown"
	_ = s.store.Update(ctx, rec)
}

func (s *Supervisor) outputDir(rec *domain.ExecutionRecord) string {
	return filepath.Join(s.artifactRoot, rec.LoopType, rec.ID)
}
