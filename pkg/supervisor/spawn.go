// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/loopctl/pkg/checkpoint"
	"github.com/kadirpekel/loopctl/pkg/domain"
	"github.com/kadirpekel/loopctl/pkg/logger"
	"github.com/kadirpekel/loopctl/pkg/loopengine"
)

// spawn runs the nine-step spawn procedure for r. Steps that fail apply
// one of the four documented failure policies and return nil (the error
// has already been recorded onto the execution); a non-nil return means
// the record itself could not be loaded or persisted at all.
func (s *Supervisor) spawn(ctx context.Context, r *domain.ExecutionRecord) error {
	if _, ok := s.live[r.ID]; ok {
		return nil // step 1: already running
	}

	spanCtx, span := s.tel.StartSpawn(ctx, r.ID, r.LoopType)
	defer span.End()
	ctx = spanCtx

	def, ok := s.loopTypes.Get(r.LoopType)
	if !ok {
		s.prom.RecordSpawn(r.LoopType, "failed")
		return s.fail(ctx, r, fmt.Errorf("%w: %q", ErrUnknownLoopType, r.LoopType).Error())
	}

	if r.Title == "" && s.titleGen != nil {
		title, err := s.titleGen(ctx, r)
		if err == nil && title != "" {
			r.Title = title
		}
	}

	outDir := s.outputDir(r)
	r.ArtifactPath = outDir
	if err := s.store.Update(ctx, r); err != nil {
		return fmt.Errorf("supervisor: persisting title/artifact path for %s: %w", r.ID, err)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.prom.RecordSpawn(r.LoopType, "failed")
		return s.fail(ctx, r, fmt.Sprintf("concurrency cap acquisition failed: %v", err))
	}

	if err := s.scheduler.Acquire(ctx, r.ID, r.Priority); err != nil {
		s.sem.Release(1)
		s.prom.RecordSpawn(r.LoopType, "failed")
		return s.fail(ctx, r, fmt.Sprintf("scheduler acquisition failed: %v", err))
	}

	info, err := s.workspace.Create(ctx, r.ID)
	if err != nil {
		s.scheduler.Release()
		s.sem.Release(1)
		s.prom.RecordSpawn(r.LoopType, "failed")
		return s.fail(ctx, r, fmt.Sprintf("workspace creation failed: %v", err))
	}
	r.WorkspacePath = info.Path

	handle, err := s.mediator.Register(r.ID)
	if err != nil {
		s.scheduler.Release()
		s.sem.Release(1)
		s.prom.RecordSpawn(r.LoopType, "failed")
		return s.fail(ctx, r, fmt.Sprintf("mediator registration failed: %v", err))
	}

	r.Status = domain.StatusRunning
	if err := s.store.Update(ctx, r); err != nil {
		_ = s.mediator.Unregister(r.ID)
		s.scheduler.Release()
		s.sem.Release(1)
		s.prom.RecordSpawn(r.LoopType, "failed")
		return fmt.Errorf("supervisor: transitioning %s to running: %w", r.ID, err)
	}

	engine, err := s.engines(r.LoopType)
	if err != nil {
		r.Status = domain.StatusFailed
		r.LastError = fmt.Errorf("%w: %q: %v", ErrNoEngineForType, r.LoopType, err).Error()
		_ = s.store.Update(ctx, r)
		_ = s.mediator.Unregister(r.ID)
		s.scheduler.Release()
		s.sem.Release(1)
		s.prom.RecordSpawn(r.LoopType, "failed")
		return nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	s.live[r.ID] = liveTask{cancel: cancel, loopType: r.LoopType, spawnedAt: time.Now()}
	s.prom.RecordSpawn(r.LoopType, "ok")
	s.prom.IncLiveLoops(r.LoopType)
	s.ckpt.OnSpawn(ctx, checkpoint.NewState(r.ID, r.LoopType, info.Path))

	in := loopengine.Input{
		ExecutionID:   r.ID,
		LoopType:      def,
		LLM:           s.llm,
		WorkspacePath: info.Path,
		Mediator:      handle,
		RepoRoot:      s.repoRoot,
		State:         &storeStateHandle{store: s.store, loopType: r.LoopType, prom: s.prom, ckpt: s.ckpt, workspacePath: info.Path},
		Context:       r.Context,
	}

	go s.runTask(taskCtx, engine, in)
	return nil
}

func (s *Supervisor) runTask(ctx context.Context, engine loopengine.Engine, in loopengine.Input) {
	res := taskResult{id: in.ExecutionID}
	defer func() {
		if rec := recover(); rec != nil {
			res.err = fmt.Errorf("panic: %v", rec)
		}
		s.results <- res
	}()
	res.outcome = engine.Run(ctx, in)
}

func (s *Supervisor) fail(ctx context.Context, r *domain.ExecutionRecord, reason string) error {
	r.Status = domain.StatusFailed
	r.LastError = reason
	if err := s.store.Update(ctx, r); err != nil {
		return fmt.Errorf("supervisor: marking %s failed (%s): %w", r.ID, reason, err)
	}
	logger.ForExecution(s.log, r.ID).Error("spawn failure", "reason", reason)
	return nil
}

// handleResult processes one finished task: it runs the on-completion
// procedure (or records the failure/interruption), then reaps it from
// the live set and releases its resources. This is also what the
// results-channel branch of Run calls directly, independent of reap.
func (s *Supervisor) handleResult(ctx context.Context, res taskResult) {
	task, ok := s.live[res.id]
	if !ok {
		return
	}
	delete(s.live, res.id)
	task.cancel()
	s.prom.DecLiveLoops(task.loopType)
	s.prom.RecordLoopDuration(task.loopType, time.Since(task.spawnedAt))

	status := s.finish(ctx, res)

	if s.mediator != nil {
		_ = s.mediator.Unregister(res.id)
	}
	if s.scheduler != nil {
		s.scheduler.Release()
	}
	if s.sem != nil {
		s.sem.Release(1)
	}
	if s.workspace != nil && status != domain.StatusBlocked {
		if err := s.workspace.Remove(ctx, res.id); err != nil {
			logger.ForExecution(s.log, res.id).Warn("workspace teardown failed", "error", err)
		}
	}
}

// finish applies the outcome to the execution record and returns its
// resulting status.
func (s *Supervisor) finish(ctx context.Context, res taskResult) domain.Status {
	if res.err != nil {
		s.ckpt.OnError(ctx, checkpoint.NewState(res.id, "", ""), res.err)
		rec, err := s.store.Get(ctx, res.id)
		if err != nil {
			return domain.StatusFailed
		}
		rec.Status = domain.StatusFailed
		rec.LastError = res.err.Error()
		_ = s.store.Update(ctx, rec)
		return domain.StatusFailed
	}

	switch res.outcome.Kind {
	case loopengine.OutcomeComplete:
		if s.cascade != nil {
			if err := s.cascade.OnCompletion(ctx, res.id, res.outcome.OutputDir); err != nil {
				logger.ForExecution(s.log, res.id).Error("on-completion procedure failed", "error", err)
			}
		} else if rec, err := s.store.Get(ctx, res.id); err == nil {
			rec.Status = domain.StatusComplete
			rec.ArtifactPath = res.outcome.OutputDir
			rec.ArtifactStatus = domain.ArtifactStatusComplete
			_ = s.store.Update(ctx, rec)
		}
		s.ckpt.OnComplete(ctx, res.id)
		rec, err := s.store.Get(ctx, res.id)
		if err != nil {
			return domain.StatusFailed
		}
		return rec.Status

	case loopengine.OutcomeError:
		s.ckpt.OnError(ctx, checkpoint.NewState(res.id, "", ""), fmt.Errorf("%s", res.outcome.Message))
		rec, err := s.store.Get(ctx, res.id)
		if err != nil {
			return domain.StatusFailed
		}
		rec.Status = domain.StatusFailed
		rec.LastError = res.outcome.Message
		_ = s.store.Update(ctx, rec)
		return domain.StatusFailed

	default: // OutcomeInterrupted
		rec, err := s.store.Get(ctx, res.id)
		if err != nil {
			return domain.StatusStopped
		}
		rec.Status = domain.StatusStopped
		rec.LastError = res.outcome.Reason
		_ = s.store.Update(ctx, rec)
		return domain.StatusStopped
	}
}

// reap drains any already-finished results without blocking, so a burst
// of completions doesn't wait for the next event-loop branch to fire.
func (s *Supervisor) reap(ctx context.Context) {
	for {
		select {
		case res := <-s.results:
			s.handleResult(ctx, res)
		default:
			return
		}
	}
}
