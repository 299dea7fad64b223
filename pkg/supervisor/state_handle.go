// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package supervisor

import (
	"context"

	"github.com/kadirpekel/loopctl/pkg/checkpoint"
	"github.com/kadirpekel/loopctl/pkg/metrics"
	"github.com/kadirpekel/loopctl/pkg/store"
)

// storeStateHandle adapts the State Store Actor to the narrow interface a
// loop engine is allowed to use directly: appending its own progress and
// bumping its own iteration counter. Every other mutation (status
// transitions, artifacts) stays the Supervisor's and Cascade Engine's job.
type storeStateHandle struct {
	store         *store.Actor
	loopType      string
	prom          *metrics.Metrics
	ckpt          *checkpoint.Hooks
	workspacePath string
}

func (h *storeStateHandle) AppendProgress(ctx context.Context, executionID, message string) error {
	rec, err := h.store.Get(ctx, executionID)
	if err != nil {
		return err
	}
	rec.AppendProgress(message)
	return h.store.Update(ctx, rec)
}

func (h *storeStateHandle) BumpIteration(ctx context.Context, executionID string) (int, error) {
	rec, err := h.store.Get(ctx, executionID)
	if err != nil {
		return 0, err
	}
	rec.Iteration++
	if err := h.store.Update(ctx, rec); err != nil {
		return 0, err
	}
	h.prom.RecordLoopIteration(h.loopType)
	h.ckpt.OnIterationEnd(ctx, checkpoint.NewState(executionID, h.loopType, h.workspacePath), rec.Iteration)
	return rec.Iteration, nil
}
