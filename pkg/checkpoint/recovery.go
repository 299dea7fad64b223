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

package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ResumeCallback is invoked once per recoverable execution found on startup.
// Implementations typically hand the execution ID back to the supervisor,
// which re-spawns the loop's workspace and process.
type ResumeCallback func(ctx context.Context, state *State) error

// Stats summarizes the checkpoints found during a recovery scan.
type Stats struct {
	Total           int
	Recoverable     int
	Expired         int
	AwaitingHuman   int
	FailedToResume  int
}

// RecoveryManager scans persisted checkpoints on startup and resumes the
// ones still eligible. It mirrors the "scan state directory, filter by
// recoverability, resume in bulk" shape of a crash-recovery pass: on
// restart nothing is assumed about what was mid-flight, so everything
// parked on disk is re-examined before the supervisor spawns new work.
type RecoveryManager struct {
	config  *Config
	storage *Storage

	mu       sync.Mutex
	resumeCb ResumeCallback
}

// NewRecoveryManager creates a RecoveryManager.
func NewRecoveryManager(cfg *Config, storage *Storage) *RecoveryManager {
	return &RecoveryManager{
		config:  cfg,
		storage: storage,
	}
}

// SetResumeCallback sets the callback invoked for each resumable execution.
func (r *RecoveryManager) SetResumeCallback(cb ResumeCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumeCb = cb
}

// RecoverPendingExecutions scans all stored checkpoints and resumes the
// ones that are still recoverable and not expired. It does nothing unless
// auto-resume is enabled. Checkpoints parked on a human approval gate are
// left untouched unless AutoResumeHITL is set; otherwise they resume only
// via an explicit ResumeExecution call.
func (r *RecoveryManager) RecoverPendingExecutions(ctx context.Context) error {
	if !r.config.ShouldAutoResume() {
		return nil
	}

	states, err := r.storage.ListAllPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending checkpoints: %w", err)
	}

	r.mu.Lock()
	cb := r.resumeCb
	r.mu.Unlock()

	timeout := r.config.GetRecoveryTimeout()

	for _, state := range states {
		logger := slog.With("execution_id", state.ExecutionID, "loop_type", state.LoopType)

		if state.IsExpired(timeout) {
			logger.Warn("checkpoint expired, not resuming", "age_timeout", timeout)
			continue
		}

		if !state.IsRecoverable() {
			logger.Warn("checkpoint not recoverable, skipping")
			continue
		}

		if state.NeedsApproval() && !r.config.ShouldAutoResumeHITL() {
			logger.Info("checkpoint awaiting human approval, leaving parked")
			continue
		}

		if cb == nil {
			continue
		}

		if err := cb(ctx, state); err != nil {
			logger.Error("failed to resume execution", "error", err)
			continue
		}

		logger.Info("resumed execution from checkpoint", "iteration", state.Iteration)
	}

	return nil
}

// ResumeExecution resumes a single execution by ID, bypassing the
// auto-resume gate. Used for the explicit operator-triggered resume path
// (e.g. after a plan loop's child has been approved).
func (r *RecoveryManager) ResumeExecution(ctx context.Context, executionID string) error {
	state, err := r.storage.Load(ctx, executionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	cb := r.resumeCb
	r.mu.Unlock()

	if cb == nil {
		return fmt.Errorf("no resume callback registered")
	}

	return cb(ctx, state)
}

// GetStats returns a summary of the currently persisted checkpoints.
func (r *RecoveryManager) GetStats(ctx context.Context) (*Stats, error) {
	states, err := r.storage.ListAllPending(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Total: len(states)}
	timeout := r.config.GetRecoveryTimeout()

	for _, state := range states {
		switch {
		case state.IsExpired(timeout):
			stats.Expired++
		case state.NeedsApproval():
			stats.AwaitingHuman++
			stats.Recoverable++
		case state.IsRecoverable():
			stats.Recoverable++
		default:
			stats.FailedToResume++
		}
	}

	return stats, nil
}
