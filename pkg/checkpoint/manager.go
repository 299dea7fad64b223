// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package checkpoint

import (
	"context"
	"log/slog"
)

// Manager orchestrates checkpointing and recovery operations for the
// supervisor. It provides a unified interface for:
//   - Creating checkpoints during an iteration
//   - Recovering pending executions on startup
//   - Managing checkpoint lifecycle
type Manager struct {
	config   *Config
	storage  *Storage
	recovery *RecoveryManager
}

// NewManager creates a new checkpoint Manager rooted at the given directory.
func NewManager(cfg *Config, dir string) *Manager {
	if cfg == nil {
		cfg = &Config{}
		cfg.SetDefaults()
	}

	storage := NewStorage(dir)
	recovery := NewRecoveryManager(cfg, storage)

	return &Manager{
		config:   cfg,
		storage:  storage,
		recovery: recovery,
	}
}

// IsEnabled returns whether checkpointing is enabled.
func (m *Manager) IsEnabled() bool {
	return m.config.IsEnabled()
}

// SetResumeCallback sets the callback invoked for each recoverable execution.
func (m *Manager) SetResumeCallback(cb ResumeCallback) {
	m.recovery.SetResumeCallback(cb)
}

// SaveCheckpoint creates and persists a checkpoint.
func (m *Manager) SaveCheckpoint(ctx context.Context, state *State) error {
	if !m.IsEnabled() {
		return nil
	}
	return m.storage.Save(ctx, state)
}

// LoadCheckpoint retrieves a checkpoint by execution ID.
func (m *Manager) LoadCheckpoint(ctx context.Context, executionID string) (*State, error) {
	return m.storage.Load(ctx, executionID)
}

// ClearCheckpoint removes a checkpoint.
func (m *Manager) ClearCheckpoint(ctx context.Context, executionID string) error {
	return m.storage.Clear(ctx, executionID)
}

// RecoverOnStartup recovers pending executions on startup.
func (m *Manager) RecoverOnStartup(ctx context.Context) error {
	return m.recovery.RecoverPendingExecutions(ctx)
}

// ResumeExecution manually resumes an execution from its checkpoint.
func (m *Manager) ResumeExecution(ctx context.Context, executionID string) error {
	return m.recovery.ResumeExecution(ctx, executionID)
}

// GetPendingCheckpoints returns all stored checkpoints.
func (m *Manager) GetPendingCheckpoints(ctx context.Context) ([]*State, error) {
	return m.storage.ListAllPending(ctx)
}

// GetStats returns statistics about pending checkpoints.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	return m.recovery.GetStats(ctx)
}

// Config returns the checkpoint configuration.
func (m *Manager) Config() *Config {
	return m.config
}

// ShouldCheckpointAtIteration returns whether to checkpoint at the given iteration.
func (m *Manager) ShouldCheckpointAtIteration(iteration int) bool {
	return m.config.ShouldCheckpointAtIteration(iteration)
}

// Hooks provides checkpoint integration points for the supervisor's
// spawn/reap loop.
type Hooks struct {
	manager *Manager
}

// NewHooks creates checkpoint hooks bound to a Manager.
func NewHooks(manager *Manager) *Hooks {
	if manager == nil {
		return nil
	}
	return &Hooks{manager: manager}
}

// OnSpawn creates a checkpoint right after a loop process starts.
func (h *Hooks) OnSpawn(ctx context.Context, state *State) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}

	state.WithPhase(PhaseSpawned)
	if err := h.manager.SaveCheckpoint(ctx, state); err != nil {
		slog.Warn("failed to save spawn checkpoint", "execution_id", state.ExecutionID, "error", err)
	}
}

// OnIterationEnd creates a checkpoint at the end of an iteration.
func (h *Hooks) OnIterationEnd(ctx context.Context, state *State, iteration int) {
	if h == nil || !h.manager.ShouldCheckpointAtIteration(iteration) {
		return
	}

	state.WithIteration(iteration).WithPhase(PhaseRunning).WithType(TypeInterval)
	if err := h.manager.SaveCheckpoint(ctx, state); err != nil {
		slog.Warn("failed to save iteration checkpoint",
			"execution_id", state.ExecutionID, "iteration", iteration, "error", err)
	}
}

// OnCommit creates a checkpoint right before the iteration's changes are
// committed to the workspace trunk.
func (h *Hooks) OnCommit(ctx context.Context, state *State) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}

	state.WithPhase(PhaseCommitting)
	if err := h.manager.SaveCheckpoint(ctx, state); err != nil {
		slog.Warn("failed to save commit checkpoint", "execution_id", state.ExecutionID, "error", err)
	}
}

// OnCascade creates a checkpoint while the completion procedure notifies
// dependents and children.
func (h *Hooks) OnCascade(ctx context.Context, state *State) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}

	state.WithPhase(PhaseCascading)
	if err := h.manager.SaveCheckpoint(ctx, state); err != nil {
		slog.Warn("failed to save cascade checkpoint", "execution_id", state.ExecutionID, "error", err)
	}
}

// OnApprovalRequired creates a checkpoint when a user-gated loop type is
// parked waiting for a human to activate its child.
func (h *Hooks) OnApprovalRequired(ctx context.Context, state *State, pending *PendingApproval) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}

	state.WithPhase(PhaseAwaitingApproval).WithPendingApproval(pending)
	if err := h.manager.SaveCheckpoint(ctx, state); err != nil {
		slog.Warn("failed to save approval checkpoint", "execution_id", state.ExecutionID, "error", err)
	}
}

// OnError creates a checkpoint when an iteration fails.
func (h *Hooks) OnError(ctx context.Context, state *State, err error) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}

	state.WithError(err)
	if saveErr := h.manager.SaveCheckpoint(ctx, state); saveErr != nil {
		slog.Warn("failed to save error checkpoint",
			"execution_id", state.ExecutionID, "original_error", err, "save_error", saveErr)
	}
}

// OnComplete clears the checkpoint once an execution reaches a terminal state.
func (h *Hooks) OnComplete(ctx context.Context, executionID string) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}

	if err := h.manager.ClearCheckpoint(ctx, executionID); err != nil {
		slog.Warn("failed to clear checkpoint on completion", "execution_id", executionID, "error", err)
	}
}
