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

// Package checkpoint captures the resumable state of a loop execution and
// recovers it after a supervisor restart or a crash mid-iteration.
//
// A checkpoint records just enough to know where an execution left off:
// which iteration it was on, what the last trunk commit was, and whether it
// is parked waiting on human approval (for user-gated loop types such as
// plan). The execution record itself remains the source of truth for
// lifecycle state; the checkpoint only adds the detail needed to resume
// the right iteration without redoing completed work.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase represents the point within an iteration when a checkpoint was taken.
type Phase string

const (
	// PhaseSpawned - the loop's workspace and agent process have started.
	PhaseSpawned Phase = "spawned"

	// PhaseRunning - the agent is actively working the iteration.
	PhaseRunning Phase = "running"

	// PhaseCommitting - the iteration finished and changes are being committed.
	PhaseCommitting Phase = "committing"

	// PhaseCascading - the completion procedure is notifying dependents.
	PhaseCascading Phase = "cascading"

	// PhaseAwaitingApproval - a user-gated loop type is parked for approval.
	PhaseAwaitingApproval Phase = "awaiting_approval"

	// PhaseError - checkpoint created due to an iteration failure.
	PhaseError Phase = "error"
)

// Type represents why the checkpoint was created.
type Type string

const (
	// TypeEvent - event-driven (iteration boundary, approval gate, error).
	TypeEvent Type = "event"

	// TypeInterval - created every N iterations regardless of events.
	TypeInterval Type = "interval"

	// TypeManual - an operator explicitly requested a pause.
	TypeManual Type = "manual"

	// TypeError - recovery checkpoint created after a failure.
	TypeError Type = "error"
)

// State is the full resumable state of a loop execution at a point in time.
type State struct {
	ExecutionID string `json:"execution_id"`
	LoopType    string `json:"loop_type"`
	ParentID    string `json:"parent_id,omitempty"`
	WorkspaceID string `json:"workspace_id"`

	Iteration     int    `json:"iteration"`
	LastCommitSHA string `json:"last_commit_sha,omitempty"`

	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`

	Phase          Phase     `json:"phase"`
	CheckpointType Type      `json:"checkpoint_type"`
	CheckpointTime time.Time `json:"checkpoint_time"`

	Error string `json:"error,omitempty"`

	// Custom carries loop-type specific detail (e.g. phase scaffolding, spec
	// draft path) that does not warrant its own field.
	Custom map[string]any `json:"custom,omitempty"`
}

// PendingApproval describes a cascade paused on human sign-off.
type PendingApproval struct {
	ChildLoopType string `json:"child_loop_type"`
	Reason        string `json:"reason,omitempty"`
}

// Serialize converts the State to JSON bytes.
func (s *State) Serialize() ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("cannot serialize nil checkpoint state")
	}
	return json.MarshalIndent(s, "", "  ")
}

// Deserialize reconstructs a State from JSON bytes.
func Deserialize(data []byte) (*State, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot deserialize empty checkpoint data")
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint state: %w", err)
	}

	return &state, nil
}

// NewState creates a new checkpoint State with required fields.
func NewState(executionID, loopType, workspaceID string) *State {
	return &State{
		ExecutionID:    executionID,
		LoopType:       loopType,
		WorkspaceID:    workspaceID,
		Phase:          PhaseSpawned,
		CheckpointType: TypeEvent,
		CheckpointTime: time.Now(),
	}
}

// WithPhase sets the checkpoint phase.
func (s *State) WithPhase(phase Phase) *State {
	s.Phase = phase
	s.CheckpointTime = time.Now()
	return s
}

// WithType sets the checkpoint type.
func (s *State) WithType(t Type) *State {
	s.CheckpointType = t
	return s
}

// WithIteration sets the current iteration count.
func (s *State) WithIteration(n int) *State {
	s.Iteration = n
	return s
}

// WithLastCommit records the last trunk commit observed by this execution.
func (s *State) WithLastCommit(sha string) *State {
	s.LastCommitSHA = sha
	return s
}

// WithPendingApproval marks the checkpoint as parked for human sign-off.
func (s *State) WithPendingApproval(p *PendingApproval) *State {
	s.PendingApproval = p
	return s
}

// WithError records an error and flips the checkpoint into error state.
func (s *State) WithError(err error) *State {
	if err != nil {
		s.Error = err.Error()
		s.Phase = PhaseError
		s.CheckpointType = TypeError
	}
	return s
}

// IsExpired checks if the checkpoint has aged past the given timeout.
func (s *State) IsExpired(timeout time.Duration) bool {
	if s.CheckpointTime.IsZero() || timeout <= 0 {
		return false
	}
	return time.Since(s.CheckpointTime) > timeout
}

// IsRecoverable returns true if the checkpoint can be resumed.
func (s *State) IsRecoverable() bool {
	return s.Phase != ""
}

// NeedsApproval returns true if the checkpoint is waiting on a human gate.
func (s *State) NeedsApproval() bool {
	return s.Phase == PhaseAwaitingApproval && s.PendingApproval != nil
}
