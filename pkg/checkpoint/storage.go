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
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Storage manages checkpoint persistence on the local filesystem.
//
// Each execution's checkpoint is a single JSON file under Root, named by
// execution ID. Writes go through a temp-file-plus-rename so a crash mid
// write never leaves a half-written checkpoint for the recovery scan to
// trip over.
type Storage struct {
	root string
	mu   sync.Mutex
}

// NewStorage creates a new filesystem-backed checkpoint Storage rooted at dir.
func NewStorage(dir string) *Storage {
	return &Storage{root: dir}
}

func (s *Storage) path(executionID string) string {
	return filepath.Join(s.root, executionID+".json")
}

// Save persists a checkpoint state.
func (s *Storage) Save(ctx context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("cannot save nil checkpoint state")
	}
	if state.ExecutionID == "" {
		return fmt.Errorf("execution_id is required for checkpoint")
	}

	data, err := state.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	target := s.path(state.ExecutionID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to finalize checkpoint: %w", err)
	}

	slog.Debug("saved checkpoint",
		"execution_id", state.ExecutionID,
		"phase", state.Phase,
		"type", state.CheckpointType)

	return nil
}

// Load retrieves a checkpoint state for an execution.
func (s *Storage) Load(ctx context.Context, executionID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(executionID))
	if err != nil {
		return nil, fmt.Errorf("no checkpoint found for execution %s: %w", executionID, err)
	}

	state, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}

	return state, nil
}

// Clear removes a checkpoint for an execution.
func (s *Storage) Clear(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(executionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}

	slog.Debug("cleared checkpoint", "execution_id", executionID)
	return nil
}

// ListAllPending scans the checkpoint directory and returns every stored
// checkpoint. This is the startup recovery path: it is a full directory
// scan, so callers should invoke it once at boot, not on a hot path.
func (s *Storage) ListAllPending(ctx context.Context) ([]*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan checkpoint directory: %w", err)
	}

	var states []*State
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.root, entry.Name()))
		if err != nil {
			slog.Warn("failed to read checkpoint file", "file", entry.Name(), "error", err)
			continue
		}

		state, err := Deserialize(data)
		if err != nil {
			slog.Warn("failed to deserialize checkpoint file", "file", entry.Name(), "error", err)
			continue
		}

		states = append(states, state)
	}

	slog.Info("found pending checkpoints", "count", len(states))
	return states, nil
}
