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

// Package workspace implements the Workspace Driver: per-execution git
// worktrees checked out from a trunk repository, rebased on demand, and
// merged back with one of three outcomes (Success, Conflict, PushFailed).
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/metrics"
)

// Info describes a created workspace.
type Info struct {
	ExecutionID string
	Path        string
	Branch      string
}

// MergeResult is the outcome of merging a workspace's branch back to
// trunk.
type MergeResult struct {
	Outcome MergeOutcome
	Message string
}

// MergeOutcome enumerates the three ways a merge attempt can end.
type MergeOutcome string

const (
	MergeSuccess    MergeOutcome = "success"
	MergeConflict   MergeOutcome = "conflict"
	MergePushFailed MergeOutcome = "push_failed"
)

// IsSuccess reports whether the merge fully succeeded.
func (r MergeResult) IsSuccess() bool { return r.Outcome == MergeSuccess }

// Driver creates, rebases, merges, and tears down per-execution git
// worktrees. It shells out to the system git binary; every invocation's
// stderr is logged through hclog at debug level, the boundary logging
// style for an out-of-process collaborator; each git call runs as a
// subprocess.
type Driver struct {
	cfg  config.WorkspaceConfig
	log  hclog.Logger
	prom *metrics.Metrics // optional external Prometheus sink; nil is fine
}

// New creates a Driver rooted at cfg.Root, checking branches out of
// cfg.RepoRoot.
func New(cfg config.WorkspaceConfig) *Driver {
	return &Driver{
		cfg: cfg,
		log: hclog.New(&hclog.LoggerOptions{
			Name:  "workspace",
			Level: hclog.Debug,
		}),
	}
}

// SetMetrics attaches the Prometheus sink the driver reports merge
// outcomes into. Call before any Merge.
func (d *Driver) SetMetrics(m *metrics.Metrics) {
	d.prom = m
}

func (d *Driver) branchName(executionID string) string {
	return fmt.Sprintf("loopctl/%s", executionID)
}

func (d *Driver) path(executionID string) string {
	return filepath.Join(d.cfg.Root, executionID)
}

func (d *Driver) run(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	d.log.Debug("git", "args", args, "dir", dir, "stderr", stderr.String())
	return stdout.String(), stderr.String(), err
}

// Create checks out a fresh worktree for executionID off trunk HEAD.
func (d *Driver) Create(ctx context.Context, executionID string) (*Info, error) {
	if err := os.MkdirAll(d.cfg.Root, 0o755); err != nil {
		return nil, &Error{Op: "mkdir base dir", ID: executionID, Err: err}
	}

	path := d.path(executionID)
	branch := d.branchName(executionID)

	_, stderr, err := d.run(ctx, d.cfg.RepoRoot, "worktree", "add", path, "-b", branch, "HEAD")
	if err != nil {
		return nil, &Error{Op: "worktree add", ID: executionID, Err: fmt.Errorf("%s: %w", stderr, err)}
	}

	return &Info{ExecutionID: executionID, Path: path, Branch: branch}, nil
}

// Remove tears down executionID's worktree and deletes its branch.
func (d *Driver) Remove(ctx context.Context, executionID string) error {
	path := d.path(executionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	_, stderr, err := d.run(ctx, d.cfg.RepoRoot, "worktree", "remove", path, "--force")
	if err != nil && !strings.Contains(stderr, "is not a working tree") {
		return &Error{Op: "worktree remove", ID: executionID, Err: fmt.Errorf("%s: %w", stderr, err)}
	}

	_, _, _ = d.run(ctx, d.cfg.RepoRoot, "branch", "-D", d.branchName(executionID))
	return nil
}

// Exists reports whether executionID's worktree is still present on disk,
// used by the supervisor's startup recovery rule.
func (d *Driver) Exists(executionID string) bool {
	_, err := os.Stat(d.path(executionID))
	return err == nil
}

func (d *Driver) autoCommit(ctx context.Context, path, message string) error {
	stdout, _, err := d.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(stdout) == "" {
		return nil
	}
	if _, _, err := d.run(ctx, path, "add", "-A"); err != nil {
		return err
	}
	_, _, _ = d.run(ctx, path, "commit", "-m", message, "--allow-empty")
	return nil
}

// Rebase replays executionID's worktree branch on top of the current
// trunk tip, auto-committing any dirty state first. A rebase conflict
// aborts cleanly and returns an error; it never leaves the worktree mid
// rebase.
func (d *Driver) Rebase(ctx context.Context, executionID string) error {
	path := d.path(executionID)
	if !d.Exists(executionID) {
		return &Error{Op: "rebase", ID: executionID, Err: fmt.Errorf("worktree not found")}
	}

	if err := d.autoCommit(ctx, path, "WIP: before rebase"); err != nil {
		return &Error{Op: "auto-commit before rebase", ID: executionID, Err: err}
	}

	_, stderr, err := d.run(ctx, path, "rebase", "main")
	if err != nil {
		_, _, _ = d.run(ctx, path, "rebase", "--abort")
		return &Error{Op: "rebase", ID: executionID, Err: fmt.Errorf("%s: %w", stderr, err)}
	}
	return nil
}

// Merge merges executionID's branch back onto trunk with --no-ff and
// pushes main to origin, tagging the merge commit with a `git notes`
// entry "exec:<executionID>" when cfg.TagTrunkCommits is set.
func (d *Driver) Merge(ctx context.Context, executionID, title string) (MergeResult, error) {
	path := d.path(executionID)
	branch := d.branchName(executionID)

	if err := d.autoCommit(ctx, path, fmt.Sprintf("WIP: auto-commit before merge for %s", title)); err != nil {
		d.prom.RecordMergeResult("auto_commit_failed")
		return MergeResult{}, &Error{Op: "auto-commit before merge", ID: executionID, Err: err}
	}

	if _, stderr, err := d.run(ctx, d.cfg.RepoRoot, "checkout", "main"); err != nil {
		d.prom.RecordMergeResult("checkout_failed")
		return MergeResult{}, &Error{Op: "checkout main", ID: executionID, Err: fmt.Errorf("%s: %w", stderr, err)}
	}

	if _, stderr, err := d.run(ctx, d.cfg.RepoRoot, "pull", "--rebase"); err != nil {
		d.log.Warn("pull failed, continuing (may be local-only repo)", "execution_id", executionID, "stderr", stderr)
	}

	mergeMsg := fmt.Sprintf("Merge %s", title)
	_, stderr, err := d.run(ctx, d.cfg.RepoRoot, "merge", "--no-ff", branch, "-m", mergeMsg)
	if err != nil {
		if strings.Contains(stderr, "CONFLICT") {
			d.prom.RecordMergeResult(string(MergeConflict))
			return MergeResult{Outcome: MergeConflict, Message: stderr}, nil
		}
		d.prom.RecordMergeResult("merge_failed")
		return MergeResult{}, &Error{Op: "merge", ID: executionID, Err: fmt.Errorf("%s: %w", stderr, err)}
	}

	if d.cfg.TagTrunkCommits {
		_, _, _ = d.run(ctx, d.cfg.RepoRoot, "notes", "add", "-m", fmt.Sprintf("exec:%s", executionID))
	}

	if _, stderr, err := d.run(ctx, d.cfg.RepoRoot, "push", "origin", "main"); err != nil {
		d.prom.RecordMergeResult(string(MergePushFailed))
		return MergeResult{Outcome: MergePushFailed, Message: stderr}, nil
	}

	d.prom.RecordMergeResult(string(MergeSuccess))
	return MergeResult{Outcome: MergeSuccess}, nil
}

// ShouldMerge reports whether loopType is configured to merge to trunk
// before completion, per the deployment's MergeTypes list.
func (d *Driver) ShouldMerge(loopType string) bool {
	for _, t := range d.cfg.MergeTypes {
		if t == loopType {
			return true
		}
	}
	return false
}
