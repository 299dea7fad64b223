// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/metrics"
)

func initTrunk(t *testing.T) string {
	t.Helper()
	bare := t.TempDir()
	requireGit(t, bare, "init", "--bare", "-b", "main")

	repo := t.TempDir()
	requireGit(t, repo, "init", "-b", "main")
	requireGit(t, repo, "config", "user.name", "test")
	requireGit(t, repo, "config", "user.email", "test@example.com")
	requireGit(t, repo, "remote", "add", "origin", bare)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("trunk\n"), 0o644))
	requireGit(t, repo, "add", "-A")
	requireGitCommit(t, repo, "initial commit")
	requireGit(t, repo, "push", "origin", "main")
	return repo
}

func requireGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func requireGitCommit(t *testing.T, dir, message string) {
	t.Helper()
	cmd := exec.Command("git", "commit", "-m", message)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git commit: %s", out)
}

func TestCreateAndExists(t *testing.T) {
	repo := initTrunk(t)
	d := New(config.WorkspaceConfig{Root: t.TempDir(), RepoRoot: repo})

	info, err := d.Create(context.Background(), "exec-1")
	require.NoError(t, err)
	require.DirExists(t, info.Path)
	require.True(t, d.Exists("exec-1"))
}

func TestRemove(t *testing.T) {
	repo := initTrunk(t)
	d := New(config.WorkspaceConfig{Root: t.TempDir(), RepoRoot: repo})

	_, err := d.Create(context.Background(), "exec-1")
	require.NoError(t, err)
	require.NoError(t, d.Remove(context.Background(), "exec-1"))
	require.False(t, d.Exists("exec-1"))
}

func TestMerge_Success(t *testing.T) {
	repo := initTrunk(t)
	d := New(config.WorkspaceConfig{Root: t.TempDir(), RepoRoot: repo})

	info, err := d.Create(context.Background(), "exec-1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "output.txt"), []byte("hello\n"), 0o644))

	result, err := d.Merge(context.Background(), "exec-1", "write output")
	require.NoError(t, err)
	require.True(t, result.IsSuccess())
	require.FileExists(t, filepath.Join(repo, "output.txt"))
}

func TestSetMetrics_RecordsMergeOutcome(t *testing.T) {
	repo := initTrunk(t)
	d := New(config.WorkspaceConfig{Root: t.TempDir(), RepoRoot: repo})

	prom, err := metrics.New(config.MetricsConfig{Enabled: true, Namespace: "loopctl"})
	require.NoError(t, err)
	d.SetMetrics(prom)

	info, err := d.Create(context.Background(), "exec-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "output.txt"), []byte("hello\n"), 0o644))

	result, err := d.Merge(context.Background(), "exec-1", "write output")
	require.NoError(t, err)
	require.True(t, result.IsSuccess())

	require.Equal(t, float64(1), testutil.ToFloat64(prom.MergeResultsForTest(string(MergeSuccess))))
}

func TestShouldMerge(t *testing.T) {
	d := New(config.WorkspaceConfig{MergeTypes: []string{"phase", "code"}})
	require.True(t, d.ShouldMerge("phase"))
	require.False(t, d.ShouldMerge("plan"))
}
