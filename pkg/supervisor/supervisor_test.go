// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/domain"
	"github.com/kadirpekel/loopctl/pkg/loopengine"
	"github.com/kadirpekel/loopctl/pkg/looptype"
	"github.com/kadirpekel/loopctl/pkg/mediator"
	"github.com/kadirpekel/loopctl/pkg/scheduler"
	"github.com/kadirpekel/loopctl/pkg/store"
	"github.com/kadirpekel/loopctl/pkg/telemetry"
	"github.com/kadirpekel/loopctl/pkg/workspace"
)

func requireGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initTrunk(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	requireGit(t, repo, "init", "-b", "main")
	requireGit(t, repo, "config", "user.name", "test")
	requireGit(t, repo, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("trunk\n"), 0o644))
	requireGit(t, repo, "add", "-A")
	requireGit(t, repo, "commit", "-m", "initial commit")
	return repo
}

type harness struct {
	store     *store.Actor
	mediator  *mediator.Actor
	sched     *scheduler.Scheduler
	ws        *workspace.Driver
	loopTypes *looptype.Registry
	sup       *Supervisor
}

func newHarness(t *testing.T, engines EngineFactory) *harness {
	t.Helper()

	st, err := store.New(cfgpkg.StoreConfig{Root: t.TempDir(), ChannelBuffer: 32, EventBuffer: 16})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go st.Run(ctx)
	t.Cleanup(func() { _ = st.Shutdown(context.Background()); cancel() })

	med, err := mediator.New(cfgpkg.MediatorConfig{RateLimit: cfgpkg.IntPtr(1000), RateWindow: time.Second, QueryTimeoutDefault: time.Second, ChannelBuffer: 32, LoopChannelBuffer: 32})
	require.NoError(t, err)
	medCtx, medCancel := context.WithCancel(context.Background())
	go med.Run(medCtx)
	t.Cleanup(func() { _ = med.Shutdown(context.Background()); medCancel() })

	reg, err := looptype.New([]cfgpkg.LoopTypeConfig{
		{Name: "spec", DefaultPriority: 100},
	})
	require.NoError(t, err)

	repo := initTrunk(t)
	ws := workspace.New(cfgpkg.WorkspaceConfig{Root: t.TempDir(), RepoRoot: repo})

	tel, err := telemetry.Init(context.Background(), cfgpkg.TelemetryConfig{Enabled: false})
	require.NoError(t, err)

	sup := New(Config{
		Supervisor:   cfgpkg.SupervisorConfig{Concurrency: 4, PollInterval: time.Hour, ShutdownTimeout: 2 * time.Second, EventBuffer: 16},
		Store:        st,
		Mediator:     med,
		Scheduler:    scheduler.New(4),
		Workspace:    ws,
		LoopTypes:    reg,
		Engines:      engines,
		ArtifactRoot: t.TempDir(),
		Telemetry:    tel,
	})

	return &harness{store: st, mediator: med, ws: ws, loopTypes: reg, sup: sup}
}

func TestRecover_DemotesWhenWorkspaceExists(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	rec := domain.NewExecutionRecord("spec", "t")
	rec.Status = domain.StatusPending
	_, err := h.store.Create(ctx, rec)
	require.NoError(t, err)
	rec.Status = domain.StatusRunning
	require.NoError(t, h.store.Update(ctx, rec))

	_, err = h.ws.Create(ctx, rec.ID)
	require.NoError(t, err)

	require.NoError(t, h.sup.Recover(ctx))

	got, err := h.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestRecover_FailsWhenWorkspaceMissing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	rec := domain.NewExecutionRecord("spec", "t")
	rec.Status = domain.StatusPending
	_, err := h.store.Create(ctx, rec)
	require.NoError(t, err)
	rec.Status = domain.StatusRunning
	require.NoError(t, h.store.Update(ctx, rec))

	require.NoError(t, h.sup.Recover(ctx))

	got, err := h.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.NotEmpty(t, got.LastError)
}

func TestSpawnAndComplete(t *testing.T) {
	fake := &loopengine.Fake{Iterations: 2, OutputDir: "doesnt-matter"}
	h := newHarness(t, func(loopType string) (loopengine.Engine, error) { return fake, nil })
	ctx := context.Background()

	rec := domain.NewExecutionRecord("spec", "write the spec")
	rec.Status = domain.StatusPending
	_, err := h.store.Create(ctx, rec)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = h.sup.Run(runCtx) }()

	require.Eventually(t, func() bool {
		got, err := h.store.Get(ctx, rec.ID)
		return err == nil && got.Status == domain.StatusComplete
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTrySpawn_SkipsWhenDepsUnsatisfied(t *testing.T) {
	h := newHarness(t, func(loopType string) (loopengine.Engine, error) {
		return &loopengine.Fake{Iterations: 1}, nil
	})
	ctx := context.Background()

	blocker := domain.NewExecutionRecord("spec", "blocker")
	_, err := h.store.Create(ctx, blocker)
	require.NoError(t, err)

	rec := domain.NewExecutionRecord("spec", "dependent")
	rec.Status = domain.StatusPending
	rec.Deps = []string{blocker.ID}
	_, err = h.store.Create(ctx, rec)
	require.NoError(t, err)

	h.sup.trySpawn(ctx, rec)
	assert.Empty(t, h.sup.live)
}
