// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/loopengine"
	"github.com/kadirpekel/loopctl/pkg/looptype"
)

func TestFakeEngineFactory_UsesDefaultIterationCap(t *testing.T) {
	reg, err := looptype.New([]config.LoopTypeConfig{
		{Name: "spec", DefaultIterationCap: 7},
		{Name: "ralph"},
	})
	require.NoError(t, err)

	factory := fakeEngineFactory(reg)

	eng, err := factory("spec")
	require.NoError(t, err)
	fake, ok := eng.(*loopengine.Fake)
	require.True(t, ok)
	assert.Equal(t, 7, fake.Iterations)

	eng, err = factory("ralph")
	require.NoError(t, err)
	fake, ok = eng.(*loopengine.Fake)
	require.True(t, ok)
	assert.Equal(t, 10, fake.Iterations) // falls back to default when unset

	_, err = factory("does-not-exist")
	assert.Error(t, err)
}

func TestBuildDeployment_WiresCollaborators(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Store:      config.StoreConfig{Root: dir + "/store", ChannelBuffer: 16, EventBuffer: 8},
		Workspace:  config.WorkspaceConfig{Root: dir + "/ws", RepoRoot: dir},
		Supervisor: config.SupervisorConfig{Concurrency: 2, EventBuffer: 8},
		Mediator:   config.MediatorConfig{RateLimit: config.IntPtr(10), EventLogPath: dir + "/events.log"},
		Scheduler:  config.SchedulerConfig{Slots: 2},
		LoopTypes:  []config.LoopTypeConfig{{Name: "spec", DefaultPriority: 100}},
		Metrics:    config.MetricsConfig{Enabled: false},
		Telemetry:  config.TelemetryConfig{Enabled: false},
	}
	cfg.SetDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDeployment(ctx, cfg)
	require.NoError(t, err)
	defer d.close(0)

	assert.NotNil(t, d.sup)
	assert.NotNil(t, d.store)
	assert.NotNil(t, d.mediator)
	assert.Nil(t, d.ipc) // IPC disabled by default
}
