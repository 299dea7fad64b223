// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package mediator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/metrics"
	"github.com/kadirpekel/loopctl/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestActor(t *testing.T) *Actor {
	t.Helper()
	dir := t.TempDir()
	cfg := config.MediatorConfig{
		RateLimit:           config.IntPtr(100),
		RateWindow:          time.Second,
		QueryTimeoutDefault: 2 * time.Second,
		ChannelBuffer:       64,
		LoopChannelBuffer:   8,
		EventLogPath:        filepath.Join(dir, "events.log"),
	}
	a, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(func() {
		_ = a.Shutdown(context.Background())
		cancel()
	})
	return a
}

func TestRegisterUnregister(t *testing.T) {
	a := newTestActor(t)
	h, err := a.Register("loop-1")
	require.NoError(t, err)
	assert.Equal(t, "loop-1", h.LoopID)

	require.NoError(t, a.Unregister("loop-1"))

	_, isOpen := <-h.Inbound
	assert.False(t, isOpen)
}

func TestAlert_DeliversToSubscribers(t *testing.T) {
	a := newTestActor(t)
	h, err := a.Register("loop-1")
	require.NoError(t, err)
	require.NoError(t, a.Subscribe("loop-1", "build.done"))

	require.NoError(t, a.Alert(context.Background(), "loop-2", "build.done", "payload"))

	select {
	case msg := <-h.Inbound:
		assert.Equal(t, KindNotification, msg.Kind)
		assert.Equal(t, "payload", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}
}

func TestAlert_NoSubscribersIsSilent(t *testing.T) {
	a := newTestActor(t)
	err := a.Alert(context.Background(), "loop-1", "nobody.listens", nil)
	assert.NoError(t, err)
}

func TestQuery_TargetNotFound(t *testing.T) {
	a := newTestActor(t)
	_, err := a.Query(context.Background(), "loop-1", "ghost", "ping", time.Second)
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestQuery_ReplyResolves(t *testing.T) {
	a := newTestActor(t)
	h, err := a.Register("loop-2")
	require.NoError(t, err)

	go func() {
		msg := <-h.Inbound
		h.Reply(msg.QueryID, "pong")
	}()

	reply, err := a.Query(context.Background(), "loop-1", "loop-2", "ping", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
}

func TestQuery_Timeout(t *testing.T) {
	a := newTestActor(t)
	_, err := a.Register("loop-2") // never replies
	require.NoError(t, err)

	_, err = a.Query(context.Background(), "loop-1", "loop-2", "ping", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueryTimeout)
}

func TestQuery_LateReplyIsDropped(t *testing.T) {
	a := newTestActor(t)
	h, err := a.Register("loop-2")
	require.NoError(t, err)

	_, err = a.Query(context.Background(), "loop-1", "loop-2", "ping", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueryTimeout)

	msg := <-h.Inbound
	h.Reply(msg.QueryID, "too late") // must not panic or deadlock
}

func TestShare_Delivers(t *testing.T) {
	a := newTestActor(t)
	h, err := a.Register("loop-2")
	require.NoError(t, err)

	require.NoError(t, a.Share(context.Background(), "loop-1", "loop-2", "data"))

	msg := <-h.Inbound
	assert.Equal(t, KindShare, msg.Kind)
	assert.Equal(t, "data", msg.Payload)
}

func TestStop_Delivers(t *testing.T) {
	a := newTestActor(t)
	h, err := a.Register("loop-2")
	require.NoError(t, err)

	require.NoError(t, a.Stop("loop-1", "loop-2", "shutdown"))

	msg := <-h.Inbound
	assert.Equal(t, KindStop, msg.Kind)
	assert.Equal(t, "shutdown", msg.Reason)
}

func TestRateLimit_Exceeded(t *testing.T) {
	dir := t.TempDir()
	cfg := config.MediatorConfig{
		RateLimit:           config.IntPtr(2),
		RateWindow:          time.Minute,
		QueryTimeoutDefault: time.Second,
		ChannelBuffer:       64,
		LoopChannelBuffer:   8,
		EventLogPath:        filepath.Join(dir, "events.log"),
	}
	a, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Shutdown(context.Background())

	for i := 0; i < 2; i++ {
		require.NoError(t, a.Alert(context.Background(), "spammer", "noop", nil))
	}
	require.NoError(t, a.Alert(context.Background(), "spammer", "noop", nil))

	m, err := a.GetMetrics()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.RateLimitViolations, int64(1))
}

func TestRateLimit_ZeroBlocksEverything(t *testing.T) {
	dir := t.TempDir()
	cfg := config.MediatorConfig{
		RateLimit:           config.IntPtr(0),
		RateWindow:          time.Minute,
		QueryTimeoutDefault: time.Second,
		ChannelBuffer:       64,
		LoopChannelBuffer:   8,
		EventLogPath:        filepath.Join(dir, "events.log"),
	}
	a, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Shutdown(context.Background())

	require.NoError(t, a.Alert(context.Background(), "spammer", "noop", nil))

	m, err := a.GetMetrics()
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.RateLimitViolations)
}

func TestGetMetrics_CountsSubscriptions(t *testing.T) {
	a := newTestActor(t)
	_, err := a.Register("loop-1")
	require.NoError(t, err)
	require.NoError(t, a.Subscribe("loop-1", "a"))
	require.NoError(t, a.Subscribe("loop-1", "b"))

	m, err := a.GetMetrics()
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.TotalSubscriptions)
}

func TestEventLog_Persisted(t *testing.T) {
	dir := t.TempDir()
	cfg := config.MediatorConfig{
		RateLimit:           config.IntPtr(100),
		RateWindow:          time.Second,
		QueryTimeoutDefault: time.Second,
		ChannelBuffer:       64,
		LoopChannelBuffer:   8,
		EventLogPath:        filepath.Join(dir, "events.log"),
	}
	a, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	require.NoError(t, a.Alert(context.Background(), "loop-1", "evt", nil))
	require.NoError(t, a.Shutdown(context.Background()))
	cancel()

	data, err := os.ReadFile(cfg.EventLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"kind\":\"alert\"")
}

func TestSetMetrics_RecordsAlertTraffic(t *testing.T) {
	prom, err := metrics.New(config.MetricsConfig{Enabled: true, Namespace: "loopctl"})
	require.NoError(t, err)

	a := newTestActor(t)
	a.SetMetrics(prom)

	h, err := a.Register("loop-1")
	require.NoError(t, err)
	require.NoError(t, a.Subscribe("loop-1", "build.done"))
	require.NoError(t, a.Alert(context.Background(), "loop-2", "build.done", "payload"))

	select {
	case <-h.Inbound:
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}

	// SetMetrics attaches a real sink; recording must not panic and the
	// actor keeps functioning normally alongside it.
	assert.NotNil(t, a)
}

func TestSetTelemetry_DispatchesWithoutPanicking(t *testing.T) {
	tel, err := telemetry.Init(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)

	a := newTestActor(t)
	a.SetTelemetry(tel)

	h, err := a.Register("loop-1")
	require.NoError(t, err)
	require.NoError(t, a.Subscribe("loop-1", "build.done"))
	require.NoError(t, a.Alert(context.Background(), "loop-2", "build.done", "payload"))

	select {
	case <-h.Inbound:
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}
}
