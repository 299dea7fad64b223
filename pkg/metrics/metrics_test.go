// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loopctl/pkg/config"
)

func TestNew_Disabled(t *testing.T) {
	m, err := New(config.MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestNew_NilSafeRecording(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordMessageReceived()
		m.RecordMessageSent(3)
		m.RecordRateLimitViolation()
		m.RecordQueryTimeout()
		m.SetSubscriptions(5)
		m.RecordStoreCommit("create", time.Millisecond)
		m.SetStoreRecords("pending", 2)
		m.IncLiveLoops("spec")
		m.DecLiveLoops("spec")
		m.RecordSpawn("spec", "ok")
		m.RecordLoopDuration("spec", time.Second)
		m.RecordLoopIteration("spec")
		m.RecordSchedulerWait(time.Millisecond)
		m.SetSchedulerInFlight(1)
		m.RecordMergeResult("success")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecordMessageReceived(t *testing.T) {
	m, err := New(config.MetricsConfig{Enabled: true, Namespace: "loopctl"})
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordMessageReceived()
	m.RecordMessageReceived()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.messagesReceived))
}

func TestRecordSpawnByOutcome(t *testing.T) {
	m, err := New(config.MetricsConfig{Enabled: true, Namespace: "loopctl"})
	require.NoError(t, err)

	m.RecordSpawn("spec", "ok")
	m.RecordSpawn("spec", "ok")
	m.RecordSpawn("spec", "failed")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.spawns.WithLabelValues("spec", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.spawns.WithLabelValues("spec", "failed")))
}

func TestLiveLoopsGauge(t *testing.T) {
	m, err := New(config.MetricsConfig{Enabled: true})
	require.NoError(t, err)

	m.IncLiveLoops("phase")
	m.IncLiveLoops("phase")
	m.DecLiveLoops("phase")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.liveLoops.WithLabelValues("phase")))
}

func TestHandler_ServesExposition(t *testing.T) {
	m, err := New(config.MetricsConfig{Enabled: true, Namespace: "loopctl"})
	require.NoError(t, err)
	m.RecordMessageReceived()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loopctl_mediator_messages_received_total")
}
