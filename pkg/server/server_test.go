// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loopctl/pkg/config"
	"github.com/kadirpekel/loopctl/pkg/domain"
	"github.com/kadirpekel/loopctl/pkg/metrics"
	"github.com/kadirpekel/loopctl/pkg/store"
)

func newTestStore(t *testing.T) *store.Actor {
	t.Helper()
	st, err := store.New(config.StoreConfig{Root: t.TempDir(), ChannelBuffer: 32, EventBuffer: 16})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go st.Run(ctx)
	t.Cleanup(func() {
		_ = st.Shutdown(context.Background())
		cancel()
	})
	return st
}

func TestHandleHealthz(t *testing.T) {
	s := New(newTestStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleMetrics_NilSink(t *testing.T) {
	s := New(newTestStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleMetrics_EnabledSink(t *testing.T) {
	prom, err := metrics.New(config.MetricsConfig{Enabled: true, Namespace: "loopctl"})
	require.NoError(t, err)

	s := New(newTestStore(t), prom)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleExecutions_ListsAndGetsByID(t *testing.T) {
	st := newTestStore(t)
	s := New(st, nil)

	rec := domain.NewExecutionRecord("plan", "write the plan")
	id, err := st.Create(context.Background(), rec)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/executions", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var list []*domain.ExecutionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	req = httptest.NewRequest(http.MethodGet, "/executions/"+id, nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var got domain.ExecutionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, id, got.ID)
}

func TestHandleExecution_NotFound(t *testing.T) {
	s := New(newTestStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/executions/does-not-exist", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
