// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loopctl/pkg/config"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, span := p.StartSpawn(context.Background(), "exec-1", "plan")
	assert.NotNil(t, ctx)
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_Enabled_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{
		Enabled:      true,
		Exporter:     "stdout",
		ServiceName:  "loopctl-test",
		SamplingRate: 1.0,
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	defer func() { _ = p.Shutdown(context.Background()) }()

	_, span := p.StartMediatorDispatch(context.Background(), "alert", "loop-1")
	EndWithError(span, nil)

	_, errSpan := p.StartCascade(context.Background(), "exec-1")
	EndWithError(errSpan, errors.New("boom"))
}

func TestInit_UnsupportedExporter(t *testing.T) {
	_, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Exporter: "jaeger"})
	assert.Error(t, err)
}

func TestNilProvider_IsSafe(t *testing.T) {
	var p *Provider
	assert.NotPanics(t, func() {
		_, span := p.StartSpawn(context.Background(), "exec-1", "plan")
		span.End()
		_ = p.Shutdown(context.Background())
	})
}
