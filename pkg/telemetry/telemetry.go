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

// Package telemetry wraps OpenTelemetry tracing setup for the
// orchestrator: span export around Supervisor.spawn, Mediator dispatch,
// and Cascade.OnCompletion. Disabled by default; Init installs a no-op
// provider so every call site can start spans unconditionally.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/loopctl/pkg/config"
)

// instrumentationName is the tracer name every span in this package is
// created under.
const instrumentationName = "github.com/kadirpekel/loopctl"

// Provider owns the process-wide tracer provider and its shutdown.
type Provider struct {
	tp     trace.TracerProvider
	sdk    *sdktrace.TracerProvider // nil when disabled
	tracer trace.Tracer
}

// Init sets up tracing per cfg. When cfg.Enabled is false it installs a
// no-op provider: Start still returns usable (context, Span) pairs, they
// simply record nothing.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		return &Provider{tp: tp, tracer: tp.Tracer(instrumentationName)}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "stdout", "":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("telemetry: unsupported exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(sdk)

	return &Provider{tp: sdk, sdk: sdk, tracer: sdk.Tracer(instrumentationName)}, nil
}

// Shutdown flushes and stops the exporter. Safe to call on a disabled
// (no-op) Provider or a nil Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// Tracer returns the package tracer. Safe to call on a nil Provider; it
// falls back to the global no-op tracer in that case.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpawn starts a span around one Supervisor.spawn call.
func (p *Provider) StartSpawn(ctx context.Context, executionID, loopType string) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, "supervisor.spawn",
		trace.WithAttributes(
			attribute.String("execution_id", executionID),
			attribute.String("loop_type", loopType),
		),
	)
}

// StartMediatorDispatch starts a span around one Mediator Alert/Query/
// Share dispatch.
func (p *Provider) StartMediatorDispatch(ctx context.Context, op, fromLoopID string) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, "mediator."+op,
		trace.WithAttributes(
			attribute.String("from_loop_id", fromLoopID),
		),
	)
}

// StartCascade starts a span around one Cascade.OnCompletion run.
func (p *Provider) StartCascade(ctx context.Context, executionID string) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, "cascade.on_completion",
		trace.WithAttributes(
			attribute.String("execution_id", executionID),
		),
	)
}

// EndWithError ends span, marking it as errored when err is non-nil.
// Matches the record-then-end shape every call site in this package
// uses around its collaborator call.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
