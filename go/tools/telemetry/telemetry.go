// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry sets up OpenTelemetry tracing and metrics for the pool
// server. Exporters are chosen with the standard OTEL_* environment
// variables and default to none:
//
//	OTEL_EXPORTER_OTLP_PROTOCOL="http/protobuf" \
//	  OTEL_METRICS_EXPORTER=otlp \
//	  OTEL_TRACES_EXPORTER=otlp \
//	  OTEL_EXPORTER_OTLP_ENDPOINT="http://localhost:4318" \
//	  poolserver --config-file poolserver.yaml
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// scope is the instrumentation scope of every span and instrument.
const scope = "github.com/multigres/poolserver"

// Tracer returns the tracer of the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(scope)
}

// Telemetry owns the tracer and meter providers of a process.
type Telemetry struct {
	mu      sync.Mutex
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	started bool

	// Set by tests in place of the autoexport exporters.
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
}

// NewTelemetry returns a Telemetry that exports nothing until Start.
func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// WithTestExporters makes Start export to the given exporter and reader,
// synchronously. It must be called before Start.
func (t *Telemetry) WithTestExporters(spans sdktrace.SpanExporter, metrics sdkmetric.Reader) *Telemetry {
	t.spanExporter = spans
	t.metricReader = metrics
	return t
}

// Start installs global tracer and meter providers for service, unless
// OTEL_SERVICE_NAME names another one. attrs are added to the resource.
// Only the first call has an effect.
func (t *Telemetry) Start(ctx context.Context, service string, attrs ...attribute.KeyValue) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		service = name
	}
	// resource.Default() is not merged in: its schema URL may differ.
	res := resource.NewWithAttributes(semconv.SchemaURL,
		append([]attribute.KeyValue{semconv.ServiceName(service)}, attrs...)...)

	spanExp, reader, err := t.exporters(ctx)
	if err != nil {
		return err
	}
	spanOpt := sdktrace.WithBatcher(spanExp)
	if t.spanExporter != nil {
		spanOpt = sdktrace.WithSyncer(spanExp)
	}
	t.tp = sdktrace.NewTracerProvider(spanOpt, sdktrace.WithResource(res))
	t.mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))

	otel.SetTracerProvider(t.tp)
	otel.SetMeterProvider(t.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.started = true
	slog.DebugContext(ctx, "telemetry started", "service", service)
	return nil
}

func (t *Telemetry) exporters(ctx context.Context) (sdktrace.SpanExporter, sdkmetric.Reader, error) {
	if t.spanExporter != nil {
		return t.spanExporter, t.metricReader, nil
	}
	// Nothing leaves the process unless asked for.
	for _, env := range []string{"OTEL_TRACES_EXPORTER", "OTEL_METRICS_EXPORTER"} {
		if _, ok := os.LookupEnv(env); !ok {
			_ = os.Setenv(env, "none")
		}
	}
	spanExp, err := autoexport.NewSpanExporter(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create span exporter: %w", err)
	}
	reader, err := autoexport.NewMetricReader(ctx)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("create metric reader: %w", err), spanExp.Shutdown(ctx))
	}
	return spanExp, reader, nil
}

// StartForCommand starts telemetry for cmd, named after it. A W3C trace
// context in the TRACEPARENT variable becomes the parent of the spans
// started from the command context.
func (t *Telemetry) StartForCommand(cmd *cobra.Command, attrs ...attribute.KeyValue) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := t.Start(ctx, cmd.Name(), attrs...); err != nil {
		return fmt.Errorf("start telemetry: %w", err)
	}
	if tp := os.Getenv("TRACEPARENT"); tp != "" {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier{"traceparent": tp})
	}
	cmd.SetContext(ctx)
	return nil
}

// TracerProvider returns the provider installed by Start, or the global one.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tp == nil {
		return otel.GetTracerProvider()
	}
	return t.tp
}

// MeterProvider returns the provider installed by Start, or the global one.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mp == nil {
		return otel.GetMeterProvider()
	}
	return t.mp
}

// Meter returns the meter pool and request instruments are created from.
func (t *Telemetry) Meter() metric.Meter {
	return t.MeterProvider().Meter(scope)
}

// Shutdown flushes and stops the providers. Start may be called again
// afterwards.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	t.started = false

	var errs []error
	if err := t.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider: %w", err))
	}
	if err := t.mp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider: %w", err))
	}
	return errors.Join(errs...)
}

// LogHandler wraps h so that records logged with a span in their context
// carry its trace_id and span_id.
func LogHandler(h slog.Handler) slog.Handler {
	return spanHandler{h}
}

type spanHandler struct {
	slog.Handler
}

func (h spanHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h spanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return spanHandler{h.Handler.WithAttrs(attrs)}
}

func (h spanHandler) WithGroup(name string) slog.Handler {
	return spanHandler{h.Handler.WithGroup(name)}
}
