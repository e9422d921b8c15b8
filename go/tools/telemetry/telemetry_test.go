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

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestStartAndShutdown(t *testing.T) {
	setup := NewTestSetup(t)
	ctx := context.Background()

	before := setup.Telemetry.TracerProvider()
	require.NoError(t, setup.Telemetry.Start(ctx, "poolserver"))
	assert.NotEqual(t, before, setup.Telemetry.TracerProvider())
	assert.Equal(t, setup.Telemetry.TracerProvider(), otel.GetTracerProvider())
	assert.Equal(t, setup.Telemetry.MeterProvider(), otel.GetMeterProvider())

	// Only the first Start counts.
	require.NoError(t, setup.Telemetry.Start(ctx, "other"))

	require.NoError(t, setup.Telemetry.Shutdown(ctx))
	require.NoError(t, setup.Telemetry.Shutdown(ctx))
	assert.Error(t, setup.Flush(ctx))
}

func TestShutdownBeforeStart(t *testing.T) {
	setup := NewTestSetup(t)
	require.NoError(t, setup.Telemetry.Shutdown(context.Background()))
}

func TestSpansAndMetricsAreExported(t *testing.T) {
	setup := NewTestSetup(t)
	ctx := context.Background()
	require.NoError(t, setup.Telemetry.Start(ctx, "poolserver", attribute.String("service.instance.id", "i-1")))
	t.Cleanup(func() { _ = setup.Telemetry.Shutdown(ctx) })

	_, span := Tracer().Start(ctx, "GET redis")
	span.End()

	counter, err := setup.Telemetry.Meter().Int64Counter("poolserver.test.count")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	require.NoError(t, setup.Flush(ctx))
	spans := setup.Spans.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET redis", spans[0].Name)
	assert.Equal(t, scope, spans[0].InstrumentationScope.Name)
	id, ok := spans[0].Resource.Set().Value("service.instance.id")
	assert.True(t, ok)
	assert.Equal(t, "i-1", id.AsString())

	var rm metricdata.ResourceMetrics
	require.NoError(t, setup.Metrics.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, scope, rm.ScopeMetrics[0].Scope.Name)
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)
}

func TestStartForCommand(t *testing.T) {
	setup := NewTestSetup(t)
	t.Setenv("TRACEPARENT", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	cmd := &cobra.Command{Use: "poolserver"}
	require.NoError(t, setup.Telemetry.StartForCommand(cmd))
	t.Cleanup(func() { _ = setup.Telemetry.Shutdown(context.Background()) })

	_, span := Tracer().Start(cmd.Context(), "startup")
	span.End()

	spans := setup.Spans.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext.TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent.SpanID().String())
}

func TestLogHandler(t *testing.T) {
	setup := NewTestSetup(t)
	ctx := context.Background()
	require.NoError(t, setup.Telemetry.Start(ctx, "poolserver"))
	t.Cleanup(func() { _ = setup.Telemetry.Shutdown(ctx) })

	var buf bytes.Buffer
	logger := slog.New(LogHandler(slog.NewJSONHandler(&buf, nil))).With("worker", 1)
	last := func() map[string]any {
		var m map[string]any
		lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
		require.NoError(t, json.Unmarshal(lines[len(lines)-1], &m))
		return m
	}

	logger.InfoContext(ctx, "no span")
	assert.NotContains(t, last(), "trace_id")

	spanCtx, span := Tracer().Start(ctx, "task")
	defer span.End()
	logger.InfoContext(spanCtx, "in span")
	rec := last()
	assert.Equal(t, span.SpanContext().TraceID().String(), rec["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), rec["span_id"])
	assert.Equal(t, float64(1), rec["worker"], "attributes survive WithAttrs")
}
