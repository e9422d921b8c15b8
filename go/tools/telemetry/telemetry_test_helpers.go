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
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestSetup is a Telemetry exporting to memory.
type TestSetup struct {
	Telemetry *Telemetry
	Spans     *tracetest.InMemoryExporter
	Metrics   *sdkmetric.ManualReader
}

// Flush pushes pending spans and metrics to the in-memory exporters.
func (s *TestSetup) Flush(ctx context.Context) error {
	s.Telemetry.mu.Lock()
	defer s.Telemetry.mu.Unlock()
	if !s.Telemetry.started {
		return errors.New("telemetry is not started")
	}
	return errors.Join(s.Telemetry.tp.ForceFlush(ctx), s.Telemetry.mp.ForceFlush(ctx))
}

// NewTestSetup returns an unstarted Telemetry with in-memory exporters. The
// global providers are restored when the test ends.
func NewTestSetup(t *testing.T) *TestSetup {
	t.Helper()
	tp, mp, prop := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})

	spans := tracetest.NewInMemoryExporter()
	metrics := sdkmetric.NewManualReader()
	return &TestSetup{
		Telemetry: NewTelemetry().WithTestExporters(spans, metrics),
		Spans:     spans,
		Metrics:   metrics,
	}
}
