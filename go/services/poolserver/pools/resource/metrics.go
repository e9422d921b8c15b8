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

package resource

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/semconv/v1.37.0/dbconv"
)

// Metrics holds the instruments shared by every pool of a process. A nil
// *Metrics records nothing.
//
// The connection count is built by hand rather than with
// dbconv.ClientConnectionCount, which omits the pool name and state
// attributes unless extra attributes are passed.
type Metrics struct {
	conns     metric.Int64UpDownCounter
	timeouts  metric.Int64Counter
	exhausted metric.Int64Counter
}

// NewMetrics creates the pool instruments on m.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	conns, errConns := m.Int64UpDownCounter("db.client.connection.count",
		metric.WithDescription("Connections per pool and state (idle or used)."),
		metric.WithUnit("{connection}"))
	timeouts, errTimeouts := m.Int64Counter("poolserver.pool.timeouts",
		metric.WithDescription("Commands whose reply did not arrive before the pool timeout."),
		metric.WithUnit("{command}"))
	exhausted, errExhausted := m.Int64Counter("poolserver.pool.retry_exhausted",
		metric.WithDescription("Commands dropped after waiting max_retry releases for a connection."),
		metric.WithUnit("{command}"))
	return &Metrics{conns: conns, timeouts: timeouts, exhausted: exhausted},
		errors.Join(errConns, errTimeouts, errExhausted)
}

func poolAttr(pool string) metric.MeasurementOption {
	return metric.WithAttributes(semconv.DBClientConnectionPoolNameKey.String(pool))
}

// connections moves delta connections of pool into or out of state s.
// Connecting and closed connections are not counted.
func (m *Metrics) connections(ctx context.Context, delta int64, pool string, s State) {
	if m == nil || m.conns == nil {
		return
	}
	var state dbconv.ClientConnectionStateAttr
	switch s {
	case StateIdle:
		state = dbconv.ClientConnectionStateIdle
	case StateBorrowed, StateBound:
		state = dbconv.ClientConnectionStateUsed
	default:
		return
	}
	m.conns.Add(ctx, delta, metric.WithAttributes(
		semconv.DBClientConnectionPoolNameKey.String(pool),
		semconv.DBClientConnectionStateKey.String(string(state)),
	))
}

func (m *Metrics) timeout(ctx context.Context, pool string) {
	if m != nil && m.timeouts != nil {
		m.timeouts.Add(ctx, 1, poolAttr(pool))
	}
}

func (m *Metrics) exhaustedRetries(ctx context.Context, pool string) {
	if m != nil && m.exhausted != nil {
		m.exhausted.Add(ctx, 1, poolAttr(pool))
	}
}
