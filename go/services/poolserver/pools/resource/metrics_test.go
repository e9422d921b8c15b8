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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// getSum collects reader and returns the int64 sum called name, or nil.
func getSum(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			return &sum
		}
	}
	return nil
}

// getStateCount returns the data point of sum for pool and state.
func getStateCount(sum *metricdata.Sum[int64], pool, state string) int64 {
	if sum == nil {
		return 0
	}
	for _, dp := range sum.DataPoints {
		name, _ := dp.Attributes.Value(semconv.DBClientConnectionPoolNameKey)
		st, _ := dp.Attributes.Value(semconv.DBClientConnectionStateKey)
		if name.AsString() == pool && st.AsString() == state {
			return dp.Value
		}
	}
	return 0
}

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func TestConnectionCountByState(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	tp := newTestPool(t, Config{Name: "test-pool", Init: 2, Max: 2, Metrics: metrics}, &fakeConnector{}, false)

	assert.Nil(t, getSum(t, reader, "db.client.connection.count"), "no metrics before any connection")

	tp.on(t, tp.pool.WarmUp)
	require.Eventually(t, func() bool { return tp.stats(t).Idle == 2 }, 2*time.Second, time.Millisecond)

	sum := getSum(t, reader, "db.client.connection.count")
	assert.Equal(t, int64(2), getStateCount(sum, "test-pool", "idle"))
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "used"))

	var c *Conn[*fakeRaw]
	tp.on(t, func() { c, _ = tp.pool.GetConnection() })
	sum = getSum(t, reader, "db.client.connection.count")
	assert.Equal(t, int64(1), getStateCount(sum, "test-pool", "idle"))
	assert.Equal(t, int64(1), getStateCount(sum, "test-pool", "used"))

	// Binding keeps the connection in use.
	tp.on(t, func() { tp.pool.Bind(c) })
	sum = getSum(t, reader, "db.client.connection.count")
	assert.Equal(t, int64(1), getStateCount(sum, "test-pool", "used"))

	tp.on(t, func() { tp.pool.Unbind(c.BindID()) })
	sum = getSum(t, reader, "db.client.connection.count")
	assert.Equal(t, int64(2), getStateCount(sum, "test-pool", "idle"))
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "used"))

	// Discarding a dead connection removes it from every state.
	tp.on(t, func() {
		c, _ = tp.pool.GetConnection()
		tp.pool.MarkDead(c)
		tp.pool.Release(c)
	})
	sum = getSum(t, reader, "db.client.connection.count")
	assert.Equal(t, int64(1), getStateCount(sum, "test-pool", "idle"))
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "used"))
}

func TestTimeoutCounter(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	tp := newTestPool(t, Config{Name: "test-pool", Max: 1, Timeout: 5 * time.Millisecond, Metrics: metrics}, &fakeConnector{}, false)

	rec := newRecorder()
	tp.on(t, func() { tp.pool.GetToken(rec.cb(0), true) })
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, time.Millisecond)

	sum := getSum(t, reader, "poolserver.pool.timeouts")
	require.NotNil(t, sum)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
}
