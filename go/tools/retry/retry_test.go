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

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordDelays makes waits return at once and records them.
func recordDelays(t *testing.T) *[]time.Duration {
	var delays []time.Duration
	t.Cleanup(func() { after = time.After })
	after = func(d time.Duration) <-chan time.Time {
		delays = append(delays, d)
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return &delays
}

func TestDelayDoublesUpToMax(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, NoJitter: true}
	var got []time.Duration
	for n := 1; n <= 5; n++ {
		got = append(got, b.Delay(n))
	}
	assert.Equal(t, []time.Duration{10, 20, 40, 50, 50}, scale(got, time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, b.Delay(1000), "large retry counts do not overflow")
}

func scale(ds []time.Duration, unit time.Duration) []time.Duration {
	out := make([]time.Duration, len(ds))
	for i, d := range ds {
		out[i] = d / unit
	}
	return out
}

func TestDelayJitterStaysInRange(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Max: 80 * time.Millisecond}
	for n := 1; n <= 10; n++ {
		d := b.Delay(n)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, min(10*time.Millisecond<<(n-1), 80*time.Millisecond))
	}
}

func TestRetriesWaitBeforeEachYield(t *testing.T) {
	delays := recordDelays(t)
	b := Backoff{Base: time.Millisecond, Max: time.Second, NoJitter: true}

	var seen []int
	for n, err := range b.Retries(context.Background()) {
		require.NoError(t, err)
		seen = append(seen, n)
		if n == 3 {
			break
		}
	}
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, *delays)
}

func TestAttemptsStartImmediately(t *testing.T) {
	delays := recordDelays(t)
	b := Backoff{Base: time.Millisecond, Max: time.Second, NoJitter: true}

	var seen []int
	for n, err := range b.Attempts(context.Background()) {
		require.NoError(t, err)
		seen = append(seen, n)
		if n == 2 {
			break
		}
	}
	assert.Equal(t, []int{0, 1, 2}, seen)
	assert.Len(t, *delays, 2)
}

func TestRetriesEndWithContext(t *testing.T) {
	b := Backoff{Base: time.Hour, Max: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	var last error
	count := 0
	for _, err := range b.Retries(ctx) {
		count++
		last = err
	}
	assert.Equal(t, 1, count)
	assert.ErrorIs(t, last, context.Canceled)
}

func TestAttemptsOnEndedContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var errs []error
	for _, err := range (Backoff{Base: time.Millisecond, Max: time.Second}).Attempts(ctx) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}
