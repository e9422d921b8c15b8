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

// Package retry paces retry loops that run outside the worker event loops,
// such as service registration, with capped exponential backoff.
//
//	b := retry.Backoff{Base: 10 * time.Millisecond, Max: 30 * time.Second}
//	for n, err := range b.Retries(ctx) {
//		if err != nil {
//			return fmt.Errorf("gave up after %d retries: %w", n-1, err)
//		}
//		if err := register(ctx); err == nil {
//			return nil
//		}
//	}
package retry

import (
	"context"
	"iter"
	"math/rand/v2"
	"time"
)

// Backoff doubles the delay from Base on every retry up to Max. Unless
// NoJitter is set each delay is drawn uniformly from [0, delay].
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	NoJitter bool
}

// after is replaced in tests.
var after = time.After

// Delay returns the wait before retry n, counting from 1.
func (b Backoff) Delay(n int) time.Duration {
	d := b.Max
	if shift := n - 1; shift >= 0 && shift < 31 {
		if v := b.Base << shift; v > 0 && v < b.Max {
			d = v
		}
	}
	if d <= 0 {
		return 0
	}
	if !b.NoJitter {
		d = time.Duration(rand.Int64N(int64(d) + 1))
	}
	return d
}

// Retries yields 1, 2, ... each after waiting Delay of it. When ctx ends it
// yields the retry number with ctx.Err() and stops.
func (b Backoff) Retries(ctx context.Context) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		for n := 1; ; n++ {
			var err error
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-after(b.Delay(n)):
				err = ctx.Err()
			}
			if !yield(n, err) || err != nil {
				return
			}
		}
	}
}

// Attempts is Retries preceded by an immediate attempt 0.
func (b Backoff) Attempts(ctx context.Context) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		err := ctx.Err()
		if !yield(0, err) || err != nil {
			return
		}
		for n, err := range b.Retries(ctx) {
			if !yield(n, err) {
				return
			}
		}
	}
}
