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

// Package event holds the lifecycle callback lists servers fire at well
// known points (init, run, term, close).
package event

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// registry is a list of callbacks safe for concurrent Add and Fire. Fire
// works on a snapshot, so a callback may register more callbacks.
type registry[F any] struct {
	mu    sync.Mutex
	funcs []F
}

func (r *registry[F]) Add(f F) {
	r.mu.Lock()
	r.funcs = append(r.funcs, f)
	r.mu.Unlock()
}

func (r *registry[F]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.funcs)
}

func (r *registry[F]) snapshot() []F {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.funcs)
}

// Hooks fires plain callbacks.
type Hooks struct {
	registry[func()]
}

// Fire runs every callback in its own goroutine and returns when all have
// returned.
func (h *Hooks) Fire() {
	var wg sync.WaitGroup
	for _, f := range h.snapshot() {
		wg.Go(f)
	}
	wg.Wait()
}

// FireWithTimeout is Fire bounded by d. It reports false when d elapsed
// first; the callbacks still running are not waited for.
func (h *Hooks) FireWithTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Fire()
	}()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// ErrorHooks fires callbacks that may fail.
type ErrorHooks struct {
	registry[func() error]
}

// Fire runs every callback concurrently, waits for all of them and returns
// the first failure.
func (h *ErrorHooks) Fire() error {
	var g errgroup.Group
	for _, f := range h.snapshot() {
		g.Go(f)
	}
	return g.Wait()
}
