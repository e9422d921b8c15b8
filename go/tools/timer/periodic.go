// Copyright 2019 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modifications Copyright 2025 Supabase, Inc.

// Package timer runs work at a fixed period.
package timer

import (
	"context"
	"sync"
	"time"
)

// Periodic calls a function every interval until stopped. A run is
// scheduled only once the previous one has returned, so runs never overlap.
type Periodic struct {
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	timer   *time.Timer
	wg      sync.WaitGroup
}

// NewPeriodic returns a stopped Periodic.
func NewPeriodic(interval time.Duration) *Periodic {
	return &Periodic{interval: interval}
}

// Start calls fn every interval with a context derived from ctx, which is
// canceled by Stop. It reports false when already running.
func (p *Periodic) Start(ctx context.Context, fn func(ctx context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false
	}
	p.running = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.schedule(runCtx, fn)
	return true
}

// schedule arms the timer for the next run. p.mu must be held.
func (p *Periodic) schedule(ctx context.Context, fn func(ctx context.Context)) {
	p.timer = time.AfterFunc(p.interval, func() {
		p.mu.Lock()
		if !p.running || ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		p.wg.Add(1)
		p.mu.Unlock()

		fn(ctx)
		p.wg.Done()

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.running && ctx.Err() == nil {
			p.schedule(ctx, fn)
		}
	})
}

// Stop cancels the context of the run in progress, if any, and waits for it
// to return. No run starts after Stop. It may be called more than once, and
// Start may be called again afterwards.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.timer.Stop()
	p.mu.Unlock()

	p.wg.Wait()
}

// Running reports whether the Periodic is started.
func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
