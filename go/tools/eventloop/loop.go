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

// Package eventloop provides the per-worker event loop: a single dedicated
// goroutine that executes posted callbacks one at a time, in FIFO order.
//
// State owned by a worker (task scheduler, resource pools) is only touched
// from callbacks running on its loop, so it needs no locking. Blocking work
// (network round trips) runs on other goroutines and posts its completion
// back with Post.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/poolserver/go/tools/deque"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("event loop is stopped")

// Loop runs callbacks sequentially on one dedicated goroutine.
type Loop struct {
	name   string
	logger *slog.Logger

	mu    sync.Mutex
	queue deque.Deque[func()]
	wake  chan struct{}

	closed  atomic.Bool
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// running is set while a callback executes.
	running atomic.Bool
}

// New creates a loop and starts its goroutine.
func New(name string, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		name:    name,
		logger:  logger.With("loop", name),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Post queues fn to run on the loop. It never blocks. It returns false
// if the loop is stopped, in which case fn is dropped.
func (l *Loop) Post(fn func()) bool {
	if l.closed.Load() {
		return false
	}
	l.mu.Lock()
	l.queue.PushBack(fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return. It must not be
// called from the loop, or from a routine the loop is driving: the loop
// would wait on itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		// fn may have been the last thing to run before the stop.
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// WaitIdle blocks until every callback posted before the call has run.
func (l *Loop) WaitIdle(ctx context.Context) error {
	return l.Call(ctx, func() {})
}

// Running reports whether the loop is executing a callback. Code running on
// the loop, and routines it is blocked on, always see true.
func (l *Loop) Running() bool { return l.running.Load() }

// Stop stops accepting work, lets the callback in progress finish and
// waits for the loop goroutine to exit. Queued callbacks are dropped.
// From the loop, use Shutdown instead.
func (l *Loop) Stop() {
	l.Shutdown()
	<-l.stopped
}

// Shutdown stops accepting work without waiting for the loop goroutine.
func (l *Loop) Shutdown() {
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})
}

// Stopped returns a channel closed once the loop goroutine exits.
func (l *Loop) Stopped() <-chan struct{} { return l.stopped }

func (l *Loop) run() {
	defer close(l.stopped)

	for {
		l.mu.Lock()
		fn, ok := l.queue.PopFront()
		l.mu.Unlock()

		if ok {
			if l.closed.Load() {
				return
			}
			l.exec(fn)
			continue
		}

		select {
		case <-l.wake:
		case <-l.done:
			return
		}
	}
}

func (l *Loop) exec(fn func()) {
	l.running.Store(true)
	defer func() {
		l.running.Store(false)
		if rec := recover(); rec != nil {
			l.logger.Error("panic in event loop callback", "panic", rec)
		}
	}()
	fn()
}

// Timer is a one-shot timer whose callback runs on the loop.
type Timer struct {
	t       *time.Timer
	stopped bool
}

// AfterFunc runs fn on the loop once d has elapsed. If Stop is called on the
// loop before fn starts, fn never runs, even if the underlying timer already
// fired and its callback is queued.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped {
				return
			}
			tm.stopped = true
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It must be called on the loop. It reports whether
// the call prevented fn from running.
func (tm *Timer) Stop() bool {
	if tm == nil || tm.stopped {
		return false
	}
	tm.stopped = true
	tm.t.Stop()
	return true
}
