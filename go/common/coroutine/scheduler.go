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

package coroutine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/multigres/poolserver/go/tools/deque"
	"github.com/multigres/poolserver/go/tools/eventloop"
)

// Scheduler holds the FIFO queue of pending tasks of one worker.
//
// With a loop, every method except Submit must be called on that loop, and
// operation callbacks are always posted to it, wherever they fire. Without a
// loop, callbacks must fire on the goroutine that drives the scheduler.
type Scheduler struct {
	loop   *eventloop.Loop
	logger *slog.Logger

	queue   deque.Deque[*Task]
	running bool
	nextID  uint64

	active int
	faults int
}

// NewScheduler creates a scheduler bound to loop, which may be nil.
func NewScheduler(loop *eventloop.Loop, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{loop: loop, logger: logger}
}

// NewTask wraps r in a Task and enqueues it. The task starts on the next Run.
func (s *Scheduler) NewTask(ctx context.Context, r Routine) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	s.nextID++
	t := &Task{
		id:    s.nextID,
		ctx:   ctx,
		sched: s,
		root:  r,
		done:  make(chan struct{}),
	}
	s.queue.PushBack(t)
	return t
}

// Run drains the queue, running each task to its first suspension point or
// to completion. It does not wait for pending operations. A Run issued while
// another Run is draining the queue returns immediately; the outer one picks
// up the new tasks.
func (s *Scheduler) Run() {
	if s.running {
		return
	}
	s.running = true
	defer func() { s.running = false }()

	for {
		t, ok := s.queue.PopFront()
		if !ok {
			return
		}
		s.active++
		t.start()
	}
}

// Spawn enqueues r and runs the queue.
func (s *Scheduler) Spawn(ctx context.Context, r Routine) *Task {
	t := s.NewTask(ctx, r)
	s.Run()
	return t
}

// Submit spawns r from a goroutine other than the loop and returns once the
// task has reached its first suspension point. Code on the loop uses Spawn.
func (s *Scheduler) Submit(ctx context.Context, r Routine) (*Task, error) {
	if s.loop == nil {
		return s.Spawn(ctx, r), nil
	}
	started := make(chan *Task, 1)
	if !s.loop.Post(func() { started <- s.Spawn(ctx, r) }) {
		return nil, eventloop.ErrStopped
	}
	select {
	case t := <-started:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of tasks waiting for their first run.
func (s *Scheduler) Pending() int { return s.queue.Len() }

// Active returns the number of started tasks that have not finished.
func (s *Scheduler) Active() int { return s.active }

// Faults returns the number of tasks terminated by a fault.
func (s *Scheduler) Faults() int { return s.faults }

func (s *Scheduler) dispatch(fn func()) {
	if s.loop == nil {
		fn()
		return
	}
	if !s.loop.Post(fn) {
		s.logger.Warn("dropping operation completion, event loop is stopped")
	}
}

func (s *Scheduler) taskFinished(*Task) {
	s.active--
}

func (s *Scheduler) taskFaulted(t *Task, err error) {
	s.faults++
	attrs := []any{"task", t.id, "error", err}
	var pe *PanicError
	if errors.As(err, &pe) {
		attrs = append(attrs, "stack", string(pe.Stack))
	}
	s.logger.Error("task terminated by fault", attrs...)
}
