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
	"sync/atomic"
)

// Task drives one top-level routine. All of its methods except Done, Wait,
// Result and ID must be called on the scheduler's event loop.
type Task struct {
	id    uint64
	ctx   context.Context
	sched *Scheduler
	root  Routine

	// current is the frame that runs next; nil while suspended on an
	// operation or once finished.
	current *frame
	// stack holds suspended parents, top at the end.
	stack []*frame
	last  any

	// inSend is set while an operation's Send is on the call stack, so that
	// a synchronous completion continues the trampoline instead of recursing.
	inSend     bool
	syncResume *resume

	finished atomic.Bool
	done     chan struct{}
	result   any
	err      error
}

// ID returns the task id, unique within its scheduler.
func (t *Task) ID() uint64 { return t.id }

// Done returns a channel that is closed once the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the top-level routine's outcome. It is only meaningful
// after Done is closed.
func (t *Task) Result() (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
		return nil, nil
	}
}

// Wait blocks until the task finishes or ctx ends. It must not be called
// from the event loop.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Depth returns the number of routines on the suspension stack.
func (t *Task) Depth() int { return len(t.stack) }

// Last returns the last value produced by any routine of the task.
func (t *Task) Last() any { return t.last }

// Finished reports whether the task has completed or faulted.
func (t *Task) Finished() bool { return t.finished.Load() }

func (t *Task) start() {
	t.current = newFrame(t, t.root)
	t.drive(resume{})
}

// drive is the trampoline. It steps the current frame until the task
// suspends on an operation or finishes.
func (t *Task) drive(in resume) {
	for t.current != nil {
		s := t.current.next(in)
		in = resume{}

		switch s.kind {
		case stepValue:
			t.last = s.value
			in = resume{value: s.value}

		case stepCall:
			t.push(t.current)
			t.current = newFrame(t, s.routine)

		case stepAwait:
			t.push(t.current)
			t.current = nil
			r, ok := t.send(s.op)
			if !ok {
				return
			}
			if IsFatal(r.err) {
				t.fault(r.err)
				return
			}
			t.current = t.pop()
			in = r

		case stepReturn:
			t.last = s.value
			if IsFatal(s.err) {
				t.current = nil
				t.fault(s.err)
				return
			}
			if len(t.stack) == 0 {
				t.current = nil
				t.finish(s.value, s.err)
				return
			}
			t.current = t.pop()
			in = resume{value: s.value, err: s.err}

		case stepFault:
			t.current = nil
			t.fault(s.err)
			return
		}
	}
}

// send starts op. It reports the outcome when op completed synchronously.
func (t *Task) send(op Operation) (resume, bool) {
	var fired atomic.Bool
	t.inSend = true
	t.syncResume = nil

	op.Send(func(result any, err error) {
		if !fired.CompareAndSwap(false, true) {
			t.sched.logger.Warn("operation callback fired more than once", "task", t.id)
			return
		}
		r := resume{value: result, err: err}
		t.sched.dispatch(func() {
			if t.inSend {
				t.syncResume = &r
				return
			}
			t.resume(r)
		})
	})

	t.inSend = false
	if r := t.syncResume; r != nil {
		t.syncResume = nil
		return *r, true
	}
	return resume{}, false
}

// resume continues the routine on top of the suspension stack with the
// outcome of the operation it awaited.
func (t *Task) resume(r resume) {
	if t.Finished() || len(t.stack) == 0 {
		return
	}
	if IsFatal(r.err) {
		t.fault(r.err)
		return
	}
	t.current = t.pop()
	t.drive(r)
}

func (t *Task) push(f *frame) { t.stack = append(t.stack, f) }

func (t *Task) pop() *frame {
	n := len(t.stack) - 1
	f := t.stack[n]
	t.stack[n] = nil
	t.stack = t.stack[:n]
	return f
}

// fault discards every suspended routine and terminates the task.
func (t *Task) fault(err error) {
	for len(t.stack) > 0 {
		t.pop().abort()
	}
	t.finish(nil, err)
	t.sched.taskFaulted(t, err)
}

func (t *Task) finish(result any, err error) {
	if t.finished.Swap(true) {
		return
	}
	t.result, t.err = result, err
	close(t.done)
	t.sched.taskFinished(t)
}
