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
	"runtime/debug"
)

// Routine is a unit of sequential logic. It runs until it returns, suspending
// at every Await and Call.
//
// A routine runs on its own goroutine, but never concurrently with the Task
// driving it: control is handed back and forth over channels, so a routine
// may touch state owned by the worker's event loop. It must not block on the
// loop itself (for example with eventloop.Loop.Call).
type Routine func(co *Co) (any, error)

// Co is the handle a Routine uses to talk to the Task driving it.
type Co struct {
	ctx  context.Context
	task *Task
	f    *frame
}

// Context returns the context the Task was created with.
func (co *Co) Context() context.Context { return co.ctx }

// Task returns the Task driving this routine.
func (co *Co) Task() *Task { return co.task }

// Await suspends the routine until op completes and returns its outcome.
// If op completes with a fault, the routine does not resume: the Task is
// terminated instead.
func (co *Co) Await(op Operation) (any, error) {
	if op == nil {
		return nil, errNilOperation
	}
	r := co.f.suspend(step{kind: stepAwait, op: op})
	return r.value, r.err
}

// Call runs r as a nested routine and returns its result. Errors returned by
// r reach the caller as ordinary errors, faults terminate the Task.
func (co *Co) Call(r Routine) (any, error) {
	if r == nil {
		return nil, errNilRoutine
	}
	res := co.f.suspend(step{kind: stepCall, routine: r})
	return res.value, res.err
}

// Yield hands v to the Task, which records it as the last produced value and
// passes it straight back without suspending.
func (co *Co) Yield(v any) any {
	return co.f.suspend(step{kind: stepValue, value: v}).value
}

type stepKind int

const (
	stepValue stepKind = iota
	stepCall
	stepAwait
	stepReturn
	stepFault
)

// step is what a frame hands to the Task each time it stops running.
type step struct {
	kind    stepKind
	value   any
	err     error
	op      Operation
	routine Routine
}

type resume struct {
	value any
	err   error
}

// abortSignal is the panic value that unwinds an aborted frame.
type abortSignal struct{}

// frame is one routine on the suspension stack, backed by a goroutine.
type frame struct {
	routine Routine
	co      *Co

	in   chan resume
	out  chan step
	kill chan struct{}

	started bool
	killed  bool
}

func newFrame(t *Task, r Routine) *frame {
	f := &frame{
		routine: r,
		in:      make(chan resume),
		out:     make(chan step),
		kill:    make(chan struct{}),
	}
	f.co = &Co{ctx: t.ctx, task: t, f: f}
	return f
}

// next starts or resumes the frame and blocks until it stops again.
// Called by the Task.
func (f *frame) next(r resume) step {
	if !f.started {
		f.started = true
		go f.run()
	} else {
		f.in <- r
	}
	return <-f.out
}

// abort unwinds a suspended frame. Called by the Task.
func (f *frame) abort() {
	if !f.killed {
		f.killed = true
		close(f.kill)
	}
}

// suspend hands s to the Task and waits to be resumed. Called on the frame
// goroutine.
func (f *frame) suspend(s step) resume {
	select {
	case f.out <- s:
	case <-f.kill:
		panic(abortSignal{})
	}
	select {
	case r := <-f.in:
		return r
	case <-f.kill:
		panic(abortSignal{})
	}
}

func (f *frame) run() {
	var (
		value any
		err   error
	)
	defer func() {
		s := step{kind: stepReturn, value: value, err: err}
		if rec := recover(); rec != nil {
			if _, ok := rec.(abortSignal); ok {
				return
			}
			s = step{kind: stepFault, err: &PanicError{Value: rec, Stack: debug.Stack()}}
		}
		select {
		case f.out <- s:
		case <-f.kill:
		}
	}()
	value, err = f.routine(f.co)
}
