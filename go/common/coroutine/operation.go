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

// Package coroutine implements the cooperative execution engine of a worker.
//
// Request handling code is written as a straight-line Routine. Whenever it
// needs the result of an asynchronous Operation it calls Co.Await, which
// suspends the routine until the operation's callback fires. Routines can
// delegate to nested routines with Co.Call; the parent resumes with whatever
// the child returns.
//
// A Task drives one top-level routine with a trampoline and a LIFO suspension
// stack of parent routines. A Scheduler owns the FIFO queue of pending tasks
// of one worker and runs them on the worker's event loop.
package coroutine

import (
	"sync/atomic"
)

// Callback receives the outcome of an Operation.
type Callback func(result any, err error)

// Operation is an asynchronous primitive. Send starts it and must arrange for
// cb to be invoked exactly once when it completes, either synchronously from
// within Send or later.
type Operation interface {
	Send(cb Callback)
}

// OperationFunc adapts a function to the Operation interface.
type OperationFunc func(cb Callback)

// Send implements Operation.
func (f OperationFunc) Send(cb Callback) { f(cb) }

// Done returns an Operation that completes immediately with result and err.
func Done(result any, err error) Operation {
	return OperationFunc(func(cb Callback) { cb(result, err) })
}

// Once wraps cb so that only its first invocation has effect.
// It is safe to call the returned callback from several goroutines.
func Once(cb Callback) Callback {
	var fired atomic.Bool
	return func(result any, err error) {
		if fired.CompareAndSwap(false, true) {
			cb(result, err)
		}
	}
}
