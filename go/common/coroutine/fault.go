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
	"errors"
	"fmt"
)

var (
	errNilOperation = errors.New("coroutine: await on nil operation")
	errNilRoutine   = errors.New("coroutine: call of nil routine")
)

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as a fault. A fault returned by a routine or delivered by an
// operation callback is not handed back to the parent routine: it unwinds the
// whole suspension stack and terminates the Task.
func Fatal(err error) error {
	if err == nil || IsFatal(err) {
		return err
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err is a fault, either marked with Fatal or
// recovered from a panic.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *fatalError
	var pe *PanicError
	return errors.As(err, &fe) || errors.As(err, &pe)
}

// PanicError is the fault produced when a routine panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in routine: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
