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

package resource

import (
	"fmt"
	"slices"
	"time"
)

// State is the ownership state of a pooled connection. A connection is owned
// by exactly one of the idle queue, one borrower or one bind id.
type State int

const (
	// StateConnecting is a freshly established connection not yet pooled.
	StateConnecting State = iota
	// StateIdle is a connection sitting in the idle queue.
	StateIdle
	// StateBorrowed is a connection serving one in-flight command.
	StateBorrowed
	// StateBound is a connection reserved for a bind id.
	StateBound
	// StateClosed is a discarded connection.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateBorrowed:
		return "borrowed"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Conn wraps one backend session.
type Conn[C any] struct {
	id     uint64
	raw    C
	state  State
	alive  bool
	bindID int64

	createdAt time.Time
	lastUsed  time.Time
}

// ID returns the connection id, unique within its pool.
func (c *Conn[C]) ID() uint64 { return c.id }

// Raw returns the backend handle.
func (c *Conn[C]) Raw() C { return c.raw }

// State returns the current ownership state.
func (c *Conn[C]) State() State { return c.state }

// Alive reports whether the connection has not been marked dead.
func (c *Conn[C]) Alive() bool { return c.alive }

// BindID returns the bind id the connection is reserved for, or 0.
func (c *Conn[C]) BindID() int64 { return c.bindID }

// CreatedAt returns when the connection was established.
func (c *Conn[C]) CreatedAt() time.Time { return c.createdAt }

// LastUsed returns when the connection last changed hands.
func (c *Conn[C]) LastUsed() time.Time { return c.lastUsed }

// moveTo transitions the connection to state to. It panics if the current
// state is not one of from: a connection changing hands from an unexpected
// owner means two parties believe they own it.
func (c *Conn[C]) moveTo(to State, from ...State) State {
	prev := c.state
	if !slices.Contains(from, prev) {
		panic(fmt.Sprintf("resource: connection %d: invalid transition %v -> %v", c.id, prev, to))
	}
	c.state = to
	c.lastUsed = time.Now()
	return prev
}
