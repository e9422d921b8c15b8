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

// Package deque implements a generic double-ended queue on a ring buffer.
// Idle connections, retry queues and run queues push and pop at the ends
// only, so no per-element node is allocated.
package deque

const minCap = 8

// Deque is a double-ended queue. The zero value is empty and ready to use.
// A Deque is not safe for concurrent use.
type Deque[T any] struct {
	buf  []T
	head int
	n    int
}

// Len returns the number of values in d.
func (d *Deque[T]) Len() int { return d.n }

// PushBack appends v.
func (d *Deque[T]) PushBack(v T) {
	d.grow()
	d.buf[d.index(d.n)] = v
	d.n++
}

// PushFront prepends v.
func (d *Deque[T]) PushFront(v T) {
	d.grow()
	d.head = d.index(len(d.buf) - 1)
	d.buf[d.head] = v
	d.n++
}

// PopFront removes and returns the first value. ok is false when d is empty.
func (d *Deque[T]) PopFront() (v T, ok bool) {
	if d.n == 0 {
		return v, false
	}
	var zero T
	v, d.buf[d.head] = d.buf[d.head], zero
	d.head = d.index(1)
	d.n--
	return v, true
}

// PopBack removes and returns the last value. ok is false when d is empty.
func (d *Deque[T]) PopBack() (v T, ok bool) {
	if d.n == 0 {
		return v, false
	}
	var zero T
	i := d.index(d.n - 1)
	v, d.buf[i] = d.buf[i], zero
	d.n--
	return v, true
}

// Front returns the first value without removing it.
func (d *Deque[T]) Front() (v T, ok bool) {
	if d.n == 0 {
		return v, false
	}
	return d.buf[d.head], true
}

// Clear drops every value. The buffer is kept.
func (d *Deque[T]) Clear() {
	clear(d.buf)
	d.head, d.n = 0, 0
}

func (d *Deque[T]) index(i int) int {
	return (d.head + i) % len(d.buf)
}

func (d *Deque[T]) grow() {
	if d.n < len(d.buf) {
		return
	}
	buf := make([]T, max(minCap, 2*len(d.buf)))
	for i := range d.n {
		buf[i] = d.buf[d.index(i)]
	}
	d.buf, d.head = buf, 0
}
