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

package poolserver

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/multigres/poolserver/go/common/coroutine"
	"github.com/multigres/poolserver/go/common/mterrors"
)

// Handler serves one path. It runs as a task on the worker that received
// the request, so it may Await pool operations on co.
type Handler func(co *coroutine.Co, req *Request) (any, error)

// Request is a routed front end request.
type Request struct {
	Path   string
	Params any
	Worker *Worker

	stream func(data any)
}

// Stream sends data to the client as one frame of a streamed reply. The
// value returned by the handler closes the stream.
func (r *Request) Stream(data any) {
	if r.stream != nil {
		r.stream(data)
	}
}

// Param returns the named parameter when Params is a map.
func (r *Request) Param(name string) (any, bool) {
	m, ok := r.Params.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[name]
	return v, ok
}

// String returns a required string parameter.
func (r *Request) String(name string) (string, error) {
	v, ok := r.Param(name)
	if !ok {
		return "", mterrors.PS1002(fmt.Sprintf("%s: missing parameter %q", r.Path, name))
	}
	s, ok := v.(string)
	if !ok {
		return "", mterrors.PS1002(fmt.Sprintf("%s: parameter %q must be a string, got %T", r.Path, name, v))
	}
	return s, nil
}

// List returns an optional list parameter.
func (r *Request) List(name string) ([]any, error) {
	v, ok := r.Param(name)
	if !ok || v == nil {
		return nil, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, mterrors.PS1002(fmt.Sprintf("%s: parameter %q must be a list, got %T", r.Path, name, v))
	}
	return l, nil
}

// Router maps request paths to handlers by exact match.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers h for path, replacing any previous handler.
func (r *Router) Handle(path string, h Handler) {
	if h == nil {
		panic("poolserver: nil handler for " + path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[path] = h
}

// Lookup returns the handler of path.
func (r *Router) Lookup(path string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[path]
	if !ok {
		return nil, mterrors.PS4002(path)
	}
	return h, nil
}

// Paths returns the registered paths in order.
func (r *Router) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}
