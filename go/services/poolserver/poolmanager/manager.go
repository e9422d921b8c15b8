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

// Package poolmanager is the registry of the pools of a server. Pools are
// looked up by kind and name, or by any alias they were registered under, so
// that a sharded group can be reached through the name of each member.
//
// Lookups read an immutable snapshot with a single atomic load; Register and
// Remove replace the snapshot under a mutex.
package poolmanager

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/multigres/poolserver/go/common/mterrors"
	"github.com/multigres/poolserver/go/services/poolserver/pools/resource"
	"github.com/multigres/poolserver/go/tools/eventloop"
)

// ResourcePool is what the manager needs from a pool. Apart from Type, Name
// and Loop, its methods must be called on the pool's loop.
type ResourcePool interface {
	Type() string
	Name() string
	Loop() *eventloop.Loop
	Connect() bool
	Execute(cmd *resource.Command)
	Stats() resource.Stats
	Close()
}

// Key identifies a registration.
type Key struct {
	Kind string
	Name string
}

func (k Key) String() string { return k.Kind + "/" + k.Name }

// Manager maps keys to pools.
type Manager struct {
	logger *slog.Logger

	snapshot atomic.Pointer[map[Key]ResourcePool]
	mu       sync.Mutex
}

// New returns an empty manager.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger}
	empty := make(map[Key]ResourcePool)
	m.snapshot.Store(&empty)
	return m
}

// Register stores pool under its kind and name and under every alias of
// the same kind. An existing registration under any of those keys is
// replaced.
func (m *Manager) Register(pool ResourcePool, aliases ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := maps.Clone(*m.snapshot.Load())
	for _, name := range append([]string{pool.Name()}, aliases...) {
		key := Key{Kind: pool.Type(), Name: name}
		if old, ok := next[key]; ok && old != pool {
			m.logger.Warn("replacing registered pool", "key", key.String())
		}
		next[key] = pool
	}
	m.snapshot.Store(&next)
	m.logger.Debug("registered pool", "kind", pool.Type(), "name", pool.Name(), "aliases", aliases)
}

// Get returns the pool registered under kind and name.
func (m *Manager) Get(kind, name string) (ResourcePool, error) {
	pool, ok := (*m.snapshot.Load())[Key{Kind: kind, Name: name}]
	if !ok {
		return nil, mterrors.PS4001(kind, name)
	}
	return pool, nil
}

// Exists reports whether a pool is registered under kind and name.
func (m *Manager) Exists(kind, name string) bool {
	_, ok := (*m.snapshot.Load())[Key{Kind: kind, Name: name}]
	return ok
}

// Remove unregisters the pool registered under kind and name, along with
// every alias of it, and returns it. The pool is not closed.
func (m *Manager) Remove(kind, name string) (ResourcePool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := *m.snapshot.Load()
	pool, ok := cur[Key{Kind: kind, Name: name}]
	if !ok {
		return nil, false
	}
	next := maps.Clone(cur)
	maps.DeleteFunc(next, func(_ Key, p ResourcePool) bool { return p == pool })
	m.snapshot.Store(&next)
	return pool, true
}

// Pools returns every registered pool once, ordered by kind and name.
func (m *Manager) Pools() []ResourcePool {
	seen := make(map[ResourcePool]bool)
	var pools []ResourcePool
	for _, p := range *m.snapshot.Load() {
		if !seen[p] {
			seen[p] = true
			pools = append(pools, p)
		}
	}
	slices.SortFunc(pools, func(a, b ResourcePool) int {
		return cmp.Or(strings.Compare(a.Type(), b.Type()), strings.Compare(a.Name(), b.Name()))
	})
	return pools
}

// Each calls fn for every registered pool once, in the order of Pools,
// until fn returns false.
func (m *Manager) Each(fn func(ResourcePool) bool) {
	for _, p := range m.Pools() {
		if !fn(p) {
			return
		}
	}
}

// Len returns the number of registered keys.
func (m *Manager) Len() int {
	return len(*m.snapshot.Load())
}

// Stats collects the stats of every pool on its loop.
func (m *Manager) Stats(ctx context.Context) ([]resource.Stats, error) {
	var (
		all  []resource.Stats
		errs []error
	)
	for _, p := range m.Pools() {
		var s resource.Stats
		if err := p.Loop().Call(ctx, func() { s = p.Stats() }); err != nil {
			errs = append(errs, err)
			continue
		}
		all = append(all, s)
	}
	return all, errors.Join(errs...)
}

// CloseAll closes every pool on its loop and empties the manager.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	pools := m.Pools()
	empty := make(map[Key]ResourcePool)
	m.snapshot.Store(&empty)
	m.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Loop().Call(ctx, p.Close); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Debug("closed pool", "kind", p.Type(), "name", p.Name())
	}
	return errors.Join(errs...)
}

// Lookup returns the pool registered under kind and name as a T.
func Lookup[T ResourcePool](m *Manager, kind, name string) (T, error) {
	var zero T
	p, err := m.Get(kind, name)
	if err != nil {
		return zero, err
	}
	t, ok := p.(T)
	if !ok {
		return zero, mterrors.PS4001(kind, name)
	}
	return t, nil
}
