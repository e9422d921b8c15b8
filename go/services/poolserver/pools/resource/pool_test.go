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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/multigres/poolserver/go/common/coroutine"
	"github.com/multigres/poolserver/go/common/mterrors"
	"github.com/multigres/poolserver/go/tools/eventloop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const failure = "failure"

type fakeRaw struct {
	id    int32
	alive atomic.Bool
}

type fakeConnector struct {
	fail   atomic.Pointer[error]
	gate   chan struct{}
	opened atomic.Int32
	closed atomic.Int32
}

func (f *fakeConnector) Connect(ctx context.Context) (*fakeRaw, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.fail.Load(); err != nil {
		return nil, *err
	}
	r := &fakeRaw{id: f.opened.Add(1)}
	r.alive.Store(true)
	return r, nil
}

func (f *fakeConnector) Close(*fakeRaw) error {
	f.closed.Add(1)
	return nil
}

func (f *fakeConnector) Alive(r *fakeRaw) bool { return r.alive.Load() }

type dispatched struct {
	cmd  *Command
	conn *Conn[*fakeRaw]
}

// fakeDispatcher records dispatched commands. In auto mode it replies to
// each one from another goroutine, like a real backend.
type fakeDispatcher struct {
	pool  *Pool[*fakeRaw]
	auto  bool
	check func()

	mu   sync.Mutex
	sent []dispatched
}

func (d *fakeDispatcher) Dispatch(cmd *Command, conn *Conn[*fakeRaw]) {
	if d.check != nil {
		d.check()
	}
	d.mu.Lock()
	d.sent = append(d.sent, dispatched{cmd: cmd, conn: conn})
	d.mu.Unlock()
	if d.auto {
		go d.pool.Post(func() { d.pool.Finish(conn, cmd.Token, cmd.Data, nil) })
	}
}

func (d *fakeDispatcher) all() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatched(nil), d.sent...)
}

type reply struct {
	result any
	err    error
}

type recorder struct {
	mu      sync.Mutex
	replies map[int]reply
	calls   int
}

func newRecorder() *recorder { return &recorder{replies: map[int]reply{}} }

func (r *recorder) cb(i int) coroutine.Callback {
	return func(result any, err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls++
		r.replies[i] = reply{result, err}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *recorder) get(i int) (reply, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.replies[i]
	return rep, ok
}

type testPool struct {
	loop *eventloop.Loop
	pool *Pool[*fakeRaw]
	conn *fakeConnector
	disp *fakeDispatcher
}

func newTestPool(t *testing.T, cfg Config, conn *fakeConnector, auto bool) *testPool {
	t.Helper()
	if cfg.Kind == "" {
		cfg.Kind = "test"
	}
	if cfg.Name == "" {
		cfg.Name = "main"
	}
	cfg.Failure = failure

	loop := eventloop.New("test", nil)
	disp := &fakeDispatcher{auto: auto}
	p, err := NewPool[*fakeRaw](loop, cfg, conn, disp)
	require.NoError(t, err)
	disp.pool = p

	tp := &testPool{loop: loop, pool: p, conn: conn, disp: disp}
	t.Cleanup(func() {
		tp.on(t, p.Close)
		loop.Stop()
		// Let background closes finish before goleak looks.
		require.Eventually(t, func() bool { return conn.closed.Load() == conn.opened.Load() }, 2*time.Second, time.Millisecond)
	})
	return tp
}

func (tp *testPool) on(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, tp.loop.Call(context.Background(), fn))
}

func (tp *testPool) stats(t *testing.T) Stats {
	var s Stats
	tp.on(t, func() { s = tp.pool.Stats() })
	return s
}

func (tp *testPool) execute(t *testing.T, rec *recorder, i int, data any, bindID int64) {
	tp.on(t, func() {
		token := tp.pool.GetToken(rec.cb(i), false)
		tp.pool.Execute(&Command{Data: data, Token: token, BindID: bindID})
	})
}

func TestNewPoolValidation(t *testing.T) {
	loop := eventloop.New("test", nil)
	defer loop.Stop()

	_, err := NewPool[*fakeRaw](loop, Config{Max: 0}, &fakeConnector{}, &fakeDispatcher{})
	assert.True(t, mterrors.IsError(err, "PS1002"))

	_, err = NewPool[*fakeRaw](loop, Config{Max: 1, GCLevel: 101}, &fakeConnector{}, &fakeDispatcher{})
	assert.True(t, mterrors.IsError(err, "PS1002"))

	p, err := NewPool[*fakeRaw](loop, Config{Kind: "mysql", Name: "main", Max: 2, Init: 5, Idle: 9}, &fakeConnector{}, &fakeDispatcher{})
	require.NoError(t, err)
	assert.Equal(t, "mysql", p.Type())
	assert.Equal(t, "main", p.Name())
	assert.Equal(t, DefaultMaxRetry, p.cfg.MaxRetry)
	assert.Equal(t, 2, p.cfg.Init)
	assert.Equal(t, 2, p.cfg.Idle)
}

func TestWarmUpClampsToMax(t *testing.T) {
	tp := newTestPool(t, Config{Init: 5, Max: 3}, &fakeConnector{}, false)
	tp.on(t, tp.pool.WarmUp)

	require.Eventually(t, func() bool { return tp.stats(t).Idle == 3 }, 2*time.Second, time.Millisecond)
	s := tp.stats(t)
	assert.Equal(t, 3, s.Current)
	assert.Equal(t, 0, s.Waiting)
	assert.Equal(t, int32(3), tp.conn.opened.Load())
}

func TestFIFOFairness(t *testing.T) {
	tp := newTestPool(t, Config{Max: 2}, &fakeConnector{}, false)
	rec := newRecorder()

	for i := range 6 {
		tp.execute(t, rec, i, i, 0)
	}
	require.Eventually(t, func() bool { return len(tp.disp.all()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 4, tp.stats(t).Queued)

	// Each completion frees one connection, which serves the oldest queued
	// command.
	for i := range 6 {
		d := tp.disp.all()[i]
		assert.Equal(t, i, d.cmd.Data, "commands are dispatched in queue order")
		tp.on(t, func() { tp.pool.Finish(d.conn, d.cmd.Token, d.cmd.Data, nil) })
	}

	assert.Equal(t, 6, rec.count())
	for i := range 6 {
		rep, ok := rec.get(i)
		require.True(t, ok)
		assert.Equal(t, i, rep.result)
		assert.NoError(t, rep.err)
	}
	s := tp.stats(t)
	assert.Equal(t, 2, s.Idle)
	assert.Equal(t, 0, s.Queued)
	assert.Equal(t, 0, s.Pending)
}

func TestSizeInvariantUnderBurst(t *testing.T) {
	const maxConns = 3
	conn := &fakeConnector{gate: make(chan struct{})}
	tp := newTestPool(t, Config{Max: maxConns}, conn, true)

	var violations atomic.Int32
	check := func() {
		s := tp.pool.Stats()
		if s.Current+s.Waiting > maxConns {
			violations.Add(1)
		}
	}
	tp.disp.check = check

	rec := newRecorder()
	for i := range 50 {
		tp.execute(t, rec, i, i, 0)
		tp.on(t, check)
	}
	s := tp.stats(t)
	assert.Equal(t, maxConns, s.Waiting)
	assert.Equal(t, 0, s.Current)
	assert.Equal(t, 50, s.Queued)

	close(conn.gate)
	require.Eventually(t, func() bool { return rec.count() == 50 }, 5*time.Second, time.Millisecond)

	assert.Zero(t, violations.Load())
	assert.Equal(t, int32(maxConns), conn.opened.Load())
	for i := range 50 {
		rep, _ := rec.get(i)
		assert.NoError(t, rep.err)
		assert.Equal(t, i, rep.result)
	}
}

func TestTokenFiresOnceOnTimeout(t *testing.T) {
	tp := newTestPool(t, Config{Max: 1, Timeout: 10 * time.Millisecond}, &fakeConnector{}, false)
	rec := newRecorder()

	var token uint64
	tp.on(t, func() { token = tp.pool.GetToken(rec.cb(0), true) })
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, time.Millisecond)

	rep, _ := rec.get(0)
	assert.Equal(t, failure, rep.result)
	assert.True(t, mterrors.IsError(rep.err, "PS2002"))

	// The real reply shows up late.
	var delivered bool
	tp.on(t, func() { delivered = tp.pool.Callback(token, "late", nil) })
	assert.False(t, delivered)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestTokenFiresOnceOnReply(t *testing.T) {
	tp := newTestPool(t, Config{Max: 1, Timeout: 10 * time.Millisecond}, &fakeConnector{}, false)
	rec := newRecorder()

	var tokens []uint64
	tp.on(t, func() {
		for i := range 3 {
			tokens = append(tokens, tp.pool.GetToken(rec.cb(i), i != 2))
		}
	})
	assert.Len(t, tokens, 3)
	assert.Less(t, tokens[0], tokens[1])
	assert.Less(t, tokens[1], tokens[2])

	tp.on(t, func() {
		for i, tok := range tokens {
			assert.True(t, tp.pool.Callback(tok, i, nil))
			assert.False(t, tp.pool.Callback(tok, i, nil))
		}
	})

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, tp.loop.WaitIdle(t.Context()))
	assert.Equal(t, 3, rec.count())
	for i := range 3 {
		rep, _ := rec.get(i)
		assert.Equal(t, i, rep.result, "the timer must not override the reply")
	}
}

func TestTimeoutWhileQueued(t *testing.T) {
	conn := &fakeConnector{gate: make(chan struct{})}
	tp := newTestPool(t, Config{Max: 1, Timeout: 10 * time.Millisecond}, conn, false)
	rec := newRecorder()

	tp.on(t, func() {
		tp.pool.Op("q", 0, true).Send(rec.cb(0))
	})
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, time.Millisecond)

	close(conn.gate)
	require.Eventually(t, func() bool { return tp.stats(t).Idle == 1 }, 2*time.Second, time.Millisecond)

	assert.Empty(t, tp.disp.all(), "a command that timed out in the queue is never sent")
	assert.Equal(t, 0, tp.stats(t).Queued)
}

func TestRetryExhausted(t *testing.T) {
	conn := &fakeConnector{}
	refused := errors.New("connection refused")
	conn.fail.Store(&refused)
	tp := newTestPool(t, Config{Max: 2, MaxRetry: 2}, conn, false)
	rec := newRecorder()

	tp.execute(t, rec, 0, "q", 0)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, time.Millisecond)

	rep, _ := rec.get(0)
	assert.Equal(t, failure, rep.result)
	assert.True(t, mterrors.IsError(rep.err, "PS2001"))

	require.Eventually(t, func() bool { return tp.stats(t).Waiting == 0 }, 2*time.Second, time.Millisecond)
	s := tp.stats(t)
	assert.Equal(t, 0, s.Current)
	assert.Equal(t, 0, s.Queued)
}

func TestBindUnbind(t *testing.T) {
	tp := newTestPool(t, Config{Init: 2, Max: 2}, &fakeConnector{}, false)
	tp.on(t, tp.pool.WarmUp)
	require.Eventually(t, func() bool { return tp.stats(t).Idle == 2 }, 2*time.Second, time.Millisecond)

	var c *Conn[*fakeRaw]
	var id int64
	tp.on(t, func() {
		var ok bool
		c, ok = tp.pool.GetConnection()
		require.True(t, ok)
		id = tp.pool.Bind(c)
	})
	assert.NotZero(t, id)
	assert.Equal(t, StateBound, c.State())
	assert.Equal(t, id, c.BindID())

	rec := newRecorder()
	tp.execute(t, rec, 0, "first", id)
	tp.execute(t, rec, 1, "second", id)

	sent := tp.disp.all()
	require.Len(t, sent, 2)
	assert.Same(t, c, sent[0].conn)
	assert.Same(t, c, sent[1].conn)

	// A bound connection stays bound across replies.
	tp.on(t, func() { tp.pool.Finish(sent[0].conn, sent[0].cmd.Token, "ok", nil) })
	assert.Equal(t, StateBound, c.State())
	s := tp.stats(t)
	assert.Equal(t, 1, s.Bound)
	assert.Equal(t, 1, s.Idle)

	tp.on(t, func() {
		bound, ok := tp.pool.Bound(id)
		assert.True(t, ok)
		assert.Same(t, c, bound)
		assert.True(t, tp.pool.Unbind(id))
		assert.False(t, tp.pool.Unbind(id), "unbinding twice is a no-op")
	})
	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, c.BindID())
	s = tp.stats(t)
	assert.Equal(t, 0, s.Bound)
	assert.Equal(t, 2, s.Idle)
}

func TestUnboundBindIDIsFatal(t *testing.T) {
	tp := newTestPool(t, Config{Max: 1}, &fakeConnector{}, false)
	rec := newRecorder()

	tp.execute(t, rec, 0, "q", 42)
	rep, ok := rec.get(0)
	require.True(t, ok)
	assert.Equal(t, failure, rep.result)
	assert.True(t, coroutine.IsFatal(rep.err))
	assert.True(t, mterrors.IsError(rep.err, "PS3001"))
	assert.Empty(t, tp.disp.all())
}

func TestInvalidTransitionPanics(t *testing.T) {
	tp := newTestPool(t, Config{Init: 1, Max: 1}, &fakeConnector{}, false)
	tp.on(t, tp.pool.WarmUp)
	require.Eventually(t, func() bool { return tp.stats(t).Idle == 1 }, 2*time.Second, time.Millisecond)

	tp.on(t, func() {
		c, _ := tp.pool.idle.PopFront()
		assert.Panics(t, func() { tp.pool.Bind(c) }, "an idle connection cannot be bound")
		tp.pool.idle.PushBack(c)
	})
}

func TestEviction(t *testing.T) {
	roll := 0
	cfg := Config{Init: 4, Idle: 1, Max: 4, GCLevel: 50, Rand: func() int { return roll }}
	tp := newTestPool(t, cfg, &fakeConnector{}, false)
	tp.on(t, tp.pool.WarmUp)
	require.Eventually(t, func() bool { return tp.stats(t).Idle == 4 }, 2*time.Second, time.Millisecond)

	// Roll above the gc level: nothing is evicted.
	roll = 99
	var c *Conn[*fakeRaw]
	tp.on(t, func() {
		c, _ = tp.pool.GetConnection()
		tp.pool.Release(c)
	})
	assert.Equal(t, 4, tp.stats(t).Idle)

	roll = 0
	tp.on(t, func() {
		var ok bool
		c, ok = tp.pool.GetConnection()
		require.True(t, ok)
	})
	s := tp.stats(t)
	assert.Equal(t, 0, s.Idle)
	assert.Equal(t, 1, s.Current)
	assert.Equal(t, 1, s.Borrowed)
	require.Eventually(t, func() bool { return tp.conn.closed.Load() == 3 }, 2*time.Second, time.Millisecond)

	tp.on(t, func() { tp.pool.Release(c) })
}

func TestEvictionWithZeroIdleKeepsCallerConnection(t *testing.T) {
	cfg := Config{Init: 3, Idle: 0, Max: 3, GCLevel: 100}
	tp := newTestPool(t, cfg, &fakeConnector{}, false)
	tp.on(t, tp.pool.WarmUp)
	require.Eventually(t, func() bool { return tp.stats(t).Current == 3 }, 2*time.Second, time.Millisecond)

	var c *Conn[*fakeRaw]
	tp.on(t, func() {
		var ok bool
		c, ok = tp.pool.GetConnection()
		require.True(t, ok)
	})
	s := tp.stats(t)
	assert.Equal(t, 1, s.Current)
	assert.Equal(t, 1, s.Borrowed)
	assert.Zero(t, s.Idle)

	tp.on(t, func() { tp.pool.Release(c) })
}

func TestDeadConnectionIsNotRepooled(t *testing.T) {
	tp := newTestPool(t, Config{Init: 2, Max: 2}, &fakeConnector{}, false)
	tp.on(t, tp.pool.WarmUp)
	require.Eventually(t, func() bool { return tp.stats(t).Idle == 2 }, 2*time.Second, time.Millisecond)

	tp.on(t, func() {
		c, ok := tp.pool.GetConnection()
		require.True(t, ok)
		tp.pool.MarkDead(c)
		assert.False(t, c.Alive())
		tp.pool.Release(c)
		assert.Equal(t, StateClosed, c.State())
	})
	s := tp.stats(t)
	assert.Equal(t, 1, s.Current)
	assert.Equal(t, 1, s.Idle)

	// A backend that went away while idle is caught on the way out.
	tp.on(t, func() {
		c, _ := tp.pool.idle.PopFront()
		c.raw.alive.Store(false)
		tp.pool.idle.PushFront(c)

		got, ok := tp.pool.GetConnection()
		assert.False(t, ok)
		assert.Nil(t, got)
		assert.Equal(t, StateClosed, c.State())
	})
	s = tp.stats(t)
	assert.Equal(t, 0, s.Current)
	assert.Equal(t, 0, s.Idle)
}

func TestDeadConnectionServesQueueWithReplacement(t *testing.T) {
	tp := newTestPool(t, Config{Init: 1, Max: 1}, &fakeConnector{}, true)
	tp.on(t, tp.pool.WarmUp)
	require.Eventually(t, func() bool { return tp.stats(t).Idle == 1 }, 2*time.Second, time.Millisecond)

	rec := newRecorder()
	var c *Conn[*fakeRaw]
	tp.on(t, func() {
		c, _ = tp.pool.GetConnection()
		token := tp.pool.GetToken(rec.cb(0), false)
		tp.pool.Execute(&Command{Data: "queued", Token: token})
	})
	assert.Equal(t, 1, tp.stats(t).Queued)

	tp.on(t, func() {
		tp.pool.MarkDead(c)
		tp.pool.Release(c)
	})
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, time.Millisecond)
	rep, _ := rec.get(0)
	assert.Equal(t, "queued", rep.result)
	assert.Equal(t, int32(2), tp.conn.opened.Load())
}

func TestClose(t *testing.T) {
	tp := newTestPool(t, Config{Init: 1, Max: 1}, &fakeConnector{}, false)
	tp.on(t, tp.pool.WarmUp)
	require.Eventually(t, func() bool { return tp.stats(t).Idle == 1 }, 2*time.Second, time.Millisecond)

	rec := newRecorder()
	tp.execute(t, rec, 0, "in flight", 0)
	tp.execute(t, rec, 1, "queued", 0)
	sent := tp.disp.all()
	require.Len(t, sent, 1)

	tp.on(t, tp.pool.Close)
	assert.Equal(t, 2, rec.count())
	for i := range 2 {
		rep, _ := rec.get(i)
		assert.Equal(t, failure, rep.result)
		assert.True(t, mterrors.IsError(rep.err, "PS2003"))
	}

	// The in-flight reply is dropped and its connection discarded.
	tp.on(t, func() { tp.pool.Finish(sent[0].conn, sent[0].cmd.Token, "late", nil) })
	assert.Equal(t, StateClosed, sent[0].conn.State())
	assert.Equal(t, 2, rec.count())

	tp.execute(t, rec, 2, "after close", 0)
	rep, _ := rec.get(2)
	assert.True(t, mterrors.IsError(rep.err, "PS2003"))

	s := tp.stats(t)
	assert.True(t, s.Closed)
	assert.Equal(t, 0, s.Current)
	assert.Equal(t, 0, s.Pending)
}

func TestCloseDiscardsBoundConnections(t *testing.T) {
	conn := &fakeConnector{}
	tp := newTestPool(t, Config{Init: 2, Max: 2}, conn, false)
	tp.on(t, tp.pool.WarmUp)
	require.Eventually(t, func() bool { return tp.stats(t).Idle == 2 }, 2*time.Second, time.Millisecond)

	var (
		c  *Conn[*fakeRaw]
		id int64
	)
	tp.on(t, func() {
		var ok bool
		c, ok = tp.pool.GetConnection()
		require.True(t, ok)
		id = tp.pool.Bind(c)
	})

	rec := newRecorder()
	tp.execute(t, rec, 0, "in transaction", id)
	sent := tp.disp.all()
	require.Len(t, sent, 1)

	tp.on(t, tp.pool.Close)
	assert.Equal(t, StateClosed, c.State())
	s := tp.stats(t)
	assert.Zero(t, s.Current)
	assert.Zero(t, s.Bound)
	require.Eventually(t, func() bool { return conn.closed.Load() == 2 }, 2*time.Second, time.Millisecond)

	// The late reply and the commit that follows find nothing bound.
	tp.on(t, func() {
		tp.pool.Finish(sent[0].conn, sent[0].cmd.Token, "late", nil)
		assert.False(t, tp.pool.Unbind(id))
	})
	assert.Equal(t, 1, rec.count())
	rep, _ := rec.get(0)
	assert.True(t, mterrors.IsError(rep.err, "PS2003"))

	tp.execute(t, rec, 1, "commit", id)
	rep, _ = rec.get(1)
	assert.True(t, mterrors.IsError(rep.err, "PS2003"))
	assert.Zero(t, tp.stats(t).Current)
}

func TestOpWithScheduler(t *testing.T) {
	tp := newTestPool(t, Config{Max: 1}, &fakeConnector{}, true)
	sched := coroutine.NewScheduler(tp.loop, nil)

	task, err := sched.Submit(t.Context(), func(co *coroutine.Co) (any, error) {
		a, err := co.Await(tp.pool.Op(20, 0, false))
		if err != nil {
			return nil, err
		}
		b, err := co.Await(tp.pool.Op(22, 0, false))
		if err != nil {
			return nil, err
		}
		return a.(int) + b.(int), nil
	})
	require.NoError(t, err)

	res, err := task.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 42, res)
	assert.Equal(t, int32(1), tp.conn.opened.Load(), "the second command reuses the released connection")
}
