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

// Package resource implements the generic asynchronous connection pool shared
// by the MySQL, Redis and TCP pool clients.
//
// A Pool belongs to one worker event loop and, apart from Post, every method
// must be called on that loop. Connecting, closing and talking to the backend
// block, so they run on their own goroutines and post their outcome back.
//
// Commands that find no idle connection are queued and served FIFO as
// connections are released. Replies are matched to callbacks by token; each
// token fires exactly once, either with the reply or with the pool's failure
// sentinel when its timeout expires first.
package resource

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/multigres/poolserver/go/common/coroutine"
	"github.com/multigres/poolserver/go/common/mterrors"
	"github.com/multigres/poolserver/go/tools/deque"
	"github.com/multigres/poolserver/go/tools/eventloop"
)

// DefaultMaxRetry is the retry limit used when Config.MaxRetry is zero.
const DefaultMaxRetry = 3

// Connector opens and closes backend sessions.
type Connector[C any] interface {
	// Connect opens one session. It blocks and is never called on the loop.
	Connect(ctx context.Context) (C, error)
	// Close closes a session. It may block and is never called on the loop.
	Close(conn C) error
	// Alive reports whether a session is still usable. It is called on the
	// loop when the session is taken from the idle queue and must not block.
	Alive(conn C) bool
}

// Dispatcher sends commands to the backend.
type Dispatcher[C any] interface {
	// Dispatch sends cmd over conn. It is called on the loop and must not
	// block: the round trip runs on another goroutine, which reports back
	// through Post, typically ending with Finish.
	Dispatch(cmd *Command, conn *Conn[C])
}

// Command is one request for the backend.
type Command struct {
	// Data is the backend-specific payload.
	Data any
	// Retries counts how many times the command was queued for lack of a
	// connection.
	Retries int
	// Token identifies the callback that receives the reply.
	Token uint64
	// BindID, when set, routes the command to the connection bound to it.
	BindID int64
}

// Config configures a Pool.
type Config struct {
	// Kind is the backend type, such as "mysql" or "redis".
	Kind string
	// Name is the pool name.
	Name string

	// Init is the number of connections opened by WarmUp, clamped to Max.
	Init int
	// Idle is the idle watermark that eviction trims the idle queue to.
	Idle int
	// Max bounds established plus in-flight connections.
	Max int

	// MaxRetry bounds how often a command is queued before it fails.
	MaxRetry int
	// GCLevel is the probability, in percent, that a GetConnection call
	// trims the idle queue.
	GCLevel int
	// Timeout is the reply timeout of commands that ask for one.
	Timeout time.Duration

	// Failure is the result handed to callbacks of failed commands.
	Failure any

	Logger  *slog.Logger
	Metrics *Metrics

	// Rand returns a number in [0, 100). Defaults to math/rand/v2.
	Rand func() int
}

// Stats is a snapshot of pool state.
type Stats struct {
	Kind     string
	Name     string
	Current  int
	Waiting  int
	Idle     int
	Borrowed int
	Bound    int
	Queued   int
	Pending  int
	Closed   bool
}

type pending struct {
	cb    coroutine.Callback
	timer *eventloop.Timer
}

// Pool manages the connections of one backend.
type Pool[C any] struct {
	cfg        Config
	loop       *eventloop.Loop
	logger     *slog.Logger
	connector  Connector[C]
	dispatcher Dispatcher[C]

	// ctx is canceled on Close and aborts connects in flight.
	ctx    context.Context
	cancel context.CancelFunc

	idle       deque.Deque[*Conn[C]]
	retryQueue deque.Deque[*Command]

	// current counts established connections, waiting counts connects in
	// flight. current+waiting never exceeds cfg.Max.
	current    int
	waiting    int
	nextConnID uint64

	tokens    map[uint64]*pending
	nextToken uint64

	binds      map[int64]*Conn[C]
	nextBindID int64

	closed bool
}

// NewPool creates a pool owned by loop. It does not open connections; call
// WarmUp for that.
func NewPool[C any](loop *eventloop.Loop, cfg Config, connector Connector[C], dispatcher Dispatcher[C]) (*Pool[C], error) {
	if cfg.Max <= 0 {
		return nil, mterrors.PS1002("pool " + cfg.Kind + "/" + cfg.Name + ": max connections must be positive")
	}
	if cfg.GCLevel < 0 || cfg.GCLevel > 100 {
		return nil, mterrors.PS1002("pool " + cfg.Kind + "/" + cfg.Name + ": gc level must be within 0-100")
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = DefaultMaxRetry
	}
	cfg.Init = min(cfg.Init, cfg.Max)
	cfg.Idle = min(cfg.Idle, cfg.Max)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rand == nil {
		cfg.Rand = func() int { return rand.IntN(100) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[C]{
		cfg:        cfg,
		loop:       loop,
		logger:     cfg.Logger.With("pool", cfg.Kind+"/"+cfg.Name),
		connector:  connector,
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
		tokens:     make(map[uint64]*pending),
		binds:      make(map[int64]*Conn[C]),
	}
	return p, nil
}

// Type returns the backend kind.
func (p *Pool[C]) Type() string { return p.cfg.Kind }

// Name returns the pool name.
func (p *Pool[C]) Name() string { return p.cfg.Name }

// Loop returns the event loop owning the pool.
func (p *Pool[C]) Loop() *eventloop.Loop { return p.loop }

// Logger returns the pool logger.
func (p *Pool[C]) Logger() *slog.Logger { return p.logger }

// Failure returns the failure sentinel.
func (p *Pool[C]) Failure() any { return p.cfg.Failure }

// Timeout returns the reply timeout.
func (p *Pool[C]) Timeout() time.Duration { return p.cfg.Timeout }

// Post runs fn on the pool's loop. It may be called from any goroutine.
func (p *Pool[C]) Post(fn func()) bool { return p.loop.Post(fn) }

// SetGCLevel changes the eviction probability.
func (p *Pool[C]) SetGCLevel(level int) {
	p.cfg.GCLevel = max(0, min(level, 100))
}

// WarmUp opens the initial connections.
func (p *Pool[C]) WarmUp() {
	for range p.cfg.Init {
		if !p.Connect() {
			return
		}
	}
}

// Connect opens one connection in the background if the pool has room for
// it. The new connection goes to the idle queue, where it serves the oldest
// queued command, if any. It reports whether a connect was started.
func (p *Pool[C]) Connect() bool {
	if p.closed || p.current+p.waiting >= p.cfg.Max {
		return false
	}
	p.waiting++
	go func() {
		raw, err := p.connector.Connect(p.ctx)
		if !p.loop.Post(func() { p.connected(raw, err) }) && err == nil {
			_ = p.connector.Close(raw)
		}
	}()
	return true
}

func (p *Pool[C]) connected(raw C, err error) {
	p.waiting--
	if err != nil {
		p.logger.Error("failed to connect", "error", err)
		// Nothing is going to serve the queue head unless we try again.
		if cmd, ok := p.retryQueue.PopFront(); ok {
			p.retry(cmd, true)
		}
		return
	}
	if p.closed {
		p.closeRaw(raw)
		return
	}

	p.current++
	p.nextConnID++
	now := time.Now()
	c := &Conn[C]{
		id:        p.nextConnID,
		raw:       raw,
		state:     StateConnecting,
		alive:     true,
		createdAt: now,
		lastUsed:  now,
	}
	p.logger.Debug("connection established", "conn", c.id, "current", p.current)
	p.Release(c)
}

// GetConnection takes the oldest idle connection. With probability
// GCLevel/100 it first trims the idle queue to the idle watermark. It returns
// false if no connection is available, after starting a connect if the idle
// queue was empty, or if the connection taken turned out to be dead, in which
// case it is discarded.
func (p *Pool[C]) GetConnection() (*Conn[C], bool) {
	if p.closed {
		return nil, false
	}
	if p.idle.Len() == 0 {
		p.Connect()
		return nil, false
	}

	p.maybeEvict()

	c, _ := p.idle.PopFront()
	if !c.alive || !p.connector.Alive(c.raw) {
		p.logger.Info("discarding dead connection", "conn", c.id)
		p.discard(c)
		return nil, false
	}
	p.transition(c, StateBorrowed, StateIdle)
	return c, true
}

func (p *Pool[C]) maybeEvict() {
	if p.cfg.GCLevel <= 0 || p.cfg.Rand() >= p.cfg.GCLevel {
		return
	}
	// Keep at least one so the caller still gets a connection.
	keep := max(p.cfg.Idle, 1)
	evicted := 0
	for p.idle.Len() > keep {
		c, _ := p.idle.PopFront()
		p.discard(c)
		evicted++
	}
	if evicted > 0 {
		p.logger.Debug("evicted idle connections", "count", evicted, "idle", p.idle.Len())
	}
}

// Release returns c to the tail of the idle queue and serves queued
// commands. Dead connections are discarded instead.
func (p *Pool[C]) Release(c *Conn[C]) {
	if c.state == StateClosed {
		return
	}
	if c.state == StateBound {
		delete(p.binds, c.bindID)
	}
	if p.closed || !c.alive {
		p.discard(c)
		return
	}
	c.bindID = 0
	p.transition(c, StateIdle, StateConnecting, StateBorrowed, StateBound)
	p.idle.PushBack(c)
	p.drainRetryQueue()
}

func (p *Pool[C]) drainRetryQueue() {
	for p.retryQueue.Len() > 0 && p.idle.Len() > 0 {
		cmd, _ := p.retryQueue.PopFront()
		if _, ok := p.tokens[cmd.Token]; !ok {
			// Timed out while queued.
			continue
		}
		c, ok := p.GetConnection()
		if !ok {
			p.retryQueue.PushFront(cmd)
			continue
		}
		p.dispatch(cmd, c)
	}
}

// Retry queues cmd until a connection is released. Once the command has
// been queued MaxRetry times it fails with the failure sentinel instead.
func (p *Pool[C]) Retry(cmd *Command) {
	p.retry(cmd, false)
}

func (p *Pool[C]) retry(cmd *Command, front bool) {
	if p.closed {
		p.Callback(cmd.Token, p.cfg.Failure, mterrors.PS2003(p.fullName()))
		return
	}
	if cmd.Retries >= p.cfg.MaxRetry {
		p.logger.Warn("retry limit reached, failing command", "token", cmd.Token, "retries", cmd.Retries)
		p.cfg.Metrics.exhaustedRetries(p.ctx, p.cfg.Name)
		p.Callback(cmd.Token, p.cfg.Failure, mterrors.PS2001(p.fullName(), cmd.Retries))
		return
	}
	cmd.Retries++
	if front {
		p.retryQueue.PushFront(cmd)
	} else {
		p.retryQueue.PushBack(cmd)
	}
	if p.waiting < p.retryQueue.Len() {
		p.Connect()
	}
}

// Execute runs cmd on the connection bound to cmd.BindID or, without a bind
// id, on a borrowed idle connection, queueing it when there is none. A bind
// id with no bound connection fails the command with a fault.
func (p *Pool[C]) Execute(cmd *Command) {
	if p.closed {
		p.Callback(cmd.Token, p.cfg.Failure, mterrors.PS2003(p.fullName()))
		return
	}
	if cmd.BindID != 0 {
		c, ok := p.binds[cmd.BindID]
		if !ok {
			p.Callback(cmd.Token, p.cfg.Failure, coroutine.Fatal(mterrors.PS3001(p.fullName(), cmd.BindID)))
			return
		}
		p.dispatch(cmd, c)
		return
	}
	if p.retryQueue.Len() > 0 {
		p.Retry(cmd)
		return
	}
	c, ok := p.GetConnection()
	if !ok {
		p.Retry(cmd)
		return
	}
	p.dispatch(cmd, c)
}

func (p *Pool[C]) dispatch(cmd *Command, c *Conn[C]) {
	c.lastUsed = time.Now()
	p.dispatcher.Dispatch(cmd, c)
}

// Op returns an Operation that executes data and completes with the reply.
// A timed operation fails with the failure sentinel once Timeout elapses.
func (p *Pool[C]) Op(data any, bindID int64, timed bool) coroutine.Operation {
	return coroutine.OperationFunc(func(cb coroutine.Callback) {
		token := p.GetToken(cb, timed)
		p.Execute(&Command{Data: data, Token: token, BindID: bindID})
	})
}

// Finish completes a dispatched command: a borrowed c goes back to the idle
// queue, a bound one stays bound, and the reply is delivered to token.
func (p *Pool[C]) Finish(c *Conn[C], token uint64, result any, err error) {
	if c != nil && c.state == StateBorrowed {
		p.Release(c)
	}
	p.Callback(token, result, err)
}

// Bind reserves the borrowed connection c and returns its new bind id.
func (p *Pool[C]) Bind(c *Conn[C]) int64 {
	p.transition(c, StateBound, StateBorrowed)
	p.nextBindID++
	c.bindID = p.nextBindID
	p.binds[c.bindID] = c
	return c.bindID
}

// Bound returns the connection bound to id.
func (p *Pool[C]) Bound(id int64) (*Conn[C], bool) {
	c, ok := p.binds[id]
	return c, ok
}

// Unbind releases the connection bound to id back to the idle queue. It
// reports whether a connection was bound.
func (p *Pool[C]) Unbind(id int64) bool {
	c, ok := p.binds[id]
	if !ok {
		return false
	}
	p.Release(c)
	return true
}

// MarkDead flags c so that it is discarded rather than reused.
func (p *Pool[C]) MarkDead(c *Conn[C]) {
	if c.alive {
		c.alive = false
		p.logger.Info("connection marked dead", "conn", c.id, "state", c.state)
	}
}

// discard closes c and forgets it. A connect is started if commands are
// waiting, since they were counting on this connection.
func (p *Pool[C]) discard(c *Conn[C]) {
	if c.state == StateClosed {
		return
	}
	p.transition(c, StateClosed, StateConnecting, StateIdle, StateBorrowed, StateBound)
	p.current--
	p.closeRaw(c.raw)
	if p.retryQueue.Len() > 0 {
		p.Connect()
	}
}

func (p *Pool[C]) closeRaw(raw C) {
	go func() {
		if err := p.connector.Close(raw); err != nil {
			p.logger.Debug("error closing connection", "error", err)
		}
	}()
}

func (p *Pool[C]) transition(c *Conn[C], to State, from ...State) {
	prev := c.moveTo(to, from...)
	p.cfg.Metrics.connections(p.ctx, -1, p.cfg.Name, prev)
	p.cfg.Metrics.connections(p.ctx, 1, p.cfg.Name, to)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[C]) Stats() Stats {
	s := Stats{
		Kind:    p.cfg.Kind,
		Name:    p.cfg.Name,
		Current: p.current,
		Waiting: p.waiting,
		Idle:    p.idle.Len(),
		Bound:   len(p.binds),
		Queued:  p.retryQueue.Len(),
		Pending: len(p.tokens),
		Closed:  p.closed,
	}
	s.Borrowed = s.Current - s.Idle - s.Bound
	return s
}

// Close fails every pending command, closes idle and bound connections and
// makes the pool discard borrowed connections as they are released. It is
// idempotent.
func (p *Pool[C]) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()

	for c, ok := p.idle.PopFront(); ok; c, ok = p.idle.PopFront() {
		p.discard(c)
	}
	for id, c := range p.binds {
		delete(p.binds, id)
		p.discard(c)
	}
	p.retryQueue.Clear()

	errClosed := mterrors.PS2003(p.fullName())
	for token := range p.tokens {
		p.Callback(token, p.cfg.Failure, errClosed)
	}
	p.logger.Info("pool closed", "current", p.current)
}

func (p *Pool[C]) fullName() string {
	return p.cfg.Kind + "/" + p.cfg.Name
}
