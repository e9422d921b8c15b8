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
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/multigres/poolserver/go/common/coroutine"
	"github.com/multigres/poolserver/go/common/envelope"
	"github.com/multigres/poolserver/go/services/poolserver/poolmanager"
	"github.com/multigres/poolserver/go/services/poolserver/pools/mysqlpool"
	"github.com/multigres/poolserver/go/services/poolserver/pools/redispool"
	"github.com/multigres/poolserver/go/services/poolserver/pools/resource"
	"github.com/multigres/poolserver/go/services/poolserver/pools/tcppool"
	"github.com/multigres/poolserver/go/tools/eventloop"
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Pools    PoolsConfig
	Tuning   Tuning
	MaxRetry int

	Logger  *slog.Logger
	Metrics *resource.Metrics

	// MySQLDial replaces the go-mysql client of every MySQL pool.
	MySQLDial func(ctx context.Context) (mysqlpool.Session, error)
}

// Worker is one single-threaded execution unit: an event loop, the
// scheduler of the tasks running on it, and a private copy of every pool.
// Workers share nothing.
type Worker struct {
	id     int
	cfg    WorkerConfig
	logger *slog.Logger

	loop  *eventloop.Loop
	sched *coroutine.Scheduler
	pools *poolmanager.Manager
}

// slowLogger is implemented by pools that log slow commands.
type slowLogger interface {
	SetSlowLog(enabled bool, threshold time.Duration)
}

// gcTuner is implemented by every resource pool.
type gcTuner interface {
	SetGCLevel(level int)
}

// NewWorker creates a worker and its event loop. Pools are built by Start.
func NewWorker(id int, cfg WorkerConfig) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("worker", id)
	loop := eventloop.New(fmt.Sprintf("worker-%d", id), logger)
	return &Worker{
		id:     id,
		cfg:    cfg,
		logger: logger,
		loop:   loop,
		sched:  coroutine.NewScheduler(loop, logger),
		pools:  poolmanager.New(logger),
	}
}

// ID returns the worker index.
func (w *Worker) ID() int { return w.id }

// Loop returns the worker's event loop.
func (w *Worker) Loop() *eventloop.Loop { return w.loop }

// Pools returns the worker's pool registry.
func (w *Worker) Pools() *poolmanager.Manager { return w.pools }

// Start builds the configured pools on the loop and warms them up. It does
// not wait for the initial connections.
func (w *Worker) Start(ctx context.Context) error {
	var buildErr error
	err := w.loop.Call(ctx, func() {
		buildErr = w.buildPools()
	})
	if err != nil {
		return err
	}
	if buildErr != nil {
		return buildErr
	}
	w.logger.Info("worker started", "pools", w.pools.Len())
	return nil
}

func (w *Worker) buildPools() error {
	t := w.cfg.Tuning
	for _, name := range slices.Sorted(maps.Keys(w.cfg.Pools.MySQL)) {
		pc := w.cfg.Pools.MySQL[name]
		p, err := mysqlpool.New(w.loop, mysqlpool.Config{
			Name:          name,
			Addr:          pc.Addr(),
			User:          pc.User,
			Password:      pc.Password,
			Database:      pc.Database,
			Charset:       pc.Charset,
			Timeout:       pc.Timeout,
			Init:          pc.Connection.Init,
			Idle:          pc.Connection.Idle,
			Max:           pc.Connection.Max,
			MaxRetry:      w.cfg.MaxRetry,
			GCLevel:       t.GCLevel,
			EnableSlowLog: t.EnableSlowLog,
			SlowTime:      t.SlowTime,
			Logger:        w.logger,
			Metrics:       w.cfg.Metrics,
			Dial:          w.cfg.MySQLDial,
		})
		if err != nil {
			return err
		}
		w.add(p, pc.Aliases)
	}
	for _, name := range slices.Sorted(maps.Keys(w.cfg.Pools.Redis)) {
		pc := w.cfg.Pools.Redis[name]
		p, err := redispool.New(w.loop, redispool.Config{
			Name:          name,
			Addr:          pc.Addr(),
			Auth:          pc.Auth,
			Select:        pc.Select,
			Timeout:       pc.Timeout,
			ReadTimeout:   pc.ReadTimeout,
			Init:          pc.Connection.Init,
			Idle:          pc.Connection.Idle,
			Max:           pc.Connection.Max,
			MaxRetry:      w.cfg.MaxRetry,
			GCLevel:       t.GCLevel,
			EnableSlowLog: t.EnableSlowLog,
			SlowTime:      t.SlowTime,
			Logger:        w.logger,
			Metrics:       w.cfg.Metrics,
		})
		if err != nil {
			return err
		}
		w.add(p, pc.Aliases)
	}
	for _, name := range slices.Sorted(maps.Keys(w.cfg.Pools.TCP)) {
		pc := w.cfg.Pools.TCP[name]
		codec, err := envelope.CodecByName(pc.Codec)
		if err != nil {
			return err
		}
		p, err := tcppool.New(w.loop, tcppool.Config{
			Name:     name,
			Addr:     pc.Addr(),
			Timeout:  pc.Timeout,
			Protocol: envelope.NewProtocol(codec),
			Init:     pc.Connection.Init,
			Idle:     pc.Connection.Idle,
			Max:      pc.Connection.Max,
			MaxRetry: w.cfg.MaxRetry,
			GCLevel:  t.GCLevel,
			Logger:   w.logger,
			Metrics:  w.cfg.Metrics,
		})
		if err != nil {
			return err
		}
		w.add(p, pc.Aliases)
	}
	return nil
}

type warmable interface {
	poolmanager.ResourcePool
	WarmUp()
}

func (w *Worker) add(p warmable, aliases []string) {
	w.pools.Register(p, aliases...)
	p.WarmUp()
}

// Apply pushes reloaded settings to every pool. It may be called from any
// goroutine.
func (w *Worker) Apply(t Tuning) {
	w.loop.Post(func() {
		w.pools.Each(func(p poolmanager.ResourcePool) bool {
			if g, ok := p.(gcTuner); ok {
				g.SetGCLevel(t.GCLevel)
			}
			if s, ok := p.(slowLogger); ok {
				s.SetSlowLog(t.EnableSlowLog, t.SlowTime)
			}
			return true
		})
		w.logger.Debug("tuning applied", "gc_level", t.GCLevel, "enable_slow_log", t.EnableSlowLog, "slow_time", t.SlowTime)
	})
}

// Submit runs r as a task on the worker. It returns once the task has
// reached its first suspension point. It must not be called from the
// worker's loop.
func (w *Worker) Submit(ctx context.Context, r coroutine.Routine) (*coroutine.Task, error) {
	return w.sched.Submit(ctx, r)
}

// Stats returns a snapshot of every pool.
func (w *Worker) Stats(ctx context.Context) ([]resource.Stats, error) {
	return w.pools.Stats(ctx)
}

// Stop closes every pool, failing their pending commands, and stops the
// loop.
func (w *Worker) Stop(ctx context.Context) error {
	err := w.pools.CloseAll(ctx)
	w.loop.Stop()
	w.logger.Info("worker stopped")
	return err
}
