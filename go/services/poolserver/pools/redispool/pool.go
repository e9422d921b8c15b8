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

// Package redispool is the Redis client of the pool server.
//
// Commands take their arguments as a flat list headed by the command name;
// slice and map arguments are expanded, so MSET accepts a map and MGET a
// slice of keys. MGET and HMGET replies come back keyed by the requested
// names and HGETALL replies as a map. MULTI binds a connection and yields a
// Tx whose EXEC or DISCARD hands it back.
package redispool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/poolserver/go/common/coroutine"
	"github.com/multigres/poolserver/go/common/mterrors"
	"github.com/multigres/poolserver/go/services/poolserver/pools/resource"
	"github.com/multigres/poolserver/go/tools/eventloop"
	"github.com/multigres/poolserver/go/tools/telemetry"
)

// Kind is the pool kind of Redis pools.
const Kind = "redis"

// Failure is the result of a command that did not complete.
const Failure = false

// Config configures a Redis pool.
type Config struct {
	Name string
	Addr string
	// Auth is the password sent with AUTH, if any.
	Auth string
	// Select is the database selected on connect.
	Select int
	// Timeout bounds connecting and each command.
	Timeout time.Duration
	// ReadTimeout bounds socket reads. Zero keeps the client default.
	ReadTimeout time.Duration

	Init     int
	Idle     int
	Max      int
	MaxRetry int
	GCLevel  int

	EnableSlowLog bool
	SlowTime      time.Duration

	Logger  *slog.Logger
	Metrics *resource.Metrics
}

type requestKind int

const (
	kindCommand requestKind = iota
	kindMulti
	kindExec
	kindDiscard
)

type request struct {
	ctx  context.Context
	kind requestKind
	args []any
	post reshaper
}

func (r *request) name() string {
	if len(r.args) == 0 {
		return ""
	}
	return strings.ToUpper(fmt.Sprint(r.args[0]))
}

// Pool is a Redis connection pool.
type Pool struct {
	*resource.Pool[*conn]

	logger    *slog.Logger
	connector *connector

	enableSlowLog bool
	slowTime      time.Duration
}

// New creates a Redis pool owned by loop.
func New(loop *eventloop.Loop, cfg Config) (*Pool, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		logger:        cfg.Logger.With("pool", Kind+"/"+cfg.Name),
		connector:     newConnector(&cfg),
		enableSlowLog: cfg.EnableSlowLog,
		slowTime:      cfg.SlowTime,
	}
	rp, err := resource.NewPool[*conn](loop, resource.Config{
		Kind:     Kind,
		Name:     cfg.Name,
		Init:     cfg.Init,
		Idle:     cfg.Idle,
		Max:      cfg.Max,
		MaxRetry: cfg.MaxRetry,
		GCLevel:  cfg.GCLevel,
		Timeout:  cfg.Timeout,
		Failure:  Failure,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	}, p.connector, p)
	if err != nil {
		return nil, err
	}
	p.Pool = rp
	return p, nil
}

// SetSlowLog changes slow command logging. It must be called on the loop.
func (p *Pool) SetSlowLog(enabled bool, threshold time.Duration) {
	p.enableSlowLog = enabled
	p.slowTime = threshold
}

// Do runs a command. args[0] is the command name.
func (p *Pool) Do(ctx context.Context, args ...any) coroutine.Operation {
	flat, post := prepare(args)
	return p.Op(&request{ctx: ctx, kind: kindCommand, args: flat, post: post}, 0, true)
}

// MSet sets every key of kv.
func (p *Pool) MSet(ctx context.Context, kv map[string]any) coroutine.Operation {
	return p.Do(ctx, "MSET", kv)
}

// MGet gets keys. The reply maps each key to its value, nil when missing.
func (p *Pool) MGet(ctx context.Context, keys ...string) coroutine.Operation {
	return p.Do(ctx, "MGET", keys)
}

// HMSet sets the fields of the hash at key.
func (p *Pool) HMSet(ctx context.Context, key string, fields map[string]any) coroutine.Operation {
	return p.Do(ctx, "HMSET", key, fields)
}

// HMGet gets fields of the hash at key, keyed by field.
func (p *Pool) HMGet(ctx context.Context, key string, fields ...string) coroutine.Operation {
	return p.Do(ctx, "HMGET", key, fields)
}

// HGetAll gets the whole hash at key as a map.
func (p *Pool) HGetAll(ctx context.Context, key string) coroutine.Operation {
	return p.Do(ctx, "HGETALL", key)
}

// SAdd adds members to the set at key.
func (p *Pool) SAdd(ctx context.Context, key string, members ...any) coroutine.Operation {
	return p.Do(ctx, "SADD", key, members)
}

// SRem removes members from the set at key.
func (p *Pool) SRem(ctx context.Context, key string, members ...any) coroutine.Operation {
	return p.Do(ctx, "SREM", key, members)
}

// Del deletes keys.
func (p *Pool) Del(ctx context.Context, keys ...string) coroutine.Operation {
	return p.Do(ctx, "DEL", keys)
}

// Multi starts a transaction on a connection of its own. The operation
// completes with a *Tx bound to that connection.
func (p *Pool) Multi(ctx context.Context) coroutine.Operation {
	return p.Op(&request{ctx: ctx, kind: kindMulti, args: []any{"MULTI"}}, 0, true)
}

// Dispatch implements resource.Dispatcher.
func (p *Pool) Dispatch(cmd *resource.Command, c *resource.Conn[*conn]) {
	req := cmd.Data.(*request)
	raw := c.Raw()
	go func() {
		start := time.Now()
		reply, err := p.run(req, raw)
		elapsed := time.Since(start)
		if isBroken(err) {
			raw.broken.Store(true)
		}
		p.Post(func() { p.complete(cmd, c, req, reply, err, elapsed) })
	}()
}

// run performs the round trip. It runs off the loop.
func (p *Pool) run(req *request, c *conn) (any, error) {
	ctx := req.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	name := req.name()
	_, span := telemetry.Tracer().Start(ctx, name+" redis",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(semconv.DBSystemNameRedis, semconv.DBOperationName(name)),
	)
	defer span.End()

	reply, err := c.do(ctx, req.args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "command failed")
		return Failure, err
	}
	return reply, nil
}

// complete hands the outcome back on the loop.
func (p *Pool) complete(cmd *resource.Command, c *resource.Conn[*conn], req *request, reply any, err error, elapsed time.Duration) {
	if p.enableSlowLog && elapsed >= p.slowTime {
		p.logger.Warn("slow command", "command", req.name(), "duration", elapsed)
	}
	if isBroken(err) {
		p.MarkDead(c)
		err = fmt.Errorf("%w: %w", mterrors.PS2004(Kind+"/"+p.Name(), "connection lost"), err)
	}
	if err == nil && req.post != nil {
		reply = req.post(reply)
	}

	switch req.kind {
	case kindMulti:
		if err != nil {
			p.Finish(c, cmd.Token, Failure, err)
			return
		}
		if !p.HasToken(cmd.Token) {
			// The caller gave up: nobody will EXEC, and the session is left
			// inside MULTI, so it cannot go back to the idle queue either.
			p.logger.Warn("discarding connection of abandoned MULTI", "conn", c.ID(), "token", cmd.Token)
			p.MarkDead(c)
			p.Finish(c, cmd.Token, Failure, nil)
			return
		}
		id := p.Bind(c)
		p.Callback(cmd.Token, &Tx{pool: p, id: id}, nil)

	case kindExec, kindDiscard:
		p.Unbind(cmd.BindID)
		if err != nil {
			p.Callback(cmd.Token, Failure, err)
			return
		}
		p.Callback(cmd.Token, reply, nil)

	default:
		if err != nil {
			p.Finish(c, cmd.Token, Failure, err)
			return
		}
		p.Finish(c, cmd.Token, reply, nil)
	}
}
