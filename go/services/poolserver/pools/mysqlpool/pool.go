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

// Package mysqlpool is the MySQL client of the pool server. Statements run
// over pooled go-mysql connections and are exposed as coroutine operations.
//
// Statements other than reads and INSERT must carry WHERE or LIMIT; others
// are rejected locally with the Failure sentinel. Begin binds a connection
// for the duration of a transaction.
package mysqlpool

import (
	"context"
	"fmt"
	"log/slog"
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

// Kind is the pool kind of MySQL pools.
const Kind = "mysql"

// Result is the outcome of a statement.
type Result struct {
	// Rows holds the rows of a statement returning a result set, keyed by
	// column name.
	Rows         []map[string]any
	InsertID     *uint64
	AffectedRows *uint64
}

// Failure is the result of a statement that did not run.
var Failure = Result{}

// Failed reports whether r is the Failure sentinel.
func (r Result) Failed() bool {
	return r.Rows == nil && r.InsertID == nil && r.AffectedRows == nil
}

// Config configures a MySQL pool.
type Config struct {
	Name     string
	Addr     string
	User     string
	Password string
	Database string
	Charset  string
	// Timeout bounds connecting.
	Timeout time.Duration

	Init     int
	Idle     int
	Max      int
	MaxRetry int
	GCLevel  int

	EnableSlowLog bool
	SlowTime      time.Duration

	Logger  *slog.Logger
	Metrics *resource.Metrics

	// Dial opens sessions. Defaults to a go-mysql client connection.
	Dial func(ctx context.Context) (Session, error)
}

type requestKind int

const (
	kindQuery requestKind = iota
	kindBegin
	kindCommit
	kindRollback
)

func (k requestKind) String() string {
	switch k {
	case kindBegin:
		return "BEGIN"
	case kindCommit:
		return "COMMIT"
	case kindRollback:
		return "ROLLBACK"
	default:
		return "QUERY"
	}
}

type request struct {
	ctx  context.Context
	kind requestKind
	sql  string
	args []any
}

// Pool is a MySQL connection pool.
type Pool struct {
	*resource.Pool[*conn]

	logger *slog.Logger

	enableSlowLog bool
	slowTime      time.Duration
}

// New creates a MySQL pool owned by loop.
func New(loop *eventloop.Loop, cfg Config) (*Pool, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dial := cfg.Dial
	if dial == nil {
		dial = dialClient(&cfg)
	}
	p := &Pool{
		logger:        cfg.Logger.With("pool", Kind+"/"+cfg.Name),
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
		Failure:  Failure,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	}, connector{dial: dial}, p)
	if err != nil {
		return nil, err
	}
	p.Pool = rp
	return p, nil
}

// SetSlowLog changes slow query logging. It must be called on the loop.
func (p *Pool) SetSlowLog(enabled bool, threshold time.Duration) {
	p.enableSlowLog = enabled
	p.slowTime = threshold
}

// Query runs a statement on any pooled connection.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) coroutine.Operation {
	return p.query(ctx, 0, sql, args)
}

func (p *Pool) query(ctx context.Context, bindID int64, sql string, args []any) coroutine.Operation {
	if !isSafe(sql) {
		p.logger.Warn("rejecting unsafe statement", "sql", sql)
		return coroutine.Done(Failure, mterrors.PS1001(sql))
	}
	return p.Op(&request{ctx: ctx, kind: kindQuery, sql: sql, args: args}, bindID, false)
}

// Begin starts a transaction on a connection of its own. The operation
// completes with a *Tx bound to that connection.
func (p *Pool) Begin(ctx context.Context) coroutine.Operation {
	return p.Op(&request{ctx: ctx, kind: kindBegin}, 0, false)
}

// Dispatch implements resource.Dispatcher.
func (p *Pool) Dispatch(cmd *resource.Command, c *resource.Conn[*conn]) {
	req := cmd.Data.(*request)
	raw := c.Raw()
	go func() {
		start := time.Now()
		res, err := p.run(req, raw)
		elapsed := time.Since(start)
		if isBroken(err) {
			raw.broken.Store(true)
		}
		p.Post(func() { p.complete(cmd, c, req, res, err, elapsed) })
	}()
}

// run performs the round trip. It runs off the loop.
func (p *Pool) run(req *request, c *conn) (Result, error) {
	ctx := req.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	opName := req.kind.String()
	if req.kind == kindQuery {
		opName = verb(req.sql)
	}
	attrs := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemNameMySQL,
			semconv.DBOperationName(opName),
		),
	}
	if req.sql != "" {
		attrs = append(attrs, trace.WithAttributes(semconv.DBQueryText(req.sql)))
	}
	_, span := telemetry.Tracer().Start(ctx, opName+" mysql", attrs...)
	defer span.End()

	var (
		res Result
		err error
	)
	switch req.kind {
	case kindBegin:
		err = c.Begin()
	case kindCommit:
		err = c.Commit()
	case kindRollback:
		err = c.Rollback()
	default:
		res, err = c.Query(req.sql, req.args...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "statement failed")
		return Failure, err
	}
	return res, nil
}

// complete hands the outcome back on the loop.
func (p *Pool) complete(cmd *resource.Command, c *resource.Conn[*conn], req *request, res Result, err error, elapsed time.Duration) {
	if p.enableSlowLog && elapsed >= p.slowTime {
		p.logger.Warn("slow query", "sql", req.sql, "kind", req.kind.String(), "duration", elapsed)
	}
	if isBroken(err) {
		p.MarkDead(c)
		err = fmt.Errorf("%w: %w", mterrors.PS2004(Kind+"/"+p.Name(), "connection lost"), err)
	}

	switch req.kind {
	case kindBegin:
		if err != nil {
			p.Finish(c, cmd.Token, Failure, err)
			return
		}
		if !p.HasToken(cmd.Token) {
			// Failed by Close while BEGIN was in flight; the session holds an
			// open transaction nobody will finish.
			p.logger.Warn("discarding connection of abandoned transaction", "conn", c.ID(), "token", cmd.Token)
			p.MarkDead(c)
			p.Finish(c, cmd.Token, Failure, nil)
			return
		}
		id := p.Bind(c)
		p.Callback(cmd.Token, &Tx{pool: p, id: id}, nil)

	case kindCommit, kindRollback:
		p.Unbind(cmd.BindID)
		if err != nil {
			p.Callback(cmd.Token, Failure, err)
			return
		}
		p.Callback(cmd.Token, true, nil)

	default:
		if err != nil {
			p.Finish(c, cmd.Token, Failure, err)
			return
		}
		p.Finish(c, cmd.Token, res, nil)
	}
}
