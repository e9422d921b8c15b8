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
	"errors"
	"fmt"

	"github.com/multigres/poolserver/go/common/coroutine"
	"github.com/multigres/poolserver/go/common/envelope"
	"github.com/multigres/poolserver/go/common/mterrors"
	"github.com/multigres/poolserver/go/services/poolserver/poolmanager"
	"github.com/multigres/poolserver/go/services/poolserver/pools/mysqlpool"
	"github.com/multigres/poolserver/go/services/poolserver/pools/redispool"
	"github.com/multigres/poolserver/go/services/poolserver/pools/tcppool"
)

// Built-in paths.
const (
	PathPing       = "ping"
	PathPools      = "pools"
	PathMySQLQuery = "mysql/query"
	PathMySQLTx    = "mysql/transaction"
	PathRedisDo    = "redis/do"
	PathRedisMulti = "redis/multi"
	PathTCPCall    = "tcp/call"
	PathTCPStream  = "tcp/stream"
)

// RegisterBuiltins registers the handlers that proxy requests to the pools
// of the worker.
func RegisterBuiltins(r *Router) {
	r.Handle(PathPing, ping)
	r.Handle(PathPools, poolStats)
	r.Handle(PathMySQLQuery, mysqlQuery)
	r.Handle(PathMySQLTx, mysqlTransaction)
	r.Handle(PathRedisDo, redisDo)
	r.Handle(PathRedisMulti, redisMulti)
	r.Handle(PathTCPCall, tcpCall)
	r.Handle(PathTCPStream, tcpStream)
}

func ping(_ *coroutine.Co, req *Request) (any, error) {
	return map[string]any{"pong": true, "worker": req.Worker.ID()}, nil
}

func poolStats(_ *coroutine.Co, req *Request) (any, error) {
	var out []any
	req.Worker.Pools().Each(func(p poolmanager.ResourcePool) bool {
		s := p.Stats()
		out = append(out, map[string]any{
			"kind":     s.Kind,
			"name":     s.Name,
			"current":  s.Current,
			"waiting":  s.Waiting,
			"idle":     s.Idle,
			"borrowed": s.Borrowed,
			"bound":    s.Bound,
			"queued":   s.Queued,
			"pending":  s.Pending,
			"closed":   s.Closed,
		})
		return true
	})
	return out, nil
}

func lookup[T poolmanager.ResourcePool](req *Request, kind string) (T, error) {
	name, err := req.String("pool")
	if err != nil {
		var zero T
		return zero, err
	}
	return poolmanager.Lookup[T](req.Worker.Pools(), kind, name)
}

func mysqlQuery(co *coroutine.Co, req *Request) (any, error) {
	p, err := lookup[*mysqlpool.Pool](req, mysqlpool.Kind)
	if err != nil {
		return nil, err
	}
	sql, err := req.String("sql")
	if err != nil {
		return nil, err
	}
	args, err := req.List("args")
	if err != nil {
		return nil, err
	}
	res, err := co.Await(p.Query(co.Context(), sql, args...))
	if err != nil {
		return nil, err
	}
	return resultData(res.(mysqlpool.Result)), nil
}

// mysqlTransaction runs statements in one transaction. The first failing
// statement rolls it back.
func mysqlTransaction(co *coroutine.Co, req *Request) (any, error) {
	p, err := lookup[*mysqlpool.Pool](req, mysqlpool.Kind)
	if err != nil {
		return nil, err
	}
	stmts, err := req.List("statements")
	if err != nil {
		return nil, err
	}
	if len(stmts) == 0 {
		return nil, mterrors.PS1002(req.Path + ": no statements")
	}

	ctx := co.Context()
	v, err := co.Await(p.Begin(ctx))
	if err != nil {
		return nil, err
	}
	tx := v.(*mysqlpool.Tx)

	results := make([]any, 0, len(stmts))
	for i, stmt := range stmts {
		sql, ok := stmt.(string)
		if !ok {
			err = mterrors.PS1002(fmt.Sprintf("%s: statement %d is a %T", req.Path, i, stmt))
		} else {
			var res any
			res, err = co.Await(tx.Query(ctx, sql))
			if err == nil {
				results = append(results, resultData(res.(mysqlpool.Result)))
				continue
			}
		}
		if _, rbErr := co.Await(tx.Rollback(ctx)); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return nil, err
	}
	if _, err := co.Await(tx.Commit(ctx)); err != nil {
		return nil, err
	}
	return results, nil
}

func resultData(r mysqlpool.Result) map[string]any {
	out := map[string]any{"result": nil, "insert_id": nil, "affected_rows": nil}
	if r.Rows != nil {
		rows := make([]any, len(r.Rows))
		for i, row := range r.Rows {
			rows[i] = row
		}
		out["result"] = rows
	}
	if r.InsertID != nil {
		out["insert_id"] = *r.InsertID
	}
	if r.AffectedRows != nil {
		out["affected_rows"] = *r.AffectedRows
	}
	return out
}

func redisDo(co *coroutine.Co, req *Request) (any, error) {
	p, err := lookup[*redispool.Pool](req, redispool.Kind)
	if err != nil {
		return nil, err
	}
	args, err := req.List("args")
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, mterrors.PS1002(req.Path + ": no command")
	}
	return co.Await(p.Do(co.Context(), args...))
}

// redisMulti runs commands inside MULTI/EXEC and returns the EXEC reply.
func redisMulti(co *coroutine.Co, req *Request) (any, error) {
	p, err := lookup[*redispool.Pool](req, redispool.Kind)
	if err != nil {
		return nil, err
	}
	cmds, err := req.List("commands")
	if err != nil {
		return nil, err
	}

	ctx := co.Context()
	v, err := co.Await(p.Multi(ctx))
	if err != nil {
		return nil, err
	}
	tx := v.(*redispool.Tx)
	for i, c := range cmds {
		args, ok := c.([]any)
		if !ok || len(args) == 0 {
			err = mterrors.PS1002(fmt.Sprintf("%s: command %d must be a non-empty list", req.Path, i))
		} else if _, err = co.Await(tx.Do(ctx, args...)); err == nil {
			continue
		}
		if _, dErr := co.Await(tx.Discard(ctx)); dErr != nil {
			err = errors.Join(err, dErr)
		}
		return nil, err
	}
	return co.Await(tx.Exec(ctx))
}

func tcpRequest(req *Request) (*tcppool.Pool, envelope.Envelope, error) {
	p, err := lookup[*tcppool.Pool](req, tcppool.Kind)
	if err != nil {
		return nil, envelope.Envelope{}, err
	}
	path, err := req.String("path")
	if err != nil {
		return nil, envelope.Envelope{}, err
	}
	params, _ := req.Param("params")
	return p, envelope.Request(path, params), nil
}

func tcpCall(co *coroutine.Co, req *Request) (any, error) {
	p, env, err := tcpRequest(req)
	if err != nil {
		return nil, err
	}
	v, err := co.Await(p.Call(env))
	if err != nil {
		return nil, err
	}
	reply := v.(envelope.Envelope)
	if reply.Code != envelope.CodeOK {
		return nil, mterrors.PS2004(tcppool.Kind+"/"+p.Name(), fmt.Sprintf("peer replied with code %d: %v", reply.Code, reply.Data))
	}
	return reply.Data, nil
}

// tcpStream relays each frame of the peer's streamed reply as it arrives.
func tcpStream(co *coroutine.Co, req *Request) (any, error) {
	p, env, err := tcpRequest(req)
	if err != nil {
		return nil, err
	}
	n, err := co.Await(p.Stream(env, func(frame envelope.Envelope) {
		req.Stream(frame.Data)
	}))
	if err != nil {
		return nil, err
	}
	return map[string]any{"frames": n}, nil
}
