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

package mysqlpool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
)

// Session is one MySQL connection. Its methods block.
type Session interface {
	Query(query string, args ...any) (Result, error)
	Begin() error
	Commit() error
	Rollback() error
	Close() error
}

// clientSession adapts a go-mysql client connection.
type clientSession struct {
	*client.Conn
}

func (s clientSession) Query(query string, args ...any) (Result, error) {
	r, err := s.Execute(query, args...)
	if err != nil {
		return Failure, err
	}
	return toResult(r), nil
}

// dialClient opens a go-mysql client connection.
func dialClient(cfg *Config) func(ctx context.Context) (Session, error) {
	return func(ctx context.Context) (Session, error) {
		var opts []client.Option
		if cfg.Charset != "" {
			charset := cfg.Charset
			opts = append(opts, func(c *client.Conn) error { return c.SetCharset(charset) })
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		conn, err := client.ConnectWithContext(ctx, cfg.Addr, cfg.User, cfg.Password, cfg.Database, timeout, opts...)
		if err != nil {
			return nil, err
		}
		return clientSession{Conn: conn}, nil
	}
}

// toResult flattens a go-mysql result. Text columns come back as strings.
func toResult(r *mysql.Result) Result {
	insertID, affected := r.InsertId, r.AffectedRows
	res := Result{InsertID: &insertID, AffectedRows: &affected}
	if r.Resultset == nil || len(r.Fields) == 0 {
		return res
	}

	rows := make([]map[string]any, r.RowNumber())
	for i := range rows {
		row := make(map[string]any, r.ColumnNumber())
		for j, f := range r.Fields {
			v, err := r.GetValue(i, j)
			if err != nil {
				continue
			}
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[string(f.Name)] = v
		}
		rows[i] = row
	}
	res.Rows = rows
	return res
}

// conn is the pooled handle.
type conn struct {
	Session
	broken atomic.Bool
}

// isBroken reports whether err means the connection can no longer be used.
// Errors reported by the server leave the connection usable.
func isBroken(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MyError
	return !errors.As(err, &myErr)
}

// connector opens pooled sessions.
type connector struct {
	dial func(ctx context.Context) (Session, error)
}

func (cn connector) Connect(ctx context.Context) (*conn, error) {
	s, err := cn.dial(ctx)
	if err != nil {
		return nil, err
	}
	return &conn{Session: s}, nil
}

func (cn connector) Close(c *conn) error { return c.Session.Close() }

func (cn connector) Alive(c *conn) bool { return !c.broken.Load() }
