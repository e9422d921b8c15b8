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

package redispool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// conn is one pooled Redis session: a single-connection go-redis client
// pinned to one socket so MULTI and the commands queued after it share it.
type conn struct {
	client *redis.Client
	cn     *redis.Conn
	broken atomic.Bool
}

// do sends one command and returns its reply. A nil reply is not an error.
func (c *conn) do(ctx context.Context, args []any) (any, error) {
	cmd := redis.NewCmd(ctx, args...)
	_ = c.cn.Process(ctx, cmd)
	v, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}

// isBroken reports whether err means the session can no longer be used.
// Error replies from the server leave it usable.
func isBroken(err error) bool {
	if err == nil {
		return false
	}
	var rerr redis.Error
	return !errors.As(err, &rerr)
}

// connector opens pooled sessions.
type connector struct {
	opts   redis.Options
	closed atomic.Int64
}

func newConnector(cfg *Config) *connector {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &connector{opts: redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Auth,
		DB:       cfg.Select,
		// RESP2 keeps HGETALL a flat array.
		Protocol:     2,
		PoolSize:     1,
		MaxRetries:   -1,
		DialTimeout:  timeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.ReadTimeout,
	}}
}

func (cn *connector) Connect(ctx context.Context) (*conn, error) {
	opts := cn.opts
	client := redis.NewClient(&opts)
	c := &conn{client: client, cn: client.Conn()}
	// Conn dials lazily; PING establishes the socket and runs AUTH and SELECT.
	if err := c.cn.Ping(ctx).Err(); err != nil {
		_ = c.cn.Close()
		_ = client.Close()
		return nil, err
	}
	return c, nil
}

func (cn *connector) Close(c *conn) error {
	defer cn.closed.Add(1)
	return errors.Join(c.cn.Close(), c.client.Close())
}

func (cn *connector) Alive(c *conn) bool { return !c.broken.Load() }
