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

	"github.com/multigres/poolserver/go/common/coroutine"
)

// Tx is a MULTI block bound to one pooled connection. Commands sent through
// it are queued by the server and answered by Exec.
type Tx struct {
	pool   *Pool
	id     int64
	queued []reshaper
}

// BindID returns the id the connection is bound to.
func (tx *Tx) BindID() int64 { return tx.id }

// Do queues a command. Its reply is the server's QUEUED status.
func (tx *Tx) Do(ctx context.Context, args ...any) coroutine.Operation {
	flat, post := prepare(args)
	tx.queued = append(tx.queued, post)
	return tx.pool.Op(&request{ctx: ctx, kind: kindCommand, args: flat}, tx.id, true)
}

// Exec runs the queued commands and releases the connection. The reply holds
// one entry per queued command, reshaped like a direct reply would be.
func (tx *Tx) Exec(ctx context.Context) coroutine.Operation {
	queued := tx.queued
	tx.queued = nil
	post := func(reply any) any {
		replies, ok := reply.([]any)
		if !ok || len(replies) != len(queued) {
			return reply
		}
		for i, fn := range queued {
			if fn != nil {
				replies[i] = fn(replies[i])
			}
		}
		return replies
	}
	return tx.pool.Op(&request{ctx: ctx, kind: kindExec, args: []any{"EXEC"}, post: post}, tx.id, true)
}

// Discard drops the queued commands and releases the connection.
func (tx *Tx) Discard(ctx context.Context) coroutine.Operation {
	tx.queued = nil
	return tx.pool.Op(&request{ctx: ctx, kind: kindDiscard, args: []any{"DISCARD"}}, tx.id, true)
}
