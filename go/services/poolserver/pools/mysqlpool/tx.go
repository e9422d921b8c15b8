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

	"github.com/multigres/poolserver/go/common/coroutine"
)

// Tx is a transaction bound to one pooled connection. Every statement of the
// transaction runs on that connection; Commit and Rollback hand it back to
// the pool.
type Tx struct {
	pool *Pool
	id   int64
}

// BindID returns the id the connection is bound to.
func (tx *Tx) BindID() int64 { return tx.id }

// Query runs a statement inside the transaction.
func (tx *Tx) Query(ctx context.Context, sql string, args ...any) coroutine.Operation {
	return tx.pool.query(ctx, tx.id, sql, args)
}

// Commit commits the transaction and releases its connection.
func (tx *Tx) Commit(ctx context.Context) coroutine.Operation {
	return tx.pool.Op(&request{ctx: ctx, kind: kindCommit}, tx.id, false)
}

// Rollback rolls the transaction back and releases its connection.
func (tx *Tx) Rollback(ctx context.Context) coroutine.Operation {
	return tx.pool.Op(&request{ctx: ctx, kind: kindRollback}, tx.id, false)
}
