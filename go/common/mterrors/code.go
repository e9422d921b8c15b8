// Copyright 2022 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Modifications Copyright 2025 Supabase, Inc.

package mterrors

import (
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
)

// Errors added to the list of variables below must be added to the Errors
// slice a little below in this same file.

var (
	// PS1001 Unsafe statement
	PS1001 = poolError("PS1001", codes.InvalidArgument, "unsafe statement rejected: %s", "UPDATE, DELETE and other statements that are not SELECT or INSERT must carry a WHERE or LIMIT clause.")
	// PS1002 Invalid configuration
	PS1002 = poolError("PS1002", codes.InvalidArgument, "invalid configuration: %s", "A pool or server setting is missing or out of range.")

	// PS2001 Retry exhausted
	PS2001 = poolError("PS2001", codes.ResourceExhausted, "pool %s: no connection after %d retries", "The command was queued because no connection was available and the retry limit was reached before one was freed.")
	// PS2002 Timeout
	PS2002 = poolError("PS2002", codes.DeadlineExceeded, "pool %s: request timed out after %v", "The backend did not reply before the request timeout fired.")
	// PS2003 Pool closed
	PS2003 = poolError("PS2003", codes.Unavailable, "pool %s is closed", "The pool was closed while the command was pending or before it was issued.")
	// PS2004 Backend failure
	PS2004 = poolError("PS2004", codes.Unavailable, "pool %s: backend error: %v", "The backend connection failed while executing the command; the connection is discarded.")

	// PS3001 No bound connection
	PS3001 = poolError("PS3001", codes.FailedPrecondition, "pool %s: no connection bound to bind id %d", "A transaction command referenced a bind id with no connection bound to it. The task is terminated.")

	// PS4001 Unknown pool
	PS4001 = poolError("PS4001", codes.NotFound, "no %s pool named %q", "The pool manager has no pool registered under this kind and name or alias.")
	// PS4002 Unknown path
	PS4002 = poolError("PS4002", codes.NotFound, "no handler for path %q", "The request path does not match any registered handler.")

	// Errors is a list of errors that must match all the variables
	// defined above to enable auto-documentation of error codes.
	Errors = []func(args ...any) *PoolError{
		PS1001, PS1002,
		PS2001, PS2002, PS2003, PS2004,
		PS3001,
		PS4001, PS4002,
	}
)

// PoolError is an error with a stable ID and a long description.
type PoolError struct {
	Err         error
	Description string
	ID          string
}

func (o *PoolError) Error() string {
	return o.Err.Error()
}

func (o *PoolError) Unwrap() error {
	return o.Err
}

var _ error = (*PoolError)(nil)

func poolError(id string, code codes.Code, short, long string) func(args ...any) *PoolError {
	return func(args ...any) *PoolError {
		s := short
		if len(args) != 0 {
			s = fmt.Sprintf(s, args...)
		}

		return &PoolError{
			Err:         New(code, id+": "+s),
			Description: long,
			ID:          id,
		}
	}
}

// IsError reports whether err carries the error ID code.
func IsError(err error, code string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), code)
}
