// Copyright 2019 The Vitess Authors.
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
//
// Modifications Copyright 2025 Supabase, Inc.

package mterrors

import (
	"google.golang.org/grpc/status"
)

// maxStatusMessage keeps status messages under the 8 KiB that clients may
// enforce on response trailers.
const maxStatusMessage = 8*1024 - 512

const truncatedSuffix = " [...] [truncated to fit a gRPC status]"

// ToGRPC converts err into a gRPC status error carrying Code(err). Errors
// that already are statuses pass through unchanged.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	msg := err.Error()
	if len(msg) > maxStatusMessage {
		msg = msg[:maxStatusMessage] + truncatedSuffix
	}
	return status.Error(Code(err), msg)
}
