// Copyright 2019 The Vitess Authors.
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

// Package mterrors provides errors that carry a gRPC code, so they can cross
// the RPC boundary and be classified by callers with Code.
package mterrors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

type codedError struct {
	code codes.Code
	msg  string
	err  error
}

func (e *codedError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *codedError) Unwrap() error { return e.err }

// New returns an error with the supplied code and message.
func New(code codes.Code, message string) error {
	return &codedError{code: code, msg: message}
}

// Errorf formats according to a format specifier and returns the string as
// an error with the supplied code.
func Errorf(code codes.Code, format string, args ...any) error {
	return &codedError{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrapf annotates err with a message and a code. It returns nil if err is nil.
func Wrapf(err error, code codes.Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, msg: fmt.Sprintf(format, args...), err: err}
}

// Code returns the code of the outermost coded error in err's chain, or
// codes.Unknown if there is none. It returns codes.OK for a nil error.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return codes.Unknown
}
