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
	"fmt"
	"maps"
	"slices"
	"strings"
)

// flatten expands slice and map arguments in place: slices contribute their
// elements, maps their key/value pairs in key order. Other values are kept.
func flatten(args []any) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case []any:
			out = append(out, v...)
		case []string:
			for _, s := range v {
				out = append(out, s)
			}
		case map[string]any:
			for _, k := range slices.Sorted(maps.Keys(v)) {
				out = append(out, k, v[k])
			}
		case map[string]string:
			for _, k := range slices.Sorted(maps.Keys(v)) {
				out = append(out, k, v[k])
			}
		default:
			out = append(out, a)
		}
	}
	return out
}

// reshaper turns a raw reply into the form callers get back.
type reshaper func(reply any) any

// prepare flattens args and picks the reshaper for the command. The first
// argument is the command name.
func prepare(args []any) ([]any, reshaper) {
	flat := flatten(args)
	if len(flat) == 0 {
		return flat, nil
	}
	name := strings.ToUpper(fmt.Sprint(flat[0]))
	switch name {
	case "MGET":
		return flat, rekey(flat[1:])
	case "HMGET":
		if len(flat) < 2 {
			return flat, nil
		}
		return flat, rekey(flat[2:])
	case "HGETALL":
		return flat, pairs
	}
	return flat, nil
}

// rekey maps the i-th element of an array reply to the i-th requested name.
func rekey(names []any) reshaper {
	return func(reply any) any {
		values, ok := reply.([]any)
		if !ok || len(values) != len(names) {
			return reply
		}
		m := make(map[string]any, len(names))
		for i, n := range names {
			m[fmt.Sprint(n)] = values[i]
		}
		return m
	}
}

// pairs turns a flat field/value array reply into a map.
func pairs(reply any) any {
	values, ok := reply.([]any)
	if !ok || len(values)%2 != 0 {
		return reply
	}
	m := make(map[string]any, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		m[fmt.Sprint(values[i])] = values[i+1]
	}
	return m
}
