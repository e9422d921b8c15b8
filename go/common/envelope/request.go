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

package envelope

// Reply codes.
const (
	CodeOK       = 0
	CodeError    = 1
	CodeNotFound = 404
)

// Request builds the envelope of a call to path.
func Request(path string, params any) Envelope {
	return Envelope{Code: CodeOK, Data: map[string]any{"path": path, "params": params}}
}

// Route extracts the path and params of a request envelope.
func Route(env Envelope) (path string, params any, ok bool) {
	m, ok := env.Data.(map[string]any)
	if !ok {
		return "", nil, false
	}
	path, ok = m["path"].(string)
	return path, m["params"], ok
}
