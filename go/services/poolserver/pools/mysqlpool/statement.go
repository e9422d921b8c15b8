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
	"regexp"
	"strings"
)

var (
	leadingNoise  = regexp.MustCompile(`^(?:\s+|/\*(?s:.*?)\*/|--[^\n]*\n|#[^\n]*\n|\()*`)
	firstWord     = regexp.MustCompile(`^[A-Za-z]+`)
	whereOrLimit  = regexp.MustCompile(`(?i)\b(?:WHERE|LIMIT)\b`)
	unconditional = map[string]bool{
		"SELECT":   true,
		"INSERT":   true,
		"SHOW":     true,
		"DESCRIBE": true,
		"DESC":     true,
		"EXPLAIN":  true,
	}
)

// verb returns the upper-cased first keyword of a statement.
func verb(sql string) string {
	rest := leadingNoise.ReplaceAllString(sql, "")
	return strings.ToUpper(firstWord.FindString(rest))
}

// isSafe reports whether a statement may run. Anything that is not a read
// or an INSERT must be restricted by WHERE or LIMIT so that a forgotten
// condition cannot touch the whole table.
func isSafe(sql string) bool {
	if unconditional[verb(sql)] {
		return true
	}
	return whereOrLimit.MatchString(sql)
}
