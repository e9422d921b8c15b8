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

package servenv

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
)

// writePidFile records the pid in the pid-file path and removes the file on
// close. A file that already exists is not touched: another process may own it.
func (sv *ServEnv) writePidFile() {
	path := sv.pidFile.Get()
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		slog.Error("pid file not written", "path", path, "err", err)
		return
	}
	_, err = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if err = errors.Join(err, f.Close()); err != nil {
		slog.Error("pid file incomplete", "path", path, "err", err)
	}

	sv.OnClose(func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Error("pid file not removed", "path", path, "err", err)
		}
	})
}
