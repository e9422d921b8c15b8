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
	"cmp"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/multigres/poolserver/go/tools/telemetry"
	"github.com/multigres/poolserver/go/tools/viperutil"
)

// Logger owns the process slog.Logger. Its level follows log-level across
// config reloads; format and output are fixed at setup.
type Logger struct {
	levelKey  viperutil.Value[string]
	formatKey viperutil.Value[string]
	outputKey viperutil.Value[string]

	level slog.LevelVar
	once  sync.Once

	mu     sync.Mutex
	logger *slog.Logger
}

func NewLogger(reg *viperutil.Registry) *Logger {
	return &Logger{
		levelKey:  viperutil.Configure(reg, "log-level", viperutil.Options[string]{FlagName: "log-level", Default: "info", Dynamic: true}),
		formatKey: viperutil.Configure(reg, "log-format", viperutil.Options[string]{FlagName: "log-format", Default: "json"}),
		outputKey: viperutil.Configure(reg, "log-output", viperutil.Options[string]{FlagName: "log-output", Default: "stdout"}),
	}
}

func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", lg.levelKey.Default(), "One of debug, info, warn, error. Reloaded with the config file.")
	fs.String("log-format", lg.formatKey.Default(), "json or text.")
	fs.String("log-output", lg.outputKey.Default(), "stdout, stderr or a file to append to.")
	viperutil.BindFlags(fs, lg.levelKey, lg.formatKey, lg.outputKey)
}

// SetupLogging builds the logger and makes it the slog default. Calls after
// the first do nothing.
func (lg *Logger) SetupLogging() {
	lg.once.Do(func() {
		lg.ApplyLevel()
		output := cmp.Or(lg.outputKey.Get(), "stdout")
		format := cmp.Or(lg.formatKey.Get(), "json")

		w, err := openLogOutput(output)
		h := telemetry.LogHandler(newLogHandler(format, w, &slog.HandlerOptions{Level: &lg.level}))
		logger := slog.New(h)
		slog.SetDefault(logger)

		lg.mu.Lock()
		lg.logger = logger
		lg.mu.Unlock()

		if err != nil {
			logger.Warn("log output unusable, writing to stdout", "output", output, "err", err)
		}
		logger.Info("logging ready", "level", lg.level.Level().String(), "format", format, "output", output)
	})
}

// openLogOutput falls back to stdout when the file cannot be opened.
func openLogOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stdout, err
	}
	return f, nil
}

func newLogHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ApplyLevel re-reads log-level. Unknown names mean info.
func (lg *Logger) ApplyLevel() {
	lg.level.Set(parseLevel(lg.levelKey.Get()))
}

// GetLogger returns the logger, or the slog default before SetupLogging.
func (lg *Logger) GetLogger() *slog.Logger {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.logger == nil {
		return slog.Default()
	}
	return lg.logger
}

func (lg *Logger) Level() slog.Level { return lg.level.Level() }

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
