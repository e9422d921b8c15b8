// Copyright 2023 The Vitess Authors.
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

// Package servenv holds the process environment shared by server binaries:
// config loading, logging, telemetry, the admin gRPC endpoint and the
// init/run/term/close lifecycle.
package servenv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/attribute"

	"github.com/multigres/poolserver/go/tools/event"
	"github.com/multigres/poolserver/go/tools/telemetry"
	"github.com/multigres/poolserver/go/tools/viperutil"
)

// ServEnv is the lifecycle and ambient settings of one server process.
type ServEnv struct {
	reg *viperutil.Registry

	hostname       viperutil.Value[string]
	lameduckPeriod viperutil.Value[time.Duration]
	onTermTimeout  viperutil.Value[time.Duration]
	onCloseTimeout viperutil.Value[time.Duration]
	pidFile        viperutil.Value[string]
	vc             *viperutil.ViperConfig

	onInitHooks     event.Hooks
	onTermHooks     event.Hooks
	onTermSyncHooks event.Hooks
	onRunHooks      event.Hooks
	onRunEHooks     event.ErrorHooks
	onCloseHooks    event.Hooks

	mu            sync.Mutex
	inited        bool
	initStartTime time.Time
	instanceID    string

	// exitChan receives the signal that starts shutdown.
	exitChan  chan os.Signal
	lg        *Logger
	telemetry *telemetry.Telemetry
}

// NewServEnv creates a ServEnv whose settings live in reg.
func NewServEnv(reg *viperutil.Registry) *ServEnv {
	tel := telemetry.NewTelemetry()
	return NewServEnvWithConfig(reg, NewLogger(reg), viperutil.NewViperConfig(reg), tel)
}

// NewServEnvWithConfig creates a ServEnv around existing logging, config and
// telemetry instances.
func NewServEnvWithConfig(reg *viperutil.Registry, lg *Logger, vc *viperutil.ViperConfig, tel *telemetry.Telemetry) *ServEnv {
	duration := func(key string, def time.Duration) viperutil.Value[time.Duration] {
		return viperutil.Configure(reg, key, viperutil.Options[time.Duration]{FlagName: key, Default: def})
	}
	return &ServEnv{
		reg:            reg,
		hostname:       viperutil.Configure(reg, "hostname", viperutil.Options[string]{FlagName: "hostname"}),
		pidFile:        viperutil.Configure(reg, "pid-file", viperutil.Options[string]{FlagName: "pid-file"}),
		lameduckPeriod: duration("lameduck-period", 50*time.Millisecond),
		onTermTimeout:  duration("onterm-timeout", 10*time.Second),
		onCloseTimeout: duration("onclose-timeout", 10*time.Second),
		vc:             vc,
		lg:             lg,
		telemetry:      tel,
		instanceID:     uuid.NewString(),
		exitChan:       make(chan os.Signal, 1),
	}
}

func (sv *ServEnv) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("hostname", sv.hostname.Default(), "Host name published for this instance. Defaults to os.Hostname().")
	fs.String("pid-file", sv.pidFile.Default(), "Path to write the process id to. Removed on clean exit.")
	fs.Duration("lameduck-period", sv.lameduckPeriod.Default(), "Minimum time between SIGTERM and exit.")
	fs.Duration("onterm-timeout", sv.onTermTimeout.Default(), "Longest wait for OnTermSync hooks, which drain requests in flight.")
	fs.Duration("onclose-timeout", sv.onCloseTimeout.Default(), "Longest wait for OnClose hooks, which close the pools.")
	viperutil.BindFlags(fs, sv.hostname, sv.pidFile, sv.lameduckPeriod, sv.onTermTimeout, sv.onCloseTimeout)

	sv.lg.RegisterFlags(fs)
	sv.vc.RegisterFlags(fs)
}

// Registry returns the config registry.
func (sv *ServEnv) Registry() *viperutil.Registry { return sv.reg }

// GetLogger returns the configured logger.
func (sv *ServEnv) GetLogger() *slog.Logger { return sv.lg.GetLogger() }

// Telemetry returns the telemetry instance.
func (sv *ServEnv) Telemetry() *telemetry.Telemetry { return sv.telemetry }

// InstanceID identifies this process for as long as it runs.
func (sv *ServEnv) InstanceID() string { return sv.instanceID }

// GetHostname returns the configured hostname, resolved by Init when unset.
func (sv *ServEnv) GetHostname() string { return sv.hostname.Get() }

// GetInitStartTime returns when Init ran.
func (sv *ServEnv) GetInitStartTime() time.Time {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.initStartTime
}

// OnInit adds f to the hooks fired by Init.
func (sv *ServEnv) OnInit(f func()) { sv.onInitHooks.Add(f) }

// OnRun adds f to the hooks fired when Run starts.
func (sv *ServEnv) OnRun(f func()) { sv.onRunHooks.Add(f) }

// OnRunE is OnRun for hooks that can fail. A failure makes Run return it.
func (sv *ServEnv) OnRunE(f func() error) { sv.onRunEHooks.Add(f) }

// OnTerm adds f to the hooks fired on SIGTERM. Nothing waits for them.
func (sv *ServEnv) OnTerm(f func()) { sv.onTermHooks.Add(f) }

// OnTermSync adds f to the hooks fired on SIGTERM and waited for, up to
// onterm-timeout.
func (sv *ServEnv) OnTermSync(f func()) { sv.onTermSyncHooks.Add(f) }

// OnClose adds f to the last hooks fired before Run returns.
func (sv *ServEnv) OnClose(f func()) { sv.onCloseHooks.Add(f) }

// FireRunHooks fires the hooks registered by OnRun and OnRunE.
func (sv *ServEnv) FireRunHooks() error {
	sv.onRunHooks.Fire()
	return sv.onRunEHooks.Fire()
}

// Init resolves the hostname, writes the pid file and fires the OnInit
// hooks. It may be called once.
func (sv *ServEnv) Init() error {
	sv.mu.Lock()
	if sv.inited {
		sv.mu.Unlock()
		return errors.New("servenv.Init called second time")
	}
	sv.inited = true
	sv.initStartTime = time.Now()
	sv.mu.Unlock()

	if sv.hostname.Get() == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		sv.hostname.Set(host)
	}
	sv.writePidFile()
	sv.onInitHooks.Fire()
	return nil
}

// CobraPreRunE loads the config file, sets up logging and starts telemetry.
// It matches the signature of cobra's PreRunE.
func (sv *ServEnv) CobraPreRunE(cmd *cobra.Command, _ []string) error {
	ch := make(chan struct{}, 1)
	viperutil.NotifyConfigReload(sv.reg, ch)

	watchCancel, err := sv.vc.LoadConfig(sv.reg)
	if err != nil {
		return fmt.Errorf("%s: failed to read in config: %w", cmd.Name(), err)
	}
	sv.lg.SetupLogging()

	// Drain the notification of the initial load before watching.
	select {
	case <-ch:
	default:
	}
	go func() {
		for range ch {
			sv.lg.ApplyLevel()
			slog.Info("configuration reloaded", "log-level", sv.lg.Level().String())
		}
	}()
	// The watcher is stopped before ch is closed, so no reload sends on it.
	sv.OnTermSync(watchCancel)
	sv.OnClose(func() { close(ch) })

	if cmd.Context() == nil {
		cmd.SetContext(context.Background())
	}
	if err := sv.telemetry.StartForCommand(cmd, attribute.String("service.instance.id", sv.instanceID)); err != nil {
		return err
	}
	sv.OnClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sv.telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown failed", "err", err)
		}
	})
	return nil
}
