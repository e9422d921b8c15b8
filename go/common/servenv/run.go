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

package servenv

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/multigres/poolserver/go/tools/event"
)

// Run brings the process up and blocks until SIGTERM, SIGINT or Shutdown.
//
// Startup creates the admin gRPC server, fires the run hooks, then serves.
// Shutdown fires OnTerm without waiting, OnTermSync within onterm-timeout,
// sleeps out what is left of lameduck-period and fires OnClose within
// onclose-timeout.
func (sv *ServEnv) Run(grpcServer *GrpcServer) error {
	grpcServer.Create()
	if err := sv.FireRunHooks(); err != nil {
		return fmt.Errorf("run hooks: %w", err)
	}
	if err := grpcServer.Serve(sv); err != nil {
		return err
	}

	signal.Notify(sv.exitChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sv.exitChan)
	slog.Info("serving", "instance", sv.instanceID, "hostname", sv.GetHostname())

	sig := <-sv.exitChan
	sv.lameduck(sig.String())
	return nil
}

func (sv *ServEnv) lameduck(reason string) {
	deadline := time.Now().Add(sv.lameduckPeriod.Get())
	slog.Info("lameduck", "reason", reason, "period", sv.lameduckPeriod.Get())

	go sv.onTermHooks.Fire()
	fireBounded("OnTermSync", &sv.onTermSyncHooks, sv.onTermTimeout.Get())
	if wait := time.Until(deadline); wait > 0 {
		time.Sleep(wait)
	}
	fireBounded("OnClose", &sv.onCloseHooks, sv.onCloseTimeout.Get())
	slog.Info("shut down")
}

func fireBounded(name string, hooks *event.Hooks, timeout time.Duration) {
	start := time.Now()
	if !hooks.FireWithTimeout(timeout) {
		slog.Warn("hooks did not finish in time", "hooks", name, "timeout", timeout)
		return
	}
	slog.Debug("hooks finished", "hooks", name, "took", time.Since(start))
}

// Shutdown makes Run return as if the process had received SIGTERM.
func (sv *ServEnv) Shutdown() {
	select {
	case sv.exitChan <- syscall.SIGTERM:
	default:
	}
}
