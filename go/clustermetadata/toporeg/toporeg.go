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

// Package toporeg publishes a running server in the service discovery store.
// A registration that fails is retried in the background until it lands or
// is withdrawn.
package toporeg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/multigres/poolserver/go/tools/retry"
)

// Registrar adds and removes one registration.
type Registrar interface {
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
}

// callTimeout bounds each Register and Unregister call.
const callTimeout = 5 * time.Second

var backoff = retry.Backoff{Base: 10 * time.Millisecond, Max: 30 * time.Second}

// TopoReg is a live registration.
type TopoReg struct {
	r      Registrar
	alarm  func(string)
	logger *slog.Logger

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// Register tries r once before returning. On failure it keeps retrying in
// the background. alarm, which may be nil, gets the last error text while
// the registration is missing and "" once it is in place.
func Register(r Registrar, alarm func(string), logger *slog.Logger) *TopoReg {
	tp := &TopoReg{r: r, alarm: alarm, logger: logger}
	if tp.alarm == nil {
		tp.alarm = func(string) {}
	}
	if tp.logger == nil {
		tp.logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	tp.stop = stop

	if tp.try(ctx) {
		return tp
	}
	tp.wg.Go(func() {
		for n, err := range backoff.Retries(ctx) {
			if err != nil {
				return
			}
			if tp.try(ctx) {
				tp.logger.Info("registration landed after retrying", "retries", n)
				return
			}
		}
	})
	return tp
}

func (tp *TopoReg) try(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := tp.r.Register(ctx); err != nil {
		tp.alarm("service discovery registration failed: " + err.Error())
		tp.logger.Warn("service discovery registration failed", "err", err)
		return false
	}
	tp.alarm("")
	tp.logger.Info("registered with service discovery")
	return true
}

// Unregister stops retrying and withdraws the registration. A nil TopoReg
// is a no-op.
func (tp *TopoReg) Unregister() {
	if tp == nil {
		return
	}
	tp.stop()
	tp.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := tp.r.Unregister(ctx); err != nil {
		tp.logger.Error("service discovery unregistration failed", "err", err)
		return
	}
	tp.logger.Info("unregistered from service discovery")
}
