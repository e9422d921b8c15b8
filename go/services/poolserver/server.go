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

// Package poolserver is the pool server: a set of workers, each owning an
// event loop and a private copy of the configured MySQL, Redis and TCP
// pools, behind a TCP front end that speaks the envelope protocol.
package poolserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/multigres/poolserver/go/clustermetadata/toporeg"
	"github.com/multigres/poolserver/go/common/envelope"
	"github.com/multigres/poolserver/go/services/poolserver/poolmanager"
	"github.com/multigres/poolserver/go/services/poolserver/pools/mysqlpool"
	"github.com/multigres/poolserver/go/services/poolserver/pools/resource"
	"github.com/multigres/poolserver/go/tools/timer"
	"github.com/multigres/poolserver/go/tools/viperutil"
)

// Options carries what the server takes from its environment.
type Options struct {
	Logger *slog.Logger
	// Router defaults to a router with the built-in handlers.
	Router *Router
	// Health, when set, reports the server and each pool.
	Health *health.Server
	// Listener replaces listening on the listen address.
	Listener net.Listener
	// Meter records pool and request metrics. Optional.
	Meter metric.Meter
	// Instance describes this process for service discovery. ID and
	// Hostname come from the environment; the rest is filled in by Start.
	Instance toporeg.Instance
	// HealthInterval is how often pool health is refreshed.
	HealthInterval time.Duration

	// MySQLDial replaces the go-mysql client of every MySQL pool.
	MySQLDial func(ctx context.Context) (mysqlpool.Session, error)
	// Etcd replaces the client built from the etcd endpoints.
	Etcd toporeg.EtcdClient
}

// Server is the pool server.
type Server struct {
	settings *Settings
	opts     Options
	logger   *slog.Logger

	workers  []*Worker
	frontend *Frontend
	serveErr chan error

	topo       *toporeg.TopoReg
	etcdClient *clientv3.Client
	healthRun  *timer.Periodic

	done     chan struct{}
	bg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a server. Nothing runs before Start.
func New(settings *Settings, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Router == nil {
		opts.Router = NewRouter()
		RegisterBuiltins(opts.Router)
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	return &Server{
		settings: settings,
		opts:     opts,
		logger:   opts.Logger,
		serveErr: make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Router returns the router of the front end.
func (s *Server) Router() *Router { return s.opts.Router }

// Workers returns the workers.
func (s *Server) Workers() []*Worker { return s.workers }

// Addr returns the address of the front end, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.frontend == nil {
		return nil
	}
	return s.frontend.Addr()
}

// Start builds the workers and their pools, starts the front end and
// registers with service discovery.
func (s *Server) Start(ctx context.Context) error {
	if err := s.settings.Validate(); err != nil {
		return err
	}
	pools, err := s.settings.Pools()
	if err != nil {
		return err
	}

	var metrics *resource.Metrics
	if s.opts.Meter != nil {
		if metrics, err = resource.NewMetrics(s.opts.Meter); err != nil {
			return err
		}
	}

	n := s.settings.workers.Get()
	s.workers = make([]*Worker, n)
	for i := range n {
		s.workers[i] = NewWorker(i, WorkerConfig{
			Pools:     pools,
			Tuning:    s.settings.Tuning(),
			MaxRetry:  s.settings.maxRetry.Get(),
			Logger:    s.logger,
			Metrics:   metrics,
			MySQLDial: s.opts.MySQLDial,
		})
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		g.Go(func() error { return w.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		_ = s.stopWorkers(context.Background())
		return fmt.Errorf("start workers: %w", err)
	}

	codec, err := envelope.CodecByName(s.settings.codec.Get())
	if err != nil {
		_ = s.stopWorkers(context.Background())
		return err
	}
	s.frontend, err = NewFrontend(FrontendConfig{
		Protocol: envelope.NewProtocol(codec),
		Router:   s.opts.Router,
		Workers:  s.workers,
		Timeout:  s.settings.dispatchTO.Get(),
		Logger:   s.logger,
		Meter:    s.opts.Meter,
	})
	if err != nil {
		_ = s.stopWorkers(context.Background())
		return err
	}
	l := s.opts.Listener
	if l == nil {
		if l, err = net.Listen("tcp", s.settings.listen.Get()); err != nil {
			_ = s.stopWorkers(context.Background())
			return fmt.Errorf("listen on %s: %w", s.settings.listen.Get(), err)
		}
	}
	s.bg.Go(func() {
		if err := s.frontend.Serve(l); err != nil {
			s.logger.Error("front end stopped", "err", err)
			s.serveErr <- err
		}
	})

	s.watchReloads()
	if s.opts.Health != nil {
		s.refreshHealth(ctx)
		s.healthRun = timer.NewPeriodic(s.opts.HealthInterval)
		s.healthRun.Start(context.Background(), func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, s.opts.HealthInterval)
			defer cancel()
			s.refreshHealth(ctx)
		})
	}
	if err := s.register(pools); err != nil {
		s.logger.Warn("service discovery is disabled", "err", err)
	}

	s.logger.Info("pool server started",
		"workers", n,
		"pools", pools.Len(),
		"addr", l.Addr().String(),
		"routes", len(s.opts.Router.Paths()))
	return nil
}

// ServeErr receives the error of a front end that stopped on its own.
func (s *Server) ServeErr() <-chan error { return s.serveErr }

// watchReloads pushes reloaded tuning to every worker.
func (s *Server) watchReloads() {
	ch := make(chan struct{}, 1)
	viperutil.NotifyConfigReload(s.settings.reg, ch)
	s.bg.Go(func() {
		for {
			select {
			case <-ch:
				t := s.settings.Tuning()
				for _, w := range s.workers {
					w.Apply(t)
				}
				s.logger.Info("pool tuning reloaded", "gc_level", t.GCLevel, "enable_slow_log", t.EnableSlowLog, "slow_time", t.SlowTime)
			case <-s.done:
				return
			}
		}
	})
}

// HealthService is the health service name of a pool.
func HealthService(kind, name string) string {
	return "poolserver.pool." + kind + "." + name
}

// refreshHealth reports a pool as serving while it is open on every worker.
func (s *Server) refreshHealth(ctx context.Context) {
	serving := make(map[string]bool)
	for _, w := range s.workers {
		stats, err := w.Stats(ctx)
		if err != nil {
			s.logger.Debug("cannot collect pool stats", "worker", w.ID(), "err", err)
			return
		}
		for _, st := range stats {
			name := HealthService(st.Kind, st.Name)
			ok, seen := serving[name]
			serving[name] = !st.Closed && (ok || !seen)
		}
	}
	for name, ok := range serving {
		status := healthpb.HealthCheckResponse_SERVING
		if !ok {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.opts.Health.SetServingStatus(name, status)
	}
}

func (s *Server) register(pools PoolsConfig) error {
	client := s.opts.Etcd
	if client == nil {
		endpoints := s.settings.etcdEndpoints.Get()
		if len(endpoints) == 0 {
			return nil
		}
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   endpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return err
		}
		s.etcdClient = cli
		client = cli
	}

	inst := s.opts.Instance
	inst.Addr = s.frontend.Addr().String()
	inst.Workers = len(s.workers)
	inst.StartedAt = time.Now()
	for kind, byName := range pools.byKind() {
		for name := range byName {
			inst.Pools = append(inst.Pools, kind+"/"+name)
		}
	}
	r, err := toporeg.NewEtcd(client, s.settings.etcdPrefix.Get(), inst, s.settings.etcdLeaseTTL.Get(), s.logger)
	if err != nil {
		return err
	}
	s.topo = toporeg.Register(r, func(msg string) {
		if msg != "" {
			s.logger.Warn("service discovery alarm", "msg", msg)
		}
	}, s.logger)
	return nil
}

// Drain takes the server out of service discovery, marks it not serving and
// lets the requests in flight finish.
func (s *Server) Drain(ctx context.Context) error {
	s.topo.Unregister()
	s.topo = nil
	if s.opts.Health != nil {
		s.opts.Health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if s.frontend == nil {
		return nil
	}
	return s.frontend.Shutdown(ctx)
}

// Stop drains the server if needed, closes every pool and stops the
// workers. It is idempotent.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.Drain(ctx)
		if s.healthRun != nil {
			s.healthRun.Stop()
		}
		close(s.done)
		s.bg.Wait()
		// Stopping a worker empties its manager.
		var names []string
		if len(s.workers) > 0 {
			s.workers[0].Pools().Each(func(p poolmanager.ResourcePool) bool {
				names = append(names, HealthService(p.Type(), p.Name()))
				return true
			})
		}
		err = errors.Join(err, s.stopWorkers(ctx))
		if s.opts.Health != nil {
			for _, name := range names {
				s.opts.Health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
			}
		}
		if s.etcdClient != nil {
			err = errors.Join(err, s.etcdClient.Close())
		}
		s.logger.Info("pool server stopped")
	})
	return err
}

func (s *Server) stopWorkers(ctx context.Context) error {
	var g errgroup.Group
	for _, w := range s.workers {
		if w == nil {
			continue
		}
		g.Go(func() error { return w.Stop(ctx) })
	}
	return g.Wait()
}
