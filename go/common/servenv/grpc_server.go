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
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"time"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpcrecovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/multigres/poolserver/go/common/mterrors"
	"github.com/multigres/poolserver/go/tools/viperutil"
)

// GrpcServer is the admin endpoint of the process. It carries the standard
// health service, which the pool server keeps per pool, and reflection.
// The request front end is separate and does not go through it.
type GrpcServer struct {
	port     viperutil.Value[int]
	bind     viperutil.Value[string]
	msgSize  viperutil.Value[int]
	maxAge   viperutil.Value[time.Duration]
	ageGrace viperutil.Value[time.Duration]
	pingIdle viperutil.Value[time.Duration]
	pingWait viperutil.Value[time.Duration]

	Server *grpc.Server
	Health *health.Server

	listener net.Listener
}

func NewGrpcServer(reg *viperutil.Registry) *GrpcServer {
	forever := time.Duration(math.MaxInt64)
	return &GrpcServer{
		port:     viperutil.Configure(reg, "grpc-port", viperutil.Options[int]{FlagName: "grpc-port"}),
		bind:     viperutil.Configure(reg, "grpc-bind-address", viperutil.Options[string]{FlagName: "grpc-bind-address"}),
		msgSize:  viperutil.Configure(reg, "grpc-max-message-size", viperutil.Options[int]{FlagName: "grpc-max-message-size", Default: 4 << 20}),
		maxAge:   viperutil.Configure(reg, "grpc-max-connection-age", viperutil.Options[time.Duration]{FlagName: "grpc-max-connection-age", Default: forever}),
		ageGrace: viperutil.Configure(reg, "grpc-max-connection-age-grace", viperutil.Options[time.Duration]{FlagName: "grpc-max-connection-age-grace", Default: forever}),
		pingIdle: viperutil.Configure(reg, "grpc-server-keepalive-time", viperutil.Options[time.Duration]{FlagName: "grpc-server-keepalive-time", Default: 30 * time.Second}),
		pingWait: viperutil.Configure(reg, "grpc-server-keepalive-timeout", viperutil.Options[time.Duration]{FlagName: "grpc-server-keepalive-timeout", Default: 10 * time.Second}),
	}
}

func (g *GrpcServer) RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("grpc-port", g.port.Default(), "Admin gRPC port (health, reflection). 0 disables the admin server.")
	fs.String("grpc-bind-address", g.bind.Default(), "Address the admin gRPC server binds to. Empty binds all interfaces.")
	fs.Int("grpc-max-message-size", g.msgSize.Default(), "Largest gRPC message accepted or sent, in bytes.")
	fs.Duration("grpc-max-connection-age", g.maxAge.Default(), "Age after which a client connection is sent GoAway.")
	fs.Duration("grpc-max-connection-age-grace", g.ageGrace.Default(), "Time granted to calls in flight after GoAway before the connection is closed.")
	fs.Duration("grpc-server-keepalive-time", g.pingIdle.Default(), "Idle time after which the server pings a client.")
	fs.Duration("grpc-server-keepalive-timeout", g.pingWait.Default(), "Time to wait for a ping answer before closing the connection.")
	viperutil.BindFlags(fs, g.port, g.bind, g.msgSize, g.maxAge, g.ageGrace, g.pingIdle, g.pingWait)
}

func (g *GrpcServer) Port() int { return g.port.Get() }

// IsEnabled reports whether a port or a listener was given.
func (g *GrpcServer) IsEnabled() bool { return g.port.Get() != 0 || g.listener != nil }

// UseListener makes Serve accept on l instead of listening on the port.
func (g *GrpcServer) UseListener(l net.Listener) { g.listener = l }

// Create builds the server when enabled. Services may be registered on
// Server between Create and Serve.
func (g *GrpcServer) Create() {
	if !g.IsEnabled() {
		slog.Info("admin gRPC server disabled, grpc-port is 0")
		return
	}
	g.Server = grpc.NewServer(g.serverOptions()...)
	g.Health = health.NewServer()
	healthpb.RegisterHealthServer(g.Server, g.Health)
	reflection.Register(g.Server)
}

func (g *GrpcServer) serverOptions() []grpc.ServerOption {
	size := g.msgSize.Get()
	unary := []grpc.UnaryServerInterceptor{
		grpcrecovery.UnaryServerInterceptor(recoverPanics),
		logUnary,
		statusUnary,
	}
	stream := []grpc.StreamServerInterceptor{
		grpcrecovery.StreamServerInterceptor(recoverPanics),
		statusStream,
	}
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(size),
		grpc.MaxSendMsgSize(size),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 10 * time.Second}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionAge:      g.maxAge.Get(),
			MaxConnectionAgeGrace: g.ageGrace.Get(),
			Time:                  g.pingIdle.Get(),
			Timeout:               g.pingWait.Get(),
		}),
		grpc.UnaryInterceptor(grpcmiddleware.ChainUnaryServer(unary...)),
		grpc.StreamInterceptor(grpcmiddleware.ChainStreamServer(stream...)),
	}
}

var recoverPanics = grpcrecovery.WithRecoveryHandlerContext(func(ctx context.Context, p any) error {
	slog.ErrorContext(ctx, "gRPC handler panicked", "panic", p)
	return status.Errorf(codes.Internal, "panic: %v", p)
})

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	slog.DebugContext(ctx, "grpc call", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
	return resp, err
}

// statusUnary and statusStream keep the code of pool errors when they are
// returned over gRPC.
func statusUnary(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	return resp, mterrors.ToGRPC(err)
}

func statusStream(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	return mterrors.ToGRPC(handler(srv, ss))
}

// Serve starts accepting, marks every registered service as serving and
// stops gracefully on term.
func (g *GrpcServer) Serve(sv *ServEnv) error {
	if g.Server == nil {
		return nil
	}
	if g.listener == nil {
		addr := net.JoinHostPort(g.bind.Get(), strconv.Itoa(g.port.Get()))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("admin gRPC listen on %s: %w", addr, err)
		}
		g.listener = l
	}

	g.Health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for name := range g.Server.GetServiceInfo() {
		g.Health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}

	slog.Info("admin gRPC server listening", "addr", g.listener.Addr().String())
	go func() {
		if err := g.Server.Serve(g.listener); err != nil {
			slog.Error("admin gRPC server failed", "err", err)
		}
	}()

	sv.OnTermSync(func() {
		g.Health.Shutdown()
		g.Server.GracefulStop()
		slog.Info("admin gRPC server stopped")
	})
	return nil
}
