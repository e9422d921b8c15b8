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

// poolserver runs the pool server: workers that own MySQL, Redis and TCP
// connection pools, serving envelope requests on a TCP front end.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/multigres/poolserver/go/clustermetadata/toporeg"
	"github.com/multigres/poolserver/go/common/servenv"
	"github.com/multigres/poolserver/go/services/poolserver"
	"github.com/multigres/poolserver/go/tools/viperutil"
)

// drainTimeout bounds how long requests in flight may run after SIGTERM.
const drainTimeout = 10 * time.Second

// Main is the poolserver command.
var Main = newMain(viperutil.NewRegistry())

func main() {
	if err := Main.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// newMain builds the command with its settings in reg.
func newMain(reg *viperutil.Registry) *cobra.Command {
	sv := servenv.NewServEnv(reg)
	grpcServer := servenv.NewGrpcServer(reg)
	settings := poolserver.NewSettings(reg)

	cmd := &cobra.Command{
		Use:   "poolserver",
		Short: "Poolserver serves requests against pooled MySQL, Redis and TCP backends.",
		Long: `Poolserver runs a set of workers, each with its own event loop and its own
copy of every configured pool, behind a TCP front end speaking framed
envelopes. Pools are configured under the pools key of the config file:

  pools:
    mysql:
      main: {host: db1, port: 3306, user: app, connection: {init: 2, idle: 4, max: 16}}
    redis:
      cache: {host: cache1, port: 6379, timeout: 1, aliases: [sessions]}`,
		Args:    cobra.NoArgs,
		PreRunE: sv.CobraPreRunE,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), sv, grpcServer, settings)
		},
	}
	sv.RegisterFlags(cmd.Flags())
	grpcServer.RegisterFlags(cmd.Flags())
	settings.RegisterFlags(cmd.Flags())

	cmd.AddCommand(instancesCommand())
	return cmd
}

func run(ctx context.Context, sv *servenv.ServEnv, grpcServer *servenv.GrpcServer, settings *poolserver.Settings) error {
	if err := sv.Init(); err != nil {
		return err
	}
	logger := sv.GetLogger()

	var srv *poolserver.Server
	// The health server exists once the gRPC server is created, which
	// happens right before the run hooks fire.
	sv.OnRunE(func() error {
		inst := toporeg.Instance{ID: sv.InstanceID(), Hostname: sv.GetHostname()}
		if port := grpcServer.Port(); port != 0 {
			inst.GRPCAddr = net.JoinHostPort(sv.GetHostname(), strconv.Itoa(port))
		}
		srv = poolserver.New(settings, poolserver.Options{
			Logger:   logger,
			Health:   grpcServer.Health,
			Meter:    sv.Telemetry().Meter(),
			Instance: inst,
		})
		if err := srv.Start(ctx); err != nil {
			return err
		}
		go func() {
			if err := <-srv.ServeErr(); err != nil {
				logger.Error("front end failed, shutting down", "err", err)
				sv.Shutdown()
			}
		}()
		return nil
	})
	sv.OnTermSync(func() {
		if srv == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := srv.Drain(ctx); err != nil {
			logger.Warn("drain did not complete", "err", err)
		}
	})
	sv.OnClose(func() {
		if srv == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			logger.Warn("pool server stopped with errors", "err", err)
		}
	})

	return sv.Run(grpcServer)
}
