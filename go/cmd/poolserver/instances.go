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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/multigres/poolserver/go/clustermetadata/toporeg"
	"github.com/multigres/poolserver/go/services/poolserver"
)

// instancesCommand lists the pool servers registered in etcd.
func instancesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List the pool servers registered in etcd",
		Args:  cobra.NoArgs,
		RunE:  runInstances,
	}
	cmd.Flags().StringSlice("etcd-endpoints", []string{"localhost:2379"}, "etcd endpoints to read from")
	cmd.Flags().String("etcd-prefix", poolserver.DefaultEtcdPrefix, "etcd key prefix of instance records")
	cmd.Flags().Duration("timeout", 5*time.Second, "timeout of the etcd connection and read")
	return cmd
}

func runInstances(cmd *cobra.Command, _ []string) error {
	endpoints, _ := cmd.Flags().GetStringSlice("etcd-endpoints")
	prefix, _ := cmd.Flags().GetString("etcd-prefix")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: timeout})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd %v: %w", endpoints, err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	list, err := toporeg.List(ctx, cli, prefix)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	return printInstances(cmd.OutOrStdout(), list)
}

// printInstances writes the records as an indented JSON array.
func printInstances(w io.Writer, list []toporeg.Instance) error {
	records := make([]json.RawMessage, 0, len(list))
	for _, inst := range list {
		b, err := inst.Marshal()
		if err != nil {
			return err
		}
		records = append(records, b)
	}
	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
