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

package toporeg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Instance describes a running server.
type Instance struct {
	ID        string
	Hostname  string
	Addr      string
	GRPCAddr  string
	Workers   int
	Pools     []string
	StartedAt time.Time
}

// Marshal encodes the instance as the JSON form of a
// google.protobuf.Struct.
func (i Instance) Marshal() ([]byte, error) {
	pools := make([]any, len(i.Pools))
	for n, p := range i.Pools {
		pools[n] = p
	}
	s, err := structpb.NewStruct(map[string]any{
		"id":         i.ID,
		"hostname":   i.Hostname,
		"addr":       i.Addr,
		"grpc_addr":  i.GRPCAddr,
		"workers":    i.Workers,
		"pools":      pools,
		"started_at": i.StartedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

// UnmarshalInstance decodes a record written by Marshal.
func UnmarshalInstance(b []byte) (Instance, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(b, &s); err != nil {
		return Instance{}, err
	}
	f := s.GetFields()
	inst := Instance{
		ID:       f["id"].GetStringValue(),
		Hostname: f["hostname"].GetStringValue(),
		Addr:     f["addr"].GetStringValue(),
		GRPCAddr: f["grpc_addr"].GetStringValue(),
		Workers:  int(f["workers"].GetNumberValue()),
	}
	for _, v := range f["pools"].GetListValue().GetValues() {
		inst.Pools = append(inst.Pools, v.GetStringValue())
	}
	if ts := f["started_at"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Instance{}, fmt.Errorf("started_at: %w", err)
		}
		inst.StartedAt = t
	}
	return inst, nil
}

// EtcdClient is the part of *clientv3.Client used for registration.
type EtcdClient interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
}

var _ EtcdClient = (*clientv3.Client)(nil)

// Etcd registers an Instance under prefix/<id>, attached to a lease that is
// kept alive for as long as the registration lasts. When the process dies,
// the record expires with the lease.
type Etcd struct {
	client EtcdClient
	key    string
	inst   Instance
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	lease     clientv3.LeaseID
	stopAlive context.CancelFunc
	aliveDone chan struct{}
}

// NewEtcd returns a Registrar for inst.
func NewEtcd(client EtcdClient, prefix string, inst Instance, ttl time.Duration, logger *slog.Logger) (*Etcd, error) {
	if inst.ID == "" {
		return nil, errors.New("toporeg: instance has no id")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Etcd{
		client: client,
		key:    path.Join(prefix, inst.ID),
		inst:   inst,
		ttl:    max(ttl, time.Second),
		logger: logger.With("key", path.Join(prefix, inst.ID)),
	}, nil
}

// Key returns the key of the record.
func (e *Etcd) Key() string { return e.key }

// Register grants a lease, writes the record under it and starts keeping
// the lease alive.
func (e *Etcd) Register(ctx context.Context) error {
	val, err := e.inst.Marshal()
	if err != nil {
		return err
	}
	grant, err := e.client.Grant(ctx, int64(e.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	if _, err := e.client.Put(ctx, e.key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		e.revoke(grant.ID)
		return fmt.Errorf("put %s: %w", e.key, err)
	}

	aliveCtx, stop := context.WithCancel(context.Background())
	ch, err := e.client.KeepAlive(aliveCtx, grant.ID)
	if err != nil {
		stop()
		e.revoke(grant.ID)
		return fmt.Errorf("keep lease alive: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
		}
		if aliveCtx.Err() == nil {
			e.logger.Warn("lease keepalive ended, the record will expire", "lease", int64(grant.ID))
		}
	}()

	e.mu.Lock()
	e.lease = grant.ID
	e.stopAlive = stop
	e.aliveDone = done
	e.mu.Unlock()
	return nil
}

// Unregister stops the keepalive and revokes the lease, which deletes the
// record.
func (e *Etcd) Unregister(ctx context.Context) error {
	e.mu.Lock()
	lease, stop, done := e.lease, e.stopAlive, e.aliveDone
	e.lease, e.stopAlive, e.aliveDone = clientv3.NoLease, nil, nil
	e.mu.Unlock()

	if stop == nil {
		return nil
	}
	stop()
	<-done
	if _, err := e.client.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

func (e *Etcd) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := e.client.Revoke(ctx, id); err != nil {
		e.logger.Debug("cannot revoke lease", "lease", int64(id), "error", err)
	}
}

// List returns the instances registered under prefix.
func List(ctx context.Context, client EtcdClient, prefix string) ([]Instance, error) {
	resp, err := client.Get(ctx, prefix+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	out := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst, err := UnmarshalInstance(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kv.Key, err)
		}
		out = append(out, inst)
	}
	return out, nil
}
