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
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// fakeEtcd keeps keys in memory. A key written right after a Grant is
// attached to that lease, and revoking the lease deletes it.
type fakeEtcd struct {
	mu        sync.Mutex
	kv        map[string]string
	leaseKeys map[clientv3.LeaseID][]string
	nextLease clientv3.LeaseID
	alive     map[clientv3.LeaseID]bool
	putErr    error
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{
		kv:        make(map[string]string),
		leaseKeys: make(map[clientv3.LeaseID][]string),
		alive:     make(map[clientv3.LeaseID]bool),
	}
}

func (f *fakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.kv[key] = val
	f.leaseKeys[f.nextLease] = append(f.leaseKeys[f.nextLease], key)
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) Get(_ context.Context, prefix string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	resp := &clientv3.GetResponse{}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(f.kv[k])})
	}
	return resp, nil
}

func (f *fakeEtcd) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLease++
	return &clientv3.LeaseGrantResponse{ID: f.nextLease, TTL: ttl}, nil
}

func (f *fakeEtcd) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.leaseKeys[id] {
		delete(f.kv, k)
	}
	delete(f.leaseKeys, id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (f *fakeEtcd) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	f.mu.Lock()
	f.alive[id] = true
	f.mu.Unlock()
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.alive[id] = false
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeEtcd) isAlive(id clientv3.LeaseID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[id]
}

func testInstance() Instance {
	return Instance{
		ID:        "0b6f2a7e-4d1c-4a56-9d5e-3f1a2b3c4d5e",
		Hostname:  "db-proxy-1",
		Addr:      "10.0.0.7:9501",
		GRPCAddr:  "10.0.0.7:15991",
		Workers:   4,
		Pools:     []string{"mysql/main", "redis/cache"},
		StartedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestInstanceRecord(t *testing.T) {
	inst := testInstance()
	b, err := inst.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"grpc_addr"`)

	got, err := UnmarshalInstance(b)
	require.NoError(t, err)
	assert.Equal(t, inst, got)

	_, err = UnmarshalInstance([]byte("{"))
	assert.Error(t, err)
}

func TestEtcdRegisterAndUnregister(t *testing.T) {
	client := newFakeEtcd()
	e, err := NewEtcd(client, "/poolserver/instances", testInstance(), 10*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "/poolserver/instances/0b6f2a7e-4d1c-4a56-9d5e-3f1a2b3c4d5e", e.Key())

	ctx := context.Background()
	require.NoError(t, e.Register(ctx))
	assert.True(t, client.isAlive(1))

	list, err := List(ctx, client, "/poolserver/instances")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "db-proxy-1", list[0].Hostname)

	require.NoError(t, e.Unregister(ctx))
	assert.False(t, client.isAlive(1))
	list, err = List(ctx, client, "/poolserver/instances")
	require.NoError(t, err)
	assert.Empty(t, list)

	// A second unregister has nothing to do.
	require.NoError(t, e.Unregister(ctx))
}

func TestEtcdPutFailureRevokesLease(t *testing.T) {
	client := newFakeEtcd()
	client.putErr = errors.New("etcdserver: request timed out")
	e, err := NewEtcd(client, "/ps", testInstance(), time.Second, nil)
	require.NoError(t, err)

	err = e.Register(context.Background())
	require.ErrorContains(t, err, "request timed out")
	assert.False(t, client.isAlive(1))
	assert.NoError(t, e.Unregister(context.Background()))
}

func TestEtcdWithTopoReg(t *testing.T) {
	client := newFakeEtcd()
	e, err := NewEtcd(client, "/ps", testInstance(), time.Second, nil)
	require.NoError(t, err)

	tr := Register(e, nil, nil)
	list, err := List(context.Background(), client, "/ps")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	tr.Unregister()
	list, err = List(context.Background(), client, "/ps")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNewEtcdNeedsID(t *testing.T) {
	_, err := NewEtcd(newFakeEtcd(), "/ps", Instance{}, time.Second, nil)
	assert.Error(t, err)
}
