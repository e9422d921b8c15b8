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

package poolserver

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/poolserver/go/common/mterrors"
	"github.com/multigres/poolserver/go/tools/viperutil"
)

const configPath = "/etc/poolserver/poolserver.yaml"

// loadSettings loads yaml as the config file of a fresh registry.
func loadSettings(t *testing.T, yaml string, args ...string) *Settings {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, configPath, []byte(yaml), 0o644))

	reg := viperutil.NewRegistryWithFs(fs)
	settings := NewSettings(reg)
	vc := viperutil.NewViperConfig(reg)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	vc.RegisterFlags(flags)
	settings.RegisterFlags(flags)
	require.NoError(t, flags.Parse(append([]string{"--config-file", configPath, "--config-watch=false"}, args...)))

	cancel, err := vc.LoadConfig(reg)
	require.NoError(t, err)
	t.Cleanup(cancel)
	return settings
}

func TestDecodePools(t *testing.T) {
	raw := map[string]any{
		"mysql": map[string]any{
			"main": map[string]any{
				"host":     "db1",
				"port":     3306,
				"user":     "app",
				"timeout":  2,
				"charset":  "utf8mb4",
				"aliases":  "shard0,shard1",
				"database": "orders",
				"connection": map[string]any{
					"init": 2, "idle": "4", "max": 8,
				},
			},
		},
		"redis": map[string]any{
			"cache": map[string]any{
				"host":         "cache1",
				"port":         "6379",
				"auth":         "secret",
				"select":       2,
				"timeout":      "1500ms",
				"read_timeout": 0.5,
				"connection":   map[string]any{"max": 4},
				"aliases":      []any{"sessions"},
			},
		},
	}

	pc, err := DecodePools(raw)
	require.NoError(t, err)
	require.NoError(t, pc.Validate())
	assert.Equal(t, 2, pc.Len())

	main := pc.MySQL["main"]
	assert.Equal(t, "db1:3306", main.Addr())
	assert.Equal(t, 2*time.Second, main.Timeout)
	assert.Equal(t, []string{"shard0", "shard1"}, main.Aliases)
	assert.Equal(t, ConnectionConfig{Init: 2, Idle: 4, Max: 8}, main.Connection)

	cache := pc.Redis["cache"]
	assert.Equal(t, 6379, cache.Port)
	assert.Equal(t, 2, cache.Select)
	assert.Equal(t, 1500*time.Millisecond, cache.Timeout)
	assert.Equal(t, 500*time.Millisecond, cache.ReadTimeout)
	assert.Equal(t, []string{"sessions"}, cache.Aliases)
}

func TestDecodePoolsRejectsUnknownKeys(t *testing.T) {
	_, err := DecodePools(map[string]any{
		"mysql": map[string]any{"main": map[string]any{"hots": "db1"}},
	})
	require.Error(t, err)
	assert.True(t, mterrors.IsError(err, "PS1002"))
}

func TestDecodePoolsEmpty(t *testing.T) {
	pc, err := DecodePools(nil)
	require.NoError(t, err)
	assert.Zero(t, pc.Len())
}

func TestPoolConfigValidate(t *testing.T) {
	valid := PoolConfig{Host: "db1", Port: 3306, Connection: ConnectionConfig{Max: 1}}
	tests := []struct {
		name   string
		modify func(*PoolConfig)
		want   string
	}{
		{name: "valid", modify: func(*PoolConfig) {}},
		{name: "no host", modify: func(c *PoolConfig) { c.Host = "" }, want: "has no host"},
		{name: "bad port", modify: func(c *PoolConfig) { c.Port = 70000 }, want: "has port 70000"},
		{name: "negative timeout", modify: func(c *PoolConfig) { c.Timeout = -time.Second }, want: "negative timeout"},
		{name: "no max", modify: func(c *PoolConfig) { c.Connection.Max = 0 }, want: "connection.max"},
		{name: "negative idle", modify: func(c *PoolConfig) { c.Connection.Idle = -1 }, want: "must not be negative"},
		{name: "bad codec", modify: func(c *PoolConfig) { c.Codec = "xml" }, want: "unsupported codec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.modify(&c)
			err := c.Validate("mysql", "main")
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.want)
			assert.True(t, mterrors.IsError(err, "PS1002"))
		})
	}
}

func TestSettingsFromConfigFile(t *testing.T) {
	settings := loadSettings(t, `
workers: 3
listen: 127.0.0.1:9600
max_retry: 5
gc_level: 40
enable_slow_log: true
slow_time: 250ms
etcd:
  endpoints: [etcd1:2379, etcd2:2379]
pools:
  redis:
    cache:
      host: 127.0.0.1
      port: 6379
      connection:
        max: 4
`, "--workers", "2")

	require.NoError(t, settings.Validate())
	assert.Equal(t, 2, settings.workers.Get(), "flags override the file")
	assert.Equal(t, "127.0.0.1:9600", settings.listen.Get())
	assert.Equal(t, 5, settings.maxRetry.Get())
	assert.Equal(t, []string{"etcd1:2379", "etcd2:2379"}, settings.etcdEndpoints.Get())
	assert.Equal(t, Tuning{GCLevel: 40, EnableSlowLog: true, SlowTime: 250 * time.Millisecond}, settings.Tuning())

	pc, err := settings.Pools()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", pc.Redis["cache"].Addr())
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "defaults", yaml: "{}"},
		{name: "no workers", yaml: "workers: 0", want: "workers must be at least 1"},
		{name: "negative retry", yaml: "max_retry: -1", want: "max_retry"},
		{name: "gc level", yaml: "gc_level: 101", want: "gc_level"},
		{name: "codec", yaml: "codec: xml", want: "unsupported codec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := loadSettings(t, tt.yaml).Validate()
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.want)
		})
	}
}
