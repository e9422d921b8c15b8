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
	"fmt"
	"maps"
	"net"
	"reflect"
	"slices"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"

	"github.com/multigres/poolserver/go/common/envelope"
	"github.com/multigres/poolserver/go/common/mterrors"
	"github.com/multigres/poolserver/go/services/poolserver/pools/resource"
	"github.com/multigres/poolserver/go/tools/viperutil"
)

// ConnectionConfig sizes a pool.
type ConnectionConfig struct {
	Init int `mapstructure:"init"`
	Idle int `mapstructure:"idle"`
	Max  int `mapstructure:"max"`
}

// PoolConfig is the configuration of one pool, as found under
// pools.<kind>.<name> in the config file.
type PoolConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Charset  string `mapstructure:"charset"`
	// Auth and Select apply to redis pools.
	Auth   string `mapstructure:"auth"`
	Select int    `mapstructure:"select"`
	// Timeout accepts a duration string or a number of seconds.
	Timeout     time.Duration `mapstructure:"timeout"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// Codec names the envelope codec of tcp pools.
	Codec string `mapstructure:"codec"`

	Connection ConnectionConfig `mapstructure:"connection"`
	Aliases    []string         `mapstructure:"aliases"`
}

// Addr returns host:port.
func (c PoolConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the pool named name of the given kind.
func (c PoolConfig) Validate(kind, name string) error {
	switch {
	case c.Host == "":
		return mterrors.PS1002(fmt.Sprintf("%s pool %q has no host", kind, name))
	case c.Port <= 0 || c.Port > 65535:
		return mterrors.PS1002(fmt.Sprintf("%s pool %q has port %d", kind, name, c.Port))
	case c.Timeout < 0:
		return mterrors.PS1002(fmt.Sprintf("%s pool %q has a negative timeout", kind, name))
	case c.Connection.Max <= 0:
		return mterrors.PS1002(fmt.Sprintf("%s pool %q: connection.max must be positive", kind, name))
	case c.Connection.Init < 0 || c.Connection.Idle < 0:
		return mterrors.PS1002(fmt.Sprintf("%s pool %q: connection sizes must not be negative", kind, name))
	}
	if c.Codec != "" {
		if _, err := envelope.CodecByName(c.Codec); err != nil {
			return mterrors.PS1002(fmt.Sprintf("%s pool %q: %v", kind, name, err))
		}
	}
	return nil
}

// PoolsConfig holds every pool, keyed by name within each kind.
type PoolsConfig struct {
	MySQL map[string]PoolConfig `mapstructure:"mysql"`
	Redis map[string]PoolConfig `mapstructure:"redis"`
	TCP   map[string]PoolConfig `mapstructure:"tcp"`
}

// Validate checks every pool.
func (pc PoolsConfig) Validate() error {
	for kind, pools := range pc.byKind() {
		for _, name := range slices.Sorted(maps.Keys(pools)) {
			if err := pools[name].Validate(kind, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (pc PoolsConfig) byKind() map[string]map[string]PoolConfig {
	return map[string]map[string]PoolConfig{
		"mysql": pc.MySQL,
		"redis": pc.Redis,
		"tcp":   pc.TCP,
	}
}

// Len returns the number of pools.
func (pc PoolsConfig) Len() int {
	return len(pc.MySQL) + len(pc.Redis) + len(pc.TCP)
}

// DecodePools decodes the raw value of the pools key.
func DecodePools(raw any) (PoolsConfig, error) {
	var pc PoolsConfig
	if raw == nil {
		return pc, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &pc,
	})
	if err != nil {
		return pc, err
	}
	if err := dec.Decode(raw); err != nil {
		return pc, mterrors.PS1002(err.Error())
	}
	return pc, nil
}

// secondsHookFunc reads plain numbers as a number of seconds.
func secondsHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeFor[time.Duration]()
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case uint64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		}
		return data, nil
	}
}

// DefaultEtcdPrefix is the etcd key prefix of instance records.
const DefaultEtcdPrefix = "/poolserver/instances"

// Settings are the server-wide settings. gc_level, enable_slow_log and
// slow_time follow config reloads.
type Settings struct {
	reg *viperutil.Registry

	workers    viperutil.Value[int]
	listen     viperutil.Value[string]
	codec      viperutil.Value[string]
	maxRetry   viperutil.Value[int]
	dispatchTO viperutil.Value[time.Duration]

	gcLevel       viperutil.Value[int]
	enableSlowLog viperutil.Value[bool]
	slowTime      viperutil.Value[time.Duration]

	etcdEndpoints viperutil.Value[[]string]
	etcdPrefix    viperutil.Value[string]
	etcdLeaseTTL  viperutil.Value[time.Duration]
}

// NewSettings registers the server settings in reg.
func NewSettings(reg *viperutil.Registry) *Settings {
	return &Settings{
		reg: reg,
		workers: viperutil.Configure(reg, "workers", viperutil.Options[int]{
			Default:  1,
			FlagName: "workers",
			EnvVars:  []string{"PS_WORKERS"},
		}),
		listen: viperutil.Configure(reg, "listen", viperutil.Options[string]{
			Default:  ":9501",
			FlagName: "listen",
			EnvVars:  []string{"PS_LISTEN"},
		}),
		codec: viperutil.Configure(reg, "codec", viperutil.Options[string]{
			Default:  "msgpack",
			FlagName: "codec",
		}),
		maxRetry: viperutil.Configure(reg, "max_retry", viperutil.Options[int]{
			Default:  resource.DefaultMaxRetry,
			FlagName: "max-retry",
		}),
		dispatchTO: viperutil.Configure(reg, "request_timeout", viperutil.Options[time.Duration]{
			Default:  30 * time.Second,
			FlagName: "request-timeout",
		}),
		gcLevel: viperutil.Configure(reg, "gc_level", viperutil.Options[int]{
			Default:  0,
			FlagName: "gc-level",
			Dynamic:  true,
		}),
		enableSlowLog: viperutil.Configure(reg, "enable_slow_log", viperutil.Options[bool]{
			FlagName: "enable-slow-log",
			Dynamic:  true,
		}),
		slowTime: viperutil.Configure(reg, "slow_time", viperutil.Options[time.Duration]{
			Default:  time.Second,
			FlagName: "slow-time",
			Dynamic:  true,
		}),
		etcdEndpoints: viperutil.Configure(reg, "etcd.endpoints", viperutil.Options[[]string]{
			FlagName: "etcd-endpoints",
			EnvVars:  []string{"PS_ETCD_ENDPOINTS"},
		}),
		etcdPrefix: viperutil.Configure(reg, "etcd.prefix", viperutil.Options[string]{
			Default:  DefaultEtcdPrefix,
			FlagName: "etcd-prefix",
		}),
		etcdLeaseTTL: viperutil.Configure(reg, "etcd.lease_ttl", viperutil.Options[time.Duration]{
			Default:  30 * time.Second,
			FlagName: "etcd-lease-ttl",
		}),
	}
}

// RegisterFlags registers the server flags.
func (s *Settings) RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("workers", s.workers.Default(), "number of workers, each with its own event loop and pools")
	fs.String("listen", s.listen.Default(), "address of the TCP front end")
	fs.String("codec", s.codec.Default(), "envelope codec of the TCP front end (msgpack, json, protobuf)")
	fs.Int("max-retry", s.maxRetry.Default(), "how often a command waits for a connection before it fails")
	fs.Duration("request-timeout", s.dispatchTO.Default(), "upper bound on the time a front end request may run")
	fs.Int("gc-level", s.gcLevel.Default(), "probability, in percent, that borrowing a connection trims idle connections")
	fs.Bool("enable-slow-log", s.enableSlowLog.Default(), "log commands slower than --slow-time")
	fs.Duration("slow-time", s.slowTime.Default(), "slow command threshold")
	fs.StringSlice("etcd-endpoints", s.etcdEndpoints.Default(), "etcd endpoints to register this instance with. Registration is off when empty.")
	fs.String("etcd-prefix", s.etcdPrefix.Default(), "etcd key prefix of instance records")
	fs.Duration("etcd-lease-ttl", s.etcdLeaseTTL.Default(), "TTL of the etcd lease that keeps the instance record alive")

	viperutil.BindFlags(fs,
		s.workers,
		s.listen,
		s.codec,
		s.maxRetry,
		s.dispatchTO,
		s.gcLevel,
		s.enableSlowLog,
		s.slowTime,
		s.etcdEndpoints,
		s.etcdPrefix,
		s.etcdLeaseTTL,
	)
}

// Pools decodes and validates the pools of the loaded config.
func (s *Settings) Pools() (PoolsConfig, error) {
	pc, err := DecodePools(s.reg.Static().Get("pools"))
	if err != nil {
		return pc, err
	}
	return pc, pc.Validate()
}

// Validate checks the server-wide settings.
func (s *Settings) Validate() error {
	switch {
	case s.workers.Get() < 1:
		return mterrors.PS1002(fmt.Sprintf("workers must be at least 1, got %d", s.workers.Get()))
	case s.maxRetry.Get() < 0:
		return mterrors.PS1002("max_retry must not be negative")
	case s.gcLevel.Get() < 0 || s.gcLevel.Get() > 100:
		return mterrors.PS1002(fmt.Sprintf("gc_level must be within [0, 100], got %d", s.gcLevel.Get()))
	}
	if _, err := envelope.CodecByName(s.codec.Get()); err != nil {
		return mterrors.PS1002(err.Error())
	}
	return nil
}

// Tuning is the part of the settings that follows reloads.
type Tuning struct {
	GCLevel       int
	EnableSlowLog bool
	SlowTime      time.Duration
}

// Tuning returns the current reloadable settings. An out of range gc_level
// is clamped.
func (s *Settings) Tuning() Tuning {
	return Tuning{
		GCLevel:       min(max(s.gcLevel.Get(), 0), 100),
		EnableSlowLog: s.enableSlowLog.Get(),
		SlowTime:      s.slowTime.Get(),
	}
}
