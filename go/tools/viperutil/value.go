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

package viperutil

import (
	"log/slog"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Options configures a value.
type Options[T any] struct {
	Default T
	// FlagName is the flag BindFlags binds the value to.
	FlagName string
	// EnvVars are environment variables consulted, in order, before the
	// config file.
	EnvVars []string
	// Dynamic values are reloaded when the config file changes.
	Dynamic bool
	// GetFunc overrides how the value is read from viper.
	GetFunc func(v *viper.Viper) func(key string) T
}

// Value is a typed config value.
type Value[T any] interface {
	Key() string
	Get() T
	Default() T
	Set(v T)

	bindable
}

type bindable interface {
	flagName() string
	bind(f *pflag.Flag) error
}

type value[T any] struct {
	reg     *Registry
	key     string
	def     T
	flag    string
	dynamic bool
	getFunc func(v *viper.Viper) func(key string) T
}

// Configure registers key in reg and returns its value.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	v := &value[T]{
		reg:     reg,
		key:     key,
		def:     opts.Default,
		flag:    opts.FlagName,
		dynamic: opts.Dynamic,
		getFunc: opts.GetFunc,
	}
	if v.getFunc == nil {
		v.getFunc = getter[T]
	}

	target := reg.static
	if opts.Dynamic {
		reg.mu.Lock()
		target = reg.dynamic
		reg.dynamicKeys = append(reg.dynamicKeys, key)
		defer reg.mu.Unlock()
	}
	target.SetDefault(key, opts.Default)
	if len(opts.EnvVars) > 0 {
		if err := target.BindEnv(append([]string{key}, opts.EnvVars...)...); err != nil {
			slog.Warn("failed to bind env vars", "key", key, "error", err)
		}
	}
	return v
}

func (v *value[T]) Key() string      { return v.key }
func (v *value[T]) Default() T       { return v.def }
func (v *value[T]) flagName() string { return v.flag }

func (v *value[T]) Get() T {
	if !v.dynamic {
		return v.getFunc(v.reg.static)(v.key)
	}
	v.reg.mu.RLock()
	defer v.reg.mu.RUnlock()
	return v.getFunc(v.reg.dynamic)(v.key)
}

func (v *value[T]) Set(val T) {
	if !v.dynamic {
		v.reg.static.Set(v.key, val)
		return
	}
	v.reg.mu.Lock()
	defer v.reg.mu.Unlock()
	v.reg.dynamic.Set(v.key, val)
}

func (v *value[T]) bind(f *pflag.Flag) error {
	if !v.dynamic {
		return v.reg.static.BindPFlag(v.key, f)
	}
	v.reg.mu.Lock()
	defer v.reg.mu.Unlock()
	return v.reg.dynamic.BindPFlag(v.key, f)
}

// BindFlags binds each value to its flag in fs. Values without a flag, or
// whose flag is not defined in fs, are skipped.
func BindFlags(fs *pflag.FlagSet, values ...bindable) {
	for _, v := range values {
		name := v.flagName()
		if name == "" {
			continue
		}
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.bind(f); err != nil {
			slog.Warn("failed to bind flag", "flag", name, "error", err)
		}
	}
}

// getter reads keys of type T with the matching viper accessor.
func getter[T any](v *viper.Viper) func(key string) T {
	var zero T
	var get func(key string) any
	switch any(zero).(type) {
	case string:
		get = func(key string) any { return v.GetString(key) }
	case bool:
		get = func(key string) any { return v.GetBool(key) }
	case int:
		get = func(key string) any { return v.GetInt(key) }
	case int64:
		get = func(key string) any { return v.GetInt64(key) }
	case float64:
		get = func(key string) any { return v.GetFloat64(key) }
	case time.Duration:
		get = func(key string) any { return v.GetDuration(key) }
	case []string:
		get = func(key string) any { return v.GetStringSlice(key) }
	default:
		return func(key string) T {
			var out T
			if err := v.UnmarshalKey(key, &out); err != nil {
				slog.Warn("failed to unmarshal config value", "key", key, "error", err)
			}
			return out
		}
	}
	return func(key string) T { return get(key).(T) }
}
