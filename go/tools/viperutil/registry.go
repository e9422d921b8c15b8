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

// Package viperutil wraps viper with typed, registry-scoped config values.
//
// Static values keep the value they had when the config was loaded. Dynamic
// values follow the config file: when it changes on disk they are reloaded
// and subscribers registered with NotifyConfigReload are told.
package viperutil

import (
	"slices"
	"sync"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Registry holds the static and dynamic viper instances of one binary.
type Registry struct {
	fs afero.Fs

	static *viper.Viper

	// mu guards dynamic, which reloads replace while readers Get.
	mu          sync.RWMutex
	dynamic     *viper.Viper
	dynamicKeys []string

	subsMu sync.Mutex
	subs   []chan<- struct{}
}

// NewRegistry creates a registry reading config files from the OS.
func NewRegistry() *Registry {
	return NewRegistryWithFs(afero.NewOsFs())
}

// NewRegistryWithFs creates a registry reading config files from fs.
func NewRegistryWithFs(fs afero.Fs) *Registry {
	reg := &Registry{
		fs:      fs,
		static:  viper.New(),
		dynamic: viper.New(),
	}
	reg.static.SetFs(fs)
	reg.dynamic.SetFs(fs)
	return reg
}

// Static returns the static viper instance, for reading structured sections
// that are not registered as values.
func (reg *Registry) Static() *viper.Viper { return reg.static }

// Combined returns a viper instance holding the settings of both registries.
func (reg *Registry) Combined() *viper.Viper {
	v := viper.New()
	_ = v.MergeConfigMap(reg.static.AllSettings())
	reg.mu.RLock()
	_ = v.MergeConfigMap(reg.dynamic.AllSettings())
	reg.mu.RUnlock()
	v.SetConfigFile(reg.static.ConfigFileUsed())
	return v
}

// reload copies the dynamic keys from src, then notifies subscribers.
func (reg *Registry) reload(src *viper.Viper) {
	reg.mu.Lock()
	for _, key := range reg.dynamicKeys {
		if src.IsSet(key) {
			reg.dynamic.Set(key, src.Get(key))
		}
	}
	reg.mu.Unlock()

	reg.subsMu.Lock()
	subs := slices.Clone(reg.subs)
	reg.subsMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// NotifyConfigReload subscribes ch to dynamic reloads. Like signal.Notify,
// sends do not block, so ch should be buffered.
func NotifyConfigReload(reg *Registry, ch chan<- struct{}) {
	reg.subsMu.Lock()
	defer reg.subsMu.Unlock()
	reg.subs = append(reg.subs, ch)
}
