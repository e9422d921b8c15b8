// Copyright 2023 The Vitess Authors.
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

package viperutil

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ViperConfig locates, loads and watches the config file.
type ViperConfig struct {
	configPaths Value[[]string]
	configType  Value[string]
	configName  Value[string]
	configFile  Value[string]
	configWatch Value[bool]
	missing     Value[MissingFile]
}

func NewViperConfig(reg *Registry) *ViperConfig {
	paths := []string{"."}
	if root := os.Getenv("PSDATAROOT"); root != "" {
		paths = []string{root, "."}
	}
	return &ViperConfig{
		configPaths: Configure(reg, "config.paths", Options[[]string]{FlagName: "config-path", Default: paths, EnvVars: []string{"PS_CONFIG_PATH"}}),
		configType:  Configure(reg, "config.type", Options[string]{FlagName: "config-type", EnvVars: []string{"PS_CONFIG_TYPE"}}),
		configName:  Configure(reg, "config.name", Options[string]{FlagName: "config-name", Default: "poolserver", EnvVars: []string{"PS_CONFIG_NAME"}}),
		configFile:  Configure(reg, "config.file", Options[string]{FlagName: "config-file", EnvVars: []string{"PS_CONFIG_FILE"}}),
		configWatch: Configure(reg, "config.watch", Options[bool]{FlagName: "config-watch", Default: true}),
		missing:     Configure(reg, "config.missing", Options[MissingFile]{FlagName: "config-missing", Default: MissingWarn, GetFunc: getMissingFile}),
	}
}

// RegisterFlags installs the flags that control config loading.
func (vc *ViperConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("config-path", vc.configPaths.Default(), "Directories searched for --config-name.")
	fs.String("config-type", vc.configType.Default(), "Config format (yaml, json, toml). Inferred from the extension when empty.")
	fs.String("config-name", vc.configName.Default(), "Config file name, without extension, searched for in --config-path.")
	fs.String("config-file", vc.configFile.Default(), "Config file path. Takes precedence over --config-path and --config-name.")
	fs.Bool("config-watch", vc.configWatch.Default(), "Reload dynamic settings when the config file changes.")
	m := vc.missing.Default()
	fs.Var(&m, "config-missing", "What to do when no config file is found: "+strings.Join(missingNames[:], ", ")+".")
	BindFlags(fs, vc.configPaths, vc.configType, vc.configName, vc.configFile, vc.configWatch, vc.missing)
}

// LoadConfig reads the config file into reg and copies its dynamic settings
// into the dynamic side. With --config-watch the file is then watched; the
// returned function stops the watcher. A missing file is handled according
// to --config-missing.
func (vc *ViperConfig) LoadConfig(reg *Registry) (context.CancelFunc, error) {
	noop := func() {}
	err := vc.read(reg.static)
	switch {
	case err == nil:
	case errors.As(err, &viper.ConfigFileNotFoundError{}) || errors.Is(err, fs.ErrNotExist):
		switch vc.missing.Get() {
		case MissingError:
			return nil, fmt.Errorf("config file not found: %w", err)
		case MissingWarn:
			slog.Warn("no config file, using flags and defaults", "err", err)
		}
		return noop, nil
	default:
		return nil, err
	}

	reg.reload(reg.static)
	if !vc.configWatch.Get() {
		return noop, nil
	}
	return watch(reg, reg.static.ConfigFileUsed(), vc.configType.Get())
}

// read points v at --config-file, or else at --config-name searched for in
// --config-path, and reads it.
func (vc *ViperConfig) read(v *viper.Viper) error {
	if t := vc.configType.Get(); t != "" {
		v.SetConfigType(t)
	}
	if file := vc.configFile.Get(); file != "" {
		v.SetConfigFile(file)
		return v.ReadInConfig()
	}
	name := vc.configName.Get()
	if name == "" {
		return viper.ConfigFileNotFoundError{}
	}
	v.SetConfigName(name)
	for _, dir := range vc.configPaths.Get() {
		v.AddConfigPath(dir)
	}
	return v.ReadInConfig()
}

// watch reloads the dynamic registry from file whenever it is written. The
// parent directory is watched because editors often replace the file.
func watch(reg *Registry, file, cfgType string) (context.CancelFunc, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(file)); err != nil {
		return nil, errors.Join(err, w.Close())
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		target := filepath.Clean(file)
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := reloadFile(reg, file, cfgType); err != nil {
					slog.Warn("config reload failed", "file", file, "err", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			}
		}
	}()

	return func() {
		close(stop)
		_ = w.Close()
		<-done
	}, nil
}

// reloadFile re-reads file and copies its dynamic settings into reg.
func reloadFile(reg *Registry, file, cfgType string) error {
	v := viper.New()
	v.SetFs(reg.fs)
	v.SetConfigFile(file)
	if cfgType != "" {
		v.SetConfigType(cfgType)
	}
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	reg.reload(v)
	return nil
}

// MissingFile is what LoadConfig does when there is no config file.
type MissingFile int

const (
	MissingIgnore MissingFile = iota
	MissingWarn
	MissingError
)

var missingNames = [...]string{"ignore", "warn", "error"}

func (m MissingFile) String() string {
	if m < 0 || int(m) >= len(missingNames) {
		return fmt.Sprintf("MissingFile(%d)", int(m))
	}
	return missingNames[m]
}

func (m *MissingFile) UnmarshalText(text []byte) error {
	for i, name := range missingNames {
		if strings.EqualFold(string(text), name) {
			*m = MissingFile(i)
			return nil
		}
	}
	return fmt.Errorf("unknown config-missing value %q", text)
}

// Set and Type make *MissingFile a pflag.Value.
func (m *MissingFile) Set(s string) error { return m.UnmarshalText([]byte(s)) }
func (m *MissingFile) Type() string       { return "ignore|warn|error" }

// getMissingFile accepts a name or a number. Anything else falls back to
// MissingWarn.
func getMissingFile(v *viper.Viper) func(key string) MissingFile {
	return func(key string) MissingFile {
		var m MissingFile
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook: mapstructure.TextUnmarshallerHookFunc(),
			Result:     &m,
		})
		if err == nil {
			err = dec.Decode(v.Get(key))
		}
		if err == nil && (m < 0 || int(m) >= len(missingNames)) {
			err = fmt.Errorf("config-missing value %d out of range", int(m))
		}
		if err != nil {
			slog.Warn("invalid config value", "key", key, "err", err, "using", MissingWarn.String())
			return MissingWarn
		}
		return m
	}
}
