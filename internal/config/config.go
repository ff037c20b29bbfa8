// Package config loads the control panel configuration file.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/devpanel/internal/descriptor"
	"github.com/loykin/devpanel/internal/env"
	"github.com/loykin/devpanel/internal/logger"
	"github.com/loykin/devpanel/internal/tls"
)

// EnvPrefix is the prefix of environment variables overriding file settings,
// e.g. DEVPANEL_SERVER_LISTEN or DEVPANEL_ORCHESTRATOR_MAX_PARALLEL.
const EnvPrefix = "DEVPANEL"

// FileConfig represents the top-level configuration structure.
type FileConfig struct {
	Env          []string                `mapstructure:"env"`
	EnvFiles     []string                `mapstructure:"env_files"`
	Log          logger.SlogConfig       `mapstructure:"log"`
	Output       logger.Config           `mapstructure:"output"`
	Bus          BusConfig               `mapstructure:"bus"`
	Orchestrator OrchestratorConfig      `mapstructure:"orchestrator"`
	Server       ServerConfig            `mapstructure:"server"`
	History      HistoryConfig           `mapstructure:"history"`
	Servers      []descriptor.Descriptor `mapstructure:"servers"`

	path string
}

type BusConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type OrchestratorConfig struct {
	// MaxParallel bounds concurrent operations within one weight tier; 0 is unbounded.
	MaxParallel   int           `mapstructure:"max_parallel"`
	TailLines     int           `mapstructure:"tail_lines"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// Watch reloads server definitions when the file changes.
	Watch bool `mapstructure:"watch"`
}

type ServerConfig struct {
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	Metrics  bool       `mapstructure:"metrics"`
	TLS      tls.Config `mapstructure:"tls"`
}

type HistoryConfig struct {
	Sinks   []string      `mapstructure:"sinks"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.show_time", true)
	v.SetDefault("log.file", "")
	v.SetDefault("output.dir", "")
	v.SetDefault("bus.queue_size", 64)
	v.SetDefault("orchestrator.max_parallel", 0)
	v.SetDefault("orchestrator.tail_lines", 200)
	v.SetDefault("orchestrator.probe_interval", "100ms")
	v.SetDefault("orchestrator.watch", false)
	v.SetDefault("server.listen", "127.0.0.1:7788")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.metrics", true)
	v.SetDefault("history.timeout", "5s")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("toml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
}

// Load reads and validates the configuration at path. The format follows the
// file extension (toml, yaml, json); files without extension are TOML.
func Load(path string) (*FileConfig, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v, path)
}

// Defaults returns the configuration used when no file is given.
func Defaults() *FileConfig {
	v := viper.New()
	setDefaults(v)
	var fc FileConfig
	_ = v.Unmarshal(&fc, decodeHook())
	return &fc
}

func decode(v *viper.Viper, path string) (*FileConfig, error) {
	var fc FileConfig
	if err := v.Unmarshal(&fc, decodeHook()); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	fc.path = path
	fc.resolvePaths()
	if err := descriptor.ValidateSet(fc.Servers); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &fc, nil
}

// resolvePaths makes relative directories relative to the config file.
func (fc *FileConfig) resolvePaths() {
	base := filepath.Dir(fc.path)
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	fc.Output.Dir = rel(fc.Output.Dir)
	fc.Server.TLS.Dir = rel(fc.Server.TLS.Dir)
	fc.Server.TLS.CertFile = rel(fc.Server.TLS.CertFile)
	fc.Server.TLS.KeyFile = rel(fc.Server.TLS.KeyFile)
	for i := range fc.EnvFiles {
		fc.EnvFiles[i] = rel(fc.EnvFiles[i])
	}
	for i := range fc.Servers {
		fc.Servers[i].WorkDir = rel(fc.Servers[i].WorkDir)
		fc.Servers[i].Log.Dir = rel(fc.Servers[i].Log.Dir)
	}
}

// Path is the file the configuration was read from.
func (fc *FileConfig) Path() string { return fc.path }

// Descriptors returns the server descriptors with defaults applied.
func (fc *FileConfig) Descriptors() []descriptor.Descriptor {
	out := make([]descriptor.Descriptor, len(fc.Servers))
	for i, d := range fc.Servers {
		out[i] = d.WithDefaults()
	}
	return out
}

// GlobalEnv builds the environment shared by all servers. Files listed in
// env_files are applied in order, then the top-level env list overrides.
func (fc *FileConfig) GlobalEnv() (*env.Env, error) {
	e := env.New()
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	for k, v := range env.Parse(fc.Env) {
		e.Set(k, v)
	}
	return e, nil
}
