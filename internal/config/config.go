package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/sidekeeper/internal/env"
	"github.com/loykin/sidekeeper/internal/health"
	"github.com/loykin/sidekeeper/internal/logger"
	"github.com/loykin/sidekeeper/internal/monitor"
	"github.com/loykin/sidekeeper/internal/port"
	"github.com/loykin/sidekeeper/internal/process"
	"github.com/loykin/sidekeeper/internal/restart"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SIDEKEEPER_BACKEND_BINARY.
const EnvPrefix = "SIDEKEEPER"

var ErrInvalidConfig = errors.New("invalid config")

// Config represents the top-level TOML structure.
//
//	use_os_env = true
//	env_files  = [".env"]
//	env        = ["RUST_LOG=info"]
//
//	[backend]
//	name = "api"
//	binary = "/usr/local/bin/api-server"
//	default_port = 8765
//
//	[health]
//	interval = "5s"
//
//	[server]
//	listen = "127.0.0.1:8764"
type Config struct {
	Env      []string      `mapstructure:"env"`
	EnvFiles []string      `mapstructure:"env_files"`
	UseOSEnv bool          `mapstructure:"use_os_env"`
	Backend  BackendConfig `mapstructure:"backend"`
	Health   HealthConfig  `mapstructure:"health"`
	Restart  RestartConfig `mapstructure:"restart"`
	Server   ServerConfig  `mapstructure:"server"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
	Log      logger.Config `mapstructure:"log"`
}

type BackendConfig struct {
	Name        string            `mapstructure:"name"`
	Binary      string            `mapstructure:"binary"`
	Args        []string          `mapstructure:"args"`
	WorkDir     string            `mapstructure:"work_dir"`
	Env         []string          `mapstructure:"env"`
	Host        string            `mapstructure:"host"`
	DefaultPort int               `mapstructure:"default_port"`
	Log         logger.FileConfig `mapstructure:"log"`
}

type HealthConfig struct {
	Host             string        `mapstructure:"host"`
	Path             string        `mapstructure:"path"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SampleProcess    bool          `mapstructure:"sample_process"`
}

type RestartConfig struct {
	CrashDelay       time.Duration `mapstructure:"crash_delay"`
	PortReleaseDelay time.Duration `mapstructure:"port_release_delay"`
	KillTimeout      time.Duration `mapstructure:"kill_timeout"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		UseOSEnv: true,
		Backend: BackendConfig{
			Name:        "backend",
			Host:        port.DefaultHost,
			DefaultPort: port.DefaultPort,
		},
		Health: HealthConfig{
			Host:             health.DefaultHost,
			Path:             health.DefaultPath,
			InitialDelay:     health.DefaultInitialDelay,
			Interval:         health.DefaultInterval,
			Timeout:          health.DefaultTimeout,
			FailureThreshold: health.DefaultFailureThreshold,
			SampleProcess:    true,
		},
		Restart: RestartConfig{
			CrashDelay:       monitor.DefaultCrashDelay,
			PortReleaseDelay: restart.DefaultPortReleaseDelay,
			KillTimeout:      process.DefaultKillTimeout,
		},
		Server: ServerConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8764",
		},
		Metrics: MetricsConfig{Enabled: true},
		Log: logger.Config{
			Slog: logger.SlogConfig{
				Level:      logger.LevelInfo,
				Format:     logger.FormatText,
				TimeStamps: true,
			},
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("use_os_env", d.UseOSEnv)
	v.SetDefault("env", d.Env)
	v.SetDefault("env_files", d.EnvFiles)

	v.SetDefault("backend.name", d.Backend.Name)
	v.SetDefault("backend.binary", d.Backend.Binary)
	v.SetDefault("backend.args", d.Backend.Args)
	v.SetDefault("backend.work_dir", d.Backend.WorkDir)
	v.SetDefault("backend.env", d.Backend.Env)
	v.SetDefault("backend.host", d.Backend.Host)
	v.SetDefault("backend.default_port", d.Backend.DefaultPort)
	setFileDefaults(v, "backend.log", d.Backend.Log)

	v.SetDefault("health.host", d.Health.Host)
	v.SetDefault("health.path", d.Health.Path)
	v.SetDefault("health.initial_delay", d.Health.InitialDelay)
	v.SetDefault("health.interval", d.Health.Interval)
	v.SetDefault("health.timeout", d.Health.Timeout)
	v.SetDefault("health.failure_threshold", d.Health.FailureThreshold)
	v.SetDefault("health.sample_process", d.Health.SampleProcess)

	v.SetDefault("restart.crash_delay", d.Restart.CrashDelay)
	v.SetDefault("restart.port_release_delay", d.Restart.PortReleaseDelay)
	v.SetDefault("restart.kill_timeout", d.Restart.KillTimeout)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)

	v.SetDefault("log.slog.level", d.Log.Slog.Level)
	v.SetDefault("log.slog.format", d.Log.Slog.Format)
	v.SetDefault("log.slog.color", d.Log.Slog.Color)
	v.SetDefault("log.slog.timestamps", d.Log.Slog.TimeStamps)
	v.SetDefault("log.slog.source", d.Log.Slog.Source)
	setFileDefaults(v, "log.file", d.Log.File)
}

func setFileDefaults(v *viper.Viper, prefix string, f logger.FileConfig) {
	v.SetDefault(prefix+".dir", f.Dir)
	v.SetDefault(prefix+".stdout", f.StdoutPath)
	v.SetDefault(prefix+".stderr", f.StderrPath)
	v.SetDefault(prefix+".max_size_mb", f.MaxSizeMB)
	v.SetDefault(prefix+".max_backups", f.MaxBackups)
	v.SetDefault(prefix+".max_age_days", f.MaxAgeDays)
	v.SetDefault(prefix+".compress", f.Compress)
}

// LoadConfig reads a TOML file (optional when path is empty), applies
// SIDEKEEPER_* environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigWithOverrides(path, nil)
}

// LoadConfigWithOverrides is LoadConfig with explicit key overrides, e.g.
// {"backend.binary": "./api"}, taking precedence over file and environment.
func LoadConfigWithOverrides(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for k, val := range overrides {
		v.Set(k, val)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		// relative env files are resolved against the config file
		base := filepath.Dir(path)
		for i, f := range c.EnvFiles {
			if !filepath.IsAbs(f) {
				c.EnvFiles[i] = filepath.Join(base, f)
			}
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the fields the supervisor cannot default.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Backend.Binary) == "" {
		errs = append(errs, errors.New("backend.binary is required"))
	}
	if c.Backend.Name == "" {
		errs = append(errs, errors.New("backend.name is required"))
	}
	if c.Backend.DefaultPort < 1 || c.Backend.DefaultPort > math.MaxUint16 {
		errs = append(errs, fmt.Errorf("backend.default_port must be within 1..65535, got %d", c.Backend.DefaultPort))
	}
	if c.Health.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("health.failure_threshold must be >= 1, got %d", c.Health.FailureThreshold))
	}
	for name, d := range map[string]time.Duration{
		"health.initial_delay":       c.Health.InitialDelay,
		"health.interval":            c.Health.Interval,
		"health.timeout":             c.Health.Timeout,
		"restart.crash_delay":        c.Restart.CrashDelay,
		"restart.port_release_delay": c.Restart.PortReleaseDelay,
		"restart.kill_timeout":       c.Restart.KillTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	switch c.Log.Slog.Format {
	case "", logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.slog.format must be text or json, got %q", c.Log.Slog.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// BackendSpec returns the launch spec. Output file settings start from
// [log.file] and are overridden field by field by [backend.log].
func (c *Config) BackendSpec() process.Spec {
	logCfg := c.Log.File
	pl := c.Backend.Log
	if pl.Dir != "" {
		logCfg.Dir = pl.Dir
	}
	if pl.StdoutPath != "" {
		logCfg.StdoutPath = pl.StdoutPath
	}
	if pl.StderrPath != "" {
		logCfg.StderrPath = pl.StderrPath
	}
	if pl.MaxSizeMB != 0 {
		logCfg.MaxSizeMB = pl.MaxSizeMB
	}
	if pl.MaxBackups != 0 {
		logCfg.MaxBackups = pl.MaxBackups
	}
	if pl.MaxAgeDays != 0 {
		logCfg.MaxAgeDays = pl.MaxAgeDays
	}
	if pl.Compress {
		logCfg.Compress = true
	}
	return process.Spec{
		Name:    c.Backend.Name,
		Binary:  c.Backend.Binary,
		Args:    c.Backend.Args,
		WorkDir: c.Backend.WorkDir,
		Env:     c.Backend.Env,
		Log:     logCfg,
	}
}

// PortAllocator returns the allocator for [backend] host and default_port.
func (c *Config) PortAllocator() port.Allocator {
	return port.Allocator{Host: c.Backend.Host, DefaultPort: uint16(c.Backend.DefaultPort)}
}

// BackendEnv builds the global environment: the OS environment when
// use_os_env is set, then env_files in order, then the top-level env list.
func (c *Config) BackendEnv() (*env.Env, error) {
	e := env.Isolated()
	if c.UseOSEnv {
		e = env.New()
	}
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		e.SetAll(pairs)
	}
	e.SetAll(c.Env)
	return e, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
