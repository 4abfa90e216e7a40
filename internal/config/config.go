package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/botvisor/internal/auth"
	"github.com/loykin/botvisor/internal/broadcast"
	"github.com/loykin/botvisor/internal/cron"
	"github.com/loykin/botvisor/internal/env"
	"github.com/loykin/botvisor/internal/logger"
	"github.com/loykin/botvisor/internal/logsink"
	"github.com/loykin/botvisor/internal/manager"
	"github.com/loykin/botvisor/internal/process"
	"github.com/loykin/botvisor/internal/sysmon"
	bvtls "github.com/loykin/botvisor/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. BOTVISOR_SERVER_LISTEN.
const EnvPrefix = "BOTVISOR"

// Config is the daemon configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	BotsDir    string           `mapstructure:"bots_dir"`
	WorkersDir string           `mapstructure:"workers_dir"`
	Env        []string         `mapstructure:"env"`
	EnvFiles   []string         `mapstructure:"env_files"`
	UseOSEnv   bool             `mapstructure:"use_os_env"`
	Log        logger.Config    `mapstructure:"log"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Monitor    sysmon.Config    `mapstructure:"monitor"`
	Broadcast  broadcast.Config `mapstructure:"broadcast"`
	History    HistoryConfig    `mapstructure:"history"`
	Auth       auth.Config      `mapstructure:"auth"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Schedules  []cron.Schedule  `mapstructure:"schedules"`
	Workers    []WorkerConfig   `mapstructure:"workers"`
	Client     ClientConfig     `mapstructure:"client"`
	path       string
}

// WorkerConfig is a worker entry in the config file. Env carries KEY=VALUE
// pairs because viper lowercases map keys.
type WorkerConfig struct {
	process.Spec `mapstructure:",squash"`
	Env          []string `mapstructure:"env"`
}

// ToSpec folds Env into the spec's Environment.
func (w WorkerConfig) ToSpec() (process.Spec, error) {
	spec := w.Spec
	if len(w.Env) == 0 {
		return spec, nil
	}
	merged := make(map[string]string, len(spec.Environment)+len(w.Env))
	for k, v := range spec.Environment {
		merged[k] = v
	}
	for _, kv := range w.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return process.Spec{}, fmt.Errorf("worker %q: invalid env entry %q", spec.ID, kv)
		}
		merged[k] = v
	}
	spec.Environment = merged
	return spec, nil
}

// Specs returns the configured workers as launch specs.
func (c *Config) Specs() ([]process.Spec, error) {
	out := make([]process.Spec, 0, len(c.Workers))
	for _, w := range c.Workers {
		spec, err := w.ToSpec()
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

type ServerConfig struct {
	Listen   string       `mapstructure:"listen"`
	BasePath string       `mapstructure:"base_path"`
	TLS      bvtls.Config `mapstructure:"tls"`
}

type SupervisorConfig struct {
	ConfirmDelay     time.Duration `mapstructure:"confirm_delay"`
	KillTimeout      time.Duration `mapstructure:"kill_timeout"`
	RestartDelay     time.Duration `mapstructure:"restart_delay"`
	SetupTimeout     time.Duration `mapstructure:"setup_timeout"`
	LogCapacity      int           `mapstructure:"log_capacity"` // per-worker records; 0 keeps everything
	ActivityCapacity int           `mapstructure:"activity_capacity"`
}

// HistoryConfig lists activity export sinks as DSNs (sqlite, postgres, clickhouse, opensearch).
type HistoryConfig struct {
	DSN []string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ClientConfig is used by the CLI commands that talk to a running daemon.
type ClientConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("bots_dir", "bots")
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", true)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("supervisor.confirm_delay", manager.DefaultConfirmDelay)
	v.SetDefault("supervisor.kill_timeout", manager.DefaultKillTimeout)
	v.SetDefault("supervisor.restart_delay", manager.DefaultRestartDelay)
	v.SetDefault("supervisor.setup_timeout", manager.DefaultSetupTimeout)
	v.SetDefault("supervisor.log_capacity", logsink.DefaultCapacity)
	v.SetDefault("supervisor.activity_capacity", manager.DefaultActivityCapacity)
	v.SetDefault("monitor.interval", sysmon.DefaultInterval)
	v.SetDefault("monitor.disk_path", "/")
	v.SetDefault("monitor.history_size", sysmon.DefaultHistorySize)
	v.SetDefault("broadcast.heartbeat", broadcast.DefaultHeartbeat)
	v.SetDefault("broadcast.queue_size", broadcast.DefaultQueueSize)
	v.SetDefault("broadcast.max_missed", broadcast.DefaultMaxMissed)
	v.SetDefault("auth.token_ttl", auth.DefaultTokenTTL)
	v.SetDefault("auth.issuer", auth.DefaultIssuer)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("client.url", "http://127.0.0.1:8080/api")
	// registered so AutomaticEnv can override them
	v.SetDefault("auth.secret", "")
	v.SetDefault("client.token", "")
	v.SetDefault("workers_dir", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path (TOML, YAML or JSON by extension) and
// applies BOTVISOR_* environment overrides. An empty path yields defaults
// plus environment.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.path = path
	// env-supplied lists arrive as one space separated string
	if s := os.Getenv(EnvPrefix + "_HISTORY_DSN"); s != "" {
		cfg.History.DSN = strings.Fields(s)
	}

	if err := cfg.loadWorkersDir(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadWorkersDir appends one worker per file found in WorkersDir. A relative
// directory resolves against the config file's directory.
func (c *Config) loadWorkersDir() error {
	dir := c.WorkersDir
	if dir == "" {
		return nil
	}
	if !filepath.IsAbs(dir) && c.path != "" {
		dir = filepath.Join(filepath.Dir(c.path), dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workers dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".toml", ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := LoadWorkerFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if w.ID == "" {
			w.ID = strings.TrimSuffix(name, filepath.Ext(name))
		}
		c.Workers = append(c.Workers, w)
	}
	return nil
}

// LoadWorkerFile reads a single worker definition (TOML, YAML or JSON).
func LoadWorkerFile(path string) (WorkerConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	var w WorkerConfig
	if err := v.ReadInConfig(); err != nil {
		return w, fmt.Errorf("read worker file %s: %w", filepath.Base(path), err)
	}
	if err := v.Unmarshal(&w); err != nil {
		return w, fmt.Errorf("decode worker file %s: %w", filepath.Base(path), err)
	}
	return w, nil
}

// Validate checks workers and schedules for consistency.
func (c *Config) Validate() error {
	var errs []error
	ids := make(map[string]struct{}, len(c.Workers))
	for _, w := range c.Workers {
		spec, err := w.ToSpec()
		if err == nil {
			err = spec.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("worker %q: %w", w.ID, err))
			continue
		}
		if _, dup := ids[w.ID]; dup {
			errs = append(errs, fmt.Errorf("worker %q defined twice", w.ID))
		}
		ids[w.ID] = struct{}{}
	}
	for _, s := range c.Schedules {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := ids[s.Worker]; !ok && len(c.Workers) > 0 {
			errs = append(errs, fmt.Errorf("schedule %s references unknown worker %q", s.Key(), s.Worker))
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with /: %q", c.Server.BasePath))
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs cert_file and key_file, or dir"))
	}
	return errors.Join(errs...)
}

// GlobalEnv builds the supervisor-wide environment: the OS environment when
// use_os_env is set, then env_files in order, then the env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	e.UseOS = c.UseOSEnv
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, err
		}
	}
	if err := e.SetPairs(c.Env); err != nil {
		return nil, err
	}
	return e, nil
}

// ManagerConfig maps the supervisor section onto manager.Config.
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		ConfirmDelay:     c.Supervisor.ConfirmDelay,
		KillTimeout:      c.Supervisor.KillTimeout,
		RestartDelay:     c.Supervisor.RestartDelay,
		SetupTimeout:     c.Supervisor.SetupTimeout,
		ActivityCapacity: c.Supervisor.ActivityCapacity,
		BotsDir:          c.BotsDir,
		Log:              c.Log,
	}
}
