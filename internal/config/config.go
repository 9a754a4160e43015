package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/svcgroup/internal/logger"
	"github.com/loykin/svcgroup/internal/signals"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Service types understood by the loader.
const (
	TypeSQLDB  = "sqldb"
	TypeInvoke = "invoke"
	TypeCron   = "cron"
)

// Names reserved for the members added by the runtime itself.
const (
	ControlServiceName = "control-api"
	MetricsServiceName = "metrics"
)

const EnvPrefix = "SVCGROUP"

// Config represents the top-level TOML structure.
//
//	[group]
//	name = "api"
//	grace_period = "10s"
//	signals = ["INT", "TERM"]
//
//	[[services]]
//	name = "db"
//	type = "sqldb"
//	dsn = "postgres://app@localhost/app"
type Config struct {
	Group    GroupConfig     `toml:"group" mapstructure:"group"`
	Log      LogConfig       `toml:"log" mapstructure:"log"`
	Metrics  MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	History  HistoryConfig   `toml:"history" mapstructure:"history"`
	Server   ServerConfig    `toml:"server" mapstructure:"server"`
	Env      []string        `toml:"env" mapstructure:"env"`
	EnvFiles []string        `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool            `toml:"use_os_env" mapstructure:"use_os_env"`
	Services []ServiceConfig `toml:"services" mapstructure:"services"`
}

type GroupConfig struct {
	Name                 string        `toml:"name" mapstructure:"name"`
	GracePeriod          time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	CascadeStartFailure  bool          `toml:"cascade_start_failure" mapstructure:"cascade_start_failure"`
	ExitTriggersShutdown bool          `toml:"exit_triggers_shutdown" mapstructure:"exit_triggers_shutdown"`
	Signals              []string      `toml:"signals" mapstructure:"signals"`
	IgnoreSignals        bool          `toml:"ignore_signals" mapstructure:"ignore_signals"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Timestamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
	Path    string `toml:"path" mapstructure:"path"`
}

type HistoryConfig struct {
	Enabled   bool   `toml:"enabled" mapstructure:"enabled"`
	DSN       string `toml:"dsn" mapstructure:"dsn"`
	QueueSize int    `toml:"queue_size" mapstructure:"queue_size"`
}

type ServerConfig struct {
	Enabled       bool        `toml:"enabled" mapstructure:"enabled"`
	Listen        string      `toml:"listen" mapstructure:"listen"`
	BasePath      string      `toml:"base_path" mapstructure:"base_path"`
	TLS           *TLSConfig  `toml:"tls" mapstructure:"tls"`
	Auth          *AuthConfig `toml:"auth" mapstructure:"auth"`
	TLSMinVersion string      `toml:"tls_min_version" mapstructure:"tls_min_version"`
	TLSMaxVersion string      `toml:"tls_max_version" mapstructure:"tls_max_version"`
}

// TLSConfig serves the control API over HTTPS. Either CertFile and KeyFile,
// or Dir (holding tls.crt and tls.key) must be set.
type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

// AuthConfig protects the control API. Users authenticate with HTTP basic
// auth against a bcrypt hash; tokens are sent as "Authorization: Bearer".
type AuthConfig struct {
	Enabled bool        `toml:"enabled" mapstructure:"enabled"`
	Users   []AuthUser  `toml:"users" mapstructure:"users"`
	Tokens  []AuthToken `toml:"tokens" mapstructure:"tokens"`
}

type AuthUser struct {
	Username     string   `toml:"username" mapstructure:"username"`
	PasswordHash string   `toml:"password_hash" mapstructure:"password_hash"`
	Roles        []string `toml:"roles" mapstructure:"roles"`
}

type AuthToken struct {
	Name  string   `toml:"name" mapstructure:"name"`
	Token string   `toml:"token" mapstructure:"token"`
	Roles []string `toml:"roles" mapstructure:"roles"`
}

// AutoGenTLS tunes the self-signed certificate written when AutoGenerate is set.
type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// ServiceConfig describes one group member. Fields apply by Type.
type ServiceConfig struct {
	Name string `toml:"name" mapstructure:"name"`
	Type string `toml:"type" mapstructure:"type"`

	// sqldb
	DSN              string        `toml:"dsn" mapstructure:"dsn"`
	MaxOpenConns     int           `toml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns     int           `toml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `toml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	PingInterval     time.Duration `toml:"ping_interval" mapstructure:"ping_interval"`
	FailureThreshold int           `toml:"failure_threshold" mapstructure:"failure_threshold"`

	// invoke
	Listen      string        `toml:"listen" mapstructure:"listen"`
	Function    string        `toml:"function" mapstructure:"function"`
	Handler     string        `toml:"handler" mapstructure:"handler"`
	Timeout     time.Duration `toml:"timeout" mapstructure:"timeout"`
	Concurrency int           `toml:"concurrency" mapstructure:"concurrency"`

	// cron
	Jobs []JobConfig `toml:"jobs" mapstructure:"jobs"`
}

type JobConfig struct {
	Name     string        `toml:"name" mapstructure:"name"`
	Schedule string        `toml:"schedule" mapstructure:"schedule"`
	Command  string        `toml:"command" mapstructure:"command"`
	WorkDir  string        `toml:"workdir" mapstructure:"workdir"`
	Env      []string      `toml:"env" mapstructure:"env"`
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("group.name", "svcgroup")
	v.SetDefault("group.grace_period", "10s")
	v.SetDefault("group.cascade_start_failure", true)
	v.SetDefault("group.exit_triggers_shutdown", true)
	v.SetDefault("group.ignore_signals", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.queue_size", 256)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
}

// LoadConfig reads a TOML file, applies SVCGROUP_* environment overrides
// (e.g. SVCGROUP_GROUP_GRACE_PERIOD=30s) and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Group.Name) == "" {
		errs = append(errs, errors.New("group.name is required"))
	}
	if c.Group.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("group.grace_period must be positive, got %s", c.Group.GracePeriod))
	}
	if _, err := signals.ParseSignals(c.Group.Signals); err != nil {
		errs = append(errs, fmt.Errorf("group.signals: %w", err))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", string(logger.FormatText), string(logger.FormatJSON):
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history.dsn is required when history is enabled"))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	if t := c.Server.TLS; c.Server.Enabled && t != nil && t.Enabled {
		hasFiles := t.CertFile != "" && t.KeyFile != ""
		if !hasFiles && t.Dir == "" {
			errs = append(errs, errors.New("server.tls requires cert_file and key_file, or dir"))
		}
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, errors.New("server.tls: cert_file and key_file must be set together"))
		}
	}
	if a := c.Server.Auth; c.Server.Enabled && a != nil && a.Enabled {
		if len(a.Users) == 0 && len(a.Tokens) == 0 {
			errs = append(errs, errors.New("server.auth requires at least one user or token"))
		}
		for i, u := range a.Users {
			if u.Username == "" || u.PasswordHash == "" {
				errs = append(errs, fmt.Errorf("server.auth.users[%d]: username and password_hash are required", i))
			}
		}
		for i, tk := range a.Tokens {
			if tk.Token == "" {
				errs = append(errs, fmt.Errorf("server.auth.tokens[%d]: token is required", i))
			}
		}
	}
	if len(c.Services) == 0 {
		errs = append(errs, errors.New("at least one [[services]] entry is required"))
	}

	seen := make(map[string]bool, len(c.Services))
	if c.Server.Enabled {
		seen[ControlServiceName] = true
	}
	if c.Metrics.Enabled {
		seen[MetricsServiceName] = true
	}
	for i, s := range c.Services {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("services[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("service %s: duplicate name", s.Name))
		}
		seen[s.Name] = true
		errs = append(errs, s.validate()...)
	}
	return errors.Join(errs...)
}

func (s ServiceConfig) validate() []error {
	var errs []error
	switch s.Type {
	case TypeSQLDB:
		if s.DSN == "" {
			errs = append(errs, fmt.Errorf("service %s: sqldb requires dsn", s.Name))
		}
		if s.FailureThreshold < 0 {
			errs = append(errs, fmt.Errorf("service %s: failure_threshold must not be negative", s.Name))
		}
	case TypeInvoke:
		if s.Listen == "" {
			errs = append(errs, fmt.Errorf("service %s: invoke requires listen", s.Name))
		}
		if s.Concurrency < 0 {
			errs = append(errs, fmt.Errorf("service %s: concurrency must not be negative", s.Name))
		}
	case TypeCron:
		if len(s.Jobs) == 0 {
			errs = append(errs, fmt.Errorf("service %s: cron requires at least one job", s.Name))
		}
		names := make(map[string]bool, len(s.Jobs))
		for _, j := range s.Jobs {
			if j.Name == "" || names[j.Name] {
				errs = append(errs, fmt.Errorf("service %s: job names must be unique and non-empty", s.Name))
			}
			names[j.Name] = true
			if strings.TrimSpace(j.Command) == "" {
				errs = append(errs, fmt.Errorf("service %s: job %s requires command", s.Name, j.Name))
			}
			if _, err := cron.ParseStandard(j.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("service %s: job %s: invalid schedule %q: %w", s.Name, j.Name, j.Schedule, err))
			}
		}
	case "":
		errs = append(errs, fmt.Errorf("service %s: type is required", s.Name))
	default:
		errs = append(errs, fmt.Errorf("service %s: unknown type %q", s.Name, s.Type))
	}
	return errs
}

// Logger converts the [log] section to logger settings.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(strings.ToLower(l.Level)),
			Format:     logger.Format(strings.ToLower(l.Format)),
			Color:      l.Color,
			TimeStamps: l.Timestamps,
			Source:     l.Source,
		},
		File: logger.FileConfig{
			Path:       l.File,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

// Environ merges the environment handed to command jobs.
// Precedence: OS env (when enabled) provides base; then apply file vars; then top-level env list overrides last.
func (c *Config) Environ() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
