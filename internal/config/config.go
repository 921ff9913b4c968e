package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/playground/internal/auth"
	"github.com/loykin/playground/internal/execution"
	"github.com/loykin/playground/internal/live"
	"github.com/loykin/playground/internal/logger"
	"github.com/loykin/playground/internal/metrics"
	"github.com/loykin/playground/internal/scenario"
)

// EnvPrefix prefixes environment overrides, e.g. PLAYGROUND_AUTH_JWT_SECRET.
const EnvPrefix = "PLAYGROUND"

const (
	DefaultListen          = ":3000"
	DefaultStoreDSN        = "playground.db"
	DefaultShutdownTimeout = 15 * time.Second
)

// Config represents the top-level TOML structure.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Scenarios ScenariosConfig  `mapstructure:"scenarios"`
	Store     StoreConfig      `mapstructure:"store"`
	Auth      auth.Config      `mapstructure:"auth"`
	Live      live.Config      `mapstructure:"live"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Log       logger.Config    `mapstructure:"log"`
	History   HistoryConfig    `mapstructure:"history"`
	Execution execution.Config `mapstructure:"execution"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	BasePath        string        `mapstructure:"base_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLSMinVersion   string        `mapstructure:"tls_min_version"`
	TLSMaxVersion   string        `mapstructure:"tls_max_version"`
	TLS             *TLSConfig    `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// ScenariosConfig locates the scenario catalog and the host variables
// scenarios may see.
type ScenariosConfig struct {
	Root string `mapstructure:"root"`
	// Allow names host variables passed to every scenario.
	Allow []string `mapstructure:"allow"`
	// EnvFiles provide values for allow-listed names that are not set in
	// the host environment. They never add variables on their own.
	EnvFiles   []string         `mapstructure:"env_files"`
	Categories []CategoryConfig `mapstructure:"categories"`
}

type CategoryConfig struct {
	Name string   `mapstructure:"name"`
	Env  []string `mapstructure:"env"`
	// Command replaces the built-in launch strategy; it runs in the scenario directory.
	Command string `mapstructure:"command"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen starts a dedicated metrics listener; empty mounts /metrics on the main server.
	Listen         string                `mapstructure:"listen"`
	Aggregator     metrics.Config        `mapstructure:",squash"`
	ProcessMetrics metrics.SamplerConfig `mapstructure:"process_metrics"`
}

type HistoryConfig struct {
	Sinks     []string `mapstructure:"sinks"`
	QueueSize int      `mapstructure:"queue_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("server.tls_min_version", "")
	v.SetDefault("server.tls_max_version", "")
	v.SetDefault("scenarios.root", scenario.DefaultRoot)
	v.SetDefault("scenarios.allow", []string{})
	v.SetDefault("scenarios.env_files", []string{})
	v.SetDefault("store.dsn", DefaultStoreDSN)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", auth.DefaultTokenTTL)
	v.SetDefault("auth.bcrypt_cost", 0)
	v.SetDefault("auth.rate_limit_attempts", auth.DefaultRateLimitAttempts)
	v.SetDefault("auth.rate_limit_window", auth.DefaultRateLimitWindow)
	v.SetDefault("live.allowed_origins", []string{})
	v.SetDefault("live.queue_size", live.DefaultQueueSize)
	v.SetDefault("live.auth_timeout", live.DefaultAuthTimeout)
	v.SetDefault("live.message_rate", live.DefaultMessageRate)
	v.SetDefault("live.message_burst", live.DefaultMessageBurst)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.namespace", metrics.DefaultNamespace)
	v.SetDefault("metrics.refresh_interval", metrics.DefaultRefreshInterval)
	v.SetDefault("metrics.go_collectors", false)
	v.SetDefault("metrics.process_metrics.enabled", false)
	v.SetDefault("metrics.process_metrics.interval", 5*time.Second)
	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.executions_dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.queue_size", 0)
	v.SetDefault("execution.queue_size", execution.DefaultQueueSize)
	v.SetDefault("execution.max_line_bytes", 0)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() (*Config, error) {
	return decode(newViper())
}

// LoadConfig reads a TOML file. Environment variables prefixed with
// PLAYGROUND_ override file values.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(filepath.Clean(path))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.History.Sinks = splitList(cfg.History.Sinks)
	cfg.Live.AllowedOrigins = splitList(cfg.Live.AllowedOrigins)
	cfg.Scenarios.Allow = splitList(cfg.Scenarios.Allow)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitList accepts comma separated values coming from environment overrides.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	if t := c.Server.TLS; t != nil && t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, errors.New("server.tls needs both cert_file and key_file"))
		}
		if t.CertFile == "" && t.Dir == "" {
			errs = append(errs, errors.New("server.tls enabled without cert_file/key_file or dir"))
		}
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Auth.TokenTTL < 0 {
		errs = append(errs, errors.New("auth.token_ttl must not be negative"))
	}
	if c.Auth.RateLimitAttempts < 0 || c.Auth.RateLimitWindow < 0 {
		errs = append(errs, errors.New("auth.rate_limit_attempts and auth.rate_limit_window must not be negative"))
	}
	if c.Auth.RateLimitAttempts > 0 && c.Auth.RateLimitWindow == 0 {
		errs = append(errs, errors.New("auth.rate_limit_window is required when auth.rate_limit_attempts is set"))
	}
	if c.Metrics.Aggregator.RefreshInterval < 0 {
		errs = append(errs, errors.New("metrics.refresh_interval must not be negative"))
	}
	switch logger.Format(strings.ToLower(string(c.Log.Slog.Format))) {
	case "", logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Slog.Format))
	}
	seen := make(map[string]bool)
	for i, cat := range c.Scenarios.Categories {
		if cat.Name == "" {
			errs = append(errs, fmt.Errorf("scenarios.categories[%d] requires name", i))
			continue
		}
		if seen[cat.Name] {
			errs = append(errs, fmt.Errorf("scenarios.categories: duplicate %q", cat.Name))
		}
		seen[cat.Name] = true
	}
	return errors.Join(errs...)
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

// EnvLookup returns the source of allow-listed variable values: the host
// environment first, then the env files in order, later files winning.
func (s ScenariosConfig) EnvLookup() (func(string) (string, bool), error) {
	files := make(map[string]string)
	for _, p := range s.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			files[k] = v
		}
	}
	return func(k string) (string, bool) {
		if v, ok := os.LookupEnv(k); ok {
			return v, true
		}
		v, ok := files[k]
		return v, ok
	}, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
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
