// Package config loads studio settings from defaults, an optional config
// file, environment variables (WALDIEZ_STUDIO_*) and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable the studio reads.
const EnvPrefix = "WALDIEZ_STUDIO"

// Config holds all configuration sections.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Kernel    KernelConfig    `mapstructure:"kernel"`
	Python    PythonConfig    `mapstructure:"python"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host               string   `mapstructure:"host"`
	Port               int      `mapstructure:"port"`
	DomainName         string   `mapstructure:"domainName"`
	ForceSSL           bool     `mapstructure:"forceSSL"`
	TrustedHosts       []string `mapstructure:"trustedHosts"`
	TrustedOrigins     []string `mapstructure:"trustedOrigins"`
	TrustedOriginRegex string   `mapstructure:"trustedOriginRegex"`
	ReadTimeout        int      `mapstructure:"readTimeout"`  // seconds
	WriteTimeout       int      `mapstructure:"writeTimeout"` // seconds
}

// WorkspaceConfig describes the sandboxed file tree.
type WorkspaceConfig struct {
	RootDir string `mapstructure:"rootDir"`
	// ExtraPrefixes lists absolute directories outside RootDir that symlinks
	// inside the workspace may point into.
	ExtraPrefixes []string `mapstructure:"extraPrefixes"`
	StaticDir     string   `mapstructure:"staticDir"`
	MaxUploadMB   int      `mapstructure:"maxUploadMB"`
}

// RunnerConfig controls run admission and the blocking flow runner.
type RunnerConfig struct {
	MaxActiveRuns   int  `mapstructure:"maxActiveRuns"`
	InputTimeoutSec int  `mapstructure:"inputTimeoutSec"`
	RestartOnStop   bool `mapstructure:"restartOnStop"`
}

// KernelConfig controls the shared notebook kernel.
type KernelConfig struct {
	Name            string `mapstructure:"name"`
	IdleTTLSec      int    `mapstructure:"idleTTLSec"`
	ReadyTimeoutSec int    `mapstructure:"readyTimeoutSec"`
	CellTimeoutSec  int    `mapstructure:"cellTimeoutSec"`
	GCIntervalSec   int    `mapstructure:"gcIntervalSec"`
}

// PythonConfig names the interpreter and the flow tooling module.
type PythonConfig struct {
	Interpreter string `mapstructure:"interpreter"`
	FlowModule  string `mapstructure:"flowModule"`
}

// EventsConfig selects the run event bus. An empty NATSURL keeps events
// in memory.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AllowedHosts returns the configured trusted hosts plus the domain name
// and, unless it is a wildcard or local address, the listen host.
func (s *ServerConfig) AllowedHosts() []string {
	hosts := appendMissing(nil, s.TrustedHosts...)
	hosts = appendMissing(hosts, s.DomainName)
	if s.Host != "localhost" && s.Host != "0.0.0.0" {
		hosts = appendMissing(hosts, s.Host)
	}
	return hosts
}

// AllowedOrigins returns the configured trusted origins plus the origins
// the server itself is reachable at. Plain http origins are only trusted
// when SSL is not forced.
func (s *ServerConfig) AllowedOrigins() []string {
	origins := appendMissing(nil, s.TrustedOrigins...)
	origins = appendMissing(origins, "https://"+s.DomainName)
	if s.Host != s.DomainName {
		origins = appendMissing(origins, "https://"+s.Host)
	}
	if !s.ForceSSL {
		origins = appendMissing(origins,
			"http://"+s.DomainName,
			fmt.Sprintf("http://%s:%d", s.DomainName, s.Port),
			"http://"+s.Host,
			fmt.Sprintf("http://%s:%d", s.Host, s.Port),
		)
	}
	return origins
}

func appendMissing(list []string, items ...string) []string {
	for _, item := range items {
		if item == "" || slices.Contains(list, item) {
			continue
		}
		list = append(list, item)
	}
	return list
}

func (r *RunnerConfig) InputTimeout() time.Duration {
	return time.Duration(r.InputTimeoutSec) * time.Second
}

func (k *KernelConfig) IdleTTL() time.Duration { return time.Duration(k.IdleTTLSec) * time.Second }

func (k *KernelConfig) ReadyTimeout() time.Duration {
	return time.Duration(k.ReadyTimeoutSec) * time.Second
}

func (k *KernelConfig) CellTimeout() time.Duration {
	return time.Duration(k.CellTimeoutSec) * time.Second
}

func (k *KernelConfig) GCInterval() time.Duration {
	return time.Duration(k.GCIntervalSec) * time.Second
}

func defaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv(EnvPrefix + "_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultRootDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "waldiez-studio", "files")
	}
	return filepath.Join(home, ".local", "share", "waldiez-studio", "files")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.domainName", "localhost")
	v.SetDefault("server.forceSSL", false)
	v.SetDefault("server.trustedHosts", []string{})
	v.SetDefault("server.trustedOrigins", []string{})
	v.SetDefault("server.trustedOriginRegex", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	v.SetDefault("workspace.rootDir", defaultRootDir())
	v.SetDefault("workspace.extraPrefixes", []string{})
	v.SetDefault("workspace.staticDir", "")
	v.SetDefault("workspace.maxUploadMB", 50)

	v.SetDefault("runner.maxActiveRuns", 10)
	v.SetDefault("runner.inputTimeoutSec", 30)
	v.SetDefault("runner.restartOnStop", true)

	v.SetDefault("kernel.name", "python3")
	v.SetDefault("kernel.idleTTLSec", 900)
	v.SetDefault("kernel.readyTimeoutSec", 60)
	v.SetDefault("kernel.cellTimeoutSec", 120)
	v.SetDefault("kernel.gcIntervalSec", 60)

	v.SetDefault("python.interpreter", "python3")
	v.SetDefault("python.flowModule", "waldiez")

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "waldiez-studio")
	v.SetDefault("events.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", defaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// New returns a viper instance with defaults and environment bindings
// applied. Callers may bind flags to it before passing it to Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys do not map onto SNAKE_CASE env names by themselves.
	_ = v.BindEnv("server.domainName", EnvPrefix+"_DOMAIN_NAME")
	_ = v.BindEnv("server.forceSSL", EnvPrefix+"_FORCE_SSL")
	_ = v.BindEnv("server.trustedHosts", EnvPrefix+"_TRUSTED_HOSTS")
	_ = v.BindEnv("server.trustedOrigins", EnvPrefix+"_TRUSTED_ORIGINS")
	_ = v.BindEnv("server.trustedOriginRegex", EnvPrefix+"_TRUSTED_ORIGIN_REGEX")
	_ = v.BindEnv("server.host", EnvPrefix+"_HOST")
	_ = v.BindEnv("server.port", EnvPrefix+"_PORT")
	_ = v.BindEnv("workspace.rootDir", EnvPrefix+"_ROOT_DIR")
	_ = v.BindEnv("runner.restartOnStop", EnvPrefix+"_RESTART_ON_STOP")
	_ = v.BindEnv("events.natsUrl", EnvPrefix+"_NATS_URL")
	_ = v.BindEnv("logging.level", EnvPrefix+"_LOG_LEVEL")
	return v
}

// Load reads configuration using the default search paths.
func Load() (*Config, error) {
	return LoadFrom(New(), "")
}

// LoadFrom reads the optional config.yaml (from configPath, the working
// directory or /etc/waldiez-studio/) into v and decodes the result.
func LoadFrom(v *viper.Viper, configPath string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/waldiez-studio/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Server.TrustedHosts = splitList(cfg.Server.TrustedHosts)
	cfg.Server.TrustedOrigins = splitList(cfg.Server.TrustedOrigins)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// splitList flattens comma separated entries, which is how list values
// arrive from environment variables.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Workspace.RootDir == "" {
		errs = append(errs, "workspace.rootDir is required")
	} else if abs, err := filepath.Abs(cfg.Workspace.RootDir); err == nil {
		cfg.Workspace.RootDir = abs
	}
	if cfg.Workspace.MaxUploadMB <= 0 {
		errs = append(errs, "workspace.maxUploadMB must be positive")
	}
	if cfg.Runner.MaxActiveRuns <= 0 {
		errs = append(errs, "runner.maxActiveRuns must be positive")
	}
	if cfg.Runner.InputTimeoutSec <= 0 {
		errs = append(errs, "runner.inputTimeoutSec must be positive")
	}
	if cfg.Kernel.IdleTTLSec <= 0 {
		errs = append(errs, "kernel.idleTTLSec must be positive")
	}
	if cfg.Kernel.ReadyTimeoutSec <= 0 || cfg.Kernel.CellTimeoutSec <= 0 {
		errs = append(errs, "kernel timeouts must be positive")
	}
	if cfg.Kernel.GCIntervalSec <= 0 {
		errs = append(errs, "kernel.gcIntervalSec must be positive")
	}
	if cfg.Python.Interpreter == "" {
		errs = append(errs, "python.interpreter is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
