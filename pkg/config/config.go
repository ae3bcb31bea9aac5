// Package config loads sregym's ambient configuration: runtime settings
// (cluster, proxy, launcher, database, metrics) from a YAML file plus
// environment-variable overrides and a local .env file, grounded on the
// teacher's pkg/config (loader.go's ExpandEnv + layered-merge shape) and
// cmd/tarsy/main.go's godotenv bootstrap.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the fully resolved, validated runtime configuration.
type Config struct {
	ConfigDir string `yaml:"-"`

	Cluster    ClusterConfig    `yaml:"cluster"`
	Submission SubmissionConfig `yaml:"submission"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Launcher   LauncherConfig   `yaml:"launcher"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LLMJudge  LLMJudgeConfig  `yaml:"llm_judge"`
	Problems  ProblemsConfig  `yaml:"problems"`
}

// ClusterConfig selects how the Cluster Gateway connects to Kubernetes.
type ClusterConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
	Emulated   bool   `yaml:"emulated"`
}

// SubmissionConfig configures the Submission API the agent under test talks
// to (spec.md §4.8).
type SubmissionConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ProxyConfig configures the API Filtering Proxy.
type ProxyConfig struct {
	ListenAddr       string   `yaml:"listen_addr"`
	HiddenNamespaces []string `yaml:"hidden_namespaces"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
}

// LauncherConfig configures the Agent Launcher.
type LauncherConfig struct {
	ContainerRuntime string   `yaml:"container_runtime"`
	ForwardedEnvKeys []string `yaml:"forwarded_env_keys"`
}

// DatabaseConfig configures the Postgres persistence layer (pkg/database).
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the optional Workload Generator cache.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	TTL  time.Duration `yaml:"ttl"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LLMJudgeConfig configures the optional LLM Judge oracle backend.
type LLMJudgeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// ProblemsConfig points at the YAML problem catalogue(s) loaded by pkg/registry.
type ProblemsConfig struct {
	Paths []string `yaml:"paths"`
}

// defaultConfig returns the built-in baseline merged under any YAML/env
// overrides (teacher's pattern: "Apply built-in defaults for any unset
// values", loader.go).
func defaultConfig() *Config {
	return &Config{
		Cluster:    ClusterConfig{Emulated: false},
		Submission: SubmissionConfig{ListenAddr: "127.0.0.1:8089"},
		Proxy:      ProxyConfig{ListenAddr: "127.0.0.1:8090"},
		Launcher: LauncherConfig{
			ContainerRuntime: "docker",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{TTL: 1 * time.Hour},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// Load reads configPath (YAML), expands `${VAR}`/`$VAR` environment
// references the way teacher's ExpandEnv does, loads an adjacent .env file
// via godotenv (non-fatal if absent, matching cmd/tarsy/main.go), merges
// the result over defaultConfig() with dario.cat/mergo (same merge library
// the teacher uses in pkg/config/loader.go for queue-config resolution),
// and validates the result.
func Load(configPath string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		// Matches teacher: missing .env is a warning, not a fatal error.
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}
	raw = ExpandEnv(raw)

	var loaded Config
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}

	cfg := defaultConfig()
	if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config over defaults: %w", err)
	}
	cfg.ConfigDir = filepath.Dir(configPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ExpandEnv expands ${VAR}/$VAR references using stdlib os.ExpandEnv,
// matching teacher's pkg/config/envexpand.go exactly (missing vars expand
// to empty string; Validate rejects that only for the fields it checks).
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}

// Validate checks required fields are present after load/merge.
func Validate(cfg *Config) error {
	if len(cfg.Problems.Paths) == 0 {
		return fmt.Errorf("problems.paths must name at least one problem catalogue file")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set")
	}
	if cfg.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	return nil
}
