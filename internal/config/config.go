package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RepairPolicyCapped    = "capped"
	RepairPolicyImmediate = "immediate"
	RepairPolicyManual    = "manual"
)

// Config models shipline.yml.
type Config struct {
	Environment string `yaml:"environment"`
	AppURL      string `yaml:"app_url"`
	Server      struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Store struct {
		Workspace string `yaml:"workspace"`
	} `yaml:"store"`
	GitHub          GitHubConfig          `yaml:"github"`
	Koyeb           KoyebConfig           `yaml:"koyeb"`
	Vercel          VercelConfig          `yaml:"vercel"`
	Templates       TemplatesConfig       `yaml:"templates"`
	ManagedDatabase ManagedDatabaseConfig `yaml:"managed_database"`
	Storage         StorageConfig         `yaml:"storage"`
	Agents          AgentsConfig          `yaml:"agents"`
	Builds          BuildsConfig          `yaml:"builds"`
	Dispatch        DispatchConfig        `yaml:"dispatch"`
	Email           EmailConfig           `yaml:"email"`
}

type ProviderConfig struct {
	BaseURL        string  `yaml:"base_url"`
	Token          string  `yaml:"token"`
	Retries        int     `yaml:"retries"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type GitHubConfig struct {
	ProviderConfig `yaml:",inline"`
	Owner          string `yaml:"owner"`
}

type KoyebConfig struct {
	ProviderConfig `yaml:",inline"`
	Region         string `yaml:"region"`
	InstanceType   string `yaml:"instance_type"`
}

type VercelConfig struct {
	ProviderConfig `yaml:",inline"`
	TeamID         string `yaml:"team_id"`
}

type TemplatesConfig struct {
	Backend  string `yaml:"backend"`
	Frontend string `yaml:"frontend"`
}

type ManagedDatabaseConfig struct {
	SecretPrefix string `yaml:"secret_prefix"`
	HostSuffix   string `yaml:"host_suffix"`
	Region       string `yaml:"region"`
}

// StorageConfig holds the static object-storage credentials handed to new
// backends and the bucket used for CI log archives.
type StorageConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Region        string `yaml:"region"`
	Bucket        string `yaml:"bucket"`
	ArchiveBucket string `yaml:"archive_bucket"`
	UseSSL        bool   `yaml:"use_ssl"`
}

// AgentEndpoint is one external agent receiving outbox deliveries.
type AgentEndpoint struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        *bool  `yaml:"enabled"`
}

func (a AgentEndpoint) Active() bool {
	if a.Enabled != nil && !*a.Enabled {
		return false
	}
	return strings.TrimSpace(a.URL) != ""
}

type AgentsConfig struct {
	Frontend       AgentEndpoint `yaml:"frontend"`
	Backend        AgentEndpoint `yaml:"backend"`
	FrontendRepair AgentEndpoint `yaml:"frontend_repair"`
	BackendRepair  AgentEndpoint `yaml:"backend_repair"`
}

// Agent endpoint names stored on outbox messages.
const (
	AgentFrontend       = "frontend"
	AgentBackend        = "backend"
	AgentFrontendRepair = "frontend_repair"
	AgentBackendRepair  = "backend_repair"
)

// Endpoint looks up an agent endpoint by name.
func (a AgentsConfig) Endpoint(name string) (AgentEndpoint, bool) {
	switch name {
	case AgentFrontend:
		return a.Frontend, true
	case AgentBackend:
		return a.Backend, true
	case AgentFrontendRepair:
		return a.FrontendRepair, true
	case AgentBackendRepair:
		return a.BackendRepair, true
	}
	return AgentEndpoint{}, false
}

type BuildsConfig struct {
	FrontendBranch     string `yaml:"frontend_branch"`
	BackendBranch      string `yaml:"backend_branch"`
	LogSegment         string `yaml:"log_segment"`
	RepairPolicy       string `yaml:"repair_policy"`
	MaxFixAttempts     int    `yaml:"max_fix_attempts"`
	PollIntervalSecond int    `yaml:"poll_interval_seconds"`
	PollTimeoutSeconds int    `yaml:"poll_timeout_seconds"`
}

func (b BuildsConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSecond) * time.Second
}

func (b BuildsConfig) PollTimeout() time.Duration {
	return time.Duration(b.PollTimeoutSeconds) * time.Second
}

type DispatchConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	Batch           int `yaml:"batch"`
	MaxAttempts     int `yaml:"max_attempts"`
	BackoffSeconds  int `yaml:"backoff_seconds"`
}

type EmailConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	From          string `yaml:"from"`
	OperatorEmail string `yaml:"operator_email"`
}

// Load reads and validates config from path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shipline.yml")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Environment != "production" && c.Environment != "development" {
		return fmt.Errorf("config.environment must be 'production' or 'development'")
	}
	for name, base := range map[string]string{
		"github.base_url": c.GitHub.BaseURL,
		"koyeb.base_url":  c.Koyeb.BaseURL,
		"vercel.base_url": c.Vercel.BaseURL,
	} {
		if base == "" {
			return fmt.Errorf("config.%s is required", name)
		}
		if _, err := url.ParseRequestURI(base); err != nil {
			return fmt.Errorf("config.%s is invalid: %w", name, err)
		}
	}
	for name, p := range map[string]ProviderConfig{
		"github": c.GitHub.ProviderConfig,
		"koyeb":  c.Koyeb.ProviderConfig,
		"vercel": c.Vercel.ProviderConfig,
	} {
		if p.Retries < 0 {
			return fmt.Errorf("config.%s.retries must be >= 0", name)
		}
		if p.RatePerSecond < 0 {
			return fmt.Errorf("config.%s.rate_per_second must be >= 0", name)
		}
	}
	if c.Templates.Backend == "" || c.Templates.Frontend == "" {
		return fmt.Errorf("config.templates.backend and config.templates.frontend are required")
	}
	switch c.Builds.RepairPolicy {
	case RepairPolicyCapped, RepairPolicyImmediate, RepairPolicyManual:
	default:
		return fmt.Errorf("config.builds.repair_policy must be one of capped, immediate, manual")
	}
	if c.Builds.RepairPolicy == RepairPolicyCapped && c.Builds.MaxFixAttempts <= 0 {
		return fmt.Errorf("config.builds.max_fix_attempts must be > 0 for the capped policy")
	}
	if c.Builds.LogSegment == "" {
		return fmt.Errorf("config.builds.log_segment is required")
	}
	if c.Builds.PollIntervalSecond <= 0 || c.Builds.PollTimeoutSeconds <= 0 {
		return fmt.Errorf("config.builds poll interval and timeout must be > 0")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("config.dispatch.max_attempts must be > 0")
	}
	if c.Dispatch.IntervalSeconds <= 0 {
		return fmt.Errorf("config.dispatch.interval_seconds must be > 0")
	}
	return nil
}

// EnvPrefix is the remote app name prefix for the configured environment.
func (c *Config) EnvPrefix() string {
	if c.Environment == "production" {
		return "prod"
	}
	return "dev"
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `environment: development
app_url: https://app.example.com

server:
  addr: 127.0.0.1:8080
  base_path: ""

store:
  workspace: .

github:
  base_url: https://api.github.com
  owner: ""
  retries: 2

koyeb:
  base_url: https://app.koyeb.com
  retries: 2
  region: sin
  instance_type: eco-micro

vercel:
  base_url: https://api.vercel.com
  team_id: ""
  retries: 2

templates:
  backend: nestjs-api
  frontend: nextjs-web

managed_database:
  secret_prefix: shipline/managed-db
  host_suffix: supabase.co

storage:
  region: us-east-1
  archive_bucket: shipline-ci-logs
  use_ssl: true

builds:
  frontend_branch: dev
  backend_branch: staging
  log_segment: build/
  repair_policy: capped
  max_fix_attempts: 3
  poll_interval_seconds: 15
  poll_timeout_seconds: 600

dispatch:
  interval_seconds: 5
  batch: 50
  max_attempts: 5
  backoff_seconds: 10

email:
  base_url: https://api.resend.com
  from: "Shipline <noreply@shipline.dev>"
`
