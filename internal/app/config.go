package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/policy"
)

const (
	envPrefix            = "BRANCHFLOW"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultGitLabURL     = "https://gitlab.com"
	defaultWorkflow      = "ci.yml"
	defaultRemote        = "origin"
	minimumPollInterval  = time.Second
	configFileName       = "config.yaml"
	historyFileName      = "history.db"
	applicationDirectory = "branchflow"
)

// Config is the full configuration surface, read from YAML and BRANCHFLOW_*
// environment variables.
type Config struct {
	Forge         ForgeConfig        `mapstructure:"forge" yaml:"forge"`
	Repository    RepositoryConfig   `mapstructure:"repository" yaml:"repository"`
	Policy        PolicyConfig       `mapstructure:"policy" yaml:"policy"`
	Git           GitConfig          `mapstructure:"git" yaml:"git"`
	Poll          PollConfig         `mapstructure:"poll" yaml:"poll"`
	Log           LogConfig          `mapstructure:"log" yaml:"log"`
	Notifications NotificationConfig `mapstructure:"notifications" yaml:"notifications"`
	History       HistoryConfig      `mapstructure:"history" yaml:"history"`
	DryRun        bool               `mapstructure:"dry_run" yaml:"dry_run"`
}

// ForgeConfig selects the hosting service. Empty Provider, Project and
// BaseURL are inferred from the repository remote.
type ForgeConfig struct {
	Provider string        `mapstructure:"provider" yaml:"provider"`
	BaseURL  string        `mapstructure:"base_url" yaml:"base_url"`
	Token    string        `mapstructure:"token" yaml:"token"`
	Project  string        `mapstructure:"project" yaml:"project"`
	Workflow string        `mapstructure:"workflow" yaml:"workflow"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type RepositoryConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Remote string `mapstructure:"remote" yaml:"remote"`
}

type PolicyConfig struct {
	Protected         []string `mapstructure:"protected" yaml:"protected"`
	DatabaseBranch    string   `mapstructure:"database_branch" yaml:"database_branch"`
	IntegrationBranch string   `mapstructure:"integration_branch" yaml:"integration_branch"`
	SyncPair          []string `mapstructure:"sync_pair" yaml:"sync_pair"`
	SyncPrefixes      []string `mapstructure:"sync_prefixes" yaml:"sync_prefixes"`
}

type GitConfig struct {
	Binary         string        `mapstructure:"binary" yaml:"binary"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	NetworkTimeout time.Duration `mapstructure:"network_timeout" yaml:"network_timeout"`
}

type PollConfig struct {
	BranchInterval   time.Duration `mapstructure:"branch_interval" yaml:"branch_interval"`
	PipelineInterval time.Duration `mapstructure:"pipeline_interval" yaml:"pipeline_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type NotificationConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type HistoryConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

func setDefaults(v *viper.Viper) {
	def := policy.Default()

	v.SetDefault("forge.provider", "")
	v.SetDefault("forge.base_url", "")
	v.SetDefault("forge.token", "")
	v.SetDefault("forge.project", "")
	v.SetDefault("forge.workflow", defaultWorkflow)
	v.SetDefault("forge.timeout", "30s")
	v.SetDefault("repository.path", ".")
	v.SetDefault("repository.remote", defaultRemote)
	v.SetDefault("policy.protected", def.Protected)
	v.SetDefault("policy.database_branch", def.DatabaseBranch)
	v.SetDefault("policy.integration_branch", def.IntegrationBranch)
	v.SetDefault("policy.sync_pair", def.SyncPair[:])
	v.SetDefault("policy.sync_prefixes", def.SyncPrefixes)
	v.SetDefault("git.binary", "git")
	v.SetDefault("git.timeout", "10s")
	v.SetDefault("git.network_timeout", "60s")
	v.SetDefault("poll.branch_interval", "5s")
	v.SetDefault("poll.pipeline_interval", "30s")
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.format", defaultLogFormat)
	v.SetDefault("notifications.enabled", true)
	v.SetDefault("history.path", "")
	v.SetDefault("dry_run", false)
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/branchflow/config.yaml or the
// platform equivalent.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config directory: %w", err)
	}
	return filepath.Join(dir, applicationDirectory, configFileName), nil
}

// DefaultHistoryPath returns $XDG_DATA_HOME/branchflow/history.db, falling
// back to ~/.local/share.
func DefaultHistoryPath() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dir != "" {
		return filepath.Join(dir, applicationDirectory, historyFileName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", applicationDirectory, historyFileName), nil
}

// LoadConfig reads path, or the default location when path is empty, applies
// defaults and environment overrides, and validates the result. A missing
// default file is not an error; a missing explicit file is.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return Config{}, err
		}
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.normalize()
	if cfg.History.Path == "" {
		p, err := DefaultHistoryPath()
		if err != nil {
			return Config{}, err
		}
		cfg.History.Path = p
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Forge.Provider = strings.ToLower(strings.TrimSpace(c.Forge.Provider))
	c.Forge.BaseURL = strings.TrimRight(strings.TrimSpace(c.Forge.BaseURL), "/")
	c.Forge.Token = strings.TrimSpace(c.Forge.Token)
	c.Forge.Project = strings.Trim(strings.TrimSpace(c.Forge.Project), "/")
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
	if c.Repository.Remote == "" {
		c.Repository.Remote = defaultRemote
	}
	c.Policy.Protected = policy.NormalizeBranches(c.Policy.Protected)
	c.Policy.SyncPair = policy.NormalizeBranches(c.Policy.SyncPair)
	c.Policy.DatabaseBranch = policy.NormalizeBranch(c.Policy.DatabaseBranch)
	c.Policy.IntegrationBranch = policy.NormalizeBranch(c.Policy.IntegrationBranch)
}

// Validate checks formats, intervals and branch names.
func (c Config) Validate() error {
	switch c.Forge.Provider {
	case "", forge.ProviderGitLab, forge.ProviderGitHub, forge.ProviderNoop:
	default:
		return fmt.Errorf("unsupported forge provider %q", c.Forge.Provider)
	}

	if c.Forge.BaseURL != "" {
		u, err := url.Parse(c.Forge.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("forge.base_url %q must be an absolute URL", c.Forge.BaseURL)
		}
	}

	if c.Forge.Timeout <= 0 {
		return fmt.Errorf("forge.timeout must be positive")
	}
	if c.Git.Timeout <= 0 || c.Git.NetworkTimeout <= 0 {
		return fmt.Errorf("git.timeout and git.network_timeout must be positive")
	}
	if c.Poll.BranchInterval < minimumPollInterval || c.Poll.PipelineInterval < minimumPollInterval {
		return fmt.Errorf("poll intervals must be at least %s", minimumPollInterval)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}

	if len(c.Policy.SyncPair) != 2 {
		return fmt.Errorf("policy.sync_pair must name exactly two branches, got %d", len(c.Policy.SyncPair))
	}
	for _, name := range append([]string{c.Policy.DatabaseBranch, c.Policy.IntegrationBranch}, c.Policy.SyncPair...) {
		if err := policy.ValidateBranchName(name); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	}
	return nil
}

// BranchPolicy converts the policy section.
func (c Config) BranchPolicy() policy.Policy {
	p := policy.Policy{
		Protected:         append([]string(nil), c.Policy.Protected...),
		DatabaseBranch:    c.Policy.DatabaseBranch,
		IntegrationBranch: c.Policy.IntegrationBranch,
		SyncPrefixes:      append([]string(nil), c.Policy.SyncPrefixes...),
	}
	if len(c.Policy.SyncPair) == 2 {
		p.SyncPair = [2]string{c.Policy.SyncPair[0], c.Policy.SyncPair[1]}
	}
	return p
}
