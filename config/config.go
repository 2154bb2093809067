package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spiffcs/stalebot/internal/constants"
	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/model"
)

// redacted replaces secrets in Redacted output.
const redacted = "[redacted]"

// Config represents the application configuration
type Config struct {
	Platform string       `yaml:"platform" json:"platform"`
	GitLab   GitLabConfig `yaml:"gitlab" json:"gitlab"`
	GitHub   GitHubConfig `yaml:"github" json:"github"`
	SMTP     SMTPConfig   `yaml:"smtp" json:"smtp"`

	Projects []ProjectRef `yaml:"projects" json:"projects"`

	StaleDays     int     `yaml:"stale_days" json:"stale_days"`
	CleanupWeeks  int     `yaml:"cleanup_weeks" json:"cleanup_weeks"`
	FallbackEmail string  `yaml:"fallback_email,omitempty" json:"fallback_email,omitempty"`
	MaxWorkers    Workers `yaml:"max_workers" json:"max_workers"`

	NotificationFrequencyDays int `yaml:"notification_frequency_days" json:"notification_frequency_days"`

	EnableAutoArchive bool   `yaml:"enable_auto_archive" json:"enable_auto_archive"`
	ArchiveFolder     string `yaml:"archive_folder" json:"archive_folder"`

	EnableMRComments        bool `yaml:"enable_mr_comments" json:"enable_mr_comments"`
	MRCommentInactivityDays int  `yaml:"mr_comment_inactivity_days" json:"mr_comment_inactivity_days"`
	MRCommentFrequencyDays  int  `yaml:"mr_comment_frequency_days" json:"mr_comment_frequency_days"`

	DatabasePath          string `yaml:"database_path" json:"database_path"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`

	// ProtectedBranches are names or globs that are never stale.
	ProtectedBranches []string `yaml:"protected_branches,omitempty" json:"protected_branches,omitempty"`

	MRCommentsFile     string `yaml:"mr_comments_file,omitempty" json:"mr_comments_file,omitempty"`
	EmailGreetingsFile string `yaml:"email_greetings_file,omitempty" json:"email_greetings_file,omitempty"`

	DryRun bool `yaml:"dry_run" json:"dry_run"`

	Dashboard DashboardConfig `yaml:"dashboard" json:"dashboard"`
}

// DashboardConfig holds the basic auth credentials of stalebot serve.
type DashboardConfig struct {
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GitLabConfig holds the GitLab connection settings.
type GitLabConfig struct {
	URL          string `yaml:"url,omitempty" json:"url,omitempty"`
	PrivateToken string `yaml:"private_token,omitempty" json:"private_token,omitempty"`
}

// GitHubConfig holds the GitHub connection settings. BaseURL is only needed
// for GitHub Enterprise.
type GitHubConfig struct {
	Token   string `yaml:"token,omitempty" json:"token,omitempty"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host      string `yaml:"host,omitempty" json:"host,omitempty"`
	Port      int    `yaml:"port" json:"port"`
	FromEmail string `yaml:"from_email,omitempty" json:"from_email,omitempty"`
	Username  string `yaml:"username,omitempty" json:"username,omitempty"`
	Password  string `yaml:"password,omitempty" json:"password,omitempty"`
	UseTLS    bool   `yaml:"use_tls" json:"use_tls"`
}

// ProjectRef is a configured project. In YAML it is either a scalar id
// (numeric GitLab id or GitHub owner/name) or an {id, name} map.
type ProjectRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (p *ProjectRef) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		p.ID = strings.TrimSpace(value.Value)
		return nil
	case yaml.MappingNode:
		var raw struct {
			ID   yaml.Node `yaml:"id"`
			Name string    `yaml:"name"`
		}
		if err := value.Decode(&raw); err != nil {
			return err
		}
		p.ID = strings.TrimSpace(raw.ID.Value)
		p.Name = raw.Name
		return nil
	default:
		return fmt.Errorf("line %d: project must be an id or an {id, name} map", value.Line)
	}
}

func (p ProjectRef) MarshalYAML() (any, error) {
	if p.Name == "" {
		return p.ID, nil
	}
	return map[string]string{"id": p.ID, "name": p.Name}, nil
}

// Workers is the worker pool size. A value that is not an integer falls
// back to the default instead of failing the load.
type Workers int

func (w *Workers) UnmarshalYAML(value *yaml.Node) error {
	n, err := strconv.Atoi(strings.TrimSpace(value.Value))
	if value.Kind != yaml.ScalarNode || err != nil {
		log.Warn("max_workers is not an integer, using default", "value", value.Value, "default", constants.DefaultMaxWorkers)
		*w = Workers(constants.DefaultMaxWorkers)
		return nil
	}
	*w = Workers(n)
	return nil
}

// ValidationError lists every problem found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// DefaultConfigDir returns the default config directory
func DefaultConfigDir() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ".stalebot"
	}
	return filepath.Join(configDir, "stalebot")
}

// ConfigPath returns the path to the global config file
func ConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// LocalConfigPath returns the path to the local config file in the current directory
func LocalConfigPath() string {
	return ".stalebot.yaml"
}

// DefaultConfig returns a config populated with every default value.
func DefaultConfig() *Config {
	return &Config{
		Platform: constants.DefaultPlatform,
		SMTP: SMTPConfig{
			Port:   constants.DefaultSMTPPort,
			UseTLS: true,
		},
		StaleDays:                 constants.DefaultStaleDays,
		CleanupWeeks:              constants.DefaultCleanupWeeks,
		MaxWorkers:                Workers(constants.DefaultMaxWorkers),
		NotificationFrequencyDays: constants.DefaultNotificationFrequency,
		ArchiveFolder:             constants.DefaultArchiveFolder,
		MRCommentInactivityDays:   constants.DefaultMRCommentInactivityDays,
		MRCommentFrequencyDays:    constants.DefaultMRCommentFrequencyDays,
		DatabasePath:              constants.DefaultDatabasePath,
		RequestTimeoutSeconds:     constants.DefaultRequestTimeoutSeconds,
	}
}

// Load loads the configuration. With an explicit path only that file is
// read. Otherwise the global config is loaded from the XDG config
// directory and any local .stalebot.yaml is merged on top (local values
// take precedence).
func Load(path string) (*Config, error) {
	if path != "" {
		cfg := DefaultConfig()
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.finish()
		return cfg, nil
	}
	return loadLayered(ConfigPath(), LocalConfigPath())
}

// loadLayered decodes each existing file onto the same value, so keys
// present in a later file override earlier ones and absent keys keep the
// earlier value.
func loadLayered(paths ...string) (*Config, error) {
	cfg := DefaultConfig()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", p, err)
		}
		log.Debug("loaded config", "path", p)
	}
	cfg.finish()
	return cfg, nil
}

// finish applies environment tokens and clamps out-of-range values.
func (c *Config) finish() {
	if c.GitLab.PrivateToken == "" {
		c.GitLab.PrivateToken = firstEnv("STALEBOT_GITLAB_TOKEN", "GITLAB_TOKEN")
	}
	if c.GitHub.Token == "" {
		c.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}
	if c.Dashboard.Username == "" {
		c.Dashboard.Username = os.Getenv("STALEBOT_DASHBOARD_USERNAME")
	}
	if c.Dashboard.Password == "" {
		c.Dashboard.Password = os.Getenv("STALEBOT_DASHBOARD_PASSWORD")
	}
	if c.Dashboard.Username == "" {
		c.Dashboard.Username = constants.DefaultDashboardUsername
	}

	if w := int(c.MaxWorkers); w < constants.MinWorkers || w > constants.MaxWorkers {
		clamped := min(max(w, constants.MinWorkers), constants.MaxWorkers)
		log.Warn("max_workers out of range, clamping", "value", w, "using", clamped)
		c.MaxWorkers = Workers(clamped)
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = constants.DefaultRequestTimeoutSeconds
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = constants.DefaultSMTPPort
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Kind returns the configured platform.
func (c *Config) Kind() (model.Kind, error) {
	return model.ParseKind(c.Platform)
}

// Validate checks that the configuration is usable and reports every
// problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	kind, err := c.Kind()
	if err != nil {
		add("%v", err)
	}
	switch kind {
	case model.KindGitLab:
		if c.GitLab.URL == "" {
			add("gitlab.url is required")
		}
		if c.GitLab.PrivateToken == "" {
			add("gitlab.private_token is required (or set GITLAB_TOKEN)")
		}
	case model.KindGitHub:
		if c.GitHub.Token == "" {
			add("github.token is required (or set GITHUB_TOKEN)")
		}
	}

	if c.SMTP.Host == "" {
		add("smtp.host is required")
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		add("smtp.port must be between 1 and 65535")
	}
	if c.SMTP.FromEmail == "" {
		add("smtp.from_email is required")
	}

	if len(c.Projects) == 0 {
		add("projects must list at least one project")
	}
	for i, p := range c.Projects {
		if p.ID == "" {
			add("projects[%d] has no id", i)
			continue
		}
		if kind == model.KindGitHub {
			if _, _, err := (model.Project{ID: p.ID}).OwnerRepo(); err != nil {
				add("projects[%d]: %v", i, err)
			}
		}
	}

	if c.StaleDays <= 0 {
		add("stale_days must be positive")
	}
	if c.CleanupWeeks < 0 {
		add("cleanup_weeks must not be negative")
	}
	if c.NotificationFrequencyDays <= 0 {
		add("notification_frequency_days must be positive")
	}
	if c.MRCommentInactivityDays <= 0 {
		add("mr_comment_inactivity_days must be positive")
	}
	if c.MRCommentFrequencyDays <= 0 {
		add("mr_comment_frequency_days must be positive")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Warnings returns non-fatal configuration issues.
func (c *Config) Warnings() []string {
	var out []string
	if c.FallbackEmail == "" {
		out = append(out, "fallback_email is not set: stale entries without an active owner will not be notified")
	}
	return out
}

// ProjectList returns the configured projects tagged with the platform kind.
func (c *Config) ProjectList() []model.Project {
	kind, _ := c.Kind()
	out := make([]model.Project, 0, len(c.Projects))
	for _, p := range c.Projects {
		out = append(out, model.Project{ID: p.ID, Name: p.Name, Kind: kind})
	}
	return out
}

// RequestTimeout returns the per-call platform timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// NotificationCooldown returns the minimum time between two notifications
// for the same entry and recipient.
func (c *Config) NotificationCooldown() time.Duration {
	return days(c.NotificationFrequencyDays)
}

// CommentCooldown returns the minimum time between two reminder comments on
// the same item.
func (c *Config) CommentCooldown() time.Duration {
	return days(c.MRCommentFrequencyDays)
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// Redacted returns a copy with every secret masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Projects = append([]ProjectRef(nil), c.Projects...)
	out.ProtectedBranches = append([]string(nil), c.ProtectedBranches...)
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&out.GitLab.PrivateToken)
	mask(&out.GitHub.Token)
	mask(&out.SMTP.Password)
	mask(&out.Dashboard.Password)
	return &out
}

// ToYAML returns the config as a YAML string
func (c *Config) ToYAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}

// ConfigPathInfo contains information about config file paths
type ConfigPathInfo struct {
	GlobalPath   string
	GlobalExists bool
	LocalPath    string
	LocalExists  bool
}

// GetConfigPaths returns path info for both global and local configs
func GetConfigPaths() ConfigPathInfo {
	globalPath := ConfigPath()
	localPath := LocalConfigPath()

	absLocalPath, err := filepath.Abs(localPath)
	if err != nil {
		absLocalPath = localPath
	}

	_, globalErr := os.Stat(globalPath)
	_, localErr := os.Stat(localPath)

	return ConfigPathInfo{
		GlobalPath:   globalPath,
		GlobalExists: globalErr == nil,
		LocalPath:    absLocalPath,
		LocalExists:  localErr == nil,
	}
}

// MinimalConfig returns a minimal config template with comments
func MinimalConfig() string {
	return `# stalebot configuration file
# See: stalebot config defaults  (for all available options)

platform: gitlab

gitlab:
  url: https://gitlab.example.com
  # private_token: read from STALEBOT_GITLAB_TOKEN or GITLAB_TOKEN when unset

# github:
#   token: read from GITHUB_TOKEN when unset
#   base_url: https://github.example.com   # Enterprise only

smtp:
  host: smtp.example.com
  port: 587
  from_email: stalebot@example.com
  use_tls: true

projects:
  - 42
  # - id: 43
  #   name: group/other

stale_days: 30
fallback_email: devops@example.com

# enable_auto_archive: false
# enable_mr_comments: false
`
}

// SaveTo writes content to a specific path, creating directories as needed.
// The file is replaced atomically through a temp file in the same directory.
func SaveTo(path string, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
