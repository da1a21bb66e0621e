package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/scmpublish/internal/credential"
	"github.com/schaermu/scmpublish/internal/publish"
	"github.com/schaermu/scmpublish/internal/scm"
)

const (
	DefaultWorkingFolder = "target/scmPublish"
	DefaultCommitMessage = "[SCMPublish]"
	DefaultMergePolicy   = string(scm.MergeFailFast)
)

// Environment variables read by LoadOverrides
const (
	EnvDisable  = "SCM_PUBLISH_DISABLE"
	EnvNoPrompt = "SCM_PUBLISH_NO_PROMPT"
	EnvUsername = "SCM_PUBLISH_USERNAME"
	EnvPassword = "SCM_PUBLISH_PASSWORD"
)

// Config represents the complete scmpublish configuration
type Config struct {
	WorkingFolder string     `yaml:"working_folder"`
	ContentFolder string     `yaml:"content_folder"`
	Extensions    []string   `yaml:"extensions"`
	CommitMessage string     `yaml:"commit_message"`
	SCM           SCMConfig  `yaml:"scm"`
	Auth          AuthConfig `yaml:"auth"`
	Git           GitConfig  `yaml:"git"`
	MergePolicy   string     `yaml:"merge_policy"`
}

// SCMConfig selects the remote repository
type SCMConfig struct {
	Type string `yaml:"type"`
	URL  string `yaml:"url"`
}

// AuthConfig holds caller-supplied credentials
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	NoPrompt bool   `yaml:"no_prompt"`
}

// GitConfig configures the commit author for Git remotes
type GitConfig struct {
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// Overrides are process-level settings that take precedence over the
// configuration file and flags
type Overrides struct {
	Disable  bool
	NoPrompt bool
	Username string
	Password string
}

// Load reads, completes and validates the configuration file
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read parses the configuration file without applying defaults or
// validating it, so callers can layer flags on top before Finalize.
func Read(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	return &cfg, nil
}

// Finalize applies defaults, makes paths absolute and validates
func (c *Config) Finalize() error {
	c.applyDefaults()

	if err := c.absPaths(); err != nil {
		return err
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.WorkingFolder = os.ExpandEnv(c.WorkingFolder)
	c.ContentFolder = os.ExpandEnv(c.ContentFolder)
	c.CommitMessage = os.ExpandEnv(c.CommitMessage)
	c.SCM.Type = os.ExpandEnv(c.SCM.Type)
	c.SCM.URL = os.ExpandEnv(c.SCM.URL)
	c.Auth.Username = os.ExpandEnv(c.Auth.Username)
	c.Auth.Password = os.ExpandEnv(c.Auth.Password)
	c.Git.AuthorName = os.ExpandEnv(c.Git.AuthorName)
	c.Git.AuthorEmail = os.ExpandEnv(c.Git.AuthorEmail)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.WorkingFolder == "" {
		c.WorkingFolder = DefaultWorkingFolder
	}
	if c.CommitMessage == "" {
		c.CommitMessage = DefaultCommitMessage
	}
	if c.MergePolicy == "" {
		c.MergePolicy = DefaultMergePolicy
	}
}

func (c *Config) absPaths() error {
	for _, p := range []*string{&c.WorkingFolder, &c.ContentFolder} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.ContentFolder == "" {
		return fmt.Errorf("content_folder is required")
	}
	if c.WorkingFolder == "" {
		return fmt.Errorf("working_folder is required")
	}
	if within(c.WorkingFolder, c.ContentFolder) {
		return fmt.Errorf("working_folder must not be inside content_folder: %s", c.WorkingFolder)
	}

	if c.SCM.Type == "" {
		return fmt.Errorf("scm.type is required")
	}
	if _, err := scm.ParseType(c.SCM.Type); err != nil {
		return err
	}
	if c.SCM.URL == "" {
		return fmt.Errorf("scm.url is required")
	}

	if c.MergePolicy != string(scm.MergeFailFast) {
		return fmt.Errorf("invalid merge_policy: %s (must be %s)", c.MergePolicy, scm.MergeFailFast)
	}

	for _, ext := range c.Extensions {
		if strings.TrimSpace(ext) == "" {
			return fmt.Errorf("extensions must not contain empty entries")
		}
	}

	return nil
}

// within reports whether path is dir or lies below it
func within(path, dir string) bool {
	if !filepath.IsAbs(path) || !filepath.IsAbs(dir) {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Request builds the publish request for one run
func (c *Config) Request() publish.Request {
	return publish.Request{
		WorkingFolder: c.WorkingFolder,
		ContentFolder: c.ContentFolder,
		Extensions:    c.Extensions,
		CommitMessage: c.CommitMessage,
		SCMType:       c.SCM.Type,
		SCMURL:        c.SCM.URL,
	}
}

// Credentials combines the configured credentials with the overrides
func (c *Config) Credentials(o Overrides) credential.Config {
	return credential.Config{
		OverrideUsername: o.Username,
		OverridePassword: o.Password,
		Username:         c.Auth.Username,
		Password:         c.Auth.Password,
		NoPrompt:         o.NoPrompt || c.Auth.NoPrompt,
	}
}

// SCMOptions returns the backend options derived from the configuration
func (c *Config) SCMOptions() scm.Options {
	return scm.Options{
		ReadmeContent: scm.DefaultReadme,
		AuthorName:    c.Git.AuthorName,
		AuthorEmail:   c.Git.AuthorEmail,
	}
}

// LoadOverrides reads the process-level overrides through getenv. Empty
// values are unset; boolean switches accept anything strconv.ParseBool does.
func LoadOverrides(getenv func(string) string) (Overrides, error) {
	var o Overrides
	var err error

	if o.Disable, err = parseBool(getenv, EnvDisable); err != nil {
		return o, err
	}
	if o.NoPrompt, err = parseBool(getenv, EnvNoPrompt); err != nil {
		return o, err
	}
	o.Username = getenv(EnvUsername)
	o.Password = getenv(EnvPassword)
	return o, nil
}

func parseBool(getenv func(string) string, key string) (bool, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return b, nil
}
