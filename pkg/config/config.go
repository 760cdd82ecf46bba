// Package config loads the steward YAML configuration.
//
// A file is located with Resolve, decoded on top of Default, overridden by
// the environment and validated. Every consumer receives the resulting
// *Config; there is no global instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/entrhq/steward/pkg/health"
	"github.com/entrhq/steward/pkg/patchgate"
	"github.com/entrhq/steward/pkg/proposal"
	"github.com/entrhq/steward/pkg/runner"
	"github.com/entrhq/steward/pkg/state"
)

const (
	// DefaultPath is the configuration file relative to the working directory.
	DefaultPath = "codex/config.yml"
	// ExamplePath is read when DefaultPath does not exist.
	ExamplePath = "codex/config.example.yml"

	DefaultAIURL = "http://ai:8000"
	DefaultPort  = 8090

	EnvConfig = "CODEX_CONFIG"
	EnvAIURL  = "AI_SERVICE_URL"
	EnvSecret = "CODEX_SECRET"
	EnvPort   = "CODEX_PORT"
)

// AI backends.
const (
	BackendRelay  = "relay"
	BackendOpenAI = "openai"
)

// Push modes and rollback strategies, in their canonical spelling.
const (
	PushDirect        = "direct"
	PushBranch        = "branch"
	RollbackHardReset = "hard-reset"
	RollbackRevert    = "revert-commit"
)

var aliases = map[string]string{
	"branch-per-cycle": PushBranch,
	"git_reset":        RollbackHardReset,
	"reset":            RollbackHardReset,
	"revert":           RollbackRevert,
}

// Config is the full agent configuration.
type Config struct {
	RepoRoot string `yaml:"repo_root" json:"repo_root" validate:"required"`
	StateDir string `yaml:"state_dir" json:"state_dir" validate:"required"`

	AIURL string   `yaml:"ai_url" json:"ai_url" validate:"omitempty,url"`
	AI    AIConfig `yaml:"ai" json:"ai"`

	BranchPrefix string `yaml:"branch_prefix" json:"branch_prefix" validate:"required"`
	TagPrefix    string `yaml:"tag_prefix" json:"tag_prefix" validate:"required"`
	Remote       string `yaml:"remote" json:"remote" validate:"required"`
	PushMode     string `yaml:"push_mode" json:"push_mode" validate:"oneof=direct branch"`

	ImproveWhenGreen bool `yaml:"improve_when_green" json:"improve_when_green"`

	Health HealthConfig  `yaml:"health" json:"health"`
	Tests  CommandConfig `yaml:"tests" json:"tests"`
	Lint   CommandConfig `yaml:"lint" json:"lint"`
	Deploy CommandConfig `yaml:"deploy" json:"deploy"`

	ProtectedPaths []string     `yaml:"protected_paths" json:"protected_paths"`
	AllowPaths     []string     `yaml:"allow_paths" json:"allow_paths"`
	Limits         LimitsConfig `yaml:"limits" json:"limits"`

	CommitMessageTemplate string         `yaml:"commit_message_template" json:"commit_message_template"`
	Rollback              RollbackConfig `yaml:"rollback" json:"rollback"`
	Git                   GitConfig      `yaml:"git" json:"git"`

	Server  ServerConfig  `yaml:"server" json:"server"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Loop    LoopConfig    `yaml:"loop" json:"loop"`
}

// AIConfig selects and tunes the proposal backend.
type AIConfig struct {
	Backend  string   `yaml:"backend" json:"backend" validate:"oneof=relay openai"`
	Path     string   `yaml:"path" json:"path"`
	Model    string   `yaml:"model" json:"model"`
	APIKey   string   `yaml:"api_key" json:"-"`
	BaseURL  string   `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	Timeout  Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
	Attempts uint     `yaml:"attempts" json:"attempts" validate:"gte=1,lte=10"`
}

// HealthConfig configures the post-deploy probe. An empty URL disables it.
type HealthConfig struct {
	URL     string   `yaml:"url" json:"url" validate:"omitempty,url"`
	Retries int      `yaml:"retries" json:"retries" validate:"gte=1"`
	Timeout Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	Delay   Duration `yaml:"delay" json:"delay" validate:"gte=0"`
}

// LimitsConfig bounds a single patch batch. Zero means unlimited.
type LimitsConfig struct {
	MaxFiles        int `yaml:"max_files" json:"max_files" validate:"gte=0"`
	MaxLinesChanged int `yaml:"max_lines_changed" json:"max_lines_changed" validate:"gte=0"`
}

// RollbackConfig selects how a failed deploy is undone.
type RollbackConfig struct {
	Strategy string `yaml:"strategy" json:"strategy" validate:"oneof=hard-reset revert-commit"`
}

// GitConfig tunes the git adapter.
type GitConfig struct {
	AuthorName  string   `yaml:"author_name" json:"author_name"`
	AuthorEmail string   `yaml:"author_email" json:"author_email" validate:"omitempty,email"`
	Timeout     Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// ServerConfig configures the HTTP trigger surface.
type ServerConfig struct {
	Addr          string `yaml:"addr" json:"addr" validate:"required"`
	Secret        string `yaml:"secret" json:"-"`
	RatePerMinute int    `yaml:"rate_per_minute" json:"rate_per_minute" validate:"gte=0"`
	Burst         int    `yaml:"burst" json:"burst" validate:"gte=0"`
	MaxConns      int    `yaml:"max_conns" json:"max_conns" validate:"gte=0"`
}

// LoggingConfig configures console verbosity and the session log file.
type LoggingConfig struct {
	// Verbosity controls logging level: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity" validate:"oneof=quiet normal verbose debug"`
	File      bool   `yaml:"file" json:"file"`
	Dir       string `yaml:"dir" json:"dir"`
}

// LoopConfig paces the continuous loop.
type LoopConfig struct {
	Interval  Duration `yaml:"interval" json:"interval" validate:"gt=0"`
	QueuePoll Duration `yaml:"queue_poll" json:"queue_poll" validate:"gt=0"`
}

// Default returns the configuration used for every key a file omits.
func Default() *Config {
	return &Config{
		RepoRoot: ".",
		StateDir: state.DefaultDirName,
		AIURL:    DefaultAIURL,
		AI: AIConfig{
			Backend:  BackendRelay,
			Path:     proposal.DefaultPath,
			Timeout:  Duration(proposal.DefaultRequestTimeout),
			Attempts: proposal.DefaultRetry.Attempts,
		},
		BranchPrefix:     "codex",
		TagPrefix:        "codex",
		Remote:           "origin",
		PushMode:         PushDirect,
		ImproveWhenGreen: true,
		Health: HealthConfig{
			Retries: health.DefaultRetries,
			Timeout: Duration(health.DefaultTimeout),
			Delay:   Duration(health.DefaultDelay),
		},
		Tests:                 CommandConfig{Timeout: Duration(runner.DefaultValidationTimeout)},
		Lint:                  CommandConfig{Timeout: Duration(runner.DefaultValidationTimeout)},
		Deploy:                CommandConfig{Timeout: Duration(runner.DefaultDeployTimeout)},
		ProtectedPaths:        []string{".env", ".env.*", ".git/*"},
		CommitMessageTemplate: "chore(codex): {title}\n\n{summary}",
		Rollback:              RollbackConfig{Strategy: RollbackHardReset},
		Git: GitConfig{
			AuthorName:  "steward[bot]",
			AuthorEmail: "steward@localhost.localdomain",
			Timeout:     Duration(runner.DefaultGitTimeout),
		},
		Server: ServerConfig{
			Addr:          fmt.Sprintf(":%d", DefaultPort),
			RatePerMinute: 30,
			Burst:         5,
			MaxConns:      64,
		},
		Logging: LoggingConfig{Verbosity: "normal"},
		Loop: LoopConfig{
			Interval:  Duration(24 * time.Hour),
			QueuePoll: Duration(60 * time.Second),
		},
	}
}

// Resolve picks the configuration file: explicit, then $CODEX_CONFIG, then
// DefaultPath, then ExamplePath. It returns "" when none exists and nothing
// was requested explicitly.
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env, nil
	}
	for _, candidate := range []string{DefaultPath, ExamplePath} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", candidate, err)
		}
	}
	return "", nil
}

// Load reads path (Default only when path is ""), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes data on top of Default without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return yaml.Unmarshal(data, c)
}

// ApplyEnv applies AI_SERVICE_URL, CODEX_SECRET and CODEX_PORT.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAIURL); ok && v != "" {
		c.AIURL = v
	}
	if v, ok := lookup(EnvSecret); ok && v != "" {
		c.Server.Secret = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s %q", EnvPort, v)
		}
		c.Server.Addr = fmt.Sprintf(":%d", port)
	}
	return nil
}

func (c *Config) normalize() {
	c.PushMode = canonical(c.PushMode)
	c.Rollback.Strategy = canonical(c.Rollback.Strategy)
	c.AI.Backend = strings.ToLower(strings.TrimSpace(c.AI.Backend))
	c.Logging.Verbosity = strings.ToLower(strings.TrimSpace(c.Logging.Verbosity))
}

func canonical(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if alias, ok := aliases[v]; ok {
		return alias
	}
	return v
}

var validate = validator.New()

// Validate checks struct tags and the rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if c.AI.Backend == BackendRelay && c.AIURL == "" {
		return errors.New("ai_url is required for the relay backend")
	}
	for name, v := range map[string]string{"branch_prefix": c.BranchPrefix, "tag_prefix": c.TagPrefix} {
		if strings.ContainsAny(v, " \t\n") {
			return fmt.Errorf("%s must not contain whitespace: %q", name, v)
		}
	}
	if _, err := patchgate.NewPatternMatcher(c.ProtectedPaths, c.AllowPaths); err != nil {
		return err
	}
	return nil
}

// StateLayout resolves the state directory against the repository root.
func (c *Config) StateLayout() state.Layout {
	return state.New(c.RepoRoot, c.StateDir)
}

// Policy returns the patch gate policy.
func (c *Config) Policy() patchgate.Policy {
	return patchgate.Policy{
		Protected:       c.ProtectedPaths,
		Allowed:         c.AllowPaths,
		MaxFiles:        c.Limits.MaxFiles,
		MaxLinesChanged: c.Limits.MaxLinesChanged,
	}
}

// Retry returns the proposal retry policy.
func (c *Config) Retry() proposal.RetryPolicy {
	p := proposal.DefaultRetry
	p.Attempts = c.AI.Attempts
	return p
}

// AbsRepoRoot returns RepoRoot as an absolute path.
func (c *Config) AbsRepoRoot() (string, error) {
	return filepath.Abs(c.RepoRoot)
}
