// Package config loads the engine's static configuration: the bind
// address, worker pool size, timeouts, and the list of repositories
// the engine watches. Static settings live in a TOML file and are
// supplemented by a dynamic, database-backed settings store (see
// keyval.go) for values operators expect to change without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// AuthMode is how the engine authenticates to a repository's host.
type AuthMode string

const (
	AuthNone  AuthMode = "none"
	AuthBasic AuthMode = "http_basic"
	AuthToken AuthMode = "token"
)

// TriggerMode selects which ingestion paths are active for a repository.
type TriggerMode string

const (
	TriggerWebhook TriggerMode = "webhook"
	TriggerPolling TriggerMode = "polling"
	TriggerBoth    TriggerMode = "both"
)

// Platform identifies the Git hosting product a repository lives on.
type Platform string

const (
	PlatformGitLab Platform = "gitlab"
	PlatformGitea  Platform = "gitea"
	PlatformGitHub Platform = "github"
)

// RepoConfig is one entry of the engine's repository list.
type RepoConfig struct {
	RepoID   string   `toml:"repo_id"`
	Name     string   `toml:"name"`
	CloneURL string   `toml:"clone_url"`
	Branch   string   `toml:"branch"`
	Platform Platform `toml:"platform"`
	// APIBase is the REST API root for this repository's (self-hosted)
	// platform instance, e.g. "https://git.example.com/api/v4" for
	// GitLab. Required for polling and comment post-back; there is no
	// way to derive it reliably from clone_url for a self-hosted
	// install.
	APIBase string `toml:"api_base"`

	Auth         AuthMode `toml:"auth"`
	AuthUser     string   `toml:"auth_user"`
	AuthPassword string   `toml:"auth_password"`
	AuthToken    string   `toml:"auth_token"`
	WebhookToken string   `toml:"webhook_token"`

	TriggerMode            TriggerMode `toml:"trigger_mode"`
	PollingIntervalMinutes int         `toml:"polling_interval_minutes"`
	EffectiveFrom          time.Time   `toml:"effective_from"`

	PollCommits   bool   `toml:"poll_commits"`
	PollMRs       bool   `toml:"poll_mrs"`
	EnableComment bool   `toml:"enable_comment"`
	Enabled       bool   `toml:"enabled"`
	LocalPath     string `toml:"local_path"`
}

// Config is the engine's top-level static configuration.
type Config struct {
	BindAddr string `toml:"bind_addr"`
	Workers  int    `toml:"workers"`

	DataDir       string `toml:"data_dir"`
	WorkingCopyDir string `toml:"working_copy_dir"`

	BatchTimeoutSeconds      int     `toml:"batch_timeout_seconds"`
	MaxTokensPerBatch        int     `toml:"max_tokens_per_batch"`
	ContextMapTokens         int     `toml:"context_map_tokens"`
	CharsPerToken            float64 `toml:"chars_per_token"`
	ShutdownGraceSeconds     int     `toml:"shutdown_grace_seconds"`
	ProcessKillGraceSeconds  int     `toml:"process_kill_grace_seconds"`

	AssistantBackend string `toml:"assistant_backend"` // "textagent" | "acpagent"
	AssistantCommand string `toml:"assistant_command"`

	InferenceAPIBase string `toml:"inference_api_base"`
	InferenceAPIKey  string `toml:"inference_api_key"`
	InferenceModel   string `toml:"inference_model"`

	PollIntervalSeconds int `toml:"poll_interval_seconds"`

	Postgres *PostgresConfig `toml:"postgres"`

	Repos []RepoConfig `toml:"repos"`
}

// PostgresConfig selects the optional PostgreSQL Task/Revision Store backend.
type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

// Default returns the hardcoded fallback configuration. Explicit config
// file values always take priority over these; see Load.
func Default() *Config {
	return &Config{
		BindAddr:                "127.0.0.1:8765",
		Workers:                 2,
		DataDir:                 DataDir(),
		WorkingCopyDir:          filepath.Join(DataDir(), "mirrors"),
		BatchTimeoutSeconds:     30 * 60,
		MaxTokensPerBatch:       100_000,
		ContextMapTokens:        262_144,
		CharsPerToken:           3.5,
		ShutdownGraceSeconds:    30,
		ProcessKillGraceSeconds: 10,
		AssistantBackend:        "textagent",
		AssistantCommand:        "aider",
		PollIntervalSeconds:     60,
	}
}

// DataDir returns the engine's data directory, honoring REVGATE_DATA_DIR.
func DataDir() string {
	if v := os.Getenv("REVGATE_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".revgate"
	}
	return filepath.Join(home, ".revgate")
}

// Load reads a TOML config file, filling any fields it omits from Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DataDir()
	}
	if cfg.WorkingCopyDir == "" {
		cfg.WorkingCopyDir = filepath.Join(cfg.DataDir, "mirrors")
	}
	return cfg, nil
}

// FindRepo returns the configured repository matching the clone URL,
// normalized case-insensitively with the trailing ".git" suffix ignored,
// as required by the webhook matching rule (§4.7 step 3).
func (c *Config) FindRepo(cloneURL string) (RepoConfig, bool) {
	norm := normalizeCloneURL(cloneURL)
	for _, r := range c.Repos {
		if normalizeCloneURL(r.CloneURL) == norm {
			return r, true
		}
	}
	return RepoConfig{}, false
}

// FindRepoByID looks up a configured repository by its opaque id.
func (c *Config) FindRepoByID(repoID string) (RepoConfig, bool) {
	for _, r := range c.Repos {
		if r.RepoID == repoID {
			return r, true
		}
	}
	return RepoConfig{}, false
}

func normalizeCloneURL(u string) string {
	s := u
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	const suffix = ".git"
	if len(s) >= len(suffix) && toLower(s[len(s)-len(suffix):]) == suffix {
		s = s[:len(s)-len(suffix)]
	}
	return toLower(s)
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
