// Package config loads the engine's environment-sourced configuration
// (§6 env vars): provider credentials, multi-agent mode, diff validation,
// foreman/CI settings, and the Postgres connection string. It is a flat
// data bag; cmd/semspec wires its fields into the packages that use them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete set of recognized environment options (§6).
type Config struct {
	DatabaseURL string
	ListenAddr  string

	GitHubToken         string
	GitHubWebhookSecret string
	LinearAPIKey        string
	AnthropicAPIKey     string
	OpenAIAPIKey        string
	OpenRouterAPIKey    string

	MultiAgentMode       bool
	MultiAgentCoderCount int
	MultiAgentFixerCount int
	MultiAgentCoderModels []string
	MultiAgentFixerModels []string
	MultiAgentConsensus   string

	ValidateDiff     bool
	ExpandImports    bool
	ImportDepth      int
	MaxRelatedFiles  int
	UseForeman       bool
	ForemanMaxAttempts int
	EnableLearning   bool
	CommentOnFailure bool

	Effort          string
	MaxDiffLines    int
	DefaultMaxAttempts int
	WorkspaceRoot   string
	CIWaitTimeout   time.Duration
	CIPollInterval  time.Duration
	ConsensusTimeout time.Duration
}

// DefaultConfig holds the stated defaults: diff validation and
// import expansion on, learning and foreman off, single-agent mode.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:            ":8080",
		MultiAgentCoderCount:  1,
		MultiAgentFixerCount:  1,
		MultiAgentConsensus:   "score",
		ValidateDiff:          true,
		ExpandImports:         true,
		ImportDepth:           1,
		MaxRelatedFiles:       5,
		ForemanMaxAttempts:    2,
		Effort:                "medium",
		MaxDiffLines:          2000,
		DefaultMaxAttempts:    3,
		WorkspaceRoot:         "/tmp/semspec-workspaces",
		CIWaitTimeout:         20 * time.Minute,
		CIPollInterval:        15 * time.Second,
		ConsensusTimeout:      90 * time.Second,
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.MultiAgentMode {
		if c.MultiAgentCoderCount > 4 {
			return fmt.Errorf("MULTI_AGENT_CODER_COUNT must be <= 4")
		}
		if c.MultiAgentFixerCount > 4 {
			return fmt.Errorf("MULTI_AGENT_FIXER_COUNT must be <= 4")
		}
		if c.MultiAgentConsensus != "score" && c.MultiAgentConsensus != "reviewer" {
			return fmt.Errorf("MULTI_AGENT_CONSENSUS must be %q or %q", "score", "reviewer")
		}
	}
	return nil
}

// FromEnv builds a Config from the process environment, starting from
// DefaultConfig and overriding with every recognized variable (§6).
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if path := findProjectConfig(); path != "" {
		fc, err := loadFromFile(path)
		if err != nil {
			return nil, err
		}
		applyFile(cfg, fc)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.GitHubToken = os.Getenv("GITHUB_TOKEN")
	cfg.GitHubWebhookSecret = os.Getenv("GITHUB_WEBHOOK_SECRET")
	cfg.LinearAPIKey = os.Getenv("LINEAR_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")

	cfg.MultiAgentMode = envBool("MULTI_AGENT_MODE", cfg.MultiAgentMode)
	cfg.MultiAgentCoderCount = envInt("MULTI_AGENT_CODER_COUNT", cfg.MultiAgentCoderCount)
	cfg.MultiAgentFixerCount = envInt("MULTI_AGENT_FIXER_COUNT", cfg.MultiAgentFixerCount)
	cfg.MultiAgentCoderModels = envCSV("MULTI_AGENT_CODER_MODELS")
	cfg.MultiAgentFixerModels = envCSV("MULTI_AGENT_FIXER_MODELS")
	if v := os.Getenv("MULTI_AGENT_CONSENSUS"); v != "" {
		cfg.MultiAgentConsensus = v
	}

	cfg.ValidateDiff = envBool("VALIDATE_DIFF", cfg.ValidateDiff)
	cfg.ExpandImports = envBool("EXPAND_IMPORTS", cfg.ExpandImports)
	cfg.ImportDepth = envInt("IMPORT_DEPTH", cfg.ImportDepth)
	cfg.MaxRelatedFiles = envInt("MAX_RELATED_FILES", cfg.MaxRelatedFiles)
	cfg.UseForeman = envBool("USE_FOREMAN", cfg.UseForeman)
	cfg.ForemanMaxAttempts = envInt("FOREMAN_MAX_ATTEMPTS", cfg.ForemanMaxAttempts)
	cfg.EnableLearning = envBool("ENABLE_LEARNING", cfg.EnableLearning)
	cfg.CommentOnFailure = envBool("COMMENT_ON_FAILURE", cfg.CommentOnFailure)

	if v := os.Getenv("EFFORT"); v != "" {
		cfg.Effort = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	cfg.MaxDiffLines = envInt("MAX_DIFF_LINES", cfg.MaxDiffLines)
	cfg.DefaultMaxAttempts = envInt("DEFAULT_MAX_ATTEMPTS", cfg.DefaultMaxAttempts)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envCSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
