package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProjectConfigFile is the name of the optional project-level config file.
const ProjectConfigFile = "semspec.yaml"

// fileConfig mirrors the subset of Config that makes sense to set from a
// checked-in project file rather than process environment: per-repo
// defaults an operator wants without re-exporting env vars for every
// deployment. Secrets (tokens, API keys) are deliberately absent here and
// stay environment-only.
type fileConfig struct {
	ListenAddr         string   `yaml:"listen_addr"`
	MultiAgentMode     bool     `yaml:"multi_agent_mode"`
	MultiAgentCoder    int      `yaml:"multi_agent_coder_count"`
	MultiAgentFixer    int      `yaml:"multi_agent_fixer_count"`
	MultiAgentConsensus string  `yaml:"multi_agent_consensus"`
	ValidateDiff       *bool    `yaml:"validate_diff"`
	ExpandImports      *bool    `yaml:"expand_imports"`
	ImportDepth        int      `yaml:"import_depth"`
	MaxRelatedFiles    int      `yaml:"max_related_files"`
	UseForeman         bool     `yaml:"use_foreman"`
	ForemanMaxAttempts int      `yaml:"foreman_max_attempts"`
	EnableLearning     bool     `yaml:"enable_learning"`
	CommentOnFailure   bool     `yaml:"comment_on_failure"`
	Effort             string   `yaml:"effort"`
	MaxDiffLines       int      `yaml:"max_diff_lines"`
	DefaultMaxAttempts int      `yaml:"default_max_attempts"`
	WorkspaceRoot      string   `yaml:"workspace_root"`
}

// loadFromFile reads a semspec.yaml at path, if present, and returns nil
// with no error when the file does not exist.
func loadFromFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

// findProjectConfig walks up from the working directory looking for
// semspec.yaml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// applyFile overlays non-zero fields from fc onto cfg. Later layers (env
// vars, applied by FromEnv) take precedence over this one.
func applyFile(cfg *Config, fc *fileConfig) {
	if fc == nil {
		return
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.MultiAgentMode {
		cfg.MultiAgentMode = true
	}
	if fc.MultiAgentCoder != 0 {
		cfg.MultiAgentCoderCount = fc.MultiAgentCoder
	}
	if fc.MultiAgentFixer != 0 {
		cfg.MultiAgentFixerCount = fc.MultiAgentFixer
	}
	if fc.MultiAgentConsensus != "" {
		cfg.MultiAgentConsensus = fc.MultiAgentConsensus
	}
	if fc.ValidateDiff != nil {
		cfg.ValidateDiff = *fc.ValidateDiff
	}
	if fc.ExpandImports != nil {
		cfg.ExpandImports = *fc.ExpandImports
	}
	if fc.ImportDepth != 0 {
		cfg.ImportDepth = fc.ImportDepth
	}
	if fc.MaxRelatedFiles != 0 {
		cfg.MaxRelatedFiles = fc.MaxRelatedFiles
	}
	if fc.UseForeman {
		cfg.UseForeman = true
	}
	if fc.ForemanMaxAttempts != 0 {
		cfg.ForemanMaxAttempts = fc.ForemanMaxAttempts
	}
	if fc.EnableLearning {
		cfg.EnableLearning = true
	}
	if fc.CommentOnFailure {
		cfg.CommentOnFailure = true
	}
	if fc.Effort != "" {
		cfg.Effort = fc.Effort
	}
	if fc.MaxDiffLines != 0 {
		cfg.MaxDiffLines = fc.MaxDiffLines
	}
	if fc.DefaultMaxAttempts != 0 {
		cfg.DefaultMaxAttempts = fc.DefaultMaxAttempts
	}
	if fc.WorkspaceRoot != "" {
		cfg.WorkspaceRoot = fc.WorkspaceRoot
	}
}
