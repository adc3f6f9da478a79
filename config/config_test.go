package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATABASE_URL", "GITHUB_TOKEN", "GITHUB_WEBHOOK_SECRET", "LINEAR_API_KEY",
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY",
		"MULTI_AGENT_MODE", "MULTI_AGENT_CODER_COUNT", "MULTI_AGENT_FIXER_COUNT",
		"MULTI_AGENT_CODER_MODELS", "MULTI_AGENT_FIXER_MODELS", "MULTI_AGENT_CONSENSUS",
		"VALIDATE_DIFF", "EXPAND_IMPORTS", "IMPORT_DEPTH", "MAX_RELATED_FILES",
		"USE_FOREMAN", "FOREMAN_MAX_ATTEMPTS", "ENABLE_LEARNING", "COMMENT_ON_FAILURE",
		"EFFORT", "LISTEN_ADDR", "WORKSPACE_ROOT", "MAX_DIFF_LINES", "DEFAULT_MAX_ATTEMPTS",
	} {
		os.Unsetenv(k)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.ValidateDiff {
		t.Error("expected diff validation enabled by default")
	}
	if !cfg.ExpandImports {
		t.Error("expected import expansion enabled by default")
	}
	if cfg.UseForeman {
		t.Error("expected foreman disabled by default")
	}
	if cfg.EnableLearning {
		t.Error("expected learning disabled by default")
	}
	if cfg.MultiAgentMode {
		t.Error("expected single-agent mode by default")
	}
	if cfg.MultiAgentConsensus != "score" {
		t.Errorf("expected score consensus strategy by default, got %s", cfg.MultiAgentConsensus)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "missing database url",
			modify:  func(c *Config) {},
			wantErr: true,
		},
		{
			name:    "valid with database url",
			modify:  func(c *Config) { c.DatabaseURL = "postgres://localhost/semspec" },
			wantErr: false,
		},
		{
			name: "coder count too high",
			modify: func(c *Config) {
				c.DatabaseURL = "postgres://localhost/semspec"
				c.MultiAgentMode = true
				c.MultiAgentCoderCount = 5
			},
			wantErr: true,
		},
		{
			name: "invalid consensus strategy",
			modify: func(c *Config) {
				c.DatabaseURL = "postgres://localhost/semspec"
				c.MultiAgentMode = true
				c.MultiAgentConsensus = "vote"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromEnv(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)

	os.Setenv("DATABASE_URL", "postgres://localhost/semspec")
	os.Setenv("MULTI_AGENT_MODE", "true")
	os.Setenv("MULTI_AGENT_CODER_COUNT", "3")
	os.Setenv("MULTI_AGENT_CODER_MODELS", "claude-sonnet, gpt-4o ,qwen")
	os.Setenv("USE_FOREMAN", "true")
	os.Setenv("MAX_DIFF_LINES", "500")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/semspec" {
		t.Errorf("expected database url to be read from env, got %s", cfg.DatabaseURL)
	}
	if !cfg.MultiAgentMode {
		t.Error("expected multi-agent mode enabled")
	}
	if cfg.MultiAgentCoderCount != 3 {
		t.Errorf("expected coder count 3, got %d", cfg.MultiAgentCoderCount)
	}
	if len(cfg.MultiAgentCoderModels) != 3 || cfg.MultiAgentCoderModels[1] != "gpt-4o" {
		t.Errorf("expected trimmed csv models, got %v", cfg.MultiAgentCoderModels)
	}
	if !cfg.UseForeman {
		t.Error("expected foreman enabled")
	}
	if cfg.MaxDiffLines != 500 {
		t.Errorf("expected max diff lines 500, got %d", cfg.MaxDiffLines)
	}
}

func TestFromEnvMissingDatabaseURL(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)

	if _, err := FromEnv(); err == nil {
		t.Error("expected error when DATABASE_URL is unset")
	}
}

func TestApplyFileOverlaysZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	validateDiff := false
	fc := &fileConfig{
		UseForeman:   true,
		Effort:       "high",
		MaxDiffLines: 999,
		ValidateDiff: &validateDiff,
	}

	applyFile(cfg, fc)

	if !cfg.UseForeman {
		t.Error("expected UseForeman to be overlaid from file config")
	}
	if cfg.Effort != "high" {
		t.Errorf("expected Effort overlaid to high, got %s", cfg.Effort)
	}
	if cfg.MaxDiffLines != 999 {
		t.Errorf("expected MaxDiffLines overlaid to 999, got %d", cfg.MaxDiffLines)
	}
	if cfg.ValidateDiff {
		t.Error("expected ValidateDiff explicitly overlaid to false")
	}
	if cfg.MultiAgentConsensus != "score" {
		t.Errorf("expected untouched fields to keep their default, got %s", cfg.MultiAgentConsensus)
	}
}

func TestApplyFileNilIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	beforeEffort, beforeMaxDiffLines := cfg.Effort, cfg.MaxDiffLines
	applyFile(cfg, nil)
	if cfg.Effort != beforeEffort || cfg.MaxDiffLines != beforeMaxDiffLines {
		t.Error("expected nil fileConfig to leave cfg unchanged")
	}
}

func TestLoadFromFileMissingReturnsNil(t *testing.T) {
	fc, err := loadFromFile(filepath.Join(t.TempDir(), "semspec.yaml"))
	if err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}
	if fc != nil {
		t.Errorf("expected nil fileConfig for missing file, got %+v", fc)
	}
}

func TestLoadFromFileParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "semspec.yaml")
	if err := os.WriteFile(path, []byte("use_foreman: true\neffort: high\nmax_diff_lines: 750\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	fc, err := loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}
	if fc == nil {
		t.Fatal("expected non-nil fileConfig")
	}
	if !fc.UseForeman || fc.Effort != "high" || fc.MaxDiffLines != 750 {
		t.Errorf("fileConfig = %+v", fc)
	}
}
