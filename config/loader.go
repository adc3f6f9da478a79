package config

import "log/slog"

// Loader wraps FromEnv with startup logging of the loaded configuration.
// FromEnv layers an optional semspec.yaml project file and then the
// environment over DefaultConfig; Loader exists mainly to keep that
// logging in one place.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load reads and validates configuration from the project file (if any)
// and the environment.
func (l *Loader) Load() (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		l.logger.Error("failed to load configuration", "error", err)
		return nil, err
	}
	l.logger.Info("configuration loaded",
		"listen_addr", cfg.ListenAddr,
		"multi_agent_mode", cfg.MultiAgentMode,
		"use_foreman", cfg.UseForeman,
		"enable_learning", cfg.EnableLearning,
	)
	return cfg, nil
}
