package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/c360studio/semspec/config"
	"github.com/c360studio/semspec/internal/agentbase"
	"github.com/c360studio/semspec/internal/collaborators"
	"github.com/c360studio/semspec/internal/consensus"
	"github.com/c360studio/semspec/internal/diffvalidate"
	"github.com/c360studio/semspec/internal/jobrunner"
	"github.com/c360studio/semspec/internal/modelselect"
	"github.com/c360studio/semspec/internal/orchestrator"
	"github.com/c360studio/semspec/internal/router"
	"github.com/c360studio/semspec/internal/task"
	"github.com/c360studio/semspec/llm"
	_ "github.com/c360studio/semspec/llm/providers"
	"github.com/c360studio/semspec/model"
	"github.com/c360studio/semspec/storage"
)

// buildOrchestrator wires every collaborator the orchestrator needs from
// cfg, so serve and process-once share identical construction.
func buildOrchestrator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*orchestrator.Orchestrator, storage.Store, error) {
	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}

	registry := model.NewDefaultRegistry()
	client := llm.NewClient(registry, llm.WithLogger(logger))
	dispatcher := agentbase.New(client)

	gh := collaborators.NewGitHub(cfg.WorkspaceRoot)
	linear := collaborators.NewLinear(cfg.LinearAPIKey)
	validator := diffvalidate.NewFull([]string{"go", "build", "./..."})

	consensusCfg := consensus.Config{
		Enabled:     cfg.MultiAgentMode,
		CoderCount:  cfg.MultiAgentCoderCount,
		FixerCount:  cfg.MultiAgentFixerCount,
		CoderModels: cfg.MultiAgentCoderModels,
		FixerModels: cfg.MultiAgentFixerModels,
		Strategy:    consensus.Strategy(cfg.MultiAgentConsensus),
		Timeout:     cfg.ConsensusTimeout,
	}

	orchCfg := orchestrator.Config{
		MaxDiffLines:       cfg.MaxDiffLines,
		ValidateDiff:       cfg.ValidateDiff,
		ExpandImports:      cfg.ExpandImports,
		ImportDepth:        cfg.ImportDepth,
		MaxRelatedFiles:    cfg.MaxRelatedFiles,
		UseForeman:         cfg.UseForeman,
		ForemanMaxAttempts: cfg.ForemanMaxAttempts,
		EnableLearning:     cfg.EnableLearning,
		CommentOnFailure:   cfg.CommentOnFailure,
		Effort:             modelselect.Effort(cfg.Effort),
		TierModels:         modelselect.DefaultTierModels,
		CIWaitTimeout:      cfg.CIWaitTimeout,
		CIPollInterval:     cfg.CIPollInterval,
		WorkspaceRoot:      cfg.WorkspaceRoot,
	}

	repoURL := func(repo string) string {
		if cfg.GitHubToken != "" {
			return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", cfg.GitHubToken, repo)
		}
		return fmt.Sprintf("https://github.com/%s.git", repo)
	}

	orch := orchestrator.New(store, dispatcher, gh, linear, consensusCfg, validator, nil, nil, orchCfg, repoURL)
	return orch, store, nil
}

// runServe starts the webhook/REST server and blocks until ctx is canceled.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	orch, store, err := buildOrchestrator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	runner := jobrunner.New(store, orch, maxParallel(cfg))
	linear := collaborators.NewLinear(cfg.LinearAPIKey)
	srv := router.New(store, orch, runner, linear, cfg.GitHubWebhookSecret, cfg.DefaultMaxAttempts)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// maxParallel bounds job batch size by the multi-agent coder count when
// consensus mode is on, otherwise a conservative default (§4.4).
func maxParallel(cfg *config.Config) int {
	if cfg.MultiAgentMode && cfg.MultiAgentCoderCount > 1 {
		return cfg.MultiAgentCoderCount
	}
	return 3
}

// runMigrate applies every pending migration under storage/migrations.
func runMigrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "storage/migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}

// runProcessOnce drives a single repo/issue task through exactly one
// orchestrator step (creating the task first if it doesn't exist yet) and
// prints its resulting status.
func runProcessOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, repo string, issueNumber int) error {
	orch, store, err := buildOrchestrator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := store.GetTaskByIssue(ctx, repo, issueNumber)
	if err != nil {
		t = task.NewTask(repo, issueNumber, fmt.Sprintf("issue #%d", issueNumber), "", cfg.DefaultMaxAttempts)
		if err := store.CreateTask(ctx, t); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
	}

	next, err := orch.Process(ctx, t)
	if err != nil {
		return fmt.Errorf("process task: %w", err)
	}

	fmt.Printf("task %s: %s -> %s\n", next.ID, t.Status, next.Status)
	if next.LastError != "" {
		fmt.Printf("last error: %s\n", next.LastError)
	}
	return nil
}
