// Package main implements the semspec CLI: the autonomous orchestration
// engine that drives GitHub issues through plan, code, test, fix, and
// review via LLM dispatch.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/semspec/config"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rootCmd := &cobra.Command{
		Use:     "semspec",
		Short:   "Autonomous software engineering task orchestration engine",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	var repo string
	var issueNumber int

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook/REST server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(logger).Load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(logger).Load()
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg, logger)
		},
	}

	processOnceCmd := &cobra.Command{
		Use:   "process-once",
		Short: "Drive one task (by repo + issue number) through a single orchestrator step and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(logger).Load()
			if err != nil {
				return err
			}
			if repo == "" || issueNumber == 0 {
				return fmt.Errorf("--repo and --issue are required")
			}
			return runProcessOnce(cmd.Context(), cfg, logger, repo, issueNumber)
		},
	}
	processOnceCmd.Flags().StringVar(&repo, "repo", "", "owner/repo")
	processOnceCmd.Flags().IntVar(&issueNumber, "issue", 0, "GitHub issue number")

	rootCmd.AddCommand(serveCmd, migrateCmd, processOnceCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}
