// Package orchestrator is the single-task driver (§4.2): given a task, it
// executes exactly one step toward progress, persists the outcome, and
// returns the updated task. Concurrency between tasks belongs to
// jobrunner; concurrency between candidates belongs to consensus. The
// orchestrator itself is single-threaded per task.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semspec/internal/agentbase"
	"github.com/c360studio/semspec/internal/collaborators"
	"github.com/c360studio/semspec/internal/consensus"
	"github.com/c360studio/semspec/internal/diffvalidate"
	"github.com/c360studio/semspec/internal/metrics"
	"github.com/c360studio/semspec/internal/modelselect"
	"github.com/c360studio/semspec/internal/task"
	"github.com/c360studio/semspec/storage"
)

// Config is the set of environment-sourced knobs that change orchestrator
// behavior without changing its code (§6 env vars).
type Config struct {
	MaxDiffLines       int
	ValidateDiff       bool
	ExpandImports      bool
	ImportDepth        int
	MaxRelatedFiles    int
	UseForeman         bool
	ForemanMaxAttempts int
	EnableLearning     bool
	CommentOnFailure   bool
	Effort             modelselect.Effort
	TierModels         map[modelselect.Tier]string
	CIWaitTimeout      time.Duration
	CIPollInterval     time.Duration
	WorkspaceRoot      string
}

// DefaultConfig holds the stated defaults: diff validation and
// import expansion on, learning and foreman off.
func DefaultConfig() Config {
	return Config{
		MaxDiffLines:       2000,
		ValidateDiff:       true,
		ExpandImports:      true,
		ImportDepth:        1,
		MaxRelatedFiles:    5,
		ForemanMaxAttempts: 2,
		Effort:             modelselect.EffortMedium,
		TierModels:         modelselect.DefaultTierModels,
		CIWaitTimeout:      20 * time.Minute,
		CIPollInterval:     15 * time.Second,
		WorkspaceRoot:      "/tmp/semspec-workspaces",
	}
}

// Foreman runs the project's own local test command, e.g. `go test ./...`
// inside a checked-out branch, without waiting on external CI. It is
// optional (§6 USE_FOREMAN); nil means the TEST handler always defers to
// external CI.
type Foreman interface {
	Run(ctx context.Context, repoRoot string) (passed bool, output string, err error)
}

// Learning is the optional failure-pattern store consulted by PLAN/FIX and
// written to by fail_task (§7, §4.2.5).
type Learning interface {
	Patterns(ctx context.Context, issueSignature string) ([]string, error)
	Record(ctx context.Context, issueSignature, errorCode, avoidance string) error
}

// Orchestrator wires every collaborator and policy the phase handlers
// need. It holds no per-task state; every call is parameterized entirely
// by the task value passed in.
type Orchestrator struct {
	store      storage.Store
	dispatcher *agentbase.Dispatcher
	github     *collaborators.GitHub
	linear     *collaborators.Linear
	consensus  consensus.Config
	validator  *diffvalidate.Full
	foreman    Foreman
	learning   Learning
	cfg        Config
	logger     *slog.Logger

	// repoURL resolves a "owner/repo" string to a clone URL, e.g.
	// "https://github.com/"+repo+".git" or an ssh equivalent.
	repoURL func(repo string) string
}

// New builds an Orchestrator. foreman and learning may be nil to disable
// their respective optional behaviors.
func New(
	store storage.Store,
	dispatcher *agentbase.Dispatcher,
	gh *collaborators.GitHub,
	linear *collaborators.Linear,
	consensusCfg consensus.Config,
	validator *diffvalidate.Full,
	foreman Foreman,
	learning Learning,
	cfg Config,
	repoURL func(repo string) string,
) *Orchestrator {
	return &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		github:     gh,
		linear:     linear,
		consensus:  consensusCfg,
		validator:  validator,
		foreman:    foreman,
		learning:   learning,
		cfg:        cfg,
		logger:     slog.Default(),
		repoURL:    repoURL,
	}
}

// Process executes exactly one step toward progress for t and returns the
// updated, persisted task. Calling it on a terminal task is a no-op.
func (o *Orchestrator) Process(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t.Status.IsTerminal() {
		return t, nil
	}

	// Every LLM call a phase handler makes for this task shares t.ID as its
	// trace ID, so the trajectory route can look calls up by task.
	ctx = agentbase.WithTaskTrace(ctx, t.ID)

	action := task.NextAction(t.Status)
	o.logger.Debug("processing task", "task_id", t.ID, "status", t.Status, "action", action)

	start := time.Now()
	defer func() {
		metrics.PhaseDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	}()

	var (
		next *task.Task
		err  error
	)

	switch action {
	case task.ActionPlan:
		next, err = o.handlePlan(ctx, t)
	case task.ActionBreakdown:
		next, err = o.handleBreakdown(ctx, t)
	case task.ActionOrchestrate:
		next, err = o.handleOrchestrate(ctx, t)
	case task.ActionCode:
		next, err = o.handleCode(ctx, t)
	case task.ActionTest:
		next, err = o.handleTest(ctx, t)
	case task.ActionFix:
		next, err = o.handleFix(ctx, t)
	case task.ActionReflect:
		next, err = o.handleReflect(ctx, t)
	case task.ActionReplan:
		next, err = o.handleReplan(ctx, t)
	case task.ActionReview:
		next, err = o.handleReview(ctx, t)
	case task.ActionOpenPR:
		next, err = o.handleOpenPR(ctx, t)
	case task.ActionWait:
		if t.Status == task.StatusTesting {
			// TESTING is re-driven by check_run webhooks and polls;
			// handleTest polls the branch's CI conclusion.
			next, err = o.handleTest(ctx, t)
			break
		}
		// Nothing external to do from here; the task resumes on the next
		// webhook or poll that targets its current status.
		return t, nil
	default:
		return t, nil
	}

	if err != nil {
		return o.failTask(ctx, t, err)
	}
	return next, nil
}

// validate is the mandatory first call of every phase handler (§4.2).
func (o *Orchestrator) validate(t *task.Task, expected []task.Status, required map[string]string) error {
	return task.ValidateTask(t, expected, required)
}

// transition validates and applies a status change, returning the
// OrchestratorError the handler should surface on failure.
func (o *Orchestrator) transition(t *task.Task, to task.Status) error {
	newStatus, err := task.Transition(t.Status, to)
	if err != nil {
		return task.WrapOrchestratorError(task.CodeInvalidState, err)
	}
	t.Status = newStatus
	metrics.TaskTransitions.WithLabelValues(string(newStatus)).Inc()
	return nil
}

// transitionThrough validates and applies a sequence of status changes in
// order, without persisting or eventing any of the intermediate steps —
// only the final status is left on t. Used where a handler logically
// passes through one or more busy "-ING" statuses in the same call that
// never suspends (§4.1's edge table still governs every hop).
func (o *Orchestrator) transitionThrough(t *task.Task, steps ...task.Status) error {
	for _, s := range steps {
		if err := o.transition(t, s); err != nil {
			return err
		}
	}
	return nil
}

// emit appends a TaskEvent and persists t in one step, so the mutation it
// saves has a corresponding audit record (§3 TaskEvent lifecycle). It is
// the usual write path for handlers; persistOnly, failTask and
// handleOrchestrate also save task state directly.
func (o *Orchestrator) emit(ctx context.Context, t *task.Task, kind task.EventKind, agent, inputSummary, outputSummary string, tokens int, dur time.Duration, meta map[string]any) error {
	ev := task.NewEvent(t.ID, kind, agent)
	ev.InputSummary = inputSummary
	ev.OutputSummary = outputSummary
	ev.TokensUsed = tokens
	ev.DurationMs = dur.Milliseconds()
	ev.Metadata = meta

	if err := o.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := o.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// failTask is the sole path to FAILED (§7 fail_task): it sets status and
// last_error, emits a FAILED event, optionally records a learning pattern,
// and optionally comments on the source issue.
func (o *Orchestrator) failTask(ctx context.Context, t *task.Task, cause error) (*task.Task, error) {
	var oe *task.OrchestratorError
	if !errors.As(cause, &oe) {
		oe = task.WrapOrchestratorError(task.CodeUnknownError, cause)
	}

	t.Status = task.StatusFailed
	t.LastError = oe.Error()
	metrics.AttemptCount.WithLabelValues("failed").Observe(float64(t.AttemptCount))

	if err := o.store.AppendEvent(ctx, task.NewEvent(t.ID, task.EventFailed, "orchestrator")); err != nil {
		o.logger.Warn("failed to emit FAILED event", "task_id", t.ID, "error", err)
	}
	if err := o.store.SaveTask(ctx, t); err != nil {
		return t, fmt.Errorf("save failed task: %w", err)
	}

	if o.cfg.EnableLearning && o.learning != nil {
		avoidance := avoidanceStrategy(oe.Code)
		if err := o.learning.Record(ctx, issueSignature(t), string(oe.Code), avoidance); err != nil {
			o.logger.Warn("failed to record learning pattern", "task_id", t.ID, "error", err)
		}
	}

	if o.cfg.CommentOnFailure && o.github != nil {
		comment := fmt.Sprintf("This task failed automated processing: %s", oe.Error())
		if err := o.github.CommentOnIssue(ctx, t.IssueNumber, comment); err != nil {
			o.logger.Warn("failed to comment on failure", "task_id", t.ID, "error", err)
		}
	}

	return t, nil
}

func avoidanceStrategy(code task.ErrorCode) string {
	switch code {
	case task.CodeDiffTooLarge:
		return "split the change into smaller, single-purpose diffs"
	case task.CodeInvalidDiff:
		return "re-fetch file contents before generating the diff to avoid stale context"
	case task.CodeTypecheckFailed:
		return "run the project typecheck locally before proposing a diff"
	case task.CodeCommandFailed:
		return "verify pre/post commands succeed against a clean checkout"
	case task.CodeComplexityTooHigh:
		return "decompose the issue into subtasks before coding"
	case task.CodeMaxAttemptsReached:
		return "escalate to a higher model tier earlier in the retry ladder"
	default:
		return "no specific avoidance strategy known for this error code"
	}
}

func issueSignature(t *task.Task) string {
	return fmt.Sprintf("%s:%s", t.Repo, t.EstimatedComplexity)
}

// checkAttempts increments attempt_count and returns a MAX_ATTEMPTS_REACHED
// error if the budget is exhausted; otherwise nil.
func (o *Orchestrator) checkAttempts(t *task.Task) error {
	t.AttemptCount++
	if t.AttemptCount >= t.MaxAttempts {
		return task.NewOrchestratorError(task.CodeMaxAttemptsReached, fmt.Sprintf("exhausted %d attempts", t.MaxAttempts))
	}
	return nil
}
