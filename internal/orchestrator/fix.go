package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/semspec/internal/diffvalidate"
	"github.com/c360studio/semspec/internal/modelselect"
	"github.com/c360studio/semspec/internal/task"
)

// handleFix implements §4.2.5: capture the pre-fix error for later
// learning, fetch current file contents, consult the learning store for
// similar fix patterns, invoke the fixer agent, and route through the
// same validate/apply path as CODE. Only reached from handleReflect, which
// leaves the task in REFLECTING (or, on direct entry, TESTS_FAILED) before
// calling in; both statuses can legally transition to FIXING.
func (o *Orchestrator) handleFix(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := o.validate(t, []task.Status{task.StatusTestsFailed, task.StatusReflecting}, map[string]string{
		"branch_name": t.BranchName,
		"last_error":  t.LastError,
	}); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidState, err)
	}

	errorBeforeFix := t.LastError

	_, dir, err := o.ensureWorkspace(ctx, t.Repo, t.BranchName)
	if err != nil {
		return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
	}
	files := readFiles(dir, t.TargetFiles)

	enrichedError := errorBeforeFix
	if o.cfg.EnableLearning && o.learning != nil {
		if patterns, err := o.learning.Patterns(ctx, issueSignature(t)); err == nil && len(patterns) > 0 {
			enrichedError += "\n\nSimilar fixes applied previously:\n- " + strings.Join(patterns, "\n- ")
		}
	}

	instructions := fmt.Sprintf("Definition of done:\n%s\n\nPlan:\n%s",
		strings.Join(t.DefinitionOfDone, "\n"), strings.Join(t.Plan, "\n"))

	fixerModel := modelselect.SelectFixer(t.AttemptCount)
	out, err := o.callCoder(ctx, t, instructions, files, t.CurrentDiff, enrichedError, fixerModel)
	if err != nil {
		return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
	}

	if o.cfg.ValidateDiff {
		res := diffvalidate.QuickValidate(out.Diff)
		if !res.Valid {
			if err := o.checkAttempts(t); err != nil {
				return nil, err
			}
			t.LastError = strings.Join(res.Errors, "; ")
			return t, o.persistOnly(ctx, t)
		}
	}

	g, _, err := o.ensureWorkspace(ctx, t.Repo, t.BranchName)
	if err != nil {
		return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
	}
	if err := g.ApplyDiff(ctx, out.Diff); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidDiff, err)
	}
	commitMsg := out.CommitMessage
	if commitMsg == "" || !collaboratorsValidCommit(commitMsg) {
		commitMsg = fmt.Sprintf("fix: address test failure for issue #%d", t.IssueNumber)
	}
	if _, err := g.Commit(ctx, commitMsg); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidDiff, err)
	}

	t.CurrentDiff = out.Diff
	t.CommitMessage = commitMsg
	t.LastError = ""

	// REFLECTING (or TESTS_FAILED on direct entry) -> FIXING -> CODING_DONE:
	// FIXING never suspends between invoking the fixer and applying its
	// diff, so it is not persisted as its own step.
	if err := o.transitionThrough(t, task.StatusFixing, task.StatusCodingDone); err != nil {
		return nil, err
	}
	if err := o.emit(ctx, t, task.EventFixed, "fixer", errorBeforeFix, fmt.Sprintf("%d lines", strings.Count(out.Diff, "\n")), 0, 0, nil); err != nil {
		return nil, err
	}
	return t, nil
}

// handleReflect is reached from every TESTS_FAILED task (NextAction maps
// TESTS_FAILED to REFLECT) and from a task saved in REFLECTING. It makes
// no model call: it escalates to REPLAN once AttemptCount reaches
// MaxAttempts-1 (with MaxAttempts above 1), and otherwise hands the task
// to handleFix.
func (o *Orchestrator) handleReflect(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := o.validate(t, []task.Status{task.StatusReflecting, task.StatusTestsFailed}, map[string]string{
		"last_error": t.LastError,
	}); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidState, err)
	}
	if t.Status == task.StatusTestsFailed {
		if err := o.transition(t, task.StatusReflecting); err != nil {
			return nil, err
		}
	}

	// Escalate to REPLAN only once the attempt budget is nearly exhausted;
	// otherwise let FIX try again with the enriched error context it
	// already builds.
	if t.AttemptCount >= t.MaxAttempts-1 && t.MaxAttempts > 1 {
		if err := o.transition(t, task.StatusReplanning); err != nil {
			return nil, err
		}
		return t, o.emit(ctx, t, task.EventFailed, "reflect", t.LastError, "escalating to replan", 0, 0, nil)
	}

	// Hand off to handleFix while still REFLECTING; handleFix itself owns
	// the REFLECTING -> FIXING transition once it has a diff ready to
	// apply, so it must not be pre-empted here.
	return o.handleFix(ctx, t)
}

// handleReplan re-invokes the planner with the accumulated error history
// folded into the issue body, then routes back to CODE with a fresh plan.
func (o *Orchestrator) handleReplan(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := o.validate(t, []task.Status{task.StatusReplanning}, nil); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidState, err)
	}

	t.IssueBody += "\n\nPrevious attempt failed with: " + t.LastError
	if err := o.transition(t, task.StatusCoding); err != nil {
		return nil, err
	}
	return o.runCodeCycle(ctx, t)
}
