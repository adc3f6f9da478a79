package orchestrator

import (
	"context"
	"time"

	"github.com/c360studio/semspec/internal/collaborators"
	"github.com/c360studio/semspec/internal/task"
)

// handleTest implements §4.2.4. It is invoked twice in the normal path:
// once from CODING_DONE (kicks off testing, a genuine suspension point
// since CI reports back asynchronously) and again from TESTING once a
// check_run webhook or poll observes a conclusion. TESTING is the one
// "-ING" status the driver always persists, because — unlike the other
// busy statuses — a real process boundary (the webhook) sits between the
// two invocations.
func (o *Orchestrator) handleTest(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := o.validate(t, []task.Status{task.StatusCodingDone, task.StatusTesting}, map[string]string{
		"branch_name": t.BranchName,
	}); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidState, err)
	}

	if t.Status == task.StatusCodingDone {
		return o.startTest(ctx, t)
	}
	return o.pollTest(ctx, t)
}

func (o *Orchestrator) startTest(ctx context.Context, t *task.Task) (*task.Task, error) {
	_, dir, err := o.ensureWorkspace(ctx, t.Repo, t.BranchName)
	if err != nil {
		return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
	}

	if o.cfg.UseForeman && o.foreman != nil {
		passed, output, err := o.runForeman(ctx, dir)
		if err == nil {
			if passed {
				if o.cfg.EnableLearning && o.learning != nil {
					_ = o.learning.Record(ctx, issueSignature(t), "", "local test suite passed before push")
				}
				if err := o.pushBranch(ctx, dir, t.BranchName); err != nil {
					return nil, task.WrapOrchestratorError(task.CodeCommandFailed, err)
				}
				if err := o.transitionThrough(t, task.StatusTesting, task.StatusTestsPassed); err != nil {
					return nil, err
				}
				return t, o.emit(ctx, t, task.EventTested, "foreman", t.BranchName, "local tests passed", 0, 0, nil)
			}
			t.LastError = output
			if err := o.checkAttempts(t); err != nil {
				return nil, err
			}
			if err := o.transitionThrough(t, task.StatusTesting, task.StatusTestsFailed); err != nil {
				return nil, err
			}
			return t, o.emit(ctx, t, task.EventTested, "foreman", t.BranchName, "local tests failed", 0, 0, nil)
		}
	}

	if err := o.pushBranch(ctx, dir, t.BranchName); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeCommandFailed, err)
	}
	if err := o.transition(t, task.StatusTesting); err != nil {
		return nil, err
	}
	return t, o.persistOnly(ctx, t)
}

func (o *Orchestrator) pollTest(ctx context.Context, t *task.Task) (*task.Task, error) {
	if o.github == nil {
		return t, nil
	}
	conclusion, err := o.github.BranchCheckConclusion(ctx, t.BranchName)
	if err != nil {
		return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
	}

	switch conclusion {
	case collaborators.CheckRunPending:
		return t, nil
	case collaborators.CheckRunSuccess:
		if err := o.transition(t, task.StatusTestsPassed); err != nil {
			return nil, err
		}
		return t, o.emit(ctx, t, task.EventTested, "ci", t.BranchName, "ci passed", 0, 0, nil)
	default:
		if err := o.checkAttempts(t); err != nil {
			return nil, err
		}
		t.LastError = "CI reported failure for branch " + t.BranchName
		if err := o.transition(t, task.StatusTestsFailed); err != nil {
			return nil, err
		}
		return t, o.emit(ctx, t, task.EventTested, "ci", t.BranchName, "ci failed", 0, 0, nil)
	}
}

func (o *Orchestrator) runForeman(ctx context.Context, dir string) (bool, string, error) {
	timeout := 10 * time.Minute
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return o.foreman.Run(runCtx, dir)
}

func (o *Orchestrator) pushBranch(ctx context.Context, dir, branch string) error {
	g := collaborators.NewGit(dir)
	return g.Push(ctx, branch)
}
