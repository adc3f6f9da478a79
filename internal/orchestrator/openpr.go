package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/semspec/internal/metrics"
	"github.com/c360studio/semspec/internal/task"
)

// handleOpenPR implements §4.2.7. An existing PR gets its body refreshed
// and a notification comment; a task without one yet gets a new PR opened
// with the standard auto-dev labels.
func (o *Orchestrator) handleOpenPR(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := o.validate(t, []task.Status{task.StatusReviewApproved}, map[string]string{
		"branch_name": t.BranchName,
	}); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidState, err)
	}
	if o.github == nil {
		return nil, task.NewOrchestratorError(task.CodeUnknownError, "github collaborator not configured")
	}

	body := renderPRBody(t)

	if t.PRNumber != 0 {
		if err := o.github.UpdatePRBody(ctx, t.PRNumber, body); err != nil {
			return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
		}
		if err := o.github.CommentOnPR(ctx, t.PRNumber, "New changes pushed."); err != nil {
			return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
		}
	} else {
		pr, err := o.github.CreatePR(ctx, t.BranchName, t.PRTitleOrDefault(), body, []string{"auto-dev", "ready-for-human-review"})
		if err != nil {
			return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
		}
		t.PRNumber = pr.Number
		t.PRURL = pr.URL
		if err := o.github.CommentOnIssue(ctx, t.IssueNumber, "Pull request opened: "+pr.URL); err != nil {
			return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
		}
	}

	if err := o.transitionThrough(t, task.StatusPRCreated, task.StatusWaitingHuman); err != nil {
		return nil, err
	}
	metrics.AttemptCount.WithLabelValues("pr_opened").Observe(float64(t.AttemptCount))
	return t, o.emit(ctx, t, task.EventPROpened, "orchestrator", t.BranchName, t.PRURL, 0, 0, nil)
}

func renderPRBody(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Definition of done\n- %s\n\n", strings.Join(t.DefinitionOfDone, "\n- "))
	fmt.Fprintf(&b, "## Plan\n- %s\n\n", strings.Join(t.Plan, "\n- "))
	fmt.Fprintf(&b, "## Modified files\n- %s\n\n", strings.Join(t.TargetFiles, "\n- "))
	fmt.Fprintf(&b, "Closes #%d\n", t.IssueNumber)
	return b.String()
}
