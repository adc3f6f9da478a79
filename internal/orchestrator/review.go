package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/semspec/internal/agentbase"
	"github.com/c360studio/semspec/internal/task"
)

type reviewOutput struct {
	Verdict          string   `json:"verdict"`
	Summary          string   `json:"summary"`
	Comments         []string `json:"comments"`
	SuggestedChanges string   `json:"suggested_changes,omitempty"`
}

const reviewerSystemPrompt = `You are reviewing a proposed code change that has already passed its tests.
Respond with a single JSON object: {"verdict":"APPROVE|REQUEST_CHANGES|NEEDS_DISCUSSION","summary":"...","comments":["..."],"suggested_changes":"..."}.
No prose outside the JSON object.`

// handleReview implements §4.2.6. NEEDS_DISCUSSION is treated as approval
// for PR creation rather than a third terminal verdict.
func (o *Orchestrator) handleReview(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := o.validate(t, []task.Status{task.StatusTestsPassed}, map[string]string{
		"branch_name":  t.BranchName,
		"current_diff": t.CurrentDiff,
	}); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidState, err)
	}
	if err := o.transition(t, task.StatusReviewing); err != nil {
		return nil, err
	}

	start := time.Now()
	_, dir, err := o.ensureWorkspace(ctx, t.Repo, t.BranchName)
	if err != nil {
		return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
	}
	files := readFiles(dir, t.TargetFiles)

	userPrompt := fmt.Sprintf("Definition of done:\n%s\n\nPlan:\n%s\n\nDiff:\n%s\n\nFile contents:\n%s\n\ntests_passed: true",
		strings.Join(t.DefinitionOfDone, "\n"), strings.Join(t.Plan, "\n"), t.CurrentDiff, renderFiles(files))

	var out reviewOutput
	resp, err := o.dispatcher.Call(ctx, agentbase.RoleReviewer, reviewerSystemPrompt, userPrompt, &out)
	if err != nil {
		return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
	}

	verdict := task.ReviewVerdict(out.Verdict)
	if verdict == task.VerdictApprove || verdict == task.VerdictNeedsDiscussion {
		if err := o.transition(t, task.StatusReviewApproved); err != nil {
			return nil, err
		}
		return t, o.emit(ctx, t, task.EventReviewed, "reviewer", t.BranchName, out.Summary, resp.Usage.TotalTokens, time.Since(start), map[string]any{
			"verdict": string(verdict), "comments": out.Comments,
		})
	}

	if err := o.checkAttempts(t); err != nil {
		return nil, err
	}
	t.LastError = "review requested changes: " + out.Summary
	if err := o.transition(t, task.StatusReviewRejected); err != nil {
		return nil, err
	}
	return t, o.emit(ctx, t, task.EventReviewed, "reviewer", t.BranchName, out.Summary, resp.Usage.TotalTokens, time.Since(start), map[string]any{
		"verdict": string(verdict), "comments": out.Comments,
	})
}

func renderFiles(files map[string]string) string {
	var b strings.Builder
	for path, content := range files {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", path, content)
	}
	return b.String()
}
