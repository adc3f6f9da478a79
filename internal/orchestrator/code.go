package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/c360studio/semspec/internal/agentbase"
	"github.com/c360studio/semspec/internal/consensus"
	"github.com/c360studio/semspec/internal/diffvalidate"
	"github.com/c360studio/semspec/internal/modelselect"
	"github.com/c360studio/semspec/internal/task"
)

type coderOutput struct {
	Diff          string   `json:"diff"`
	CommitMessage string   `json:"commitMessage"`
	FilesModified []string `json:"filesModified"`
	Notes         string   `json:"notes,omitempty"`
}

const coderSystemPrompt = `You are implementing a planned code change as a single unified diff.
Respond with a single JSON object: {"diff":"...unified diff...","commitMessage":"conventional commit message","filesModified":["..."],"notes":"..."}.
The diff must apply cleanly against the given file contents. No prose outside the JSON object.`

func (o *Orchestrator) handleCode(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := o.validate(t, []task.Status{task.StatusPlanningDone, task.StatusReviewRejected}, map[string]string{
		"definition_of_done": strings.Join(t.DefinitionOfDone, ""),
		"plan":               strings.Join(t.Plan, ""),
	}); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidState, err)
	}
	// Both PLANNING_DONE and REVIEW_REJECTED route through the busy CODING
	// status before CODING_DONE; neither call suspends before the coder
	// responds, so CODING is not persisted as its own step.
	if err := o.transition(t, task.StatusCoding); err != nil {
		return nil, err
	}
	return o.runCodeCycle(ctx, t)
}

// runCodeCycle is the shared coder-dispatch/validate/apply path used by
// CODE and REPLAN's hand-back into coding (FIX has its own path in fix.go). Callers must have already
// transitioned t.Status to CODING.
func (o *Orchestrator) runCodeCycle(ctx context.Context, t *task.Task) (*task.Task, error) {
	if len(t.TargetFiles) == 0 {
		return nil, task.NewOrchestratorError(task.CodeMissingField, "target_files")
	}

	if t.BranchName == "" {
		t.BranchName = fmt.Sprintf("auto/%d-%s", t.IssueNumber, slug(t.IssueTitle))
	}
	g, dir, err := o.ensureWorkspace(ctx, t.Repo, t.BranchName)
	if err != nil {
		return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
	}

	files := readFiles(dir, t.TargetFiles)
	instructions := fmt.Sprintf("Definition of done:\n%s\n\nPlan:\n%s",
		strings.Join(t.DefinitionOfDone, "\n"), strings.Join(t.Plan, "\n"))

	selection := modelselect.Select(t.EstimatedComplexity, o.cfg.Effort, t.AttemptCount)
	out, err := o.callCoder(ctx, t, instructions, files, t.CurrentDiff, t.LastError, o.cfg.TierModels[selection.Tier])
	if err != nil {
		return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
	}

	diffLines := strings.Count(out.Diff, "\n")
	if o.cfg.MaxDiffLines > 0 && diffLines > o.cfg.MaxDiffLines {
		return nil, task.NewOrchestratorError(task.CodeDiffTooLarge, fmt.Sprintf("diff has %d lines, exceeds max %d", diffLines, o.cfg.MaxDiffLines))
	}

	if t.CommandOrder == task.CommandOrderBeforeDiff {
		if err := o.runCommands(ctx, dir, t.PreCommands); err != nil {
			return nil, task.WrapOrchestratorError(task.CodeCommandFailed, err)
		}
	}

	if o.cfg.ValidateDiff {
		res := diffvalidate.QuickValidate(out.Diff)
		if !res.Valid {
			if err := o.checkAttempts(t); err != nil {
				return nil, err
			}
			t.LastError = strings.Join(res.Errors, "; ")
			// The edge table has no direct CODING -> TESTS_FAILED edge;
			// a rejected diff is logically "coded, then
			// immediately failed testing", so pass through CODING_DONE and
			// TESTING without persisting either as a standalone event.
			if err := o.transitionThrough(t, task.StatusCodingDone, task.StatusTesting, task.StatusTestsFailed); err != nil {
				return nil, err
			}
			return t, o.persistOnly(ctx, t)
		}
	}

	if err := g.ApplyDiff(ctx, out.Diff); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidDiff, err)
	}
	commitMsg := out.CommitMessage
	if commitMsg == "" || !collaboratorsValidCommit(commitMsg) {
		commitMsg = fmt.Sprintf("feat: address issue #%d", t.IssueNumber)
	}
	if _, err := g.Commit(ctx, commitMsg); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidDiff, err)
	}

	if t.CommandOrder == task.CommandOrderAfterDiff {
		if err := o.runCommands(ctx, dir, t.PostCommands); err != nil {
			return nil, task.WrapOrchestratorError(task.CodeCommandFailed, err)
		}
	}

	t.CurrentDiff = out.Diff
	t.CommitMessage = commitMsg

	if err := o.transition(t, task.StatusCodingDone); err != nil {
		return nil, err
	}
	if err := o.emit(ctx, t, task.EventCoded, "coder", instructions, fmt.Sprintf("%d lines", diffLines), 0, 0, map[string]any{"files_modified": out.FilesModified}); err != nil {
		return nil, err
	}
	return t, nil
}

// persistOnly writes t without appending an event, used for the
// genuinely-in-flight persistence points the design calls out (the
// quick-validate-failure TESTS_FAILED routing in CODE/FIX does not itself
// represent a distinct audit event beyond the eventual TESTED/FIXED one).
func (o *Orchestrator) persistOnly(ctx context.Context, t *task.Task) error {
	return o.store.SaveTask(ctx, t)
}

func collaboratorsValidCommit(msg string) bool {
	for _, p := range []string{"feat:", "fix:", "docs:", "style:", "refactor:", "test:", "chore:", "perf:", "ci:", "build:", "revert:"} {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) runCommands(ctx context.Context, dir string, cmds []string) error {
	for _, c := range cmds {
		parts := strings.Fields(c)
		if len(parts) == 0 {
			continue
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("command %q failed: %w: %s", c, err, string(out))
		}
	}
	return nil
}

// callCoder dispatches to either a single coder agent or, when multi-agent
// mode is enabled, a consensus run across o.consensus.CoderModels (§4.3).
// modelOverride, when non-empty, pins the single-agent call to that model
// (e.g. a modelselect tier or FIX's alternating fixer model); consensus
// candidates still pick their own models from o.consensus.CoderModels.
func (o *Orchestrator) callCoder(ctx context.Context, t *task.Task, instructions string, files map[string]string, previousDiff, lastError, modelOverride string) (consensus.CodeOutput, error) {
	userPrompt := buildCoderPrompt(instructions, files, previousDiff, lastError)

	call := func(ctx context.Context, model string) (consensus.CodeOutput, int, error) {
		var out coderOutput
		resp, err := o.dispatcher.CallModel(ctx, agentbase.RoleDeveloper, model, coderSystemPrompt, userPrompt, &out)
		if err != nil {
			return consensus.CodeOutput{}, 0, err
		}
		return consensus.CodeOutput{Diff: out.Diff, CommitMessage: out.CommitMessage, FilesModified: out.FilesModified}, resp.Usage.TotalTokens, nil
	}

	if !o.consensus.Enabled || o.consensus.CoderCount <= 1 {
		out, _, err := call(ctx, modelOverride)
		return out, err
	}

	runner := &consensus.Runner{Call: call}
	models := o.consensus.CoderModels
	if len(models) == 0 {
		models = make([]string, o.consensus.CoderCount)
	}
	candidates := runner.Run(ctx, models, timeoutOrDefault(o.consensus.Timeout))
	result, err := runner.Reduce(ctx, o.consensus.Strategy, candidates)
	if err != nil {
		return consensus.CodeOutput{}, err
	}
	_ = o.emit(ctx, t, task.EventConsensusDecision, "consensus", instructions, result.Reason, result.TotalTokens, result.TotalDuration, map[string]any{
		"scores": result.Scores,
	})
	return result.Winner.Output, nil
}

func buildCoderPrompt(instructions string, files map[string]string, previousDiff, lastError string) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nCurrent file contents:\n")
	for path, content := range files {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", path, content)
	}
	if previousDiff != "" {
		fmt.Fprintf(&b, "\nPrevious diff attempt:\n%s\n", previousDiff)
	}
	if lastError != "" {
		fmt.Fprintf(&b, "\nError from the previous attempt, must be addressed:\n%s\n", lastError)
	}
	return b.String()
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 90 * time.Second
	}
	return d
}
