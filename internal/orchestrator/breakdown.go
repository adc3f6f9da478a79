package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/semspec/internal/agentbase"
	"github.com/c360studio/semspec/internal/task"
)

type subtaskDef struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	TargetFiles        []string `json:"target_files"`
	DependsOn          []string `json:"depends_on,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Complexity         string   `json:"complexity"`
}

type breakdownOutput struct {
	Subtasks       []subtaskDef `json:"subtasks"`
	ExecutionOrder []string     `json:"execution_order"`
	ParallelGroups [][]string   `json:"parallel_groups,omitempty"`
}

const breakdownSystemPrompt = `You are decomposing a large software change into independently implementable subtasks.
Respond with a single JSON object: {"subtasks":[{"id":"","title":"","description":"","target_files":[...],"depends_on":[...],"acceptance_criteria":[...],"complexity":"XS|S|M|L|XL"}],"execution_order":[...ids...],"parallel_groups":[[...ids...]]}.
No prose outside the JSON object.`

// handleBreakdown decomposes a PLANNING_DONE task into subtasks, stores
// them as the task's orchestration state, and moves it through
// BREAKING_DOWN to BREAKDOWN_DONE (§4.2.2). NextAction never returns
// ActionBreakdown and Process has no other route here, so PLANNING_DONE
// tasks of every complexity, M and L included, go to CODE instead.
func (o *Orchestrator) handleBreakdown(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := o.validate(t, []task.Status{task.StatusPlanningDone}, map[string]string{
		"plan": strings.Join(t.Plan, ""),
	}); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidState, err)
	}

	start := time.Now()
	userPrompt := fmt.Sprintf("Definition of done:\n%s\n\nPlan:\n%s\n\nTarget files: %s",
		strings.Join(t.DefinitionOfDone, "\n"), strings.Join(t.Plan, "\n"), strings.Join(t.TargetFiles, ", "))

	var out breakdownOutput
	resp, err := o.dispatcher.Call(ctx, agentbase.RoleBreakdown, breakdownSystemPrompt, userPrompt, &out)
	if err != nil {
		return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
	}

	subtasks := make([]task.Subtask, len(out.Subtasks))
	for i, s := range out.Subtasks {
		subtasks[i] = task.Subtask{
			ID:                 s.ID,
			Title:              s.Title,
			Description:        s.Description,
			TargetFiles:        s.TargetFiles,
			DependsOn:          s.DependsOn,
			AcceptanceCriteria: s.AcceptanceCriteria,
			Complexity:         task.Complexity(s.Complexity),
			Status:             task.SubtaskPending,
		}
	}
	t.OrchestrationState = &task.OrchestrationState{
		Subtasks:       subtasks,
		ExecutionOrder: out.ExecutionOrder,
		ParallelGroups: out.ParallelGroups,
	}

	if err := o.transitionThrough(t, task.StatusBreakingDown, task.StatusBreakdownDone); err != nil {
		return nil, err
	}
	if err := o.emit(ctx, t, task.EventPlanned, "breakdown", userPrompt, fmt.Sprintf("%d subtasks", len(subtasks)), resp.Usage.TotalTokens, time.Since(start), nil); err != nil {
		return nil, err
	}
	return t, nil
}

// handleOrchestrate drives the subtask execution loop (§4.2.2): on each
// invocation it either finishes (all subtasks completed -> aggregate and
// apply) or advances one eligible pending subtask.
func (o *Orchestrator) handleOrchestrate(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := o.validate(t, []task.Status{task.StatusOrchestrating, task.StatusBreakdownDone}, nil); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidState, err)
	}
	if t.Status == task.StatusBreakdownDone {
		if err := o.transition(t, task.StatusOrchestrating); err != nil {
			return nil, err
		}
	}
	if t.OrchestrationState == nil || len(t.OrchestrationState.Subtasks) == 0 {
		return nil, task.NewOrchestratorError(task.CodeMissingField, "orchestration_state has no subtasks")
	}

	state := t.OrchestrationState

	if allSubtasksDone(state) {
		return o.finishOrchestration(ctx, t)
	}

	next := nextEligibleSubtask(state)
	if next == -1 {
		// Nothing eligible right now but not all done: either a cycle or
		// everything still blocked on an in-progress sibling. Return
		// unchanged; the job runner will call again.
		return t, nil
	}

	state.Subtasks[next].Status = task.SubtaskInProgress
	if err := o.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("save in-progress subtask: %w", err)
	}

	sub := &state.Subtasks[next]
	diff, err := o.runSubtask(ctx, t, sub)
	if err != nil {
		sub.Status = task.SubtaskFailed
		sub.Error = err.Error()
		_ = o.store.SaveTask(ctx, t)
		return nil, task.NewOrchestratorError(task.CodeSubtaskFailed, fmt.Sprintf("subtask %s failed: %v", sub.ID, err))
	}

	sub.Status = task.SubtaskCompleted
	sub.Diff = diff
	if err := o.emit(ctx, t, task.EventCoded, "orchestrate", sub.Title, fmt.Sprintf("%d lines", strings.Count(diff, "\n")), 0, 0, map[string]any{"subtask_id": sub.ID}); err != nil {
		return nil, err
	}
	return t, nil
}

func allSubtasksDone(s *task.OrchestrationState) bool {
	for _, st := range s.Subtasks {
		if st.Status != task.SubtaskCompleted {
			return false
		}
	}
	return true
}

func nextEligibleSubtask(s *task.OrchestrationState) int {
	completed := map[string]bool{}
	for _, st := range s.Subtasks {
		if st.Status == task.SubtaskCompleted {
			completed[st.ID] = true
		}
	}
	order := s.ExecutionOrder
	if len(order) == 0 {
		for _, st := range s.Subtasks {
			order = append(order, st.ID)
		}
	}
	for _, id := range order {
		for i, st := range s.Subtasks {
			if st.ID != id || st.Status != task.SubtaskPending {
				continue
			}
			ready := true
			for _, dep := range st.DependsOn {
				if !completed[dep] {
					ready = false
					break
				}
			}
			if ready {
				return i
			}
		}
	}
	return -1
}

// runSubtask fetches file contents and invokes the coder agent once
// inline, returning the produced diff.
func (o *Orchestrator) runSubtask(ctx context.Context, t *task.Task, sub *task.Subtask) (string, error) {
	_, dir, err := o.ensureWorkspace(ctx, t.Repo, t.BranchName)
	if err != nil {
		return "", err
	}
	files := readFiles(dir, sub.TargetFiles)

	out, err := o.callCoder(ctx, t, sub.Description, files, "", "", "")
	if err != nil {
		return "", err
	}
	return out.Diff, nil
}

// finishOrchestration aggregates every subtask's diff in execution order,
// applies the aggregate, and transitions straight to TESTS_PASSED,
// skipping a second per-subtask test pass (§4.2.2).
func (o *Orchestrator) finishOrchestration(ctx context.Context, t *task.Task) (*task.Task, error) {
	state := t.OrchestrationState
	if t.BranchName == "" {
		t.BranchName = fmt.Sprintf("auto/%d-%s", t.IssueNumber, slug(t.IssueTitle))
	}

	g, _, err := o.ensureWorkspace(ctx, t.Repo, t.BranchName)
	if err != nil {
		return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
	}

	byID := map[string]*task.Subtask{}
	for i := range state.Subtasks {
		byID[state.Subtasks[i].ID] = &state.Subtasks[i]
	}
	order := state.ExecutionOrder
	if len(order) == 0 {
		for _, s := range state.Subtasks {
			order = append(order, s.ID)
		}
	}

	var agg strings.Builder
	for _, id := range order {
		sub, ok := byID[id]
		if !ok {
			continue
		}
		agg.WriteString(fmt.Sprintf("# subtask %s: %s\n", sub.ID, sub.Title))
		agg.WriteString(sub.Diff)
		agg.WriteString("\n")
	}
	t.CurrentDiff = agg.String()

	if err := g.ApplyDiff(ctx, t.CurrentDiff); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidDiff, err)
	}
	commitMsg := fmt.Sprintf("feat: apply orchestrated subtasks for issue #%d", t.IssueNumber)
	if _, err := g.Commit(ctx, commitMsg); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidDiff, err)
	}
	t.CommitMessage = commitMsg

	if err := o.transition(t, task.StatusTestsPassed); err != nil {
		return nil, err
	}
	if err := o.emit(ctx, t, task.EventCoded, "orchestrate", "aggregate subtasks", fmt.Sprintf("%d subtasks", len(state.Subtasks)), 0, 0, nil); err != nil {
		return nil, err
	}
	return t, nil
}
