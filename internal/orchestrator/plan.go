package orchestrator

import (
	"context"
	"fmt"
	goast "go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/semspec/internal/agentbase"
	"github.com/c360studio/semspec/internal/task"
)

// plannerOutput is the planner agent's raw JSON response shape (§4.2.1).
type plannerOutput struct {
	DefinitionOfDone    []string          `json:"definition_of_done"`
	Plan                []string          `json:"plan"`
	TargetFiles         []string          `json:"target_files"`
	EstimatedComplexity string            `json:"estimated_complexity"`
	Risks               []string          `json:"risks,omitempty"`
	MultiFilePlan       map[string]string `json:"multi_file_plan,omitempty"`
	PreCommands         []string          `json:"pre_commands,omitempty"`
	PostCommands        []string          `json:"post_commands,omitempty"`
	CommandOrder        string            `json:"command_order,omitempty"`
}

const plannerSystemPrompt = `You are a senior software engineer planning a single GitHub issue's implementation.
Respond with a single JSON object: {"definition_of_done":[...],"plan":[...],"target_files":[...],"estimated_complexity":"XS|S|M|L|XL","risks":[...],"multi_file_plan":{...},"pre_commands":[...],"post_commands":[...],"command_order":"before_diff|after_diff"}.
No prose outside the JSON object.`

func (o *Orchestrator) handlePlan(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := o.validate(t, []task.Status{task.StatusNew}, map[string]string{
		"issue_title": t.IssueTitle,
	}); err != nil {
		return nil, task.WrapOrchestratorError(task.CodeInvalidState, err)
	}

	start := time.Now()

	repoContext := o.buildRepoContext(ctx, t)
	learningContext := o.buildLearningContext(ctx, t)

	userPrompt := fmt.Sprintf("Issue title: %s\n\nIssue body:\n%s\n\nRepo context:\n%s\n\n%s",
		t.IssueTitle, t.IssueBody, repoContext, learningContext)

	var out plannerOutput
	resp, err := o.dispatcher.Call(ctx, agentbase.RolePlanner, plannerSystemPrompt, userPrompt, &out)
	if err != nil {
		return nil, task.WrapOrchestratorError(task.CodeUnknownError, err)
	}

	t.DefinitionOfDone = out.DefinitionOfDone
	t.Plan = out.Plan
	t.TargetFiles = out.TargetFiles
	t.EstimatedComplexity = task.Complexity(out.EstimatedComplexity)
	t.MultiFilePlan = out.MultiFilePlan
	t.PreCommands = out.PreCommands
	t.PostCommands = out.PostCommands
	if out.CommandOrder != "" {
		t.CommandOrder = task.CommandOrder(out.CommandOrder)
	}

	if o.cfg.ExpandImports && len(t.TargetFiles) > 0 {
		t.TargetFiles = o.expandImports(ctx, t.Repo, t.TargetFiles)
	}

	if t.EstimatedComplexity == task.ComplexityXL {
		return nil, task.NewOrchestratorError(task.CodeComplexityTooHigh, "planner estimated complexity XL; decompose the issue manually before retrying")
	}

	if err := o.transition(t, task.StatusPlanningDone); err != nil {
		return nil, err
	}

	if err := o.emit(ctx, t, task.EventPlanned, "planner", t.IssueTitle, strings.Join(t.Plan, "; "), resp.Usage.TotalTokens, time.Since(start), map[string]any{
		"complexity":   string(t.EstimatedComplexity),
		"target_files": t.TargetFiles,
	}); err != nil {
		return nil, err
	}
	return t, nil
}

// buildRepoContext fetches heuristic repo context for the planner. Full
// code-entity/import-graph extraction is an external input to the planner
// (§1 Out of scope); this resolves to a minimal heuristic when no richer
// index is wired in.
func (o *Orchestrator) buildRepoContext(ctx context.Context, t *task.Task) string {
	if len(t.TargetFiles) == 0 {
		return "(no target files known yet; infer from issue title and body)"
	}
	_, _, err := o.ensureWorkspace(ctx, t.Repo, "")
	if err != nil {
		return "(workspace unavailable)"
	}
	return "target files referenced in a prior pass: " + strings.Join(t.TargetFiles, ", ")
}

func (o *Orchestrator) buildLearningContext(ctx context.Context, t *task.Task) string {
	if !o.cfg.EnableLearning || o.learning == nil {
		return ""
	}
	patterns, err := o.learning.Patterns(ctx, issueSignature(t))
	if err != nil || len(patterns) == 0 {
		return ""
	}
	return "Known failure modes for similar issues in this repo:\n- " + strings.Join(patterns, "\n- ")
}

// expandImports adds up to MaxRelatedFiles files within ImportDepth hops of
// targets, following the module's own internal import graph via a Go AST
// parse of each file's import block. Only Go source is walked; other
// languages fall back to the target list as-is.
func (o *Orchestrator) expandImports(ctx context.Context, repo string, targets []string) []string {
	_, dir, err := o.ensureWorkspace(ctx, repo, "")
	if err != nil {
		return targets
	}

	modulePath := readModulePath(dir)
	if modulePath == "" {
		return targets
	}

	graph := buildImportGraph(dir, modulePath)

	seen := make(map[string]bool, len(targets))
	for _, f := range targets {
		seen[f] = true
	}

	frontier := append([]string{}, targets...)
	for hop := 0; hop < o.cfg.ImportDepth && len(seen) < len(targets)+o.cfg.MaxRelatedFiles; hop++ {
		var next []string
		for _, f := range frontier {
			for _, related := range graph[f] {
				if seen[related] {
					continue
				}
				seen[related] = true
				next = append(next, related)
				if len(seen) >= len(targets)+o.cfg.MaxRelatedFiles {
					break
				}
			}
		}
		frontier = next
	}

	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	return out
}

// readModulePath extracts the module declaration from a go.mod at dir's root.
func readModulePath(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "module "); ok {
			return strings.TrimSpace(after)
		}
	}
	return ""
}

// buildImportGraph walks every .go file under root and maps each file
// (relative to root) to the other files in the same module it imports,
// via that import's package directory. Vendor and hidden directories are
// skipped.
func buildImportGraph(root, modulePath string) map[string][]string {
	dirFiles := map[string][]string{} // package dir (relative) -> .go files in it
	fileImports := map[string][]string{}

	fset := token.NewFileSet()
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.IsDir() {
			base := filepath.Base(path)
			if base != "." && (strings.HasPrefix(base, ".") || base == "vendor" || base == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		dir := filepath.Dir(rel)
		dirFiles[dir] = append(dirFiles[dir], rel)

		src, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return nil
		}
		fileImports[rel] = collectModuleImports(src, modulePath)
		return nil
	})

	graph := make(map[string][]string, len(fileImports))
	for file, imports := range fileImports {
		var related []string
		for _, imp := range imports {
			pkgDir := strings.TrimPrefix(strings.TrimPrefix(imp, modulePath), "/")
			related = append(related, dirFiles[pkgDir]...)
		}
		graph[file] = related
	}
	return graph
}

func collectModuleImports(f *goast.File, modulePath string) []string {
	var out []string
	for _, imp := range f.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if path == modulePath || strings.HasPrefix(path, modulePath+"/") {
			out = append(out, path)
		}
	}
	return out
}
