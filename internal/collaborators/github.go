package collaborators

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GitHub wraps the `gh` CLI. The engine treats GitHub as an external
// collaborator (§1); this is a thin, whitelisted-command adapter, not a
// general-purpose HTTP client.
type GitHub struct {
	repoRoot string
}

func NewGitHub(repoRoot string) *GitHub {
	return &GitHub{repoRoot: repoRoot}
}

func (g *GitHub) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = g.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s", err, string(out))
	}
	return string(out), nil
}

// IsAvailable reports whether the gh CLI is installed and authenticated.
func IsAvailable() bool {
	cmd := exec.Command("gh", "auth", "status")
	return cmd.Run() == nil
}

// PullRequest is the subset of `gh pr` fields the engine needs.
type PullRequest struct {
	Number int
	URL    string
}

// CreatePR opens a pull request from branch against the repo's default
// branch, with the given title/body/labels (§4.2.7).
func (g *GitHub) CreatePR(ctx context.Context, branch, title, body string, labels []string) (*PullRequest, error) {
	args := []string{"pr", "create", "--head", branch, "--title", title, "--body", body}
	for _, l := range labels {
		args = append(args, "--label", l)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("create pr: %w", err)
	}
	url := strings.TrimSpace(out)
	return &PullRequest{Number: extractNumber(url), URL: url}, nil
}

// UpdatePRBody replaces a pull request's body, used when re-pushing new
// changes to an existing PR_CREATED task (§4.2.7).
func (g *GitHub) UpdatePRBody(ctx context.Context, number int, body string) error {
	_, err := g.run(ctx, "pr", "edit", strconv.Itoa(number), "--body", body)
	return err
}

// CommentOnPR posts a comment on a pull request (e.g. "new changes
// pushed").
func (g *GitHub) CommentOnPR(ctx context.Context, number int, comment string) error {
	_, err := g.run(ctx, "pr", "comment", strconv.Itoa(number), "--body", comment)
	return err
}

// CommentOnIssue posts a comment on the source issue — used both to link
// the opened PR (§4.2.7) and, when COMMENT_ON_FAILURE is enabled, to report
// a terminal failure (§7).
func (g *GitHub) CommentOnIssue(ctx context.Context, number int, comment string) error {
	_, err := g.run(ctx, "issue", "comment", strconv.Itoa(number), "--body", comment)
	return err
}

// CheckRunConclusion is the outcome the TEST handler polls for.
type CheckRunConclusion string

const (
	CheckRunPending CheckRunConclusion = "pending"
	CheckRunSuccess CheckRunConclusion = "success"
	CheckRunFailure CheckRunConclusion = "failure"
)

// BranchCheckConclusion returns the aggregate conclusion of CI checks on
// branch's latest commit, used by TEST (§4.2.4) to resolve a CI wait.
func (g *GitHub) BranchCheckConclusion(ctx context.Context, branch string) (CheckRunConclusion, error) {
	out, err := g.run(ctx, "api", fmt.Sprintf("repos/{owner}/{repo}/commits/%s/check-runs", branch),
		"--jq", ".check_runs | map(select(.status != \"completed\")) | length")
	if err != nil {
		return CheckRunPending, fmt.Errorf("query check runs: %w", err)
	}
	if strings.TrimSpace(out) != "0" {
		return CheckRunPending, nil
	}
	out, err = g.run(ctx, "api", fmt.Sprintf("repos/{owner}/{repo}/commits/%s/check-runs", branch),
		"--jq", ".check_runs | map(select(.conclusion != \"success\")) | length")
	if err != nil {
		return CheckRunPending, fmt.Errorf("query check run conclusions: %w", err)
	}
	if strings.TrimSpace(out) == "0" {
		return CheckRunSuccess, nil
	}
	return CheckRunFailure, nil
}

func extractNumber(url string) int {
	parts := strings.Split(url, "/")
	if len(parts) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(parts[len(parts)-1]))
	return n
}
