package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/c360studio/semspec/internal/collaborators"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// slug lowercases title and collapses non-alphanumerics into single
// hyphens, for building `auto/<issue>-<slug>` branch names (§4.2.3).
func slug(title string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}

// ensureWorkspace returns a Git bound to a persistent local clone of repo,
// cloning it on first use under cfg.WorkspaceRoot. Each call fetches the
// latest state of branch (or the default branch when empty) so handlers
// always operate against current history.
func (o *Orchestrator) ensureWorkspace(ctx context.Context, repo, branch string) (*collaborators.Git, string, error) {
	dir := filepath.Join(o.cfg.WorkspaceRoot, repoDirName(repo))

	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return nil, "", fmt.Errorf("create workspace parent: %w", err)
		}
		cmd := exec.CommandContext(ctx, "git", "clone", o.repoURL(repo), dir)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, "", fmt.Errorf("clone %s: %w: %s", repo, err, string(out))
		}
	}

	g := collaborators.NewGit(dir)
	fetch := exec.CommandContext(ctx, "git", "fetch", "origin")
	fetch.Dir = dir
	_ = fetch.Run()

	if branch != "" {
		if err := g.EnsureBranch(ctx, branch, "origin/"+defaultBranchGuess(ctx, dir)); err != nil {
			return nil, "", fmt.Errorf("ensure branch %s: %w", branch, err)
		}
	}
	return g, dir, nil
}

func repoDirName(repo string) string {
	return strings.ReplaceAll(repo, "/", "__")
}

func defaultBranchGuess(ctx context.Context, dir string) string {
	cmd := exec.CommandContext(ctx, "git", "symbolic-ref", "refs/remotes/origin/HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "main"
	}
	parts := strings.Split(strings.TrimSpace(string(out)), "/")
	return parts[len(parts)-1]
}

// readFiles reads the current contents of paths from dir, relative.
func readFiles(dir string, paths []string) map[string]string {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(filepath.Join(dir, p))
		if err != nil {
			out[p] = ""
			continue
		}
		out[p] = string(b)
	}
	return out
}
