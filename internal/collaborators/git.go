// Package collaborators wraps the external systems the orchestration engine
// treats as named interfaces rather than owning: git working trees, GitHub,
// and Linear. Spec §1 calls these out explicitly as outside the engine's
// core; these adapters exist only to give the engine something concrete to
// call.
package collaborators

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// conventionalCommitPattern matches conventional commit format.
var conventionalCommitPattern = regexp.MustCompile(`^(feat|fix|docs|style|refactor|test|chore|perf|ci|build|revert)(\([a-zA-Z0-9_-]+\))?: .+`)

// ValidateConventionalCommit checks if a message follows conventional
// commit format.
func ValidateConventionalCommit(message string) bool {
	return conventionalCommitPattern.MatchString(message)
}

// allowedProtocols are the git URL schemes permitted for cloning.
var allowedProtocols = map[string]bool{"https": true, "git": true, "ssh": true}

func validateGitURL(rawURL string) error {
	if strings.HasPrefix(rawURL, "git@") {
		return nil
	}
	if strings.HasPrefix(rawURL, "file://") {
		return fmt.Errorf("file:// protocol is not allowed")
	}
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return fmt.Errorf("invalid URL: %s", rawURL)
	}
	scheme := strings.ToLower(rawURL[:idx])
	if !allowedProtocols[scheme] {
		return fmt.Errorf("protocol %q not allowed; must be https, git, or ssh", scheme)
	}
	return nil
}

// Git wraps the whitelisted git command set the engine is allowed to run
// against a working tree. It never shells out to anything but `git`.
type Git struct {
	repoRoot string
}

// NewGit builds a Git bound to a local working tree root.
func NewGit(repoRoot string) *Git {
	return &Git{repoRoot: repoRoot}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s", err, string(out))
	}
	return string(out), nil
}

// IsRepo reports whether repoRoot is a git working tree.
func (g *Git) IsRepo() bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = g.repoRoot
	return cmd.Run() == nil
}

// BranchExists reports whether a local branch already exists.
func (g *Git) BranchExists(ctx context.Context, name string) bool {
	_, err := g.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// EnsureBranch creates name if absent and checks it out either way. This is
// the branch-creation step used by CODE (§4.2.3) to produce
// `auto/<issue>-<slug>` branches idempotently across retries.
func (g *Git) EnsureBranch(ctx context.Context, name, base string) error {
	if g.BranchExists(ctx, name) {
		_, err := g.run(ctx, "checkout", name)
		return err
	}
	args := []string{"checkout", "-b", name}
	if base != "" {
		args = append(args, base)
	}
	_, err := g.run(ctx, args...)
	return err
}

// ApplyDiff runs `git apply --check` then `git apply` against diff (a
// unified diff string). The caller is expected to have already run the
// structural quick-validate pass; this is the final, authoritative
// application step.
func (g *Git) ApplyDiff(ctx context.Context, diff string) error {
	patchFile, err := os.CreateTemp("", "semspec-patch-*.diff")
	if err != nil {
		return fmt.Errorf("create patch file: %w", err)
	}
	defer os.Remove(patchFile.Name())
	if _, err := patchFile.WriteString(diff); err != nil {
		patchFile.Close()
		return fmt.Errorf("write patch file: %w", err)
	}
	patchFile.Close()

	if _, err := g.run(ctx, "apply", "--check", patchFile.Name()); err != nil {
		return fmt.Errorf("diff does not apply cleanly: %w", err)
	}
	if _, err := g.run(ctx, "apply", patchFile.Name()); err != nil {
		return fmt.Errorf("apply diff: %w", err)
	}
	return nil
}

// Commit stages all tracked changes and commits with message, which must
// follow conventional-commit format. Returns the short commit hash.
func (g *Git) Commit(ctx context.Context, message string) (string, error) {
	if !ValidateConventionalCommit(message) {
		return "", fmt.Errorf("commit message does not follow conventional commit format: %s", message)
	}
	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	status, _ := g.run(ctx, "diff", "--cached", "--name-only")
	if strings.TrimSpace(status) == "" {
		return "", fmt.Errorf("nothing to commit (no staged changes)")
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit failed: %w", err)
	}
	hash, _ := g.run(ctx, "rev-parse", "--short", "HEAD")
	return strings.TrimSpace(hash), nil
}

// Push pushes branch to origin.
func (g *Git) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "push", "-u", "origin", branch)
	return err
}

// ShallowClone clones url at branch into a freshly created scoped temporary
// directory and returns its path. The caller owns cleanup (defer
// os.RemoveAll); this is the primitive the full diff validator (§4.7) uses
// to get a disposable working copy.
func ShallowClone(ctx context.Context, url, branch string) (dir string, cleanup func(), err error) {
	if err := validateGitURL(url); err != nil {
		return "", func() {}, err
	}
	dir, err = os.MkdirTemp("", "semspec-clone-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("create scratch dir: %w", err)
	}
	cleanup = func() { os.RemoveAll(dir) }

	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("clone failed: %w: %s", err, string(out))
	}
	return dir, cleanup, nil
}

// WriteFiles writes the given repo-relative path -> contents map into dir,
// creating parent directories as needed. Used by the full validator after
// cloning to lay the candidate diff's file contents on disk before
// typechecking.
func WriteFiles(dir string, files map[string]string) error {
	for rel, contents := range files {
		if strings.Contains(rel, "..") {
			return fmt.Errorf("path traversal not allowed: %s", rel)
		}
		full := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", filepath.Dir(full), err)
		}
		if err := os.WriteFile(full, []byte(contents), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}
