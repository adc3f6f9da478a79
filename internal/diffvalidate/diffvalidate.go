// Package diffvalidate implements the two-tier unified-diff validator
// (structural quick check, optional full typecheck-backed check) the
// orchestrator's CODE and FIX handlers call before applying a candidate
// diff (§4.7).
package diffvalidate

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/semspec/internal/collaborators"
)

// Result is the outcome of either validation tier.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

var hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// QuickValidate runs structural checks on a unified diff without touching
// disk: marker corruption, embedded conflict markers, and hunk line-count
// mismatches against the observed add/delete/context line counts.
func QuickValidate(diff string) Result {
	var res Result
	res.Valid = true

	if strings.TrimSpace(diff) == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "empty diff")
		return res
	}

	sawHunk := false
	var curOldCount, curNewCount, oldSeen, newSeen int
	inHunk := false

	flush := func() {
		if !inHunk {
			return
		}
		if curOldCount >= 0 && oldSeen != curOldCount {
			res.Valid = false
			res.Errors = append(res.Errors, fmt.Sprintf("hunk header old-count %d does not match observed %d lines", curOldCount, oldSeen))
		}
		if curNewCount >= 0 && newSeen != curNewCount {
			res.Valid = false
			res.Errors = append(res.Errors, fmt.Sprintf("hunk header new-count %d does not match observed %d lines", curNewCount, newSeen))
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(diff))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "<<<<<<<") || strings.HasPrefix(line, "=======") || strings.HasPrefix(line, ">>>>>>>") {
			res.Valid = false
			res.Errors = append(res.Errors, "merge conflict marker found in diff content")
			continue
		}

		if m := hunkHeaderPattern.FindStringSubmatch(line); m != nil {
			flush()
			sawHunk = true
			inHunk = true
			curOldCount = parseCountOrOne(m[2])
			curNewCount = parseCountOrOne(m[4])
			oldSeen, newSeen = 0, 0
			continue
		}

		if !inHunk {
			continue
		}

		if oldSeen == curOldCount && newSeen == curNewCount {
			// The hunk already holds every line its header declared, so this
			// line belongs to what follows it (e.g. the next file's headers in
			// a multi-file diff).
			flush()
			inHunk = false
			continue
		}

		switch {
		case strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---"):
			// file header lines only occur outside a hunk; one appearing
			// before a hunk has all its declared lines means the diff text
			// is corrupted.
			res.Valid = false
			res.Errors = append(res.Errors, "file header marker found inside a hunk body")
		case strings.HasPrefix(line, "++ b/") || strings.HasPrefix(line, "-- a/"):
			res.Valid = false
			res.Errors = append(res.Errors, "stray diff marker ('++ b/' or '-- a/') found inside added content")
		case strings.HasPrefix(line, "+"):
			newSeen++
		case strings.HasPrefix(line, "-"):
			oldSeen++
		case strings.HasPrefix(line, "\\"):
			// "\ No newline at end of file" - not counted.
		default:
			oldSeen++
			newSeen++
		}
	}
	flush()

	if !sawHunk {
		res.Valid = false
		res.Errors = append(res.Errors, "no parseable hunks found in diff")
	}

	if err := scanner.Err(); err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf("scan error: %v", err))
	}

	if strings.Contains(diff, "diff --git") && strings.Count(diff, "diff --git") > 50 {
		res.Warnings = append(res.Warnings, "diff touches an unusually large number of files")
	}

	return res
}

func parseCountOrOne(s string) int {
	if s == "" {
		return 1
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

// Full additionally clones repo at branch into a scoped temp directory,
// applies files, and runs the repo's typecheck command if one is
// configured, parsing any resulting compiler errors into the result.
type Full struct {
	// TypecheckCommand is run inside the cloned working directory, e.g.
	// []string{"go", "build", "./..."} or []string{"npm", "run", "typecheck"}.
	// Empty means no typecheck step is attempted.
	TypecheckCommand []string
	Timeout          time.Duration
}

// NewFull builds a Full validator with spec-default 120s subprocess timeout.
func NewFull(typecheckCmd []string) *Full {
	return &Full{TypecheckCommand: typecheckCmd, Timeout: 120 * time.Second}
}

// Validate shallow-clones repoURL at branch, applies diff, and typechecks.
func (f *Full) Validate(ctx context.Context, repoURL, branch, diff string, files map[string]string) (Result, error) {
	res := QuickValidate(diff)
	if !res.Valid {
		return res, nil
	}

	dir, cleanup, err := collaborators.ShallowClone(ctx, repoURL, branch)
	if err != nil {
		return Result{}, fmt.Errorf("clone for full validation: %w", err)
	}
	defer cleanup()

	if err := collaborators.WriteFiles(dir, files); err != nil {
		return Result{}, fmt.Errorf("write candidate files: %w", err)
	}

	if len(f.TypecheckCommand) == 0 {
		return res, nil
	}

	timeout := f.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, f.TypecheckCommand[0], f.TypecheckCommand[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		res.Valid = false
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if strings.TrimSpace(line) != "" {
				res.Errors = append(res.Errors, line)
			}
		}
		if len(res.Errors) == 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("typecheck failed: %v", err))
		}
	}
	return res, nil
}
