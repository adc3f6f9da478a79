// Package consensus runs the same agent call against several candidate
// models in parallel and picks a single winner, either by a deterministic
// heuristic score or by combining that score with reviewer votes (§4.3).
package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/semspec/internal/task"
)

// Strategy selects how candidates are reduced to a single winner.
type Strategy string

const (
	StrategyScore    Strategy = "score"
	StrategyReviewer Strategy = "reviewer"
)

// Config is the multi-agent runner's startup configuration, loaded once
// from environment (§4.3).
type Config struct {
	Enabled     bool
	CoderCount  int
	FixerCount  int
	CoderModels []string
	FixerModels []string
	Strategy    Strategy
	Timeout     time.Duration
}

// CodeOutput is what a coder/fixer candidate produces; it is the shape
// scored by the heuristic function.
type CodeOutput struct {
	Diff          string
	CommitMessage string
	FilesModified []string
}

// Runner fans a call out to N models in parallel and reduces the results
// to a ConsensusResult.
type Runner struct {
	// Call invokes one candidate model; callers provide this so Runner has
	// no direct dependency on the LLM dispatch layer.
	Call func(ctx context.Context, model string) (CodeOutput, int, error)
	// Review invokes the reviewer agent against one candidate's diff, used
	// only by the reviewer strategy.
	Review func(ctx context.Context, out CodeOutput) (task.ReviewerVote, error)
}

// Run launches one goroutine per model, each bounded by timeout, and
// returns every candidate (including timed-out/errored ones) so the
// caller's consensus step can reason over failures.
func (r *Runner) Run(ctx context.Context, models []string, timeout time.Duration) []task.AgentCandidate[CodeOutput] {
	candidates := make([]task.AgentCandidate[CodeOutput], len(models))
	var wg sync.WaitGroup

	for i, m := range models {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			start := time.Now()
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			out, tokens, err := r.Call(callCtx, model)
			candidates[i] = task.AgentCandidate[CodeOutput]{
				ID:       fmt.Sprintf("candidate-%d", i),
				Model:    model,
				Output:   out,
				Duration: time.Since(start),
				Tokens:   tokens,
				Err:      err,
			}
		}(i, m)
	}
	wg.Wait()
	return candidates
}

// Score computes the deterministic heuristic score for one candidate's
// diff: a function of size, file count, structural cleanliness, commit
// message quality, and the balance between additions and deletions.
// Higher is better; range is roughly [0, 1].
func Score(out CodeOutput) float64 {
	if out.Diff == "" {
		return 0
	}

	adds, dels := 0, 0
	strayMarker := false
	for _, line := range strings.Split(out.Diff, "\n") {
		switch {
		case strings.HasPrefix(line, "++ b/") || strings.HasPrefix(line, "-- a/"):
			strayMarker = true
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			adds++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			dels++
		}
	}
	total := adds + dels
	if total == 0 {
		return 0
	}

	// Smaller, focused diffs score higher; this rewards 5-300 changed
	// lines and penalizes both trivial and sprawling diffs.
	sizeScore := sizeBand(total)

	fileScore := 1.0
	if n := len(out.FilesModified); n > 0 {
		fileScore = 1.0 / (1.0 + float64(n-1)*0.15)
	}

	cleanScore := 1.0
	if strayMarker || strings.Contains(out.Diff, "<<<<<<<") {
		cleanScore = 0
	}

	commitScore := 0.5
	if commitConventional(out.CommitMessage) {
		commitScore = 1.0
	}

	balance := 1.0
	if adds+dels > 0 {
		ratio := float64(dels) / float64(adds+dels)
		// Pure additions (ratio 0) score well for new code; wildly
		// deletion-heavy diffs score lower.
		balance = 1.0 - 0.5*ratio
	}

	return 0.35*sizeScore + 0.2*fileScore + 0.2*cleanScore + 0.1*commitScore + 0.15*balance
}

func sizeBand(total int) float64 {
	switch {
	case total < 5:
		return 0.3
	case total <= 300:
		return 1.0
	case total <= 800:
		return 0.6
	default:
		return 0.25
	}
}

func commitConventional(msg string) bool {
	for _, prefix := range []string{"feat:", "fix:", "docs:", "style:", "refactor:", "test:", "chore:", "perf:"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
		if idx := strings.Index(msg, "("); idx > 0 && strings.HasPrefix(msg, strings.TrimSuffix(prefix, ":")+"(") {
			return true
		}
	}
	return false
}

// Reduce scores every non-errored candidate and, for the reviewer
// strategy, additionally runs r.Review over each to combine a reviewer
// verdict with the heuristic score.
func (r *Runner) Reduce(ctx context.Context, strategy Strategy, candidates []task.AgentCandidate[CodeOutput]) (task.ConsensusResult[CodeOutput], error) {
	result := task.ConsensusResult[CodeOutput]{
		Candidates: candidates,
		Scores:     make(map[string]float64),
	}
	for _, c := range candidates {
		result.TotalTokens += c.Tokens
		result.TotalDuration += c.Duration
	}

	live := make([]int, 0, len(candidates))
	for i, c := range candidates {
		if c.Err == nil {
			live = append(live, i)
			result.Scores[c.ID] = Score(c.Output)
		}
	}
	if len(live) == 0 {
		return result, fmt.Errorf("all %d candidates failed", len(candidates))
	}

	if strategy == StrategyReviewer && r.Review != nil {
		votes := make(map[string]task.ReviewerVote, len(live))
		for _, i := range live {
			vote, err := r.Review(ctx, candidates[i].Output)
			if err != nil {
				continue
			}
			votes[candidates[i].ID] = vote
			result.Scores[candidates[i].ID] = 0.6*result.Scores[candidates[i].ID] + 0.4*vote.Score
		}
		result.ReviewerVotes = votes

		winner := pickWinnerExcluding(candidates, live, votes, result.Scores)
		result.Winner = winner
		result.Reason = "reviewer strategy: combined heuristic (0.6) and reviewer (0.4) score, preferring non-REQUEST_CHANGES candidates"
		return result, nil
	}

	best := live[0]
	for _, i := range live[1:] {
		if result.Scores[candidates[i].ID] > result.Scores[candidates[best].ID] {
			best = i
		}
	}
	result.Winner = candidates[best]
	result.Reason = "score strategy: highest heuristic score"
	return result, nil
}

// pickWinnerExcluding prefers the highest-scoring candidate whose reviewer
// verdict is not REQUEST_CHANGES; if every live candidate was rejected, it
// falls back to the highest overall score.
func pickWinnerExcluding(candidates []task.AgentCandidate[CodeOutput], live []int, votes map[string]task.ReviewerVote, scores map[string]float64) task.AgentCandidate[CodeOutput] {
	type scored struct {
		idx   int
		score float64
	}
	var accepted, all []scored
	for _, i := range live {
		s := scored{idx: i, score: scores[candidates[i].ID]}
		all = append(all, s)
		if v, ok := votes[candidates[i].ID]; !ok || v.Verdict != task.VerdictRequestChanges {
			accepted = append(accepted, s)
		}
	}

	pool := accepted
	if len(pool) == 0 {
		pool = all
	}
	sort.Slice(pool, func(a, b int) bool { return pool[a].score > pool[b].score })
	return candidates[pool[0].idx]
}
