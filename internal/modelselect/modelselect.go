// Package modelselect implements the pure model-tier selection policy
// (§4.6): given complexity, configured effort, and attempt count, decide
// which model tier and fallback set the orchestrator's CODE/FIX handlers
// should dispatch to, and whether multi-agent fan-out applies.
package modelselect

import "github.com/c360studio/semspec/internal/task"

// Effort is the operator-configured quality/cost tradeoff.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Tier names a rung on the escalation ladder; these map to model.Registry
// endpoint names via the Config's tier->model table, not hardcoded here.
type Tier string

const (
	TierCheap           Tier = "cheap"
	TierProvenQuality   Tier = "proven-quality"
	TierFast            Tier = "fast"
	TierMid             Tier = "mid"
	TierQuality         Tier = "quality"
	TierPremium         Tier = "premium"
	TierRecoveryCheap   Tier = "recovery-cheap-reasoning"
	TierRecovery        Tier = "recovery"
	TierPremiumFallback Tier = "premium-fallback"
)

// DefaultTierModels maps each Tier to the model.Registry endpoint name it
// resolves to, for operators who don't override the mapping in Config.
// Names match model.NewDefaultRegistry's endpoint table.
var DefaultTierModels = map[Tier]string{
	TierCheap:           "claude-haiku",
	TierProvenQuality:   "claude-sonnet",
	TierFast:            "claude-haiku",
	TierMid:             "qwen",
	TierQuality:         "claude-sonnet",
	TierPremium:         "claude-opus",
	TierRecoveryCheap:   "claude-haiku",
	TierRecovery:        "claude-sonnet",
	TierPremiumFallback: "claude-opus",
}

// Selection is the outcome of Select.
type Selection struct {
	Tier          Tier
	UseMultiAgent bool
	Reason        string
	// NeedsBreakdown is true for L/XL complexity: the caller must decompose
	// instead of coding directly.
	NeedsBreakdown bool
}

// attempt0Table maps complexity x effort to the attempt-0 tier, per §4.6's
// representative policy table.
var attempt0Table = map[task.Complexity]map[Effort]Tier{
	task.ComplexityXS: {EffortLow: TierCheap, EffortMedium: TierCheap, EffortHigh: TierProvenQuality},
	task.ComplexityS:  {EffortLow: TierFast, EffortMedium: TierMid, EffortHigh: TierQuality},
	task.ComplexityM:  {EffortLow: TierMid, EffortMedium: TierQuality, EffortHigh: TierPremium},
}

// Select implements the escalation policy: attempt 0 picks by
// complexity/effort, attempt 1 always recovers, attempt 2+ always falls
// back to the premium tier. L/XL complexities never select a coding tier;
// they must be decomposed (§4.2.2) instead.
func Select(complexity task.Complexity, effort Effort, attemptCount int) Selection {
	if complexity == task.ComplexityL || complexity == task.ComplexityXL {
		return Selection{NeedsBreakdown: true, Reason: "complexity requires breakdown into subtasks"}
	}

	row, ok := attempt0Table[complexity]
	if !ok {
		row = attempt0Table[task.ComplexityS]
	}

	switch {
	case attemptCount <= 0:
		tier := row[effort]
		if tier == "" {
			tier = row[EffortMedium]
		}
		reason := "attempt 0: direct tier selection by complexity/effort"
		if complexity == task.ComplexityXS && effort == EffortHigh {
			// XS/high intentionally routes to a proven-quality tier rather
			// than escalating, per §4.6's table.
			return Selection{Tier: tier, UseMultiAgent: false, Reason: reason}
		}
		return Selection{Tier: tier, UseMultiAgent: complexity != task.ComplexityXS, Reason: reason}
	case attemptCount == 1:
		tier := TierRecovery
		if complexity == task.ComplexityXS {
			tier = TierRecoveryCheap
		}
		return Selection{Tier: tier, UseMultiAgent: false, Reason: "attempt 1: recovery tier after first failure"}
	default:
		return Selection{Tier: TierPremiumFallback, UseMultiAgent: false, Reason: "attempt 2+: premium fallback"}
	}
}

// fixerModels alternates between two cheap recovery models by
// attempt_count % 2, spreading provider load across FIX retries (§4.6).
var fixerModels = [2]string{"claude-haiku", "qwen"}

// SelectFixer returns the model name the FIX handler should use for this
// attempt, independent of the general Select escalation ladder.
func SelectFixer(attemptCount int) string {
	return fixerModels[attemptCount%2]
}
