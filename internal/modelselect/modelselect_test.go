package modelselect_test

import (
	"testing"

	"github.com/c360studio/semspec/internal/modelselect"
	"github.com/c360studio/semspec/internal/task"
)

func TestSelectNeedsBreakdownForLargeComplexity(t *testing.T) {
	for _, c := range []task.Complexity{task.ComplexityL, task.ComplexityXL} {
		sel := modelselect.Select(c, modelselect.EffortMedium, 0)
		if !sel.NeedsBreakdown {
			t.Fatalf("complexity %s: expected NeedsBreakdown", c)
		}
		if sel.Tier != "" {
			t.Fatalf("complexity %s: expected no tier, got %s", c, sel.Tier)
		}
	}
}

func TestSelectAttempt0ByComplexityAndEffort(t *testing.T) {
	tests := []struct {
		complexity    task.Complexity
		effort        modelselect.Effort
		wantTier      modelselect.Tier
		wantMultiAgnt bool
	}{
		{task.ComplexityXS, modelselect.EffortLow, modelselect.TierCheap, false},
		{task.ComplexityXS, modelselect.EffortMedium, modelselect.TierCheap, false},
		{task.ComplexityXS, modelselect.EffortHigh, modelselect.TierProvenQuality, false},
		{task.ComplexityS, modelselect.EffortLow, modelselect.TierFast, true},
		{task.ComplexityS, modelselect.EffortMedium, modelselect.TierMid, true},
		{task.ComplexityS, modelselect.EffortHigh, modelselect.TierQuality, true},
		{task.ComplexityM, modelselect.EffortLow, modelselect.TierMid, true},
		{task.ComplexityM, modelselect.EffortMedium, modelselect.TierQuality, true},
		{task.ComplexityM, modelselect.EffortHigh, modelselect.TierPremium, true},
	}

	for _, tt := range tests {
		sel := modelselect.Select(tt.complexity, tt.effort, 0)
		if sel.NeedsBreakdown {
			t.Fatalf("%s/%s: unexpected breakdown", tt.complexity, tt.effort)
		}
		if sel.Tier != tt.wantTier {
			t.Errorf("%s/%s: tier = %s, want %s", tt.complexity, tt.effort, sel.Tier, tt.wantTier)
		}
		if sel.UseMultiAgent != tt.wantMultiAgnt {
			t.Errorf("%s/%s: useMultiAgent = %v, want %v", tt.complexity, tt.effort, sel.UseMultiAgent, tt.wantMultiAgnt)
		}
	}
}

func TestSelectAttempt1RecoversRegardlessOfEffort(t *testing.T) {
	sel := modelselect.Select(task.ComplexityS, modelselect.EffortHigh, 1)
	if sel.Tier != modelselect.TierRecovery {
		t.Errorf("tier = %s, want %s", sel.Tier, modelselect.TierRecovery)
	}
	if sel.UseMultiAgent {
		t.Error("attempt 1 should not use multi-agent")
	}

	sel = modelselect.Select(task.ComplexityXS, modelselect.EffortHigh, 1)
	if sel.Tier != modelselect.TierRecoveryCheap {
		t.Errorf("XS attempt 1 tier = %s, want %s", sel.Tier, modelselect.TierRecoveryCheap)
	}
}

func TestSelectAttempt2PlusFallsBackToPremium(t *testing.T) {
	for _, attempt := range []int{2, 3, 10} {
		sel := modelselect.Select(task.ComplexityM, modelselect.EffortLow, attempt)
		if sel.Tier != modelselect.TierPremiumFallback {
			t.Errorf("attempt %d: tier = %s, want %s", attempt, sel.Tier, modelselect.TierPremiumFallback)
		}
		if sel.UseMultiAgent {
			t.Errorf("attempt %d: should not use multi-agent", attempt)
		}
	}
}

func TestSelectUnknownComplexityFallsBackToSmallRow(t *testing.T) {
	sel := modelselect.Select(task.Complexity("unknown"), modelselect.EffortMedium, 0)
	if sel.Tier != modelselect.TierMid {
		t.Errorf("tier = %s, want %s (falls back to S row)", sel.Tier, modelselect.TierMid)
	}
}

func TestDefaultTierModelsCoversEverySelectableTier(t *testing.T) {
	tiers := []modelselect.Tier{
		modelselect.TierCheap, modelselect.TierProvenQuality, modelselect.TierFast,
		modelselect.TierMid, modelselect.TierQuality, modelselect.TierPremium,
		modelselect.TierRecoveryCheap, modelselect.TierRecovery, modelselect.TierPremiumFallback,
	}
	for _, tier := range tiers {
		if modelselect.DefaultTierModels[tier] == "" {
			t.Errorf("tier %s has no default model mapping", tier)
		}
	}
}

func TestSelectFixerAlternatesByAttempt(t *testing.T) {
	if got := modelselect.SelectFixer(0); got != "claude-haiku" {
		t.Errorf("attempt 0 = %s, want claude-haiku", got)
	}
	if got := modelselect.SelectFixer(1); got != "qwen" {
		t.Errorf("attempt 1 = %s, want qwen", got)
	}
	if got := modelselect.SelectFixer(2); got != "claude-haiku" {
		t.Errorf("attempt 2 = %s, want claude-haiku", got)
	}
}
