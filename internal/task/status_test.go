package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusNew, StatusPlanning, StatusPlanningDone, StatusBreakingDown,
	StatusBreakdownDone, StatusOrchestrating, StatusCoding, StatusCodingDone,
	StatusTesting, StatusTestsPassed, StatusTestsFailed, StatusFixing,
	StatusReflecting, StatusReplanning, StatusReviewing, StatusReviewApproved,
	StatusReviewRejected, StatusPRCreated, StatusWaitingHuman, StatusCompleted,
	StatusFailed,
}

var edgeTable = map[Status][]Status{
	StatusNew:            {StatusPlanning},
	StatusPlanning:       {StatusPlanningDone},
	StatusPlanningDone:   {StatusCoding, StatusBreakingDown},
	StatusBreakingDown:   {StatusBreakdownDone},
	StatusBreakdownDone:  {StatusOrchestrating},
	StatusOrchestrating:  {StatusOrchestrating, StatusTestsPassed},
	StatusCoding:         {StatusCodingDone},
	StatusCodingDone:     {StatusTesting},
	StatusTesting:        {StatusTestsPassed, StatusTestsFailed},
	StatusTestsFailed:    {StatusFixing, StatusReflecting},
	StatusFixing:         {StatusCodingDone},
	StatusReflecting:     {StatusReplanning, StatusFixing},
	StatusReplanning:     {StatusCoding},
	StatusTestsPassed:    {StatusReviewing},
	StatusReviewing:      {StatusReviewApproved, StatusReviewRejected},
	StatusReviewApproved: {StatusPRCreated},
	StatusReviewRejected: {StatusCoding},
	StatusPRCreated:      {StatusWaitingHuman},
	StatusWaitingHuman:   {StatusCompleted, StatusReviewRejected},
	StatusCompleted:      {},
	StatusFailed:         {},
}

func TestTransitionClosure(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			allowed := false
			for _, want := range edgeTable[from] {
				if want == to {
					allowed = true
					break
				}
			}
			got := from.CanTransitionTo(to)
			assert.Equalf(t, allowed, got, "%s -> %s", from, to)

			_, err := Transition(from, to)
			if allowed {
				assert.NoErrorf(t, err, "%s -> %s should succeed", from, to)
			} else {
				assert.Errorf(t, err, "%s -> %s should fail", from, to)
			}
		}
	}
}

func TestTerminality(t *testing.T) {
	for _, s := range allStatuses {
		want := s == StatusCompleted || s == StatusFailed
		assert.Equal(t, want, s.IsTerminal())
		if want {
			assert.Empty(t, edgeTable[s])
		}
	}
}

func TestNextActionTotality(t *testing.T) {
	waitStatuses := map[Status]bool{
		StatusPlanning:     true,
		StatusBreakingDown: true,
		StatusCoding:       true,
		StatusTesting:      true,
		StatusFixing:       true,
		StatusReviewing:    true,
		StatusPRCreated:    true,
		StatusWaitingHuman: true,
	}
	for _, s := range allStatuses {
		action := NextAction(s)
		require.NotEmpty(t, string(action))
		if waitStatuses[s] {
			assert.Equalf(t, ActionWait, action, "status %s", s)
		} else {
			assert.NotEqualf(t, ActionWait, action, "status %s", s)
		}
	}
}

func TestValidateTask(t *testing.T) {
	tk := NewTask("acme/web", 7, "title", "body", 3)
	tk.Status = StatusPlanningDone

	err := ValidateTask(tk, []Status{StatusPlanningDone}, map[string]string{"repo": tk.Repo})
	assert.NoError(t, err)

	err = ValidateTask(tk, []Status{StatusNew}, nil)
	var invalidState *InvalidState
	require.ErrorAs(t, err, &invalidState)

	err = ValidateTask(tk, []Status{StatusPlanningDone}, map[string]string{"branch_name": ""})
	var missingField *MissingField
	require.ErrorAs(t, err, &missingField)
}
