package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanState_Apply_PlanUpdateReplacesWholesale(t *testing.T) {
	p := NewPlanState(2, 5)
	idx := 1
	p.Apply(&AgentOutput{PlanUpdate: []string{"open site", "log in", "submit form"}}, 1)
	p.Apply(&AgentOutput{CurrentPlanItem: &idx}, 2)

	items := p.Items()
	require.Len(t, items, 3)
	require.Equal(t, PlanDone, items[0].Status, "item 0 should be done after advancing past it")
	require.Equal(t, PlanCurrent, items[1].Status)
	require.Equal(t, PlanPending, items[2].Status)
}

func TestPlanState_Apply_SkipsAheadMarksGapDone(t *testing.T) {
	p := NewPlanState(0, 0)
	p.Apply(&AgentOutput{PlanUpdate: []string{"a", "b", "c", "d"}}, 1)

	skipTo := 2
	p.Apply(&AgentOutput{CurrentPlanItem: &skipTo}, 2)

	items := p.Items()
	require.Equal(t, PlanDone, items[0].Status)
	require.Equal(t, PlanDone, items[1].Status, "skipped-over item should be marked done")
	require.Equal(t, PlanCurrent, items[2].Status)
	require.Equal(t, PlanPending, items[3].Status)
}

func TestPlanState_Apply_OutOfRangeIndexIgnored(t *testing.T) {
	p := NewPlanState(0, 0)
	p.Apply(&AgentOutput{PlanUpdate: []string{"a", "b"}}, 1)

	bad := 9
	p.Apply(&AgentOutput{CurrentPlanItem: &bad}, 2)

	require.Equal(t, PlanCurrent, p.Items()[0].Status, "an out-of-range current_plan_item should leave the plan untouched")
}

func TestPlanState_Apply_NilOutputIsNoop(t *testing.T) {
	p := NewPlanState(0, 0)
	p.Apply(&AgentOutput{PlanUpdate: []string{"a"}}, 1)
	p.Apply(nil, 2)

	require.Len(t, p.Items(), 1)
}

func TestPlanState_ReplanNudge_FiresOnceFailuresCrossThreshold(t *testing.T) {
	p := NewPlanState(3, 0)
	p.Apply(&AgentOutput{PlanUpdate: []string{"a", "b"}}, 1)

	require.Empty(t, p.ReplanNudge(2), "should not fire below the failure threshold")
	require.NotEmpty(t, p.ReplanNudge(3), "should fire once consecutive failures reach the threshold")
}

func TestPlanState_ReplanNudge_FalseWhenDisabledOrNoPlan(t *testing.T) {
	p := NewPlanState(0, 0)
	p.Apply(&AgentOutput{PlanUpdate: []string{"a"}}, 1)
	require.Empty(t, p.ReplanNudge(99), "replanOnStall=0 disables the nudge regardless of failures")

	empty := NewPlanState(1, 0)
	require.Empty(t, empty.ReplanNudge(5), "no plan yet means nothing to replan")
}

func TestPlanState_ReplanNudge_FalseWhenPlanAllDone(t *testing.T) {
	p := NewPlanState(1, 0)
	p.Apply(&AgentOutput{PlanUpdate: []string{"only step"}}, 1)
	p.items[0].Status = PlanDone

	require.Empty(t, p.ReplanNudge(5), "a fully-done plan is never stale")
}

func TestPlanState_ExplorationNudge_FiresOnlyBeforeAPlanExists(t *testing.T) {
	p := NewPlanState(0, 3)

	require.Empty(t, p.ExplorationNudge(2), "should not fire before n_steps reaches the limit")
	require.NotEmpty(t, p.ExplorationNudge(3), "should fire once n_steps reaches the limit with no plan")

	p.Apply(&AgentOutput{PlanUpdate: []string{"a"}}, 3)
	require.Empty(t, p.ExplorationNudge(10), "once a plan exists, the exploration nudge no longer applies")
}

func TestPlanState_BudgetNudge_FiresPastThreeQuartersUnlessLastStep(t *testing.T) {
	p := NewPlanState(0, 0)

	require.Empty(t, p.BudgetNudge(7, 10, false), "70 percent used should not yet fire")
	require.NotEmpty(t, p.BudgetNudge(8, 10, false), "80 percent used should fire")
	require.Empty(t, p.BudgetNudge(8, 10, true), "the last step never gets the budget nudge")
	require.Empty(t, p.BudgetNudge(8, 0, false), "max_steps=0 disables the ratio check")
}

func TestPlanState_Render_EmptyPlanRendersEmptyString(t *testing.T) {
	p := NewPlanState(0, 0)
	require.Empty(t, p.Render())
}

func TestPlanState_Render_ShowsStatusIcons(t *testing.T) {
	p := NewPlanState(0, 0)
	p.Apply(&AgentOutput{PlanUpdate: []string{"step one", "step two"}}, 1)

	out := p.Render()
	require.Contains(t, out, "[>]")
	require.Contains(t, out, "step one")
	require.Contains(t, out, "[ ]")
	require.Contains(t, out, "step two")
}
