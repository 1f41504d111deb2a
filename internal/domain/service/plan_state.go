package service

import (
	"fmt"
	"strings"
)

// PlanState tracks the agent's self-maintained plan across steps. Unlike
// the teacher's update_plan tool (plan_tool.go), which is an LLM-callable
// tool that persists a plan to a per-session JSON file, this plan is driven
// entirely by fields the model already returns on every AgentOutput
// (plan_update / current_plan_item) — there is no separate tool call and
// nothing is written to disk; it lives only for the duration of one run.
type PlanState struct {
	items            []PlanItem
	replanOnStall    int
	explorationLimit int
}

// NewPlanState creates an empty plan state for a run. replanOnStall is the
// consecutive_failures threshold that fires the REPLAN nudge (0 disables
// it); explorationLimit is the n_steps threshold that fires the
// EXPLORATION nudge while no plan exists yet.
func NewPlanState(replanOnStall int, explorationLimit int) *PlanState {
	return &PlanState{replanOnStall: replanOnStall, explorationLimit: explorationLimit}
}

// Apply implements spec.md's plan update rule: if plan_update is present,
// replace the plan wholesale (index 0, first item current); else if
// current_plan_item is provided, advance the cursor, marking everything
// between the old and new index as done and the new index current.
func (p *PlanState) Apply(out *AgentOutput, step int) {
	if out == nil {
		return
	}
	if len(out.PlanUpdate) > 0 {
		p.items = make([]PlanItem, len(out.PlanUpdate))
		for i, text := range out.PlanUpdate {
			status := PlanPending
			if i == 0 {
				status = PlanCurrent
			}
			p.items[i] = PlanItem{Text: text, Status: status}
		}
		return
	}

	if out.CurrentPlanItem == nil {
		return
	}
	newIdx := *out.CurrentPlanItem
	if newIdx < 0 || newIdx >= len(p.items) {
		return
	}

	oldIdx := p.currentIndex()
	for i := range p.items {
		switch {
		case i == newIdx:
			p.items[i].Status = PlanCurrent
		case oldIdx >= 0 && i > oldIdx && i < newIdx:
			p.items[i].Status = PlanDone
		case i == oldIdx && oldIdx != newIdx:
			p.items[i].Status = PlanDone
		case p.items[i].Status == PlanCurrent:
			p.items[i].Status = PlanDone
		}
	}
}

func (p *PlanState) currentIndex() int {
	for i, item := range p.items {
		if item.Status == PlanCurrent {
			return i
		}
	}
	return -1
}

// Items returns the current plan, for message rendering and tests.
func (p *PlanState) Items() []PlanItem {
	return p.items
}

func (p *PlanState) allDone() bool {
	for _, item := range p.items {
		if item.Status != PlanDone && item.Status != PlanSkipped {
			return false
		}
	}
	return true
}

// ReplanNudge reports whether consecutive_failures has crossed
// planning_replan_on_stall with a plan already in force, and if so returns
// the nudge text telling the model to reconsider its plan via plan_update.
// One of the three nudges §4.6 names (REPLAN); fires at most once per step.
func (p *PlanState) ReplanNudge(consecutiveFailures int) string {
	if p.replanOnStall <= 0 || len(p.items) == 0 || p.allDone() {
		return ""
	}
	if consecutiveFailures < p.replanOnStall {
		return ""
	}
	return fmt.Sprintf(
		"[SYSTEM] You've failed %d times in a row working against your current plan. "+
			"Reconsider your plan — either update it with plan_update, or explain why the current approach is still correct.",
		consecutiveFailures,
	)
}

// ExplorationNudge reports whether n_steps has crossed
// planning_exploration_limit while no plan has been proposed yet, and if
// so returns the nudge telling the model to lay down a plan. The second of
// the three §4.6 nudges (EXPLORATION); fires at most once per step.
func (p *PlanState) ExplorationNudge(nSteps int) string {
	if p.explorationLimit <= 0 || len(p.items) > 0 {
		return ""
	}
	if nSteps < p.explorationLimit {
		return ""
	}
	return fmt.Sprintf(
		"[SYSTEM] You've taken %d steps without proposing a plan. "+
			"Call plan_update with a short ordered list of the remaining steps to complete the task.",
		nSteps,
	)
}

// BudgetNudge reports whether stepsUsed/maxSteps has crossed the 75%
// mark and this isn't already the last step, returning a warning nudge if
// so. The third of the three §4.6 nudges (BUDGET); fires at most once per
// step.
func (p *PlanState) BudgetNudge(stepsUsed, maxSteps int, isLastStep bool) string {
	if maxSteps <= 0 || isLastStep {
		return ""
	}
	if float64(stepsUsed)/float64(maxSteps) < 0.75 {
		return ""
	}
	return fmt.Sprintf(
		"[SYSTEM] You've used %d of %d allotted steps. Wrap up soon — prefer the done action "+
			"over further exploration once the task is satisfied.",
		stepsUsed, maxSteps,
	)
}

// Render renders the plan into the compact bullet form appended to the
// next state message, following plan_tool.go's status-icon convention
// but for the {pending,current,done,skipped} status set.
func (p *PlanState) Render() string {
	if len(p.items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Plan:\n")
	for i, item := range p.items {
		icon := "[ ]"
		switch item.Status {
		case PlanCurrent:
			icon = "[>]"
		case PlanDone:
			icon = "[x]"
		case PlanSkipped:
			icon = "[-]"
		}
		fmt.Fprintf(&b, "%s %d. %s\n", icon, i+1, item.Text)
	}
	return b.String()
}
