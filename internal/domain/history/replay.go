package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
	domaintool "github.com/ngoclaw/browseragent/internal/domain/tool"
)

// ReplayLLM is the narrow LLM surface the replay engine needs: a single
// text completion given a prompt. Kept separate from service.LLMClient so
// this package (consumed by historystore and any replay-only tooling)
// never needs to import domain/service — see the package doc for why.
type ReplayLLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// RerunOptions mirrors spec.md's rerun_history options.
type RerunOptions struct {
	MaxRetries          int
	SkipFailures        bool
	DelayBetweenActions time.Duration
	MaxStepInterval     time.Duration
	WaitForElements     bool
	SummaryLLM          ReplayLLM
	AIStepLLM           ReplayLLM

	// Registry resolves recorded action names to live domaintool.Tool
	// implementations for re-execution. Policy is an optional allow/deny
	// gate checked before each replayed action is resolved.
	Registry domaintool.Registry
	Policy   *domaintool.Policy
}

// RerunSummary is the structured result of the post-replay summary call.
type RerunSummary struct {
	Summary          string `json:"summary"`
	Success          bool   `json:"success"`
	CompletionStatus string `json:"completion_status"` // complete, partial, failed
}

// RerunResult is everything Rerun produces: the replayed step history
// (actions as actually executed, with re-identified indices) plus the
// final summary/done result spec.md's rerun_history appends.
type RerunResult struct {
	Steps   []AgentHistory
	Summary RerunSummary
}

// extractActionNames are the action names Rerun drops in favor of a
// synthesized "AI step" (a fresh extraction + LLM answer over the live
// page, rather than blindly replaying a selector that may no longer
// exist).
var extractActionNames = map[string]bool{
	"extract_content":         true,
	"extract":                 true,
	"extract_structured_data": true,
}

// menuOpenerAttrs are the attributes Rerun's "did the previous step open a
// menu" heuristic checks for.
var menuOpenerAttrs = []string{"aria-haspopup", "aria-expanded"}

const elementWaitBound = 15 * time.Second
const elementWaitPoll = 1 * time.Second

// Rerun replays hist on session, re-identifying interacted elements at
// each step and synthesizing an AI-driven extraction in place of any
// recorded extract action, per spec.md §4.9.
func Rerun(ctx context.Context, session browser.Session, hist AgentHistoryList, opts RerunOptions) (*RerunResult, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("rerun: RerunOptions.Registry is required")
	}
	result := &RerunResult{}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 1
	}

	var prevStep *AgentHistory
	var prevSucceeded bool

	for i := range hist.Steps {
		step := hist.Steps[i]

		if opts.SkipFailures && stepHadError(step) {
			continue
		}

		if prevStep != nil && isRedundantRetry(step, *prevStep, prevSucceeded) {
			continue
		}

		var delay time.Duration
		if step.Metadata != nil {
			delay = step.Metadata.StepInterval
		}
		if opts.MaxStepInterval > 0 && delay > opts.MaxStepInterval {
			delay = opts.MaxStepInterval
		}
		if delay <= 0 {
			delay = opts.DelayBetweenActions
		}
		if delay > 0 && i > 0 {
			if err := session.Wait(ctx, delay); err != nil {
				return result, fmt.Errorf("rerun step %d: wait: %w", i, err)
			}
		}

		replayed, err := replayStep(ctx, session, opts.Registry, step, prevStep, opts, retries)
		if err != nil {
			if opts.SkipFailures {
				prevStep, prevSucceeded = &hist.Steps[i], false
				continue
			}
			return result, fmt.Errorf("rerun step %d: %w", i, err)
		}

		result.Steps = append(result.Steps, *replayed)
		prevStep, prevSucceeded = replayed, stepSucceeded(*replayed)
	}

	result.Summary = summarizeRerun(ctx, opts.SummaryLLM, result.Steps)
	done := true
	result.Steps = append(result.Steps, AgentHistory{
		Result: []ActionResult{{
			IsDone:            &done,
			Success:           &result.Summary.Success,
			ExtractedContent:  result.Summary.Summary,
			IncludeInMemory:   true,
		}},
	})
	return result, nil
}

func stepHadError(step AgentHistory) bool {
	for _, r := range step.Result {
		if r.Error != "" {
			return true
		}
	}
	return false
}

func stepSucceeded(step AgentHistory) bool {
	for _, r := range step.Result {
		if r.Error != "" {
			return false
		}
	}
	return true
}

// isRedundantRetry implements spec.md's "detect and skip redundant retries
// where the current step would re-run the same action type on the same
// element just successfully executed in the previous step".
func isRedundantRetry(step, prev AgentHistory, prevSucceeded bool) bool {
	if !prevSucceeded || step.ModelOutput == nil || prev.ModelOutput == nil {
		return false
	}
	curInvs, err := domaintool.ParseActionInvocations(step.ModelOutput.Action)
	if err != nil || len(curInvs) != 1 {
		return false
	}
	prevInvs, err := domaintool.ParseActionInvocations(prev.ModelOutput.Action)
	if err != nil || len(prevInvs) != 1 {
		return false
	}
	if curInvs[0].Name != prevInvs[0].Name {
		return false
	}
	curIdx, curOK := curInvs[0].Args["index"]
	prevIdx, prevOK := prevInvs[0].Args["index"]
	return curOK && prevOK && curIdx == prevIdx
}

// replayStep re-executes one recorded step's actions against the live
// session, re-identifying each interacted element first. prev is the
// previously replayed step (nil for the first one), used for menu reopening.
func replayStep(ctx context.Context, session browser.Session, registry domaintool.Registry, step AgentHistory, prev *AgentHistory, opts RerunOptions, maxRetries int) (*AgentHistory, error) {
	if step.ModelOutput == nil {
		return &step, nil
	}
	invocations, err := domaintool.ParseActionInvocations(step.ModelOutput.Action)
	if err != nil {
		return nil, fmt.Errorf("parse recorded actions: %w", err)
	}

	out := step
	out.Result = nil

	for _, inv := range invocations {
		if extractActionNames[inv.Name] {
			ar, err := runAIStep(ctx, session, opts.AIStepLLM, inv.Args)
			if err != nil {
				return nil, err
			}
			out.Result = append(out.Result, ar)
			continue
		}

		el := elementForInvocation(step.State.InteractedElements, inv)
		if el != nil {
			newIndex, err := reidentify(ctx, session, *el, opts.WaitForElements)
			if err != nil && maxRetries > 1 && prev != nil && wasMenuOpener(prev.State.InteractedElements) {
				// Re-run the previous action once to reopen the dropdown, then retry.
				_ = reopenMenu(ctx, registry, opts.Policy, *prev)
				newIndex, err = reidentify(ctx, session, *el, opts.WaitForElements)
			}
			if err == nil {
				inv.Args["index"] = float64(newIndex)
			}
		}

		res, execErr := dispatch(ctx, registry, opts.Policy, inv)
		if execErr != nil {
			out.Result = append(out.Result, ActionResult{Error: execErr.Error()})
			continue
		}
		out.Result = append(out.Result, res)
	}

	return &out, nil
}

// elementForInvocation finds the recorded DOMHistoryElement matching the
// invocation's "index" argument, if any.
func elementForInvocation(elements []DOMHistoryElement, inv domaintool.ActionInvocation) *DOMHistoryElement {
	idx, ok := inv.Args["index"]
	if !ok {
		return nil
	}
	f, ok := idx.(float64)
	if !ok {
		return nil
	}
	for i := range elements {
		if elements[i].HighlightIndex == int(f) {
			return &elements[i]
		}
	}
	return nil
}

// wasMenuOpener heuristically decides whether a step's interacted element
// looks like a menu/dropdown trigger.
func wasMenuOpener(elements []DOMHistoryElement) bool {
	for _, el := range elements {
		for _, attr := range menuOpenerAttrs {
			if _, ok := el.Attributes[attr]; ok {
				return true
			}
		}
	}
	return false
}

// reopenMenu re-dispatches the previous step's first invocation verbatim
// (its index as that step ran, not re-identified again) to reopen a
// dropdown that closed between recording and replay.
func reopenMenu(ctx context.Context, registry domaintool.Registry, policy *domaintool.Policy, prev AgentHistory) error {
	if prev.ModelOutput == nil {
		return nil
	}
	invocations, err := domaintool.ParseActionInvocations(prev.ModelOutput.Action)
	if err != nil || len(invocations) == 0 {
		return err
	}
	_, err := dispatch(ctx, registry, policy, invocations[0])
	return err
}

// reidentify implements the EXACT -> STABLE -> XPATH -> AX-name ->
// attributes fallback chain, returning the live selector-map index of the
// best match.
func reidentify(ctx context.Context, session browser.Session, recorded DOMHistoryElement, wait bool) (int, error) {
	deadline := time.Now().Add(elementWaitBound)
	for {
		state, err := session.State(ctx, false)
		if err != nil {
			return 0, err
		}
		if idx, ok := matchElement(state.Elements, recorded); ok {
			return idx, nil
		}
		if !wait || time.Now().After(deadline) {
			return 0, fmt.Errorf("no element matched recorded %q (xpath %s)", recorded.Tag, recorded.XPath)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(elementWaitPoll):
		}
	}
}

func matchElement(live []browser.Element, recorded DOMHistoryElement) (int, bool) {
	for _, el := range live {
		if el.ExactHash() == recorded.ExactHash {
			return el.Index, true
		}
	}
	for _, el := range live {
		if el.StableHash() == recorded.StableHash {
			return el.Index, true
		}
	}
	for _, el := range live {
		if recorded.XPath != "" && el.XPath == recorded.XPath {
			return el.Index, true
		}
	}
	for _, el := range live {
		if recorded.AXName != "" && el.AXName == recorded.AXName {
			return el.Index, true
		}
	}
	for _, el := range live {
		if attributesMatch(el.Attributes, recorded.Attributes) {
			return el.Index, true
		}
	}
	return 0, false
}

// attributesMatch compares the identity-bearing attributes (name, id,
// aria-label) rather than every attribute, since layout-only attributes
// (class, style) routinely change between recording and replay.
func attributesMatch(live, recorded map[string]string) bool {
	if len(recorded) == 0 {
		return false
	}
	for _, key := range []string{"name", "id", "aria-label"} {
		rv, ok := recorded[key]
		if !ok || rv == "" {
			continue
		}
		if live[key] == rv {
			return true
		}
	}
	return false
}

// dispatch checks inv against the optional policy, resolves it against
// registry and executes it, so a replayed history re-runs through the
// exact same Tool implementations
// (and so their Output text, e.g. "Navigated to ...", stays in sync with
// a live run's instead of a second hand-written copy of it).
func dispatch(ctx context.Context, registry domaintool.Registry, policy *domaintool.Policy, inv domaintool.ActionInvocation) (ActionResult, error) {
	if policy != nil && !policy.IsAllowed(inv.Name) {
		return ActionResult{Error: fmt.Sprintf("action %q not allowed by replay policy", inv.Name)}, nil
	}
	tool, ok := registry.Get(inv.Name)
	if !ok {
		return ActionResult{}, fmt.Errorf("replay: unknown action %q", inv.Name)
	}
	res, err := tool.Execute(ctx, inv.Args)
	return toActionResult(res, err), nil
}

// toActionResult maps a domaintool.Result into the ActionResult shape
// Rerun's output uses, mirroring agent_step.go's toActionResult for a live
// step (that one lives in the service package, out of reach of history's
// import rules, so the same small conversion is duplicated here rather
// than shared).
func toActionResult(res *domaintool.Result, err error) ActionResult {
	if err != nil {
		return ActionResult{Error: err.Error()}
	}
	if res == nil {
		return ActionResult{Error: "action returned no result"}
	}
	ar := ActionResult{
		ExtractedContent: res.DisplayOrOutput(),
		IncludeInMemory:  true,
	}
	success := res.Success
	ar.Success = &success
	if res.Error != "" {
		ar.Error = res.Error
	}
	if res.Metadata != nil {
		if v, ok := res.Metadata["is_done"].(bool); ok {
			ar.IsDone = &v
		}
	}
	return ar
}

// runAIStep synthesizes the "AI step" spec.md substitutes for a recorded
// extract action: extract the live page's text and ask llm to answer the
// recorded query, rather than blindly replaying a selector that may no
// longer carry the same content.
func runAIStep(ctx context.Context, session browser.Session, llm ReplayLLM, args map[string]interface{}) (ActionResult, error) {
	selector, _ := args["selector"].(string)
	query, _ := args["goal"].(string)
	if query == "" {
		query, _ = args["query"].(string)
	}

	content, err := session.ExtractContent(ctx, selector)
	if err != nil {
		return ActionResult{}, fmt.Errorf("ai step extraction: %w", err)
	}
	if llm == nil || query == "" {
		return ActionResult{ExtractedContent: content, IncludeInMemory: true}, nil
	}

	prompt := fmt.Sprintf("Page content:\n%s\n\nAnswer this question using only the page content above: %s", content, query)
	answer, err := llm.Complete(ctx, prompt)
	if err != nil {
		return ActionResult{}, fmt.Errorf("ai step completion: %w", err)
	}
	return ActionResult{ExtractedContent: answer, IncludeInMemory: true}, nil
}

// summarizeRerun runs the post-replay structured summary call. Falls back
// to a heuristic summary (no LLM call) when summaryLLM is nil, so Rerun
// still returns a usable result in tests or offline replays.
func summarizeRerun(ctx context.Context, summaryLLM ReplayLLM, steps []AgentHistory) RerunSummary {
	failures := 0
	for _, s := range steps {
		if stepHadError(s) {
			failures++
		}
	}
	status := "complete"
	switch {
	case failures == len(steps) && len(steps) > 0:
		status = "failed"
	case failures > 0:
		status = "partial"
	}
	heuristic := RerunSummary{
		Summary:          fmt.Sprintf("Replayed %d steps, %d failed.", len(steps), failures),
		Success:          failures == 0,
		CompletionStatus: status,
	}
	if summaryLLM == nil {
		return heuristic
	}

	var b strings.Builder
	for i, s := range steps {
		fmt.Fprintf(&b, "Step %d: ", i)
		for _, r := range s.Result {
			if r.Error != "" {
				fmt.Fprintf(&b, "error=%s ", r.Error)
			} else {
				fmt.Fprintf(&b, "ok=%s ", r.ExtractedContent)
			}
		}
		b.WriteString("\n")
	}
	prompt := "Summarize this replayed browser run as JSON {\"summary\":string,\"success\":bool," +
		"\"completion_status\":\"complete\"|\"partial\"|\"failed\"}:\n" + b.String()
	raw, err := summaryLLM.Complete(ctx, prompt)
	if err != nil {
		return heuristic
	}
	var parsed RerunSummary
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return heuristic
	}
	return parsed
}

// DetectVariables scans hist for action arguments that look like
// task-specific literals worth parameterizing on replay (spec.md's
// detect_variables): non-empty string values of the "text", "url" and
// "keys" arguments of any action, keyed as "<action>_<argument>".
func DetectVariables(hist AgentHistoryList) map[string]string {
	vars := make(map[string]string)
	for _, step := range hist.Steps {
		if step.ModelOutput == nil {
			continue
		}
		invocations, err := domaintool.ParseActionInvocations(step.ModelOutput.Action)
		if err != nil {
			continue
		}
		for _, inv := range invocations {
			for _, key := range []string{"text", "url", "keys"} {
				if v, ok := inv.Args[key].(string); ok && v != "" {
					varName := fmt.Sprintf("%s_%s", inv.Name, key)
					vars[varName] = v
				}
			}
		}
	}
	return vars
}

// SubstituteVariables rewrites hist's recorded action arguments, replacing
// each value in vars (keyed by DetectVariables's naming) with the provided
// override, for spec.md's load_and_rerun({variables}).
func SubstituteVariables(hist AgentHistoryList, overrides map[string]string) AgentHistoryList {
	out := hist
	out.Steps = make([]AgentHistory, len(hist.Steps))
	copy(out.Steps, hist.Steps)

	for i, step := range out.Steps {
		if step.ModelOutput == nil {
			continue
		}
		newAction := make([]map[string]json.RawMessage, len(step.ModelOutput.Action))
		for j, entry := range step.ModelOutput.Action {
			newEntry := make(map[string]json.RawMessage, len(entry))
			for name, raw := range entry {
				newEntry[name] = substituteInArgs(name, raw, overrides)
			}
			newAction[j] = newEntry
		}
		modelOutput := *step.ModelOutput
		modelOutput.Action = newAction
		out.Steps[i].ModelOutput = &modelOutput
	}
	return out
}

func substituteInArgs(actionName string, raw json.RawMessage, overrides map[string]string) json.RawMessage {
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return raw
	}
	changed := false
	for _, key := range []string{"text", "url", "keys"} {
		varName := fmt.Sprintf("%s_%s", actionName, key)
		if override, ok := overrides[varName]; ok {
			if _, has := args[key]; has {
				args[key] = override
				changed = true
			}
		}
	}
	if !changed {
		return raw
	}
	rewritten, err := json.Marshal(args)
	if err != nil {
		return raw
	}
	return rewritten
}
