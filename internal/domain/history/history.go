// Package history holds the data model for a run's persisted,
// append-only step history — AgentOutput, ActionResult, StepMetadata and
// AgentHistory itself — plus the replay engine (replay.go) built on top of
// it. It deliberately does not import internal/domain/service: the service
// package's step executor and run controller import history (to produce
// and persist entries), and history must stay importable by history-only
// tooling (the replay CLI, historystore) without pulling in the much
// larger service package.
package history

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// AgentOutput is the parsed shape of one LLM turn. Three shape variants
// (flash_mode / use_thinking / done-only enforcement) differ only in which
// textual fields are permitted and which actions the validator allows —
// all three parse into this same struct; ValidateVariant enforces the
// restriction for the variant in effect.
type AgentOutput struct {
	Thinking               *string                       `json:"thinking,omitempty"`
	EvaluationPreviousGoal *string                       `json:"evaluation_previous_goal,omitempty"`
	Memory                 *string                       `json:"memory,omitempty"`
	NextGoal               *string                       `json:"next_goal,omitempty"`
	CurrentPlanItem        *int                          `json:"current_plan_item,omitempty"`
	PlanUpdate             []string                      `json:"plan_update,omitempty"`
	Action                 []map[string]json.RawMessage  `json:"action"`
}

// OutputVariant selects which AgentOutput fields/actions are legal for a
// given step, per spec.md's three-shape rule.
type OutputVariant int

const (
	// VariantFull permits thinking/evaluation/memory/next_goal and any
	// registered action.
	VariantFull OutputVariant = iota
	// VariantFlash disables thinking and planning fields (flash_mode).
	VariantFlash
	// VariantDoneOnly restricts the action list to {done} (final step or
	// post-max-failures recovery step).
	VariantDoneOnly
)

// ValidateVariant enforces the field/action restrictions for v, returning
// an error describing the first violation found.
func (o *AgentOutput) ValidateVariant(v OutputVariant) error {
	switch v {
	case VariantFlash:
		if o.Thinking != nil {
			return fmt.Errorf("flash_mode forbids thinking")
		}
		if len(o.PlanUpdate) > 0 || o.CurrentPlanItem != nil {
			return fmt.Errorf("flash_mode forbids plan fields")
		}
	case VariantDoneOnly:
		if len(o.Action) != 1 {
			return fmt.Errorf("done-only step must return exactly one action")
		}
		if _, ok := o.Action[0]["done"]; !ok {
			return fmt.Errorf("done-only step must use the done action")
		}
	}
	return nil
}

// jsonFence strips an optional ```json ... ``` (or bare ```) fence wrapping
// the model's completion.
var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// firstJSONObject isolates the first top-level {...} object in s, tolerant
// of leading prose a model may have emitted before the JSON.
func firstJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in completion")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in completion")
}

// ParseAgentOutputRaw unmarshals a completion that has ALREADY had
// reasoning tags stripped (service.ParseAgentOutput does that step, since
// StripReasoningTags lives in the service package) into an AgentOutput:
// unwrap an optional ```json fence, isolate the first top-level JSON
// object, then unmarshal.
func ParseAgentOutputRaw(cleaned string) (*AgentOutput, error) {
	if m := jsonFence.FindStringSubmatch(cleaned); m != nil {
		cleaned = m[1]
	}
	obj, err := firstJSONObject(cleaned)
	if err != nil {
		return nil, fmt.Errorf("agent output parse: %w", err)
	}
	var out AgentOutput
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return nil, fmt.Errorf("agent output unmarshal: %w", err)
	}
	return &out, nil
}

// NormalizeActions applies spec.md's action-list normalization: reject an
// empty list (caller re-prompts), collapse all-empty-object actions into
// nothing (caller re-prompts once), and cap the list at maxActions.
func NormalizeActions(raw []map[string]json.RawMessage, maxActions int) (kept []map[string]json.RawMessage, allEmpty bool) {
	nonEmpty := make([]map[string]json.RawMessage, 0, len(raw))
	for _, a := range raw {
		if len(a) == 0 {
			continue
		}
		nonEmpty = append(nonEmpty, a)
	}
	if len(nonEmpty) == 0 {
		return nil, true
	}
	if maxActions > 0 && len(nonEmpty) > maxActions {
		nonEmpty = nonEmpty[:maxActions]
	}
	return nonEmpty, false
}

// SyntheticNoActionOutput is what the step executor substitutes when the
// model still returns nothing actionable after one clarifying re-prompt.
func SyntheticNoActionOutput() *AgentOutput {
	args, _ := json.Marshal(map[string]interface{}{
		"success": false,
		"text":    "No next action returned by LLM!",
	})
	return &AgentOutput{
		Action: []map[string]json.RawMessage{
			{"done": args},
		},
	}
}

// ActionResult is what a single action handler returns, per spec.md.
type ActionResult struct {
	IsDone                           *bool                  `json:"is_done,omitempty"`
	Success                          *bool                  `json:"success,omitempty"`
	Error                            string                 `json:"error,omitempty"`
	ExtractedContent                 string                 `json:"extracted_content,omitempty"`
	IncludeInMemory                  bool                   `json:"include_in_memory,omitempty"`
	IncludeExtractedContentOnlyOnce  bool                   `json:"include_extracted_content_only_once,omitempty"`
	LongTermMemory                   string                 `json:"long_term_memory,omitempty"`
	Attachments                      []string               `json:"attachments,omitempty"`
	Images                           []string               `json:"images,omitempty"`
	Metadata                         map[string]interface{} `json:"metadata,omitempty"`
	Judgement                        string                 `json:"judgement,omitempty"`
}

// StepMetadata records step timing, per spec.md.
type StepMetadata struct {
	StepStartTime time.Time     `json:"step_start_time"`
	StepEndTime   time.Time     `json:"step_end_time"`
	StepNumber    int           `json:"step_number"`
	StepInterval  time.Duration `json:"step_interval"`
}

// DOMHistoryElement is the interacted-element descriptor AgentHistory owns,
// used by Rerun's fallback chain (exact -> stable -> xpath -> ax-name ->
// attributes — see replay.go).
type DOMHistoryElement struct {
	Tag            string            `json:"tag"`
	XPath          string            `json:"xpath"`
	HighlightIndex int               `json:"highlight_index"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	ExactHash      string            `json:"exact_hash"`
	StableHash     string            `json:"stable_hash"`
	AXName         string            `json:"ax_name,omitempty"`
}

// BrowserStateHistory is the subset of a browser.StateSummary worth
// persisting alongside an AgentHistory entry: enough to re-render the step
// and to resolve DOMHistoryElement references without needing a live page.
// It is a plain struct (not a dependency on domain/browser.StateSummary)
// so this package never needs to import domain/browser either.
type BrowserStateHistory struct {
	URL                string              `json:"url"`
	Title              string              `json:"title"`
	InteractedElements []DOMHistoryElement `json:"interacted_elements,omitempty"`
	ScreenshotPath     string              `json:"screenshot_path,omitempty"`
}

// AgentHistory is one append-only entry in a run's persisted history.
type AgentHistory struct {
	ModelOutput  *AgentOutput        `json:"model_output,omitempty"`
	Result       []ActionResult      `json:"result"`
	State        BrowserStateHistory `json:"state"`
	Metadata     *StepMetadata       `json:"metadata,omitempty"`
	StateMessage string              `json:"state_message,omitempty"`
}

// AgentHistoryList is the full persisted record of a run, in step order.
type AgentHistoryList struct {
	TaskID string         `json:"task_id"`
	Task   string         `json:"task"`
	Steps  []AgentHistory `json:"steps"`
}

// FinalResult returns the extracted_content of the last done action in the
// list, or "" if the run never completed.
func (l *AgentHistoryList) FinalResult() string {
	for i := len(l.Steps) - 1; i >= 0; i-- {
		for _, r := range l.Steps[i].Result {
			if r.IsDone != nil && *r.IsDone {
				return r.ExtractedContent
			}
		}
	}
	return ""
}

// IsSuccessful reports whether the run's final done action reported
// success; returns nil if the run never reached a done action.
func (l *AgentHistoryList) IsSuccessful() *bool {
	for i := len(l.Steps) - 1; i >= 0; i-- {
		for _, r := range l.Steps[i].Result {
			if r.IsDone != nil && *r.IsDone {
				return r.Success
			}
		}
	}
	return nil
}
