package service

import (
	"time"

	"github.com/ngoclaw/browseragent/internal/domain/history"
)

// AgentSettings collects every per-run knob the step executor and run
// controller read. Mirrors spec.md's AgentSettings; populated from
// config.BrowserAgentConfig plus whatever a caller overrides per task.
type AgentSettings struct {
	UseVision                 string // "true", "false", or "auto"
	IncludeRecentEvents       bool
	MaxActionsPerStep         int
	UseThinking               bool
	FlashMode                 bool
	UseJudge                  bool
	GroundTruth               string
	MaxFailures               int
	FinalResponseAfterFailure bool
	StepTimeout               time.Duration
	LLMTimeout                time.Duration
	WaitBetweenActions        time.Duration
	LoopDetectionWindow       int
	LoopDetectionEnabled      bool
	PlanningReplanOnStall     int // consecutive_failures threshold that fires the REPLAN nudge; 0 disables it
	PlanningExplorationLimit  int
	SessionAttachmentMode     string // copy, strict, shared
	VisionDetailLevel         string
	SaveConversationPath      string
	GenerateGIF               bool
	IncludeToolCallExamples   bool
}

// DefaultAgentSettings mirrors the defaults baked into bootstrap.go's
// embedded config.yaml for the browser agent.
func DefaultAgentSettings() AgentSettings {
	return AgentSettings{
		UseVision:                 "auto",
		MaxActionsPerStep:         10,
		UseThinking:               true,
		MaxFailures:               3,
		FinalResponseAfterFailure: true,
		StepTimeout:               120 * time.Second,
		LLMTimeout:                60 * time.Second,
		WaitBetweenActions:        500 * time.Millisecond,
		LoopDetectionWindow:       5,
		LoopDetectionEnabled:      true,
		PlanningReplanOnStall:     3,
		PlanningExplorationLimit:  15,
		SessionAttachmentMode:     "copy",
		VisionDetailLevel:         "auto",
	}
}

// PlanItem is one step of the agent's self-maintained plan.
type PlanItem struct {
	Text   string     `json:"text"`
	Status PlanStatus `json:"status"`
}

// PlanStatus is the lifecycle of a PlanItem.
type PlanStatus string

const (
	PlanPending PlanStatus = "pending"
	PlanCurrent PlanStatus = "current"
	PlanDone    PlanStatus = "done"
	PlanSkipped PlanStatus = "skipped"
)

// The run-history data model (AgentOutput, ActionResult, StepMetadata,
// AgentHistory, AgentHistoryList, ...) lives in internal/domain/history so
// that package can be consumed by the replay engine and historystore
// without importing this (much larger) service package. These aliases let
// the rest of the service package keep referring to them unqualified.
type (
	AgentOutput          = history.AgentOutput
	OutputVariant        = history.OutputVariant
	ActionResult         = history.ActionResult
	StepMetadata         = history.StepMetadata
	DOMHistoryElement    = history.DOMHistoryElement
	BrowserStateHistory  = history.BrowserStateHistory
	AgentHistory         = history.AgentHistory
	AgentHistoryList     = history.AgentHistoryList
)

const (
	VariantFull     = history.VariantFull
	VariantFlash    = history.VariantFlash
	VariantDoneOnly = history.VariantDoneOnly
)

var (
	NormalizeActions        = history.NormalizeActions
	SyntheticNoActionOutput = history.SyntheticNoActionOutput
)

// ParseAgentOutput implements the decode half of spec.md's decide step:
// strip <think> tags (service-only — reasoning_tags.go), then delegate to
// history.ParseAgentOutputRaw for the ```json fence/object-isolation/
// unmarshal work.
func ParseAgentOutput(raw string) (*AgentOutput, error) {
	cleaned := StripReasoningTags(raw)
	return history.ParseAgentOutputRaw(cleaned)
}
