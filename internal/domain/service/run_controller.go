package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/agentloop"
	"github.com/ngoclaw/browseragent/internal/domain/browser"
	"github.com/ngoclaw/browseragent/internal/domain/entity"
	"github.com/ngoclaw/browseragent/internal/domain/history"
	domaintool "github.com/ngoclaw/browseragent/internal/domain/tool"
	"github.com/ngoclaw/browseragent/internal/infrastructure/eventbus"
)

// Event bus event types, per spec.md §6's "Event bus (produced)" list.
// These ride on the teacher's eventbus.Bus/Event exactly as the existing
// EventTypeStateChange etc. constants do (eventbus/bus.go) — the payload
// is whatever struct is passed to eventbus.NewEvent, not a new interface.
const (
	EventTypeCreateAgentSession    = "create_agent_session"
	EventTypeCreateAgentTask       = "create_agent_task"
	EventTypeCreateAgentStep       = "create_agent_step"
	EventTypeUpdateAgentTask       = "update_agent_task"
	EventTypeCreateAgentOutputFile = "create_agent_output_file"
)

// AgentSessionPayload backs EventTypeCreateAgentSession.
type AgentSessionPayload struct {
	RunID     string
	SessionID string
	Task      string
}

// AgentTaskPayload backs EventTypeCreateAgentTask and EventTypeUpdateAgentTask.
type AgentTaskPayload struct {
	RunID      string
	Status     string // "running", "done", "stopped", "failed"
	Steps      int
	FinalText  string
	Success    *bool
	TokensUsed int
}

// AgentStepPayload backs EventTypeCreateAgentStep.
type AgentStepPayload struct {
	RunID string
	Step  history.AgentHistory
}

// AgentOutputFilePayload backs EventTypeCreateAgentOutputFile.
type AgentOutputFilePayload struct {
	RunID string
	Path  string
	Kind  string // "screenshot", "gif", "conversation"
}

// RunController is the outer loop spec.md §5 describes: it constructs one
// StepExecutor per run and drives Execute in a loop until done, a stop
// request, or the step/failure caps are hit — replacing AgentLoop.Run's
// single flat Run() entrypoint (agent_loop.go) with the done-detection,
// pause/resume, and session-attachment lifecycle a browser run needs that
// a native tool-calling loop never had to handle.
type RunController struct {
	bus    eventbus.Bus
	locks  browser.Locker
	logger *zap.Logger
}

// NewRunController wires a controller shared across runs — the event bus
// and session lock table are process-wide, like eventbus.InMemoryBus and
// browser.LockTable are documented to be. locks may be the in-memory
// *browser.LockTable or a distributed implementation
// (internal/infrastructure/sessioncache) behind the same browser.Locker
// interface.
func NewRunController(bus eventbus.Bus, locks browser.Locker, logger *zap.Logger) *RunController {
	return &RunController{bus: bus, locks: locks, logger: logger}
}

// RunConfig bundles everything one call to Run needs.
type RunConfig struct {
	RunID         string
	SessionID     string // lock-table key; defaults to RunID when empty (copy mode)
	Task          string
	SystemPrompt  string
	Session       browser.Session
	Catalog       *domaintool.Catalog
	LLM           LLMClient
	Settings      AgentSettings
	Config        AgentLoopConfig
	Skill         SkillService
	SensitiveData map[string]string
	Hooks         AgentHook
	Middleware    *MiddlewarePipeline
	MaxSteps      int
	FallbackLLM   LLMClient // spec.md §7 "Provider rate-limit" fallback switch
}

// RunHandle lets a caller pause/resume/stop an in-flight run and observe
// its events, mirroring spec.md §5's "install a signal handler that calls
// pause/resume/stop" outer-loop responsibility.
type RunHandle struct {
	Events <-chan entity.AgentEvent

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
	stopped  bool
}

func newRunHandle(events <-chan entity.AgentEvent) *RunHandle {
	return &RunHandle{Events: events}
}

// Pause sets the latch; the loop's next step boundary will block on Resume.
func (h *RunHandle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused || h.stopped {
		return
	}
	h.paused = true
	h.resumeCh = make(chan struct{})
}

// Resume clears the latch, releasing a step boundary blocked in awaitResume.
func (h *RunHandle) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused {
		return
	}
	h.paused = false
	close(h.resumeCh)
}

// Stop sets the sticky terminal flag and resolves any pending pause, per
// spec.md §5.4's "Stop is sticky and always resumes any pending pause."
func (h *RunHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.paused {
		h.paused = false
		close(h.resumeCh)
	}
}

func (h *RunHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// awaitResume blocks the caller while paused; returns immediately if never
// paused, or if Stop resolved the pause while waiting.
func (h *RunHandle) awaitResume(ctx context.Context) error {
	h.mu.Lock()
	ch := h.resumeCh
	paused := h.paused
	h.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunResult is returned once the outer loop exits.
type RunResult struct {
	History     history.AgentHistoryList
	Result      *AgentResult
	Done        bool
	Success     *bool
	StepsUsed   int
	UsingFallback bool
}

// Run drives one task end to end: claims the session, seeds
// initial_actions from extractStartURL, loops Execute under step_timeout
// until done/stop/step-cap, judges the result, and tears down. It returns
// immediately with a RunHandle for pause/resume/stop and a result channel
// that receives exactly one RunResult when the run finishes.
func (c *RunController) Run(ctx context.Context, cfg RunConfig) (*RunHandle, <-chan RunResult) {
	eventCh := make(chan entity.AgentEvent, 256)
	resultCh := make(chan RunResult, 1)
	handle := newRunHandle(eventCh)

	go func() {
		defer close(eventCh)
		defer close(resultCh)
		resultCh <- c.run(ctx, cfg, handle, eventCh)
	}()

	return handle, resultCh
}

func (c *RunController) run(ctx context.Context, cfg RunConfig, handle *RunHandle, eventCh chan<- entity.AgentEvent) RunResult {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = cfg.RunID
	}
	mode := browser.AttachmentMode(cfg.Settings.SessionAttachmentMode)
	if mode == "" {
		mode = browser.AttachmentCopy
	}

	if err := c.locks.Claim(ctx, mode, sessionID, cfg.RunID); err != nil {
		return RunResult{History: history.AgentHistoryList{TaskID: cfg.RunID, Task: cfg.Task}}
	}
	defer c.locks.Release(sessionID, cfg.RunID)

	c.bus.Publish(ctx, eventbus.NewEvent(EventTypeCreateAgentSession, AgentSessionPayload{
		RunID: cfg.RunID, SessionID: sessionID, Task: cfg.Task,
	}))
	c.bus.Publish(ctx, eventbus.NewEvent(EventTypeCreateAgentTask, AgentTaskPayload{
		RunID: cfg.RunID, Status: "running",
	}))

	hist := history.AgentHistoryList{TaskID: cfg.RunID, Task: cfg.Task}

	maxSteps := cfg.MaxSteps
	if maxSteps == 0 {
		return c.finish(ctx, cfg, hist, nil, false, nil, "max_steps = 0")
	}

	if startURL := extractStartURL(cfg.Task); startURL != "" {
		if err := cfg.Session.Navigate(ctx, startURL); err != nil {
			c.logger.Warn("initial-actions bootstrap navigation failed", zap.String("url", startURL), zap.Error(err))
		} else {
			hist.Steps = append(hist.Steps, history.AgentHistory{
				Result: []history.ActionResult{{ExtractedContent: fmt.Sprintf("navigated to %s", startURL)}},
				State:  history.BrowserStateHistory{URL: startURL},
			})
		}
	}

	mm := NewMessageManager(cfg.SystemPrompt, cfg.Task, cfg.Settings.UseVision, cfg.Config.CompactKeepLast, cfg.LLM, cfg.Config.Model, c.logger)
	plan := NewPlanState(cfg.Settings.PlanningReplanOnStall, cfg.Settings.PlanningExplorationLimit)

	exec := NewStepExecutor(StepExecutorConfig{
		LLM:            cfg.LLM,
		Catalog:        cfg.Catalog,
		Session:        cfg.Session,
		Settings:       cfg.Settings,
		Config:         cfg.Config,
		MessageManager: mm,
		Plan:           plan,
		Skill:          cfg.Skill,
		SensitiveData:  cfg.SensitiveData,
		Hooks:          cfg.Hooks,
		Middleware:     cfg.Middleware,
		Logger:         c.logger,
		MaxSteps:       maxSteps,
	})

	consecutiveFailures := 0
	usingFallback := false
	var lastResult *StepResult
	var runErr error

	for step := 1; step <= maxSteps; step++ {
		if handle.isStopped() {
			break
		}
		if err := handle.awaitResume(ctx); err != nil {
			runErr = err
			break
		}
		if handle.isStopped() {
			break
		}

		isLastStep := step == maxSteps
		failureCapHit := consecutiveFailures >= cfg.Settings.MaxFailures
		// One extra done-only recovery step past the cap, per spec.md §7's
		// "Fatal" kind and final_response_after_failure.
		pastRecovery := failureCapHit && cfg.Settings.FinalResponseAfterFailure && consecutiveFailures == cfg.Settings.MaxFailures
		mustStop := failureCapHit && !pastRecovery

		stepCtx := ctx
		var cancel context.CancelFunc
		if cfg.Settings.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, cfg.Settings.StepTimeout)
		}

		var res *StepResult
		if !mustStop {
			res, runErr = exec.Execute(stepCtx, step, isLastStep || pastRecovery, consecutiveFailures, eventCh)
		}
		if cancel != nil {
			cancel()
		}

		if mustStop || runErr != nil {
			if runErr != nil {
				var se *agentloop.StepError
				isProviderErr := errors.As(runErr, &se) && (se.Kind == agentloop.KindProviderRateLimit || se.Kind == agentloop.KindProviderHTTP)
				if isProviderErr && cfg.FallbackLLM != nil && !usingFallback {
					c.logger.Warn("primary LLM failed, switching to fallback", zap.Error(runErr))
					exec.llm = cfg.FallbackLLM
					usingFallback = true
					consecutiveFailures++
					continue
				}
				if se != nil && se.Kind == agentloop.KindAbort {
					break
				}
				consecutiveFailures++
			}
			if !mustStop {
				continue
			}
			break
		}

		consecutiveFailures = 0
		lastResult = res

		emitEvent(eventCh, entity.AgentEvent{
			Type:     entity.EventStepDone,
			StepInfo: &entity.StepInfo{Step: step},
		}, c.logger)

		entry := history.AgentHistory{
			ModelOutput:  res.Output,
			Result:       res.Results,
			Metadata:     &res.Metadata,
			StateMessage: res.StateMessage,
		}
		if res.State != nil {
			entry.State = history.BrowserStateHistory{
				URL:                res.State.URL,
				Title:              res.State.Title,
				InteractedElements: interactedElements(res.State, res.ReferencedIndices),
				ScreenshotPath:     "",
			}
		}
		hist.Steps = append(hist.Steps, entry)
		c.bus.Publish(ctx, eventbus.NewEvent(EventTypeCreateAgentStep, AgentStepPayload{RunID: cfg.RunID, Step: entry}))

		if res.Done {
			success := res.DoneSuccess
			return c.finishWithJudge(ctx, cfg, hist, lastResult, &success, eventCh, "done")
		}
	}

	done := lastResult != nil && lastResult.Done
	var success *bool
	if done {
		s := lastResult.DoneSuccess
		success = &s
	} else if len(hist.Steps) > 0 {
		f := false
		success = &f
	}
	reason := "max_steps_exhausted"
	if handle.isStopped() {
		reason = "stopped"
	}
	result := c.finish(ctx, cfg, hist, lastResult, done, success, reason)
	result.UsingFallback = usingFallback
	return result
}

func (c *RunController) finishWithJudge(ctx context.Context, cfg RunConfig, hist history.AgentHistoryList, last *StepResult, success *bool, eventCh chan<- entity.AgentEvent, reason string) RunResult {
	// Simple judge: trust the done action's own success flag. A configured
	// full judge (use_judge + ground_truth) additionally asks the LLM to
	// compare the final result against ground_truth and can downgrade
	// success; it never upgrades a false to true.
	if cfg.Settings.UseJudge && cfg.Settings.GroundTruth != "" && success != nil && *success {
		verdict := c.judge(ctx, cfg, hist.FinalResult())
		if !verdict {
			f := false
			success = &f
		}
	}
	return c.finish(ctx, cfg, hist, last, true, success, reason)
}

// judge asks the primary LLM whether the final extracted content satisfies
// ground_truth. A plain yes/no turn — there is no structured AgentOutput
// involved, so it bypasses StepExecutor entirely.
func (c *RunController) judge(ctx context.Context, cfg RunConfig, finalResult string) bool {
	req := &LLMRequest{
		Model: cfg.Config.Model,
		Messages: []LLMMessage{
			{Role: "system", Content: "Answer with exactly one word: yes or no."},
			{Role: "user", Content: fmt.Sprintf(
				"Task ground truth: %s\n\nAgent's final result: %s\n\nDoes the result satisfy the ground truth?",
				cfg.Settings.GroundTruth, finalResult,
			)},
		},
	}
	resp, err := cfg.LLM.Generate(ctx, req)
	if err != nil {
		c.logger.Warn("judge call failed, keeping done.success as-is", zap.Error(err))
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(resp.Content)), "y")
}

func (c *RunController) finish(ctx context.Context, cfg RunConfig, hist history.AgentHistoryList, last *StepResult, done bool, success *bool, reason string) RunResult {
	status := "done"
	switch {
	case !done && reason == "stopped":
		status = "stopped"
	case !done:
		status = "failed"
	}

	payload := AgentTaskPayload{RunID: cfg.RunID, Status: status, Steps: len(hist.Steps), FinalText: hist.FinalResult(), Success: success}
	if last != nil {
		payload.TokensUsed = last.TokensUsed
	}
	c.bus.Publish(ctx, eventbus.NewEvent(EventTypeUpdateAgentTask, payload))

	_ = cfg.Session.Close(ctx)

	return RunResult{
		History: hist,
		Result: &AgentResult{
			FinalContent: hist.FinalResult(),
			TotalSteps:   len(hist.Steps),
		},
		Done:      done,
		Success:   success,
		StepsUsed: len(hist.Steps),
	}
}

// interactedElements maps the selector-map indices a step's actions
// addressed back to the DOMHistoryElement descriptors replay.go's
// element re-identification fallback chain needs (exact/stable hash,
// xpath, ax name, attributes).
func interactedElements(state *browser.StateSummary, indices []int) []history.DOMHistoryElement {
	if len(indices) == 0 {
		return nil
	}
	byIndex := make(map[int]browser.Element, len(state.Elements))
	for _, el := range state.Elements {
		byIndex[el.Index] = el
	}
	out := make([]history.DOMHistoryElement, 0, len(indices))
	for _, idx := range indices {
		el, ok := byIndex[idx]
		if !ok {
			continue
		}
		out = append(out, history.DOMHistoryElement{
			Tag:            el.TagName,
			XPath:          el.XPath,
			HighlightIndex: el.Index,
			Attributes:     el.Attributes,
			ExactHash:      el.ExactHash(),
			StableHash:     el.StableHash(),
			AXName:         el.AXName,
		})
	}
	return out
}

var startURLPattern = regexp.MustCompile(`https?://[^\s)"']+`)

var startURLExtensions = []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".zip", ".csv"}
var startURLNegations = []string{"never", "don't", "do not", "without", "avoid", "except", "not on"}

// negationWindow is the left-context span extractStartURL scans for a
// negation word, per spec.md §4.8's "within a 20-char left context" rule —
// a negation anywhere earlier in a long task must not suppress an
// unrelated, legitimate start URL.
const negationWindow = 20

// extractStartURL implements spec.md's _extract_start_url heuristic
// (Open Question 1, decided in DESIGN.md): pull the first http(s) URL out
// of the task text and return it as a bootstrap navigation target, unless
// a negation word precedes it or its path contains a file-extension token.
func extractStartURL(task string) string {
	loc := startURLPattern.FindStringIndex(task)
	if loc == nil {
		return ""
	}
	url := strings.TrimRight(task[loc[0]:loc[1]], ".,;:!?")

	before := strings.ToLower(task[:loc[0]])
	if len(before) > negationWindow {
		before = before[len(before)-negationWindow:]
	}
	for _, neg := range startURLNegations {
		if strings.Contains(before, neg) {
			return ""
		}
	}

	lowerURL := strings.ToLower(url)
	for _, ext := range startURLExtensions {
		if strings.Contains(lowerURL, ext) {
			return ""
		}
	}

	return url
}
