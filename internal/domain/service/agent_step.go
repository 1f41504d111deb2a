package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/agentloop"
	"github.com/ngoclaw/browseragent/internal/domain/browser"
	"github.com/ngoclaw/browseragent/internal/domain/entity"
	domaintool "github.com/ngoclaw/browseragent/internal/domain/tool"
)

// StepExecutor runs the five-phase per-step cycle spec.md describes:
// prepare, decide, act, post-process, finalize. It replaces
// AgentLoop.runLoop's single flat loop body — browser actions are driven
// off a parsed AgentOutput rather than native tool_calls — while reusing
// the same retry (llm_caller.go), compaction (compaction.go), loop
// detection (browser_loop_detector.go) and guardrail (guardrails.go)
// building blocks the teacher's loop used.
type StepExecutor struct {
	llm     LLMClient
	catalog *domaintool.Catalog
	session browser.Session

	settings AgentSettings
	config   AgentLoopConfig

	mm      *MessageManager
	plan    *PlanState
	loopDet *BrowserLoopDetector
	guard   *ContextGuard
	cost    *CostGuard
	cache   *ToolResultCache

	hooks      AgentHook
	middleware *MiddlewarePipeline
	logger     *zap.Logger

	skill         SkillService
	sensitiveData map[string]string
	pinnedTabID   string
	lastStepEnd   time.Time
	lastState     *browser.StateSummary
	maxSteps      int
}

// StepExecutorConfig bundles the construction-time dependencies for one run.
type StepExecutorConfig struct {
	LLM            LLMClient
	Catalog        *domaintool.Catalog
	Session        browser.Session
	Settings       AgentSettings
	Config         AgentLoopConfig
	MessageManager *MessageManager
	Plan           *PlanState
	Skill          SkillService
	SensitiveData  map[string]string
	Hooks          AgentHook
	Middleware     *MiddlewarePipeline
	Logger         *zap.Logger
	MaxSteps       int
}

// NewStepExecutor wires a StepExecutor for one run.
func NewStepExecutor(c StepExecutorConfig) *StepExecutor {
	hooks := c.Hooks
	if hooks == nil {
		hooks = &NoOpHook{}
	}
	mw := c.Middleware
	if mw == nil {
		mw = NewMiddlewarePipeline(c.Logger)
	}
	var cost *CostGuard
	if c.Config.MaxTokenBudget > 0 {
		cost = NewCostGuard(c.Config.MaxTokenBudget, 0, c.Logger)
	}
	return &StepExecutor{
		llm:           c.LLM,
		catalog:       c.Catalog,
		session:       c.Session,
		settings:      c.Settings,
		config:        c.Config,
		mm:            c.MessageManager,
		plan:          c.Plan,
		skill:         c.Skill,
		loopDet:       NewBrowserLoopDetector(c.Settings.LoopDetectionWindow, c.Settings.LoopDetectionWindow, c.Logger),
		guard:         NewContextGuard(c.Config.ContextMaxTokens, c.Config.ContextWarnRatio, c.Config.ContextHardRatio, c.Logger),
		cost:          cost,
		cache:         NewToolResultCache(30*time.Second, 100),
		hooks:         hooks,
		middleware:    mw,
		logger:        c.Logger,
		sensitiveData: c.SensitiveData,
		maxSteps:      c.MaxSteps,
	}
}

// StepResult is everything the run controller needs to append an
// AgentHistory entry and decide whether to keep looping.
type StepResult struct {
	Output       *AgentOutput
	Results      []ActionResult
	ActionNames  []string
	Metadata     StepMetadata
	StateMessage string
	State        *browser.StateSummary
	Done         bool
	DoneSuccess  bool
	TokensUsed   int
	ModelUsed    string
	// ReferencedIndices is the set of selector-map indices the step's
	// actions addressed (e.g. click/input_text), in action order. The run
	// controller uses these against State.Elements to build the
	// AgentHistory entry's interacted-element list for replay.
	ReferencedIndices []int
}

// Execute runs one full step. isLastStep and consecutiveFailures implement
// spec.md's done-only enforcement: past either threshold, the model is
// restricted to the {done} action regardless of flash_mode/use_thinking.
func (s *StepExecutor) Execute(ctx context.Context, stepNum int, isLastStep bool, consecutiveFailures int, eventCh chan<- entity.AgentEvent) (*StepResult, error) {
	start := time.Now()

	variant, err := s.prepare(ctx, stepNum, isLastStep, consecutiveFailures)
	if err != nil {
		return nil, agentloop.NewStepError(agentloop.KindBrowserAction, stepNum, "prepare phase failed", err)
	}

	output, err := s.decide(ctx, stepNum, variant, eventCh)
	if err != nil {
		return nil, err
	}

	s.plan.Apply(output, stepNum)

	results, names, indices, done, doneSuccess := s.act(ctx, stepNum, output)

	s.postProcess(output, results, names)

	interval := time.Duration(0)
	if !s.lastStepEnd.IsZero() {
		interval = start.Sub(s.lastStepEnd)
	}
	s.lastStepEnd = time.Now()

	meta := StepMetadata{
		StepStartTime: start,
		StepEndTime:   s.lastStepEnd,
		StepNumber:    stepNum,
		StepInterval:  interval,
	}

	return &StepResult{
		Output:            output,
		Results:           results,
		ActionNames:       names,
		Metadata:          meta,
		State:             s.lastState,
		StateMessage:      s.mm.LastStateText(),
		Done:              done,
		DoneSuccess:       doneSuccess,
		ReferencedIndices: indices,
	}, nil
}

// prepare implements spec.md §4.5(a): refresh perception, append state to
// the message stream, inject nudges, and decide which AgentOutput variant
// is in force for this step.
func (s *StepExecutor) prepare(ctx context.Context, stepNum int, isLastStep bool, consecutiveFailures int) (OutputVariant, error) {
	if s.settings.SessionAttachmentMode == string(browser.AttachmentShared) && s.pinnedTabID != "" {
		state, err := s.session.State(ctx, false)
		if err == nil && state.ActiveTabID != s.pinnedTabID {
			_ = s.session.SwitchTab(ctx, s.pinnedTabID)
		}
	}

	includeScreenshot := s.settings.UseVision != "false"
	state, err := s.session.State(ctx, includeScreenshot)
	if err != nil {
		return VariantFull, fmt.Errorf("capture browser state: %w", err)
	}
	s.pinnedTabID = state.ActiveTabID
	s.lastState = state

	s.mm.AppendState(state, s.plan.Render())

	if s.settings.LoopDetectionEnabled {
		if nudge := s.loopDet.RecordPage(state); nudge != "" {
			s.mm.AddContextMessage(nudge)
		}
	}
	// §4.6's three plan nudges, each checked at most once per step, in order.
	if nudge := s.plan.ReplanNudge(consecutiveFailures); nudge != "" {
		s.mm.AddContextMessage(nudge)
	}
	if nudge := s.plan.ExplorationNudge(stepNum); nudge != "" {
		s.mm.AddContextMessage(nudge)
	}
	if nudge := s.plan.BudgetNudge(stepNum, s.maxSteps, isLastStep); nudge != "" {
		s.mm.AddContextMessage(nudge)
	}
	if s.skill != nil {
		if cookies, cerr := s.session.Cookies(ctx); cerr == nil {
			if unavailable := s.skill.Unavailable(cookies); len(unavailable) > 0 {
				s.mm.AddContextMessage(skillUnavailableNudge(unavailable))
			}
		}
	}

	variant := VariantFull
	if s.settings.FlashMode {
		variant = VariantFlash
	}
	if isLastStep || consecutiveFailures >= s.settings.MaxFailures {
		s.mm.AddContextMessage("[SYSTEM] You are out of steps or have failed too many times in a row. " +
			"Call the done action now with whatever result you have, success=false if the task could not be completed.")
		variant = VariantDoneOnly
	}

	return variant, nil
}

// skillUnavailableNudge renders the one-shot context message listing
// skills that don't currently apply because the session is missing the
// cookies they need.
func skillUnavailableNudge(unavailable []SkillAvailability) string {
	var b strings.Builder
	b.WriteString("[SYSTEM] The following site-specific skills are unavailable until you are logged in " +
		"(missing cookies):\n")
	for _, u := range unavailable {
		b.WriteString("- ")
		b.WriteString(u.Name)
		b.WriteString(": missing ")
		b.WriteString(strings.Join(u.MissingCookies, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

// decide implements spec.md §4.5(b): call the LLM, parse AgentOutput,
// normalize and validate its action list.
func (s *StepExecutor) decide(ctx context.Context, stepNum int, variant OutputVariant, eventCh chan<- entity.AgentEvent) (*AgentOutput, error) {
	// Nudges injected during prepare() (and any added below on the
	// clarifying re-prompt) are for this call only — drop them before
	// returning so they never reach a later step or saved history.
	defer s.mm.DropLastIfNudge()

	s.mm.CompactIfNeeded(ctx, s.guard)
	s.mm.Sanitize()

	messages, reverseMap := shortenURLs(s.mm.Messages())
	mwMessages := s.middleware.RunBeforeModel(ctx, messages, stepNum)

	req := &LLMRequest{
		Messages:    mwMessages,
		Tools:       s.catalog.Available(s.lastURL()),
		Model:       s.config.Model,
		Temperature: s.config.Temperature,
	}
	s.hooks.BeforeLLMCall(ctx, req, stepNum)

	llmCtx := ctx
	if s.settings.LLMTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, s.settings.LLMTimeout)
		defer cancel()
	}

	resp, err := callLLMWithRetry(llmCtx, s.llm, req, stepNum, s.config.MaxRetries, s.config.RetryBaseWait, eventCh, s.logger)
	if err != nil {
		if llmCtx.Err() != nil {
			return nil, agentloop.NewStepError(agentloop.KindTimeout, stepNum, "LLM call timed out", err)
		}
		return nil, agentloop.ClassifyError(err, stepNum)
	}
	if s.cost != nil {
		if budgetErr := s.cost.AddTokens(int64(resp.TokensUsed)); budgetErr != nil {
			return nil, agentloop.NewStepError(agentloop.KindFatal, stepNum, "token budget exceeded", budgetErr)
		}
	}
	resp = s.middleware.RunAfterModel(ctx, resp, stepNum)
	s.hooks.AfterLLMCall(ctx, resp, stepNum)
	s.mm.AppendAssistant(resp.Content)

	output, perr := ParseAgentOutput(resp.Content)
	if perr != nil {
		return nil, agentloop.NewStepError(agentloop.KindLLMParse, stepNum, "model output did not parse", perr)
	}
	unshortenOutput(output, reverseMap)

	kept, allEmpty := NormalizeActions(output.Action, s.settings.MaxActionsPerStep)
	if allEmpty {
		// One clarifying re-prompt, per spec.md §4.5(b).
		s.mm.AddContextMessage("[SYSTEM] Your last response contained no usable action. " +
			"Return exactly one action in the action list.")
		retryReq := &LLMRequest{
			Messages:    s.middleware.RunBeforeModel(ctx, s.mm.Messages(), stepNum),
			Tools:       req.Tools,
			Model:       s.config.Model,
			Temperature: s.config.Temperature,
		}
		retryResp, rerr := callLLMWithRetry(llmCtx, s.llm, retryReq, stepNum, s.config.MaxRetries, s.config.RetryBaseWait, eventCh, s.logger)
		if rerr == nil {
			if retryOut, perr2 := ParseAgentOutput(retryResp.Content); perr2 == nil {
				kept, allEmpty = NormalizeActions(retryOut.Action, s.settings.MaxActionsPerStep)
				output = retryOut
			}
		}
		if allEmpty {
			output = SyntheticNoActionOutput()
			kept = output.Action
		}
	}
	output.Action = kept

	if err := output.ValidateVariant(variant); err != nil {
		// Surface as a validation StepError; the run controller decides
		// whether to retry the step or abort.
		return nil, agentloop.NewStepError(agentloop.KindValidation, stepNum, err.Error(), nil)
	}

	return output, nil
}

// act implements spec.md §4.5(c): execute each requested action in order,
// honoring wait_between_actions between actions (not before the first),
// and stopping early when a Terminator fires, the page/active tab changes,
// or a result carries {is_done}/{error}.
func (s *StepExecutor) act(ctx context.Context, stepNum int, output *AgentOutput) (results []ActionResult, names []string, indices []int, done bool, doneSuccess bool) {
	invocations, err := domaintool.ParseActionInvocations(output.Action)
	if err != nil {
		s.logger.Warn("action invocation parse failed", zap.Error(err))
		return nil, nil, nil, true, false
	}

	prevURL, prevTab := "", ""
	if s.lastState != nil {
		prevURL, prevTab = s.lastState.URL, s.lastState.ActiveTabID
	}

	for i, inv := range invocations {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && s.settings.WaitBetweenActions > 0 {
			select {
			case <-time.After(s.settings.WaitBetweenActions):
			case <-ctx.Done():
			}
		}

		tool, ok := s.catalog.Resolve(inv.Name)
		if !ok {
			results = append(results, ActionResult{Error: fmt.Sprintf("unknown action %q", inv.Name)})
			names = append(names, inv.Name)
			break
		}

		if idx, ok := inv.Args["index"]; ok {
			if f, ok := idx.(float64); ok {
				indices = append(indices, int(f))
			}
		}

		args := substituteSensitiveArgs(inv.Args, s.sensitiveData)

		toolCtx := ctx
		if s.config.ToolTimeout > 0 {
			var cancel context.CancelFunc
			toolCtx, cancel = context.WithTimeout(ctx, s.config.ToolTimeout)
			defer cancel()
		}

		if !s.hooks.BeforeToolCall(toolCtx, inv.Name, args) {
			results = append(results, ActionResult{Error: fmt.Sprintf("action %q blocked by policy", inv.Name)})
			names = append(names, inv.Name)
			break
		}

		// Read-only actions (extract_content, screenshot, ...) are
		// deduplicated through the short-TTL cache: an identical
		// name+args call within the window returns the prior result
		// without re-hitting the page.
		cacheable := tool.Kind() == domaintool.KindRead
		var ar ActionResult
		if cacheable {
			if out, success, hit := s.cache.Get(inv.Name, args); hit {
				ar = ActionResult{ExtractedContent: out, Success: &success, IncludeInMemory: true}
			}
		}
		if ar.Success == nil {
			res, execErr := tool.Execute(toolCtx, args)
			ar = toActionResult(res, execErr)
			if cacheable && execErr == nil && ar.Error == "" {
				s.cache.Put(inv.Name, args, ar.ExtractedContent, ar.Success != nil && *ar.Success)
			}
		}
		results = append(results, ar)
		names = append(names, inv.Name)
		s.hooks.AfterToolCall(toolCtx, inv.Name, ar.ExtractedContent, ar.Error == "")

		if ar.IsDone != nil && *ar.IsDone {
			done = true
			doneSuccess = ar.Success != nil && *ar.Success
		}
		if term, ok := tool.(domaintool.Terminator); ok && term.TerminatesSequence() {
			break
		}
		if done || ar.Error != "" {
			break
		}

		if state, serr := s.session.State(ctx, false); serr == nil {
			if state.URL != prevURL || state.ActiveTabID != prevTab {
				break
			}
		}
	}

	return results, names, indices, done, doneSuccess
}

// postProcess implements spec.md §4.5(d): feed executed actions into the
// loop detector and append result messages. Consecutive failures are
// counted by the RunController, not here.
func (s *StepExecutor) postProcess(output *AgentOutput, results []ActionResult, names []string) {
	for i, r := range results {
		name := "action"
		if i < len(names) {
			name = names[i]
		}
		argsFingerprint := ""
		if i < len(output.Action) {
			if raw, ok := output.Action[i][name]; ok {
				argsFingerprint = string(raw)
				// Canonicalize: re-marshalling a map sorts its keys, so
				// the same params in a different order fingerprint alike.
				var generic map[string]interface{}
				if json.Unmarshal(raw, &generic) == nil {
					if enc, err := json.Marshal(generic); err == nil {
						argsFingerprint = string(enc)
					}
				}
			}
		}
		if s.settings.LoopDetectionEnabled {
			if nudge := s.loopDet.RecordAction(name, argsFingerprint); nudge != "" {
				s.mm.AddContextMessage(nudge)
			}
		}
		if r.Error != "" {
			s.logger.Debug("action failed", zap.String("action", name), zap.String("error", r.Error))
		}
	}
	s.mm.AppendActionResults(results, names)
}

func (s *StepExecutor) lastURL() string {
	msgs := s.mm.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" && strings.HasPrefix(msgs[i].Content, "Current URL: ") {
			line := strings.SplitN(msgs[i].Content, "\n", 2)[0]
			return strings.TrimPrefix(line, "Current URL: ")
		}
	}
	return ""
}

// toActionResult maps a domaintool.Result (the Tool interface's generic
// output/success/metadata shape) into the richer ActionResult spec.md
// defines, pulling is_done/success/judgement out of Metadata when present.
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
		if v, ok := res.Metadata["judgement"].(string); ok {
			ar.Judgement = v
		}
		if v, ok := res.Metadata["long_term_memory"].(string); ok {
			ar.LongTermMemory = v
		}
	}
	return ar
}

func substituteSensitiveArgs(args map[string]interface{}, sensitive map[string]string) map[string]interface{} {
	if len(sensitive) == 0 || args == nil {
		return args
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if str, ok := v.(string); ok {
			substituted, _ := domaintool.SubstituteSensitiveData(str, sensitive)
			out[k] = substituted
			continue
		}
		out[k] = v
	}
	return out
}

// --- URL shortening (spec.md §4.5(b)) ---

const urlShortenLimit = 120

// shortenURLs walks every text part/content field of messages, replacing
// scheme://host[tail] where tail is at least urlShortenLimit characters
// with scheme://host[tail[0:limit]]...<7-hex-hash(tail)>, recording the
// reverse mapping so the parsed AgentOutput can be restored to the real
// URL before action execution.
func shortenURLs(messages []LLMMessage) ([]LLMMessage, map[string]string) {
	reverse := make(map[string]string)
	out := make([]LLMMessage, len(messages))
	for i, m := range messages {
		out[i] = m
		out[i].Content = shortenURLsInText(m.Content, reverse)
		if len(m.Parts) > 0 {
			parts := make([]ContentPart, len(m.Parts))
			copy(parts, m.Parts)
			for j := range parts {
				if parts[j].Type == "text" {
					parts[j].Text = shortenURLsInText(parts[j].Text, reverse)
				}
			}
			out[i].Parts = parts
		}
	}
	return out, reverse
}

var urlSchemeSep = "://"

func shortenURLsInText(text string, reverse map[string]string) string {
	idx := strings.Index(text, urlSchemeSep)
	if idx < 0 {
		return text
	}
	// Only handle the common single-URL-per-line case the state message
	// produces ("Current URL: https://..."); full free-text URL scanning
	// is unnecessary for this message format.
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		si := strings.Index(line, urlSchemeSep)
		if si < 0 {
			continue
		}
		schemeStart := strings.LastIndexFunc(line[:si], func(r rune) bool { return r == ' ' || r == '\t' })
		url := line[schemeStart+1:]
		lines[i] = line[:schemeStart+1] + shortenOne(url, reverse)
	}
	return strings.Join(lines, "\n")
}

func shortenOne(url string, reverse map[string]string) string {
	afterScheme := strings.Index(url, urlSchemeSep) + len(urlSchemeSep)
	hostEnd := strings.IndexByte(url[afterScheme:], '/')
	if hostEnd < 0 {
		return url
	}
	hostEnd += afterScheme
	tail := url[hostEnd:]
	if len(tail) < urlShortenLimit {
		return url
	}
	hash := fmt.Sprintf("%07x", fnv32(tail)&0xfffffff)
	short := url[:hostEnd] + tail[:urlShortenLimit] + "..." + hash
	reverse[short] = url
	return short
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// unshortenOutput replaces any shortened URL with its real form from
// reverse in NextGoal, Memory and the top-level string arguments of each
// action. Other AgentOutput fields, and strings nested inside object or
// array arguments, are not rewritten.
func unshortenOutput(out *AgentOutput, reverse map[string]string) {
	if len(reverse) == 0 || out == nil {
		return
	}
	if out.NextGoal != nil {
		*out.NextGoal = unshortenText(*out.NextGoal, reverse)
	}
	if out.Memory != nil {
		*out.Memory = unshortenText(*out.Memory, reverse)
	}
	for i, action := range out.Action {
		for name, raw := range action {
			var generic map[string]json.RawMessage
			if json.Unmarshal(raw, &generic) != nil {
				continue
			}
			changed := false
			for k, v := range generic {
				var s string
				if json.Unmarshal(v, &s) == nil {
					if replaced := unshortenText(s, reverse); replaced != s {
						if enc, err := json.Marshal(replaced); err == nil {
							generic[k] = enc
							changed = true
						}
					}
				}
			}
			if changed {
				if enc, err := json.Marshal(generic); err == nil {
					out.Action[i][name] = enc
				}
			}
		}
	}
}

func unshortenText(s string, reverse map[string]string) string {
	for short, full := range reverse {
		s = strings.ReplaceAll(s, short, full)
	}
	return s
}
