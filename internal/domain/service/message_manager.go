package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
)

// MessageManager builds and compacts the ordered LLM message stream for a
// run: system prompt, task, per-step browser state, prior results, plan,
// and ad-hoc nudges. Grounded on AgentLoop.Run's message-building prologue
// and compactMessages (agent_loop.go / compaction.go) — adapted from a
// flat tool-calling history into the browser agent's per-step state
// message plus one-shot nudge convention (spec.md §4.3).
type MessageManager struct {
	messages  []LLMMessage
	keepLast  int
	summarizer LLMClient
	model      string
	logger     *zap.Logger

	// useVision decides whether a screenshot the active StateSummary
	// carries is attached as an image part — the use_vision==false
	// decision (DESIGN.md open question 2): the screenshot action still
	// runs, but no image part is added to the message when vision is
	// disabled.
	useVision string // "true", "false", "auto"

	// lastStateText is the rendered text of the most recent AppendState
	// call, kept so the step executor can persist it as AgentHistory's
	// state_message without re-rendering or reaching into m.messages.
	lastStateText string
}

// NewMessageManager seeds the manager with a system prompt and task message.
func NewMessageManager(systemPrompt, task string, useVision string, keepLast int, summarizer LLMClient, model string, logger *zap.Logger) *MessageManager {
	return &MessageManager{
		messages: []LLMMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: task},
		},
		keepLast:   keepLast,
		summarizer: summarizer,
		model:      model,
		logger:     logger,
		useVision:  useVision,
	}
}

// Messages returns the current message list (read-only snapshot — callers
// must not mutate the returned slice's backing array).
func (m *MessageManager) Messages() []LLMMessage {
	return m.messages
}

// AppendAssistant records the model's raw turn (for history/compaction —
// content is the unparsed completion, action execution results are
// appended separately via AppendActionResults).
func (m *MessageManager) AppendAssistant(content string) {
	m.messages = append(m.messages, LLMMessage{Role: "assistant", Content: content})
}

// AppendActionResults appends one user-role message per executed action,
// following AgentLoop.runLoop's "role=tool" result-message convention but
// keyed by action name/output instead of a tool_call_id (browser actions
// are not native function calls).
func (m *MessageManager) AppendActionResults(results []ActionResult, names []string) {
	for i, r := range results {
		name := "action"
		if i < len(names) {
			name = names[i]
		}
		text := r.ExtractedContent
		if r.Error != "" {
			text = fmt.Sprintf("[FAILED] %s: %s", name, r.Error)
		} else if text == "" {
			text = fmt.Sprintf("%s: ok", name)
		}
		m.messages = append(m.messages, LLMMessage{Role: "user", Content: text})
	}
}

// AppendState appends the per-step browser state message: URL, title,
// indexed element listing, open tabs, plan, and — unless vision is
// disabled — a screenshot image part.
func (m *MessageManager) AppendState(state *browser.StateSummary, plan string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Current URL: %s\n", state.URL)
	fmt.Fprintf(&b, "Page title: %s\n", state.Title)
	if state.PixelsAbove > 0 || state.PixelsBelow > 0 {
		fmt.Fprintf(&b, "Scroll position: %d px above, %d px below viewport\n", state.PixelsAbove, state.PixelsBelow)
	}
	if len(state.Tabs) > 1 {
		b.WriteString("Open tabs:\n")
		for _, t := range state.Tabs {
			marker := " "
			if t.Active {
				marker = "*"
			}
			fmt.Fprintf(&b, "%s [%s] %s — %s\n", marker, t.TabID, t.Title, t.URL)
		}
	}
	b.WriteString("Interactive elements:\n")
	for _, el := range state.Elements {
		fmt.Fprintf(&b, "[%d] <%s> %s\n", el.Index, el.TagName, el.Text)
	}
	if len(state.DownloadedFiles) > 0 {
		b.WriteString("Downloaded files:\n")
		for _, f := range state.DownloadedFiles {
			fmt.Fprintf(&b, "- %s (%d bytes)\n", f.Path, f.Size)
		}
	}
	if plan != "" {
		b.WriteString("\n")
		b.WriteString(plan)
	}

	m.lastStateText = b.String()
	msg := LLMMessage{Role: "user", Content: b.String()}

	// use_vision == false: the screenshot action still runs, but no image
	// part is attached to this message — only "auto"/"true" attach the
	// captured PNG.
	if m.useVision != "false" && len(state.ScreenshotPNG) > 0 {
		msg.Parts = []ContentPart{
			{Type: "text", Text: b.String()},
			{Type: "image", MimeType: "image/png", Data: state.ScreenshotPNG},
		}
	}

	m.messages = append(m.messages, msg)
}

// LastStateText returns the most recently rendered state message text.
func (m *MessageManager) LastStateText() string {
	return m.lastStateText
}

// AddContextMessage implements spec.md's _add_context_message: a one-shot
// nudge (replan, exploration, budget, loop-detector, done-only
// enforcement) that lives only for the next LLM call. The message is
// flagged Nudge so DropLastIfNudge can strip it back out once that call
// has happened — it must never persist into the messages a later step or
// saved history sees.
func (m *MessageManager) AddContextMessage(text string) {
	if text == "" {
		return
	}
	m.messages = append(m.messages, LLMMessage{Role: "user", Content: text, Nudge: true})
}

// DropLastIfNudge removes every pending nudge message added via
// AddContextMessage since the last call, now that the LLM call they were
// injected for has happened. Called once per step, after the message
// snapshot sent to the model has already been captured — this is what
// makes AddContextMessage's injection transient rather than permanent.
func (m *MessageManager) DropLastIfNudge() {
	kept := make([]LLMMessage, 0, len(m.messages))
	for _, msg := range m.messages {
		if msg.Nudge {
			continue
		}
		kept = append(kept, msg)
	}
	m.messages = kept
}

// CompactIfNeeded runs CompactMessages (compaction.go) when ctxGuard
// reports the hard ratio was exceeded, returning whether compaction ran.
func (m *MessageManager) CompactIfNeeded(ctx context.Context, ctxGuard *ContextGuard) bool {
	check := ctxGuard.Check(m.messages)
	if !check.NeedCompaction {
		return false
	}
	m.messages = sanitizeMessages(m.messages)
	m.messages = CompactMessages(ctx, m.summarizer, m.model, m.messages, m.keepLast, m.logger)
	return true
}

// Sanitize strips orphan tool_use-shaped messages — kept for parity with
// the compaction entrypoint even though browser actions don't emit native
// tool_calls; history assembled from a resumed run can still carry them.
func (m *MessageManager) Sanitize() {
	m.messages = sanitizeMessages(m.messages)
}

// elapsedSince returns the time elapsed since t, or 0 when t is the zero
// time.
func elapsedSince(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return time.Since(t)
}
