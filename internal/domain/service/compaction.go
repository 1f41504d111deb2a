package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CompactMessages summarizes older messages to reduce context length,
// preserving the system prompt (first message) and the last keepLast
// messages, replacing everything in between with a summary. Tries an
// LLM-based summary first (via summarizer, whichever LLMClient the caller
// passes; there is no separate compaction-model setting); falls back to a truncation-based
// summary if the LLM call fails or summarizer is nil.
func CompactMessages(ctx context.Context, summarizer LLMClient, model string, messages []LLMMessage, keepLast int, logger *zap.Logger) []LLMMessage {
	if keepLast >= len(messages) {
		return messages
	}

	firstNonSystem := 0
	if len(messages) > 0 && messages[0].Role == "system" {
		firstNonSystem = 1
	}

	middleEnd := len(messages) - keepLast
	if middleEnd <= firstNonSystem {
		return messages
	}

	summary := tryLLMSummarize(ctx, summarizer, model, messages[firstNonSystem:middleEnd], logger)
	if summary == "" {
		summary = truncationSummary(messages[firstNonSystem:middleEnd])
	}

	compacted := make([]LLMMessage, 0, 2+keepLast)
	if firstNonSystem > 0 {
		compacted = append(compacted, messages[0])
	}
	compacted = append(compacted, LLMMessage{Role: "user", Content: summary})
	compacted = append(compacted, messages[len(messages)-keepLast:]...)

	logger.Info("Context compaction completed",
		zap.Int("before", len(messages)),
		zap.Int("after", len(compacted)),
		zap.Int("compacted_messages", middleEnd-firstNonSystem),
	)

	return compacted
}

const compressionPrompt = `You are a conversation state compressor for a browser automation agent. Analyze the following step history and produce a structured XML snapshot.

Output format:
<state_snapshot>
  <task_description>Current task being executed</task_description>
  <progress>
    <completed>List of completed steps</completed>
    <in_progress>Current step</in_progress>
    <remaining>Remaining steps</remaining>
  </progress>
  <key_decisions>Key navigation/extraction decisions and why</key_decisions>
  <visited_pages>
    <page url="...">What was found or done there</page>
  </visited_pages>
  <current_context>
    <relevant_findings>Key findings and constraints collected so far</relevant_findings>
  </current_context>
</state_snapshot>

Rules:
- Preserve ALL unfinished task state
- Keep key navigation decisions and reasons
- Drop raw element listings (only keep page URLs + what was found)
- Drop intermediate failed-action noise`

// tryLLMSummarize asks summarizer for a structured XML snapshot of msgs.
// Returns "" if summarizer is nil or the call fails — CompactMessages falls
// back to truncationSummary in that case.
func tryLLMSummarize(ctx context.Context, summarizer LLMClient, model string, msgs []LLMMessage, logger *zap.Logger) string {
	if summarizer == nil {
		return ""
	}

	var parts []string
	for _, msg := range msgs {
		text := msg.TextContent()
		if text == "" {
			continue
		}
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		parts = append(parts, fmt.Sprintf("[%s]: %s", msg.Role, text))
	}
	if len(parts) == 0 {
		return ""
	}

	summarizeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	req := &LLMRequest{
		Model:       model,
		Temperature: 0.2,
		MaxTokens:   800,
		Messages: []LLMMessage{
			{Role: "system", Content: compressionPrompt},
			{Role: "user", Content: fmt.Sprintf("Compress this step history (%d messages):\n\n%s", len(parts), strings.Join(parts, "\n"))},
		},
	}

	resp, err := summarizer.Generate(summarizeCtx, req)
	if err != nil {
		logger.Debug("LLM summarization failed, using fallback", zap.Error(err))
		return ""
	}
	if resp.Content == "" {
		return ""
	}

	return fmt.Sprintf("[Context compacted — %d messages -> state_snapshot]\n\n%s", len(msgs), resp.Content)
}

// truncationSummary builds a simple truncation-based summary as fallback
// when no summarizer is configured or the LLM call fails.
func truncationSummary(messages []LLMMessage) string {
	var summaryParts []string
	toolCallCount := 0
	assistantMsgCount := 0
	userMsgCount := 0

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			assistantMsgCount++
			if msg.Content != "" {
				text := msg.Content
				if len(text) > 200 {
					text = text[:200] + "..."
				}
				summaryParts = append(summaryParts, fmt.Sprintf("Assistant: %s", text))
			}
			toolCallCount += len(msg.ToolCalls)
		case "user":
			userMsgCount++
			text := msg.Content
			if len(text) > 100 {
				text = text[:100] + "..."
			}
			summaryParts = append(summaryParts, fmt.Sprintf("User: %s", text))
		case "tool":
			// Tool results are skipped — implicit from the action they followed.
		}
	}

	return fmt.Sprintf(
		"[Context compacted: %d messages summarized (%d user, %d assistant, %d tool calls)]\n\n%s",
		len(messages), userMsgCount, assistantMsgCount, toolCallCount,
		strings.Join(summaryParts, "\n"),
	)
}
