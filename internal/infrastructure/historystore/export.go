package historystore

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/ngoclaw/browseragent/internal/domain/history"
)

// RenderMarkdown renders a run as a human-readable Markdown report: task,
// final result, and one section per step with its action and outcome.
func RenderMarkdown(hist history.AgentHistoryList) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n\n", hist.TaskID)
	fmt.Fprintf(&b, "**Task:** %s\n\n", hist.Task)

	if success := hist.IsSuccessful(); success != nil {
		status := "failed"
		if *success {
			status = "succeeded"
		}
		fmt.Fprintf(&b, "**Status:** %s\n\n", status)
	}
	if final := hist.FinalResult(); final != "" {
		fmt.Fprintf(&b, "**Result:** %s\n\n", final)
	}

	for i, step := range hist.Steps {
		fmt.Fprintf(&b, "## Step %d\n\n", i+1)
		if step.State.URL != "" {
			fmt.Fprintf(&b, "- URL: `%s`\n", step.State.URL)
		}
		if step.ModelOutput != nil {
			for _, action := range step.ModelOutput.Action {
				for name := range action {
					fmt.Fprintf(&b, "- Action: `%s`\n", name)
				}
			}
		}
		for _, r := range step.Result {
			if r.Error != "" {
				fmt.Fprintf(&b, "- Error: %s\n", r.Error)
			} else if r.ExtractedContent != "" {
				fmt.Fprintf(&b, "- Extracted: %s\n", r.ExtractedContent)
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}

// RenderHTML converts a run's Markdown report to HTML for a browser-viewable
// export, using goldmark's default Markdown-to-HTML conversion with no
// extensions or target-specific tag restrictions.
func RenderHTML(hist history.AgentHistoryList) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(RenderMarkdown(hist)), &buf); err != nil {
		return "", fmt.Errorf("historystore: render html: %w", err)
	}
	return buf.String(), nil
}
