// Package clirender styles the CLI's end-of-run summary, the one piece
// of terminal output this agent owns (the run itself talks to a real
// browser, not a chat UI). Styling follows the teacher's
// internal/interfaces/cli/renderer.go: lipgloss styles keyed off a small
// fixed palette, no external theme file.
package clirender

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ngoclaw/browseragent/internal/domain/service"
)

const (
	colorCyan   = lipgloss.Color("#00D7FF")
	colorGray   = lipgloss.Color("#6C6C6C")
	colorGreen  = lipgloss.Color("#00FF87")
	colorRed    = lipgloss.Color("#FF5F5F")
	colorYellow = lipgloss.Color("#FFD75F")
)

// RunSummary renders a completed run's outcome the way the teacher's CLI
// renders a tool-call summary: a colored status icon, a label line, then
// the final content (if any) left as plain text.
func RunSummary(result *service.RunResult) string {
	statusStyle := lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	icon, status := "…", "incomplete"
	if result.Done {
		statusStyle = statusStyle.Foreground(colorGreen)
		icon, status = "✓", "done"
	}

	successStyle := lipgloss.NewStyle().Foreground(colorGray)
	success := "unknown"
	if result.Success != nil {
		success = "no"
		if *result.Success {
			successStyle = successStyle.Foreground(colorGreen)
			success = "yes"
		} else {
			successStyle = successStyle.Foreground(colorRed)
		}
	}

	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	countStyle := lipgloss.NewStyle().Foreground(colorCyan)

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s %s  %s %s  %s %s\n",
		statusStyle.Render(icon), statusStyle.Render(status),
		labelStyle.Render("steps:"), countStyle.Render(fmt.Sprint(result.StepsUsed)),
		labelStyle.Render("success:"), successStyle.Render(success))

	if result.UsingFallback {
		fmt.Fprintf(&b, "%s\n", lipgloss.NewStyle().Foreground(colorYellow).Render("note: switched to the fallback model during this run"))
	}
	if result.Result != nil && result.Result.FinalContent != "" {
		b.WriteString("\n")
		b.WriteString(result.Result.FinalContent)
		b.WriteString("\n")
	}
	return b.String()
}
