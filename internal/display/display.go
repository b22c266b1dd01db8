// Package display renders plans, guard decisions, checkpoint history and
// metrics as terminal text.
package display

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"
)

const (
	maxValueLength = 100
	rule           = "--------------------------------------------------"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

// Status colours a step status, session status or verdict.
func Status(s string) string {
	return statusStyle(s).Render(s)
}

func statusStyle(s string) lipgloss.Style {
	switch s {
	case "SUCCEEDED", "COMPLETED", "ALLOW":
		return successStyle
	case "FAILED", "TIMED_OUT", "ABORTED", "HALTED_GUARD", "DENY":
		return errorStyle
	case "RETRY_PENDING", "ROLLED_BACK", "PAUSED", "RUNNING", "ALLOW_WITH_TIMEOUT":
		return warnStyle
	}
	return dimStyle
}

// cell renders s in style and pads it to width visible columns.
func cell(style lipgloss.Style, s string, width int) string {
	out := style.Render(s)
	if n := width - lipgloss.Width(s); n > 0 {
		out += strings.Repeat(" ", n)
	}
	return out
}

// formatValue keeps a value on one line. limit < 0 means no limit.
func formatValue(value any, limit int) string {
	s := fmt.Sprintf("%v", value)
	s = strings.ReplaceAll(s, "\n", "\\n")
	if limit >= 0 && lipgloss.Width(s) > limit {
		return truncate.StringWithTail(s, uint(limit), "...")
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func widest(floor int, values ...string) int {
	w := floor
	for _, v := range values {
		w = max(w, lipgloss.Width(v))
	}
	return w
}
