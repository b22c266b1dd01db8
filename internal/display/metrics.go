package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/Tahsine/agentic-cli/internal/engine"
	"github.com/Tahsine/agentic-cli/internal/metrics"
)

func FormatMetrics(m metrics.SessionMetrics) string {
	if m.SessionID == "" {
		return "No metrics available."
	}
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Execution metrics") + "\n")
	sb.WriteString(fmt.Sprintf("- Total: %d ms  (success=%v, checkpoints=%d, rollbacks=%d)\n",
		m.DurationMs, m.Succeeded, m.Checkpoints, m.Rollbacks))
	for _, s := range m.Steps {
		sb.WriteString(fmt.Sprintf("    • %-12s %-12s %5d ms  attempt %d  [%s]\n",
			s.ID, "("+s.Kind+")", s.DurationMs, s.Attempt, Status(s.Status)))
	}
	return sb.String()
}

// FormatOutcome summarises one committed step.
func FormatOutcome(o engine.Outcome) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s  attempt %d  %s", o.StepID, Status(string(o.Status)), o.Attempt,
		o.Duration.Round(time.Millisecond)))
	if o.Checkpoint != "" {
		sb.WriteString("  -> " + o.Checkpoint)
	}
	if o.Retrying {
		sb.WriteString("  " + warnStyle.Render("will retry"))
	}
	if o.Err != nil {
		sb.WriteString("\n    error: " + o.Err.Error())
	}
	return sb.String()
}
