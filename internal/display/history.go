package display

import (
	"fmt"
	"strings"

	"github.com/muesli/reflow/truncate"

	"github.com/Tahsine/agentic-cli/internal/checkpoint"
)

const timeLayout = "2006-01-02 15:04:05"

// FormatCheckpoints lists a branch's checkpoints oldest first and marks the
// tip with '*'.
func FormatCheckpoints(cps []checkpoint.Checkpoint, tip string) string {
	if len(cps) == 0 {
		return "No checkpoints."
	}
	ids := make([]string, len(cps))
	parents := make([]string, len(cps))
	for i, cp := range cps {
		ids[i] = cp.ID
		parents[i] = orDash(cp.Parent)
		if cp.ForkOf != "" {
			parents[i] = "fork of " + cp.ForkOf
		}
	}
	idW := widest(len("CHECKPOINT"), ids...)
	parentW := widest(len("PARENT"), parents...)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  %-*s  %-*s  %-10s  %7s  %s\n", idW, "CHECKPOINT", parentW, "PARENT", "AFTER", "CHANGES", "CREATED"))
	for i, cp := range cps {
		mark := "  "
		style := dimStyle
		if cp.ID == tip {
			mark, style = "* ", accentStyle
		}
		sb.WriteString(mark)
		sb.WriteString(cell(style, cp.ID, idW))
		sb.WriteString(fmt.Sprintf("  %-*s  %-10s  %7d  %s\n", parentW, parents[i], orDash(cp.Snapshot.Cursor),
			len(cp.Delta), cp.CreatedAt.UTC().Format(timeLayout)))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func FormatBranches(branches []checkpoint.Branch, active string) string {
	if len(branches) == 0 {
		return "No branches."
	}
	ids := make([]string, len(branches))
	for i, b := range branches {
		ids[i] = b.ID
	}
	w := widest(len("BRANCH"), ids...)

	var sb strings.Builder
	for _, b := range branches {
		mark := "  "
		style := dimStyle
		if b.ID == active {
			mark, style = "* ", accentStyle
		}
		sb.WriteString(mark + cell(style, b.ID, w) + "  tip " + b.Tip)
		if b.ForkedFrom != "" {
			sb.WriteString("  forked from " + b.ForkedFrom)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func FormatSessions(recs []checkpoint.SessionRecord) string {
	if len(recs) == 0 {
		return "No sessions."
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	w := widest(len("SESSION"), ids...)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-*s  %-12s  %-8s  %5s  %-19s  %s\n", w, "SESSION", "STATUS", "BRANCH", "STEPS", "UPDATED", "OBJECTIVE"))
	for _, r := range recs {
		steps := countSteps(&r.Plan)
		sb.WriteString(fmt.Sprintf("%-*s  ", w, r.ID))
		sb.WriteString(cell(statusStyle(string(r.Status)), string(r.Status), 12))
		sb.WriteString(fmt.Sprintf("  %-8s  %5d  %-19s  %s\n", orDash(r.ActiveBranch), steps,
			r.UpdatedAt.UTC().Format(timeLayout), truncate.StringWithTail(r.Objective, 40, "...")))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
