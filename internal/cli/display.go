package cli

import (
	"fmt"
	"io"

	"github.com/Tahsine/agentic-cli/internal/display"
	"github.com/Tahsine/agentic-cli/internal/engine"
)

func printSummary(w io.Writer, eng *engine.Engine) {
	rec := eng.Session()
	fmt.Fprintf(w, "\nSession %s %s on branch %s\n", rec.ID, display.Status(string(rec.Status)), rec.ActiveBranch)
	fmt.Fprint(w, display.FormatMetrics(eng.Metrics()))
	fmt.Fprintln(w)
}
