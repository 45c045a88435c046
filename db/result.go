package db

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nickyhof/dotdata/core"
)

// Outcome is the result of one executed operation.
type Outcome struct {
	Line       int
	Operation  string
	Collection string
	Section    string

	Documents  []core.Value
	Count      int
	Inserted   int
	Matched    int
	Modified   int
	Deleted    int
	UpsertedID *core.Value

	// RolledBack counts ledger records undone by the operation, including
	// automatic rollbacks after a failure.
	RolledBack int
	Message    string
	Err        error
	Duration   time.Duration
}

// RunResult collects the outcomes of one script execution in order.
type RunResult struct {
	Outcomes []Outcome
	Sections []string
	Duration time.Duration
}

func (result *RunResult) add(outcome Outcome) *Outcome {
	result.Outcomes = append(result.Outcomes, outcome)
	return &result.Outcomes[len(result.Outcomes)-1]
}

// Last returns the most recent outcome, or nil for an empty run.
func (result *RunResult) Last() *Outcome {
	if len(result.Outcomes) == 0 {
		return nil
	}
	return &result.Outcomes[len(result.Outcomes)-1]
}

// Queries returns the outcomes of query operations (FIND, COUNT, AGGREGATE).
func (result *RunResult) Queries() []Outcome {
	var queries []Outcome
	for _, outcome := range result.Outcomes {
		switch outcome.Operation {
		case "FIND", "COUNT", "AGGREGATE":
			queries = append(queries, outcome)
		}
	}
	return queries
}

func formatDuration(d time.Duration) string {
	secs := d.Seconds()
	switch {
	case secs < 0.001:
		return "<1ms"
	case secs < 1:
		return fmt.Sprintf("%dms", int(secs*1000))
	case secs < 10:
		return fmt.Sprintf("%.1fs", secs)
	case secs < 60:
		return fmt.Sprintf("%ds", int(secs))
	}
	mins := int(secs / 60)
	if rest := int(secs) % 60; rest != 0 {
		return fmt.Sprintf("%dm%ds", mins, rest)
	}
	return fmt.Sprintf("%dm", mins)
}

// Summary is the one-line description of the outcome.
func (outcome Outcome) Summary() string {
	var parts []string
	add := func(n int, what string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, what))
		}
	}
	switch outcome.Operation {
	case "FIND", "AGGREGATE":
		parts = append(parts, fmt.Sprintf("%d document(s)", len(outcome.Documents)))
	case "COUNT":
		parts = append(parts, fmt.Sprintf("count %d", outcome.Count))
	default:
		add(outcome.Inserted, "inserted")
		add(outcome.Matched, "matched")
		add(outcome.Modified, "modified")
		add(outcome.Deleted, "deleted")
		if outcome.UpsertedID != nil {
			parts = append(parts, "upserted "+outcome.UpsertedID.Display())
		}
		add(outcome.RolledBack, "change(s) rolled back")
	}
	if outcome.Message != "" {
		parts = append(parts, outcome.Message)
	}
	if outcome.Err != nil {
		parts = append(parts, "error: "+outcome.Err.Error())
	}
	if len(parts) == 0 {
		parts = append(parts, "OK")
	}
	return strings.Join(parts, ", ")
}

// Display writes query documents as tables and one summary line per
// operation.
func (result *RunResult) Display(w io.Writer) {
	section := ""
	for _, outcome := range result.Outcomes {
		if outcome.Section != section && outcome.Section != "" {
			section = outcome.Section
			fmt.Fprintf(w, "=== %s ===\n", section)
		}
		if len(outcome.Documents) > 0 {
			table := NewTable(w)
			table.Documents(outcome.Documents)
			table.Render()
		}
		head := outcome.Operation
		if outcome.Collection != "" {
			head += " " + outcome.Collection
		}
		fmt.Fprintf(w, "line %d: %s: %s (%s)\n", outcome.Line, head, outcome.Summary(), formatDuration(outcome.Duration))
	}
	fmt.Fprintf(w, "%d operation(s) (%s)\n", len(result.Outcomes), formatDuration(result.Duration))
}
