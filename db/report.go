package db

import (
	"time"

	"github.com/nickyhof/dotdata/core"
)

// Report is the JSON form of a RunResult, shared by the TCP server and the
// C bindings.
type Report struct {
	Outcomes []OutcomeReport `json:"outcomes"`
	Sections []string        `json:"sections,omitempty"`
	TimeMs   float64         `json:"time_ms"`
}

type OutcomeReport struct {
	Line       int          `json:"line"`
	Operation  string       `json:"operation"`
	Collection string       `json:"collection,omitempty"`
	Section    string       `json:"section,omitempty"`
	Documents  []core.Value `json:"documents,omitempty"`
	Count      int          `json:"count"`
	Inserted   int          `json:"inserted,omitempty"`
	Matched    int          `json:"matched,omitempty"`
	Modified   int          `json:"modified,omitempty"`
	Deleted    int          `json:"deleted,omitempty"`
	UpsertedID *core.Value  `json:"upserted_id,omitempty"`
	RolledBack int          `json:"rolled_back,omitempty"`
	Message    string       `json:"message,omitempty"`
	Error      string       `json:"error,omitempty"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	TimeMs     float64      `json:"time_ms"`
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func (result *RunResult) Report() Report {
	report := Report{
		Outcomes: make([]OutcomeReport, len(result.Outcomes)),
		Sections: result.Sections,
		TimeMs:   milliseconds(result.Duration),
	}
	for i, outcome := range result.Outcomes {
		entry := OutcomeReport{
			Line:       outcome.Line,
			Operation:  outcome.Operation,
			Collection: outcome.Collection,
			Section:    outcome.Section,
			Documents:  outcome.Documents,
			Count:      outcome.Count,
			Inserted:   outcome.Inserted,
			Matched:    outcome.Matched,
			Modified:   outcome.Modified,
			Deleted:    outcome.Deleted,
			UpsertedID: outcome.UpsertedID,
			RolledBack: outcome.RolledBack,
			Message:    outcome.Message,
			TimeMs:     milliseconds(outcome.Duration),
		}
		if outcome.Operation == "FIND" || outcome.Operation == "AGGREGATE" {
			entry.Count = len(outcome.Documents)
		}
		if outcome.Err != nil {
			entry.Error = outcome.Err.Error()
			entry.ErrorKind = ErrorKind(outcome.Err)
		}
		report.Outcomes[i] = entry
	}
	return report
}
