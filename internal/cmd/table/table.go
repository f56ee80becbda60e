// Package table converts migration results into rows for CLI tables.
package table

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/agentstation/migrator"
	"github.com/agentstation/migrator/pkg/audit"
	"github.com/agentstation/migrator/pkg/checkpoint"
	"github.com/agentstation/migrator/pkg/kpi"
	"github.com/agentstation/migrator/pkg/records"
)

// Align represents column alignment in tables.
type Align int

const (
	// AlignDefault uses the default alignment (skip).
	AlignDefault Align = iota
	// AlignLeft aligns content to the left.
	AlignLeft
	// AlignCenter centers content.
	AlignCenter
	// AlignRight aligns content to the right.
	AlignRight
)

// Data represents table formatting data to avoid import cycles.
type Data struct {
	Headers         []string
	Rows            [][]string
	ColumnAlignment []Align
}

var printer = message.NewPrinter(language.English)

// FormatNumber formats n with thousands separators.
func FormatNumber(n int64) string {
	return printer.Sprintf("%d", n)
}

// FormatDuration rounds d for display.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}

// FormatTime renders t in UTC, or "-" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// ReportToTableData summarizes a run per source, with a totals row.
func ReportToTableData(r *migrator.Report) Data {
	headers := []string{"Source", "Status", "Batches", "Extracted", "Written", "Unchanged", "Merged", "Conflicts", "Duration"}
	rows := make([][]string, 0, len(r.Sources)+1)
	batches := 0
	for _, s := range r.Sources {
		status := "ok"
		if s.Error != "" {
			status = "failed"
		}
		batches += s.Batches
		rows = append(rows, reportRow(s.Source, status, s.Batches, s.Report, s.Duration()))
	}
	status := "ok"
	if r.Failed() {
		status = "failed"
	}
	rows = append(rows, reportRow("TOTAL", status, batches, r.Totals, r.Duration()))

	return Data{
		Headers: headers,
		Rows:    rows,
		ColumnAlignment: []Align{
			AlignLeft, AlignLeft, AlignRight, AlignRight, AlignRight,
			AlignRight, AlignRight, AlignRight, AlignRight,
		},
	}
}

func reportRow(name, status string, batches int, r kpi.Report, d time.Duration) []string {
	return []string{
		name,
		status,
		strconv.Itoa(batches),
		FormatNumber(r.Get(kpi.RecordsExtracted)),
		FormatNumber(r.Get(kpi.RecordsWritten)),
		FormatNumber(r.Get(kpi.RecordsUnchanged)),
		FormatNumber(r.Get(kpi.AutoMergeCount)),
		FormatNumber(r.Get(kpi.ConflictCount)),
		FormatDuration(d),
	}
}

// KPIToTableData lists every counter of a report.
func KPIToTableData(r kpi.Report) Data {
	rows := make([][]string, 0, len(r))
	for _, k := range r.Keys() {
		rows = append(rows, []string{k, FormatNumber(r[k])})
	}
	return Data{
		Headers:         []string{"Counter", "Value"},
		Rows:            rows,
		ColumnAlignment: []Align{AlignLeft, AlignRight},
	}
}

// ConflictsToTableData lists conflicts awaiting manual review.
func ConflictsToTableData(conflicts []records.ConflictRecord) Data {
	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		tables := make([]string, 0, len(c.Candidates))
		for _, cand := range c.Candidates {
			loc := cand.SourceTable
			if cand.Position != "" {
				loc += "@" + cand.Position
			}
			tables = append(tables, loc)
		}
		rows = append(rows, []string{
			c.Identity.EntityType,
			c.Identity.ID,
			c.LegacyID,
			c.Reason,
			strings.Join(tables, ", "),
		})
	}
	return Data{
		Headers: []string{"Entity", "ID", "Legacy ID", "Reason", "Candidates"},
		Rows:    rows,
	}
}

// CheckpointsToTableData lists committed cursors.
func CheckpointsToTableData(entries []checkpoint.Entry) Data {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		run := e.RunID
		if run == "" {
			run = "-"
		}
		rows = append(rows, []string{e.Source, e.Cursor.String(), strconv.FormatInt(e.Batch, 10), run, FormatTime(e.UpdatedAt)})
	}
	return Data{
		Headers:         []string{"Source", "Cursor", "Batch", "Run", "Updated"},
		Rows:            rows,
		ColumnAlignment: []Align{AlignLeft, AlignLeft, AlignRight, AlignLeft, AlignLeft},
	}
}

// VerificationToTableData summarizes a verification pass followed by one
// row per failing entry.
func VerificationToTableData(v *audit.VerificationReport) Data {
	rows := [][]string{
		{"checked", FormatNumber(int64(v.Checked)), ""},
		{"matched", FormatNumber(int64(v.Matched)), ""},
		{"superseded", FormatNumber(int64(v.Superseded)), ""},
		{"mismatched", FormatNumber(int64(len(v.Mismatched))), ""},
		{"missing", FormatNumber(int64(len(v.Missing))), ""},
		{"unaudited", FormatNumber(int64(len(v.Unaudited))), ""},
	}
	for _, m := range v.Mismatched {
		rows = append(rows, []string{"mismatch", m.Entry.Identity().String(), m.Entry.CanonicalHash + " != " + m.Actual})
	}
	for _, e := range v.Missing {
		rows = append(rows, []string{"missing", e.Identity().String(), e.CanonicalHash})
	}
	for _, id := range v.Unaudited {
		rows = append(rows, []string{"unaudited", id.String(), ""})
	}
	return Data{
		Headers: []string{"Check", "Value", "Detail"},
		Rows:    rows,
	}
}
