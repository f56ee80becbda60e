package migrator

import (
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/agentstation/migrator/pkg/constants"
	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/kpi"
	"github.com/agentstation/migrator/pkg/pipeline"
	"github.com/agentstation/migrator/pkg/records"
)

// Report is the outcome of one Run or RunAll: a result per source plus the
// combined KPI report.
type Report struct {
	RunID      string                `json:"run_id" yaml:"run_id"`
	OrgID      string                `json:"org_id" yaml:"org_id"`
	StartedAt  time.Time             `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time             `json:"finished_at" yaml:"finished_at"`
	Sources    []*pipeline.RunResult `json:"sources" yaml:"sources"`
	Totals     kpi.Report            `json:"totals" yaml:"totals"`
	Error      string                `json:"error,omitempty" yaml:"error,omitempty"`
}

func newReport(orgID, runID string, now time.Time) *Report {
	return &Report{RunID: runID, OrgID: orgID, StartedAt: now.UTC(), Totals: kpi.Report{}}
}

func (r *Report) add(res *pipeline.RunResult) {
	r.Sources = append(r.Sources, res)
}

func (r *Report) finish(tracker *kpi.Tracker, now time.Time, err error) {
	r.FinishedAt = now.UTC()
	if tracker != nil {
		r.Totals = tracker.Report()
	}
	if err != nil {
		r.Error = err.Error()
	}
}

// Failed reports whether the run stopped on an error.
func (r *Report) Failed() bool {
	return r.Error != ""
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Source returns the result of the named source.
func (r *Report) Source(name string) (*pipeline.RunResult, bool) {
	for _, s := range r.Sources {
		if s.Source == name {
			return s, true
		}
	}
	return nil, false
}

// Conflicts returns the conflicts of every source, in run order.
func (r *Report) Conflicts() []records.ConflictRecord {
	out := []records.ConflictRecord{}
	for _, s := range r.Sources {
		out = append(out, s.Conflicts...)
	}
	return out
}

// ReportPath returns where the last run report is kept under stateDir.
func ReportPath(stateDir string) string {
	return filepath.Join(stateDir, constants.LastRunReport)
}

// SaveReport writes r to path atomically.
func SaveReport(path string, r *Report) error {
	data, err := yaml.MarshalWithOptions(r, yaml.Indent(2), yaml.IndentSequence(true))
	if err != nil {
		return errors.WrapParse("yaml", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), constants.DirPermissions); err != nil {
		return errors.WrapIO("create", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, constants.SecureFilePermissions); err != nil {
		return errors.WrapIO("write", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.WrapIO("rename", path, err)
	}
	return nil
}

// LoadReport reads a report written by SaveReport.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("run report", path)
		}
		return nil, errors.WrapIO("read", path, err)
	}
	r := &Report{}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, errors.WrapParse("yaml", path, err)
	}
	return r, nil
}

// LastReport returns the report of the most recent run
func (m *migrator) LastReport() (*Report, error) {
	if m.opts.stateDir == "" {
		return nil, errors.NewConfigError("report", "no state directory configured", nil)
	}
	return LoadReport(ReportPath(m.opts.stateDir))
}

func (m *migrator) saveReport(r *Report) error {
	if m.opts.stateDir == "" {
		return nil
	}
	return SaveReport(ReportPath(m.opts.stateDir), r)
}

func newRunID() string {
	return uuid.NewString()
}
