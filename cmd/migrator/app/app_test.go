package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentstation/migrator"
	"github.com/agentstation/migrator/pkg/audit"
	"github.com/agentstation/migrator/pkg/kpi"
)

// TestApp_New verifies app initialization.
func TestApp_New(t *testing.T) {
	app, err := New("1.0.0", "abc123", "2026-01-01", "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if app.Version() != "1.0.0" {
		t.Errorf("Version() = %s, want 1.0.0", app.Version())
	}
	if app.Commit() != "abc123" {
		t.Errorf("Commit() = %s, want abc123", app.Commit())
	}
	if app.Date() != "2026-01-01" {
		t.Errorf("Date() = %s, want 2026-01-01", app.Date())
	}
	if app.BuiltBy() != "test" {
		t.Errorf("BuiltBy() = %s, want test", app.BuiltBy())
	}
	if app.Logger() == nil {
		t.Error("Logger() returned nil")
	}
	if app.Config() == nil {
		t.Error("Config() returned nil")
	}
}

// writeRunFile writes a CSV source and a run file migrating it into memory.
func writeRunFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "crm.csv")
	if err := os.WriteFile(csvPath, []byte("id,name\n1,Ada\n2,Bob\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	body := fmt.Sprintf(`org_id: org-1
state_dir: %q
sources:
  - name: crm
    kind: csv
    path: %q
    entity_type: customers
target:
  kind: memory
audit:
  kind: file
  path: %q
checkpoint:
  kind: memory
entities:
  customers:
    fields: [name]
log:
  level: error
`, filepath.Join(dir, "state"), csvPath, filepath.Join(dir, "audit.jsonl"))
	path := filepath.Join(dir, "migrator.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, app *App, args ...string) (string, error) {
	t.Helper()
	root := app.createRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// TestApp_RunReportVerify drives the commands end to end against one run file.
func TestApp_RunReportVerify(t *testing.T) {
	path := writeRunFile(t)
	app, err := New("1.0.0", "test", "2026-01-01", "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer func() {
		if err := app.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() failed: %v", err)
		}
	}()

	out, err := execute(t, app, "--config", path, "-o", "json", "--log-level", "error", "run")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	var ran migrator.Report
	if err := json.Unmarshal([]byte(out), &ran); err != nil {
		t.Fatalf("run output is not a report: %v\n%s", err, out)
	}
	if got := ran.Totals.Get(kpi.RecordsWritten); got != 2 {
		t.Errorf("records_written = %d, want 2", got)
	}

	out, err = execute(t, app, "--config", path, "-o", "json", "report")
	if err != nil {
		t.Fatalf("report failed: %v\n%s", err, out)
	}
	var last migrator.Report
	if err := json.Unmarshal([]byte(out), &last); err != nil {
		t.Fatalf("report output is not a report: %v\n%s", err, out)
	}
	if last.RunID != ran.RunID {
		t.Errorf("report run id = %s, want %s", last.RunID, ran.RunID)
	}

	out, err = execute(t, app, "--config", path, "-o", "json", "verify")
	if err != nil {
		t.Fatalf("verify failed: %v\n%s", err, out)
	}
	var verification audit.VerificationReport
	if err := json.Unmarshal([]byte(out), &verification); err != nil {
		t.Fatalf("verify output is not a verification report: %v\n%s", err, out)
	}
	if verification.Checked != 2 || !verification.OK() {
		t.Errorf("verification = %+v, want 2 checked and no failures", verification)
	}
}

func TestApp_ValidateCommand(t *testing.T) {
	path := writeRunFile(t)
	app, err := New("1.0.0", "test", "2026-01-01", "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	out, err := execute(t, app, "--config", path, "validate")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	for _, want := range []string{"org:      org-1", "source:   crm (csv)", "target:   memory"} {
		if !strings.Contains(out, want) {
			t.Errorf("validate output missing %q:\n%s", want, out)
		}
	}
	if app.Config().FileLogLevel != "error" {
		t.Errorf("FileLogLevel = %q, want error", app.Config().FileLogLevel)
	}
}

func TestApp_MissingRunFile(t *testing.T) {
	app, err := New("1.0.0", "test", "2026-01-01", "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	_, err = execute(t, app, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "run")
	if err == nil {
		t.Fatal("run with a missing run file succeeded")
	}
	if app.Metrics().IsEnabled() {
		t.Error("metrics enabled without a run file")
	}
}

func TestApp_VersionCommand(t *testing.T) {
	app, err := New("1.2.3", "abc123", "2026-01-01", "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	out, err := execute(t, app, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if out != "migrator 1.2.3\n" {
		t.Errorf("version output = %q", out)
	}

	out, err = execute(t, app, "-v", "version")
	if err != nil {
		t.Fatalf("version -v failed: %v", err)
	}
	if !strings.Contains(out, "commit:   abc123") {
		t.Errorf("verbose version output missing commit:\n%s", out)
	}
}

func TestApp_InvalidFormat(t *testing.T) {
	path := writeRunFile(t)
	app, err := New("1.0.0", "test", "2026-01-01", "test")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	_, err = execute(t, app, "--config", path, "-o", "xml", "report")
	if err == nil || !strings.Contains(err.Error(), "invalid format") {
		t.Errorf("report -o xml error = %v, want invalid format", err)
	}
}
