package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/migrator/pkg/kpi"
	"github.com/agentstation/migrator/pkg/pipeline"
	"github.com/agentstation/migrator/pkg/records"
)

func TestDisabledMetricsAreNoops(t *testing.T) {
	m := New(Config{})
	assert.False(t, m.IsEnabled())

	h := m.Hooks("customers")
	h.OnTransition(pipeline.Transition{Source: "customers", To: pipeline.Failed})
	h.OnBatch(pipeline.BatchResult{Source: "customers", Written: 3})
	h.OnConflict(records.ConflictRecord{Reason: records.ReasonDivergentCandidates})
	m.RecordRun(&pipeline.RunResult{Source: "customers"})

	require.NoError(t, m.Serve(context.Background()))

	var nilMetrics *Metrics
	assert.False(t, nilMetrics.IsEnabled())
}

func TestHooksFeedCollectors(t *testing.T) {
	m := New(Config{Enabled: true})
	require.True(t, m.IsEnabled())
	h := m.Hooks("customers")

	h.OnTransition(pipeline.Transition{Source: "customers", From: pipeline.Extracting, To: pipeline.Reconciling})
	h.OnTransition(pipeline.Transition{Source: "customers", From: pipeline.Writing, To: pipeline.Failed, Err: errors.New("boom")})
	h.OnBatch(pipeline.BatchResult{
		Source: "customers", Records: 5, Skipped: 1, Replays: 1, Merged: 1, Written: 3, Retries: 2,
		Duration: 250 * time.Millisecond,
	})
	h.OnConflict(records.ConflictRecord{Reason: records.ReasonDivergentCandidates})
	h.OnConflict(records.ConflictRecord{Reason: records.ReasonDivergentCandidates})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("customers", "reconciling")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("customers", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("customers", "done")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("customers", "extracted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("customers", "written")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("customers")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("customers", records.ReasonDivergentCandidates)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.BatchDuration))
}

func TestRecordRunPublishesReport(t *testing.T) {
	m := New(Config{Enabled: true})
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m.RecordRun(&pipeline.RunResult{
		Source:     "customers",
		Report:     kpi.Report{string(kpi.DuplicatesPrevented): 2, string(kpi.AutoMergeCount): 1},
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.KPI.WithLabelValues("customers", string(kpi.DuplicatesPrevented))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LastRunSuccess.WithLabelValues("customers")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("customers", "success")))

	m.RecordRun(&pipeline.RunResult{Source: "customers", Err: errors.New("failed"), StartedAt: start, FinishedAt: start})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LastRunSuccess.WithLabelValues("customers")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("customers", "error")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(Config{Enabled: true})
	m.SetReport("customers", kpi.Report{string(kpi.ConflictCount): 4})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `migrator_kpi{counter="conflict_count",source="customers"} 4`), body)
}

func TestServeStopsWithContext(t *testing.T) {
	m := New(Config{Enabled: true, Address: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
