package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/evidence"
	"github.com/zen-systems/salesflow/pkg/ledger"
	"github.com/zen-systems/salesflow/pkg/notify"
	"github.com/zen-systems/salesflow/pkg/pipeline"
	"github.com/zen-systems/salesflow/pkg/research"
	"github.com/zen-systems/salesflow/pkg/weekly"
)

type fakeRunner struct {
	started chan struct{}
	release chan struct{}
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, trigger string) (*daily.Result, error) {
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	now := time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)
	return &daily.Result{
		Run: &pipeline.Run{
			ID: "run-1", PipelineID: "daily", Status: pipeline.RunPartial,
			StartedAt: now, FinishedAt: now.Add(time.Minute),
			Stages: []pipeline.StageResult{{Name: "fetch_data", Status: pipeline.StatusOK, StartedAt: now, FinishedAt: now.Add(time.Second)}},
		},
		SpentUSD: 0.42,
		Notes:    []string{"trigger " + trigger},
	}, nil
}

func newTestServer(t *testing.T, runner Runner) (*Server, http.Handler) {
	t.Helper()
	base := t.TempDir()
	rec := &evidence.Recorder{BaseDir: base}
	started := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)
	_, err := rec.SaveRun(&pipeline.Run{
		ID: "01OLD", PipelineID: "daily", Status: pipeline.RunSuccess,
		StartedAt: started, FinishedAt: started.Add(time.Minute),
		Stages: []pipeline.StageResult{{Name: "fetch_data", Status: pipeline.StatusOK}},
	}, "cli")
	require.NoError(t, err)

	usage := ledger.New(ledger.NewMemoryStore())
	usage.Record(ledger.UsageRecord{RunID: "01OLD", TaskType: "scoring", InputTokens: 100, OutputTokens: 20, CostUSD: 0.01, Success: true})
	usage.Record(ledger.UsageRecord{RunID: "01OLD", TaskType: "brief_generation", EntityID: "r1", InputTokens: 50, OutputTokens: 80, CostUSD: 0.02, Success: true})
	require.NoError(t, usage.Flush(context.Background()))
	t.Cleanup(func() { _ = usage.Close(context.Background()) })

	log := notify.NewMemoryLog()
	require.NoError(t, log.AppendAttempts(context.Background(), []notify.DeliveryAttempt{
		{ID: "a1", MessageID: "m1", Channel: notify.ChannelTelegram, RecipientID: "r1", Timestamp: started, Success: true},
		{ID: "a2", MessageID: "m2", Channel: notify.ChannelEmail, RecipientID: "r2", Timestamp: started, Success: false, Error: "smtp down"},
	}))

	srv := &Server{Runner: runner, Runs: rec, Usage: usage, Deliveries: log}
	return srv, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestTriggerRun(t *testing.T) {
	_, h := newTestServer(t, &fakeRunner{})

	rr := do(t, h, http.MethodPost, "/v1/pipelines/daily/runs?trigger=cron")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var body RunResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.Run.ID)
	assert.Equal(t, "partial", body.Run.Status)
	assert.Equal(t, "cron", body.Run.Trigger)
	assert.Equal(t, []string{"trigger cron"}, body.Notes)
	assert.InDelta(t, 0.42, body.SpentUSD, 1e-9)
	require.Len(t, body.Stages, 1)
	assert.Equal(t, int64(1000), body.Stages[0].DurationMillis)
}

func TestTriggerRunStartError(t *testing.T) {
	_, h := newTestServer(t, &fakeRunner{err: errors.New("model table invalid")})
	rr := do(t, h, http.MethodPost, "/v1/pipelines/daily/runs")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	srv, _ := newTestServer(t, nil)
	rr = do(t, srv.Handler(), http.MethodPost, "/v1/pipelines/daily/runs")
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestTriggerRunRejectsOverlap(t *testing.T) {
	runner := &fakeRunner{started: make(chan struct{}), release: make(chan struct{})}
	_, h := newTestServer(t, runner)

	done := make(chan int, 1)
	go func() { done <- do(t, h, http.MethodPost, "/v1/pipelines/daily/runs").Code }()
	<-runner.started

	rr := do(t, h, http.MethodPost, "/v1/pipelines/daily/runs")
	assert.Equal(t, http.StatusConflict, rr.Code)

	close(runner.release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestRuns(t *testing.T) {
	_, h := newTestServer(t, nil)

	rr := do(t, h, http.MethodGet, "/v1/runs?since=2026-03-01")
	require.Equal(t, http.StatusOK, rr.Code)
	var runs []evidence.RunRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "cli", runs[0].Trigger)

	rr = do(t, h, http.MethodGet, "/v1/runs?since=2026-03-02T00:00:00Z")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	rr = do(t, h, http.MethodGet, "/v1/runs/01OLD")
	require.Equal(t, http.StatusOK, rr.Code)
	var b evidence.Bundle
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &b))
	assert.Equal(t, "01OLD", b.Run.ID)
	require.Len(t, b.Stages, 1)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/runs/missing").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/runs?until=yesterday").Code)
}

func TestUsage(t *testing.T) {
	_, h := newTestServer(t, nil)

	rr := do(t, h, http.MethodGet, "/v1/usage?run_id=01OLD")
	require.Equal(t, http.StatusOK, rr.Code)
	var all UsageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &all))
	assert.Equal(t, 2, all.Totals.Records)
	assert.Equal(t, int64(150), all.Totals.InputTokens)
	assert.InDelta(t, 0.03, all.Totals.CostUSD, 1e-9)
	assert.Empty(t, all.Records)

	rr = do(t, h, http.MethodGet, "/v1/usage?task_type=brief_generation&records=true")
	require.Equal(t, http.StatusOK, rr.Code)
	var briefs UsageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &briefs))
	assert.Equal(t, 1, briefs.Totals.Records)
	require.Len(t, briefs.Records, 1)
	assert.Equal(t, "r1", briefs.Records[0].EntityID)
}

func TestDeliveries(t *testing.T) {
	_, h := newTestServer(t, nil)

	rr := do(t, h, http.MethodGet, "/v1/deliveries?recipient_id=r2")
	require.Equal(t, http.StatusOK, rr.Code)
	var body DeliveriesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Attempts, 1)
	assert.Equal(t, "smtp down", body.Attempts[0].Error)
	assert.NotNil(t, body.Escalations)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz").Code)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2026-03-02", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), false},
		{"2026-03-02T07:30:00Z", time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC), false},
		{"02/03/2026", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), tt.in)
	}
}

type fakeResearch struct {
	requestedBy string
}

func (f *fakeResearch) Run(_ context.Context, leadID, requestedBy, trigger string) (*research.Result, error) {
	f.requestedBy = requestedBy
	now := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	run := &pipeline.Run{ID: "run-r", PipelineID: "research", Status: pipeline.RunSuccess, StartedAt: now, FinishedAt: now.Add(time.Minute)}
	if leadID == "missing" {
		run.Status = pipeline.RunFailed
		run.Stages = []pipeline.StageResult{{
			Name: "gather_context", Status: pipeline.StatusFailed,
			Err: fmt.Errorf("load lead %s: %w", leadID, research.ErrLeadNotFound),
		}}
		return &research.Result{Run: run}, nil
	}
	run.Stages = []pipeline.StageResult{{Name: "gather_context", Status: pipeline.StatusOK}}
	return &research.Result{
		Run:      run,
		Research: &research.LeadResearch{LeadID: leadID, RunID: run.ID, RequestedBy: requestedBy},
		Notes:    []string{"trigger " + trigger},
	}, nil
}

type fakeWeekly struct{}

func (fakeWeekly) Run(_ context.Context, trigger string) (*weekly.Result, error) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	return &weekly.Result{
		Run:        &pipeline.Run{ID: "run-w", PipelineID: "weekly", Status: pipeline.RunSuccess, StartedAt: now, FinishedAt: now.Add(time.Minute)},
		Report:     &weekly.Report{WeekStart: now, Content: "EXECUTIVE SUMMARY"},
		Deliveries: []daily.Delivery{{RecipientID: "m1", Delivered: true}},
		Notes:      []string{"trigger " + trigger},
	}, nil
}

func TestTriggerResearch(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	fake := &fakeResearch{}
	srv.Research = fake
	h := srv.Handler()

	rr := do(t, h, http.MethodPost, "/v1/leads/L1/research?requested_by=mgr-1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body ResearchResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "run-r", body.Run.ID)
	assert.Equal(t, "api", body.Run.Trigger)
	require.NotNil(t, body.Research)
	assert.Equal(t, "L1", body.Research.LeadID)
	assert.Equal(t, "mgr-1", fake.requestedBy)

	rr = do(t, h, http.MethodPost, "/v1/leads/missing/research")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	srv.Research = nil
	rr = do(t, srv.Handler(), http.MethodPost, "/v1/leads/L1/research")
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestTriggerWeekly(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.Weekly = fakeWeekly{}

	rr := do(t, srv.Handler(), http.MethodPost, "/v1/pipelines/weekly/runs?trigger=cron")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body WeeklyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "weekly", body.Run.PipelineID)
	assert.Equal(t, "cron", body.Run.Trigger)
	require.NotNil(t, body.Report)
	assert.Equal(t, "EXECUTIVE SUMMARY", body.Report.Content)
	require.Len(t, body.Deliveries, 1)
	assert.True(t, body.Deliveries[0].Delivered)
}
