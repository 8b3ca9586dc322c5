package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zen-systems/salesflow/pkg/evidence"
	"github.com/zen-systems/salesflow/pkg/ledger"
	"github.com/zen-systems/salesflow/pkg/notify"
	"github.com/zen-systems/salesflow/pkg/pipeline"
)

func TestWhereBuilder(t *testing.T) {
	w := &where{}
	assert.Equal(t, "", w.String())

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	w.eq("task_type", "scoring")
	w.eq("entity_id", "")
	w.or([]string{"a", "b"}, "x")
	w.window("ts", since, time.Time{})
	assert.Equal(t, " WHERE task_type = $1 AND (a = $2 OR b = $2) AND ts >= $3", w.String())
	assert.Equal(t, []any{"scoring", "x", since}, w.args)
}

func setupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("SALESFLOW_PG_INTEGRATION") != "1" {
		t.Skip("set SALESFLOW_PG_INTEGRATION=1 to run postgres integration tests")
	}
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("salesflow"),
		tcpostgres.WithUsername("user"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := Connect(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "migrate must be repeatable")
	return pool
}

func TestPostgresStores(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	t.Run("usage append is idempotent and aggregates", func(t *testing.T) {
		store := NewUsageStore(pool)
		records := []ledger.UsageRecord{
			{ID: "u1", RunID: "r1", TaskType: "scoring", Capability: "anthropic/claude", Attempt: 1, InputTokens: 100, OutputTokens: 20, CostUSD: 0.01, DurationMS: 300, Success: false, Error: "503", Status: 503, FailureClass: "unavailable", Transient: true, Timestamp: base},
			{ID: "u2", RunID: "r1", TaskType: "scoring", Capability: "openai/gpt", Attempt: 2, InputTokens: 100, OutputTokens: 30, CostUSD: 0.02, DurationMS: 400, Success: true, Timestamp: base.Add(time.Second)},
			{ID: "u3", RunID: "r1", TaskType: "briefing", Capability: "openai/gpt", Attempt: 1, InputTokens: 50, OutputTokens: 50, CostUSD: 0.03, DurationMS: 500, Success: true, EntityID: "rep-1", Timestamp: base.Add(2 * time.Second)},
		}
		require.NoError(t, store.Append(ctx, records))
		require.NoError(t, store.Append(ctx, records[:1]))

		all, err := store.Query(ctx, ledger.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)
		assert.Equal(t, "u1", all[0].ID)
		assert.Equal(t, 503, all[0].Status)
		assert.Equal(t, "unavailable", all[0].FailureClass)
		assert.True(t, all[0].Transient)

		totals, err := store.Aggregate(ctx, ledger.Filter{TaskType: "scoring"})
		require.NoError(t, err)
		assert.Equal(t, 2, totals.Records)
		assert.Equal(t, 1, totals.Successes)
		assert.Equal(t, 1, totals.Failures)
		assert.Equal(t, 1, totals.Transient)
		assert.Equal(t, int64(50), totals.OutputTokens)
		assert.InDelta(t, 0.03, totals.CostUSD, 1e-9)

		windowed, err := store.Aggregate(ctx, ledger.Filter{Since: base.Add(time.Second), Until: base.Add(2 * time.Second)})
		require.NoError(t, err)
		assert.Equal(t, 1, windowed.Records)
	})

	t.Run("delivery log", func(t *testing.T) {
		log := NewDeliveryLog(pool)
		attempts := []notify.DeliveryAttempt{
			{ID: "a1", MessageID: "m1", Channel: notify.ChannelTelegram, RecipientID: "rep-1", MessageHash: "h", Timestamp: base, Success: false, Error: "timeout"},
			{ID: "a2", MessageID: "m1", Channel: notify.ChannelTelegram, RecipientID: "rep-1", MessageHash: "h", Timestamp: base.Add(time.Second), Success: true, Retry: 1},
		}
		require.NoError(t, log.AppendAttempts(ctx, attempts))
		require.NoError(t, log.AppendEscalation(ctx, notify.EscalationEvent{
			ID: "e1", SourceAttemptID: "a1", SourceRecipientID: "rep-1", TargetRecipientID: "mgr-1",
			MessageID: "m2", OriginalMessageID: "m1", Timestamp: base.Add(2 * time.Second),
		}))

		got, err := log.Attempts(ctx, notify.Query{RecipientID: "rep-1"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 1, got[1].Retry)

		esc, err := log.Escalations(ctx, notify.Query{RecipientID: "mgr-1", MessageID: "m1"})
		require.NoError(t, err)
		require.Len(t, esc, 1)
		assert.Equal(t, "a1", esc[0].SourceAttemptID)
	})

	t.Run("runs", func(t *testing.T) {
		runs := NewRunStore(pool)
		run := &pipeline.Run{
			ID: "run-1", PipelineID: "daily", Status: pipeline.RunSuccess,
			StartedAt: base, FinishedAt: base.Add(time.Minute),
			Stages: []pipeline.StageResult{{Name: "fetch_data", Status: pipeline.StatusOK, StartedAt: base, FinishedAt: base.Add(time.Second)}},
		}
		require.NoError(t, runs.SaveRun(ctx, run, "api"))
		run.Status = pipeline.RunPartial
		require.NoError(t, runs.SaveRun(ctx, run, "api"))

		list, err := runs.ListRuns(ctx, base.Add(-time.Hour), time.Time{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "partial", list[0].Status)

		b, err := runs.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "api", b.Run.Trigger)
		require.Len(t, b.Stages, 1)

		_, err = runs.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, evidence.ErrNotFound)
	})
}
