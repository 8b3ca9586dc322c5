package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zen-systems/salesflow/pkg/ledger"
)

// UsageStore implements ledger.Store and ledger.Aggregator.
type UsageStore struct {
	db DB
}

// NewUsageStore returns a usage store over db.
func NewUsageStore(db DB) *UsageStore {
	return &UsageStore{db: db}
}

// Append inserts records. Records already stored are left unchanged.
func (s *UsageStore) Append(ctx context.Context, records []ledger.UsageRecord) error {
	b := &pgx.Batch{}
	for _, r := range records {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		b.Queue(`INSERT INTO usage_records
			(id, run_id, task_type, capability, attempt, input_tokens, output_tokens, cost_usd, duration_ms,
			 success, error, status, failure_class, transient, entity_id, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO NOTHING`,
			id, r.RunID, r.TaskType, r.Capability, r.Attempt, r.InputTokens, r.OutputTokens,
			r.CostUSD, r.DurationMS, r.Success, r.Error, r.Status, r.FailureClass, r.Transient, r.EntityID, r.Timestamp)
	}
	if err := sendBatch(ctx, s.db, b); err != nil {
		return fmt.Errorf("insert usage records: %w", err)
	}
	return nil
}

func usageWhere(f ledger.Filter) *where {
	w := &where{}
	w.eq("task_type", f.TaskType)
	w.eq("entity_id", f.EntityID)
	w.eq("run_id", f.RunID)
	w.window("ts", f.Since, f.Until)
	return w
}

// Query returns matching records in timestamp order.
func (s *UsageStore) Query(ctx context.Context, f ledger.Filter) ([]ledger.UsageRecord, error) {
	w := usageWhere(f)
	rows, err := s.db.Query(ctx, `SELECT id, run_id, task_type, capability, attempt, input_tokens, output_tokens,
		cost_usd, duration_ms, success, error, status, failure_class, transient, entity_id, ts FROM usage_records`+w.String()+` ORDER BY ts, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.UsageRecord
	for rows.Next() {
		var r ledger.UsageRecord
		if err := rows.Scan(&r.ID, &r.RunID, &r.TaskType, &r.Capability, &r.Attempt, &r.InputTokens, &r.OutputTokens,
			&r.CostUSD, &r.DurationMS, &r.Success, &r.Error, &r.Status, &r.FailureClass, &r.Transient, &r.EntityID, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Aggregate sums matching records in the database.
func (s *UsageStore) Aggregate(ctx context.Context, f ledger.Filter) (ledger.Totals, error) {
	w := usageWhere(f)
	var t ledger.Totals
	var records, successes, failures, transient int64
	err := s.db.QueryRow(ctx, `SELECT
		count(*),
		count(*) FILTER (WHERE success),
		count(*) FILTER (WHERE NOT success),
		count(*) FILTER (WHERE NOT success AND transient),
		coalesce(sum(input_tokens), 0)::bigint,
		coalesce(sum(output_tokens), 0)::bigint,
		coalesce(sum(cost_usd), 0)::double precision,
		coalesce(sum(duration_ms), 0)::bigint
		FROM usage_records`+w.String(), w.args...).
		Scan(&records, &successes, &failures, &transient, &t.InputTokens, &t.OutputTokens, &t.CostUSD, &t.DurationMS)
	if err != nil {
		return ledger.Totals{}, fmt.Errorf("aggregate usage: %w", err)
	}
	t.Records, t.Successes, t.Failures, t.Transient = int(records), int(successes), int(failures), int(transient)
	return t, nil
}
