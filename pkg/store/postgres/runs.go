package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/zen-systems/salesflow/pkg/evidence"
	"github.com/zen-systems/salesflow/pkg/pipeline"
)

// RunStore keeps run summaries alongside the on-disk evidence.
type RunStore struct {
	db DB
}

// NewRunStore returns a run store over db.
func NewRunStore(db DB) *RunStore {
	return &RunStore{db: db}
}

// SaveRun upserts the run summary and its stage records.
func (s *RunStore) SaveRun(ctx context.Context, run *pipeline.Run, trigger string) error {
	rec, stages := evidence.FromRun(run)
	rec.Trigger = trigger
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO pipeline_runs
		(id, pipeline_id, status, run_trigger, started_at, finished_at, timed_out, record, stages)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, finished_at = EXCLUDED.finished_at,
			timed_out = EXCLUDED.timed_out, record = EXCLUDED.record, stages = EXCLUDED.stages`,
		rec.ID, rec.PipelineID, rec.Status, trigger, rec.StartedAt, rec.FinishedAt, rec.TimedOut, recJSON, stagesJSON)
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.ID, err)
	}
	return nil
}

// ListRuns returns runs started in [since, until), newest first.
func (s *RunStore) ListRuns(ctx context.Context, since, until time.Time) ([]evidence.RunRecord, error) {
	w := &where{}
	w.window("started_at", since, until)
	rows, err := s.db.Query(ctx, `SELECT record FROM pipeline_runs`+w.String()+` ORDER BY started_at DESC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []evidence.RunRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec evidence.RunRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, id string) (*evidence.Bundle, error) {
	var recRaw, stagesRaw []byte
	err := s.db.QueryRow(ctx, `SELECT record, stages FROM pipeline_runs WHERE id = $1`, id).Scan(&recRaw, &stagesRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", evidence.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var b evidence.Bundle
	if err := json.Unmarshal(recRaw, &b.Run); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stagesRaw, &b.Stages); err != nil {
		return nil, err
	}
	return &b, nil
}
