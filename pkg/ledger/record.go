// Package ledger keeps the append-only usage and cost record of every model call attempt.
package ledger

import (
	"context"
	"time"

	"github.com/zen-systems/salesflow/pkg/ndjson"
)

// UsageRecord is one model call attempt. A primary-then-fallback call produces two records.
type UsageRecord struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id,omitempty"`
	TaskType     string    `json:"task_type"`
	Capability   string    `json:"capability"`
	Attempt      int       `json:"attempt"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMS   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	// Status is the provider HTTP status of a failed attempt, when known.
	Status       int       `json:"status,omitempty"`
	// FailureClass is rate_limited, timeout, unavailable, rejected,
	// empty_response, cancelled or other.
	FailureClass string    `json:"failure_class,omitempty"`
	Transient    bool      `json:"transient,omitempty"`
	EntityID     string    `json:"entity_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Filter selects records for aggregation. Zero fields match everything.
// The window is [Since, Until).
type Filter struct {
	TaskType string
	EntityID string
	RunID    string
	Since    time.Time
	Until    time.Time
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec UsageRecord) bool {
	if f.TaskType != "" && rec.TaskType != f.TaskType {
		return false
	}
	if f.EntityID != "" && rec.EntityID != f.EntityID {
		return false
	}
	if f.RunID != "" && rec.RunID != f.RunID {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// Totals are sums over stored records.
type Totals struct {
	Records      int     `json:"records"`
	Successes    int     `json:"successes"`
	Failures     int     `json:"failures"`
	// Transient counts failures a retry could have fixed.
	Transient    int     `json:"transient_failures"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
}

// Add folds one record into the totals.
func (t *Totals) Add(rec UsageRecord) {
	t.Records++
	if rec.Success {
		t.Successes++
	} else {
		t.Failures++
		if rec.Transient {
			t.Transient++
		}
	}
	t.InputTokens += int64(rec.InputTokens)
	t.OutputTokens += int64(rec.OutputTokens)
	t.CostUSD += rec.CostUSD
	t.DurationMS += rec.DurationMS
}

// Sum aggregates records.
func Sum(records []UsageRecord) Totals {
	var t Totals
	for _, rec := range records {
		t.Add(rec)
	}
	return t
}

// Store persists usage records.
type Store interface {
	Append(ctx context.Context, records []UsageRecord) error
	Query(ctx context.Context, filter Filter) ([]UsageRecord, error)
}

// Aggregator is implemented by stores that can sum rows server-side.
type Aggregator interface {
	Aggregate(ctx context.Context, filter Filter) (Totals, error)
}

// FileStore keeps records in an NDJSON file.
type FileStore struct {
	log *ndjson.File[UsageRecord]
}

// NewFileStore opens (or creates) an NDJSON usage log.
func NewFileStore(path string) (*FileStore, error) {
	log, err := ndjson.Open[UsageRecord](path)
	if err != nil {
		return nil, err
	}
	return &FileStore{log: log}, nil
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, records []UsageRecord) error {
	return s.log.Append(records...)
}

// Query implements Store.
func (s *FileStore) Query(_ context.Context, filter Filter) ([]UsageRecord, error) {
	return s.log.Scan(filter.Match)
}
