// Package scorer evaluates item collections in bounded chunks, re-scoring
// only items that changed since their last successful evaluation.
package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/schema"
)

// DefaultBatchSize is the chunk size used when none is given.
const DefaultBatchSize = 20

// Item is one unit to score. Version changes whenever the item changes.
type Item struct {
	ID      string
	Version string
	Payload any
}

// Status of a per-item result.
type Status string

const (
	StatusScored  Status = "scored"
	StatusPending Status = "pending"
)

// Result is the outcome for one item. Data holds the validated response
// entry for scored items.
type Result struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	Status  Status          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Invoker is the resilience layer the scorer calls once per chunk.
type Invoker interface {
	Invoke(ctx context.Context, call invoke.Call) (*invoke.Result, error)
}

// PromptFunc renders the model call for one chunk.
type PromptFunc func(chunk []Item) (system, prompt string, err error)

// Config describes how chunks are turned into calls and how responses are checked.
type Config struct {
	TaskType    string
	IDField     string
	Schema      *schema.Validator
	Prompt      PromptFunc
	MaxParallel int
	MaxTokens   int
	RunID       string
	Budget      *invoke.Budget
	Logger      func(format string, args ...any)
}

// Scorer runs chunked, incremental scoring. It is safe for concurrent use.
type Scorer struct {
	invoker Invoker
	cfg     Config
}

// New validates cfg and returns a Scorer.
func New(invoker Invoker, cfg Config) (*Scorer, error) {
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if cfg.TaskType == "" {
		return nil, errors.New("task type is required")
	}
	if cfg.Schema == nil {
		return nil, errors.New("response schema is required")
	}
	if cfg.Prompt == nil {
		return nil, errors.New("prompt func is required")
	}
	if cfg.IDField == "" {
		cfg.IDField = "id"
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	return &Scorer{invoker: invoker, cfg: cfg}, nil
}

// ChunkReport accounts for one chunk. Scored + Pending always equals len(Sent).
type ChunkReport struct {
	Index      int      `json:"index"`
	Sent       []string `json:"sent"`
	Scored     int      `json:"scored"`
	Pending    int      `json:"pending"`
	Dropped    int      `json:"dropped"`
	Invalid    int      `json:"invalid"`
	Capability string   `json:"capability,omitempty"`
	Err        error    `json:"-"`
	Error      string   `json:"error,omitempty"`
}

// Outcome is the result of one Score call. Results follow input order.
type Outcome struct {
	Results []Result      `json:"results"`
	Chunks  []ChunkReport `json:"chunks"`
	Carried []string      `json:"carried,omitempty"`
}

// Partial reports whether any chunk failed or left items pending.
func (o *Outcome) Partial() bool {
	for _, c := range o.Chunks {
		if c.Err != nil || c.Pending > 0 {
			return true
		}
	}
	return false
}

// Errors returns the terminal chunk errors.
func (o *Outcome) Errors() []error {
	var errs []error
	for _, c := range o.Chunks {
		if c.Err != nil {
			errs = append(errs, fmt.Errorf("chunk %d: %w", c.Index, c.Err))
		}
	}
	return errs
}

// Counts returns scored, pending and carried totals across the outcome.
func (o *Outcome) Counts() (scored, pending, carried int) {
	for _, c := range o.Chunks {
		scored += c.Scored
		pending += c.Pending
	}
	return scored, pending, len(o.Carried)
}

// Score evaluates items in chunks of batchSize. Items whose Version equals
// the Version of a previously scored result are not sent; that result is
// carried forward unchanged. A failed chunk only marks its own items pending.
func (s *Scorer) Score(ctx context.Context, items []Item, batchSize int, previous map[string]Result) (*Outcome, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.ID == "" {
			return nil, errors.New("item with empty id")
		}
		if seen[item.ID] {
			return nil, fmt.Errorf("duplicate item id %q", item.ID)
		}
		seen[item.ID] = true
	}

	out := &Outcome{Results: make([]Result, len(items))}
	var changed []int
	for idx, item := range items {
		if prev, ok := previous[item.ID]; ok && prev.Status == StatusScored && prev.Version == item.Version {
			out.Results[idx] = prev
			out.Carried = append(out.Carried, item.ID)
			continue
		}
		changed = append(changed, idx)
	}

	var chunks [][]int
	for start := 0; start < len(changed); start += batchSize {
		end := start + batchSize
		if end > len(changed) {
			end = len(changed)
		}
		chunks = append(chunks, changed[start:end])
	}
	out.Chunks = make([]ChunkReport, len(chunks))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallel)
	for ci, positions := range chunks {
		g.Go(func() error {
			out.Chunks[ci] = s.scoreChunk(ctx, ci, items, positions, out.Results)
			return nil
		})
	}
	_ = g.Wait()

	return out, nil
}

// scoreChunk writes results only at its own positions.
func (s *Scorer) scoreChunk(ctx context.Context, index int, items []Item, positions []int, results []Result) ChunkReport {
	chunk := make([]Item, len(positions))
	report := ChunkReport{Index: index, Sent: make([]string, len(positions))}
	for i, pos := range positions {
		chunk[i] = items[pos]
		report.Sent[i] = items[pos].ID
	}

	markAllPending := func(err error) ChunkReport {
		for _, pos := range positions {
			results[pos] = Result{ID: items[pos].ID, Version: items[pos].Version, Status: StatusPending, Reason: err.Error()}
		}
		report.Pending = len(positions)
		report.Err = err
		report.Error = err.Error()
		return report
	}

	system, prompt, err := s.cfg.Prompt(chunk)
	if err != nil {
		return markAllPending(fmt.Errorf("render prompt: %w", err))
	}
	res, err := s.invoker.Invoke(ctx, invoke.Call{
		TaskType:  s.cfg.TaskType,
		System:    system,
		Prompt:    prompt,
		MaxTokens: s.cfg.MaxTokens,
		RunID:     s.cfg.RunID,
		Budget:    s.cfg.Budget,
	})
	if err != nil {
		return markAllPending(err)
	}
	report.Capability = res.Capability.String()

	entries, err := schema.DecodeArray(res.Content)
	if err != nil {
		return markAllPending(fmt.Errorf("parse response: %w", err))
	}

	posByID := make(map[string]int, len(positions))
	for _, pos := range positions {
		posByID[items[pos].ID] = pos
	}
	scored := make(map[string]bool, len(positions))
	for _, raw := range entries {
		id, err := s.validateEntry(raw)
		if err != nil {
			if id != "" {
				if _, known := posByID[id]; known {
					report.Invalid++
					s.logf("scorer: chunk %d: invalid entry for %q: %v", index, id, err)
					continue
				}
			}
			report.Dropped++
			s.logf("scorer: chunk %d: dropping malformed entry: %v", index, err)
			continue
		}
		pos, known := posByID[id]
		if !known {
			report.Dropped++
			s.logf("scorer: chunk %d: dropping entry for unknown id %q", index, id)
			continue
		}
		if scored[id] {
			report.Dropped++
			s.logf("scorer: chunk %d: dropping duplicate entry for %q", index, id)
			continue
		}
		scored[id] = true
		results[pos] = Result{ID: id, Version: items[pos].Version, Status: StatusScored, Data: raw}
	}

	for _, pos := range positions {
		if scored[items[pos].ID] {
			report.Scored++
			continue
		}
		results[pos] = Result{ID: items[pos].ID, Version: items[pos].Version, Status: StatusPending, Reason: "missing from response"}
		report.Pending++
	}
	return report
}

// validateEntry returns the entry's id (when readable) and any schema violation.
func (s *Scorer) validateEntry(raw json.RawMessage) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("entry is not an object: %w", err)
	}
	id, _ := fields[s.cfg.IDField].(string)
	if id == "" {
		return "", fmt.Errorf("entry has no %q", s.cfg.IDField)
	}
	if err := s.cfg.Schema.Validate(map[string]any(fields)); err != nil {
		return id, err
	}
	return id, nil
}

func (s *Scorer) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger(format, args...)
	}
}
