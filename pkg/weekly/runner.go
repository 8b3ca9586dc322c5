package weekly

import (
	"context"
	"time"

	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/pipeline"
)

// DefaultDeadline bounds a weekly run when none is configured.
const DefaultDeadline = 10 * time.Minute

// Runner executes the weekly report pipeline.
type Runner struct {
	Weekly   *Weekly
	Evidence daily.EvidenceSaver
	// Runs is optional, for example the Postgres run store.
	Runs         daily.RunSaver
	MaxBudgetUSD float64
	Deadline     time.Duration
	// Location decides where the week starts.
	Location *time.Location
	// Now supplies as_of. It does not move the run deadline.
	Now func() time.Time
}

// Result describes one weekly run.
type Result struct {
	Run         *pipeline.Run    `json:"run"`
	EvidenceDir string           `json:"evidence_dir,omitempty"`
	SpentUSD    float64          `json:"spent_usd"`
	Report      *Report          `json:"report,omitempty"`
	Deliveries  []daily.Delivery `json:"deliveries,omitempty"`
	Notes       []string         `json:"notes,omitempty"`
}

// Run writes and sends the report for the current week. The returned
// error covers only problems preventing the run from starting.
func (r *Runner) Run(ctx context.Context, trigger string) (*Result, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	budget := invoke.NewBudget(r.MaxBudgetUSD)
	p, err := r.Weekly.Build(budget)
	if err != nil {
		return nil, err
	}
	limit := r.Deadline
	if limit <= 0 {
		limit = DefaultDeadline
	}
	run, err := p.Execute(ctx, pipeline.State{"as_of": now().In(loc)}, time.Now().Add(limit))
	if err != nil {
		return nil, err
	}
	res := &Result{Run: run, SpentUSD: budget.Spent()}
	if msg := budget.Exceeded(); msg != "" {
		res.Notes = append(res.Notes, msg)
	}
	if rep, ok := pipeline.Get[Report](run.State, "report"); ok {
		res.Report = &rep
	}
	res.Deliveries, _ = pipeline.Get[[]daily.Delivery](run.State, "report_deliveries")
	r.Weekly.logf("weekly: run %s finished %s", run.ID, run.Status)

	bg := context.WithoutCancel(ctx)
	if r.Evidence != nil {
		dir, err := r.Evidence.SaveRun(run, trigger, res.Notes...)
		if err != nil {
			r.Weekly.logf("weekly: save evidence for %s: %v", run.ID, err)
		}
		res.EvidenceDir = dir
	}
	if r.Runs != nil {
		if err := r.Runs.SaveRun(bg, run, trigger); err != nil {
			r.Weekly.logf("weekly: save run %s: %v", run.ID, err)
		}
	}
	return res, nil
}
