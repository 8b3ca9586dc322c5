package research

import (
	"context"
	"errors"
	"time"

	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/pipeline"
)

// DefaultDeadline bounds a research run when none is configured.
const DefaultDeadline = 5 * time.Minute

// Runner executes the research pipeline for one lead at a time.
type Runner struct {
	Research *Research
	Evidence daily.EvidenceSaver
	// Runs is optional, for example the Postgres run store.
	Runs         daily.RunSaver
	MaxBudgetUSD float64
	Deadline     time.Duration
	Location     *time.Location
	// Now supplies as_of, the research timestamp.
	Now func() time.Time
}

// Result describes one research run.
type Result struct {
	Run         *pipeline.Run `json:"run"`
	EvidenceDir string        `json:"evidence_dir,omitempty"`
	SpentUSD    float64       `json:"spent_usd"`
	// Research is nil when the run did not reach save_research.
	Research *LeadResearch `json:"research,omitempty"`
	Notes    []string      `json:"notes,omitempty"`
}

// Run researches leadID. The returned error covers only problems
// preventing the run from starting; stage failures are in Result.Run.
func (r *Runner) Run(ctx context.Context, leadID, requestedBy, trigger string) (*Result, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	budget := invoke.NewBudget(r.MaxBudgetUSD)
	p, err := r.Research.Build(budget)
	if err != nil {
		return nil, err
	}
	limit := r.Deadline
	if limit <= 0 {
		limit = DefaultDeadline
	}
	initial := pipeline.State{"lead_id": leadID, "requested_by": requestedBy, "as_of": now().In(loc)}
	run, err := p.Execute(ctx, initial, time.Now().Add(limit))
	if err != nil {
		return nil, err
	}
	res := &Result{Run: run, SpentUSD: budget.Spent()}
	if msg := budget.Exceeded(); msg != "" {
		res.Notes = append(res.Notes, msg)
	}
	if rec, ok := pipeline.Get[LeadResearch](run.State, "research"); ok {
		res.Research = &rec
	}
	r.Research.logf("research: run %s for %s finished %s", run.ID, leadID, run.Status)

	bg := context.WithoutCancel(ctx)
	if r.Evidence != nil {
		dir, err := r.Evidence.SaveRun(run, trigger, res.Notes...)
		if err != nil {
			r.Research.logf("research: save evidence for %s: %v", run.ID, err)
		}
		res.EvidenceDir = dir
	}
	if r.Runs != nil {
		if err := r.Runs.SaveRun(bg, run, trigger); err != nil {
			r.Research.logf("research: save run %s: %v", run.ID, err)
		}
	}
	return res, nil
}

// LeadNotFound reports whether run failed because its lead does not exist.
func LeadNotFound(run *pipeline.Run) bool {
	st, ok := run.Stage("gather_context")
	return ok && st.Status == pipeline.StatusFailed && errors.Is(st.Err, ErrLeadNotFound)
}
