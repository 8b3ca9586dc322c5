package daily

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zen-systems/salesflow/pkg/archive"
	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/notify"
	"github.com/zen-systems/salesflow/pkg/pipeline"
)

// PipelineID names the daily pipeline in evidence and the archive.
const PipelineID = "daily"

// fallbackTimeout bounds the last-good delivery after a failed run.
const fallbackTimeout = 2 * time.Minute

// RunSaver persists a finished run.
type RunSaver interface {
	SaveRun(ctx context.Context, run *pipeline.Run, trigger string) error
}

// EvidenceSaver writes the on-disk run log.
type EvidenceSaver interface {
	SaveRun(run *pipeline.Run, trigger string, notes ...string) (string, error)
}

// Runner executes the daily pipeline end to end.
type Runner struct {
	Daily    *Daily
	Evidence EvidenceSaver
	// Runs is optional, for example the Postgres run store.
	Runs RunSaver
	// Archive keeps the last good briefs. Optional.
	Archive *archive.Archive
	// MaxBudgetUSD caps model spend per run; zero is unlimited.
	MaxBudgetUSD float64
	// FailureRecipients hear about failed runs with nothing to fall back on.
	FailureRecipients []string
	Location          *time.Location
	// Now supplies as_of. It does not move the run deadline.
	Now func() time.Time
}

// lastGood is the archived deliverable of a successful run.
type lastGood struct {
	Briefs     map[string]Brief            `json:"briefs"`
	Recipients map[string]notify.Recipient `json:"recipients"`
}

// Result describes one run.
type Result struct {
	Run         *pipeline.Run `json:"run"`
	EvidenceDir string        `json:"evidence_dir,omitempty"`
	SpentUSD    float64       `json:"spent_usd"`
	// Fallback lists deliveries made after a failed run.
	Fallback []Delivery `json:"fallback,omitempty"`
	Notes    []string   `json:"notes,omitempty"`
}

// Run executes one daily run. The returned error covers only problems
// preventing the run from starting; stage failures are in Result.Run.
func (r *Runner) Run(ctx context.Context, trigger string) (*Result, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	start := now().In(loc)

	budget := invoke.NewBudget(r.MaxBudgetUSD)
	p, err := r.Daily.Build(budget)
	if err != nil {
		return nil, err
	}
	// Now only sets as_of; the deadline is enforced against the wall clock.
	var deadline time.Time
	if r.Daily.cfg.Deadline > 0 {
		deadline = time.Now().Add(r.Daily.cfg.Deadline)
	}
	run, err := p.Execute(ctx, pipeline.State{"as_of": start}, deadline)
	if err != nil {
		return nil, err
	}
	res := &Result{Run: run, SpentUSD: budget.Spent()}
	if msg := budget.Exceeded(); msg != "" {
		res.Notes = append(res.Notes, msg)
	}
	r.Daily.logf("daily: run %s finished %s", run.ID, run.Status)

	// Persisting and fallback delivery outlive a cancelled trigger.
	bg := context.WithoutCancel(ctx)
	briefs, _ := pipeline.Get[map[string]Brief](run.State, "briefs")
	if run.Status != pipeline.RunFailed && len(briefs) > 0 && r.Archive != nil {
		reps, _ := pipeline.Get[[]Rep](run.State, "reps")
		good := lastGood{Briefs: briefs, Recipients: make(map[string]notify.Recipient, len(reps))}
		for _, rep := range reps {
			good.Recipients[rep.ID] = rep.Recipient()
		}
		if _, err := r.Archive.SaveSnapshot(bg, PipelineID, run.ID, good); err != nil {
			res.Notes = append(res.Notes, fmt.Sprintf("archive briefs: %v", err))
		}
	}
	if run.Status == pipeline.RunFailed {
		fctx, cancel := context.WithTimeout(bg, fallbackTimeout)
		res.Fallback, res.Notes = r.fallback(fctx, run, start, res.Notes)
		cancel()
	}

	if r.Evidence != nil {
		dir, err := r.Evidence.SaveRun(run, trigger, res.Notes...)
		if err != nil {
			r.Daily.logf("daily: save evidence for %s: %v", run.ID, err)
		}
		res.EvidenceDir = dir
	}
	if r.Runs != nil {
		if err := r.Runs.SaveRun(bg, run, trigger); err != nil {
			r.Daily.logf("daily: save run %s: %v", run.ID, err)
		}
	}
	return res, nil
}

// briefsDelivered returns the reps who received today's brief.
func briefsDelivered(run *pipeline.Run) map[string]bool {
	deliveries, _ := pipeline.Get[[]Delivery](run.State, "brief_deliveries")
	out := make(map[string]bool, len(deliveries))
	for _, d := range deliveries {
		if d.Delivered {
			out[d.RecipientID] = true
		}
	}
	return out
}

// fallback sends the last good briefs, marked stale, to reps who did not
// get today's brief. With no snapshot it sends a degraded notice to the
// failure recipients.
func (r *Runner) fallback(ctx context.Context, run *pipeline.Run, now time.Time, notes []string) ([]Delivery, []string) {
	delivered := briefsDelivered(run)
	var snap *archive.Snapshot
	if r.Archive != nil {
		s, err := r.Archive.Latest(ctx, PipelineID)
		switch {
		case err == nil:
			snap = s
		case errors.Is(err, archive.ErrNotFound):
		default:
			notes = append(notes, fmt.Sprintf("load last good briefs: %v", err))
		}
	}

	reps, _ := pipeline.Get[[]Rep](run.State, "reps")
	byID := make(map[string]notify.Recipient, len(reps))
	for _, rep := range reps {
		byID[rep.ID] = rep.Recipient()
	}

	var out []Delivery
	if snap != nil {
		var good lastGood
		if err := json.Unmarshal(snap.Payload, &good); err != nil {
			return out, append(notes, fmt.Sprintf("decode last good briefs: %v", err))
		}
		for id, rec := range good.Recipients {
			if _, ok := byID[id]; !ok {
				byID[id] = rec
			}
		}
		briefs := good.Briefs
		ids := make([]string, 0, len(briefs))
		for id := range briefs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		stamp := snap.CreatedAt.In(now.Location()).Format("02 Jan 2006")
		for _, id := range ids {
			if delivered[id] {
				continue
			}
			recipient, err := r.lookup(ctx, id, byID)
			if err != nil {
				notes = append(notes, fmt.Sprintf("fallback recipient %s: %v", id, err))
				continue
			}
			msg := notify.Message{
				ID:       ulid.Make().String(),
				Severity: notify.SeverityWarning,
				Subject:  "[STALE " + stamp + "] Your morning brief",
				Body:     "Today's run failed. This is your brief from " + stamp + ".\n\n" + briefs[id].Text,
				EntityID: id,
			}
			d, _ := r.Daily.deliver(ctx, msg, recipient, notify.ModeFirstSuccess)
			out = append(out, d)
		}
		if len(out) == 0 {
			return out, append(notes, "every rep received today's brief; no stale briefs sent")
		}
		return out, append(notes, fmt.Sprintf("sent last good briefs from run %s to %d rep(s)", snap.RunID, len(out)))
	}

	for _, id := range r.FailureRecipients {
		recipient, err := r.lookup(ctx, id, byID)
		if err != nil {
			notes = append(notes, fmt.Sprintf("failure recipient %s: %v", id, err))
			continue
		}
		msg := notify.Message{
			ID:       ulid.Make().String(),
			Severity: notify.SeverityHigh,
			Subject:  "Daily pipeline failed",
			Body:     fmt.Sprintf("Run %s failed at %s and no earlier briefs are available.\n\n%s", run.ID, now.Format(time.RFC1123), failedStages(run)),
			EntityID: run.ID,
		}
		d, _ := r.Daily.deliver(ctx, msg, recipient, notify.ModeAll)
		out = append(out, d)
	}
	return out, append(notes, "no last good briefs; sent degraded notice")
}

func (r *Runner) lookup(ctx context.Context, id string, known map[string]notify.Recipient) (notify.Recipient, error) {
	if rec, ok := known[id]; ok {
		return rec, nil
	}
	return r.Daily.directory.Recipient(ctx, id)
}

func failedStages(run *pipeline.Run) string {
	var s string
	for _, st := range run.Stages {
		if st.Status == pipeline.StatusFailed {
			s += fmt.Sprintf("- %s: %v\n", st.Name, st.Errors)
		}
	}
	return s
}
