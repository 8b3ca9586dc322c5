package weekly

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/notify"
	"github.com/zen-systems/salesflow/pkg/pipeline"
)

type stages struct {
	w      *Weekly
	budget *invoke.Budget
}

func (s *stages) funcs() map[string]pipeline.StageFunc {
	return map[string]pipeline.StageFunc{
		"gather_metrics":  s.gatherMetrics,
		"load_last_week":  s.loadLastWeek,
		"generate_report": s.generateReport,
		"save_report":     s.saveReport,
		"send_report":     s.sendReport,
	}
}

func asOf(in pipeline.State) time.Time {
	t, ok := pipeline.Get[time.Time](in, "as_of")
	if !ok {
		return time.Now()
	}
	return t
}

func (s *stages) gatherMetrics(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	now := asOf(in)
	snap, err := s.w.source.Fetch(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("fetch leads: %w", err)
	}
	week := WeekOf(now)
	m := Summarize(snap, week, now, s.w.cfg.StaleWarningDays)
	s.w.logf("weekly: %s: %d open leads, %d won, %d lost, %d stale", week.Key(), m.OpenLeads, len(m.Won), len(m.Lost), m.StaleLeads)
	return pipeline.State{"week": week, "metrics": m, "reps": snap.Reps}, nil
}

// loadLastWeek leaves last_week unset when the previous week has no report.
func (s *stages) loadLastWeek(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	week, _ := pipeline.Get[Week](in, "week")
	prev := week.Previous()
	last, err := s.w.store.LoadReport(ctx, prev.Start)
	if errors.Is(err, ErrReportNotFound) {
		s.w.logf("weekly: no report for %s", prev.Key())
		return pipeline.State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load report for %s: %w", prev.Key(), err)
	}
	return pipeline.State{"last_week": last}, nil
}

func (s *stages) generateReport(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	week, _ := pipeline.Get[Week](in, "week")
	m, _ := pipeline.Get[Metrics](in, "metrics")
	last, _ := pipeline.Get[*Report](in, "last_week")

	report := Report{
		WeekStart:   week.Start,
		WeekEnd:     week.End,
		Metrics:     m,
		RunID:       pipeline.RunID(ctx),
		GeneratedAt: asOf(in),
	}
	res, err := s.w.invoker.Invoke(ctx, invoke.Call{
		TaskType:  TaskWeeklyReport,
		System:    reportSystem,
		Prompt:    reportPrompt(week, m, last),
		MaxTokens: 4096,
		EntityID:  week.Key(),
		RunID:     report.RunID,
		Budget:    s.budget,
	})
	if err == nil && strings.TrimSpace(res.Content) == "" {
		err = errors.New("empty response")
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.w.logf("weekly: report for %s falls back to figures only: %v", week.Key(), err)
		report.Content = fallbackReport(week, m, last)
		report.Fallback = true
		return pipeline.State{"report": report}, pipeline.Partial(fmt.Errorf("generate report: %w", err))
	}
	report.Content = strings.TrimSpace(res.Content)
	report.Capability = res.Capability.String()
	return pipeline.State{"report": report}, nil
}

func (s *stages) saveReport(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	report, _ := pipeline.Get[Report](in, "report")
	if err := s.w.store.SaveReport(ctx, report); err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}
	return pipeline.State{"saved": true}, nil
}

// recipients returns who gets the report: the configured recipients, or
// else every rep's manager.
func (s *stages) recipients(ctx context.Context, reps []daily.Rep) ([]notify.Recipient, []error) {
	ids := s.w.cfg.ReportRecipients
	if len(ids) == 0 {
		ids = daily.ManagerIDs(reps)
	}
	byID := make(map[string]notify.Recipient, len(reps))
	for _, r := range reps {
		byID[r.ID] = r.Recipient()
	}
	var out []notify.Recipient
	var errs []error
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if r, ok := byID[id]; ok {
			out = append(out, r)
			continue
		}
		r, err := s.w.directory.Recipient(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("report recipient %s: %w", id, err))
			continue
		}
		out = append(out, r)
	}
	return out, errs
}

func (s *stages) sendReport(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	week, _ := pipeline.Get[Week](in, "week")
	report, _ := pipeline.Get[Report](in, "report")
	reps, _ := pipeline.Get[[]daily.Rep](in, "reps")

	recipients, errs := s.recipients(ctx, reps)
	if len(recipients) == 0 && len(errs) == 0 {
		errs = append(errs, errors.New("no report recipients configured and no rep has a manager"))
	}
	deliveries := make([]daily.Delivery, 0, len(recipients))
	for _, r := range recipients {
		msg := notify.Message{
			ID:       ulid.Make().String(),
			Severity: notify.SeverityInfo,
			Subject:  "Weekly sales report: " + week.String(),
			Body:     report.Content,
			EntityID: week.Key(),
		}
		d, err := daily.Deliver(ctx, s.w.dispatcher, msg, r, notify.ModeFirstSuccess, s.w.logf)
		deliveries = append(deliveries, d)
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	s.w.logf("weekly: report for %s sent to %d recipient(s)", week.Key(), len(deliveries))
	return pipeline.State{"report_deliveries": deliveries}, pipeline.Partial(errs...)
}
