package daily

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/notify"
	"github.com/zen-systems/salesflow/pkg/pipeline"
	"github.com/zen-systems/salesflow/pkg/scorer"
)

// Task types used by the pipeline.
const (
	TaskScoring          = "scoring"
	TaskAnomalyDetection = "anomaly_detection"
	TaskBriefGeneration  = "brief_generation"
)

// RequiredTaskTypes must be mapped in the model table.
var RequiredTaskTypes = []string{TaskScoring, TaskAnomalyDetection, TaskBriefGeneration}

// neverActiveDays is the idle time assumed for leads with no activity.
const neverActiveDays = 30

// stages binds the stage functions of one run. The budget is per run.
type stages struct {
	d      *Daily
	budget *invoke.Budget
}

func (s *stages) funcs() map[string]pipeline.StageFunc {
	return map[string]pipeline.StageFunc{
		"fetch_data":       s.fetchData,
		"score_leads":      s.scoreLeads,
		"detect_stale":     s.detectStale,
		"detect_anomalies": s.detectAnomalies,
		"rank_priority":    s.rankPriority,
		"generate_briefs":  s.generateBriefs,
		"save_results":     s.saveResults,
		"send_briefs":      s.sendBriefs,
		"alert_critical":   s.alertCritical,
	}
}

func conditions() map[string]pipeline.Condition {
	return map[string]pipeline.Condition{
		"has_critical_stale": func(st pipeline.State) bool {
			stale, _ := pipeline.Get[[]StaleLead](st, "stale_leads")
			for _, s := range stale {
				if s.Severity == notify.SeverityCritical {
					return true
				}
			}
			return false
		},
		"has_critical_anomaly": func(st pipeline.State) bool {
			anomalies, _ := pipeline.Get[[]Anomaly](st, "anomalies")
			for _, a := range anomalies {
				if a.Severity == notify.SeverityCritical {
					return true
				}
			}
			return false
		},
	}
}

func asOf(in pipeline.State) time.Time {
	t, _ := pipeline.Get[time.Time](in, "as_of")
	return t
}

func (s *stages) fetchData(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	snap, err := s.d.source.Fetch(ctx, asOf(in))
	if err != nil {
		return nil, fmt.Errorf("fetch leads: %w", err)
	}
	counts := snap.ActivityCounts
	if counts == nil {
		counts = map[string]WeekCounts{}
	}
	s.d.logf("daily: fetched %d leads, %d reps", len(snap.Leads), len(snap.Reps))
	return pipeline.State{
		"leads":           snap.Leads,
		"reps":            snap.Reps,
		"activity_counts": counts,
	}, nil
}

func (s *stages) scoreLeads(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	leads, _ := pipeline.Get[[]Lead](in, "leads")
	sc, err := scorer.New(s.d.invoker, scorer.Config{
		TaskType:    TaskScoring,
		IDField:     "lead_id",
		Schema:      scoreEntrySchema,
		Prompt:      scoringPrompt,
		MaxParallel: s.d.cfg.MaxParallel,
		MaxTokens:   4096,
		RunID:       pipeline.RunID(ctx),
		Budget:      s.budget,
		Logger:      s.d.logger,
	})
	if err != nil {
		return nil, err
	}

	items := make([]scorer.Item, len(leads))
	previous := make(map[string]scorer.Result)
	for i, l := range leads {
		items[i] = scorer.Item{ID: l.ID, Version: l.Version(), Payload: l}
		if l.Score != nil && l.Score.Version != "" {
			data, err := json.Marshal(l.Score)
			if err != nil {
				return nil, err
			}
			previous[l.ID] = scorer.Result{ID: l.ID, Version: l.Score.Version, Status: scorer.StatusScored, Data: data}
		}
	}

	out, err := sc.Score(ctx, items, s.d.cfg.BatchSize, previous)
	if err != nil {
		return nil, err
	}
	scored := make([]ScoredLead, len(leads))
	for i, res := range out.Results {
		sl := ScoredLead{Lead: leads[i]}
		switch res.Status {
		case scorer.StatusScored:
			var score LeadScore
			if err := json.Unmarshal(res.Data, &score); err != nil {
				return nil, fmt.Errorf("decode score for %s: %w", res.ID, err)
			}
			score.Version = res.Version
			sl.Current = score
		default:
			sl.Pending = true
			sl.Reason = res.Reason
			if leads[i].Score != nil {
				sl.Current = *leads[i].Score
			} else {
				sl.Current = LeadScore{Label: LabelCold}
			}
		}
		scored[i] = sl
	}

	n, pending, carried := out.Counts()
	s.d.logf("daily: scored %d leads, %d pending, %d unchanged", n, pending, carried)
	patch := pipeline.State{"scored_leads": scored}
	if out.Partial() {
		errs := out.Errors()
		if len(errs) == 0 {
			errs = []error{fmt.Errorf("%d lead(s) left pending", pending)}
		}
		return patch, pipeline.Partial(errs...)
	}
	return patch, nil
}

func (s *stages) detectStale(_ context.Context, in pipeline.State) (pipeline.State, error) {
	leads, _ := pipeline.Get[[]Lead](in, "leads")
	now := asOf(in)
	var stale []StaleLead
	for _, l := range leads {
		days := daysSince(l.LastActivityAt, now)
		if days < s.d.cfg.StaleWarningDays {
			continue
		}
		severity := notify.SeverityWarning
		if days >= s.d.cfg.StaleCriticalDays {
			severity = notify.SeverityCritical
		}
		stale = append(stale, StaleLead{
			LeadID:        l.ID,
			Company:       orDefault(l.Company, "Unknown"),
			Contact:       orDefault(l.Contact, "Unknown"),
			AssignedRepID: l.AssignedRepID,
			DaysStale:     days,
			Severity:      severity,
			DealValue:     l.DealValue,
		})
	}
	sort.SliceStable(stale, func(i, j int) bool {
		if stale[i].DaysStale != stale[j].DaysStale {
			return stale[i].DaysStale > stale[j].DaysStale
		}
		return stale[i].LeadID < stale[j].LeadID
	})
	return pipeline.State{"stale_leads": stale}, nil
}

// daysSince counts whole days; leads never touched count as neverActiveDays.
func daysSince(last *time.Time, now time.Time) int {
	if last == nil || last.IsZero() {
		return neverActiveDays
	}
	d := now.Sub(*last)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

func (s *stages) detectAnomalies(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	leads, _ := pipeline.Get[[]Lead](in, "leads")
	reps, _ := pipeline.Get[[]Rep](in, "reps")
	counts, _ := pipeline.Get[map[string]WeekCounts](in, "activity_counts")

	res, err := s.d.invoker.Invoke(ctx, invoke.Call{
		TaskType:  TaskAnomalyDetection,
		System:    anomalySystem,
		Prompt:    anomalyPrompt(leads, reps, counts, asOf(in), s.d.cfg.StaleWarningDays),
		MaxTokens: 2048,
		RunID:     pipeline.RunID(ctx),
		Budget:    s.budget,
	})
	if err != nil {
		return nil, err
	}
	anomalies, err := parseAnomalies(res.Content, s.d.logf)
	if err != nil {
		return nil, fmt.Errorf("parse anomalies: %w", err)
	}
	known := make(map[string]bool, len(reps))
	for _, r := range reps {
		known[r.ID] = true
	}
	for i := range anomalies {
		if anomalies[i].RepID != "" && !known[anomalies[i].RepID] {
			s.d.logf("daily: anomaly names unknown rep %q; treating as team-wide", anomalies[i].RepID)
			anomalies[i].RepID = ""
		}
	}
	s.d.logf("daily: detected %d anomalies", len(anomalies))
	return pipeline.State{"anomalies": anomalies}, nil
}

var labelRank = map[string]int{LabelHot: 0, LabelWarm: 1, LabelCold: 2}

func rankLess(a, b ScoredLead) bool {
	ra, ok := labelRank[a.Current.Label]
	if !ok {
		ra = 3
	}
	rb, ok := labelRank[b.Current.Label]
	if !ok {
		rb = 3
	}
	if ra != rb {
		return ra < rb
	}
	if a.Current.Numeric != b.Current.Numeric {
		return a.Current.Numeric > b.Current.Numeric
	}
	return a.ID < b.ID
}

func (s *stages) rankPriority(_ context.Context, in pipeline.State) (pipeline.State, error) {
	scored, _ := pipeline.Get[[]ScoredLead](in, "scored_leads")
	reps, _ := pipeline.Get[[]Rep](in, "reps")

	lists := make(map[string][]ScoredLead, len(reps)+1)
	for _, r := range reps {
		lists[r.ID] = []ScoredLead{}
	}
	for _, l := range scored {
		key := l.AssignedRepID
		if _, ok := lists[key]; !ok || key == "" {
			key = Unassigned
		}
		lists[key] = append(lists[key], l)
	}
	for key, list := range lists {
		sort.SliceStable(list, func(i, j int) bool { return rankLess(list[i], list[j]) })
		lists[key] = list
	}
	return pipeline.State{"priority_lists": lists}, nil
}

func (s *stages) generateBriefs(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	lists, _ := pipeline.Get[map[string][]ScoredLead](in, "priority_lists")
	stale, _ := pipeline.Get[[]StaleLead](in, "stale_leads")
	anomalies, _ := pipeline.Get[[]Anomaly](in, "anomalies")
	reps, _ := pipeline.Get[[]Rep](in, "reps")
	now := asOf(in)

	briefs := make(map[string]Brief, len(reps))
	var mu sync.Mutex
	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.d.cfg.MaxParallel, 1))
	for _, rep := range reps {
		g.Go(func() error {
			leads := lists[rep.ID]
			brief := Brief{RepID: rep.ID}
			if len(leads) == 0 {
				brief.Text = emptyBrief(rep)
			} else {
				res, err := s.d.invoker.Invoke(gctx, invoke.Call{
					TaskType:  TaskBriefGeneration,
					System:    briefSystem,
					Prompt:    briefContext(rep, leads, stale, anomalies, now),
					MaxTokens: 1024,
					EntityID:  rep.ID,
					RunID:     pipeline.RunID(ctx),
					Budget:    s.budget,
				})
				switch {
				case err == nil && strings.TrimSpace(res.Content) != "":
					brief.Text = strings.TrimSpace(res.Content)
					brief.Capability = res.Capability.String()
				case gctx.Err() != nil:
					return gctx.Err()
				default:
					if err == nil {
						err = errors.New("empty response")
					}
					s.d.logf("daily: brief for %s falls back: %v", rep.ID, err)
					brief.Text = fallbackBrief(rep, leads)
					brief.Fallback = true
					mu.Lock()
					errs = append(errs, fmt.Errorf("brief %s: %w", rep.ID, err))
					mu.Unlock()
				}
			}
			mu.Lock()
			briefs[rep.ID] = brief
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.d.logf("daily: generated %d briefs (%d fallback)", len(briefs), len(errs))
	return pipeline.State{"briefs": briefs}, pipeline.Partial(errs...)
}

func (s *stages) saveResults(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	scored, _ := pipeline.Get[[]ScoredLead](in, "scored_leads")
	stale, _ := pipeline.Get[[]StaleLead](in, "stale_leads")
	anomalies, _ := pipeline.Get[[]Anomaly](in, "anomalies")
	briefs, _ := pipeline.Get[map[string]Brief](in, "briefs")

	results := Results{
		RunID:     pipeline.RunID(ctx),
		AsOf:      asOf(in),
		Scores:    scored,
		Briefs:    briefs,
		Anomalies: anomalies,
		Stale:     stale,
	}
	if err := s.d.sink.Save(ctx, results); err != nil {
		return nil, fmt.Errorf("save results: %w", err)
	}
	summary := SaveSummary{Anomalies: len(anomalies), Briefs: len(briefs)}
	for _, sl := range scored {
		if !sl.Pending {
			summary.Scores++
		}
	}
	return pipeline.State{"saved": summary}, nil
}

func (s *stages) sendBriefs(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	briefs, _ := pipeline.Get[map[string]Brief](in, "briefs")
	reps, _ := pipeline.Get[[]Rep](in, "reps")
	subject := "Your morning brief for " + asOf(in).Format("02 Jan 2006")

	deliveries := make([]Delivery, 0, len(reps))
	var errs []error
	for _, rep := range reps {
		brief, ok := briefs[rep.ID]
		if !ok {
			continue
		}
		msg := notify.Message{
			ID:       ulid.Make().String(),
			Severity: notify.SeverityInfo,
			Subject:  subject,
			Body:     brief.Text,
			EntityID: rep.ID,
		}
		d, err := s.d.deliver(ctx, msg, rep.Recipient(), notify.ModeFirstSuccess)
		deliveries = append(deliveries, d)
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			// Keep the record of briefs already out so nobody gets a stale copy.
			errs = append(errs, ctx.Err())
			break
		}
	}
	return pipeline.State{"brief_deliveries": deliveries}, pipeline.Partial(errs...)
}

func (s *stages) alertCritical(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	stale, _ := pipeline.Get[[]StaleLead](in, "stale_leads")
	anomalies, _ := pipeline.Get[[]Anomaly](in, "anomalies")
	reps, _ := pipeline.Get[[]Rep](in, "reps")
	now := asOf(in)

	byRep := make(map[string]Rep, len(reps))
	for _, r := range reps {
		byRep[r.ID] = r
	}
	type alert struct {
		recipient notify.Recipient
		lines     []string
	}
	alerts := map[string]*alert{}
	var order []string
	add := func(r notify.Recipient, text string) {
		a, ok := alerts[r.ID]
		if !ok {
			a = &alert{recipient: r}
			alerts[r.ID] = a
			order = append(order, r.ID)
		}
		a.lines = append(a.lines, text)
	}
	var errs []error

	criticalByRep := map[string][]StaleLead{}
	var orphaned []StaleLead
	for _, sl := range stale {
		if sl.Severity != notify.SeverityCritical {
			continue
		}
		if _, ok := byRep[sl.AssignedRepID]; !ok {
			orphaned = append(orphaned, sl)
			continue
		}
		criticalByRep[sl.AssignedRepID] = append(criticalByRep[sl.AssignedRepID], sl)
	}
	for _, r := range reps {
		if list := criticalByRep[r.ID]; len(list) > 0 {
			add(r.Recipient(), staleAlertBody(r, list, now))
		}
	}
	// Leads without an active owner go to the managers.
	if len(orphaned) > 0 {
		managers := ManagerIDs(reps)
		if len(managers) == 0 {
			errs = append(errs, fmt.Errorf("no manager to alert about %d unassigned critical lead(s)", len(orphaned)))
		}
		body := staleAlertBody(Rep{Name: "Unassigned"}, orphaned, now)
		for _, id := range managers {
			m, err := s.d.directory.Recipient(ctx, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("stale lead recipient %s: %w", id, err))
				continue
			}
			add(m, body)
		}
	}

	for _, a := range anomalies {
		if a.Severity != notify.SeverityCritical {
			continue
		}
		text := fmt.Sprintf("Anomaly (%s): %s", a.Type, a.Description)
		if a.Recommendation != "" {
			text += "\nRecommendation: " + a.Recommendation
		}
		if r, ok := byRep[a.RepID]; ok {
			add(r.Recipient(), text)
			continue
		}
		// Team-wide: every manager of an active rep hears about it.
		for _, id := range ManagerIDs(reps) {
			m, err := s.d.directory.Recipient(ctx, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("anomaly recipient %s: %w", id, err))
				continue
			}
			add(m, text)
		}
	}

	subject := "Critical sales alert " + now.Format("02 Jan 2006")
	deliveries := make([]Delivery, 0, len(order))
	for _, id := range order {
		a := alerts[id]
		msg := notify.Message{
			ID:       ulid.Make().String(),
			Severity: notify.SeverityCritical,
			Subject:  subject,
			Body:     strings.Join(a.lines, "\n\n"),
			EntityID: id,
		}
		d, err := s.d.deliver(ctx, msg, a.recipient, notify.ModeAll)
		deliveries = append(deliveries, d)
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	return pipeline.State{"alert_deliveries": deliveries}, pipeline.Partial(errs...)
}

// ManagerIDs returns the distinct managers of reps, sorted.
func ManagerIDs(reps []Rep) []string {
	seen := map[string]bool{}
	var ids []string
	for _, r := range reps {
		if r.ManagerID != "" && !seen[r.ManagerID] {
			seen[r.ManagerID] = true
			ids = append(ids, r.ManagerID)
		}
	}
	sort.Strings(ids)
	return ids
}
