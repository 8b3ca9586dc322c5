package weekly

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/zen-systems/salesflow/pkg/daily"
)

// Summarize computes the week's metrics from a lead snapshot. Leads with
// no recorded activity count as stale, as they do in the daily run.
func Summarize(snap *daily.Snapshot, week Week, asOf time.Time, staleDays int) Metrics {
	m := Metrics{
		Pipeline: map[string]StageSummary{},
		Sources:  map[string]SourceSummary{},
		Reps:     []RepPerformance{},
		Won:      []ClosedDeal{},
		Lost:     []ClosedDeal{},
	}
	reps := make(map[string]*RepPerformance, len(snap.Reps))
	for _, r := range snap.Reps {
		counts := snap.ActivityCounts[r.ID]
		m.Reps = append(m.Reps, RepPerformance{
			RepID:              r.ID,
			Name:               r.Name,
			ActivitiesThisWeek: counts.ThisWeek,
			ActivitiesLastWeek: counts.LastWeek,
		})
	}
	for i := range m.Reps {
		reps[m.Reps[i].RepID] = &m.Reps[i]
	}

	staleAfter := time.Duration(staleDays) * 24 * time.Hour
	for _, l := range snap.Leads {
		stage := label(l.Status)
		s := m.Pipeline[stage]
		s.Count++
		s.Value += l.DealValue
		m.Pipeline[stage] = s
		m.OpenLeads++
		m.PipelineValue += l.DealValue
		if l.LastActivityAt == nil || asOf.Sub(*l.LastActivityAt) >= staleAfter {
			m.StaleLeads++
		}
		if rp := reps[l.AssignedRepID]; rp != nil {
			rp.OpenLeads++
			rp.PipelineValue += l.DealValue
		}
	}

	for _, group := range [][]daily.Lead{snap.Leads, snap.Closed} {
		for _, l := range group {
			if !l.CreatedAt.Before(week.Start) {
				m.NewLeads++
			}
			src := label(l.Source)
			s := m.Sources[src]
			s.Total++
			switch l.Status {
			case daily.StatusWon:
				s.Won++
				s.Value += l.DealValue
			case daily.StatusLost:
				s.Lost++
			}
			m.Sources[src] = s
		}
	}
	for src, s := range m.Sources {
		if closed := s.Won + s.Lost; closed > 0 {
			s.ConversionRate = math.Round(float64(s.Won)/float64(closed)*1000) / 10
		}
		m.Sources[src] = s
	}

	for _, l := range snap.Closed {
		if l.ClosedAt == nil || l.ClosedAt.Before(week.Start) {
			continue
		}
		deal := ClosedDeal{
			LeadID:        l.ID,
			Company:       l.Company,
			Contact:       l.Contact,
			AssignedRepID: l.AssignedRepID,
			DealValue:     l.DealValue,
			ClosedAt:      *l.ClosedAt,
		}
		rp := reps[l.AssignedRepID]
		switch l.Status {
		case daily.StatusWon:
			m.Won = append(m.Won, deal)
			if rp != nil {
				rp.WonThisWeek++
				rp.WonValue += l.DealValue
			}
		case daily.StatusLost:
			m.Lost = append(m.Lost, deal)
			if rp != nil {
				rp.LostThisWeek++
			}
		}
	}
	byClose := func(deals []ClosedDeal) func(i, j int) bool {
		return func(i, j int) bool {
			if !deals[i].ClosedAt.Equal(deals[j].ClosedAt) {
				return deals[i].ClosedAt.Before(deals[j].ClosedAt)
			}
			return deals[i].LeadID < deals[j].LeadID
		}
	}
	sort.SliceStable(m.Won, byClose(m.Won))
	sort.SliceStable(m.Lost, byClose(m.Lost))
	return m
}

func label(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return s
}
