package weekly

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const reportSystem = `You are a senior sales analytics assistant for a construction SaaS company in India. Write the weekly sales intelligence report for the founder and the sales managers.

Sections:
1. EXECUTIVE SUMMARY: 3-4 sentences on the week, key wins and key concerns
2. PIPELINE HEALTH: total and new leads, stage distribution, value by stage, week-over-week change
3. TEAM SCORECARD: per rep activity, open leads, wins and revenue, with GREEN, YELLOW or RED status
4. SOURCE ANALYSIS: which sources convert best and where to invest
5. INSIGHTS: patterns, anomalies and specific recommendations naming reps and companies
6. REVENUE FORECAST: expected closings this month with a confidence level
7. ACTION ITEMS: the top 3 focus areas for next week

Be data-driven and specific. Reference actual names, companies and numbers. No generic advice. Plain text with short headers and bullets.`

func reportPrompt(week Week, m Metrics, last *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DATA FOR THIS WEEK (%s to %s):\n\n", week.Start.Format("2006-01-02"), week.End.Format("2006-01-02"))
	fmt.Fprintf(&b, "PIPELINE SUMMARY (%d open leads, Rs %.0f, %d new this week):\n%s\n\n", m.OpenLeads, m.PipelineValue, m.NewLeads, compact(m.Pipeline))
	fmt.Fprintf(&b, "PER-REP PERFORMANCE:\n%s\n\n", compact(m.Reps))
	fmt.Fprintf(&b, "LEAD SOURCE BREAKDOWN:\n%s\n\n", compact(m.Sources))
	fmt.Fprintf(&b, "DEALS WON THIS WEEK:\n%s\n\n", compact(m.Won))
	fmt.Fprintf(&b, "DEALS LOST THIS WEEK:\n%s\n\n", compact(m.Lost))
	fmt.Fprintf(&b, "STALE LEADS:\n%d leads with no recent activity\n\n", m.StaleLeads)
	b.WriteString("LAST WEEK'S METRICS (for comparison):\n")
	if last == nil {
		b.WriteString("No data from last week\n")
	} else {
		b.WriteString(compact(last.Metrics) + "\n")
	}
	return b.String()
}

func compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// fallbackReport lays the metrics out as plain text for weeks when no
// model could write the report.
func fallbackReport(week Week, m Metrics, last *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Weekly sales report, %s\n", week)
	b.WriteString("The written analysis is unavailable this week; the figures follow.\n\n")

	fmt.Fprintf(&b, "PIPELINE: %d open leads worth Rs %.0f, %d new this week", m.OpenLeads, m.PipelineValue, m.NewLeads)
	if last != nil {
		fmt.Fprintf(&b, " (last week: %d open, Rs %.0f)", last.Metrics.OpenLeads, last.Metrics.PipelineValue)
	}
	b.WriteString("\n")
	for _, stage := range sortedKeys(m.Pipeline) {
		s := m.Pipeline[stage]
		fmt.Fprintf(&b, "  %s: %d (Rs %.0f)\n", stage, s.Count, s.Value)
	}

	fmt.Fprintf(&b, "\nCLOSED: %d won, %d lost, %d stale leads\n", len(m.Won), len(m.Lost), m.StaleLeads)
	for _, d := range m.Won {
		fmt.Fprintf(&b, "  Won: %s (Rs %.0f)\n", d.Company, d.DealValue)
	}
	for _, d := range m.Lost {
		fmt.Fprintf(&b, "  Lost: %s (Rs %.0f)\n", d.Company, d.DealValue)
	}

	if len(m.Reps) > 0 {
		b.WriteString("\nTEAM:\n")
		for _, r := range m.Reps {
			fmt.Fprintf(&b, "  %s: %d activities (last week %d), %d open leads, %d won\n",
				r.Name, r.ActivitiesThisWeek, r.ActivitiesLastWeek, r.OpenLeads, r.WonThisWeek)
		}
	}

	if len(m.Sources) > 0 {
		b.WriteString("\nSOURCES:\n")
		for _, src := range sortedKeys(m.Sources) {
			s := m.Sources[src]
			fmt.Fprintf(&b, "  %s: %d leads, %d won, %.1f%% conversion\n", src, s.Total, s.Won, s.ConversionRate)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
