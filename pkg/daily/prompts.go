package daily

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zen-systems/salesflow/pkg/scorer"
	"github.com/zen-systems/salesflow/pkg/schema"
)

const scoringSystem = `You score sales leads for a construction SaaS company selling project and workforce tools to builders, contractors and developers in India.

Labels:
- hot (80-100): engaged in the last 3 days, asked for pricing or a demo, decision maker involved, deal above 3L, proposal or negotiation stage, referral, urgent timeline.
- warm (40-79): replied in the last 7 days, interest in features, mid-range deal (1-3L), qualified, upcoming project.
- cold (0-39): silent for 7+ days, deal below 1L, no engagement yet, unclear need, no decision maker, budget concerns.

Positive signals: demo or pricing requests, team mentions, timeline urgency, referral source, site visit scheduled.
Negative signals: "will get back", budget issues, competitor mentions, "not now", ghosting, junior contact only.

Return a JSON array with one object per lead:
{"lead_id": "...", "score_label": "hot|warm|cold", "score_numeric": 0-100, "reasoning": "1-2 sentences", "next_action": "suggested next step"}
Only JSON, no markdown.`

var scoreEntrySchema = schema.MustCompile(`{
	"type": "object",
	"required": ["lead_id", "score_label", "score_numeric"],
	"properties": {
		"lead_id": {"type": "string", "minLength": 1},
		"score_label": {"enum": ["hot", "warm", "cold"]},
		"score_numeric": {"type": "integer", "minimum": 0, "maximum": 100},
		"reasoning": {"type": "string"},
		"next_action": {"type": "string"}
	}
}`)

// scoringPrompt renders one chunk of leads.
func scoringPrompt(chunk []scorer.Item) (string, string, error) {
	parts := make([]string, 0, len(chunk))
	for _, item := range chunk {
		lead, ok := item.Payload.(Lead)
		if !ok {
			return "", "", fmt.Errorf("item %s: unexpected payload %T", item.ID, item.Payload)
		}
		parts = append(parts, describeLead(lead))
	}
	prompt := fmt.Sprintf("Score these %d leads:\n\n%s", len(chunk), strings.Join(parts, "\n\n---\n\n"))
	return scoringSystem, prompt, nil
}

func describeLead(l Lead) string {
	var b strings.Builder
	fmt.Fprintf(&b, "LEAD #%s:\n", l.ID)
	fmt.Fprintf(&b, "  Company: %s\n", orDefault(l.Company, "Unknown"))
	fmt.Fprintf(&b, "  Contact: %s\n", orDefault(l.Contact, "Unknown"))
	fmt.Fprintf(&b, "  Status: %s\n", orDefault(l.Status, "?"))
	fmt.Fprintf(&b, "  Deal Value: %.0f\n", l.DealValue)
	fmt.Fprintf(&b, "  Source: %s\n", orDefault(l.Source, "?"))
	fmt.Fprintf(&b, "  Region: %s\n", orDefault(l.Region, "?"))
	fmt.Fprintf(&b, "  Industry: %s\n", orDefault(l.Industry, "?"))
	fmt.Fprintf(&b, "  Created: %s\n", day(l.CreatedAt))
	if l.LastActivityAt != nil {
		fmt.Fprintf(&b, "  Last Activity: %s\n", l.LastActivityAt.UTC().Format(time.RFC3339))
	} else {
		b.WriteString("  Last Activity: Never\n")
	}
	b.WriteString("  Recent Notes:\n")
	if len(l.Notes) == 0 {
		b.WriteString("  (no notes)\n")
	}
	for i, n := range l.Notes {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "  - [%s] %s\n", day(n.CreatedAt), clip(n.Content, 200))
	}
	b.WriteString("  Recent Activities:\n")
	if len(l.Activities) == 0 {
		b.WriteString("  (no activities)\n")
	}
	for i, a := range l.Activities {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "  - [%s] %s: %s\n", day(a.CreatedAt), orDefault(a.Type, "?"), clip(a.Description, 150))
	}
	return strings.TrimRight(b.String(), "\n")
}

const anomalySystem = `You watch the weekly activity of a construction SaaS sales team. Flag concerning patterns:
- a rep's activity dropped 30% or more week over week
- a rep logged no activity this week
- hot leads declining while the pipeline grows
- stale leads above 40% of the pipeline

Return a JSON array; each anomaly is
{"type": "activity_drop|zero_activity|conversion_issue|stale_pipeline", "severity": "critical|warning|info", "rep_id": "...|null", "description": "...", "recommendation": "..."}
Return [] when nothing is wrong. Only JSON, no markdown.`

var anomalySchema = schema.MustCompile(`{
	"type": "object",
	"required": ["type", "severity", "description"],
	"properties": {
		"type": {"enum": ["activity_drop", "zero_activity", "conversion_issue", "stale_pipeline"]},
		"severity": {"enum": ["critical", "warning", "info"]},
		"rep_id": {"type": ["string", "null"]},
		"description": {"type": "string", "minLength": 1},
		"recommendation": {"type": "string"}
	}
}`)

func anomalyPrompt(leads []Lead, reps []Rep, counts map[string]WeekCounts, asOf time.Time, warnDays int) string {
	var b strings.Builder
	b.WriteString("WEEKLY ACTIVITY COMPARISON:\n\n")
	for _, r := range reps {
		c := counts[r.ID]
		fmt.Fprintf(&b, "  %s (%s): This week=%d, Last week=%d, Change=%+.0f%%\n", r.Name, r.ID, c.ThisWeek, c.LastWeek, c.Change())
	}
	idle := 0
	for _, l := range leads {
		if daysSince(l.LastActivityAt, asOf) >= warnDays {
			idle++
		}
	}
	fmt.Fprintf(&b, "\nPIPELINE SUMMARY:\n  Total open leads: %d\n  Leads idle %d+ days: %d\n", len(leads), warnDays, idle)
	return b.String()
}

// parseAnomalies keeps the entries that match the schema.
func parseAnomalies(text string, logf func(string, ...any)) ([]Anomaly, error) {
	raws, err := schema.DecodeArray(text)
	if err != nil {
		return nil, err
	}
	out := make([]Anomaly, 0, len(raws))
	for i, raw := range raws {
		if _, err := anomalySchema.ValidateRaw(raw); err != nil {
			logf("daily: dropping anomaly %d: %v", i, err)
			continue
		}
		var a Anomaly
		if err := json.Unmarshal(raw, &a); err != nil {
			logf("daily: dropping anomaly %d: %v", i, err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

const briefSystem = `You coach sales reps at a construction SaaS company. Write a short morning brief for one rep. It is read on a phone, so stay under 300 words and use plain text with line breaks; no markdown.

Structure:
1. Greeting with the date and a one-line pipeline summary
2. Top 3 leads to call, each with a specific action
3. Stale leads to re-engage, if any
4. Alerts, if any
5. One line to start the day

Be specific and direct. Use the rep's first name.`

func briefContext(rep Rep, leads []ScoredLead, stale []StaleLead, anomalies []Anomaly, asOf time.Time) string {
	hot, warm, cold := labelCounts(leads)
	var b strings.Builder
	fmt.Fprintf(&b, "REP: %s\nDATE: %s\n\n", rep.Name, asOf.Format("Monday, 02 January 2006"))
	fmt.Fprintf(&b, "PIPELINE SNAPSHOT:\n  Hot: %d | Warm: %d | Cold: %d | Total: %d\n\n", hot, warm, cold, len(leads))
	b.WriteString("TOP LEADS:\n")
	for i, l := range leads {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "%d. %s (%s) - %s (%d/100) - Deal: Rs %.0f\n   Next action: %s\n",
			i+1, orDefault(l.Company, "Unknown"), orDefault(l.Contact, "?"), strings.ToUpper(l.Current.Label),
			l.Current.Numeric, l.DealValue, orDefault(l.Current.NextAction, "Follow up"))
	}
	var mine []StaleLead
	for _, s := range stale {
		if s.AssignedRepID == rep.ID {
			mine = append(mine, s)
		}
	}
	if len(mine) > 0 {
		fmt.Fprintf(&b, "\nSTALE LEADS (%d):\n", len(mine))
		for i, s := range mine {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "- %s - %d days inactive [%s]\n", s.Company, s.DaysStale, strings.ToUpper(string(s.Severity)))
		}
	}
	var alerts []string
	for _, a := range anomalies {
		if a.RepID == rep.ID {
			alerts = append(alerts, a.Description)
		}
	}
	if len(alerts) > 0 {
		b.WriteString("\nALERTS:\n")
		for _, a := range alerts {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}

func emptyBrief(rep Rep) string {
	return fmt.Sprintf("Good morning %s! No active leads assigned to you today. Check with your manager for new assignments.", rep.Name)
}

// fallbackBrief is sent when no model could write the brief.
func fallbackBrief(rep Rep, leads []ScoredLead) string {
	hot, warm, _ := labelCounts(leads)
	lines := []string{
		fmt.Sprintf("Good morning %s!", rep.Name),
		fmt.Sprintf("You have %d active leads (%d hot, %d warm).", len(leads), hot, warm),
		"",
		"Top leads to call:",
	}
	for i, l := range leads {
		if i == 3 {
			break
		}
		lines = append(lines, fmt.Sprintf("%d. %s - %s", i+1, orDefault(l.Company, "?"), strings.ToUpper(l.Current.Label)))
	}
	return strings.Join(lines, "\n")
}

func staleAlertBody(rep Rep, stale []StaleLead, asOf time.Time) string {
	lines := []string{
		fmt.Sprintf("%s: %d lead(s) with no activity for 14+ days as of %s:", rep.Name, len(stale), asOf.Format("02 Jan 2006")),
	}
	for i, s := range stale {
		if i == 5 {
			lines = append(lines, fmt.Sprintf("  ...and %d more", len(stale)-5))
			break
		}
		lines = append(lines, fmt.Sprintf("  - %s (%d days) - Deal: Rs %.0f", s.Company, s.DaysStale, s.DealValue))
	}
	return strings.Join(lines, "\n")
}

func labelCounts(leads []ScoredLead) (hot, warm, cold int) {
	for _, l := range leads {
		switch l.Current.Label {
		case LabelHot:
			hot++
		case LabelWarm:
			warm++
		default:
			cold++
		}
	}
	return hot, warm, cold
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func day(t time.Time) string {
	if t.IsZero() {
		return "?"
	}
	return t.Format("2006-01-02")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
