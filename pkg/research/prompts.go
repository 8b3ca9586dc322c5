package research

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/schema"
)

const webSystem = `You are a sales research analyst for a construction SaaS company in India that sells project management and workforce tools to builders, contractors and real estate developers.

Research the company and contact below. Cover:
1. COMPANY OVERVIEW: what they do, size, key projects, reputation
2. RECENT NEWS: projects, awards, expansions, hiring
3. TECH ADOPTION: software they use, digital maturity
4. DECISION-MAKER PROFILE: the contact's role and likely priorities
5. CONSTRUCTION CONTEXT: residential, commercial or infra; scale; typical pain points for their segment
6. COMPETITIVE LANDSCAPE: competitors they may already use

End with a fenced JSON block of key facts:
` + "```json" + `
{"company_size": "...", "project_types": [...], "estimated_revenue": "...", "tech_maturity": "low|medium|high", "key_projects": [...], "competitors_used": [...], "decision_maker_title": "...", "pain_indicators": [...]}
` + "```" + `
If you cannot find reliable information, say so. Do not invent facts.`

func webPrompt(l daily.Lead) string {
	return fmt.Sprintf("Research this lead:\nCompany: %s\nContact: %s\nRegion: %s\nIndustry: %s\n",
		orDefault(l.Company, "Unknown"), orDefault(l.Contact, "Unknown"),
		orDefault(l.Region, "Unknown"), orDefault(l.Industry, "construction"))
}

// companyInfo reads the fenced JSON block at the end of a research answer.
func companyInfo(text string) (map[string]any, error) {
	i := strings.Index(text, "```json")
	if i < 0 {
		return nil, nil
	}
	doc, err := schema.ExtractJSON(text[i:])
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(doc), &info); err != nil {
		return nil, fmt.Errorf("decode company info: %w", err)
	}
	return info, nil
}

const notesSystem = `You are a CRM analyst for a construction SaaS company. Read the complete CRM history of this lead and extract:

1. NOTES SUMMARY: a short timeline of the relationship
2. PAIN POINTS: problems the prospect mentioned or implied (site attendance, project delays, material wastage, subcontractor coordination, billing delays, safety compliance, scaling)
3. OBJECTIONS: anything they pushed back on (price, adoption by workers, Excel or WhatsApp already in use, needs sign-off, timing, missing features)
4. INTEREST SIGNALS: positive buying signals

Return JSON:
{"notes_summary": "...", "pain_points": ["..."], "objections": ["..."], "interest_signals": ["..."]}
Only JSON, no markdown.`

var notesSchema = schema.MustCompile(`{
	"type": "object",
	"required": ["notes_summary", "pain_points", "objections"],
	"properties": {
		"notes_summary": {"type": "string"},
		"pain_points": {"type": "array", "items": {"type": "string"}},
		"objections": {"type": "array", "items": {"type": "string"}},
		"interest_signals": {"type": "array", "items": {"type": "string"}}
	}
}`)

func notesPrompt(l daily.Lead) string {
	var b strings.Builder
	fmt.Fprintf(&b, "LEAD: %s (%s)\nStatus: %s | Deal Value: Rs %.0f\n\n",
		orDefault(l.Company, "Unknown"), orDefault(l.Contact, "Unknown"), orDefault(l.Status, "?"), l.DealValue)
	b.WriteString("CRM NOTES (newest first):\n")
	for _, n := range l.Notes {
		fmt.Fprintf(&b, "[%s] %s\n\n", day(n.CreatedAt), orDefault(n.Content, "(empty)"))
	}
	b.WriteString("\nACTIVITIES (newest first):\n")
	for _, a := range l.Activities {
		fmt.Fprintf(&b, "[%s] %s: %s\n", day(a.CreatedAt), orDefault(a.Type, "?"), orDefault(a.Description, "(no description)"))
	}
	return b.String()
}

const strategySystem = `You are a senior sales strategist for a construction SaaS company in India. You help reps close deals with builders, contractors and real estate developers.

From the research below, write:
1. CLOSE STRATEGY (2-3 paragraphs): the approach, the value proposition for their pain points, when to push for the close, who else to involve
2. TALKING POINTS (5-7): opening line, first pain point, a similar customer, the feature to demo, the ROI argument, an urgency trigger, the closing question
3. OBJECTION HANDLING: a specific counter for each objection
4. PRICING SUGGESTION: plan, whether to offer a pilot, any justified discount, payment structure

Return JSON:
{"close_strategy": "...", "talking_points": ["..."], "objection_handling": [{"objection": "...", "counter": "..."}], "pricing_suggestion": {"plan": "...", "trial": "...", "discount": "...", "payment_structure": "..."}}
Be specific to this lead. Only JSON, no markdown.`

var strategySchema = schema.MustCompile(`{
	"type": "object",
	"required": ["close_strategy", "talking_points"],
	"properties": {
		"close_strategy": {"type": "string", "minLength": 1},
		"talking_points": {"type": "array", "items": {"type": "string"}},
		"objection_handling": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["objection", "counter"],
				"properties": {"objection": {"type": "string"}, "counter": {"type": "string"}}
			}
		},
		"pricing_suggestion": {"type": "object"}
	}
}`)

func strategyPrompt(l daily.Lead, web WebResearch, notes NotesAnalysis, deals []SimilarDeal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "LEAD: %s\nContact: %s\nStatus: %s\nDeal Value: Rs %.0f\nRegion: %s\nIndustry: %s\nSource: %s\n\n",
		orDefault(l.Company, "Unknown"), orDefault(l.Contact, "Unknown"), orDefault(l.Status, "?"), l.DealValue,
		orDefault(l.Region, "?"), orDefault(l.Industry, "?"), orDefault(l.Source, "?"))
	fmt.Fprintf(&b, "WEB RESEARCH:\n%s\n\n", clip(orDefault(web.Text, "(none)"), 1500))
	if len(web.CompanyInfo) > 0 {
		info, _ := json.MarshalIndent(web.CompanyInfo, "", "  ")
		fmt.Fprintf(&b, "COMPANY INFO:\n%s\n\n", clip(string(info), 500))
	}
	fmt.Fprintf(&b, "NOTES SUMMARY:\n%s\n\n", orDefault(notes.Summary, "(none)"))
	fmt.Fprintf(&b, "PAIN POINTS:\n%s\n\n", bullets(notes.PainPoints, "(none detected)"))
	fmt.Fprintf(&b, "OBJECTIONS:\n%s\n\n", bullets(notes.Objections, "(none detected)"))
	b.WriteString("SIMILAR WON DEALS:\n")
	if len(deals) == 0 {
		b.WriteString("(No similar won deals found)\n")
	}
	for _, d := range deals {
		fmt.Fprintf(&b, "- %s (Rs %.0f): %s\n", d.Company, d.DealValue, strings.Join(d.MatchReasons, ", "))
		for _, n := range d.WinningNotes {
			fmt.Fprintf(&b, "  Winning note: %s\n", clip(n, 150))
		}
	}
	return b.String()
}

// decodeObject extracts the JSON object in text and checks it against v.
func decodeObject(text string, v *schema.Validator, out any) error {
	doc, err := schema.ExtractJSON(text)
	if err != nil {
		return err
	}
	if _, err := v.ValidateRaw(json.RawMessage(doc)); err != nil {
		return err
	}
	return json.Unmarshal([]byte(doc), out)
}

func bullets(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = "- " + it
	}
	return strings.Join(lines, "\n")
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
