// Package research is the on-demand lead research pipeline: gather a lead's
// history, research the company, read the notes, find similar won deals and
// write a close strategy.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zen-systems/salesflow/pkg/daily"
)

// ErrLeadNotFound is returned by a Source for unknown lead ids.
var ErrLeadNotFound = errors.New("lead not found")

// WebResearch is the company research for a lead. CompanyInfo holds the
// structured facts when the response carried them.
type WebResearch struct {
	Text        string         `json:"text"`
	CompanyInfo map[string]any `json:"company_info,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// NotesAnalysis is what the lead's notes and activities say.
type NotesAnalysis struct {
	Summary         string   `json:"notes_summary"`
	PainPoints      []string `json:"pain_points"`
	Objections      []string `json:"objections"`
	InterestSignals []string `json:"interest_signals,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// SimilarDeal is a won deal that resembles the lead.
type SimilarDeal struct {
	LeadID       string     `json:"lead_id"`
	Company      string     `json:"company_name"`
	DealValue    float64    `json:"deal_value"`
	Region       string     `json:"region,omitempty"`
	Industry     string     `json:"industry,omitempty"`
	Similarity   int        `json:"similarity_score"`
	MatchReasons []string   `json:"match_reasons"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	WinningNotes []string   `json:"winning_notes,omitempty"`
}

// ObjectionCounter pairs an objection with the suggested answer.
type ObjectionCounter struct {
	Objection string `json:"objection"`
	Counter   string `json:"counter"`
}

// PricingSuggestion is the recommended commercial offer.
type PricingSuggestion struct {
	Plan             string `json:"plan"`
	Trial            string `json:"trial"`
	Discount         string `json:"discount"`
	PaymentStructure string `json:"payment_structure"`
}

// Strategy is the close plan for a lead.
type Strategy struct {
	CloseStrategy     string             `json:"close_strategy"`
	TalkingPoints     []string           `json:"talking_points"`
	ObjectionHandling []ObjectionCounter `json:"objection_handling,omitempty"`
	Pricing           *PricingSuggestion `json:"pricing_suggestion,omitempty"`
	Capability        string             `json:"capability,omitempty"`
	Error             string             `json:"error,omitempty"`
}

// Text renders the strategy with objection handling and pricing appended.
func (s Strategy) Text() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.CloseStrategy))
	if len(s.ObjectionHandling) > 0 {
		b.WriteString("\n\nOBJECTION HANDLING:\n")
		for _, oh := range s.ObjectionHandling {
			fmt.Fprintf(&b, "  Objection: %s\n  Counter: %s\n\n", oh.Objection, oh.Counter)
		}
	}
	if p := s.Pricing; p != nil {
		if len(s.ObjectionHandling) == 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("PRICING SUGGESTION:\n")
		fmt.Fprintf(&b, "  Plan: %s\n  Trial: %s\n  Discount: %s\n  Payment: %s\n",
			orNA(p.Plan), orNA(p.Trial), orNA(p.Discount), orNA(p.PaymentStructure))
	}
	return strings.TrimRight(b.String(), "\n")
}

// LeadResearch is the saved outcome of one research run. A later run for
// the same lead replaces it.
type LeadResearch struct {
	LeadID       string        `json:"lead_id"`
	RunID        string        `json:"run_id"`
	RequestedBy  string        `json:"requested_by,omitempty"`
	Company      string        `json:"company_name"`
	WebResearch  WebResearch   `json:"web_research"`
	Notes        NotesAnalysis `json:"notes"`
	SimilarDeals []SimilarDeal `json:"similar_deals"`
	Strategy     Strategy      `json:"strategy"`
	Errors       []string      `json:"errors,omitempty"`
	ResearchedAt time.Time     `json:"researched_at"`
}

// Source reads one lead with its history, and the won deals to compare it with.
type Source interface {
	Lead(ctx context.Context, id string) (daily.Lead, error)
	WonDeals(ctx context.Context) ([]daily.Lead, error)
}

// Sink stores research, one record per lead.
type Sink interface {
	SaveResearch(ctx context.Context, r LeadResearch) error
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
