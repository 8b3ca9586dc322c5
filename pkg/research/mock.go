package research

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/zen-systems/salesflow/pkg/adapter"
)

var companyLine = regexp.MustCompile(`(?m)^(?:Company|LEAD): ([^\n(]+)`)

// MockResponder answers the research prompts offline.
func MockResponder(req adapter.Request) (string, error) {
	company := "the company"
	if m := companyLine.FindStringSubmatch(req.Prompt); m != nil {
		company = m[1]
	}
	switch req.System {
	case webSystem:
		return fmt.Sprintf("COMPANY OVERVIEW: %s is a mid-sized builder.\n\n```json\n{\"company_size\": \"medium\", \"tech_maturity\": \"low\"}\n```", company), nil
	case notesSystem:
		data, err := json.Marshal(NotesAnalysis{
			Summary:    "Two calls so far; interested in attendance tracking.",
			PainPoints: []string{"Tracking worker attendance across sites"},
			Objections: []string{"Price too high"},
		})
		return string(data), err
	case strategySystem:
		data, err := json.Marshal(Strategy{
			CloseStrategy:     fmt.Sprintf("Run a site demo for %s focused on attendance.", company),
			TalkingPoints:     []string{"Open with their attendance problem", "Offer a two-site pilot"},
			ObjectionHandling: []ObjectionCounter{{Objection: "Price too high", Counter: "Compare with the cost of one delayed payroll"}},
			Pricing:           &PricingSuggestion{Plan: "Standard", Trial: "30-day pilot", Discount: "none", PaymentStructure: "quarterly"},
		})
		return string(data), err
	default:
		return "", adapter.ErrUnhandled
	}
}
