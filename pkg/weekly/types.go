package weekly

import (
	"context"
	"errors"
	"time"
)

// ErrReportNotFound is returned when no report is stored for a week.
var ErrReportNotFound = errors.New("weekly: report not found")

// Week is a Monday-to-Sunday reporting week.
type Week struct {
	Start time.Time `json:"week_start"`
	End   time.Time `json:"week_end"`
}

// WeekOf returns the week containing t, in t's location.
func WeekOf(t time.Time) Week {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	offset := (int(midnight.Weekday()) + 6) % 7
	start := midnight.AddDate(0, 0, -offset)
	return Week{Start: start, End: start.AddDate(0, 0, 6)}
}

// Previous is the week before w.
func (w Week) Previous() Week {
	return WeekOf(w.Start.AddDate(0, 0, -7))
}

// Key identifies the week by its Monday.
func (w Week) Key() string {
	return w.Start.Format("2006-01-02")
}

func (w Week) String() string {
	return w.Start.Format("Jan 02") + " - " + w.End.Format("Jan 02, 2006")
}

// StageSummary counts open leads and their value in one stage.
type StageSummary struct {
	Count int     `json:"count"`
	Value float64 `json:"value"`
}

// SourceSummary describes every lead from one source. Value is the won
// value and ConversionRate is won over closed, in percent.
type SourceSummary struct {
	Total          int     `json:"total"`
	Won            int     `json:"won"`
	Lost           int     `json:"lost"`
	Value          float64 `json:"value"`
	ConversionRate float64 `json:"conversion_rate"`
}

// RepPerformance is one rep's line in the scorecard.
type RepPerformance struct {
	RepID              string  `json:"rep_id"`
	Name               string  `json:"name"`
	OpenLeads          int     `json:"open_leads"`
	PipelineValue      float64 `json:"pipeline_value"`
	WonThisWeek        int     `json:"won_this_week"`
	WonValue           float64 `json:"won_value"`
	LostThisWeek       int     `json:"lost_this_week"`
	ActivitiesThisWeek int     `json:"activities_this_week"`
	ActivitiesLastWeek int     `json:"activities_last_week"`
}

// ClosedDeal is a deal won or lost during the week.
type ClosedDeal struct {
	LeadID        string    `json:"lead_id"`
	Company       string    `json:"company_name"`
	Contact       string    `json:"contact_name,omitempty"`
	AssignedRepID string    `json:"assigned_rep_id,omitempty"`
	DealValue     float64   `json:"deal_value"`
	ClosedAt      time.Time `json:"closed_at"`
}

// Metrics are the figures the report is written from.
type Metrics struct {
	Pipeline      map[string]StageSummary  `json:"pipeline"`
	Sources       map[string]SourceSummary `json:"source_breakdown"`
	Reps          []RepPerformance         `json:"rep_performance"`
	Won           []ClosedDeal             `json:"deals_won"`
	Lost          []ClosedDeal             `json:"deals_lost"`
	OpenLeads     int                      `json:"open_leads"`
	PipelineValue float64                  `json:"pipeline_value"`
	NewLeads      int                      `json:"new_leads"`
	StaleLeads    int                      `json:"stale_leads"`
}

// Report is the stored weekly report. One report is kept per week; a rerun
// replaces it.
type Report struct {
	WeekStart time.Time `json:"week_start"`
	WeekEnd   time.Time `json:"week_end"`
	Content   string    `json:"report_content"`
	Metrics   Metrics   `json:"metrics"`
	// Fallback is set when the content was built without a model.
	Fallback    bool      `json:"fallback,omitempty"`
	Capability  string    `json:"capability,omitempty"`
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ReportStore keeps one report per week.
type ReportStore interface {
	SaveReport(ctx context.Context, r Report) error
	// LoadReport returns ErrReportNotFound when the week has no report.
	LoadReport(ctx context.Context, weekStart time.Time) (*Report, error)
}
