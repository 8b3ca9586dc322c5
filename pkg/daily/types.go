// Package daily is the lead-intelligence pipeline: score open leads, find
// stale ones and activity anomalies, rank each rep's day, write briefs and
// deliver them.
package daily

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/zen-systems/salesflow/pkg/notify"
)

// Score labels, best first.
const (
	LabelHot  = "hot"
	LabelWarm = "warm"
	LabelCold = "cold"
)

// Unassigned keys the priority list of leads without an active rep.
const Unassigned = "unassigned"

// Note is a free-text note on a lead.
type Note struct {
	CreatedAt time.Time `json:"created_at"`
	Content   string    `json:"content"`
}

// Activity is one logged touch on a lead.
type Activity struct {
	CreatedAt   time.Time `json:"created_at"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
}

// LeadScore is the stored result of the last successful scoring.
type LeadScore struct {
	Label      string `json:"score_label"`
	Numeric    int    `json:"score_numeric"`
	Reasoning  string `json:"reasoning,omitempty"`
	NextAction string `json:"next_action,omitempty"`
	// Version is the lead version the score was computed for.
	Version string `json:"version,omitempty"`
}

// Lead is an open lead. Notes and Activities are newest first.
type Lead struct {
	ID             string     `json:"id"`
	Company        string     `json:"company_name"`
	Contact        string     `json:"contact_name"`
	Status         string     `json:"status"`
	DealValue      float64    `json:"deal_value"`
	Source         string     `json:"source,omitempty"`
	Region         string     `json:"region,omitempty"`
	Industry       string     `json:"industry,omitempty"`
	AssignedRepID  string     `json:"assigned_rep_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	// ClosedAt is set on won and lost deals.
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	Notes          []Note     `json:"notes,omitempty"`
	Activities     []Activity `json:"activities,omitempty"`
	Score          *LeadScore `json:"score,omitempty"`
}

// Version identifies the lead content that scoring depends on. It changes
// when the lead gains activity or notes, or when its status or value moves.
func (l Lead) Version() string {
	last := "never"
	if l.LastActivityAt != nil {
		last = l.LastActivityAt.UTC().Format(time.RFC3339Nano)
	}
	key := fmt.Sprintf("%s|%s|%.2f|%s|%d|%d", l.ID, l.Status, l.DealValue, last, len(l.Notes), len(l.Activities))
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// Rep is an active sales rep. ManagerID is the escalation target.
type Rep struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	Endpoints []notify.Endpoint `json:"endpoints" yaml:"endpoints"`
	ManagerID string            `json:"manager_id,omitempty" yaml:"manager_id,omitempty"`
}

// Recipient converts the rep for the dispatcher.
func (r Rep) Recipient() notify.Recipient {
	return notify.Recipient{ID: r.ID, Name: r.Name, Endpoints: r.Endpoints, SuperiorID: r.ManagerID}
}

// WeekCounts compares a rep's activity over the last two weeks.
type WeekCounts struct {
	ThisWeek int `json:"this_week"`
	LastWeek int `json:"last_week"`
}

// Change is the week-over-week change in percent.
func (w WeekCounts) Change() float64 {
	if w.LastWeek > 0 {
		return float64(w.ThisWeek-w.LastWeek) / float64(w.LastWeek) * 100
	}
	if w.ThisWeek > 0 {
		return 100
	}
	return 0
}

// Lead statuses that close a deal.
const (
	StatusWon  = "won"
	StatusLost = "lost"
)

// Snapshot is everything the pipelines read from lead storage. Leads are
// open; Closed holds won and lost deals, which only research and the
// weekly report look at.
type Snapshot struct {
	Leads          []Lead                `json:"leads"`
	Closed         []Lead                `json:"closed,omitempty"`
	Reps           []Rep                 `json:"reps"`
	ActivityCounts map[string]WeekCounts `json:"activity_counts"`
}

// ScoredLead is a lead with its score for this run. Pending leads could
// not be scored and keep their previous score, if any.
type ScoredLead struct {
	Lead
	Current LeadScore `json:"current"`
	Pending bool      `json:"pending,omitempty"`
	Reason  string    `json:"pending_reason,omitempty"`
}

// StaleLead is a lead without recent activity.
type StaleLead struct {
	LeadID        string          `json:"lead_id"`
	Company       string          `json:"company_name"`
	Contact       string          `json:"contact_name"`
	AssignedRepID string          `json:"assigned_rep_id,omitempty"`
	DaysStale     int             `json:"days_stale"`
	Severity      notify.Severity `json:"severity"`
	DealValue     float64         `json:"deal_value"`
}

// Anomaly is a concerning pattern in team activity.
type Anomaly struct {
	Type           string          `json:"type"`
	Severity       notify.Severity `json:"severity"`
	RepID          string          `json:"rep_id,omitempty"`
	Description    string          `json:"description"`
	Recommendation string          `json:"recommendation,omitempty"`
}

// Brief is one rep's morning brief.
type Brief struct {
	RepID      string `json:"rep_id"`
	Text       string `json:"text"`
	Fallback   bool   `json:"fallback,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// Delivery summarises one dispatch made by the pipeline.
type Delivery struct {
	RecipientID string          `json:"recipient_id"`
	MessageID   string          `json:"message_id"`
	Severity    notify.Severity `json:"severity"`
	Delivered   bool            `json:"delivered"`
	Channels    []string        `json:"channels,omitempty"`
	EscalatedTo string          `json:"escalated_to,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Results is what the pipeline hands back to lead storage.
type Results struct {
	RunID     string           `json:"run_id"`
	AsOf      time.Time        `json:"as_of"`
	Scores    []ScoredLead     `json:"scores"`
	Briefs    map[string]Brief `json:"briefs"`
	Anomalies []Anomaly        `json:"anomalies"`
	Stale     []StaleLead      `json:"stale"`
}

// SaveSummary counts what save_results persisted.
type SaveSummary struct {
	Scores    int `json:"scores"`
	Briefs    int `json:"briefs"`
	Anomalies int `json:"anomalies"`
}

// LeadSource reads open leads, active reps and activity counts as of a time.
type LeadSource interface {
	Fetch(ctx context.Context, asOf time.Time) (*Snapshot, error)
}

// LeadSink stores scores, briefs and anomalies.
type LeadSink interface {
	Save(ctx context.Context, results Results) error
}
