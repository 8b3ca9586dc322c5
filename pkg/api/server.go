// Package api serves run triggers and the run, usage and delivery records
// over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/evidence"
	"github.com/zen-systems/salesflow/pkg/ledger"
	"github.com/zen-systems/salesflow/pkg/notify"
	"github.com/zen-systems/salesflow/pkg/research"
	"github.com/zen-systems/salesflow/pkg/weekly"
)

// Runner starts one daily run.
type Runner interface {
	Run(ctx context.Context, trigger string) (*daily.Result, error)
}

// ResearchRunner researches one lead.
type ResearchRunner interface {
	Run(ctx context.Context, leadID, requestedBy, trigger string) (*research.Result, error)
}

// WeeklyRunner writes and sends the weekly report.
type WeeklyRunner interface {
	Run(ctx context.Context, trigger string) (*weekly.Result, error)
}

// RunStore reads recorded runs. Both evidence.Recorder and the Postgres run
// store satisfy it.
type RunStore interface {
	ListRuns(ctx context.Context, since, until time.Time) ([]evidence.RunRecord, error)
	GetRun(ctx context.Context, id string) (*evidence.Bundle, error)
}

// UsageReader reads the usage ledger.
type UsageReader interface {
	Query(ctx context.Context, filter ledger.Filter) ([]ledger.UsageRecord, error)
	Aggregate(ctx context.Context, filter ledger.Filter) (ledger.Totals, error)
}

// Server holds the dependencies for the API.
type Server struct {
	Runner     Runner
	Research   ResearchRunner
	Weekly     WeeklyRunner
	Runs       RunStore
	Usage      UsageReader
	Deliveries notify.Reader
	Logger     func(format string, args ...any)

	// running guards against overlapping triggered runs.
	running       sync.Mutex
	weeklyRunning sync.Mutex
}

// Handler builds the echo instance with every route registered.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("salesflow"))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	v1 := e.Group("/v1")
	v1.POST("/pipelines/daily/runs", s.TriggerRun)
	v1.POST("/pipelines/weekly/runs", s.TriggerWeekly)
	v1.POST("/leads/:id/research", s.TriggerResearch)
	v1.GET("/runs", s.ListRuns)
	v1.GET("/runs/:id", s.GetRun)
	v1.GET("/usage", s.GetUsage)
	v1.GET("/deliveries", s.ListDeliveries)
	return e
}

// RunResponse summarises a triggered run.
type RunResponse struct {
	Run         evidence.RunRecord     `json:"run"`
	Stages      []evidence.StageRecord `json:"stages"`
	SpentUSD    float64                `json:"spent_usd"`
	EvidenceDir string                 `json:"evidence_dir,omitempty"`
	Fallback    []daily.Delivery       `json:"fallback,omitempty"`
	Notes       []string               `json:"notes,omitempty"`
}

// TriggerRun executes the daily pipeline and waits for it.
// (POST /v1/pipelines/daily/runs)
func (s *Server) TriggerRun(c echo.Context) error {
	if s.Runner == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "runs cannot be triggered on this server")
	}
	if !s.running.TryLock() {
		return echo.NewHTTPError(http.StatusConflict, "a run is already in progress")
	}
	defer s.running.Unlock()

	trigger := triggerOf(c)
	// A client that goes away does not cancel the run.
	ctx := context.WithoutCancel(c.Request().Context())
	res, err := s.Runner.Run(ctx, trigger)
	if err != nil {
		s.logf("api: run failed to start: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	rec, stages := evidence.FromRun(res.Run)
	rec.Trigger = trigger
	rec.Notes = res.Notes
	return c.JSON(http.StatusOK, RunResponse{
		Run:         rec,
		Stages:      stages,
		SpentUSD:    res.SpentUSD,
		EvidenceDir: res.EvidenceDir,
		Fallback:    res.Fallback,
		Notes:       res.Notes,
	})
}

func triggerOf(c echo.Context) string {
	if t := c.QueryParam("trigger"); t != "" {
		return t
	}
	return "api"
}

// ResearchResponse summarises a research run.
type ResearchResponse struct {
	Run         evidence.RunRecord     `json:"run"`
	Stages      []evidence.StageRecord `json:"stages"`
	SpentUSD    float64                `json:"spent_usd"`
	EvidenceDir string                 `json:"evidence_dir,omitempty"`
	Research    *research.LeadResearch `json:"research,omitempty"`
	Notes       []string               `json:"notes,omitempty"`
}

// TriggerResearch researches one lead and waits for it.
// (POST /v1/leads/:id/research?requested_by=)
func (s *Server) TriggerResearch(c echo.Context) error {
	if s.Research == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "research is not enabled on this server")
	}
	leadID := c.Param("id")
	ctx := context.WithoutCancel(c.Request().Context())
	res, err := s.Research.Run(ctx, leadID, c.QueryParam("requested_by"), triggerOf(c))
	if err != nil {
		s.logf("api: research for %s failed to start: %v", leadID, err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if research.LeadNotFound(res.Run) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("lead %s not found", leadID))
	}
	rec, stages := evidence.FromRun(res.Run)
	rec.Trigger = triggerOf(c)
	rec.Notes = res.Notes
	return c.JSON(http.StatusOK, ResearchResponse{
		Run:         rec,
		Stages:      stages,
		SpentUSD:    res.SpentUSD,
		EvidenceDir: res.EvidenceDir,
		Research:    res.Research,
		Notes:       res.Notes,
	})
}

// WeeklyResponse summarises a weekly report run.
type WeeklyResponse struct {
	Run         evidence.RunRecord     `json:"run"`
	Stages      []evidence.StageRecord `json:"stages"`
	SpentUSD    float64                `json:"spent_usd"`
	EvidenceDir string                 `json:"evidence_dir,omitempty"`
	Report      *weekly.Report         `json:"report,omitempty"`
	Deliveries  []daily.Delivery       `json:"deliveries,omitempty"`
	Notes       []string               `json:"notes,omitempty"`
}

// TriggerWeekly writes and sends this week's report.
// (POST /v1/pipelines/weekly/runs)
func (s *Server) TriggerWeekly(c echo.Context) error {
	if s.Weekly == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "weekly reports are not enabled on this server")
	}
	if !s.weeklyRunning.TryLock() {
		return echo.NewHTTPError(http.StatusConflict, "a weekly run is already in progress")
	}
	defer s.weeklyRunning.Unlock()

	ctx := context.WithoutCancel(c.Request().Context())
	res, err := s.Weekly.Run(ctx, triggerOf(c))
	if err != nil {
		s.logf("api: weekly run failed to start: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	rec, stages := evidence.FromRun(res.Run)
	rec.Trigger = triggerOf(c)
	rec.Notes = res.Notes
	return c.JSON(http.StatusOK, WeeklyResponse{
		Run:         rec,
		Stages:      stages,
		SpentUSD:    res.SpentUSD,
		EvidenceDir: res.EvidenceDir,
		Report:      res.Report,
		Deliveries:  res.Deliveries,
		Notes:       res.Notes,
	})
}

// ListRuns returns recorded runs, newest first.
// (GET /v1/runs?since=&until=)
func (s *Server) ListRuns(c echo.Context) error {
	since, until, err := window(c)
	if err != nil {
		return err
	}
	runs, err := s.Runs.ListRuns(c.Request().Context(), since, until)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if runs == nil {
		runs = []evidence.RunRecord{}
	}
	return c.JSON(http.StatusOK, runs)
}

// GetRun returns one run with its stages.
// (GET /v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	b, err := s.Runs.GetRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, evidence.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, b)
}

// UsageResponse holds aggregated usage and, on request, the records.
type UsageResponse struct {
	Totals  ledger.Totals        `json:"totals"`
	Records []ledger.UsageRecord `json:"records,omitempty"`
}

// GetUsage aggregates the usage ledger.
// (GET /v1/usage?task_type=&entity_id=&run_id=&since=&until=&records=true)
func (s *Server) GetUsage(c echo.Context) error {
	since, until, err := window(c)
	if err != nil {
		return err
	}
	filter := ledger.Filter{
		TaskType: c.QueryParam("task_type"),
		EntityID: c.QueryParam("entity_id"),
		RunID:    c.QueryParam("run_id"),
		Since:    since,
		Until:    until,
	}
	ctx := c.Request().Context()
	totals, err := s.Usage.Aggregate(ctx, filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := UsageResponse{Totals: totals}
	if c.QueryParam("records") == "true" {
		if out.Records, err = s.Usage.Query(ctx, filter); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, out)
}

// DeliveriesResponse lists delivery attempts and escalations.
type DeliveriesResponse struct {
	Attempts    []notify.DeliveryAttempt `json:"attempts"`
	Escalations []notify.EscalationEvent `json:"escalations"`
}

// ListDeliveries queries the delivery log.
// (GET /v1/deliveries?recipient_id=&message_id=&since=&until=)
func (s *Server) ListDeliveries(c echo.Context) error {
	since, until, err := window(c)
	if err != nil {
		return err
	}
	q := notify.Query{
		RecipientID: c.QueryParam("recipient_id"),
		MessageID:   c.QueryParam("message_id"),
		Since:       since,
		Until:       until,
	}
	ctx := c.Request().Context()
	attempts, err := s.Deliveries.Attempts(ctx, q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	escalations, err := s.Deliveries.Escalations(ctx, q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := DeliveriesResponse{Attempts: attempts, Escalations: escalations}
	if out.Attempts == nil {
		out.Attempts = []notify.DeliveryAttempt{}
	}
	if out.Escalations == nil {
		out.Escalations = []notify.EscalationEvent{}
	}
	return c.JSON(http.StatusOK, out)
}

// window reads since/until as RFC 3339 timestamps or YYYY-MM-DD dates.
func window(c echo.Context) (time.Time, time.Time, error) {
	since, err := ParseTime(c.QueryParam("since"))
	if err != nil {
		return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "since: "+err.Error())
	}
	until, err := ParseTime(c.QueryParam("until"))
	if err != nil {
		return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "until: "+err.Error())
	}
	return since, until, nil
}

// ParseTime accepts an RFC 3339 timestamp or a YYYY-MM-DD date (UTC
// midnight). The empty string is the zero time.
func ParseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return t, nil
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger(format, args...)
	}
}
