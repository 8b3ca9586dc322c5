package research

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zen-systems/salesflow/pkg/adapter"
	"github.com/zen-systems/salesflow/pkg/config"
	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/evidence"
	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/pipeline"
)

var testNow = time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []invoke.Call
	// by system prompt; nil uses MockResponder
	fns map[string]func(invoke.Call) (string, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, call invoke.Call) (*invoke.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	fn := f.fns[call.System]
	f.mu.Unlock()
	var content string
	var err error
	if fn != nil {
		content, err = fn(call)
	} else {
		content, err = MockResponder(adapter.Request{System: call.System, Prompt: call.Prompt})
	}
	if err != nil {
		return nil, err
	}
	return &invoke.Result{Content: content, Capability: config.Endpoint{Adapter: "mock", Model: "mock-1"}}, nil
}

func (f *fakeInvoker) all() []invoke.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invoke.Call(nil), f.calls...)
}

func at(days int) *time.Time {
	t := testNow.Add(-time.Duration(days) * 24 * time.Hour)
	return &t
}

func testSnapshot() *daily.Snapshot {
	return &daily.Snapshot{
		Leads: []daily.Lead{
			{
				ID: "L1", Company: "Skyline Builders", Contact: "Meera", Status: "proposal", DealValue: 400000,
				Region: "Pune", Industry: "residential", AssignedRepID: "r1", LastActivityAt: at(1),
				Notes:      []daily.Note{{CreatedAt: *at(1), Content: "Asked about attendance tracking"}},
				Activities: []daily.Activity{{CreatedAt: *at(2), Type: "call", Description: "Intro call"}},
			},
			{ID: "L2", Company: "Quiet Co", Status: "new", DealValue: 50000},
		},
		Closed: []daily.Lead{
			{ID: "W1", Company: "Pune Towers", Status: daily.StatusWon, DealValue: 350000, Region: "Pune", Industry: "residential", ClosedAt: at(30),
				Notes: []daily.Note{{Content: "Closed after a site demo"}}},
			{ID: "W2", Company: "Far Homes", Status: daily.StatusWon, DealValue: 5000000, Region: "Delhi", Industry: "commercial", ClosedAt: at(60)},
			{ID: "W3", Company: "Infra Max", Status: daily.StatusWon, DealValue: 400000, Region: "Pune", Industry: "infra"},
			{ID: "X1", Company: "Lost Deal", Status: daily.StatusLost, DealValue: 400000, Region: "Pune", Industry: "residential"},
		},
	}
}

type harness struct {
	invoker *fakeInvoker
	sink    *MemorySink
	runner  *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{invoker: &fakeInvoker{fns: map[string]func(invoke.Call) (string, error){}}, sink: &MemorySink{}}
	source := &SnapshotSource{Leads: &daily.StaticSource{Snapshot: testSnapshot()}}
	r, err := New(config.EngineConfig{GracePeriod: time.Second}, Deps{Source: source, Sink: h.sink, Invoker: h.invoker})
	if err != nil {
		t.Fatalf("new research: %v", err)
	}
	h.runner = &Runner{
		Research: r,
		Evidence: &evidence.Recorder{BaseDir: t.TempDir()},
		Deadline: 10 * time.Second,
		Now:      func() time.Time { return testNow },
	}
	return h
}

func TestResearchRunSavesStrategy(t *testing.T) {
	h := newHarness(t)
	res, err := h.runner.Run(context.Background(), "L1", "mgr-1", "cli")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.Status != pipeline.RunSuccess {
		t.Fatalf("expected success, got %s: %+v", res.Run.Status, res.Run.Stages)
	}
	if res.EvidenceDir == "" {
		t.Fatalf("expected evidence to be written")
	}

	saved, ok := h.sink.Get("L1")
	if !ok {
		t.Fatalf("research was not saved")
	}
	if res.Research == nil || res.Research.RunID != saved.RunID {
		t.Fatalf("result should carry the saved research")
	}
	if saved.RequestedBy != "mgr-1" || !saved.ResearchedAt.Equal(testNow) || saved.Company != "Skyline Builders" {
		t.Fatalf("unexpected research header %+v", saved)
	}
	if saved.WebResearch.CompanyInfo["tech_maturity"] != "low" {
		t.Fatalf("company info not parsed: %+v", saved.WebResearch)
	}
	if len(saved.Notes.PainPoints) != 1 || len(saved.Notes.Objections) != 1 {
		t.Fatalf("unexpected notes analysis %+v", saved.Notes)
	}
	if len(saved.SimilarDeals) != 1 || saved.SimilarDeals[0].LeadID != "W1" {
		t.Fatalf("expected W1 as the only close match, got %+v", saved.SimilarDeals)
	}
	text := saved.Strategy.Text()
	for _, want := range []string{"site demo for Skyline Builders", "OBJECTION HANDLING", "Plan: Standard"} {
		if !strings.Contains(text, want) {
			t.Fatalf("strategy text missing %q:\n%s", want, text)
		}
	}
	if len(saved.Errors) != 0 {
		t.Fatalf("unexpected errors %v", saved.Errors)
	}

	calls := h.invoker.all()
	if len(calls) != 3 {
		t.Fatalf("expected 3 model calls, got %d", len(calls))
	}
	for _, c := range calls {
		if c.TaskType != TaskResearch || c.EntityID != "L1" || c.RunID != res.Run.ID {
			t.Fatalf("unexpected call %+v", c)
		}
	}
	if last := calls[2]; last.System != strategySystem || !strings.Contains(last.Prompt, "Pune Towers") {
		t.Fatalf("strategy must come last and see the similar deals")
	}
}

func TestNotesAndWebResearchRunSideBySide(t *testing.T) {
	h := newHarness(t)
	p, err := h.runner.Research.Build(nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	layers := p.Layers()
	if len(layers) != 5 || len(layers[1]) != 2 {
		t.Fatalf("unexpected layers %v", layers)
	}
}

func TestWebResearchFailureDegradesRun(t *testing.T) {
	h := newHarness(t)
	h.invoker.fns[webSystem] = func(invoke.Call) (string, error) {
		return "", errors.New("all providers unavailable")
	}
	res, err := h.runner.Run(context.Background(), "L1", "mgr-1", "cli")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.Status != pipeline.RunPartial {
		t.Fatalf("expected partial run, got %s", res.Run.Status)
	}
	st, _ := res.Run.Stage("web_research")
	if st.Status != pipeline.StatusPartial {
		t.Fatalf("expected partial web_research, got %s", st.Status)
	}
	saved, ok := h.sink.Get("L1")
	if !ok {
		t.Fatalf("research should still be saved")
	}
	if saved.Strategy.Error != "" || saved.Strategy.CloseStrategy == "" {
		t.Fatalf("strategy should still be generated: %+v", saved.Strategy)
	}
	if len(saved.Errors) != 1 || !strings.Contains(saved.Errors[0], "all providers unavailable") {
		t.Fatalf("expected the web research error to be recorded, got %v", saved.Errors)
	}
}

func TestBadStrategyResponseKeepsFallbackText(t *testing.T) {
	h := newHarness(t)
	h.invoker.fns[strategySystem] = func(invoke.Call) (string, error) {
		return `{"talking_points": []}`, nil
	}
	res, err := h.runner.Run(context.Background(), "L1", "", "cli")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.Status != pipeline.RunPartial {
		t.Fatalf("expected partial run, got %s", res.Run.Status)
	}
	saved, _ := h.sink.Get("L1")
	if saved.Strategy.CloseStrategy != failedStrategy || saved.Strategy.Error == "" {
		t.Fatalf("expected fallback strategy, got %+v", saved.Strategy)
	}
}

func TestLeadWithoutHistorySkipsNotesCall(t *testing.T) {
	h := newHarness(t)
	res, err := h.runner.Run(context.Background(), "L2", "", "cli")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.Status != pipeline.RunSuccess {
		t.Fatalf("expected success, got %s", res.Run.Status)
	}
	for _, c := range h.invoker.all() {
		if c.System == notesSystem {
			t.Fatalf("notes analysis must not call a model for a lead without history")
		}
	}
	saved, _ := h.sink.Get("L2")
	if !strings.Contains(saved.Notes.Summary, "No CRM notes") {
		t.Fatalf("unexpected notes summary %q", saved.Notes.Summary)
	}
}

func TestUnknownLeadFailsRun(t *testing.T) {
	h := newHarness(t)
	res, err := h.runner.Run(context.Background(), "nope", "", "api")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.Status != pipeline.RunFailed || !LeadNotFound(res.Run) {
		t.Fatalf("expected failed run for unknown lead, got %s", res.Run.Status)
	}
	if res.Research != nil || h.sink.Saves != 0 {
		t.Fatalf("nothing should be saved for an unknown lead")
	}
	if len(h.invoker.all()) != 0 {
		t.Fatalf("no model should be called for an unknown lead")
	}
}

func TestSimilarDeals(t *testing.T) {
	lead := daily.Lead{ID: "L", Industry: "residential", Region: "Pune", DealValue: 100000}
	var won []daily.Lead
	for i, v := range []float64{60000, 90000, 150000, 190000, 210000, 120000, 100000} {
		won = append(won, daily.Lead{
			ID: string(rune('A' + i)), Industry: "residential", Region: "Pune", DealValue: v,
			Notes: []daily.Note{{Content: "n1"}, {Content: " "}, {Content: "n2"}, {Content: "n3"}, {Content: "n4"}},
		})
	}
	won = append(won,
		daily.Lead{ID: "Z", Industry: "infra", Region: "Pune", DealValue: 100000},
		daily.Lead{ID: "Y", Industry: "residential", Region: "Goa", DealValue: 900000},
		daily.Lead{ID: "L", Industry: "residential", Region: "Pune", DealValue: 100000},
	)

	got := SimilarDeals(lead, won)
	if len(got) != 5 {
		t.Fatalf("expected top 5, got %d", len(got))
	}
	for _, d := range got {
		if d.Similarity != 90 || d.LeadID == "E" || d.LeadID == "Z" || d.LeadID == "L" {
			t.Fatalf("unexpected match %+v", d)
		}
	}
	if got[0].LeadID != "A" || len(got[0].WinningNotes) != 3 || got[0].WinningNotes[1] != "n2" {
		t.Fatalf("best match should carry three non-empty notes, got %+v", got[0])
	}
	if got[3].WinningNotes != nil {
		t.Fatalf("only the first three matches carry notes")
	}

	industryOnly := SimilarDeals(lead, []daily.Lead{{ID: "Y", Industry: "residential", Region: "Goa", DealValue: 900000}})
	if len(industryOnly) != 1 || industryOnly[0].Similarity != 40 {
		t.Fatalf("same industry alone should qualify, got %+v", industryOnly)
	}
	if n := len(SimilarDeals(daily.Lead{ID: "L"}, []daily.Lead{{ID: "Q", DealValue: 5}})); n != 0 {
		t.Fatalf("deal size alone is below the threshold, got %d", n)
	}
}

func TestFileSinkReplacesResearch(t *testing.T) {
	sink := &FileSink{Dir: t.TempDir()}
	ctx := context.Background()
	if err := sink.SaveResearch(ctx, LeadResearch{LeadID: "L1", RunID: "r1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := sink.SaveResearch(ctx, LeadResearch{LeadID: "L1", RunID: "r2"}); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, err := sink.Load("L1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.RunID != "r2" {
		t.Fatalf("expected the newer research, got %s", got.RunID)
	}
	if _, err := sink.Load("L9"); !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
	if err := sink.SaveResearch(ctx, LeadResearch{LeadID: "../x"}); err == nil {
		t.Fatalf("expected escaping lead id to be rejected")
	}
}
