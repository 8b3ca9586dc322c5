package weekly

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zen-systems/salesflow/pkg/adapter"
	"github.com/zen-systems/salesflow/pkg/archive"
	"github.com/zen-systems/salesflow/pkg/config"
	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/evidence"
	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/notify"
	"github.com/zen-systems/salesflow/pkg/pipeline"
)

// Wednesday of the week starting Monday 2 March 2026.
var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []invoke.Call
	fn    func(invoke.Call) (string, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, call invoke.Call) (*invoke.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		fn = func(c invoke.Call) (string, error) {
			return MockResponder(adapter.Request{System: c.System, Prompt: c.Prompt})
		}
	}
	content, err := fn(call)
	if err != nil {
		return nil, err
	}
	return &invoke.Result{Content: content, Capability: config.Endpoint{Adapter: "mock", Model: "mock-1"}}, nil
}

type capture struct {
	mu   sync.Mutex
	sent map[string][]notify.Message
}

func (c *capture) transport(channel string) notify.Transport {
	return notify.FuncTransport{Name: channel, Fn: func(_ context.Context, address string, msg notify.Message) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.sent == nil {
			c.sent = map[string][]notify.Message{}
		}
		c.sent[address] = append(c.sent[address], msg)
		return nil
	}}
}

func (c *capture) to(address string) []notify.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[address]
}

func at(t time.Time) *time.Time { return &t }

func daysAgo(n int) *time.Time {
	return at(testNow.Add(-time.Duration(n) * 24 * time.Hour))
}

func testSnapshot() *daily.Snapshot {
	return &daily.Snapshot{
		Reps: []daily.Rep{
			{ID: "r1", Name: "Asha", ManagerID: "m1", Endpoints: []notify.Endpoint{{Channel: notify.ChannelTelegram, Address: "111"}}},
			{ID: "r2", Name: "Ravi", ManagerID: "m1", Endpoints: []notify.Endpoint{{Channel: notify.ChannelTelegram, Address: "222"}}},
		},
		Leads: []daily.Lead{
			{ID: "L1", Company: "Skyline Builders", Status: "proposal", DealValue: 400000, Source: "referral", AssignedRepID: "r1", CreatedAt: *daysAgo(30), LastActivityAt: daysAgo(1)},
			{ID: "L2", Company: "Metro Infra", Status: "proposal", DealValue: 100000, Source: "website", AssignedRepID: "r1", CreatedAt: *daysAgo(1), LastActivityAt: daysAgo(8)},
			{ID: "L3", Company: "Coastal Homes", Status: "new", DealValue: 50000, AssignedRepID: "r2", CreatedAt: *daysAgo(2)},
		},
		Closed: []daily.Lead{
			{ID: "W1", Company: "Pune Towers", Status: daily.StatusWon, DealValue: 300000, Source: "referral", AssignedRepID: "r1", CreatedAt: *daysAgo(60), ClosedAt: daysAgo(1)},
			{ID: "W2", Company: "Old Win", Status: daily.StatusWon, DealValue: 90000, Source: "referral", AssignedRepID: "r2", CreatedAt: *daysAgo(90), ClosedAt: daysAgo(20)},
			{ID: "X1", Company: "Gone Co", Status: daily.StatusLost, DealValue: 70000, Source: "referral", AssignedRepID: "r2", CreatedAt: *daysAgo(40), ClosedAt: daysAgo(2)},
		},
		ActivityCounts: map[string]daily.WeekCounts{"r1": {ThisWeek: 12, LastWeek: 9}},
	}
}

type harness struct {
	invoker *fakeInvoker
	store   ReportStore
	out     *capture
	runner  *Runner
}

func newHarness(t *testing.T, cfg config.EngineConfig, store ReportStore, snap *daily.Snapshot) *harness {
	t.Helper()
	h := &harness{invoker: &fakeInvoker{}, store: store, out: &capture{}}
	dir := notify.NewMemoryDirectory(
		notify.Recipient{ID: "m1", Name: "Meera", Endpoints: []notify.Endpoint{{Channel: notify.ChannelTelegram, Address: "999"}}},
		notify.Recipient{ID: "ceo", Name: "Founder", Endpoints: []notify.Endpoint{{Channel: notify.ChannelEmail, Address: "ceo@example.com"}}},
	)
	dispatcher, err := notify.NewDispatcher(config.DispatchConfig{MaxAttempts: 1},
		[]notify.Transport{h.out.transport(notify.ChannelTelegram), h.out.transport(notify.ChannelEmail)},
		notify.NewMemoryLog(), notify.WithDirectory(dir))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	cfg.StaleWarningDays = 7
	w, err := New(cfg, Deps{
		Source:     &daily.StaticSource{Snapshot: snap},
		Store:      store,
		Invoker:    h.invoker,
		Dispatcher: dispatcher,
		Directory:  dir,
	})
	if err != nil {
		t.Fatalf("new weekly: %v", err)
	}
	h.runner = &Runner{
		Weekly:   w,
		Evidence: &evidence.Recorder{BaseDir: t.TempDir()},
		Deadline: 10 * time.Second,
		Now:      func() time.Time { return testNow },
	}
	return h
}

func TestManifestIsValid(t *testing.T) {
	m, err := Manifest()
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if err := m.Check(); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := New(config.EngineConfig{}, Deps{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}

func TestWeekOf(t *testing.T) {
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for _, tm := range []time.Time{monday, testNow, time.Date(2026, 3, 8, 23, 59, 0, 0, time.UTC)} {
		w := WeekOf(tm)
		if !w.Start.Equal(monday) || !w.End.Equal(monday.AddDate(0, 0, 6)) {
			t.Fatalf("week of %s: got %s to %s", tm, w.Start, w.End)
		}
	}
	w := WeekOf(testNow)
	if w.Key() != "2026-03-02" || w.String() != "Mar 02 - Mar 08, 2026" {
		t.Fatalf("unexpected week labels %q %q", w.Key(), w.String())
	}
	if w.Previous().Key() != "2026-02-23" {
		t.Fatalf("unexpected previous week %s", w.Previous().Key())
	}

	// Sunday evening UTC is already Monday in India.
	ist := time.FixedZone("IST", 5*3600+1800)
	local := WeekOf(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC).In(ist))
	if local.Key() != "2026-03-02" {
		t.Fatalf("week must start in the engine timezone, got %s", local.Key())
	}
}

func TestSummarize(t *testing.T) {
	week := WeekOf(testNow)
	m := Summarize(testSnapshot(), week, testNow, 7)

	if m.OpenLeads != 3 || m.PipelineValue != 550000 {
		t.Fatalf("unexpected pipeline totals %d %.0f", m.OpenLeads, m.PipelineValue)
	}
	if got := m.Pipeline["proposal"]; got.Count != 2 || got.Value != 500000 {
		t.Fatalf("unexpected proposal stage %+v", got)
	}
	// L2 is 8 days quiet and L3 was never touched.
	if m.StaleLeads != 2 {
		t.Fatalf("expected 2 stale leads, got %d", m.StaleLeads)
	}
	if m.NewLeads != 2 {
		t.Fatalf("expected 2 new leads, got %d", m.NewLeads)
	}
	if len(m.Won) != 1 || m.Won[0].LeadID != "W1" || len(m.Lost) != 1 || m.Lost[0].LeadID != "X1" {
		t.Fatalf("unexpected closed deals won=%+v lost=%+v", m.Won, m.Lost)
	}

	ref := m.Sources["referral"]
	if ref.Total != 4 || ref.Won != 2 || ref.Lost != 1 || ref.Value != 390000 || ref.ConversionRate != 66.7 {
		t.Fatalf("unexpected referral summary %+v", ref)
	}
	if web := m.Sources["website"]; web.Total != 1 || web.ConversionRate != 0 {
		t.Fatalf("unexpected website summary %+v", web)
	}
	if m.Sources["unknown"].Total != 1 {
		t.Fatalf("leads without a source should count as unknown")
	}

	if len(m.Reps) != 2 {
		t.Fatalf("expected 2 reps, got %d", len(m.Reps))
	}
	asha, ravi := m.Reps[0], m.Reps[1]
	if asha.OpenLeads != 2 || asha.WonThisWeek != 1 || asha.WonValue != 300000 || asha.ActivitiesThisWeek != 12 {
		t.Fatalf("unexpected scorecard for Asha %+v", asha)
	}
	if ravi.LostThisWeek != 1 || ravi.WonThisWeek != 0 || ravi.ActivitiesThisWeek != 0 {
		t.Fatalf("unexpected scorecard for Ravi %+v", ravi)
	}
}

func TestWeeklyRunSendsReportToManagers(t *testing.T) {
	store := &MemoryStore{}
	prev := WeekOf(testNow).Previous()
	if err := store.SaveReport(context.Background(), Report{WeekStart: prev.Start, Metrics: Metrics{OpenLeads: 41}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h := newHarness(t, config.EngineConfig{}, store, testSnapshot())

	res, err := h.runner.Run(context.Background(), "cli")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.Status != pipeline.RunSuccess {
		t.Fatalf("expected success, got %s: %+v", res.Run.Status, res.Run.Stages)
	}
	if res.Report == nil || res.Report.Fallback || !strings.Contains(res.Report.Content, "Offline report for 2026-03-02 to 2026-03-08") {
		t.Fatalf("unexpected report %+v", res.Report)
	}

	saved, err := store.LoadReport(context.Background(), WeekOf(testNow).Start)
	if err != nil {
		t.Fatalf("load saved report: %v", err)
	}
	if saved.RunID != res.Run.ID || saved.Metrics.OpenLeads != 3 || saved.Capability != "mock/mock-1" {
		t.Fatalf("unexpected saved report %+v", saved)
	}

	if len(h.invoker.calls) != 1 {
		t.Fatalf("expected one model call, got %d", len(h.invoker.calls))
	}
	call := h.invoker.calls[0]
	if call.TaskType != TaskWeeklyReport || call.EntityID != "2026-03-02" {
		t.Fatalf("unexpected call %+v", call)
	}
	if !strings.Contains(call.Prompt, `"open_leads":41`) || strings.Contains(call.Prompt, "No data from last week") {
		t.Fatalf("prompt should compare with last week:\n%s", call.Prompt)
	}

	got := h.out.to("999")
	if len(got) != 1 || got[0].Subject != "Weekly sales report: Mar 02 - Mar 08, 2026" {
		t.Fatalf("manager should get the report once, got %+v", got)
	}
	if len(h.out.to("111")) != 0 {
		t.Fatalf("reps do not get the report")
	}
	if len(res.Deliveries) != 1 || !res.Deliveries[0].Delivered || res.Deliveries[0].RecipientID != "m1" {
		t.Fatalf("unexpected deliveries %+v", res.Deliveries)
	}
}

func TestReportFallsBackToFiguresWhenModelsFail(t *testing.T) {
	store := &MemoryStore{}
	h := newHarness(t, config.EngineConfig{}, store, testSnapshot())
	h.invoker.fn = func(invoke.Call) (string, error) {
		return "", errors.New("all providers unavailable")
	}

	res, err := h.runner.Run(context.Background(), "cli")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.Status != pipeline.RunPartial {
		t.Fatalf("expected partial run, got %s", res.Run.Status)
	}
	if st, _ := res.Run.Stage("generate_report"); st.Status != pipeline.StatusPartial {
		t.Fatalf("expected partial generate_report, got %s", st.Status)
	}
	if res.Report == nil || !res.Report.Fallback {
		t.Fatalf("expected a fallback report")
	}
	for _, want := range []string{"PIPELINE: 3 open leads worth Rs 550000", "Won: Pune Towers", "referral: 4 leads, 2 won, 66.7% conversion"} {
		if !strings.Contains(res.Report.Content, want) {
			t.Fatalf("fallback report missing %q:\n%s", want, res.Report.Content)
		}
	}
	if strings.Contains(res.Report.Content, "(last week:") {
		t.Fatalf("no comparison without last week's report")
	}
	if _, err := store.LoadReport(context.Background(), WeekOf(testNow).Start); err != nil {
		t.Fatalf("fallback report should be saved: %v", err)
	}
	if len(h.out.to("999")) != 1 {
		t.Fatalf("fallback report should still be sent")
	}
}

func TestConfiguredRecipientsReplaceManagers(t *testing.T) {
	h := newHarness(t, config.EngineConfig{ReportRecipients: []string{"ceo", "r1", "ceo", "nobody"}}, &MemoryStore{}, testSnapshot())
	res, err := h.runner.Run(context.Background(), "cli")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.out.to("ceo@example.com")) != 1 || len(h.out.to("111")) != 1 {
		t.Fatalf("configured recipients should each get one report")
	}
	if len(h.out.to("999")) != 0 {
		t.Fatalf("managers are not added when recipients are configured")
	}
	st, _ := res.Run.Stage("send_report")
	if st.Status != pipeline.StatusPartial || len(st.Errors) != 1 || !strings.Contains(st.Errors[0], "nobody") {
		t.Fatalf("unknown recipient should be reported, got %s %v", st.Status, st.Errors)
	}
}

func TestReportWithoutRecipientsIsPartial(t *testing.T) {
	snap := testSnapshot()
	for i := range snap.Reps {
		snap.Reps[i].ManagerID = ""
	}
	store := &MemoryStore{}
	h := newHarness(t, config.EngineConfig{}, store, snap)
	res, err := h.runner.Run(context.Background(), "cli")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.Status != pipeline.RunPartial {
		t.Fatalf("expected partial run, got %s", res.Run.Status)
	}
	if _, err := store.LoadReport(context.Background(), WeekOf(testNow).Start); err != nil {
		t.Fatalf("report should be saved even with nobody to send it to: %v", err)
	}
}

type brokenStore struct{ MemoryStore }

func (s *brokenStore) LoadReport(context.Context, time.Time) (*Report, error) {
	return nil, errors.New("disk unavailable")
}

func TestLastWeekLoadFailureStillReports(t *testing.T) {
	h := newHarness(t, config.EngineConfig{}, &brokenStore{}, testSnapshot())
	res, err := h.runner.Run(context.Background(), "cli")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st, _ := res.Run.Stage("load_last_week"); st.Status != pipeline.StatusPartial {
		t.Fatalf("expected partial load_last_week, got %s", st.Status)
	}
	if res.Report == nil || res.Report.Fallback {
		t.Fatalf("report should still be written")
	}
	if !strings.Contains(h.invoker.calls[0].Prompt, "No data from last week") {
		t.Fatalf("prompt should say last week is missing")
	}
}

func TestArchiveStoreKeepsOneReportPerWeek(t *testing.T) {
	fs, err := archive.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store := &ArchiveStore{Archive: archive.New(fs)}
	ctx := context.Background()
	week := WeekOf(testNow)

	if _, err := store.LoadReport(ctx, week.Start); !errors.Is(err, ErrReportNotFound) {
		t.Fatalf("expected ErrReportNotFound, got %v", err)
	}
	for _, id := range []string{"run-1", "run-2"} {
		if err := store.SaveReport(ctx, Report{WeekStart: week.Start, RunID: id, Content: "report " + id}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if err := store.SaveReport(ctx, Report{WeekStart: week.Previous().Start, RunID: "run-0"}); err != nil {
		t.Fatalf("save previous: %v", err)
	}

	got, err := store.LoadReport(ctx, week.Start)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.RunID != "run-2" || got.Content != "report run-2" {
		t.Fatalf("expected the rerun to replace the report, got %+v", got)
	}
	prev, err := store.LoadReport(ctx, week.Previous().Start)
	if err != nil || prev.RunID != "run-0" {
		t.Fatalf("previous week should be kept separately, got %+v, %v", prev, err)
	}
}
