package daily

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
	"github.com/zen-systems/salesflow/pkg/evidence"
	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/notify"
	"github.com/zen-systems/salesflow/pkg/pipeline"
)

var testNow = time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)

func ago(days int) *time.Time {
	t := testNow.Add(-time.Duration(days)*24*time.Hour - time.Hour)
	return &t
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []invoke.Call
	// per task type; nil uses MockResponder
	fns map[string]func(invoke.Call) (string, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, call invoke.Call) (*invoke.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	fn := f.fns[call.TaskType]
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

func (f *fakeInvoker) callsFor(task string) []invoke.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []invoke.Call
	for _, c := range f.calls {
		if c.TaskType == task {
			out = append(out, c)
		}
	}
	return out
}

type sent struct {
	channel, address string
	msg              notify.Message
}

type capture struct {
	mu   sync.Mutex
	sent []sent
	// hold, when set, makes matching sends wait for cancellation.
	hold func(address string, msg notify.Message) bool
}

func (c *capture) transport(channel string) notify.Transport {
	return notify.FuncTransport{Name: channel, Fn: func(ctx context.Context, address string, msg notify.Message) error {
		c.mu.Lock()
		hold := c.hold
		c.mu.Unlock()
		if hold != nil && hold(address, msg) {
			<-ctx.Done()
			return ctx.Err()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.sent = append(c.sent, sent{channel: channel, address: address, msg: msg})
		return nil
	}}
}

func (c *capture) to(address string) []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sent
	for _, s := range c.sent {
		if s.address == address {
			out = append(out, s)
		}
	}
	return out
}

func (c *capture) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

func testSnapshot() *Snapshot {
	return &Snapshot{
		Reps: []Rep{
			{ID: "r1", Name: "Asha", ManagerID: "m1", Endpoints: []notify.Endpoint{{Channel: notify.ChannelTelegram, Address: "111"}}},
			{ID: "r2", Name: "Ravi", ManagerID: "m1", Endpoints: []notify.Endpoint{
				{Channel: notify.ChannelTelegram, Address: "222"},
				{Channel: notify.ChannelEmail, Address: "ravi@example.com"},
			}},
		},
		Leads: []Lead{
			{ID: "L1", Company: "Skyline Builders", Status: "proposal", DealValue: 450000, AssignedRepID: "r1", LastActivityAt: ago(1)},
			{ID: "L2", Company: "Metro Infra", Status: "contacted", DealValue: 120000, AssignedRepID: "r1", LastActivityAt: ago(8)},
			{ID: "L3", Company: "Coastal Homes", Status: "new", DealValue: 80000, AssignedRepID: "r2"},
			{ID: "L4", Company: "Unclaimed Co", Status: "new", LastActivityAt: ago(2)},
			{ID: "L5", Company: "Orphan Ltd", Status: "qualified", AssignedRepID: "gone", LastActivityAt: ago(1)},
		},
		ActivityCounts: map[string]WeekCounts{"r1": {ThisWeek: 6, LastWeek: 10}, "r2": {ThisWeek: 0, LastWeek: 4}},
	}
}

type harness struct {
	source  *StaticSource
	sink    *MemorySink
	invoker *fakeInvoker
	out     *capture
	log     *notify.MemoryLog
	runner  *Runner
}

func newHarness(t *testing.T, snap *Snapshot) *harness {
	t.Helper()
	h := &harness{
		source:  &StaticSource{Snapshot: snap},
		sink:    &MemorySink{},
		invoker: &fakeInvoker{fns: map[string]func(invoke.Call) (string, error){}},
		out:     &capture{},
		log:     notify.NewMemoryLog(),
	}
	dir := notify.NewMemoryDirectory(
		notify.Recipient{ID: "m1", Name: "Meera", Endpoints: []notify.Endpoint{{Channel: notify.ChannelTelegram, Address: "999"}}},
		notify.Recipient{ID: "oncall", Name: "On call", Endpoints: []notify.Endpoint{{Channel: notify.ChannelEmail, Address: "oncall@example.com"}}},
	)
	dispatcher, err := notify.NewDispatcher(config.DispatchConfig{MaxAttempts: 1},
		[]notify.Transport{h.out.transport(notify.ChannelTelegram), h.out.transport(notify.ChannelEmail)},
		h.log, notify.WithDirectory(dir))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	d, err := New(config.EngineConfig{
		Deadline:          time.Minute,
		BatchSize:         2,
		MaxParallel:       2,
		StaleWarningDays:  7,
		StaleCriticalDays: 14,
	}, Deps{Source: h.source, Sink: h.sink, Invoker: h.invoker, Dispatcher: dispatcher, Directory: dir})
	if err != nil {
		t.Fatalf("new daily: %v", err)
	}
	h.runner = &Runner{
		Daily:    d,
		Evidence: &evidence.Recorder{BaseDir: t.TempDir()},
		Now:      func() time.Time { return testNow },
	}
	return h
}

func stageStatus(t *testing.T, run *pipeline.Run, name string) pipeline.StageResult {
	t.Helper()
	res, ok := run.Stage(name)
	if !ok {
		t.Fatalf("stage %s missing from run", name)
	}
	return res
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

func TestDailyRunDeliversBriefsAndEscalatesCriticalStale(t *testing.T) {
	h := newHarness(t, testSnapshot())
	h.invoker.fns[TaskAnomalyDetection] = func(invoke.Call) (string, error) {
		return `[{"type":"activity_drop","severity":"warning","rep_id":"r1","description":"Asha is down 40%"},
			{"type":"made_up","severity":"critical","description":"ignored"}]`, nil
	}
	store, err := archive.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	h.runner.Archive = archive.New(store)

	res, err := h.runner.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	run := res.Run
	if run.Status != pipeline.RunSuccess {
		t.Fatalf("expected success, got %s: %+v", run.Status, run.Stages)
	}

	lists, _ := pipeline.Get[map[string][]ScoredLead](run.State, "priority_lists")
	if got := len(lists[Unassigned]); got != 2 {
		t.Fatalf("expected 2 unassigned leads, got %d", got)
	}
	if got := len(lists["r1"]); got != 2 {
		t.Fatalf("expected 2 leads for r1, got %d", got)
	}

	anomalies, _ := pipeline.Get[[]Anomaly](run.State, "anomalies")
	if len(anomalies) != 1 || anomalies[0].RepID != "r1" {
		t.Fatalf("expected one valid anomaly, got %+v", anomalies)
	}

	stale, _ := pipeline.Get[[]StaleLead](run.State, "stale_leads")
	if len(stale) != 2 || stale[0].LeadID != "L3" || stale[0].Severity != notify.SeverityCritical || stale[0].DaysStale != 30 {
		t.Fatalf("unexpected stale leads %+v", stale)
	}

	if got := h.out.to("111"); len(got) != 1 || !strings.HasPrefix(got[0].msg.Subject, "Your morning brief") {
		t.Fatalf("expected one brief to r1, got %+v", got)
	}
	// r2 gets the brief on telegram only (first success) and the alert on both channels.
	if got := h.out.to("222"); len(got) != 2 {
		t.Fatalf("expected brief and alert on r2 telegram, got %d", len(got))
	}
	if got := h.out.to("ravi@example.com"); len(got) != 1 || got[0].msg.Severity != notify.SeverityCritical {
		t.Fatalf("expected only the critical alert by email, got %+v", got)
	}
	escalated := h.out.to("999")
	if len(escalated) != 1 || !strings.HasPrefix(escalated[0].msg.Subject, "[ESCALATED]") {
		t.Fatalf("expected one escalated copy to the manager, got %+v", escalated)
	}

	alerts, _ := pipeline.Get[[]Delivery](run.State, "alert_deliveries")
	if len(alerts) != 1 || alerts[0].RecipientID != "r2" || alerts[0].EscalatedTo != "m1" {
		t.Fatalf("unexpected alert deliveries %+v", alerts)
	}

	saved, ok := h.sink.Last()
	if !ok || len(saved.Scores) != 5 || len(saved.Briefs) != 2 || saved.RunID != run.ID {
		t.Fatalf("unexpected saved results %+v", saved)
	}
	if res.EvidenceDir == "" {
		t.Fatalf("expected evidence dir")
	}
	if _, err := h.runner.Archive.Latest(context.Background(), PipelineID); err != nil {
		t.Fatalf("expected archived briefs: %v", err)
	}
	for _, c := range h.invoker.calls {
		if c.RunID != run.ID {
			t.Fatalf("call %s not correlated with run %s: %q", c.TaskType, run.ID, c.RunID)
		}
	}
}

func TestBriefFallsBackWhenProvidersUnavailable(t *testing.T) {
	h := newHarness(t, testSnapshot())
	h.invoker.fns[TaskBriefGeneration] = func(call invoke.Call) (string, error) {
		return "", &invoke.AllProvidersUnavailableError{TaskType: call.TaskType}
	}

	res, err := h.runner.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.Status != pipeline.RunPartial {
		t.Fatalf("expected partial, got %s", res.Run.Status)
	}
	if st := stageStatus(t, res.Run, "generate_briefs"); st.Status != pipeline.StatusPartial || len(st.Errors) == 0 {
		t.Fatalf("expected partial brief stage, got %+v", st)
	}
	briefs, _ := pipeline.Get[map[string]Brief](res.Run.State, "briefs")
	if !briefs["r1"].Fallback || !strings.HasPrefix(briefs["r1"].Text, "Good morning Asha!") {
		t.Fatalf("expected fallback brief for r1, got %+v", briefs["r1"])
	}
	if got := h.out.to("111"); len(got) != 1 {
		t.Fatalf("fallback brief should still be delivered, got %d", len(got))
	}
}

func TestAnomalyFailureDoesNotBlockBriefs(t *testing.T) {
	h := newHarness(t, testSnapshot())
	h.invoker.fns[TaskAnomalyDetection] = func(invoke.Call) (string, error) {
		return "", errors.New("provider down")
	}

	res, err := h.runner.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := stageStatus(t, res.Run, "detect_anomalies"); st.Status != pipeline.StatusPartial {
		t.Fatalf("expected partial anomalies stage, got %+v", st)
	}
	if st := stageStatus(t, res.Run, "generate_briefs"); st.Status != pipeline.StatusOK {
		t.Fatalf("briefs should still be generated, got %+v", st)
	}
	if st := stageStatus(t, res.Run, "alert_critical"); st.Status != pipeline.StatusOK {
		t.Fatalf("critical stale alert should still run, got %+v", st)
	}
	if res.Run.Status != pipeline.RunPartial {
		t.Fatalf("expected partial run, got %s", res.Run.Status)
	}
}

func TestNoCriticalItemsSkipsAlertStage(t *testing.T) {
	snap := testSnapshot()
	snap.Leads = []Lead{snap.Leads[0], snap.Leads[3]}
	h := newHarness(t, snap)
	h.invoker.fns[TaskAnomalyDetection] = func(invoke.Call) (string, error) { return "[]", nil }

	res, err := h.runner.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	st := stageStatus(t, res.Run, "alert_critical")
	if st.Status != pipeline.StatusSkipped || st.SkipReason != pipeline.SkipConditionFalse {
		t.Fatalf("expected condition skip, got %+v", st)
	}
	if res.Run.Status != pipeline.RunSuccess {
		t.Fatalf("expected success, got %s", res.Run.Status)
	}
	if got := h.out.to("999"); len(got) != 0 {
		t.Fatalf("manager should not be contacted, got %+v", got)
	}
}

func TestUnchangedLeadsAreNotRescored(t *testing.T) {
	snap := testSnapshot()
	l1 := snap.Leads[0]
	snap.Leads[0].Score = &LeadScore{Label: LabelHot, Numeric: 100, Version: l1.Version()}
	h := newHarness(t, snap)

	res, err := h.runner.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, c := range h.invoker.callsFor(TaskScoring) {
		if strings.Contains(c.Prompt, "LEAD #L1:") {
			t.Fatalf("unchanged lead L1 was re-sent")
		}
	}
	scored, _ := pipeline.Get[[]ScoredLead](res.Run.State, "scored_leads")
	if scored[0].Current.Numeric != 100 || scored[0].Pending {
		t.Fatalf("expected carried score for L1, got %+v", scored[0])
	}
	lists, _ := pipeline.Get[map[string][]ScoredLead](res.Run.State, "priority_lists")
	if lists["r1"][0].ID != "L1" {
		t.Fatalf("hot carried lead should rank first, got %s", lists["r1"][0].ID)
	}
}

func TestFailedRunSendsLastGoodBriefs(t *testing.T) {
	h := newHarness(t, testSnapshot())
	store, err := archive.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	h.runner.Archive = archive.New(store)

	if _, err := h.runner.Run(context.Background(), "test"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	h.out.reset()
	h.source.Err = errors.New("database unreachable")

	res, err := h.runner.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Run.Status != pipeline.RunFailed {
		t.Fatalf("expected failed run, got %s", res.Run.Status)
	}
	if len(res.Fallback) != 2 {
		t.Fatalf("expected fallback deliveries to both reps, got %+v", res.Fallback)
	}
	got := h.out.to("111")
	if len(got) != 1 || !strings.HasPrefix(got[0].msg.Subject, "[STALE ") {
		t.Fatalf("expected stale brief to r1, got %+v", got)
	}
}

func TestFailedRunWithoutSnapshotNotifiesFailureRecipients(t *testing.T) {
	h := newHarness(t, testSnapshot())
	h.source.Err = errors.New("database unreachable")
	h.runner.FailureRecipients = []string{"oncall", "nobody"}

	res, err := h.runner.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := h.out.to("oncall@example.com")
	if len(got) != 1 || got[0].msg.Subject != "Daily pipeline failed" {
		t.Fatalf("expected degraded notice, got %+v", got)
	}
	if !strings.Contains(got[0].msg.Body, "fetch_data") {
		t.Fatalf("notice should name the failed stage: %q", got[0].msg.Body)
	}
	found := false
	for _, n := range res.Notes {
		if strings.Contains(n, "nobody") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a note for the unknown recipient, got %v", res.Notes)
	}
}

func TestRankOrder(t *testing.T) {
	mk := func(id, label string, n int) ScoredLead {
		return ScoredLead{Lead: Lead{ID: id}, Current: LeadScore{Label: label, Numeric: n}}
	}
	leads := []ScoredLead{
		mk("c", LabelCold, 30), mk("w", LabelWarm, 50), mk("h2", LabelHot, 85),
		mk("h1", LabelHot, 85), mk("h0", LabelHot, 99), mk("x", "", 0),
	}
	s := &stages{d: &Daily{}}
	out, err := s.rankPriority(context.Background(), pipeline.State{"scored_leads": leads, "reps": []Rep{}})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	lists := out["priority_lists"].(map[string][]ScoredLead)
	var ids []string
	for _, l := range lists[Unassigned] {
		ids = append(ids, l.ID)
	}
	if got := strings.Join(ids, ","); got != "h0,h1,h2,w,c,x" {
		t.Fatalf("unexpected order %s", got)
	}
}

func TestDaysSince(t *testing.T) {
	tests := []struct {
		name string
		last *time.Time
		want int
	}{
		{"never", nil, neverActiveDays},
		{"today", ago(0), 0},
		{"a week", ago(7), 7},
		{"future", func() *time.Time { t := testNow.Add(time.Hour); return &t }(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := daysSince(tt.last, testNow); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestCriticalStaleWithoutOwnerGoesToManagers(t *testing.T) {
	snap := testSnapshot()
	snap.Leads[2].LastActivityAt = ago(1)
	snap.Leads[3].LastActivityAt = ago(20)
	snap.Leads[4].LastActivityAt = ago(25)
	h := newHarness(t, snap)
	h.invoker.fns[TaskAnomalyDetection] = func(invoke.Call) (string, error) { return "[]", nil }

	res, err := h.runner.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := stageStatus(t, res.Run, "alert_critical"); st.Status != pipeline.StatusOK {
		t.Fatalf("expected alert stage ok, got %+v", st)
	}
	got := h.out.to("999")
	if len(got) != 1 || got[0].msg.Severity != notify.SeverityCritical {
		t.Fatalf("expected one critical alert to the manager, got %+v", got)
	}
	for _, company := range []string{"Unclaimed Co", "Orphan Ltd"} {
		if !strings.Contains(got[0].msg.Body, company) {
			t.Fatalf("manager alert should list %s: %q", company, got[0].msg.Body)
		}
	}
	alerts, _ := pipeline.Get[[]Delivery](res.Run.State, "alert_deliveries")
	if len(alerts) != 1 || alerts[0].RecipientID != "m1" {
		t.Fatalf("unexpected alert deliveries %+v", alerts)
	}
}

func TestDeadlineDuringDeliveryOnlyFallsBackForUndelivered(t *testing.T) {
	h := newHarness(t, testSnapshot())
	store, err := archive.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	h.runner.Archive = archive.New(store)
	if _, err := h.runner.Run(context.Background(), "test"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	h.out.reset()
	h.out.hold = func(address string, msg notify.Message) bool {
		return address == "222" && strings.HasPrefix(msg.Subject, "Your morning brief")
	}
	h.runner.Daily.cfg.Deadline = 300 * time.Millisecond
	h.runner.Daily.cfg.GracePeriod = time.Second

	res, err := h.runner.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Run.Status != pipeline.RunFailed || !res.Run.TimedOut {
		t.Fatalf("expected timed-out run, got %s", res.Run.Status)
	}
	if st := stageStatus(t, res.Run, "send_briefs"); st.Status != pipeline.StatusPartial {
		t.Fatalf("send_briefs should keep its deliveries, got %+v", st)
	}
	for _, s := range h.out.to("111") {
		if strings.HasPrefix(s.msg.Subject, "[STALE ") {
			t.Fatalf("r1 already had today's brief and got a stale copy")
		}
	}
	if len(res.Fallback) != 1 || res.Fallback[0].RecipientID != "r2" {
		t.Fatalf("expected a stale brief for r2 only, got %+v", res.Fallback)
	}
	stale := 0
	for _, s := range h.out.to("222") {
		if strings.HasPrefix(s.msg.Subject, "[STALE ") {
			stale++
		}
	}
	if stale != 1 {
		t.Fatalf("expected one stale brief on r2 telegram, got %d", stale)
	}
}

func TestPastClockDoesNotExpireTheRun(t *testing.T) {
	h := newHarness(t, testSnapshot())
	h.runner.Now = func() time.Time { return time.Date(2001, 1, 1, 6, 0, 0, 0, time.UTC) }

	res, err := h.runner.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.TimedOut || !res.Run.Deadline.After(time.Now()) {
		t.Fatalf("deadline must follow the wall clock, got %s (timed out %v)", res.Run.Deadline, res.Run.TimedOut)
	}
	asOf, _ := pipeline.Get[time.Time](res.Run.State, "as_of")
	if asOf.Year() != 2001 {
		t.Fatalf("as_of should come from the injected clock, got %s", asOf)
	}
}
