package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// Run is the immutable record of one execution.
type Run struct {
	ID         string        `json:"id"`
	PipelineID string        `json:"pipeline_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     RunStatus     `json:"status"`
	Deadline   time.Time     `json:"deadline,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	State      State         `json:"-"`
	Stages     []StageResult `json:"stages"`
}

// Stage returns the result for name.
func (r *Run) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

type runIDKey struct{}

// RunID returns the id of the run executing the stage that received ctx.
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// ErrMissingInput is returned when the initial state lacks a declared input.
var ErrMissingInput = errors.New("missing run input")

type stageOutcome struct {
	name     string
	patch    State
	err      error
	panicked bool
	finished time.Time
}

var stageDuration metric.Float64Histogram

func init() {
	h, err := otel.Meter("github.com/zen-systems/salesflow/pkg/pipeline").Float64Histogram(
		"salesflow.stage.duration_ms",
		metric.WithDescription("Stage wall time"),
		metric.WithUnit("ms"),
	)
	if err == nil {
		stageDuration = h
	}
}

// Execute runs the pipeline from initial until every stage has finished or
// been skipped, or the deadline passes. A zero deadline means none. Stages
// whose predecessors have all finished start concurrently; a single
// coordinator merges their patches. The only error is a missing input; stage
// failures are reported in the run.
func (p *Pipeline) Execute(ctx context.Context, initial State, deadline time.Time) (*Run, error) {
	for _, f := range p.def.Inputs {
		if _, ok := initial[f]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, f)
		}
	}

	run := &Run{
		ID:         ulid.Make().String(),
		PipelineID: p.def.ID,
		StartedAt:  p.now().UTC(),
		Deadline:   deadline,
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if deadline.IsZero() {
		runCtx, cancel = context.WithCancel(ctx)
	} else {
		runCtx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()
	runCtx = context.WithValue(runCtx, runIDKey{}, run.ID)

	state := initial.Clone()
	results := make(map[string]*StageResult, len(p.order))
	taken := make(map[string]bool)
	running := make(map[string]time.Time)
	done := make(chan stageOutcome, len(p.order))

	start := func(name string) {
		stage := p.stages[name]
		in := p.view(state, p.scope[name])
		started := p.now().UTC()
		running[name] = started
		p.logf("pipeline %s: starting %s", p.def.ID, name)
		go func() {
			out := stageOutcome{name: name}
			defer func() {
				if r := recover(); r != nil {
					out.patch = nil
					out.err = fmt.Errorf("%v", r)
					out.panicked = true
				}
				out.finished = p.now().UTC()
				done <- out
			}()
			out.patch, out.err = stage.Run(runCtx, in)
		}()
	}

	// schedule starts or skips every pending stage whose predecessors are all settled.
	schedule := func() {
		for _, name := range p.order {
			if results[name] != nil {
				continue
			}
			if _, ok := running[name]; ok {
				continue
			}
			ready, blocked, anyTaken := true, false, false
			for _, e := range p.incoming[name] {
				res := results[e.From]
				if res == nil {
					ready = false
					break
				}
				if res.blocked() {
					blocked = true
				}
				if taken[edgeKey(e)] {
					anyTaken = true
				}
			}
			if !ready {
				continue
			}
			switch {
			case blocked:
				p.settle(run, results, &StageResult{Name: name, Status: StatusSkipped, SkipReason: SkipUpstreamFailed})
				p.logf("pipeline %s: skipping %s (upstream failed)", p.def.ID, name)
			case len(p.incoming[name]) > 0 && !anyTaken:
				p.settle(run, results, &StageResult{Name: name, Status: StatusSkipped, SkipReason: SkipConditionFalse})
				p.logf("pipeline %s: skipping %s (no condition met)", p.def.ID, name)
			default:
				start(name)
			}
		}
	}

	// Skipping may settle further stages, so repeat until nothing changes.
	settleAll := func() {
		for {
			before := len(results) + len(running)
			schedule()
			if len(results)+len(running) == before {
				return
			}
		}
	}

	settleAll()
	for len(running) > 0 {
		select {
		case out := <-done:
			if runCtx.Err() != nil {
				// The run stopped while this stage returned; abort accounts for it.
				done <- out
				p.abort(run, state, results, running, done, runCtx.Err(), deadline)
				return p.finish(run, state, results), nil
			}
			started := running[out.name]
			delete(running, out.name)
			res := p.complete(out, started)
			if res.completed() {
				visible := p.view(state, p.scope[out.name])
				for k, v := range res.Patch {
					visible[k] = v
				}
				var next []string
				var condErr error
				for _, e := range p.outgoing[out.name] {
					ok, err := evalCondition(e, visible)
					if err != nil {
						condErr = err
						break
					}
					if ok {
						next = append(next, edgeKey(e))
					}
				}
				if condErr != nil {
					res = p.conditionFailed(res, condErr)
				} else {
					for k, v := range res.Patch {
						state[k] = v
					}
					for _, k := range next {
						taken[k] = true
					}
				}
			}
			p.settle(run, results, res)
			settleAll()

		case <-runCtx.Done():
			p.abort(run, state, results, running, done, runCtx.Err(), deadline)
			return p.finish(run, state, results), nil
		}
	}

	return p.finish(run, state, results), nil
}

// evalCondition reports whether e is taken. A panicking condition is
// returned as an error.
func evalCondition(e Edge, visible State) (ok bool, err error) {
	if e.When == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			name := e.Label
			if name == "" {
				name = e.From + " -> " + e.To
			}
			err = fmt.Errorf("condition %s panicked: %v", name, r)
		}
	}()
	return e.When(visible), nil
}

// conditionFailed fails the source stage of a broken edge condition and
// drops its patch, so no outgoing edge is taken.
func (p *Pipeline) conditionFailed(res *StageResult, err error) *StageResult {
	res.Status = StatusFailed
	res.Patch = nil
	res.Written = nil
	res.Err = &StageError{Stage: res.Name, Err: err}
	res.Errors = append(res.Errors, res.Err.Error())
	p.logf("pipeline %s: %v", p.def.ID, res.Err)
	return res
}

// complete turns a stage outcome into its result.
func (p *Pipeline) complete(out stageOutcome, started time.Time) *StageResult {
	res := &StageResult{Name: out.name, StartedAt: started, FinishedAt: out.finished}
	stage := p.stages[out.name]

	if out.err == nil {
		for k := range out.patch {
			if !p.writes[out.name][k] {
				out.err = fmt.Errorf("patch writes undeclared field %q", k)
				break
			}
		}
	}

	var partial *PartialError
	switch {
	case out.err == nil:
		res.Status = StatusOK
		res.Patch = out.patch
	case errors.As(out.err, &partial) && !out.panicked:
		res.Status = StatusPartial
		res.Patch = out.patch
		for _, e := range partial.Errs {
			res.Errors = append(res.Errors, e.Error())
		}
		res.Err = out.err
	case stage.ContinueOnError:
		res.Status = StatusPartial
		res.Err = &StageError{Stage: out.name, Err: out.err, Panic: out.panicked}
		res.Errors = []string{res.Err.Error()}
		p.logf("pipeline %s: %v (continuing)", p.def.ID, res.Err)
	default:
		res.Status = StatusFailed
		res.Err = &StageError{Stage: out.name, Err: out.err, Panic: out.panicked}
		res.Errors = []string{res.Err.Error()}
		p.logf("pipeline %s: %v", p.def.ID, res.Err)
	}

	for k := range res.Patch {
		res.Written = append(res.Written, k)
	}
	sort.Strings(res.Written)
	return res
}

// abort handles the run deadline: in-flight stages are cancelled and given
// the grace period to return; pending stages are skipped. A stage that
// returns within the grace period with a clean or partial result keeps its
// patch, recorded as partial because it was cut short.
func (p *Pipeline) abort(run *Run, state State, results map[string]*StageResult, running map[string]time.Time, done chan stageOutcome, cause error, deadline time.Time) {
	run.TimedOut = errors.Is(cause, context.DeadlineExceeded)
	p.logf("pipeline %s: run stopped (%v) with %d stage(s) in flight", p.def.ID, cause, len(running))

	grace := time.NewTimer(p.grace)
	defer grace.Stop()
	for len(running) > 0 {
		select {
		case out := <-done:
			started := running[out.name]
			delete(running, out.name)
			res := p.lateResult(out, started, cause, deadline)
			for k, v := range res.Patch {
				state[k] = v
			}
			p.settle(run, results, res)
		case <-grace.C:
			for name, started := range running {
				p.settle(run, results, p.cutOff(name, started, time.Time{}, cause, deadline))
				p.logf("pipeline %s: %s did not return within the grace period", p.def.ID, name)
			}
			clear(running)
		}
	}

	reason := SkipDeadline
	if !run.TimedOut {
		reason = SkipCancelled
	}
	for _, name := range p.order {
		if results[name] == nil {
			p.settle(run, results, &StageResult{Name: name, Status: StatusSkipped, SkipReason: reason})
		}
	}
}

// lateResult records a stage that returned after the run was stopped.
func (p *Pipeline) lateResult(out stageOutcome, started time.Time, cause error, deadline time.Time) *StageResult {
	var partial *PartialError
	if out.panicked || (out.err != nil && !errors.As(out.err, &partial)) {
		return p.cutOff(out.name, started, out.finished, cause, deadline)
	}
	res := p.complete(out, started)
	if !res.completed() {
		return res
	}
	cut := p.cutOff(out.name, started, out.finished, cause, deadline)
	res.Status = StatusPartial
	res.Errors = append(res.Errors, cut.Errors...)
	res.Err = errors.Join(res.Err, cut.Err)
	p.logf("pipeline %s: %s returned after the run stopped; keeping %v", p.def.ID, out.name, res.Written)
	return res
}

func (p *Pipeline) cutOff(name string, started, finished time.Time, cause error, deadline time.Time) *StageResult {
	err := cause
	if errors.Is(cause, context.DeadlineExceeded) {
		err = &TimeoutError{Stage: name, Deadline: deadline}
	}
	return &StageResult{
		Name:       name,
		Status:     StatusFailed,
		StartedAt:  started,
		FinishedAt: finished,
		Err:        err,
		Errors:     []string{err.Error()},
	}
}

func (p *Pipeline) settle(run *Run, results map[string]*StageResult, res *StageResult) {
	results[res.Name] = res
	if stageDuration != nil && !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
		stageDuration.Record(context.Background(), float64(res.Duration().Milliseconds()), metric.WithAttributes(
			attribute.String("pipeline", run.PipelineID),
			attribute.String("stage", res.Name),
			attribute.String("status", string(res.Status)),
		))
	}
}

// finish freezes the run. Status is failed on timeout, when the entry stage
// failed, or when no terminal stage completed; partial when any stage failed,
// was partial or was skipped because of a failure; success otherwise.
func (p *Pipeline) finish(run *Run, state State, results map[string]*StageResult) *Run {
	run.FinishedAt = p.now().UTC()
	run.State = state
	run.Stages = make([]StageResult, 0, len(p.order))
	for _, name := range p.order {
		run.Stages = append(run.Stages, *results[name])
	}

	degraded := false
	terminalDone := false
	for _, res := range run.Stages {
		if res.Status == StatusPartial || res.blocked() {
			degraded = true
		}
		if p.terminal[res.Name] && (res.completed() || res.SkipReason == SkipConditionFalse) {
			terminalDone = true
		}
	}

	entry := results[p.def.Entry]
	switch {
	case run.TimedOut, entry.Status == StatusFailed, !terminalDone:
		run.Status = RunFailed
	case degraded:
		run.Status = RunPartial
	default:
		run.Status = RunSuccess
	}
	p.logf("pipeline %s: run %s finished with status %s", p.def.ID, run.ID, run.Status)
	return run
}

func edgeKey(e Edge) string {
	return e.From + "\x00" + e.To
}
