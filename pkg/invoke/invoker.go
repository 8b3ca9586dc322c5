// Package invoke calls reasoning capabilities through a primary/fallback
// chain and accounts for every attempt in the usage ledger.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zen-systems/salesflow/pkg/adapter"
	"github.com/zen-systems/salesflow/pkg/config"
	"github.com/zen-systems/salesflow/pkg/ledger"
)

const maxErrorLen = 500

// Recorder receives one usage record per attempt. Record must not block.
type Recorder interface {
	Record(rec ledger.UsageRecord)
}

// Call is one logical invocation.
type Call struct {
	TaskType  string
	System    string
	Prompt    string
	MaxTokens int
	// EntityID and RunID correlate the usage records.
	EntityID string
	RunID    string
	// Timeout overrides the table's per-attempt timeout when positive.
	Timeout time.Duration
	// Budget, when set, is checked before and charged after each attempt.
	Budget *Budget
}

// Result is the successful outcome of an invocation.
type Result struct {
	Content      string
	Capability   config.Endpoint
	FallbackUsed bool
	Usage        adapter.Usage
	CostUSD      float64
	Attempts     []ledger.UsageRecord
}

// Invoker is the resilience layer. It is safe for concurrent use.
type Invoker struct {
	table    *config.ModelTable
	adapters map[string]adapter.Adapter
	recorder Recorder
	logger   func(format string, args ...any)
	now      func() time.Time

	attempts metric.Int64Counter
	cost     metric.Float64Counter
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithLogger sets the warning logger.
func WithLogger(logger func(format string, args ...any)) Option {
	return func(i *Invoker) {
		i.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Invoker) {
		i.now = now
	}
}

// New validates the model table against the required task types and the
// registered adapters. Any gap is a startup error.
func New(table *config.ModelTable, adapters map[string]adapter.Adapter, recorder Recorder, required []string, opts ...Option) (*Invoker, error) {
	if table == nil {
		return nil, errors.New("model table is required")
	}
	if recorder == nil {
		return nil, errors.New("usage recorder is required")
	}
	if err := table.Validate(required...); err != nil {
		return nil, fmt.Errorf("invalid model table: %w", err)
	}
	var missing []string
	for _, e := range table.Endpoints() {
		if _, ok := adapters[e.Adapter]; !ok {
			missing = append(missing, e.String())
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no adapter registered for %s", strings.Join(missing, ", "))
	}

	meter := otel.Meter("github.com/zen-systems/salesflow/pkg/invoke")
	attempts, err := meter.Int64Counter("salesflow.model.attempts",
		metric.WithDescription("Model call attempts by task type, capability and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create attempts counter: %w", err)
	}
	cost, err := meter.Float64Counter("salesflow.model.cost_usd",
		metric.WithDescription("Estimated model spend"), metric.WithUnit("USD"))
	if err != nil {
		return nil, fmt.Errorf("create cost counter: %w", err)
	}

	inv := &Invoker{
		table:    table,
		adapters: adapters,
		recorder: recorder,
		now:      time.Now,
		attempts: attempts,
		cost:     cost,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv, nil
}

// Invoke calls the primary capability once and, on any failure, the
// fallback once. Every attempt produces exactly one usage record.
func (i *Invoker) Invoke(ctx context.Context, call Call) (*Result, error) {
	route, ok := i.table.Route(call.TaskType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, call.TaskType)
	}
	timeout := route.Timeout
	if call.Timeout > 0 {
		timeout = call.Timeout
	}

	var failures []AttemptFailure
	var records []ledger.UsageRecord
	for idx, endpoint := range route.Chain() {
		if idx > 0 && ctx.Err() != nil {
			// The caller gave up; a fallback attempt would be cancelled immediately.
			return nil, fmt.Errorf("invoke %s: %w", call.TaskType, ctx.Err())
		}
		if err := call.Budget.check(); err != nil {
			return nil, fmt.Errorf("invoke %s: %w", call.TaskType, err)
		}

		resp, rec, err := i.attempt(ctx, call, endpoint, idx+1, timeout)
		i.recorder.Record(rec)
		records = append(records, rec)
		call.Budget.charge(rec.CostUSD)
		i.observe(ctx, call.TaskType, endpoint, rec)

		if err == nil {
			if idx > 0 {
				i.logf("invoke: %s served by fallback %s", call.TaskType, endpoint)
			}
			return &Result{
				Content:      resp.Content,
				Capability:   endpoint,
				FallbackUsed: idx > 0,
				Usage:        resp.UsageOrZero(),
				CostUSD:      rec.CostUSD,
				Attempts:     records,
			}, nil
		}

		failures = append(failures, AttemptFailure{Capability: endpoint.String(), Class: rec.FailureClass, Err: err})
		if rec.FailureClass == adapter.FailureRateLimited {
			i.logf("invoke: %s rate limited on %s (status %d)", call.TaskType, endpoint, rec.Status)
		} else {
			i.logf("invoke: %s attempt %d on %s failed (%s): %v", call.TaskType, idx+1, endpoint, rec.FailureClass, err)
		}
	}

	return nil, &AllProvidersUnavailableError{TaskType: call.TaskType, Failures: failures}
}

func (i *Invoker) attempt(ctx context.Context, call Call, endpoint config.Endpoint, attempt int, timeout time.Duration) (*adapter.Response, ledger.UsageRecord, error) {
	rec := ledger.UsageRecord{
		RunID:      call.RunID,
		TaskType:   call.TaskType,
		Capability: endpoint.String(),
		Attempt:    attempt,
		EntityID:   call.EntityID,
	}

	impl := i.adapters[endpoint.Adapter]
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := i.now()
	resp, err := impl.Generate(actx, adapter.Request{
		Model:     endpoint.Model,
		System:    call.System,
		Prompt:    call.Prompt,
		MaxTokens: call.MaxTokens,
	})
	rec.DurationMS = i.now().Sub(start).Milliseconds()
	rec.Timestamp = start.UTC()

	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = adapter.ErrEmptyResponse
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("attempt timed out after %s: %w", timeout, err)
		}
		rec.Error = truncate(err.Error(), maxErrorLen)
		rec.Status = adapter.StatusOf(err)
		rec.FailureClass = adapter.Classify(err)
		rec.Transient = adapter.IsTransient(err)
		if resp != nil {
			usage := resp.UsageOrZero()
			rec.InputTokens, rec.OutputTokens = usage.PromptTokens, usage.CompletionTokens
		}
		return nil, rec, err
	}

	usage := resp.UsageOrZero()
	rec.Success = true
	rec.InputTokens = usage.PromptTokens
	rec.OutputTokens = usage.CompletionTokens
	if pricing, ok := i.table.Pricing.Lookup(endpoint); ok {
		rec.CostUSD = pricing.Cost(usage.PromptTokens, usage.CompletionTokens)
	} else {
		i.logf("invoke: no pricing for %s, recording zero cost", endpoint)
	}
	return resp, rec, nil
}

func (i *Invoker) observe(ctx context.Context, taskType string, endpoint config.Endpoint, rec ledger.UsageRecord) {
	outcome := "success"
	if !rec.Success {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("capability", endpoint.String()),
		attribute.String("outcome", outcome),
	)
	// Metrics are recorded on a context that outlives cancellation of ctx.
	mctx := context.WithoutCancel(ctx)
	i.attempts.Add(mctx, 1, attrs)
	if rec.CostUSD > 0 {
		i.cost.Add(mctx, rec.CostUSD, attrs)
	}
}

func (i *Invoker) logf(format string, args ...any) {
	if i.logger != nil {
		i.logger(format, args...)
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
