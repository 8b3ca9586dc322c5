package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the shared execution state of one run. Stages receive a copy
// limited to the run inputs and the fields written by their ancestors.
type State map[string]any

// Clone returns a shallow copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Get returns s[key] as T.
func Get[T any](s State, key string) (T, bool) {
	v, ok := s[key].(T)
	return v, ok
}

// StageFunc does the work of one stage and returns the patch to merge. The
// patch may only contain fields the stage declares in Writes.
type StageFunc func(ctx context.Context, in State) (State, error)

// Condition decides whether an edge is taken, given the state visible to
// the edge's source stage after it completed.
type Condition func(State) bool

// Stage is one node of the graph.
type Stage struct {
	Name   string
	Reads  []string
	Writes []string
	// ContinueOnError records a failure as partial with an empty patch.
	ContinueOnError bool
	Run             StageFunc
}

// Edge orders two stages. A nil When is always taken.
type Edge struct {
	From string
	To   string
	When Condition
	// Label names the condition in diagnostics and evidence.
	Label string
}

// Status of a stage.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Skip reasons.
const (
	SkipUpstreamFailed = "upstream_failed"
	SkipConditionFalse = "condition_false"
	SkipDeadline       = "deadline"
	SkipCancelled      = "cancelled"
)

// StageResult is the outcome of one stage.
type StageResult struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	SkipReason string    `json:"skip_reason,omitempty"`
	Patch      State     `json:"-"`
	Written    []string  `json:"written,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Err        error     `json:"-"`
}

// Duration is the wall time the stage ran.
func (r StageResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// completed reports whether the stage produced its output.
func (r StageResult) completed() bool {
	return r.Status == StatusOK || r.Status == StatusPartial
}

// blocked reports whether dependents must be skipped.
func (r StageResult) blocked() bool {
	return r.Status == StatusFailed ||
		(r.Status == StatusSkipped && r.SkipReason != SkipConditionFalse)
}

// StageError is a failure scoped to one stage. It never aborts independent branches.
type StageError struct {
	Stage string
	Err   error
	// Panic is set when the stage panicked.
	Panic bool
}

func (e *StageError) Error() string {
	if e.Panic {
		return fmt.Sprintf("stage %s panicked: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// TimeoutError marks stages cut off by the run deadline.
type TimeoutError struct {
	Stage    string
	Deadline time.Time
}

func (e *TimeoutError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("run deadline %s exceeded", e.Deadline.Format(time.RFC3339))
	}
	return fmt.Sprintf("stage %s cancelled at run deadline %s", e.Stage, e.Deadline.Format(time.RFC3339))
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// PartialError lets a stage keep its patch while reporting non-fatal errors.
// The stage is recorded as partial.
type PartialError struct {
	Errs []error
}

// Partial wraps non-fatal errors. It returns nil when errs is empty.
func Partial(errs ...error) error {
	var kept []error
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &PartialError{Errs: kept}
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("partial: %v", errors.Join(e.Errs...))
}

func (e *PartialError) Unwrap() []error {
	return e.Errs
}
