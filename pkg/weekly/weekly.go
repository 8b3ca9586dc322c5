// Package weekly writes the Monday sales report: pipeline, team and source
// metrics for the week, a model-written analysis, and delivery to the
// founders and managers.
package weekly

import (
	_ "embed"
	"fmt"

	"github.com/zen-systems/salesflow/pkg/config"
	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/notify"
	"github.com/zen-systems/salesflow/pkg/pipeline"
	"github.com/zen-systems/salesflow/pkg/scorer"
)

//go:embed pipeline.yaml
var manifestYAML []byte

// PipelineID names the weekly pipeline in evidence.
const PipelineID = "weekly"

// TaskWeeklyReport is the task type of the report call.
const TaskWeeklyReport = "weekly_report"

// RequiredTaskTypes must be mapped in the model table.
var RequiredTaskTypes = []string{TaskWeeklyReport}

// Manifest returns the embedded pipeline manifest.
func Manifest() (*pipeline.Manifest, error) {
	return pipeline.ParseManifest(manifestYAML)
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Source     daily.LeadSource
	Store      ReportStore
	Invoker    scorer.Invoker
	Dispatcher daily.Dispatcher
	// Directory resolves report recipients that are not reps.
	Directory notify.Directory
	Logger    func(format string, args ...any)
}

// Weekly builds executable weekly report pipelines.
type Weekly struct {
	cfg        config.EngineConfig
	manifest   *pipeline.Manifest
	source     daily.LeadSource
	store      ReportStore
	invoker    scorer.Invoker
	dispatcher daily.Dispatcher
	directory  notify.Directory
	logger     func(format string, args ...any)
}

// New checks the dependencies and the pipeline graph.
func New(cfg config.EngineConfig, deps Deps) (*Weekly, error) {
	var missing []string
	if deps.Source == nil {
		missing = append(missing, "source")
	}
	if deps.Store == nil {
		missing = append(missing, "store")
	}
	if deps.Invoker == nil {
		missing = append(missing, "invoker")
	}
	if deps.Dispatcher == nil {
		missing = append(missing, "dispatcher")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("weekly: missing dependencies: %v", missing)
	}
	if deps.Directory == nil {
		deps.Directory = notify.NewMemoryDirectory()
	}
	if cfg.StaleWarningDays <= 0 {
		cfg.StaleWarningDays = 7
	}
	m, err := Manifest()
	if err != nil {
		return nil, err
	}
	w := &Weekly{
		cfg:        cfg,
		manifest:   m,
		source:     deps.Source,
		store:      deps.Store,
		invoker:    deps.Invoker,
		dispatcher: deps.Dispatcher,
		directory:  deps.Directory,
		logger:     deps.Logger,
	}
	if _, err := w.Build(nil); err != nil {
		return nil, err
	}
	return w, nil
}

// Build binds the stages for one run.
func (w *Weekly) Build(budget *invoke.Budget, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	s := &stages{w: w, budget: budget}
	def, err := w.manifest.Bind(s.funcs(), nil)
	if err != nil {
		return nil, err
	}
	if w.logger != nil {
		opts = append([]pipeline.Option{pipeline.WithLogger(w.logger)}, opts...)
	}
	if w.cfg.GracePeriod > 0 {
		opts = append([]pipeline.Option{pipeline.WithGracePeriod(w.cfg.GracePeriod)}, opts...)
	}
	return pipeline.Build(def, opts...)
}

func (w *Weekly) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger(format, args...)
	}
}
