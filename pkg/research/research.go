package research

import (
	_ "embed"
	"fmt"

	"github.com/zen-systems/salesflow/pkg/config"
	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/pipeline"
	"github.com/zen-systems/salesflow/pkg/scorer"
)

//go:embed pipeline.yaml
var manifestYAML []byte

// PipelineID names the research pipeline in evidence.
const PipelineID = "research"

// TaskResearch is the task type of every model call the pipeline makes.
const TaskResearch = "research"

// RequiredTaskTypes must be mapped in the model table.
var RequiredTaskTypes = []string{TaskResearch}

// Manifest returns the embedded pipeline manifest.
func Manifest() (*pipeline.Manifest, error) {
	return pipeline.ParseManifest(manifestYAML)
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Source  Source
	Sink    Sink
	Invoker scorer.Invoker
	Logger  func(format string, args ...any)
}

// Research builds executable research pipelines.
type Research struct {
	cfg      config.EngineConfig
	manifest *pipeline.Manifest
	source   Source
	sink     Sink
	invoker  scorer.Invoker
	logger   func(format string, args ...any)
}

// New checks the dependencies and the pipeline graph.
func New(cfg config.EngineConfig, deps Deps) (*Research, error) {
	var missing []string
	if deps.Source == nil {
		missing = append(missing, "source")
	}
	if deps.Sink == nil {
		missing = append(missing, "sink")
	}
	if deps.Invoker == nil {
		missing = append(missing, "invoker")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("research: missing dependencies: %v", missing)
	}
	m, err := Manifest()
	if err != nil {
		return nil, err
	}
	r := &Research{
		cfg:      cfg,
		manifest: m,
		source:   deps.Source,
		sink:     deps.Sink,
		invoker:  deps.Invoker,
		logger:   deps.Logger,
	}
	if _, err := r.Build(nil); err != nil {
		return nil, err
	}
	return r, nil
}

// Build binds the stages for one run.
func (r *Research) Build(budget *invoke.Budget, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	s := &stages{r: r, budget: budget}
	def, err := r.manifest.Bind(s.funcs(), nil)
	if err != nil {
		return nil, err
	}
	if r.logger != nil {
		opts = append([]pipeline.Option{pipeline.WithLogger(r.logger)}, opts...)
	}
	if r.cfg.GracePeriod > 0 {
		opts = append([]pipeline.Option{pipeline.WithGracePeriod(r.cfg.GracePeriod)}, opts...)
	}
	return pipeline.Build(def, opts...)
}

func (r *Research) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger(format, args...)
	}
}
