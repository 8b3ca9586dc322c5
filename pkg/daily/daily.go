package daily

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/zen-systems/salesflow/pkg/config"
	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/notify"
	"github.com/zen-systems/salesflow/pkg/pipeline"
	"github.com/zen-systems/salesflow/pkg/scorer"
)

//go:embed pipeline.yaml
var manifestYAML []byte

// Manifest returns the embedded pipeline manifest.
func Manifest() (*pipeline.Manifest, error) {
	return pipeline.ParseManifest(manifestYAML)
}

// Dispatcher delivers messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg notify.Message, recipient notify.Recipient, mode notify.Mode) (*notify.Report, error)
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Source     LeadSource
	Sink       LeadSink
	Invoker    scorer.Invoker
	Dispatcher Dispatcher
	// Directory resolves managers for team-wide alerts.
	Directory notify.Directory
	Logger    func(format string, args ...any)
}

// Daily builds executable daily pipelines.
type Daily struct {
	cfg        config.EngineConfig
	manifest   *pipeline.Manifest
	source     LeadSource
	sink       LeadSink
	invoker    scorer.Invoker
	dispatcher Dispatcher
	directory  notify.Directory
	logger     func(format string, args ...any)
}

// New checks the dependencies and the pipeline graph.
func New(cfg config.EngineConfig, deps Deps) (*Daily, error) {
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
	if deps.Dispatcher == nil {
		missing = append(missing, "dispatcher")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("daily: missing dependencies: %v", missing)
	}
	if deps.Directory == nil {
		deps.Directory = notify.NewMemoryDirectory()
	}
	if cfg.StaleWarningDays <= 0 {
		cfg.StaleWarningDays = 7
	}
	if cfg.StaleCriticalDays < cfg.StaleWarningDays {
		cfg.StaleCriticalDays = 2 * cfg.StaleWarningDays
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = scorer.DefaultBatchSize
	}

	m, err := Manifest()
	if err != nil {
		return nil, err
	}
	d := &Daily{
		cfg:        cfg,
		manifest:   m,
		source:     deps.Source,
		sink:       deps.Sink,
		invoker:    deps.Invoker,
		dispatcher: deps.Dispatcher,
		directory:  deps.Directory,
		logger:     deps.Logger,
	}
	if _, err := d.Build(nil); err != nil {
		return nil, err
	}
	return d, nil
}

// Build binds the stages for one run. All calls of the run share budget.
func (d *Daily) Build(budget *invoke.Budget, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	s := &stages{d: d, budget: budget}
	def, err := d.manifest.Bind(s.funcs(), conditions())
	if err != nil {
		return nil, err
	}
	if d.logger != nil {
		opts = append([]pipeline.Option{pipeline.WithLogger(d.logger)}, opts...)
	}
	if d.cfg.GracePeriod > 0 {
		opts = append([]pipeline.Option{pipeline.WithGracePeriod(d.cfg.GracePeriod)}, opts...)
	}
	return pipeline.Build(def, opts...)
}

// deliver dispatches msg and summarises the report.
func (d *Daily) deliver(ctx context.Context, msg notify.Message, r notify.Recipient, mode notify.Mode) (Delivery, error) {
	return Deliver(ctx, d.dispatcher, msg, r, mode, d.logf)
}

// Deliver dispatches msg to r and summarises the report. Escalation
// problems and recipients without channels are logged through logf.
func Deliver(ctx context.Context, dispatcher Dispatcher, msg notify.Message, r notify.Recipient, mode notify.Mode, logf func(format string, args ...any)) (Delivery, error) {
	out := Delivery{RecipientID: r.ID, MessageID: msg.ID, Severity: msg.Severity}
	report, err := dispatcher.Dispatch(ctx, msg, r, mode)
	if report != nil {
		out.Delivered = report.Delivered()
		out.Channels = report.DeliveredChannels()
		if report.Escalation != nil {
			out.EscalatedTo = report.Escalation.TargetRecipientID
		}
		if report.EscalationError != "" {
			logf("deliver: escalation for %s: %s", r.ID, report.EscalationError)
		}
	}
	if err != nil {
		out.Error = err.Error()
		if errors.Is(err, notify.ErrNoChannels) {
			logf("deliver: %s has no enabled channels", r.ID)
		}
		return out, fmt.Errorf("deliver to %s: %w", r.ID, err)
	}
	return out, nil
}

func (d *Daily) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger(format, args...)
	}
}
