package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zen-systems/salesflow/pkg/config"
)

// Transport sends a message to one address on one channel.
type Transport interface {
	Channel() string
	Send(ctx context.Context, address string, msg Message) error
}

// Directory resolves recipients by id. It is read-only from the dispatcher's side.
type Directory interface {
	Recipient(ctx context.Context, id string) (Recipient, error)
}

// Log is the append-only delivery audit trail.
type Log interface {
	AppendAttempts(ctx context.Context, attempts []DeliveryAttempt) error
	AppendEscalation(ctx context.Context, event EscalationEvent) error
}

// Dispatcher fans messages out to channel transports. It is safe for concurrent use.
type Dispatcher struct {
	cfg        config.DispatchConfig
	transports map[string]Transport
	directory  Directory
	log        Log
	logger     func(format string, args ...any)
	now        func() time.Time
	wait       func(ctx context.Context, d time.Duration) error

	attempts    metric.Int64Counter
	escalations metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the warning logger.
func WithLogger(logger func(format string, args ...any)) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDirectory sets the directory used to resolve superiors for escalation.
func WithDirectory(dir Directory) Option {
	return func(d *Dispatcher) {
		d.directory = dir
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher registers transports by channel name. log may be nil.
func NewDispatcher(cfg config.DispatchConfig, transports []Transport, log Log, opts ...Option) (*Dispatcher, error) {
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1, got %d", cfg.MaxAttempts)
	}
	byChannel := make(map[string]Transport, len(transports))
	for _, t := range transports {
		if _, dup := byChannel[t.Channel()]; dup {
			return nil, fmt.Errorf("duplicate transport for channel %q", t.Channel())
		}
		byChannel[t.Channel()] = t
	}

	meter := otel.Meter("github.com/zen-systems/salesflow/pkg/notify")
	attempts, err := meter.Int64Counter("salesflow.delivery.attempts",
		metric.WithDescription("Delivery attempts by channel and outcome"))
	if err != nil {
		return nil, err
	}
	escalations, err := meter.Int64Counter("salesflow.escalations",
		metric.WithDescription("Critical messages escalated to a superior"))
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:         cfg,
		transports:  byChannel,
		log:         log,
		now:         time.Now,
		wait:        sleepCtx,
		attempts:    attempts,
		escalations: escalations,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch sends msg to recipient according to mode. Critical messages to a
// recipient with a superior are escalated exactly once, whatever the outcome
// of the primary delivery. The report is returned even when delivery failed;
// the error then matches ErrUndelivered or ErrNoChannels.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, recipient Recipient, mode Mode) (*Report, error) {
	return d.dispatch(ctx, msg, recipient, mode, true)
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message, recipient Recipient, mode Mode, escalate bool) (*Report, error) {
	if recipient.ID == "" {
		return nil, errors.New("recipient id is required")
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}

	report := &Report{MessageID: msg.ID, RecipientID: recipient.ID, Mode: mode}
	endpoints := recipient.Enabled()
	hash := msg.Hash()
	switch mode {
	case ModeAll:
		report.Attempts = d.sendAll(ctx, msg, hash, recipient.ID, endpoints)
	case ModeFirstSuccess:
		report.Attempts = d.sendFirstSuccess(ctx, msg, hash, recipient.ID, endpoints)
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", mode)
	}

	if d.log != nil && len(report.Attempts) > 0 {
		if err := d.log.AppendAttempts(context.WithoutCancel(ctx), report.Attempts); err != nil {
			d.logf("notify: failed to persist %d delivery attempts for %s: %v", len(report.Attempts), msg.ID, err)
		}
	}

	if escalate && msg.Severity == SeverityCritical && recipient.SuperiorID != "" {
		d.escalate(ctx, msg, recipient, report)
	}

	if len(endpoints) == 0 {
		d.logf("notify: recipient %s has no enabled channels", recipient.ID)
		return report, fmt.Errorf("recipient %s: %w", recipient.ID, ErrNoChannels)
	}
	if !report.Delivered() {
		failures := make([]string, 0, len(report.Attempts))
		for _, a := range report.Attempts {
			failures = append(failures, a.Error)
		}
		return report, &UndeliveredError{RecipientID: recipient.ID, Failures: failures}
	}
	return report, nil
}

// sendAll runs every endpoint concurrently. Attempts are returned grouped by
// endpoint in priority order.
func (d *Dispatcher) sendAll(ctx context.Context, msg Message, hash, recipientID string, endpoints []Endpoint) []DeliveryAttempt {
	perEndpoint := make([][]DeliveryAttempt, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			perEndpoint[i] = d.deliverWithRetry(ctx, msg, hash, recipientID, ep)
		}()
	}
	wg.Wait()

	var out []DeliveryAttempt
	for _, attempts := range perEndpoint {
		out = append(out, attempts...)
	}
	return out
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, msg Message, hash, recipientID string, ep Endpoint) []DeliveryAttempt {
	var out []DeliveryAttempt
	for retry := 0; retry < d.cfg.MaxAttempts; retry++ {
		if retry > 0 {
			if err := d.wait(ctx, d.cfg.RetryInterval()); err != nil {
				break
			}
		}
		att := d.send(ctx, msg, hash, recipientID, ep, retry)
		out = append(out, att)
		if att.Success || att.Permanent {
			break
		}
		if retry+1 < d.cfg.MaxAttempts {
			d.logf("notify: %s to %s failed transiently, retrying: %s", ep.Channel, recipientID, att.Error)
		}
	}
	return out
}

// sendFirstSuccess tries endpoints in priority order. Endpoints that failed
// transiently are retried in later rounds, still in priority order.
func (d *Dispatcher) sendFirstSuccess(ctx context.Context, msg Message, hash, recipientID string, endpoints []Endpoint) []DeliveryAttempt {
	var out []DeliveryAttempt
	candidates := endpoints
	for round := 0; round < d.cfg.MaxAttempts && len(candidates) > 0; round++ {
		if round > 0 {
			if err := d.wait(ctx, d.cfg.RetryInterval()); err != nil {
				break
			}
			d.logf("notify: retrying %d channel(s) for %s (round %d)", len(candidates), recipientID, round+1)
		}
		var transient []Endpoint
		for _, ep := range candidates {
			if ctx.Err() != nil {
				return out
			}
			att := d.send(ctx, msg, hash, recipientID, ep, round)
			out = append(out, att)
			if att.Success {
				return out
			}
			if !att.Permanent {
				transient = append(transient, ep)
			}
		}
		candidates = transient
	}
	return out
}

func (d *Dispatcher) send(ctx context.Context, msg Message, hash, recipientID string, ep Endpoint, retry int) DeliveryAttempt {
	att := DeliveryAttempt{
		ID:          ulid.Make().String(),
		MessageID:   msg.ID,
		Channel:     ep.Channel,
		RecipientID: recipientID,
		MessageHash: hash,
		Timestamp:   d.now().UTC(),
		Retry:       retry,
	}

	var err error
	if t, ok := d.transports[ep.Channel]; ok {
		sctx, cancel := ctx, context.CancelFunc(func() {})
		if d.cfg.SendTimeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		}
		err = t.Send(sctx, ep.Address, msg)
		cancel()
	} else {
		err = &DeliveryError{Channel: ep.Channel, Permanent: true, Err: ErrNoTransport}
	}

	outcome := "success"
	if err != nil {
		att.Error = err.Error()
		att.Permanent = IsPermanent(err)
		outcome = "transient"
		if att.Permanent {
			outcome = "permanent"
			d.logf("notify: %s to %s failed permanently: %v", ep.Channel, recipientID, err)
		}
	} else {
		att.Success = true
	}
	d.attempts.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("channel", ep.Channel),
		attribute.String("outcome", outcome),
	))
	return att
}

func (d *Dispatcher) escalate(ctx context.Context, msg Message, recipient Recipient, report *Report) {
	if d.directory == nil {
		report.EscalationError = "no directory configured"
		d.logf("notify: cannot escalate %s: no directory configured", msg.ID)
		return
	}
	superior, err := d.directory.Recipient(ctx, recipient.SuperiorID)
	if err != nil {
		report.EscalationError = err.Error()
		d.logf("notify: cannot escalate %s to %s: %v", msg.ID, recipient.SuperiorID, err)
		return
	}

	escalated := Message{
		ID:         ulid.Make().String(),
		Severity:   msg.Severity,
		Subject:    "[ESCALATED] " + msg.Subject,
		Body:       fmt.Sprintf("Escalated from %s.\n\n%s", displayName(recipient), msg.Body),
		EntityID:   msg.EntityID,
		OriginalID: msg.ID,
	}
	event := EscalationEvent{
		ID:                ulid.Make().String(),
		SourceRecipientID: recipient.ID,
		TargetRecipientID: superior.ID,
		MessageID:         escalated.ID,
		OriginalMessageID: msg.ID,
		Timestamp:         d.now().UTC(),
	}
	if len(report.Attempts) > 0 {
		event.SourceAttemptID = report.Attempts[0].ID
	}
	report.Escalation = &event
	d.escalations.Add(context.WithoutCancel(ctx), 1)
	if d.log != nil {
		if err := d.log.AppendEscalation(context.WithoutCancel(ctx), event); err != nil {
			d.logf("notify: failed to persist escalation %s: %v", event.ID, err)
		}
	}

	// The superior's own superior is never contacted.
	sub, err := d.dispatch(ctx, escalated, superior, ModeAll, false)
	if err != nil {
		d.logf("notify: escalation %s to %s: %v", event.ID, superior.ID, err)
	}
	report.Escalated = sub
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger(format, args...)
	}
}

func displayName(r Recipient) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
