package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zen-systems/salesflow/pkg/notify"
)

// DeliveryLog implements notify.Log and notify.Reader.
type DeliveryLog struct {
	db DB
}

// NewDeliveryLog returns a delivery log over db.
func NewDeliveryLog(db DB) *DeliveryLog {
	return &DeliveryLog{db: db}
}

func (l *DeliveryLog) AppendAttempts(ctx context.Context, attempts []notify.DeliveryAttempt) error {
	b := &pgx.Batch{}
	for _, a := range attempts {
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		b.Queue(`INSERT INTO delivery_attempts
			(id, message_id, channel, recipient_id, message_hash, ts, success, error, permanent, retry)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			id, a.MessageID, a.Channel, a.RecipientID, a.MessageHash, a.Timestamp, a.Success, a.Error, a.Permanent, a.Retry)
	}
	if err := sendBatch(ctx, l.db, b); err != nil {
		return fmt.Errorf("insert delivery attempts: %w", err)
	}
	return nil
}

func (l *DeliveryLog) AppendEscalation(ctx context.Context, e notify.EscalationEvent) error {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := l.db.Exec(ctx, `INSERT INTO escalation_events
		(id, source_attempt_id, source_recipient_id, target_recipient_id, message_id, original_message_id, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		id, e.SourceAttemptID, e.SourceRecipientID, e.TargetRecipientID, e.MessageID, e.OriginalMessageID, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

func (l *DeliveryLog) Attempts(ctx context.Context, q notify.Query) ([]notify.DeliveryAttempt, error) {
	w := &where{}
	w.eq("recipient_id", q.RecipientID)
	w.eq("message_id", q.MessageID)
	w.window("ts", q.Since, q.Until)
	rows, err := l.db.Query(ctx, `SELECT id, message_id, channel, recipient_id, message_hash, ts, success, error, permanent, retry
		FROM delivery_attempts`+w.String()+` ORDER BY ts, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.DeliveryAttempt
	for rows.Next() {
		var a notify.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Channel, &a.RecipientID, &a.MessageHash, &a.Timestamp,
			&a.Success, &a.Error, &a.Permanent, &a.Retry); err != nil {
			return nil, err
		}
		a.Timestamp = a.Timestamp.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (l *DeliveryLog) Escalations(ctx context.Context, q notify.Query) ([]notify.EscalationEvent, error) {
	w := &where{}
	w.or([]string{"source_recipient_id", "target_recipient_id"}, q.RecipientID)
	w.or([]string{"message_id", "original_message_id"}, q.MessageID)
	w.window("ts", q.Since, q.Until)
	rows, err := l.db.Query(ctx, `SELECT id, source_attempt_id, source_recipient_id, target_recipient_id, message_id, original_message_id, ts
		FROM escalation_events`+w.String()+` ORDER BY ts, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.EscalationEvent
	for rows.Next() {
		var e notify.EscalationEvent
		if err := rows.Scan(&e.ID, &e.SourceAttemptID, &e.SourceRecipientID, &e.TargetRecipientID,
			&e.MessageID, &e.OriginalMessageID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
