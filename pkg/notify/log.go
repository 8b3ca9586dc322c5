package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zen-systems/salesflow/pkg/ndjson"
)

// Query selects delivery records. Zero fields match everything; the window is [Since, Until).
type Query struct {
	RecipientID string
	MessageID   string
	Since       time.Time
	Until       time.Time
}

func (q Query) window(ts time.Time) bool {
	if !q.Since.IsZero() && ts.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !ts.Before(q.Until) {
		return false
	}
	return true
}

// MatchAttempt reports whether a passes the query.
func (q Query) MatchAttempt(a DeliveryAttempt) bool {
	if q.RecipientID != "" && a.RecipientID != q.RecipientID {
		return false
	}
	if q.MessageID != "" && a.MessageID != q.MessageID {
		return false
	}
	return q.window(a.Timestamp)
}

// MatchEscalation reports whether e passes the query. RecipientID matches either side.
func (q Query) MatchEscalation(e EscalationEvent) bool {
	if q.RecipientID != "" && e.SourceRecipientID != q.RecipientID && e.TargetRecipientID != q.RecipientID {
		return false
	}
	if q.MessageID != "" && e.MessageID != q.MessageID && e.OriginalMessageID != q.MessageID {
		return false
	}
	return q.window(e.Timestamp)
}

// Reader queries a delivery log.
type Reader interface {
	Attempts(ctx context.Context, q Query) ([]DeliveryAttempt, error)
	Escalations(ctx context.Context, q Query) ([]EscalationEvent, error)
}

// MemoryLog keeps the delivery trail in memory.
type MemoryLog struct {
	mu          sync.Mutex
	attempts    []DeliveryAttempt
	escalations []EscalationEvent
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) AppendAttempts(_ context.Context, attempts []DeliveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attempts...)
	return nil
}

func (l *MemoryLog) AppendEscalation(_ context.Context, event EscalationEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.escalations = append(l.escalations, event)
	return nil
}

func (l *MemoryLog) Attempts(_ context.Context, q Query) ([]DeliveryAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []DeliveryAttempt
	for _, a := range l.attempts {
		if q.MatchAttempt(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *MemoryLog) Escalations(_ context.Context, q Query) ([]EscalationEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EscalationEvent
	for _, e := range l.escalations {
		if q.MatchEscalation(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// FileLog appends attempts and escalations to two NDJSON files. Given
// deliveries.ndjson, escalations go to deliveries.escalations.ndjson.
type FileLog struct {
	attempts    *ndjson.File[DeliveryAttempt]
	escalations *ndjson.File[EscalationEvent]
}

// OpenFileLog opens (or prepares) the log files rooted at path.
func OpenFileLog(path string) (*FileLog, error) {
	attempts, err := ndjson.Open[DeliveryAttempt](path)
	if err != nil {
		return nil, err
	}
	escalations, err := ndjson.Open[EscalationEvent](strings.TrimSuffix(path, ".ndjson") + ".escalations.ndjson")
	if err != nil {
		return nil, err
	}
	return &FileLog{attempts: attempts, escalations: escalations}, nil
}

func (l *FileLog) AppendAttempts(_ context.Context, attempts []DeliveryAttempt) error {
	return l.attempts.Append(attempts...)
}

func (l *FileLog) AppendEscalation(_ context.Context, event EscalationEvent) error {
	return l.escalations.Append(event)
}

func (l *FileLog) Attempts(_ context.Context, q Query) ([]DeliveryAttempt, error) {
	return l.attempts.Scan(q.MatchAttempt)
}

func (l *FileLog) Escalations(_ context.Context, q Query) ([]EscalationEvent, error) {
	return l.escalations.Scan(q.MatchEscalation)
}

// MemoryDirectory is a fixed set of recipients.
type MemoryDirectory struct {
	byID map[string]Recipient
}

// NewMemoryDirectory indexes recipients by id.
func NewMemoryDirectory(recipients ...Recipient) *MemoryDirectory {
	d := &MemoryDirectory{byID: make(map[string]Recipient, len(recipients))}
	for _, r := range recipients {
		d.byID[r.ID] = r
	}
	return d
}

func (d *MemoryDirectory) Recipient(_ context.Context, id string) (Recipient, error) {
	r, ok := d.byID[id]
	if !ok {
		return Recipient{}, fmt.Errorf("%w: %s", ErrRecipientNotFound, id)
	}
	return r, nil
}

// All returns every recipient ordered by id.
func (d *MemoryDirectory) All() []Recipient {
	out := make([]Recipient, 0, len(d.byID))
	for _, r := range d.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
