package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultMaxQueue bounds records waiting to be persisted.
const DefaultMaxQueue = 10000

// Logger receives operational warnings.
type Logger func(format string, args ...any)

// Ledger records usage without blocking callers. Records are queued and
// persisted by a single background writer; Aggregate reads stored rows only.
type Ledger struct {
	store        Store
	logger       Logger
	maxQueue     int
	writeTimeout time.Duration

	mu      sync.Mutex
	queue   []UsageRecord
	closed  bool
	dropped int

	wake     chan struct{}
	flushReq chan chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the warning logger.
func WithLogger(logger Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMaxQueue bounds the pending queue; records beyond it are dropped with a warning.
func WithMaxQueue(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxQueue = n
		}
	}
}

// WithWriteTimeout bounds each store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

// New starts a ledger writing to store. Call Close to drain it.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		maxQueue:     DefaultMaxQueue,
		writeTimeout: 10 * time.Second,
		wake:         make(chan struct{}, 1),
		flushReq:     make(chan chan struct{}),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Record queues rec for persistence. It never blocks on the store and never fails.
func (l *Ledger) Record(rec UsageRecord) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	switch {
	case l.closed:
		l.dropped++
		l.mu.Unlock()
		l.logf("ledger: closed, dropping usage record %s (%s)", rec.ID, rec.TaskType)
		return
	case len(l.queue) >= l.maxQueue:
		l.dropped++
		l.mu.Unlock()
		l.logf("ledger: queue full (%d), dropping usage record %s (%s)", l.maxQueue, rec.ID, rec.TaskType)
		return
	}
	l.queue = append(l.queue, rec)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Flush waits until every record queued before the call has been handed to the store.
func (l *Ledger) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case l.flushReq <- reply:
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer.
func (l *Ledger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.stop)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many records could not be persisted.
func (l *Ledger) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Query returns stored records matching filter.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]UsageRecord, error) {
	return l.store.Query(ctx, filter)
}

// Aggregate sums stored records matching filter.
func (l *Ledger) Aggregate(ctx context.Context, filter Filter) (Totals, error) {
	if agg, ok := l.store.(Aggregator); ok {
		return agg.Aggregate(ctx, filter)
	}
	records, err := l.store.Query(ctx, filter)
	if err != nil {
		return Totals{}, fmt.Errorf("query usage: %w", err)
	}
	return Sum(records), nil
}

func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case <-l.wake:
			l.drain()
		case reply := <-l.flushReq:
			l.drain()
			close(reply)
		case <-l.stop:
			l.drain()
			return
		}
	}
}

func (l *Ledger) drain() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		err := l.store.Append(ctx, batch)
		cancel()
		if err != nil {
			l.mu.Lock()
			l.dropped += len(batch)
			l.mu.Unlock()
			l.logf("ledger: failed to persist %d usage records: %v", len(batch), err)
		}
	}
}

func (l *Ledger) logf(format string, args ...any) {
	if l.logger != nil {
		l.logger(format, args...)
	}
}
