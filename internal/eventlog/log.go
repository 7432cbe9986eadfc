// Package eventlog is the append-only, sequence-numbered source of truth.
//
// All writes go through one writer goroutine, which gives callers a total order
// in arrival order. Reads go straight to the store and see either the state
// before or after a commit, never part of one.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marking-backend/internal/events"
	"marking-backend/internal/shared/metrics"
	"marking-backend/internal/shared/telemetry"
)

// Decider runs on the writer goroutine and returns the payloads to append.
// Returning an error aborts the append with nothing written, so checks made
// inside a Decider cannot race with other writers.
type Decider func() ([]events.Payload, error)

// Subscriber is called on the writer goroutine after each commit.
type Subscriber func(evt events.Event)

// Options tunes a Log.
type Options struct {
	Clock     func() time.Time
	QueueSize int
	PageSize  int
}

// Log serializes appends through a single writer.
type Log struct {
	store Store
	clock func() time.Time
	page  int

	ops     chan op
	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool

	mu          sync.RWMutex
	head        uint64
	headHash    string
	goodThrough uint64
	readOnly    bool
	report      Report
	subs        []Subscriber
}

type op struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	errc chan error
}

// Open verifies the stored log and starts the writer. A continuity failure
// does not fail Open: the log comes up read-only with reads limited to the
// last good record, and the returned Report says where the break is.
func Open(ctx context.Context, store Store, opts Options) (*Log, Report, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	l := &Log{
		store: store,
		clock: opts.Clock,
		page:  opts.PageSize,
		ops:   make(chan op, opts.QueueSize),
		done:  make(chan struct{}),
	}

	report, err := l.verify(ctx)
	if err != nil {
		return nil, Report{}, err
	}
	l.applyReport(report)

	l.wg.Add(1)
	go l.writer()
	return l, report, nil
}

// Subscribe registers fn to be called after each committed event.
func (l *Log) Subscribe(fn Subscriber) {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
}

// Append commits the payloads chosen by decide as one atomic unit and returns
// them with their sequence numbers. Nothing is written when decide fails.
func (l *Log) Append(ctx context.Context, decide Decider) ([]events.Event, error) {
	var committed []events.Event
	err := l.submit(ctx, func(ctx context.Context) error {
		evts, err := l.appendLocked(ctx, decide)
		committed = evts
		return err
	})
	return committed, err
}

// AppendEvents is Append without a decision step.
func (l *Log) AppendEvents(ctx context.Context, payloads ...events.Payload) ([]events.Event, error) {
	return l.Append(ctx, func() ([]events.Payload, error) { return payloads, nil })
}

// ReadRange returns events with from <= sequence <= to. A zero to reads to the
// head. While read-only, reads stop at the last good record.
func (l *Log) ReadRange(ctx context.Context, from, to uint64) ([]events.Event, error) {
	limit := l.readLimit()
	if to == 0 || to > limit {
		to = limit
	}
	if from == 0 {
		from = 1
	}
	var out []events.Event
	for from <= to {
		recs, err := l.store.Range(ctx, from, to, l.page)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			evt, err := rec.Event()
			if err != nil {
				return nil, err
			}
			out = append(out, evt)
		}
		from = recs[len(recs)-1].Sequence + 1
	}
	return out, nil
}

// ReadForKey returns the events listed under an index key in insertion order.
func (l *Log) ReadForKey(ctx context.Context, key IndexKey) ([]events.Event, error) {
	limit := l.readLimit()
	recs, err := l.store.ForKey(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(recs))
	for _, rec := range recs {
		if rec.Sequence > limit {
			break
		}
		evt, err := rec.Event()
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

// Head returns the sequence of the last committed event.
func (l *Log) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// ReadOnly reports whether writes are refused.
func (l *Log) ReadOnly() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.readOnly
}

// LastReport returns the most recent continuity report.
func (l *Log) LastReport() Report {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.report
}

// SaveSnapshot persists a folded document state.
func (l *Log) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.ThroughSequence > l.readLimit() {
		return fmt.Errorf("snapshot through %d is beyond the log head", snap.ThroughSequence)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = l.clock().UTC()
	}
	return l.store.SaveSnapshot(ctx, snap)
}

// LatestSnapshot returns the newest snapshot for a document.
func (l *Log) LatestSnapshot(ctx context.Context, documentID string) (Snapshot, error) {
	return l.store.LatestSnapshot(ctx, documentID)
}

// LatestSnapshots returns the newest snapshot of every document. If any of
// them reaches past the readable prefix none are returned, forcing a full
// replay of the good records.
func (l *Log) LatestSnapshots(ctx context.Context) ([]Snapshot, error) {
	snaps, err := l.store.LatestSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	limit := l.readLimit()
	for _, snap := range snaps {
		if snap.ThroughSequence > limit {
			return nil, nil
		}
	}
	return snaps, nil
}

// Close stops the writer after queued operations finish.
func (l *Log) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *Log) submit(ctx context.Context, run func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o := op{ctx: ctx, run: run, errc: make(chan error, 1)}
	l.closeMu.RLock()
	if l.closed {
		l.closeMu.RUnlock()
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		l.closeMu.RUnlock()
		return ctx.Err()
	case l.ops <- o:
	}
	l.closeMu.RUnlock()
	// Queued ops are drained before the writer exits, so a reply always comes.
	return <-o.errc
}

func (l *Log) writer() {
	defer l.wg.Done()
	for {
		select {
		case o := <-l.ops:
			l.execute(o)
		case <-l.done:
			for {
				select {
				case o := <-l.ops:
					l.execute(o)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) execute(o op) {
	if err := o.ctx.Err(); err != nil {
		o.errc <- err
		return
	}
	o.errc <- o.run(o.ctx)
}

func (l *Log) appendLocked(ctx context.Context, decide Decider) ([]events.Event, error) {
	if l.ReadOnly() {
		return nil, ErrReadOnly
	}
	payloads, err := decide()
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, ErrEmptyAppend
	}

	l.mu.RLock()
	head, prev := l.head, l.headHash
	l.mu.RUnlock()

	now := l.clock()
	recs := make([]events.Record, 0, len(payloads))
	for i, p := range payloads {
		rec, err := events.NewRecord(head+uint64(i)+1, now, prev, p)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
		prev = rec.Hash
	}

	// The commit outcome must not depend on the caller giving up mid-write.
	if err := l.store.Append(context.WithoutCancel(ctx), recs); err != nil {
		telemetry.Error("eventlog.append_failed", map[string]any{
			"first_sequence": recs[0].Sequence,
			"count":          len(recs),
			"error":          err.Error(),
		})
		l.resync(ctx)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	last := recs[len(recs)-1]
	l.mu.Lock()
	l.head = last.Sequence
	l.headHash = last.Hash
	l.goodThrough = last.Sequence
	subs := append([]Subscriber(nil), l.subs...)
	l.mu.Unlock()

	out := make([]events.Event, 0, len(recs))
	for i, rec := range recs {
		evt := events.Event{
			Sequence:  rec.Sequence,
			Timestamp: rec.RecordedAt,
			Hash:      rec.Hash,
			PrevHash:  rec.PrevHash,
			Payload:   payloads[i],
		}
		out = append(out, evt)
		metrics.IncEventsAppended(string(rec.Kind))
		for _, sub := range subs {
			sub(evt)
		}
	}
	return out, nil
}

// resync reloads the head after a failed write. If the store cannot say what
// it holds the log goes read-only rather than risk a gap or a fork.
func (l *Log) resync(ctx context.Context) {
	head, err := l.store.Head(context.WithoutCancel(ctx))
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case errors.Is(err, ErrNotFound):
		if l.head != 0 {
			l.readOnly = true
		}
	case err != nil:
		l.readOnly = true
	case head.Sequence != l.head || head.Hash != l.headHash:
		l.readOnly = true
	}
	if l.readOnly {
		metrics.SetReadOnly(true)
		telemetry.Error("eventlog.read_only", map[string]any{"reason": "head mismatch after failed write"})
	}
}

func (l *Log) readLimit() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.goodThrough
}

func (l *Log) applyReport(r Report) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.report = r
	l.goodThrough = r.GoodThrough
	l.head = r.GoodThrough
	l.headHash = r.GoodHash
	l.readOnly = r.Broken
	metrics.SetReadOnly(r.Broken)
}
