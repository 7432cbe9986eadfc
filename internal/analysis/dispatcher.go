package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marking-backend/internal/shared/metrics"
	"marking-backend/internal/shared/telemetry"
)

// Outcome is the final result of one submitted request.
type Outcome struct {
	RequestID string
	State     State
	Response  Response
	Err       error
	Duration  time.Duration
}

// Options tunes a Dispatcher.
type Options struct {
	// Slots is the maximum number of requests dispatched at once.
	Slots int
	// QueueSize bounds requests waiting for a slot.
	QueueSize int
	// Reuse keeps a healthy instance for the next request instead of
	// launching a fresh one each time.
	Reuse bool
	Clock func() time.Time
}

type task struct {
	req      Request
	deadline time.Time
	out      chan Outcome
	queued   time.Time
}

// Dispatcher runs requests FIFO on a bounded set of worker slots. A request
// that times out or breaks protocol tears its instance down and is never
// retried.
type Dispatcher struct {
	launcher Launcher
	opts     Options
	tracker  *Tracker

	tasks   chan *task
	stop    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
	started bool
}

// NewDispatcher builds a dispatcher; call Start before Submit.
func NewDispatcher(launcher Launcher, opts Options) *Dispatcher {
	if opts.Slots <= 0 {
		opts.Slots = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Slots * 10
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Dispatcher{
		launcher: launcher,
		opts:     opts,
		tracker:  NewTracker(),
		tasks:    make(chan *task, opts.QueueSize),
		stop:     make(chan struct{}),
	}
}

// Tracker exposes request states.
func (d *Dispatcher) Tracker() *Tracker { return d.tracker }

// QueueLength is the number of requests waiting for a slot.
func (d *Dispatcher) QueueLength() int { return len(d.tasks) }

// Start launches the slot goroutines.
func (d *Dispatcher) Start() {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	telemetry.Info("analysis.dispatcher_started", map[string]any{
		"slots":      d.opts.Slots,
		"queue_size": d.opts.QueueSize,
		"reuse":      d.opts.Reuse,
	})
	for i := 0; i < d.opts.Slots; i++ {
		d.wg.Add(1)
		go d.slot(i)
	}
}

// Submit queues req with an absolute deadline. The returned channel receives
// exactly one Outcome.
func (d *Dispatcher) Submit(req Request, deadline time.Time) (<-chan Outcome, error) {
	req.DeadlineMs = deadline.UnixMilli()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return nil, ErrStopped
	}
	if err := d.tracker.add(req.RequestID); err != nil {
		return nil, err
	}
	t := &task{req: req, deadline: deadline, out: make(chan Outcome, 1), queued: d.opts.Clock()}
	select {
	case d.tasks <- t:
		metrics.AddQueueDepth(1)
		return t.out, nil
	default:
		d.tracker.remove(req.RequestID)
		telemetry.Warn("analysis.queue_full", map[string]any{"request_id": req.RequestID, "queue_size": d.opts.QueueSize})
		return nil, ErrQueueFull
	}
}

// Stop waits for dispatched requests to finish and fails any still queued.
func (d *Dispatcher) Stop() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	d.closeMu.Unlock()

	close(d.stop)
	d.wg.Wait()
	for {
		select {
		case t := <-d.tasks:
			metrics.AddQueueDepth(-1)
			d.finish(t, Outcome{State: StateFailed, Err: ErrStopped})
		default:
			telemetry.Info("analysis.dispatcher_stopped", nil)
			return
		}
	}
}

func (d *Dispatcher) slot(id int) {
	defer d.wg.Done()
	var client *Client
	defer func() {
		if client != nil {
			_ = client.Close()
		}
	}()
	for {
		select {
		case <-d.stop:
			return
		case t := <-d.tasks:
			metrics.AddQueueDepth(-1)
			client = d.run(id, client, t)
		}
	}
}

// run executes one task and returns the instance to keep, if any.
func (d *Dispatcher) run(slot int, client *Client, t *task) *Client {
	fields := map[string]any{"slot": slot, "request_id": t.req.RequestID}
	if !d.opts.Clock().Before(t.deadline) {
		telemetry.Warn("analysis.expired_in_queue", fields)
		d.finish(t, Outcome{State: StateTimedOut, Err: fmt.Errorf("%w: deadline passed while queued", ErrTimeout)})
		return client
	}

	ctx, cancel := context.WithDeadline(context.Background(), t.deadline)
	defer cancel()

	if client == nil {
		var err error
		client, err = d.launch(ctx)
		if err != nil {
			fields["error"] = err.Error()
			telemetry.Error("analysis.launch_failed", fields)
			d.finish(t, outcomeFor(err))
			return nil
		}
	}

	_ = d.tracker.move(t.req.RequestID, StateDispatched)
	metrics.AddInflight(1)
	defer metrics.AddInflight(-1)
	started := d.opts.Clock()

	if err := client.Send(ctx, t.req); err != nil {
		_ = client.Kill()
		d.finish(t, outcomeFor(err))
		return nil
	}
	_ = d.tracker.move(t.req.RequestID, StateAwaitingResult)

	resp, err := client.Receive(ctx, t.req)
	elapsed := d.opts.Clock().Sub(started)
	if err != nil {
		_ = client.Kill()
		fields["error"] = err.Error()
		telemetry.Warn("analysis.exchange_failed", fields)
		o := outcomeFor(err)
		o.Duration = elapsed
		d.finish(t, o)
		return nil
	}
	d.finish(t, Outcome{State: StateCompleted, Response: resp, Duration: elapsed})
	if !d.opts.Reuse {
		_ = client.Close()
		return nil
	}
	return client
}

func (d *Dispatcher) launch(ctx context.Context) (*Client, error) {
	client, err := d.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerFailed, err)
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Kill()
		return nil, err
	}
	return client, nil
}

func (d *Dispatcher) finish(t *task, o Outcome) {
	o.RequestID = t.req.RequestID
	_ = d.tracker.move(t.req.RequestID, o.State)
	metrics.IncAnalysisOutcome(string(o.State))
	if o.State == StateCompleted {
		metrics.ObserveAnalysisDuration(o.Duration)
	}
	t.out <- o
}

func outcomeFor(err error) Outcome {
	switch {
	case errors.Is(err, ErrTimeout):
		return Outcome{State: StateTimedOut, Err: err}
	default:
		return Outcome{State: StateFailed, Err: err}
	}
}
