package notify

import (
	"context"
	"sync"

	"marking-backend/internal/events"
	"marking-backend/internal/shared/telemetry"
)

// Relay publishes notifications off the log writer's path. When its buffer is
// full, notifications are dropped with a warning; the log stays authoritative.
type Relay struct {
	publisher Publisher
	queue     chan Notification
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
}

// NewRelay starts a relay with the given buffer size.
func NewRelay(publisher Publisher, buffer int) *Relay {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Relay{publisher: publisher, queue: make(chan Notification, buffer)}
	r.wg.Add(1)
	go r.run()
	return r
}

// Handle is an event log subscriber. It never blocks.
func (r *Relay) Handle(evt events.Event) {
	n, ok := FromEvent(evt)
	if !ok {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- n:
	default:
		telemetry.Warn("notify.dropped", map[string]any{"sequence": n.Sequence, "kind": n.Kind})
	}
}

// Close drains queued notifications and closes the publisher.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
	return r.publisher.Close()
}

func (r *Relay) run() {
	defer r.wg.Done()
	for n := range r.queue {
		if err := r.publisher.Publish(context.Background(), n); err != nil {
			telemetry.Warn("notify.publish_failed", map[string]any{
				"sequence": n.Sequence,
				"kind":     n.Kind,
				"error":    err.Error(),
			})
		}
	}
}
