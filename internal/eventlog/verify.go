package eventlog

import (
	"context"
	"errors"
	"fmt"

	"marking-backend/internal/shared/telemetry"
)

// Report describes the result of a continuity check.
type Report struct {
	Head        uint64 `json:"head"`
	GoodThrough uint64 `json:"good_through"`
	GoodHash    string `json:"-"`
	Broken      bool   `json:"broken"`
	BrokenAt    uint64 `json:"broken_at,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Truncated   uint64 `json:"truncated,omitempty"`
}

// Verify re-checks the whole chain. A newly found break switches the log to
// read-only.
func (l *Log) Verify(ctx context.Context) (Report, error) {
	var report Report
	err := l.submit(ctx, func(ctx context.Context) error {
		r, err := l.verify(ctx)
		if err != nil {
			return err
		}
		report = r
		if r.Broken {
			l.applyReport(r)
		} else {
			l.mu.Lock()
			l.report = r
			l.mu.Unlock()
		}
		return nil
	})
	return report, err
}

// Repair drops every record after the last good one and reopens the log for
// writes. It is never run implicitly.
func (l *Log) Repair(ctx context.Context) (Report, error) {
	var report Report
	err := l.submit(ctx, func(ctx context.Context) error {
		r, err := l.verify(ctx)
		if err != nil {
			return err
		}
		if !r.Broken {
			l.applyReport(r)
			report = r
			return nil
		}
		if err := l.store.Truncate(ctx, r.GoodThrough); err != nil {
			return fmt.Errorf("truncate after %d: %w", r.GoodThrough, err)
		}
		dropped := r.Head - r.GoodThrough
		telemetry.Warn("eventlog.repaired", map[string]any{
			"good_through": r.GoodThrough,
			"dropped":      dropped,
			"reason":       r.Reason,
		})
		after, err := l.verify(ctx)
		if err != nil {
			return err
		}
		after.Truncated = dropped
		l.applyReport(after)
		report = after
		return nil
	})
	return report, err
}

func (l *Log) verify(ctx context.Context) (Report, error) {
	var r Report
	head, err := l.store.Head(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		return r, nil
	case err != nil:
		return r, fmt.Errorf("read head: %w", err)
	}
	r.Head = head.Sequence

	prev := ""
	next := uint64(1)
	for next <= r.Head {
		recs, err := l.store.Range(ctx, next, r.Head, l.page)
		if err != nil {
			return Report{}, fmt.Errorf("read from %d: %w", next, err)
		}
		if len(recs) == 0 {
			return r.breakAt(next, "missing record"), nil
		}
		for _, rec := range recs {
			switch {
			case rec.Sequence != next:
				return r.breakAt(next, fmt.Sprintf("expected sequence %d, found %d", next, rec.Sequence)), nil
			case rec.PrevHash != prev:
				return r.breakAt(next, "previous hash does not match"), nil
			case rec.ComputeHash() != rec.Hash:
				return r.breakAt(next, "record hash does not match contents"), nil
			}
			if _, err := rec.Event(); err != nil {
				return r.breakAt(next, "payload does not decode"), nil
			}
			r.GoodThrough = rec.Sequence
			r.GoodHash = rec.Hash
			prev = rec.Hash
			next++
		}
	}
	return r, nil
}

func (r Report) breakAt(seq uint64, reason string) Report {
	r.Broken = true
	r.BrokenAt = seq
	r.Reason = reason
	telemetry.Error("eventlog.continuity_break", map[string]any{
		"broken_at":    seq,
		"good_through": r.GoodThrough,
		"reason":       reason,
	})
	return r
}
