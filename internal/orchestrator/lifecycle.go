package orchestrator

import (
	"context"
	"errors"
	"time"

	"marking-backend/internal/analysis"
	"marking-backend/internal/eventlog"
	"marking-backend/internal/events"
	"marking-backend/internal/projection"
	"marking-backend/internal/rubric"
	"marking-backend/internal/shared/telemetry"
)

// track registers an analysis whose outcome a goroutine will record. The
// caller owns one wg count until settle.
func (s *Service) track(analysisID string) *pending {
	p := &pending{done: make(chan struct{})}
	s.mu.Lock()
	s.pending[analysisID] = p
	s.mu.Unlock()
	s.wg.Add(1)
	return p
}

func (s *Service) settle(analysisID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[analysisID]
	if !ok {
		return
	}
	p.err = err
	close(p.done)
	delete(s.pending, analysisID)
}

func (s *Service) await(t Ticket, identityHash string, rb rubric.Rubric, out <-chan analysis.Outcome) {
	defer s.wg.Done()
	o := <-out
	ctx := context.Background()
	fields := map[string]any{
		"document_id": t.DocumentID,
		"analysis_id": t.AnalysisID,
		"request_id":  t.RequestID,
		"state":       string(o.State),
		"duration_ms": o.Duration.Milliseconds(),
	}

	var err error
	if o.State == analysis.StateCompleted {
		err = s.complete(ctx, t, identityHash, rb, o)
		telemetry.Info("orchestrator.analysis_completed", fields)
	} else {
		reason := failureReason(o.Err)
		detail := ""
		if o.Err != nil {
			detail = o.Err.Error()
		}
		fields["reason"] = reason
		telemetry.Warn("orchestrator.analysis_failed", fields)
		err = s.fail(ctx, t.AnalysisID, reason, detail)
	}
	if err != nil {
		fields["error"] = err.Error()
		telemetry.Error("orchestrator.outcome_not_recorded", fields)
	}
	s.settle(t.AnalysisID, err)
}

func (s *Service) complete(ctx context.Context, t Ticket, identityHash string, rb rubric.Rubric, o analysis.Outcome) error {
	suggestions := o.Response.RubricSuggestions()
	_, err := s.deps.Log.Append(ctx, func() ([]events.Payload, error) {
		a, err := s.deps.Projection.Analysis(t.AnalysisID)
		if err != nil || a.State != projection.AnalysisRequested {
			return nil, nil
		}
		return []events.Payload{events.AnalysisCompleted{
			DocumentID:   t.DocumentID,
			IdentityHash: identityHash,
			AnalysisID:   t.AnalysisID,
			RequestID:    t.RequestID,
			Rubric:       rb,
			Suggestions:  suggestions,
			DurationMs:   o.Duration.Milliseconds(),
		}}, nil
	})
	if errors.Is(err, eventlog.ErrEmptyAppend) {
		return nil
	}
	return err
}

// fail records AnalysisFailed unless the analysis is already resolved.
func (s *Service) fail(ctx context.Context, analysisID, reason, detail string) error {
	_, err := s.deps.Log.Append(ctx, func() ([]events.Payload, error) {
		a, err := s.deps.Projection.Analysis(analysisID)
		if err != nil || a.State != projection.AnalysisRequested {
			return nil, nil
		}
		doc, ok := s.deps.Projection.Find(a.DocumentID)
		if !ok {
			return nil, nil
		}
		return []events.Payload{events.AnalysisFailed{
			DocumentID:   a.DocumentID,
			IdentityHash: doc.IdentityHash,
			AnalysisID:   analysisID,
			RequestID:    a.RequestID,
			Reason:       reason,
			Detail:       sanitizeDetail(detail),
		}}, nil
	})
	if errors.Is(err, eventlog.ErrEmptyAppend) {
		return nil
	}
	return err
}

// RecoverInFlight resolves analyses requested by an earlier process. Worker
// state does not survive a restart, so none of them can complete: those past
// their deadline fail now and the rest fail when their deadline elapses.
func (s *Service) RecoverInFlight(ctx context.Context) (int, error) {
	now := s.cfg.Clock()
	recovered := 0
	for _, a := range s.deps.Projection.InFlight() {
		s.mu.Lock()
		_, known := s.pending[a.ID]
		s.mu.Unlock()
		if known {
			continue
		}
		recovered++
		fields := map[string]any{
			"document_id": a.DocumentID,
			"analysis_id": a.ID,
			"request_id":  a.RequestID,
			"deadline":    a.Deadline,
		}
		if !now.Before(a.Deadline) {
			telemetry.Warn("orchestrator.inflight_expired", fields)
			if err := s.fail(ctx, a.ID, events.ReasonTimeout, "deadline passed before restart"); err != nil {
				return recovered, classify(err, "record recovered analysis")
			}
			continue
		}
		telemetry.Info("orchestrator.inflight_recovered", fields)
		s.expireAt(a, a.Deadline.Sub(now))
	}
	return recovered, nil
}

func (s *Service) expireAt(a projection.Analysis, after time.Duration) {
	p := s.track(a.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p.timer = time.AfterFunc(after, func() {
		defer s.wg.Done()
		err := s.fail(context.Background(), a.ID, events.ReasonTimeout, "worker state lost on restart")
		if err != nil {
			telemetry.Error("orchestrator.outcome_not_recorded", map[string]any{
				"analysis_id": a.ID,
				"error":       err.Error(),
			})
		}
		s.settle(a.ID, err)
	})
}

func (s *Service) onCommit(evt events.Event) {
	if evt.Sequence < s.lastCheckpoint.Load()+uint64(s.cfg.SnapshotInterval) {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) checkpointLoop() {
	defer s.loopWG.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.kick:
			if _, err := s.Checkpoint(context.Background()); err != nil {
				telemetry.Error("orchestrator.checkpoint_failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Checkpoint snapshots every document changed since the previous checkpoint
// and returns how many were written.
func (s *Service) Checkpoint(ctx context.Context) (int, error) {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	since := s.lastCheckpoint.Load()
	head := s.deps.Projection.Head()
	written := 0
	for _, id := range s.deps.Projection.ChangedSince(since) {
		snap, err := s.deps.Projection.Snapshot(id)
		if err != nil {
			return written, err
		}
		if err := s.deps.Log.SaveSnapshot(ctx, snap); err != nil {
			return written, err
		}
		written++
	}
	s.lastCheckpoint.Store(head)
	if written > 0 {
		telemetry.Info("orchestrator.checkpoint", map[string]any{"documents": written, "sequence": head})
	}
	return written, nil
}
