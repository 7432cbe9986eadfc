package projection

import (
	"marking-backend/internal/events"
	"marking-backend/internal/rubric"
)

// folder applies one event to the engine. Callers hold the write lock.
type folder struct{ e *Engine }

var _ events.Visitor = folder{}

func (f folder) touch(doc *Document, evt events.Event) {
	doc.LastSequence = evt.Sequence
	doc.UpdatedAt = evt.Timestamp
}

func (f folder) live(id string) (*Document, bool) {
	doc, ok := f.e.docs[id]
	if !ok || doc.Deleted {
		return nil, false
	}
	return doc, true
}

func (f folder) DocumentLoaded(evt events.Event, p events.DocumentLoaded) {
	if _, exists := f.e.docs[p.DocumentID]; exists {
		return
	}
	doc := &Document{
		ID:            p.DocumentID,
		IdentityHash:  p.IdentityHash,
		Module:        p.Module,
		Assignment:    p.Assignment,
		ContentRef:    p.ContentRef,
		ContentDigest: p.ContentDigest,
		ContentBytes:  p.ContentBytes,
		SourceMime:    p.SourceMime,
		Status:        StatusPending,
		LoadedAt:      evt.Timestamp,
	}
	f.touch(doc, evt)
	f.e.docs[doc.ID] = doc
	f.e.identities[p.IdentityHash] = struct{}{}
	f.e.active[activeKey{p.IdentityHash, p.Module, p.Assignment}] = doc.ID
}

func (f folder) IdentityAnonymized(evt events.Event, p events.IdentityAnonymized) {
	f.e.identities[p.IdentityHash] = struct{}{}
}

func (f folder) AnalysisRequested(evt events.Event, p events.AnalysisRequested) {
	doc, ok := f.live(p.DocumentID)
	if !ok {
		return
	}
	f.e.analyses[p.AnalysisID] = &Analysis{
		ID:          p.AnalysisID,
		DocumentID:  p.DocumentID,
		RequestID:   p.RequestID,
		RubricID:    p.Rubric.ID,
		State:       AnalysisRequested,
		Deadline:    p.Deadline,
		Redactions:  p.Redactions,
		PriorStatus: doc.Status,
		RequestedAt: evt.Timestamp,
	}
	doc.Status = StatusAnalyzing
	doc.ActiveAnalysisID = p.AnalysisID
	f.touch(doc, evt)
}

func (f folder) AnalysisCompleted(evt events.Event, p events.AnalysisCompleted) {
	a, ok := f.e.analyses[p.AnalysisID]
	if !ok || a.State != AnalysisRequested {
		return
	}
	a.State = AnalysisCompleted
	a.ResolvedAt = evt.Timestamp
	a.DurationMs = p.DurationMs

	doc, ok := f.live(p.DocumentID)
	if !ok {
		return
	}
	doc.Result = rubric.Evaluate(p.Rubric, p.Suggestions)
	doc.HasResult = true
	doc.RubricID = p.Rubric.ID
	doc.Boundaries = append([]rubric.GradeBoundary(nil), p.Rubric.Boundaries...)
	doc.Status = StatusAnalyzed
	doc.LastAnalysisID = p.AnalysisID
	if doc.ActiveAnalysisID == p.AnalysisID {
		doc.ActiveAnalysisID = ""
	}
	f.touch(doc, evt)
}

func (f folder) AnalysisFailed(evt events.Event, p events.AnalysisFailed) {
	a, ok := f.e.analyses[p.AnalysisID]
	if !ok || a.State != AnalysisRequested {
		return
	}
	a.State = AnalysisFailed
	a.Reason = p.Reason
	a.Detail = p.Detail
	a.ResolvedAt = evt.Timestamp

	doc, ok := f.live(p.DocumentID)
	if !ok {
		return
	}
	if doc.ActiveAnalysisID == p.AnalysisID {
		doc.ActiveAnalysisID = ""
		doc.Status = a.PriorStatus
	}
	doc.LastAnalysisID = p.AnalysisID
	f.touch(doc, evt)
}

func (f folder) FeedbackEdited(evt events.Event, p events.FeedbackEdited) {
	doc, ok := f.live(p.DocumentID)
	if !ok || !doc.HasResult {
		return
	}
	criteria := append([]rubric.CriterionScore(nil), doc.Result.Criteria...)
	found := false
	for i := range criteria {
		if criteria[i].CriterionID != p.CriterionID {
			continue
		}
		criteria[i].Feedback = p.Text
		criteria[i].Score = p.Score
		criteria[i].Confidence = 1
		criteria[i].Edited = true
		found = true
		break
	}
	if !found {
		return
	}
	doc.Result = rubric.Total(criteria, doc.Boundaries)
	f.touch(doc, evt)
}

func (f folder) DocumentExported(evt events.Event, p events.DocumentExported) {
	doc, ok := f.live(p.DocumentID)
	if !ok {
		return
	}
	doc.Status = StatusExported
	doc.ExportCount++
	doc.LastExportFormat = p.Format
	f.touch(doc, evt)
}

func (f folder) DocumentDeleted(evt events.Event, p events.DocumentDeleted) {
	doc, ok := f.live(p.DocumentID)
	if !ok {
		return
	}
	doc.Deleted = true
	key := activeKey{doc.IdentityHash, doc.Module, doc.Assignment}
	if f.e.active[key] == doc.ID {
		delete(f.e.active, key)
	}
	f.touch(doc, evt)
}

// Unknown kinds from newer writers are skipped.
func (f folder) Unknown(evt events.Event, p events.Unknown) {}
