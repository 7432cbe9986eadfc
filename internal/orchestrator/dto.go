package orchestrator

import (
	"time"

	"marking-backend/internal/projection"
	"marking-backend/internal/rubric"
)

// documentResponse is the HTTP view of a document. It leaves out the
// identity hash and the content location.
type documentResponse struct {
	DocumentID     string         `json:"documentId"`
	Module         string         `json:"module"`
	Assignment     string         `json:"assignment"`
	Status         string         `json:"status"`
	ContentBytes   int            `json:"contentBytes"`
	LoadedAt       time.Time      `json:"loadedAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	ActiveAnalysis string         `json:"activeAnalysisId,omitempty"`
	LastAnalysis   string         `json:"lastAnalysisId,omitempty"`
	RubricID       string         `json:"rubricId,omitempty"`
	Result         *rubric.Result `json:"result,omitempty"`
	ExportCount    int            `json:"exportCount"`
	LastSequence   uint64         `json:"lastSequence"`
}

func toDocumentResponse(doc projection.Document) documentResponse {
	out := documentResponse{
		DocumentID:     doc.ID,
		Module:         doc.Module,
		Assignment:     doc.Assignment,
		Status:         string(doc.Status),
		ContentBytes:   doc.ContentBytes,
		LoadedAt:       doc.LoadedAt,
		UpdatedAt:      doc.UpdatedAt,
		ActiveAnalysis: doc.ActiveAnalysisID,
		LastAnalysis:   doc.LastAnalysisID,
		RubricID:       doc.RubricID,
		ExportCount:    doc.ExportCount,
		LastSequence:   doc.LastSequence,
	}
	if doc.HasResult {
		result := doc.Result
		out.Result = &result
	}
	return out
}

type analysisResponse struct {
	AnalysisID  string     `json:"analysisId"`
	DocumentID  string     `json:"documentId"`
	RequestID   string     `json:"requestId"`
	RubricID    string     `json:"rubricId"`
	State       string     `json:"state"`
	Deadline    time.Time  `json:"deadline"`
	Redactions  int        `json:"redactions"`
	Reason      string     `json:"reason,omitempty"`
	RequestedAt time.Time  `json:"requestedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
}

func toAnalysisResponse(a projection.Analysis) analysisResponse {
	out := analysisResponse{
		AnalysisID:  a.ID,
		DocumentID:  a.DocumentID,
		RequestID:   a.RequestID,
		RubricID:    a.RubricID,
		State:       string(a.State),
		Deadline:    a.Deadline,
		Redactions:  a.Redactions,
		Reason:      a.Reason,
		RequestedAt: a.RequestedAt,
		DurationMs:  a.DurationMs,
	}
	if !a.ResolvedAt.IsZero() {
		resolved := a.ResolvedAt
		out.ResolvedAt = &resolved
	}
	return out
}
