package projection

import (
	"time"

	"marking-backend/internal/rubric"
)

// Status is the lifecycle position of a document.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusAnalyzing Status = "Analyzing"
	StatusAnalyzed  Status = "Analyzed"
	StatusExported  Status = "Exported"
)

// AnalysisState mirrors the outcome of one analysis request.
type AnalysisState string

const (
	AnalysisRequested AnalysisState = "requested"
	AnalysisCompleted AnalysisState = "completed"
	AnalysisFailed    AnalysisState = "failed"
)

// Document is the folded view of one submission. It refers to analyses by id
// only.
type Document struct {
	ID            string    `json:"id"`
	IdentityHash  string    `json:"identity_hash"`
	Module        string    `json:"module"`
	Assignment    string    `json:"assignment"`
	ContentRef    string    `json:"content_ref"`
	ContentDigest string    `json:"content_digest"`
	ContentBytes  int       `json:"content_bytes"`
	SourceMime    string    `json:"source_mime,omitempty"`
	Status        Status    `json:"status"`
	Deleted       bool      `json:"deleted,omitempty"`
	LastSequence  uint64    `json:"last_sequence"`
	LoadedAt      time.Time `json:"loaded_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	ActiveAnalysisID string `json:"active_analysis_id,omitempty"`
	LastAnalysisID   string `json:"last_analysis_id,omitempty"`

	RubricID   string                 `json:"rubric_id,omitempty"`
	Boundaries []rubric.GradeBoundary `json:"boundaries,omitempty"`
	Result     rubric.Result          `json:"result"`
	HasResult  bool                   `json:"has_result"`

	ExportCount      int    `json:"export_count,omitempty"`
	LastExportFormat string `json:"last_export_format,omitempty"`
}

// Analysis is the folded view of one analysis request.
type Analysis struct {
	ID          string        `json:"id"`
	DocumentID  string        `json:"document_id"`
	RequestID   string        `json:"request_id"`
	RubricID    string        `json:"rubric_id"`
	State       AnalysisState `json:"state"`
	Deadline    time.Time     `json:"deadline"`
	Redactions  int           `json:"redactions,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	PriorStatus Status        `json:"prior_status"`
	RequestedAt time.Time     `json:"requested_at"`
	ResolvedAt  time.Time     `json:"resolved_at,omitempty"`
	DurationMs  int64         `json:"duration_ms,omitempty"`
}

func (d *Document) clone() Document {
	out := *d
	if d.Boundaries != nil {
		out.Boundaries = append([]rubric.GradeBoundary(nil), d.Boundaries...)
	}
	if d.Result.Criteria != nil {
		out.Result.Criteria = append([]rubric.CriterionScore(nil), d.Result.Criteria...)
	}
	return out
}
