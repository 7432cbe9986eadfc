package orchestrator

import (
	"time"

	"marking-backend/internal/projection"
	"marking-backend/internal/rubric"
)

// LoadDocument submits a piece of work. Either Content or Data is set; Data
// is converted to text according to MimeType and FileName.
type LoadDocument struct {
	Identity   string
	Module     string
	Assignment string
	Content    string
	Data       []byte
	MimeType   string
	FileName   string
}

// Loaded is the result of LoadDocument.
type Loaded struct {
	DocumentID  string
	Status      projection.Status
	NewIdentity bool
	Sequence    uint64
}

// RequestAnalysis asks the worker pool for suggestions on a document.
type RequestAnalysis struct {
	DocumentID string
	RubricID   string
}

// Ticket identifies a queued analysis.
type Ticket struct {
	AnalysisID string
	RequestID  string
	DocumentID string
	Deadline   time.Time
}

// EditFeedback overwrites one criterion's feedback and score.
type EditFeedback struct {
	DocumentID  string
	CriterionID string
	Text        string
	Score       float64
}

// Export formats accepted by ExportDocument.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

// ExportDocument re-identifies a marked document for the reviewer.
type ExportDocument struct {
	DocumentID string
	Format     string
}

// Export is the re-identified view of a marked document.
type Export struct {
	DocumentID string                  `json:"document_id"`
	Identity   string                  `json:"identity"`
	Module     string                  `json:"module"`
	Assignment string                  `json:"assignment"`
	Format     string                  `json:"format"`
	RubricID   string                  `json:"rubric_id"`
	Criteria   []rubric.CriterionScore `json:"criteria"`
	Total      float64                 `json:"total"`
	MaxTotal   float64                 `json:"max_total"`
	Percentage float64                 `json:"percentage"`
	Grade      string                  `json:"grade"`
	ExportedAt time.Time               `json:"exported_at"`
}

// DeleteDocument tombstones a document.
type DeleteDocument struct {
	DocumentID string
	Reason     string
}
