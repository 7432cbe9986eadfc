// Package events defines the closed set of facts recorded in the event log.
//
// Every payload type implements Payload, whose unexported accept method limits
// the set to this package. Folding code implements Visitor, so adding a kind
// is a compile error until every visitor handles it.
package events

import (
	"time"

	"marking-backend/internal/rubric"
)

// Kind is the stable tag stored with each record.
type Kind string

const (
	KindDocumentLoaded     Kind = "DocumentLoaded"
	KindIdentityAnonymized Kind = "IdentityAnonymized"
	KindAnalysisRequested  Kind = "AnalysisRequested"
	KindAnalysisCompleted  Kind = "AnalysisCompleted"
	KindAnalysisFailed     Kind = "AnalysisFailed"
	KindFeedbackEdited     Kind = "FeedbackEdited"
	KindDocumentExported   Kind = "DocumentExported"
	KindDocumentDeleted    Kind = "DocumentDeleted"
)

// Failure reasons recorded on AnalysisFailed.
const (
	ReasonTimeout           = "AI_TIMEOUT"
	ReasonProtocolViolation = "AI_PROTOCOL_VIOLATION"
	ReasonWorkerFailed      = "WORKER_FAILED"
)

// Event is a committed fact with its position in the log.
type Event struct {
	Sequence  uint64
	Timestamp time.Time
	Hash      string
	PrevHash  string
	Payload   Payload
}

// Kind returns the payload kind.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Accept dispatches the event to the visitor method for its kind.
func (e Event) Accept(v Visitor) {
	if e.Payload == nil {
		return
	}
	e.Payload.accept(e, v)
}

// Payload is implemented only by the event types in this package.
type Payload interface {
	Kind() Kind
	// Document is the document id the fact belongs to, or "".
	Document() string
	// Identity is the identity hash the fact is indexed under, or "".
	Identity() string
	accept(e Event, v Visitor)
}

// Visitor has one method per kind.
type Visitor interface {
	DocumentLoaded(e Event, p DocumentLoaded)
	IdentityAnonymized(e Event, p IdentityAnonymized)
	AnalysisRequested(e Event, p AnalysisRequested)
	AnalysisCompleted(e Event, p AnalysisCompleted)
	AnalysisFailed(e Event, p AnalysisFailed)
	FeedbackEdited(e Event, p FeedbackEdited)
	DocumentExported(e Event, p DocumentExported)
	DocumentDeleted(e Event, p DocumentDeleted)
	Unknown(e Event, p Unknown)
}

// DocumentLoaded creates a document.
type DocumentLoaded struct {
	DocumentID    string `json:"document_id"`
	IdentityHash  string `json:"identity_hash"`
	Module        string `json:"module"`
	Assignment    string `json:"assignment"`
	ContentRef    string `json:"content_ref"`
	ContentDigest string `json:"content_digest"`
	ContentBytes  int    `json:"content_bytes"`
	SourceMime    string `json:"source_mime,omitempty"`
}

// IdentityAnonymized records that a new identity hash entered the system.
// It never carries the identity itself.
type IdentityAnonymized struct {
	IdentityHash string `json:"identity_hash"`
}

// AnalysisRequested records an anonymized request handed to the worker pool.
type AnalysisRequested struct {
	DocumentID   string        `json:"document_id"`
	IdentityHash string        `json:"identity_hash"`
	AnalysisID   string        `json:"analysis_id"`
	RequestID    string        `json:"request_id"`
	Rubric       rubric.Rubric `json:"rubric"`
	Deadline     time.Time     `json:"deadline"`
	Redactions   int           `json:"redactions"`
}

// AnalysisCompleted carries the validated suggestions and the rubric they were
// scored against, so replay never depends on current configuration.
type AnalysisCompleted struct {
	DocumentID   string              `json:"document_id"`
	IdentityHash string              `json:"identity_hash"`
	AnalysisID   string              `json:"analysis_id"`
	RequestID    string              `json:"request_id"`
	Rubric       rubric.Rubric       `json:"rubric"`
	Suggestions  []rubric.Suggestion `json:"suggestions"`
	DurationMs   int64               `json:"duration_ms"`
}

// AnalysisFailed records a timed out, rejected or lost request.
type AnalysisFailed struct {
	DocumentID   string `json:"document_id"`
	IdentityHash string `json:"identity_hash"`
	AnalysisID   string `json:"analysis_id"`
	RequestID    string `json:"request_id"`
	Reason       string `json:"reason"`
	Detail       string `json:"detail,omitempty"`
}

// FeedbackEdited overwrites the feedback and score of one criterion.
type FeedbackEdited struct {
	DocumentID   string  `json:"document_id"`
	IdentityHash string  `json:"identity_hash"`
	CriterionID  string  `json:"criterion_id"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
}

// DocumentExported records a re-identified export.
type DocumentExported struct {
	DocumentID   string `json:"document_id"`
	IdentityHash string `json:"identity_hash"`
	Format       string `json:"format"`
}

// DocumentDeleted tombstones a document.
type DocumentDeleted struct {
	DocumentID   string `json:"document_id"`
	IdentityHash string `json:"identity_hash"`
	Reason       string `json:"reason,omitempty"`
}

// Unknown holds a record whose kind this build does not know.
type Unknown struct {
	Name         string
	DocumentID   string
	IdentityHash string
	Raw          []byte
}

func (DocumentLoaded) Kind() Kind { return KindDocumentLoaded }
func (p DocumentLoaded) Document() string { return p.DocumentID }
func (p DocumentLoaded) Identity() string { return p.IdentityHash }
func (p DocumentLoaded) accept(e Event, v Visitor) {
	v.DocumentLoaded(e, p)
}

func (IdentityAnonymized) Kind() Kind { return KindIdentityAnonymized }
func (IdentityAnonymized) Document() string { return "" }
func (p IdentityAnonymized) Identity() string { return p.IdentityHash }
func (p IdentityAnonymized) accept(e Event, v Visitor) {
	v.IdentityAnonymized(e, p)
}

func (AnalysisRequested) Kind() Kind { return KindAnalysisRequested }
func (p AnalysisRequested) Document() string { return p.DocumentID }
func (p AnalysisRequested) Identity() string { return p.IdentityHash }
func (p AnalysisRequested) accept(e Event, v Visitor) {
	v.AnalysisRequested(e, p)
}

func (AnalysisCompleted) Kind() Kind { return KindAnalysisCompleted }
func (p AnalysisCompleted) Document() string { return p.DocumentID }
func (p AnalysisCompleted) Identity() string { return p.IdentityHash }
func (p AnalysisCompleted) accept(e Event, v Visitor) {
	v.AnalysisCompleted(e, p)
}

func (AnalysisFailed) Kind() Kind { return KindAnalysisFailed }
func (p AnalysisFailed) Document() string { return p.DocumentID }
func (p AnalysisFailed) Identity() string { return p.IdentityHash }
func (p AnalysisFailed) accept(e Event, v Visitor) {
	v.AnalysisFailed(e, p)
}

func (FeedbackEdited) Kind() Kind { return KindFeedbackEdited }
func (p FeedbackEdited) Document() string { return p.DocumentID }
func (p FeedbackEdited) Identity() string { return p.IdentityHash }
func (p FeedbackEdited) accept(e Event, v Visitor) {
	v.FeedbackEdited(e, p)
}

func (DocumentExported) Kind() Kind { return KindDocumentExported }
func (p DocumentExported) Document() string { return p.DocumentID }
func (p DocumentExported) Identity() string { return p.IdentityHash }
func (p DocumentExported) accept(e Event, v Visitor) {
	v.DocumentExported(e, p)
}

func (DocumentDeleted) Kind() Kind { return KindDocumentDeleted }
func (p DocumentDeleted) Document() string { return p.DocumentID }
func (p DocumentDeleted) Identity() string { return p.IdentityHash }
func (p DocumentDeleted) accept(e Event, v Visitor) {
	v.DocumentDeleted(e, p)
}

func (p Unknown) Kind() Kind { return Kind(p.Name) }
func (p Unknown) Document() string { return p.DocumentID }
func (p Unknown) Identity() string { return p.IdentityHash }
func (p Unknown) accept(e Event, v Visitor) {
	v.Unknown(e, p)
}

// AnalysisRef returns the analysis id a payload refers to, if any.
func AnalysisRef(p Payload) string {
	switch v := p.(type) {
	case AnalysisRequested:
		return v.AnalysisID
	case AnalysisCompleted:
		return v.AnalysisID
	case AnalysisFailed:
		return v.AnalysisID
	default:
		return ""
	}
}
