// Package orchestrator accepts marking commands and coordinates the
// anonymization gate, the event log, the analysis worker pool and the
// projection.
//
// Every state change is an event appended through the log's single writer.
// Decisions that depend on current state (duplicate loads, whether an
// analysis is still open) are taken inside the append so they cannot race.
// The service hands the worker pool only identity hashes and scrubbed text;
// re-identification happens in ExportDocument alone.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"marking-backend/internal/analysis"
	"marking-backend/internal/anonymize"
	"marking-backend/internal/eventlog"
	"marking-backend/internal/events"
	"marking-backend/internal/extract"
	"marking-backend/internal/pii"
	"marking-backend/internal/projection"
	"marking-backend/internal/rubric"
	"marking-backend/internal/shared/storage/object"
	"marking-backend/internal/shared/telemetry"
)

// Dispatcher runs analysis requests on isolated workers.
type Dispatcher interface {
	Submit(req analysis.Request, deadline time.Time) (<-chan analysis.Outcome, error)
	Stop()
}

// Deps are the collaborators a Service coordinates. The projection must
// already be subscribed to the log.
type Deps struct {
	Log          *eventlog.Log
	Hasher       anonymize.Hasher
	Reassociator anonymize.Reassociator
	Projection   *projection.Engine
	Rubrics      *rubric.Registry
	Dispatcher   Dispatcher
	Content      object.ObjectStore
}

type pending struct {
	done  chan struct{}
	err   error
	timer *time.Timer
}

// Service executes commands.
type Service struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
	started bool

	// wg tracks goroutines that may still append outcomes.
	wg     sync.WaitGroup
	loopWG sync.WaitGroup
	kick   chan struct{}
	stop   chan struct{}

	checkpointMu   sync.Mutex
	lastCheckpoint atomic.Uint64
}

// New builds a Service and subscribes it to the log for checkpointing.
func New(cfg Config, deps Deps) (*Service, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	switch {
	case deps.Log == nil:
		return nil, errors.New("orchestrator: event log is required")
	case deps.Hasher == nil || deps.Reassociator == nil:
		return nil, errors.New("orchestrator: anonymization gate is required")
	case deps.Projection == nil:
		return nil, errors.New("orchestrator: projection is required")
	case deps.Rubrics == nil:
		return nil, errors.New("orchestrator: rubric registry is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("orchestrator: dispatcher is required")
	case deps.Content == nil:
		return nil, errors.New("orchestrator: content store is required")
	}
	s := &Service{
		cfg:     cfg,
		deps:    deps,
		pending: make(map[string]*pending),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	deps.Log.Subscribe(s.onCommit)
	return s, nil
}

// Start resolves analyses left open by a previous process and begins
// periodic checkpoints.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.lastCheckpoint.Store(0)
	if _, err := s.RecoverInFlight(ctx); err != nil {
		return err
	}
	s.loopWG.Add(1)
	go s.checkpointLoop()
	return nil
}

// LoadDocument anonymizes the submitter, stores the essay text and records
// the document.
func (s *Service) LoadDocument(ctx context.Context, cmd LoadDocument) (Loaded, error) {
	if err := s.ready(); err != nil {
		return Loaded{}, err
	}
	module, err := normalizeModule(cmd.Module)
	if err != nil {
		return Loaded{}, err
	}
	assignment, err := normalizeAssignment(cmd.Assignment)
	if err != nil {
		return Loaded{}, err
	}
	identity := strings.TrimSpace(cmd.Identity)
	if identity == "" {
		return Loaded{}, validationf("identity is required")
	}
	text, err := s.contentText(ctx, cmd)
	if err != nil {
		return Loaded{}, err
	}

	hash, created, err := s.deps.Hasher.Anonymize(ctx, identity)
	if err != nil {
		return Loaded{}, classify(err, "anonymize identity")
	}
	if _, dup := s.deps.Projection.FindActive(hash, module, assignment); dup {
		return Loaded{}, duplicateLoad(module, assignment)
	}

	docID := uuid.NewString()
	redactions := 0
	if s.cfg.RedactContent {
		text, redactions = pii.Redact(text, identity)
	}
	stored, err := extract.Store(ctx, s.deps.Content, docID, text)
	if err != nil {
		return Loaded{}, classify(err, "store document content")
	}
	committed := false
	defer func() {
		if !committed {
			s.purgeContent(ctx, docID, stored.Key)
		}
	}()

	evts, err := s.deps.Log.Append(ctx, func() ([]events.Payload, error) {
		if _, dup := s.deps.Projection.FindActive(hash, module, assignment); dup {
			return nil, duplicateLoad(module, assignment)
		}
		var out []events.Payload
		if !s.deps.Projection.IdentityKnown(hash) {
			out = append(out, events.IdentityAnonymized{IdentityHash: hash})
		}
		return append(out, events.DocumentLoaded{
			DocumentID:    docID,
			IdentityHash:  hash,
			Module:        module,
			Assignment:    assignment,
			ContentRef:    stored.Key,
			ContentDigest: stored.Digest,
			ContentBytes:  stored.Bytes,
			SourceMime:    cmd.MimeType,
		}), nil
	})
	if err != nil {
		return Loaded{}, classify(err, "record document")
	}
	committed = true
	last := evts[len(evts)-1]
	telemetry.Info("orchestrator.document_loaded", map[string]any{
		"document_id":   docID,
		"identity_hash": telemetry.ShortHash(hash),
		"module":        module,
		"assignment":    assignment,
		"redactions":    redactions,
		"sequence":      last.Sequence,
	})
	return Loaded{DocumentID: docID, Status: projection.StatusPending, NewIdentity: created, Sequence: last.Sequence}, nil
}

// RequestAnalysis records the request and queues it on the worker pool. It
// returns once the request is queued; use AwaitAnalysis for the outcome.
func (s *Service) RequestAnalysis(ctx context.Context, cmd RequestAnalysis) (Ticket, error) {
	if err := s.ready(); err != nil {
		return Ticket{}, err
	}
	docID, err := requireID("document_id", cmd.DocumentID)
	if err != nil {
		return Ticket{}, err
	}
	rubricID, err := requireID("rubric_id", cmd.RubricID)
	if err != nil {
		return Ticket{}, err
	}
	rb, err := s.deps.Rubrics.Get(rubricID)
	if err != nil {
		return Ticket{}, classify(err, "rubric not found")
	}
	doc, err := s.deps.Projection.Current(docID)
	if err != nil {
		return Ticket{}, classify(err, "document not found")
	}
	if err := analyzable(doc); err != nil {
		return Ticket{}, err
	}

	text, err := extract.Load(ctx, s.deps.Content, doc.ContentRef)
	if err != nil {
		return Ticket{}, classify(err, "load document content")
	}
	scrubbed, redactions := pii.Redact(text)

	now := s.cfg.Clock()
	t := Ticket{
		AnalysisID: uuid.NewString(),
		RequestID:  uuid.NewString(),
		DocumentID: docID,
		Deadline:   now.Add(s.cfg.AnalysisTimeout).UTC().Truncate(time.Millisecond),
	}
	_, err = s.deps.Log.Append(ctx, func() ([]events.Payload, error) {
		cur, err := s.deps.Projection.Current(docID)
		if err != nil {
			return nil, classify(err, "document not found")
		}
		if err := analyzable(cur); err != nil {
			return nil, err
		}
		return []events.Payload{events.AnalysisRequested{
			DocumentID:   docID,
			IdentityHash: cur.IdentityHash,
			AnalysisID:   t.AnalysisID,
			RequestID:    t.RequestID,
			Rubric:       rb,
			Deadline:     t.Deadline,
			Redactions:   redactions,
		}}, nil
	})
	if err != nil {
		return Ticket{}, classify(err, "record analysis request")
	}

	fields := map[string]any{
		"document_id": docID,
		"analysis_id": t.AnalysisID,
		"request_id":  t.RequestID,
		"rubric_id":   rb.ID,
		"redactions":  redactions,
	}
	req := analysis.Request{
		RequestID:    t.RequestID,
		IdentityHash: doc.IdentityHash,
		EssayText:    scrubbed,
		Rubric:       analysis.SpecFromRubric(rb),
	}
	s.track(t.AnalysisID)
	out, err := s.deps.Dispatcher.Submit(req, t.Deadline)
	if err != nil {
		fields["error"] = err.Error()
		telemetry.Warn("orchestrator.submit_failed", fields)
		ferr := s.fail(context.Background(), t.AnalysisID, events.ReasonWorkerFailed, err.Error())
		s.settle(t.AnalysisID, ferr)
		s.wg.Done()
		if errors.Is(err, analysis.ErrInvalidRequest) {
			return Ticket{}, &Error{Kind: KindValidation, Message: "document cannot be analyzed", Err: err}
		}
		return Ticket{}, &Error{Kind: KindInternal, Message: "analysis capacity exhausted", Err: err}
	}
	telemetry.Info("orchestrator.analysis_requested", fields)

	go s.await(t, doc.IdentityHash, rb, out)
	return t, nil
}

// AwaitAnalysis blocks until the analysis is resolved or ctx ends, then
// returns its state. A timed out or rejected analysis also returns the
// matching error kind. When ctx ends first the open state is returned
// without error.
func (s *Service) AwaitAnalysis(ctx context.Context, analysisID string) (projection.Analysis, error) {
	id, err := requireID("analysis_id", analysisID)
	if err != nil {
		return projection.Analysis{}, err
	}
	s.mu.Lock()
	p := s.pending[id]
	s.mu.Unlock()
	if p != nil {
		select {
		case <-p.done:
			if p.err != nil {
				return projection.Analysis{}, classify(p.err, "record analysis outcome")
			}
		case <-ctx.Done():
		}
	}
	a, err := s.deps.Projection.Analysis(id)
	if err != nil {
		return projection.Analysis{}, classify(err, "analysis not found")
	}
	if a.State != projection.AnalysisFailed {
		return a, nil
	}
	switch a.Reason {
	case events.ReasonTimeout:
		return a, &Error{Kind: KindTimeout, Message: "analysis timed out"}
	default:
		return a, &Error{Kind: KindProtocolViolation, Message: "analysis rejected: " + a.Reason}
	}
}

// EditFeedback overwrites the feedback and score for one criterion of an
// analyzed document and returns the updated document.
func (s *Service) EditFeedback(ctx context.Context, cmd EditFeedback) (projection.Document, error) {
	if err := s.ready(); err != nil {
		return projection.Document{}, err
	}
	docID, err := requireID("document_id", cmd.DocumentID)
	if err != nil {
		return projection.Document{}, err
	}
	criterionID, err := requireID("criterion_id", cmd.CriterionID)
	if err != nil {
		return projection.Document{}, err
	}
	if err := checkFeedback(cmd.Text, cmd.Score); err != nil {
		return projection.Document{}, err
	}

	check := func() (projection.Document, error) {
		doc, err := s.deps.Projection.Current(docID)
		if err != nil {
			return doc, classify(err, "document not found")
		}
		if err := editable(doc); err != nil {
			return doc, err
		}
		cs, ok := doc.Result.Criterion(criterionID)
		if !ok {
			return doc, newError(KindNotFound, "criterion %s not found", criterionID)
		}
		if cmd.Score < 0 || cmd.Score > cs.MaxScore {
			return doc, validationf("score must be within 0..%g", cs.MaxScore)
		}
		return doc, nil
	}
	if _, err := check(); err != nil {
		return projection.Document{}, err
	}
	_, err = s.deps.Log.Append(ctx, func() ([]events.Payload, error) {
		doc, err := check()
		if err != nil {
			return nil, err
		}
		return []events.Payload{events.FeedbackEdited{
			DocumentID:   docID,
			IdentityHash: doc.IdentityHash,
			CriterionID:  criterionID,
			Text:         cmd.Text,
			Score:        cmd.Score,
		}}, nil
	})
	if err != nil {
		return projection.Document{}, classify(err, "record feedback edit")
	}
	doc, err := s.deps.Projection.Current(docID)
	if err != nil {
		return projection.Document{}, classify(err, "document not found")
	}
	return doc, nil
}

// ExportDocument re-associates the identity of an analyzed document and
// records the export. If the mapping cannot be read nothing is recorded.
func (s *Service) ExportDocument(ctx context.Context, cmd ExportDocument) (Export, error) {
	if err := s.ready(); err != nil {
		return Export{}, err
	}
	docID, err := requireID("document_id", cmd.DocumentID)
	if err != nil {
		return Export{}, err
	}
	format := strings.ToLower(strings.TrimSpace(cmd.Format))
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatMarkdown, FormatText:
	default:
		return Export{}, validationf("format must be one of json, markdown, text")
	}

	doc, err := s.deps.Projection.Current(docID)
	if err != nil {
		return Export{}, classify(err, "document not found")
	}
	if err := editable(doc); err != nil {
		return Export{}, err
	}
	identity, err := s.deps.Reassociator.Reassociate(ctx, doc.IdentityHash)
	if err != nil {
		telemetry.Warn("orchestrator.reassociate_failed", map[string]any{
			"document_id":   docID,
			"identity_hash": telemetry.ShortHash(doc.IdentityHash),
			"error":         err.Error(),
		})
		if errors.Is(err, anonymize.ErrNotFound) {
			return Export{}, &Error{Kind: KindNotFound, Message: "identity mapping not found", Err: err}
		}
		return Export{}, &Error{Kind: KindMappingUnavailable, Message: "identity mapping unavailable", Err: err}
	}

	evts, err := s.deps.Log.Append(ctx, func() ([]events.Payload, error) {
		cur, err := s.deps.Projection.Current(docID)
		if err != nil {
			return nil, classify(err, "document not found")
		}
		if err := editable(cur); err != nil {
			return nil, err
		}
		doc = cur
		return []events.Payload{events.DocumentExported{
			DocumentID:   docID,
			IdentityHash: cur.IdentityHash,
			Format:       format,
		}}, nil
	})
	if err != nil {
		return Export{}, classify(err, "record export")
	}
	telemetry.Info("orchestrator.document_exported", map[string]any{
		"document_id": docID,
		"format":      format,
		"sequence":    evts[0].Sequence,
	})
	return Export{
		DocumentID: docID,
		Identity:   identity,
		Module:     doc.Module,
		Assignment: doc.Assignment,
		Format:     format,
		RubricID:   doc.RubricID,
		Criteria:   doc.Result.Criteria,
		Total:      doc.Result.Total,
		MaxTotal:   doc.Result.MaxTotal,
		Percentage: doc.Result.Percentage,
		Grade:      doc.Result.Grade,
		ExportedAt: evts[0].Timestamp,
	}, nil
}

// DeleteDocument tombstones a document and purges its stored text. The same
// identity may then load the assignment again.
func (s *Service) DeleteDocument(ctx context.Context, cmd DeleteDocument) error {
	if err := s.ready(); err != nil {
		return err
	}
	docID, err := requireID("document_id", cmd.DocumentID)
	if err != nil {
		return err
	}
	reason := strings.TrimSpace(cmd.Reason)
	if len(reason) > 500 {
		return validationf("reason is too long")
	}
	var contentRef string
	_, err = s.deps.Log.Append(ctx, func() ([]events.Payload, error) {
		doc, err := s.deps.Projection.Current(docID)
		if err != nil {
			return nil, classify(err, "document not found")
		}
		if doc.Status == projection.StatusAnalyzing {
			return nil, analysisInProgress()
		}
		contentRef = doc.ContentRef
		return []events.Payload{events.DocumentDeleted{
			DocumentID:   docID,
			IdentityHash: doc.IdentityHash,
			Reason:       reason,
		}}, nil
	})
	if err != nil {
		return classify(err, "record deletion")
	}
	telemetry.Info("orchestrator.document_deleted", map[string]any{"document_id": docID})

	// The tombstone is committed; a failed purge leaves an orphaned object
	// but never an undeleted document.
	s.purgeContent(ctx, docID, contentRef)
	return nil
}

// purgeContent removes stored essay text, logging rather than returning a
// failure.
func (s *Service) purgeContent(ctx context.Context, docID, key string) {
	if key == "" {
		return
	}
	if err := s.deps.Content.Delete(context.WithoutCancel(ctx), key); err != nil {
		telemetry.Warn("orchestrator.content_purge_failed", map[string]any{
			"document_id": docID,
			"error":       err.Error(),
		})
	}
}

// Document returns the current view of a live document.
func (s *Service) Document(documentID string) (projection.Document, error) {
	id, err := requireID("document_id", documentID)
	if err != nil {
		return projection.Document{}, err
	}
	doc, err := s.deps.Projection.Current(id)
	if err != nil {
		return projection.Document{}, classify(err, "document not found")
	}
	return doc, nil
}

// Analysis returns the current state of an analysis without waiting.
func (s *Service) Analysis(analysisID string) (projection.Analysis, error) {
	id, err := requireID("analysis_id", analysisID)
	if err != nil {
		return projection.Analysis{}, err
	}
	a, err := s.deps.Projection.Analysis(id)
	if err != nil {
		return projection.Analysis{}, classify(err, "analysis not found")
	}
	return a, nil
}

// Rubrics lists the configured rubrics.
func (s *Service) Rubrics() []rubric.Rubric {
	return s.deps.Rubrics.List()
}

// Close stops the worker pool, records the outcome of every analysis it held
// and writes a final checkpoint. Analyses recovered from an earlier process
// and not yet expired stay open and are resolved by the next Start.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, p := range s.pending {
		if p.timer != nil && p.timer.Stop() {
			close(p.done)
			delete(s.pending, id)
			s.wg.Done()
		}
	}
	started := s.started
	s.mu.Unlock()

	s.deps.Dispatcher.Stop()
	s.wg.Wait()
	close(s.stop)
	s.loopWG.Wait()
	if !started {
		return nil
	}
	_, err := s.Checkpoint(context.Background())
	return err
}

func (s *Service) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &Error{Kind: KindInternal, Message: "service is shutting down"}
	}
	return nil
}

func (s *Service) contentText(ctx context.Context, cmd LoadDocument) (string, error) {
	var text string
	if len(cmd.Data) > 0 {
		if len(cmd.Data) > 8*s.cfg.MaxContentBytes {
			return "", validationf("submitted file is too large")
		}
		extracted, err := extract.Text(ctx, cmd.Data, cmd.MimeType, cmd.FileName)
		switch {
		case errors.Is(err, extract.ErrUnsupported), errors.Is(err, extract.ErrNoText):
			return "", &Error{Kind: KindValidation, Message: err.Error(), Err: err}
		case err != nil:
			return "", &Error{Kind: KindValidation, Message: "could not read submitted file", Err: err}
		}
		text = extracted
	} else {
		text = strings.TrimSpace(cmd.Content)
	}
	if text == "" {
		return "", validationf("content is required")
	}
	if len(text) > s.cfg.MaxContentBytes {
		return "", validationf("content exceeds %d bytes", s.cfg.MaxContentBytes)
	}
	return text, nil
}

func editable(doc projection.Document) error {
	if doc.Status == projection.StatusAnalyzing {
		return analysisInProgress()
	}
	if !doc.HasResult {
		return newError(KindConflict, "document has not been analyzed")
	}
	return nil
}

// analyzable admits only Pending documents so status never moves back from
// Analyzed or Exported. A failed analysis restores Pending.
func analyzable(doc projection.Document) error {
	switch doc.Status {
	case projection.StatusPending:
		return nil
	case projection.StatusAnalyzing:
		return analysisInProgress()
	default:
		return newError(KindConflict, "document is already %s", strings.ToLower(string(doc.Status)))
	}
}

func duplicateLoad(module, assignment string) *Error {
	return newError(KindConflict, "a document for this identity is already loaded for %s/%s", module, assignment)
}

func analysisInProgress() *Error {
	return newError(KindConflict, "an analysis is already in progress for this document")
}

const maxDetailBytes = 240

func sanitizeDetail(detail string) string {
	clean, _ := pii.Redact(detail)
	if len(clean) <= maxDetailBytes {
		return clean
	}
	cut := maxDetailBytes
	for cut > 0 && !utf8.RuneStart(clean[cut]) {
		cut--
	}
	return clean[:cut]
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, analysis.ErrTimeout):
		return events.ReasonTimeout
	case errors.Is(err, analysis.ErrProtocolViolation):
		return events.ReasonProtocolViolation
	default:
		return events.ReasonWorkerFailed
	}
}
