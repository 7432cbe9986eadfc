package orchestrator_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marking-backend/internal/analysis"
	"marking-backend/internal/analysis/worker"
	"marking-backend/internal/anonymize"
	"marking-backend/internal/eventlog"
	"marking-backend/internal/events"
	"marking-backend/internal/orchestrator"
	"marking-backend/internal/projection"
	"marking-backend/internal/rubric"
	"marking-backend/internal/shared/storage/object"
	"marking-backend/internal/shared/storage/object/local"
)

const essay = "Packet switching splits data into packets.\n\nHowever, congestion control matters (Smith, 2020)."

type flakyStore struct {
	*eventlog.MemoryStore
	fail atomic.Bool
}

func (s *flakyStore) Append(ctx context.Context, recs []events.Record) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStore.Append(ctx, recs)
}

type flakyMappings struct {
	*anonymize.MemoryMappingStore
	down atomic.Bool
}

func (m *flakyMappings) GetByHash(ctx context.Context, hash string) (anonymize.Mapping, error) {
	if m.down.Load() {
		return anonymize.Mapping{}, errors.New("connection refused")
	}
	return m.MemoryMappingStore.GetByHash(ctx, hash)
}

// fixedEngine scores every criterion from a table.
type fixedEngine struct {
	scores map[string]float64
	mu     sync.Mutex
	seen   []string
}

func (e *fixedEngine) Analyze(ctx context.Context, req analysis.Request) ([]analysis.Suggestion, error) {
	e.mu.Lock()
	e.seen = append(e.seen, req.EssayText)
	e.mu.Unlock()
	out := make([]analysis.Suggestion, 0, len(req.Rubric.Criteria))
	for _, c := range req.Rubric.Criteria {
		score := e.scores[c.ID]
		conf := 0.8
		out = append(out, analysis.Suggestion{CriterionID: c.ID, Score: &score, Confidence: &conf, Feedback: "Clear and well argued."})
	}
	return out, nil
}

func (e *fixedEngine) texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.seen...)
}

func standardScores() *fixedEngine {
	return &fixedEngine{scores: map[string]float64{"understanding": 24, "analysis": 22, "structure": 17, "evidence": 15}}
}

func engineServe(engine worker.Engine) analysis.ServeFunc {
	return func(ctx context.Context, r io.Reader, w io.Writer, key []byte) error {
		return worker.Serve(ctx, r, w, key, engine)
	}
}

// rawServe answers pings and hands each analyze frame to respond.
func rawServe(respond func(req analysis.Request, w *analysis.FrameWriter) error) analysis.ServeFunc {
	return func(ctx context.Context, r io.Reader, w io.Writer, key []byte) error {
		reader := analysis.NewFrameReader(r, key, 0)
		writer := analysis.NewFrameWriter(w, key)
		for {
			frame, err := reader.Read()
			if err != nil {
				return nil
			}
			switch frame.Type {
			case analysis.FramePing:
				if err := writer.Write(analysis.FramePong, frame.ID, nil); err != nil {
					return err
				}
			case analysis.FrameShutdown:
				return nil
			case analysis.FrameAnalyze:
				req, err := analysis.DecodeRequest(frame.Body)
				if err != nil {
					return err
				}
				if err := respond(req, writer); err != nil {
					return err
				}
			}
		}
	}
}

func markingRubric() rubric.Rubric {
	return rubric.Rubric{
		ID: "tm112-tma",
		Criteria: []rubric.Criterion{
			{ID: "understanding", MaxScore: 30, Weight: 0.3},
			{ID: "analysis", MaxScore: 30, Weight: 0.3},
			{ID: "structure", MaxScore: 20, Weight: 0.2},
			{ID: "evidence", MaxScore: 20, Weight: 0.2},
		},
		Boundaries: []rubric.GradeBoundary{{Grade: "B+", Min: 75}, {Grade: "B", Min: 70}, {Grade: "C", Min: 0}},
	}
}

type harness struct {
	svc      *orchestrator.Service
	log      *eventlog.Log
	engine   *projection.Engine
	store    *flakyStore
	mappings *flakyMappings
	content  object.ObjectStore
}

func newHarness(t *testing.T, serve analysis.ServeFunc, cfg orchestrator.Config) *harness {
	t.Helper()
	return newHarnessOn(t, &flakyStore{MemoryStore: eventlog.NewMemoryStore()}, &flakyMappings{MemoryMappingStore: anonymize.NewMemoryMappingStore()}, local.New(t.TempDir()), serve, cfg)
}

func newHarnessOn(t *testing.T, store *flakyStore, mappings *flakyMappings, content object.ObjectStore, serve analysis.ServeFunc, cfg orchestrator.Config) *harness {
	t.Helper()
	ctx := context.Background()

	log, _, err := eventlog.Open(ctx, store, eventlog.Options{})
	require.NoError(t, err)
	engine := projection.NewEngine()
	require.NoError(t, engine.Rebuild(ctx, log))
	log.Subscribe(engine.Apply)

	keys, err := anonymize.DeriveKeys(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	gate, err := anonymize.NewGate(mappings, keys)
	require.NoError(t, err)

	registry, err := rubric.NewRegistry(markingRubric())
	require.NoError(t, err)

	dispatcher := analysis.NewDispatcher(analysis.PipeLauncher{Serve: serve}, analysis.Options{Slots: 2})
	dispatcher.Start()

	svc, err := orchestrator.New(cfg, orchestrator.Deps{
		Log:          log,
		Hasher:       gate,
		Reassociator: gate,
		Projection:   engine,
		Rubrics:      registry,
		Dispatcher:   dispatcher,
		Content:      content,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() {
		_ = svc.Close()
		_ = log.Close()
	})
	return &harness{svc: svc, log: log, engine: engine, store: store, mappings: mappings, content: content}
}

func (h *harness) load(t *testing.T, identity, assignment string) orchestrator.Loaded {
	t.Helper()
	loaded, err := h.svc.LoadDocument(context.Background(), orchestrator.LoadDocument{
		Identity:   identity,
		Module:     "TM112",
		Assignment: assignment,
		Content:    essay,
	})
	require.NoError(t, err)
	return loaded
}

func (h *harness) analyze(t *testing.T, documentID string) (projection.Analysis, error) {
	t.Helper()
	ticket, err := h.svc.RequestAnalysis(context.Background(), orchestrator.RequestAnalysis{DocumentID: documentID, RubricID: "tm112-tma"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.svc.AwaitAnalysis(ctx, ticket.AnalysisID)
}

func (h *harness) kinds(t *testing.T, documentID string) []events.Kind {
	t.Helper()
	evts, err := h.log.ReadForKey(context.Background(), eventlog.ByDocument(documentID))
	require.NoError(t, err)
	out := make([]events.Kind, 0, len(evts))
	for _, evt := range evts {
		out = append(out, evt.Kind())
	}
	return out
}

func TestSecondLoadForSameAssignmentConflicts(t *testing.T) {
	h := newHarness(t, engineServe(standardScores()), orchestrator.Config{})

	first := h.load(t, "A1234567", "TMA01")
	assert.True(t, first.NewIdentity)
	assert.Equal(t, uint64(2), first.Sequence)

	_, err := h.svc.LoadDocument(context.Background(), orchestrator.LoadDocument{
		Identity: "A1234567", Module: "TM112", Assignment: "TMA01", Content: essay,
	})
	require.ErrorIs(t, err, orchestrator.ErrKindConflict)
	assert.NotContains(t, err.Error(), "A1234567")
	assert.Equal(t, uint64(2), h.log.Head())

	second := h.load(t, "A1234567", "TMA02")
	assert.False(t, second.NewIdentity)

	d1, err := h.svc.Document(first.DocumentID)
	require.NoError(t, err)
	d2, err := h.svc.Document(second.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, d1.IdentityHash, d2.IdentityHash)
	assert.Len(t, d1.IdentityHash, 128)

	byIdentity, err := h.log.ReadForKey(context.Background(), eventlog.ByIdentity(d1.IdentityHash))
	require.NoError(t, err)
	assert.Len(t, byIdentity, 3, "one IdentityAnonymized and two DocumentLoaded")
}

func TestAnalysisScoresEditsAndExports(t *testing.T) {
	h := newHarness(t, engineServe(standardScores()), orchestrator.Config{})
	loaded := h.load(t, "A1234567", "TMA01")

	a, err := h.analyze(t, loaded.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, projection.AnalysisCompleted, a.State)

	doc, err := h.svc.Document(loaded.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, projection.StatusAnalyzed, doc.Status)
	assert.Equal(t, 78.0, doc.Result.Total)
	assert.Equal(t, 100.0, doc.Result.MaxTotal)
	assert.Equal(t, "B+", doc.Result.Grade)

	doc, err = h.svc.EditFeedback(context.Background(), orchestrator.EditFeedback{
		DocumentID: loaded.DocumentID, CriterionID: "evidence", Text: "Cite primary sources.", Score: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 73.0, doc.Result.Total)
	assert.Equal(t, "B", doc.Result.Grade)
	evidence, ok := doc.Result.Criterion("evidence")
	require.True(t, ok)
	assert.True(t, evidence.Edited)
	assert.Equal(t, "Cite primary sources.", evidence.Feedback)

	out, err := h.svc.ExportDocument(context.Background(), orchestrator.ExportDocument{DocumentID: loaded.DocumentID, Format: "markdown"})
	require.NoError(t, err)
	assert.Equal(t, "A1234567", out.Identity)
	assert.Equal(t, "TM112", out.Module)
	assert.Equal(t, 73.0, out.Total)
	assert.Equal(t, "B", out.Grade)
	assert.Equal(t, orchestrator.FormatMarkdown, out.Format)

	doc, err = h.svc.Document(loaded.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, projection.StatusExported, doc.Status)

	assert.Equal(t, []events.Kind{
		events.KindDocumentLoaded,
		events.KindAnalysisRequested,
		events.KindAnalysisCompleted,
		events.KindFeedbackEdited,
		events.KindDocumentExported,
	}, h.kinds(t, loaded.DocumentID))
}

func TestEditFeedbackRules(t *testing.T) {
	h := newHarness(t, engineServe(standardScores()), orchestrator.Config{})
	loaded := h.load(t, "A1234567", "TMA01")

	_, err := h.svc.EditFeedback(context.Background(), orchestrator.EditFeedback{DocumentID: loaded.DocumentID, CriterionID: "evidence", Score: 5})
	assert.ErrorIs(t, err, orchestrator.ErrKindConflict, "no result yet")

	_, err = h.analyze(t, loaded.DocumentID)
	require.NoError(t, err)

	cases := []struct {
		name string
		cmd  orchestrator.EditFeedback
		kind *orchestrator.Error
	}{
		{"unknown criterion", orchestrator.EditFeedback{DocumentID: loaded.DocumentID, CriterionID: "style", Score: 1}, orchestrator.ErrKindNotFound},
		{"score above max", orchestrator.EditFeedback{DocumentID: loaded.DocumentID, CriterionID: "evidence", Score: 21}, orchestrator.ErrKindValidation},
		{"negative score", orchestrator.EditFeedback{DocumentID: loaded.DocumentID, CriterionID: "evidence", Score: -1}, orchestrator.ErrKindValidation},
		{"unknown document", orchestrator.EditFeedback{DocumentID: "missing", CriterionID: "evidence", Score: 1}, orchestrator.ErrKindNotFound},
	}
	head := h.log.Head()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.EditFeedback(context.Background(), tc.cmd)
			assert.ErrorIs(t, err, tc.kind)
		})
	}
	assert.Equal(t, head, h.log.Head())
}

func TestTimeoutAppendsAnalysisFailed(t *testing.T) {
	block := make(chan struct{})
	serve := rawServe(func(req analysis.Request, w *analysis.FrameWriter) error {
		<-block
		return nil
	})
	h := newHarness(t, serve, orchestrator.Config{AnalysisTimeout: 150 * time.Millisecond})
	t.Cleanup(func() { close(block) })
	loaded := h.load(t, "A1234567", "TMA01")

	a, err := h.analyze(t, loaded.DocumentID)
	require.ErrorIs(t, err, orchestrator.ErrKindTimeout)
	assert.Equal(t, projection.AnalysisFailed, a.State)
	assert.Equal(t, events.ReasonTimeout, a.Reason)

	doc, err := h.svc.Document(loaded.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, projection.StatusPending, doc.Status)
	assert.False(t, doc.HasResult)
	assert.Equal(t, []events.Kind{
		events.KindDocumentLoaded,
		events.KindAnalysisRequested,
		events.KindAnalysisFailed,
	}, h.kinds(t, loaded.DocumentID))
}

func TestMismatchedIdentityHashIsNeverFolded(t *testing.T) {
	serve := rawServe(func(req analysis.Request, w *analysis.FrameWriter) error {
		score, conf := 20.0, 0.9
		return w.Write(analysis.FrameResult, req.RequestID, analysis.Response{
			RequestID:    req.RequestID,
			IdentityHash: strings.Repeat("ab", 64),
			Suggestions:  []analysis.Suggestion{{CriterionID: "evidence", Score: &score, Confidence: &conf}},
		})
	})
	h := newHarness(t, serve, orchestrator.Config{})
	loaded := h.load(t, "A1234567", "TMA01")

	a, err := h.analyze(t, loaded.DocumentID)
	require.ErrorIs(t, err, orchestrator.ErrKindProtocolViolation)
	assert.Equal(t, events.ReasonProtocolViolation, a.Reason)

	doc, err := h.svc.Document(loaded.DocumentID)
	require.NoError(t, err)
	assert.False(t, doc.HasResult)
	assert.Equal(t, projection.StatusPending, doc.Status)
	assert.NotContains(t, h.kinds(t, loaded.DocumentID), events.KindAnalysisCompleted)
}

func TestWorkerReceivesScrubbedText(t *testing.T) {
	engine := standardScores()
	h := newHarness(t, engineServe(engine), orchestrator.Config{RedactContent: false})
	loaded, err := h.svc.LoadDocument(context.Background(), orchestrator.LoadDocument{
		Identity:   "A1234567",
		Module:     "tm112",
		Assignment: "TMA01",
		Content:    essay + " Written by A1234567, contact jo@example.com.",
	})
	require.NoError(t, err)

	a, err := h.analyze(t, loaded.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Redactions)

	texts := engine.texts()
	require.Len(t, texts, 1)
	assert.NotContains(t, texts[0], "A1234567")
	assert.NotContains(t, texts[0], "jo@example.com")
	assert.Contains(t, texts[0], "[STUDENT_ID_REDACTED]")
}

func TestStoredContentIsRedactedAtLoad(t *testing.T) {
	h := newHarness(t, engineServe(standardScores()), orchestrator.Config{RedactContent: true})
	loaded, err := h.svc.LoadDocument(context.Background(), orchestrator.LoadDocument{
		Identity:   "Jo Bloggs",
		Module:     "TM112",
		Assignment: "TMA01",
		Content:    essay + " Jo Bloggs",
	})
	require.NoError(t, err)

	doc, err := h.svc.Document(loaded.DocumentID)
	require.NoError(t, err)
	rc, err := h.content.Open(context.Background(), doc.ContentRef)
	require.NoError(t, err)
	defer rc.Close()
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.NotContains(t, string(stored), "Jo Bloggs")
	assert.Contains(t, string(stored), "[REDACTED]")
}

func TestValidationRejectsBeforeAnyEvent(t *testing.T) {
	h := newHarness(t, engineServe(standardScores()), orchestrator.Config{MaxContentBytes: 200})

	cases := []struct {
		name string
		cmd  orchestrator.LoadDocument
	}{
		{"blank identity", orchestrator.LoadDocument{Identity: "  ", Module: "TM112", Assignment: "TMA01", Content: essay}},
		{"bad module", orchestrator.LoadDocument{Identity: "A1234567", Module: "ABCD123", Assignment: "TMA01", Content: essay}},
		{"missing assignment", orchestrator.LoadDocument{Identity: "A1234567", Module: "TM112", Content: essay}},
		{"bad assignment", orchestrator.LoadDocument{Identity: "A1234567", Module: "TM112", Assignment: "TMA 01!", Content: essay}},
		{"empty content", orchestrator.LoadDocument{Identity: "A1234567", Module: "TM112", Assignment: "TMA01", Content: "   "}},
		{"oversized content", orchestrator.LoadDocument{Identity: "A1234567", Module: "TM112", Assignment: "TMA01", Content: strings.Repeat("x", 201)}},
		{"unsupported file", orchestrator.LoadDocument{Identity: "A1234567", Module: "TM112", Assignment: "TMA01", Data: []byte{1, 2, 3}, MimeType: "image/png"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.LoadDocument(context.Background(), tc.cmd)
			require.ErrorIs(t, err, orchestrator.ErrKindValidation)
			assert.NotContains(t, err.Error(), "A1234567")
		})
	}

	_, err := h.svc.RequestAnalysis(context.Background(), orchestrator.RequestAnalysis{DocumentID: "", RubricID: "tm112-tma"})
	assert.ErrorIs(t, err, orchestrator.ErrKindValidation)
	_, err = h.svc.RequestAnalysis(context.Background(), orchestrator.RequestAnalysis{DocumentID: "nope", RubricID: "tm112-tma"})
	assert.ErrorIs(t, err, orchestrator.ErrKindNotFound)
	_, err = h.svc.ExportDocument(context.Background(), orchestrator.ExportDocument{DocumentID: "nope", Format: "pdf"})
	assert.ErrorIs(t, err, orchestrator.ErrKindValidation)

	assert.Equal(t, uint64(0), h.log.Head())
}

func TestUnknownRubricIsNotFound(t *testing.T) {
	h := newHarness(t, engineServe(standardScores()), orchestrator.Config{})
	loaded := h.load(t, "A1234567", "TMA01")
	_, err := h.svc.RequestAnalysis(context.Background(), orchestrator.RequestAnalysis{DocumentID: loaded.DocumentID, RubricID: "m250-ema"})
	assert.ErrorIs(t, err, orchestrator.ErrKindNotFound)
	assert.Equal(t, []events.Kind{events.KindDocumentLoaded}, h.kinds(t, loaded.DocumentID))
}

func TestLogWriteFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t, engineServe(standardScores()), orchestrator.Config{})

	h.store.fail.Store(true)
	_, err := h.svc.LoadDocument(context.Background(), orchestrator.LoadDocument{
		Identity: "A1234567", Module: "TM112", Assignment: "TMA01", Content: essay,
	})
	require.ErrorIs(t, err, orchestrator.ErrKindLogWriteFailure)
	assert.Equal(t, uint64(0), h.log.Head())
	assert.Empty(t, h.engine.Documents())
	assert.False(t, h.log.ReadOnly())

	h.store.fail.Store(false)
	loaded := h.load(t, "A1234567", "TMA01")
	assert.Equal(t, uint64(2), loaded.Sequence)
}

func TestExportWithMappingUnavailableRecordsNothing(t *testing.T) {
	h := newHarness(t, engineServe(standardScores()), orchestrator.Config{})
	loaded := h.load(t, "A1234567", "TMA01")
	_, err := h.analyze(t, loaded.DocumentID)
	require.NoError(t, err)

	head := h.log.Head()
	h.mappings.down.Store(true)
	_, err = h.svc.ExportDocument(context.Background(), orchestrator.ExportDocument{DocumentID: loaded.DocumentID})
	require.ErrorIs(t, err, orchestrator.ErrKindMappingUnavailable)
	assert.Equal(t, head, h.log.Head())

	doc, err := h.svc.Document(loaded.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, projection.StatusAnalyzed, doc.Status)
	assert.Equal(t, 78.0, doc.Result.Total)
}

func TestDeleteAllowsReload(t *testing.T) {
	h := newHarness(t, engineServe(standardScores()), orchestrator.Config{})
	first := h.load(t, "A1234567", "TMA01")
	before, err := h.svc.Document(first.DocumentID)
	require.NoError(t, err)

	require.NoError(t, h.svc.DeleteDocument(context.Background(), orchestrator.DeleteDocument{DocumentID: first.DocumentID, Reason: "uploaded wrong file"}))
	_, err = h.svc.Document(first.DocumentID)
	assert.ErrorIs(t, err, orchestrator.ErrKindNotFound)
	_, err = h.content.Open(context.Background(), before.ContentRef)
	assert.ErrorIs(t, err, object.ErrNotFound)
	err = h.svc.DeleteDocument(context.Background(), orchestrator.DeleteDocument{DocumentID: first.DocumentID})
	assert.ErrorIs(t, err, orchestrator.ErrKindNotFound)

	second := h.load(t, "A1234567", "TMA01")
	assert.NotEqual(t, first.DocumentID, second.DocumentID)
}

func TestConcurrentAnalysisRequestConflicts(t *testing.T) {
	block := make(chan struct{})
	serve := rawServe(func(req analysis.Request, w *analysis.FrameWriter) error {
		<-block
		return nil
	})
	h := newHarness(t, serve, orchestrator.Config{AnalysisTimeout: 500 * time.Millisecond})
	t.Cleanup(func() { close(block) })
	loaded := h.load(t, "A1234567", "TMA01")

	_, err := h.svc.RequestAnalysis(context.Background(), orchestrator.RequestAnalysis{DocumentID: loaded.DocumentID, RubricID: "tm112-tma"})
	require.NoError(t, err)
	_, err = h.svc.RequestAnalysis(context.Background(), orchestrator.RequestAnalysis{DocumentID: loaded.DocumentID, RubricID: "tm112-tma"})
	assert.ErrorIs(t, err, orchestrator.ErrKindConflict)
	err = h.svc.DeleteDocument(context.Background(), orchestrator.DeleteDocument{DocumentID: loaded.DocumentID})
	assert.ErrorIs(t, err, orchestrator.ErrKindConflict)
}

func TestStartFailsAnalysesLeftOpen(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: eventlog.NewMemoryStore()}
	mappings := &flakyMappings{MemoryMappingStore: anonymize.NewMemoryMappingStore()}
	content := local.New(t.TempDir())

	// Seed a log as a crashed process would have left it.
	seed, _, err := eventlog.Open(ctx, store, eventlog.Options{})
	require.NoError(t, err)
	hash := strings.Repeat("c3", 64)
	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err = seed.AppendEvents(ctx,
		events.IdentityAnonymized{IdentityHash: hash},
		events.DocumentLoaded{DocumentID: "d-old", IdentityHash: hash, Module: "TM112", Assignment: "TMA01", ContentRef: "documents/d-old/content.txt"},
		events.AnalysisRequested{DocumentID: "d-old", IdentityHash: hash, AnalysisID: "a-old", RequestID: "r-old", Rubric: markingRubric(), Deadline: now.Add(-time.Minute)},
		events.DocumentLoaded{DocumentID: "d-new", IdentityHash: hash, Module: "TM112", Assignment: "TMA02", ContentRef: "documents/d-new/content.txt"},
		events.AnalysisRequested{DocumentID: "d-new", IdentityHash: hash, AnalysisID: "a-new", RequestID: "r-new", Rubric: markingRubric(), Deadline: now.Add(300 * time.Millisecond)},
	)
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	h := newHarnessOn(t, store, mappings, content, engineServe(standardScores()), orchestrator.Config{})

	old, err := h.svc.Analysis("a-old")
	require.NoError(t, err)
	assert.Equal(t, projection.AnalysisFailed, old.State)
	assert.Equal(t, events.ReasonTimeout, old.Reason)

	pending, err := h.svc.Analysis("a-new")
	require.NoError(t, err)
	assert.Equal(t, projection.AnalysisRequested, pending.State)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resolved, err := h.svc.AwaitAnalysis(waitCtx, "a-new")
	require.ErrorIs(t, err, orchestrator.ErrKindTimeout)
	assert.Equal(t, projection.AnalysisFailed, resolved.State)

	doc, err := h.svc.Document("d-new")
	require.NoError(t, err)
	assert.Equal(t, projection.StatusPending, doc.Status)
}

func TestCheckpointMatchesFullReplay(t *testing.T) {
	h := newHarness(t, engineServe(standardScores()), orchestrator.Config{SnapshotInterval: 1000})
	first := h.load(t, "A1234567", "TMA01")
	_, err := h.analyze(t, first.DocumentID)
	require.NoError(t, err)
	h.load(t, "B7654321", "TMA01")

	written, err := h.svc.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	again, err := h.svc.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again)

	snap, err := h.log.LatestSnapshot(context.Background(), first.DocumentID)
	require.NoError(t, err)
	doc, err := h.svc.Document(first.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, doc.LastSequence, snap.ThroughSequence)

	snaps, err := h.log.LatestSnapshots(context.Background())
	require.NoError(t, err)
	recovered := projection.NewEngine()
	require.NoError(t, recovered.Recover(context.Background(), h.log, snaps))
	replayed := projection.NewEngine()
	require.NoError(t, replayed.Rebuild(context.Background(), h.log))
	want, got := replayed.Documents(), recovered.Documents()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Status, got[i].Status)
		assert.Equal(t, want[i].LastSequence, got[i].LastSequence)
		assert.Equal(t, want[i].Result.Total, got[i].Result.Total)
		assert.Equal(t, want[i].Result.Grade, got[i].Result.Grade)
	}
}

func TestClosedServiceRejectsCommands(t *testing.T) {
	h := newHarness(t, engineServe(standardScores()), orchestrator.Config{})
	require.NoError(t, h.svc.Close())
	_, err := h.svc.LoadDocument(context.Background(), orchestrator.LoadDocument{
		Identity: "A1234567", Module: "TM112", Assignment: "TMA01", Content: essay,
	})
	assert.ErrorIs(t, err, orchestrator.ErrKindInternal)
}

// recordingContent remembers every key written through it.
type recordingContent struct {
	object.ObjectStore
	mu   sync.Mutex
	puts []string
}

func (c *recordingContent) Put(ctx context.Context, key, contentType string, r io.Reader) (int64, error) {
	c.mu.Lock()
	c.puts = append(c.puts, key)
	c.mu.Unlock()
	return c.ObjectStore.Put(ctx, key, contentType, r)
}

func (c *recordingContent) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.puts...)
}

func TestReanalysisNeverMovesStatusBack(t *testing.T) {
	h := newHarness(t, engineServe(standardScores()), orchestrator.Config{})
	loaded := h.load(t, "A1234567", "TMA01")
	_, err := h.analyze(t, loaded.DocumentID)
	require.NoError(t, err)

	head := h.log.Head()
	_, err = h.svc.RequestAnalysis(context.Background(), orchestrator.RequestAnalysis{DocumentID: loaded.DocumentID, RubricID: "tm112-tma"})
	require.ErrorIs(t, err, orchestrator.ErrKindConflict)
	assert.Equal(t, head, h.log.Head())

	_, err = h.svc.ExportDocument(context.Background(), orchestrator.ExportDocument{DocumentID: loaded.DocumentID, Format: "json"})
	require.NoError(t, err)

	head = h.log.Head()
	_, err = h.svc.RequestAnalysis(context.Background(), orchestrator.RequestAnalysis{DocumentID: loaded.DocumentID, RubricID: "tm112-tma"})
	require.ErrorIs(t, err, orchestrator.ErrKindConflict)
	assert.Equal(t, head, h.log.Head())

	doc, err := h.svc.Document(loaded.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, projection.StatusExported, doc.Status)
	assert.Equal(t, 78.0, doc.Result.Total)
}

func TestFailedAnalysisCanBeRetried(t *testing.T) {
	engine := standardScores()
	first := true
	var mu sync.Mutex
	serve := rawServe(func(req analysis.Request, w *analysis.FrameWriter) error {
		mu.Lock()
		mismatch := first
		first = false
		mu.Unlock()
		if !mismatch {
			suggestions, err := engine.Analyze(context.Background(), req)
			if err != nil {
				return err
			}
			return w.Write(analysis.FrameResult, req.RequestID, analysis.Response{
				RequestID: req.RequestID, IdentityHash: req.IdentityHash, Suggestions: suggestions,
			})
		}
		return w.Write(analysis.FrameResult, req.RequestID, analysis.Response{
			RequestID: req.RequestID, IdentityHash: strings.Repeat("0", 128),
		})
	})
	h := newHarness(t, serve, orchestrator.Config{})
	loaded := h.load(t, "A1234567", "TMA01")

	_, err := h.analyze(t, loaded.DocumentID)
	require.ErrorIs(t, err, orchestrator.ErrKindProtocolViolation)
	doc, err := h.svc.Document(loaded.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, projection.StatusPending, doc.Status)

	a, err := h.analyze(t, loaded.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, projection.AnalysisCompleted, a.State)
}

func TestRejectedLoadLeavesNoContent(t *testing.T) {
	content := &recordingContent{ObjectStore: local.New(t.TempDir())}
	store := &flakyStore{MemoryStore: eventlog.NewMemoryStore()}
	h := newHarnessOn(t, store, &flakyMappings{MemoryMappingStore: anonymize.NewMemoryMappingStore()}, content, engineServe(standardScores()), orchestrator.Config{})

	store.fail.Store(true)
	_, err := h.svc.LoadDocument(context.Background(), orchestrator.LoadDocument{
		Identity: "A1234567", Module: "TM112", Assignment: "TMA01", Content: essay,
	})
	require.ErrorIs(t, err, orchestrator.ErrKindLogWriteFailure)
	store.fail.Store(false)

	written := content.keys()
	require.Len(t, written, 1)
	_, err = content.Open(context.Background(), written[0])
	assert.ErrorIs(t, err, object.ErrNotFound)

	loaded := h.load(t, "A1234567", "TMA01")
	doc, err := h.svc.Document(loaded.DocumentID)
	require.NoError(t, err)
	rc, err := content.Open(context.Background(), doc.ContentRef)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
}
