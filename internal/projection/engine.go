// Package projection folds the event log into the in-memory document view.
//
// The view is a cache: it can be thrown away and rebuilt from the log at any
// time. Every event kind has exactly one fold rule in fold.go.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"marking-backend/internal/events"
	"marking-backend/internal/eventlog"
)

var ErrNotFound = errors.New("document not found")

// Source is the read side of the event log.
type Source interface {
	ReadRange(ctx context.Context, from, to uint64) ([]events.Event, error)
}

type activeKey struct {
	hash       string
	module     string
	assignment string
}

// Engine holds the folded state.
type Engine struct {
	mu         sync.RWMutex
	head       uint64
	docs       map[string]*Document
	analyses   map[string]*Analysis
	identities map[string]struct{}
	active     map[activeKey]string
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	e := &Engine{}
	e.reset()
	return e
}

func (e *Engine) reset() {
	e.head = 0
	e.docs = make(map[string]*Document)
	e.analyses = make(map[string]*Analysis)
	e.identities = make(map[string]struct{})
	e.active = make(map[activeKey]string)
}

// Apply folds one committed event. Events at or below the current head are
// ignored, so replaying an overlapping range is harmless.
func (e *Engine) Apply(evt events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if evt.Sequence <= e.head {
		return
	}
	evt.Accept(folder{e})
	e.head = evt.Sequence
}

// Head is the sequence of the last folded event.
func (e *Engine) Head() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.head
}

// Current returns a copy of a live document.
func (e *Engine) Current(documentID string) (Document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc, ok := e.docs[documentID]
	if !ok || doc.Deleted {
		return Document{}, ErrNotFound
	}
	return doc.clone(), nil
}

// Find returns a document even when it is tombstoned.
func (e *Engine) Find(documentID string) (Document, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc, ok := e.docs[documentID]
	if !ok {
		return Document{}, false
	}
	return doc.clone(), true
}

// Analysis returns a copy of an analysis.
func (e *Engine) Analysis(analysisID string) (Analysis, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.analyses[analysisID]
	if !ok {
		return Analysis{}, ErrNotFound
	}
	return *a, nil
}

// FindActive returns the live document loaded for an identity and assignment.
func (e *Engine) FindActive(identityHash, module, assignment string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.active[activeKey{identityHash, module, assignment}]
	return id, ok
}

// IdentityKnown reports whether an IdentityAnonymized event has been folded
// for the hash.
func (e *Engine) IdentityKnown(identityHash string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.identities[identityHash]
	return ok
}

// InFlight returns analyses still waiting for an outcome, oldest first.
func (e *Engine) InFlight() []Analysis {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Analysis
	for _, a := range e.analyses {
		if a.State == AnalysisRequested {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Documents returns every document, tombstoned ones included, ordered by id.
func (e *Engine) Documents() []Document {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Document, 0, len(e.docs))
	for _, doc := range e.docs {
		out = append(out, doc.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChangedSince lists documents with events after sequence.
func (e *Engine) ChangedSince(sequence uint64) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []string
	for id, doc := range e.docs {
		if doc.LastSequence > sequence {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Rebuild discards all state and folds the whole log.
func (e *Engine) Rebuild(ctx context.Context, src Source) error {
	evts, err := src.ReadRange(ctx, 1, 0)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
	for _, evt := range evts {
		evt.Accept(folder{e})
		e.head = evt.Sequence
	}
	return nil
}

type snapshotState struct {
	Document Document   `json:"document"`
	Analyses []Analysis `json:"analyses,omitempty"`
}

// Snapshot captures one document and its analyses as of its last event.
func (e *Engine) Snapshot(documentID string) (eventlog.Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc, ok := e.docs[documentID]
	if !ok {
		return eventlog.Snapshot{}, ErrNotFound
	}
	state := snapshotState{Document: doc.clone()}
	for _, a := range e.analyses {
		if a.DocumentID == documentID {
			state.Analyses = append(state.Analyses, *a)
		}
	}
	sort.Slice(state.Analyses, func(i, j int) bool { return state.Analyses[i].ID < state.Analyses[j].ID })
	data, err := json.Marshal(state)
	if err != nil {
		return eventlog.Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return eventlog.Snapshot{
		DocumentID:      documentID,
		ThroughSequence: doc.LastSequence,
		State:           data,
	}, nil
}

// Recover restores documents from snapshots and folds the events after them.
// Replay starts after the oldest snapshot; events a snapshot already covers
// are skipped per document.
func (e *Engine) Recover(ctx context.Context, src Source, snaps []eventlog.Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()

	var from uint64 = 1
	covered := make(map[string]uint64, len(snaps))
	for i, snap := range snaps {
		var state snapshotState
		if err := json.Unmarshal(snap.State, &state); err != nil {
			return fmt.Errorf("decode snapshot %s@%d: %w", snap.DocumentID, snap.ThroughSequence, err)
		}
		doc := state.Document
		e.docs[doc.ID] = &doc
		e.identities[doc.IdentityHash] = struct{}{}
		if !doc.Deleted {
			e.active[activeKey{doc.IdentityHash, doc.Module, doc.Assignment}] = doc.ID
		}
		for _, a := range state.Analyses {
			a := a
			e.analyses[a.ID] = &a
		}
		covered[doc.ID] = snap.ThroughSequence
		if i == 0 || snap.ThroughSequence+1 < from {
			from = snap.ThroughSequence + 1
		}
	}

	evts, err := src.ReadRange(ctx, from, 0)
	if err != nil {
		return fmt.Errorf("read log from %d: %w", from, err)
	}
	if len(snaps) > 0 {
		e.head = from - 1
	}
	for _, evt := range evts {
		if through, ok := covered[evt.Payload.Document()]; ok && evt.Sequence <= through {
			e.head = evt.Sequence
			continue
		}
		evt.Accept(folder{e})
		e.head = evt.Sequence
	}
	return nil
}
