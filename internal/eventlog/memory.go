package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"marking-backend/internal/events"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	records   []events.Record
	byDoc     map[string][]uint64
	byID      map[string][]uint64
	snapshots map[string][]Snapshot
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byDoc:     make(map[string][]uint64),
		byID:      make(map[string][]uint64),
		snapshots: make(map[string][]Snapshot),
	}
}

// Append stores records and index entries.
func (s *MemoryStore) Append(ctx context.Context, recs []events.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := uint64(len(s.records)) + 1
	for i, rec := range recs {
		if rec.Sequence != next+uint64(i) {
			return fmt.Errorf("sequence %d out of order, expected %d", rec.Sequence, next+uint64(i))
		}
	}
	for _, rec := range recs {
		s.records = append(s.records, rec)
		if rec.DocumentID != "" {
			s.byDoc[rec.DocumentID] = append(s.byDoc[rec.DocumentID], rec.Sequence)
		}
		if rec.IdentityHash != "" {
			s.byID[rec.IdentityHash] = append(s.byID[rec.IdentityHash], rec.Sequence)
		}
	}
	return nil
}

// Range returns records in [from, to].
func (s *MemoryStore) Range(ctx context.Context, from, to uint64, limit int) ([]events.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	var out []events.Record
	for seq := from; seq <= to && seq <= uint64(len(s.records)); seq++ {
		out = append(out, s.records[seq-1])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ForKey returns the records listed under key in insertion order.
func (s *MemoryStore) ForKey(ctx context.Context, key IndexKey) ([]events.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var seqs []uint64
	switch key.Kind {
	case IndexDocument:
		seqs = s.byDoc[key.Value]
	case IndexIdentity:
		seqs = s.byID[key.Value]
	default:
		return nil, fmt.Errorf("unknown index %q", key.Kind)
	}
	out := make([]events.Record, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, s.records[seq-1])
	}
	return out, nil
}

// Head returns the last record.
func (s *MemoryStore) Head(ctx context.Context) (events.Record, error) {
	if err := ctx.Err(); err != nil {
		return events.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return events.Record{}, ErrNotFound
	}
	return s.records[len(s.records)-1], nil
}

// Truncate drops everything after sequence, and every snapshot.
func (s *MemoryStore) Truncate(ctx context.Context, after uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if after < uint64(len(s.records)) {
		s.records = s.records[:after]
	}
	trim := func(idx map[string][]uint64) {
		for k, seqs := range idx {
			n := sort.Search(len(seqs), func(i int) bool { return seqs[i] > after })
			if n == 0 {
				delete(idx, k)
				continue
			}
			idx[k] = seqs[:n]
		}
	}
	trim(s.byDoc)
	trim(s.byID)
	s.snapshots = make(map[string][]Snapshot)
	return nil
}

// SaveSnapshot stores or replaces the snapshot at (document, through sequence).
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[snap.DocumentID]
	for i := range snaps {
		if snaps[i].ThroughSequence == snap.ThroughSequence {
			snaps[i] = snap
			return nil
		}
	}
	snaps = append(snaps, snap)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ThroughSequence < snaps[j].ThroughSequence })
	s.snapshots[snap.DocumentID] = snaps
	return nil
}

// LatestSnapshot returns the newest snapshot for a document.
func (s *MemoryStore) LatestSnapshot(ctx context.Context, documentID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[documentID]
	if len(snaps) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

// LatestSnapshots returns the newest snapshot of every document.
func (s *MemoryStore) LatestSnapshots(ctx context.Context) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.snapshots))
	for _, snaps := range s.snapshots {
		out = append(out, snaps[len(snaps)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
