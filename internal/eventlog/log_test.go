package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marking-backend/internal/events"
)

type failingStore struct {
	*MemoryStore
	mu       sync.Mutex
	failNext bool
}

func (s *failingStore) Append(ctx context.Context, recs []events.Record) error {
	s.mu.Lock()
	fail := s.failNext
	s.failNext = false
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Append(ctx, recs)
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func openLog(t *testing.T, store Store) *Log {
	t.Helper()
	l, report, err := Open(context.Background(), store, Options{Clock: fixedClock(), PageSize: 2})
	require.NoError(t, err)
	require.False(t, report.Broken)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func loaded(doc, hash string) events.DocumentLoaded {
	return events.DocumentLoaded{DocumentID: doc, IdentityHash: hash, Module: "TM112", Assignment: "TMA01"}
}

func TestAppendAssignsContiguousSequences(t *testing.T) {
	l := openLog(t, NewMemoryStore())
	ctx := context.Background()

	first, err := l.AppendEvents(ctx, events.IdentityAnonymized{IdentityHash: "h1"}, loaded("d1", "h1"))
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, uint64(1), first[0].Sequence)
	assert.Equal(t, uint64(2), first[1].Sequence)
	assert.Equal(t, first[0].Hash, first[1].PrevHash)

	second, err := l.AppendEvents(ctx, events.DocumentDeleted{DocumentID: "d1", IdentityHash: "h1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), second[0].Sequence)
	assert.Equal(t, uint64(3), l.Head())

	all, err := l.ReadRange(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, evt := range all {
		assert.Equal(t, uint64(i+1), evt.Sequence)
	}
	assert.Equal(t, events.KindDocumentDeleted, all[2].Kind())
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	l := openLog(t, NewMemoryStore())
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.AppendEvents(ctx, events.IdentityAnonymized{IdentityHash: "h"}, events.IdentityAnonymized{IdentityHash: "h"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := l.ReadRange(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, writers*2)
	for i, evt := range all {
		assert.Equal(t, uint64(i+1), evt.Sequence)
	}
	report, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.Broken)
}

func TestDeciderErrorWritesNothing(t *testing.T) {
	l := openLog(t, NewMemoryStore())
	ctx := context.Background()
	conflict := errors.New("conflict")

	_, err := l.Append(ctx, func() ([]events.Payload, error) { return nil, conflict })
	require.ErrorIs(t, err, conflict)
	assert.Equal(t, uint64(0), l.Head())

	_, err = l.Append(ctx, func() ([]events.Payload, error) { return nil, nil })
	require.ErrorIs(t, err, ErrEmptyAppend)
}

func TestFailedWriteIsAtomicAndRecoverable(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	l := openLog(t, store)
	ctx := context.Background()

	_, err := l.AppendEvents(ctx, loaded("d1", "h1"))
	require.NoError(t, err)

	store.mu.Lock()
	store.failNext = true
	store.mu.Unlock()
	_, err = l.AppendEvents(ctx, events.DocumentDeleted{DocumentID: "d1"}, events.DocumentDeleted{DocumentID: "d2"})
	require.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, uint64(1), l.Head())
	assert.False(t, l.ReadOnly())

	next, err := l.AppendEvents(ctx, events.DocumentDeleted{DocumentID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next[0].Sequence)
}

func TestSubscribersSeeCommitsInOrder(t *testing.T) {
	l := openLog(t, NewMemoryStore())
	var seen []uint64
	l.Subscribe(func(evt events.Event) { seen = append(seen, evt.Sequence) })

	_, err := l.AppendEvents(context.Background(), loaded("d1", "h1"), loaded("d2", "h1"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, seen)
}

func TestReadForKey(t *testing.T) {
	l := openLog(t, NewMemoryStore())
	ctx := context.Background()
	_, err := l.AppendEvents(ctx,
		events.IdentityAnonymized{IdentityHash: "h1"},
		loaded("d1", "h1"),
		loaded("d2", "h2"),
		events.DocumentExported{DocumentID: "d1", IdentityHash: "h1", Format: "json"},
	)
	require.NoError(t, err)

	byDoc, err := l.ReadForKey(ctx, ByDocument("d1"))
	require.NoError(t, err)
	require.Len(t, byDoc, 2)
	assert.Equal(t, uint64(2), byDoc[0].Sequence)
	assert.Equal(t, uint64(4), byDoc[1].Sequence)

	byIdentity, err := l.ReadForKey(ctx, ByIdentity("h1"))
	require.NoError(t, err)
	assert.Len(t, byIdentity, 3)
}

func TestTamperedRecordOpensReadOnly(t *testing.T) {
	store := NewMemoryStore()
	l := openLog(t, store)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.AppendEvents(ctx, events.IdentityAnonymized{IdentityHash: "h"})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	store.records[2].IdentityHash = "forged"

	reopened, report, err := Open(ctx, store, Options{Clock: fixedClock()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	assert.True(t, report.Broken)
	assert.Equal(t, uint64(3), report.BrokenAt)
	assert.Equal(t, uint64(2), report.GoodThrough)
	assert.Equal(t, uint64(5), report.Head)
	assert.True(t, reopened.ReadOnly())

	visible, err := reopened.ReadRange(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, visible, 2)

	_, err = reopened.AppendEvents(ctx, events.IdentityAnonymized{IdentityHash: "h"})
	require.ErrorIs(t, err, ErrReadOnly)

	repaired, err := reopened.Repair(ctx)
	require.NoError(t, err)
	assert.False(t, repaired.Broken)
	assert.Equal(t, uint64(2), repaired.Head)
	assert.Equal(t, uint64(3), repaired.Truncated)
	assert.False(t, reopened.ReadOnly())

	evts, err := reopened.AppendEvents(ctx, events.IdentityAnonymized{IdentityHash: "h"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), evts[0].Sequence)
}

func TestSnapshotsBeyondReadablePrefixAreHidden(t *testing.T) {
	store := NewMemoryStore()
	l := openLog(t, store)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.AppendEvents(ctx, loaded("d1", "h1"))
		require.NoError(t, err)
	}
	require.NoError(t, l.SaveSnapshot(ctx, Snapshot{DocumentID: "d1", ThroughSequence: 1, State: []byte(`{}`)}))
	require.NoError(t, l.SaveSnapshot(ctx, Snapshot{DocumentID: "d1", ThroughSequence: 3, State: []byte(`{}`)}))
	require.Error(t, l.SaveSnapshot(ctx, Snapshot{DocumentID: "d1", ThroughSequence: 9}))
	require.NoError(t, l.Close())

	store.records[1].PrevHash = "bogus"
	reopened, report, err := Open(ctx, store, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	require.True(t, report.Broken)

	snaps, err := reopened.LatestSnapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestClosedLogRejectsAppends(t *testing.T) {
	l, _, err := Open(context.Background(), NewMemoryStore(), Options{})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.AppendEvents(context.Background(), loaded("d1", "h1"))
	require.ErrorIs(t, err, ErrClosed)
}
