package eventlog

import (
	"context"
	"time"

	"marking-backend/internal/events"
)

// IndexKind selects one of the auxiliary indices.
type IndexKind string

const (
	IndexDocument IndexKind = "document"
	IndexIdentity IndexKind = "identity"
)

// IndexKey addresses one list in an index.
type IndexKey struct {
	Kind  IndexKind
	Value string
}

// ByDocument returns the index key for a document id.
func ByDocument(documentID string) IndexKey {
	return IndexKey{Kind: IndexDocument, Value: documentID}
}

// ByIdentity returns the index key for an identity hash.
func ByIdentity(identityHash string) IndexKey {
	return IndexKey{Kind: IndexIdentity, Value: identityHash}
}

// Snapshot is a folded document state as of ThroughSequence.
type Snapshot struct {
	DocumentID      string
	ThroughSequence uint64
	State           []byte
	CreatedAt       time.Time
}

// Store persists records, their indices and snapshots. Append must commit all
// records and index entries atomically or none of them.
type Store interface {
	Append(ctx context.Context, recs []events.Record) error
	// Range returns records with from <= sequence <= to, ordered by sequence.
	Range(ctx context.Context, from, to uint64, limit int) ([]events.Record, error)
	ForKey(ctx context.Context, key IndexKey) ([]events.Record, error)
	// Head returns the highest stored record, or ErrNotFound when empty.
	Head(ctx context.Context) (events.Record, error)
	// Truncate removes records and index entries after sequence, and all
	// snapshots.
	Truncate(ctx context.Context, after uint64) error

	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LatestSnapshot(ctx context.Context, documentID string) (Snapshot, error)
	LatestSnapshots(ctx context.Context) ([]Snapshot, error)
}
