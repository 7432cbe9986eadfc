package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"marking-backend/internal/events"
	"marking-backend/internal/shared/storage/db"
)

// SQLStore implements Store on Postgres or sqlite.
type SQLStore struct {
	DB      *sql.DB
	Dialect db.Dialect
}

const recordColumns = "sequence, recorded_at, kind, document_id, identity_hash, payload, hash, prev_hash"

func (s *SQLStore) q(query string) string {
	return db.Rebind(s.Dialect, query)
}

// Append inserts records and their index rows in one transaction.
func (s *SQLStore) Append(ctx context.Context, recs []events.Record) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insertEvent := s.q(`INSERT INTO events (` + recordColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	insertDoc := s.q(`INSERT INTO event_index_document (document_id, sequence) VALUES ($1, $2)`)
	insertIdentity := s.q(`INSERT INTO event_index_identity (identity_hash, sequence) VALUES ($1, $2)`)

	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, insertEvent,
			int64(rec.Sequence),
			toMillis(rec.RecordedAt),
			string(rec.Kind),
			rec.DocumentID,
			rec.IdentityHash,
			string(rec.Payload),
			rec.Hash,
			rec.PrevHash,
		); err != nil {
			return fmt.Errorf("insert event %d: %w", rec.Sequence, err)
		}
		if rec.DocumentID != "" {
			if _, err := tx.ExecContext(ctx, insertDoc, rec.DocumentID, int64(rec.Sequence)); err != nil {
				return fmt.Errorf("index document %d: %w", rec.Sequence, err)
			}
		}
		if rec.IdentityHash != "" {
			if _, err := tx.ExecContext(ctx, insertIdentity, rec.IdentityHash, int64(rec.Sequence)); err != nil {
				return fmt.Errorf("index identity %d: %w", rec.Sequence, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Range returns records with from <= sequence <= to.
func (s *SQLStore) Range(ctx context.Context, from, to uint64, limit int) ([]events.Record, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	upper := int64(math.MaxInt64)
	if to < uint64(math.MaxInt64) {
		upper = int64(to)
	}
	query := s.q(`SELECT ` + recordColumns + ` FROM events WHERE sequence >= $1 AND sequence <= $2 ORDER BY sequence LIMIT $3`)
	rows, err := s.DB.QueryContext(ctx, query, int64(from), upper, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ForKey returns records listed under an index key.
func (s *SQLStore) ForKey(ctx context.Context, key IndexKey) ([]events.Record, error) {
	var query string
	switch key.Kind {
	case IndexDocument:
		query = `SELECT e.sequence, e.recorded_at, e.kind, e.document_id, e.identity_hash, e.payload, e.hash, e.prev_hash
FROM event_index_document i JOIN events e ON e.sequence = i.sequence
WHERE i.document_id = $1 ORDER BY i.sequence`
	case IndexIdentity:
		query = `SELECT e.sequence, e.recorded_at, e.kind, e.document_id, e.identity_hash, e.payload, e.hash, e.prev_hash
FROM event_index_identity i JOIN events e ON e.sequence = i.sequence
WHERE i.identity_hash = $1 ORDER BY i.sequence`
	default:
		return nil, fmt.Errorf("unknown index %q", key.Kind)
	}
	rows, err := s.DB.QueryContext(ctx, s.q(query), key.Value)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Head returns the highest record.
func (s *SQLStore) Head(ctx context.Context) (events.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM events ORDER BY sequence DESC LIMIT 1`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return events.Record{}, fmt.Errorf("query head: %w", err)
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil {
		return events.Record{}, err
	}
	if len(recs) == 0 {
		return events.Record{}, ErrNotFound
	}
	return recs[0], nil
}

// Truncate removes everything after sequence in one transaction. All
// snapshots are dropped since a snapshot set is only sound as a whole.
func (s *SQLStore) Truncate(ctx context.Context, after uint64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM event_index_document WHERE sequence > $1`,
		`DELETE FROM event_index_identity WHERE sequence > $1`,
		`DELETE FROM events WHERE sequence > $1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, s.q(stmt), int64(after)); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots`); err != nil {
		return fmt.Errorf("truncate snapshots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveSnapshot upserts a snapshot.
func (s *SQLStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	query := s.q(`INSERT INTO snapshots (document_id, through_sequence, state, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (document_id, through_sequence) DO UPDATE SET state = excluded.state, created_at = excluded.created_at`)
	if _, err := s.DB.ExecContext(ctx, query,
		snap.DocumentID,
		int64(snap.ThroughSequence),
		string(snap.State),
		toMillis(snap.CreatedAt),
	); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot for a document.
func (s *SQLStore) LatestSnapshot(ctx context.Context, documentID string) (Snapshot, error) {
	query := s.q(`SELECT document_id, through_sequence, state, created_at FROM snapshots
WHERE document_id = $1 ORDER BY through_sequence DESC LIMIT 1`)
	var (
		snap      Snapshot
		through   int64
		state     string
		createdAt int64
	)
	err := s.DB.QueryRowContext(ctx, query, documentID).Scan(&snap.DocumentID, &through, &state, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	snap.ThroughSequence = uint64(through)
	snap.State = []byte(state)
	snap.CreatedAt = fromMillis(createdAt)
	return snap, nil
}

// LatestSnapshots returns the newest snapshot of every document.
func (s *SQLStore) LatestSnapshots(ctx context.Context) ([]Snapshot, error) {
	const query = `SELECT s.document_id, s.through_sequence, s.state, s.created_at
FROM snapshots s
JOIN (SELECT document_id, MAX(through_sequence) AS through_sequence FROM snapshots GROUP BY document_id) m
  ON s.document_id = m.document_id AND s.through_sequence = m.through_sequence
ORDER BY s.document_id`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap      Snapshot
			through   int64
			state     string
			createdAt int64
		)
		if err := rows.Scan(&snap.DocumentID, &through, &state, &createdAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.ThroughSequence = uint64(through)
		snap.State = []byte(state)
		snap.CreatedAt = fromMillis(createdAt)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]events.Record, error) {
	var out []events.Record
	for rows.Next() {
		var (
			rec        events.Record
			seq        int64
			recordedAt int64
			kind       string
			payload    string
		)
		if err := rows.Scan(&seq, &recordedAt, &kind, &rec.DocumentID, &rec.IdentityHash, &payload, &rec.Hash, &rec.PrevHash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Sequence = uint64(seq)
		rec.RecordedAt = fromMillis(recordedAt)
		rec.Kind = events.Kind(kind)
		rec.Payload = []byte(payload)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var _ Store = (*SQLStore)(nil)
