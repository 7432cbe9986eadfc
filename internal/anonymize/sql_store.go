package anonymize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marking-backend/internal/shared/storage/db"
)

// SQLMappingStore stores mappings in the identity_mappings table. It should
// live in a database separate from the event log.
type SQLMappingStore struct {
	DB      *sql.DB
	Dialect db.Dialect
}

const mappingColumns = "identity_hash, lookup_key, sealed_identity, salt, created_at"

func (s *SQLMappingStore) GetByLookup(ctx context.Context, lookupKey string) (Mapping, error) {
	query := db.Rebind(s.Dialect, `SELECT `+mappingColumns+` FROM identity_mappings WHERE lookup_key = $1`)
	return s.getOne(ctx, query, lookupKey)
}

func (s *SQLMappingStore) GetByHash(ctx context.Context, hash string) (Mapping, error) {
	query := db.Rebind(s.Dialect, `SELECT `+mappingColumns+` FROM identity_mappings WHERE identity_hash = $1`)
	return s.getOne(ctx, query, hash)
}

func (s *SQLMappingStore) Insert(ctx context.Context, m Mapping) (Mapping, bool, error) {
	query := db.Rebind(s.Dialect, `INSERT INTO identity_mappings (`+mappingColumns+`)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT DO NOTHING`)
	res, err := s.DB.ExecContext(ctx, query, m.Hash, m.LookupKey, m.Sealed, m.Salt, m.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return Mapping{}, false, fmt.Errorf("insert mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Mapping{}, false, fmt.Errorf("insert mapping: %w", err)
	}
	if n == 1 {
		return m, true, nil
	}
	existing, err := s.GetByLookup(ctx, m.LookupKey)
	if err != nil {
		return Mapping{}, false, err
	}
	return existing, false, nil
}

func (s *SQLMappingStore) getOne(ctx context.Context, query string, arg string) (Mapping, error) {
	var (
		m         Mapping
		createdAt int64
	)
	err := s.DB.QueryRowContext(ctx, query, arg).Scan(&m.Hash, &m.LookupKey, &m.Sealed, &m.Salt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Mapping{}, ErrNotFound
		}
		return Mapping{}, fmt.Errorf("query mapping: %w", err)
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return m, nil
}

var _ MappingStore = (*SQLMappingStore)(nil)
