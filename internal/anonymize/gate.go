// Package anonymize turns identities into salted one-way hashes and keeps the
// only reverse mapping, sealed at rest.
//
// Nothing outside this package can recover an identity from a hash. The
// analysis packages must never import it.
package anonymize

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"marking-backend/internal/shared/telemetry"
)

// SaltSize is the per-identity salt length in bytes.
const SaltSize = 32

var (
	ErrEmptyIdentity      = errors.New("identity is empty")
	ErrEntropy            = errors.New("entropy source failed")
	ErrNotFound           = errors.New("identity mapping not found")
	ErrMappingUnavailable = errors.New("identity mapping unavailable")
)

// Hasher is the forward half of the gate.
type Hasher interface {
	Anonymize(ctx context.Context, identity string) (hash string, created bool, err error)
}

// Reassociator is the reverse half of the gate.
type Reassociator interface {
	Reassociate(ctx context.Context, hash string) (string, error)
}

// Gate implements Hasher and Reassociator over a MappingStore.
type Gate struct {
	store     MappingStore
	sealer    Sealer
	lookupKey []byte
	entropy   io.Reader
	clock     func() time.Time
}

// Option customizes a Gate.
type Option func(*Gate)

// WithEntropy replaces crypto/rand as the salt source.
func WithEntropy(r io.Reader) Option {
	return func(g *Gate) { g.entropy = r }
}

// WithClock sets the clock used for mapping timestamps.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// NewGate builds a Gate from derived keys.
func NewGate(store MappingStore, keys Keys, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errors.New("mapping store is required")
	}
	if len(keys.Lookup) == 0 {
		return nil, errors.New("lookup key is required")
	}
	sealer, err := NewAESGCMSealer(keys.Seal)
	if err != nil {
		return nil, err
	}
	g := &Gate{
		store:     store,
		sealer:    sealer,
		lookupKey: keys.Lookup,
		entropy:   rand.Reader,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Anonymize returns the stable hash for identity, creating and storing a
// mapping on first sight. A failed salt read produces no hash.
func (g *Gate) Anonymize(ctx context.Context, identity string) (string, bool, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", false, ErrEmptyIdentity
	}
	lookup := g.lookup(identity)

	existing, err := g.store.GetByLookup(ctx, lookup)
	switch {
	case err == nil:
		return existing.Hash, false, nil
	case !errors.Is(err, ErrNotFound):
		return "", false, fmt.Errorf("%w: %v", ErrMappingUnavailable, err)
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(g.entropy, salt); err != nil {
		telemetry.Error("anonymize.entropy_failed", map[string]any{"error": err.Error()})
		return "", false, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	hash := HashIdentity(identity, salt)

	sealed, err := g.sealer.Seal(identity, hash)
	if err != nil {
		return "", false, fmt.Errorf("seal identity: %w", err)
	}
	stored, created, err := g.store.Insert(ctx, Mapping{
		Hash:      hash,
		LookupKey: lookup,
		Sealed:    sealed,
		Salt:      hex.EncodeToString(salt),
		CreatedAt: g.clock().UTC(),
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrMappingUnavailable, err)
	}
	if created {
		telemetry.Info("anonymize.mapping_created", map[string]any{"identity_hash": telemetry.ShortHash(hash)})
	}
	return stored.Hash, created, nil
}

// Reassociate recovers the identity behind hash.
func (g *Gate) Reassociate(ctx context.Context, hash string) (string, error) {
	m, err := g.store.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrMappingUnavailable, err)
	}
	identity, err := g.sealer.Open(m.Sealed, m.Hash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMappingUnavailable, err)
	}
	salt, err := hex.DecodeString(m.Salt)
	if err != nil {
		return "", fmt.Errorf("%w: corrupt salt", ErrMappingUnavailable)
	}
	if subtle.ConstantTimeCompare([]byte(HashIdentity(identity, salt)), []byte(hash)) != 1 {
		return "", fmt.Errorf("%w: mapping does not match hash", ErrMappingUnavailable)
	}
	return identity, nil
}

// HashIdentity is hex(SHA3-512(identity || salt)).
func HashIdentity(identity string, salt []byte) string {
	buf := make([]byte, 0, len(identity)+len(salt))
	buf = append(buf, identity...)
	buf = append(buf, salt...)
	sum := sha3.Sum512(buf)
	return hex.EncodeToString(sum[:])
}

func (g *Gate) lookup(identity string) string {
	mac := hmac.New(sha512.New, g.lookupKey)
	mac.Write([]byte(identity))
	return hex.EncodeToString(mac.Sum(nil))
}

var (
	_ Hasher       = (*Gate)(nil)
	_ Reassociator = (*Gate)(nil)
)
