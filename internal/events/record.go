package events

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Record is the persisted form of an event.
type Record struct {
	Sequence     uint64
	RecordedAt   time.Time
	Kind         Kind
	DocumentID   string
	IdentityHash string
	Payload      []byte
	Hash         string
	PrevHash     string
}

// NewRecord encodes p at sequence seq and chains it to prevHash.
func NewRecord(seq uint64, at time.Time, prevHash string, p Payload) (Record, error) {
	data, err := Encode(p)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Sequence:     seq,
		RecordedAt:   at.UTC().Truncate(time.Millisecond),
		Kind:         p.Kind(),
		DocumentID:   p.Document(),
		IdentityHash: p.Identity(),
		Payload:      data,
		PrevHash:     prevHash,
	}
	rec.Hash = rec.ComputeHash()
	return rec, nil
}

// ComputeHash is SHA-256 over the previous hash and every stored field, each
// length-prefixed so field boundaries cannot shift.
func (r Record) ComputeHash() string {
	h := sha256.New()
	var buf [8]byte
	writeField := func(b []byte) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(b)))
		h.Write(buf[:])
		h.Write(b)
	}
	writeField([]byte(r.PrevHash))
	binary.BigEndian.PutUint64(buf[:], r.Sequence)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(r.RecordedAt.UnixMilli()))
	h.Write(buf[:])
	writeField([]byte(r.Kind))
	writeField([]byte(r.DocumentID))
	writeField([]byte(r.IdentityHash))
	writeField(r.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Event decodes the record into an Event.
func (r Record) Event() (Event, error) {
	p, err := Decode(r.Kind, r.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("sequence %d: %w", r.Sequence, err)
	}
	if u, ok := p.(Unknown); ok {
		u.DocumentID = r.DocumentID
		u.IdentityHash = r.IdentityHash
		p = u
	}
	return Event{
		Sequence:  r.Sequence,
		Timestamp: r.RecordedAt,
		Hash:      r.Hash,
		PrevHash:  r.PrevHash,
		Payload:   p,
	}, nil
}
