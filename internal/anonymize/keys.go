package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const masterKeyLen = 32

// Keys are the two independent secrets the gate needs, both derived from one
// master key.
type Keys struct {
	Seal   []byte
	Lookup []byte
}

// DeriveKeys expands a 32-byte master key into sealing and lookup keys.
func DeriveKeys(master []byte) (Keys, error) {
	if len(master) != masterKeyLen {
		return Keys{}, fmt.Errorf("master key must be %d bytes, got %d", masterKeyLen, len(master))
	}
	expand := func(info string) ([]byte, error) {
		out := make([]byte, masterKeyLen)
		if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
			return nil, fmt.Errorf("derive %s key: %w", info, err)
		}
		return out, nil
	}
	seal, err := expand("identity-seal")
	if err != nil {
		return Keys{}, err
	}
	lookup, err := expand("identity-lookup")
	if err != nil {
		return Keys{}, err
	}
	return Keys{Seal: seal, Lookup: lookup}, nil
}

// ParseMasterKey decodes a hex-encoded 32-byte master key.
func ParseMasterKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != masterKeyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", masterKeyLen, len(key))
	}
	return key, nil
}

// MasterKeyFromPassphrase stretches a passphrase with Argon2id. The salt must
// be stable across restarts or existing mappings become unreadable.
func MasterKeyFromPassphrase(passphrase, salt string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is empty")
	}
	if len(salt) < 16 {
		return nil, errors.New("kdf salt must be at least 16 bytes")
	}
	return argon2.IDKey([]byte(passphrase), []byte(salt), 1, 64*1024, 4, masterKeyLen), nil
}
