// Package canonical produces the stable byte encoding used for every hash in
// the governance pipeline: ledger block hashes, policy content hashes, payload
// digests, and escrow target hashes. The encoding is RFC 8785 (JCS): UTF-8,
// lexicographically sorted object keys, shortest-form decimal numbers.
//
// Both the ledger append path and chain verification consume this package, so
// a change here invalidates every existing chain.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the canonical JSON encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Digest returns the hex-encoded SHA-256 of the canonical encoding of v.
func Digest(v interface{}) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DigestBytes returns the hex-encoded SHA-256 of raw bytes. Used where the
// payload is already an opaque blob and must not be re-encoded.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
