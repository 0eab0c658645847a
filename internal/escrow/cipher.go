package escrow

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// PayloadCipher encrypts held payloads at rest with NaCl secretbox. Escrow
// rows can sit for up to the hold TTL in shared storage; sealing keeps the
// tool arguments opaque to anyone reading the table directly.
type PayloadCipher struct {
	key [32]byte
}

func NewPayloadCipher(key []byte) (*PayloadCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("escrow: cipher key must be 32 bytes, got %d", len(key))
	}
	c := &PayloadCipher{}
	copy(c.key[:], key)
	return c, nil
}

// Seal encrypts a payload to a base64 string: nonce ‖ box.
func (c *PayloadCipher) Seal(payload map[string]interface{}) (string, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}

	sealed := secretbox.Seal(nonce[:], plain, &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. It accepts the stored form {"sealed": <base64>}.
func (c *PayloadCipher) Open(stored map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := stored["sealed"].(string)
	if !ok {
		return nil, errors.New("escrow: payload is not sealed")
	}

	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("escrow: decode sealed payload: %w", err)
	}
	if len(sealed) < 24 {
		return nil, errors.New("escrow: sealed payload too short")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.key)
	if !ok {
		return nil, errors.New("escrow: payload authentication failed")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
