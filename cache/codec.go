package cache

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// Codec converts a serialized record to and from its at-rest form. The same
// secret material passed to Encode must decode the record on a later Decode.
type Codec interface {
	Encode(plaintext []byte, secret string) ([]byte, error)
	Decode(data []byte, secret string) ([]byte, error)
}

// PlainCodec stores records as structured plain text. The secret is ignored.
type PlainCodec struct{}

// Encode returns the plaintext unchanged.
func (PlainCodec) Encode(plaintext []byte, _ string) ([]byte, error) {
	return plaintext, nil
}

// Decode returns the stored bytes unchanged.
func (PlainCodec) Decode(data []byte, _ string) ([]byte, error) {
	return data, nil
}

// derivation salt for scrypt; fixed so the same secret material always
// yields an interoperable key across Load and Save.
var kdfSalt = []byte("brokerauth/cache/v1")

const nonceSize = 24

// SecretboxCodec encrypts records with NaCl secretbox using a key derived
// from caller-supplied secret material via scrypt. A wrong secret or tampered
// ciphertext fails to open, never yields a plausible-but-wrong record.
type SecretboxCodec struct{}

func deriveKey(secret string) (*[32]byte, error) {
	raw, err := scrypt.Key([]byte(secret), kdfSalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive cache key: %w", err)
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// Encode seals the plaintext with a random nonce and returns the result
// base64 encoded, nonce prepended.
func (SecretboxCodec) Encode(plaintext []byte, secret string) ([]byte, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err = rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(encoded, sealed)
	return encoded, nil
}

// Decode opens a record produced by Encode with the same secret.
func (SecretboxCodec) Decode(data []byte, secret string) ([]byte, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(sealed, data)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	sealed = sealed[:n]
	if len(sealed) < nonceSize {
		return nil, errors.New("record is too short to carry a nonce")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("record failed to decrypt")
	}
	return plaintext, nil
}
