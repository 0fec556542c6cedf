// Package nonce implements random values that tie an attestation report to a
// single request.
package nonce

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/Amnesic-Systems/tessera/internal/errs"
)

// Len is the length of a nonce in bytes.  Its Base64 encoding fits into the
// 32 characters that the attestation service accepts.
const Len = 20

var (
	// Accessing rand.Reader via variable facilitates mocking.
	cryptoRead       = rand.Reader
	errNotEnoughRead = errors.New("failed to read enough random bytes")
)

// Nonce is a random value that guarantees attestation report freshness.
type Nonce [Len]byte

// B64 returns the nonce as a Base64-encoded string.
func (n *Nonce) B64() string {
	return base64.StdEncoding.EncodeToString(n[:])
}

// New creates a new nonce.
func New() (*Nonce, error) {
	var newNonce Nonce
	n, err := cryptoRead.Read(newNonce[:])
	if err != nil {
		return nil, errNotEnoughRead
	}
	if n != Len {
		return nil, errNotEnoughRead
	}
	return &newNonce, nil
}

// FromSlice turns a byte slice into a nonce.
func FromSlice(s []byte) (*Nonce, error) {
	if len(s) != Len {
		return nil, errs.InvalidLength
	}

	var n Nonce
	copy(n[:], s)
	return &n, nil
}

// FromB64 decodes a Base64-encoded nonce.
func FromB64(s string) (*Nonce, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.InvalidFormat
	}
	return FromSlice(b)
}
