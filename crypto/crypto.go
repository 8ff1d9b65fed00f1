// Package crypto adapts the symmetric primitives used to protect session
// secrets at rest. Keys are derived from raw material handed out by the
// backend and kept in memguard enclaves; every failure is reported as
// ErrCryptoFailure and never yields partial plaintext.
package crypto

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/warden/internal/util"
)

// ErrCryptoFailure is returned for malformed input, wrong keys and tampering.
var ErrCryptoFailure = errors.New("crypto failure")

// KeySize is the length of raw key material accepted by DeriveKey.
const KeySize = util.AESKeySize

// Purpose binds a key to one kind of payload. Ciphertext produced for one
// purpose does not open under a key derived for another.
type Purpose string

const (
	// PurposeSessionBlob protects the sensitive half of a persisted session.
	PurposeSessionBlob Purpose = "warden:session-blob:v1"
	// PurposeFork protects the key password carried by a session fork.
	PurposeFork Purpose = "warden:fork-payload:v1"
)

// Key is a derived AES-256-GCM key. The zero value is unusable.
type Key struct {
	enclave *memguard.Enclave
	purpose Purpose
}

// DeriveLocalKey derives the per-device key that seals persisted sessions.
func DeriveLocalKey(raw []byte) (*Key, error) {
	return DeriveKey(raw, PurposeSessionBlob)
}

// DeriveKey expands raw key material with HKDF-SHA256 for the given purpose.
// The raw material is not retained.
func DeriveKey(raw []byte, purpose Purpose) (*Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: key material must be %d bytes, got %d", ErrCryptoFailure, KeySize, len(raw))
	}
	derived, err := util.HKDF(raw, nil, []byte(purpose))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCryptoFailure, err)
	}
	// NewEnclave wipes derived after copying it.
	return &Key{enclave: memguard.NewEnclave(derived), purpose: purpose}, nil
}

// NewKeyMaterial returns fresh random raw key material.
func NewKeyMaterial() ([]byte, error) {
	return util.NewAESKey()
}

// Purpose reports what the key was derived for.
func (k *Key) Purpose() Purpose {
	return k.purpose
}

func (k *Key) use(fn func(raw []byte) error) error {
	if k == nil || k.enclave == nil {
		return fmt.Errorf("%w: missing key", ErrCryptoFailure)
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("%w: opening key enclave: %w", ErrCryptoFailure, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// EncryptBlob seals plaintext and returns base64(nonce || ciphertext).
func EncryptBlob(key *Key, plaintext []byte) (string, error) {
	var out string
	err := key.use(func(raw []byte) error {
		sealed, err := util.SealAESGCM(plaintext, raw, []byte(key.purpose))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCryptoFailure, err)
		}
		out = util.Base64Encode(sealed)
		return nil
	})
	return out, err
}

// DecryptBlob opens a value produced by EncryptBlob with the same key.
func DecryptBlob(key *Key, ciphertext string) ([]byte, error) {
	sealed, err := util.Base64Decode(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding blob: %w", ErrCryptoFailure, err)
	}
	var out []byte
	err = key.use(func(raw []byte) error {
		plain, err := util.OpenAESGCM(sealed, raw, []byte(key.purpose))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCryptoFailure, err)
		}
		out = plain
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
