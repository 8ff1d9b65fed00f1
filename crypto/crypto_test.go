package crypto

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T, purpose Purpose) *Key {
	t.Helper()
	raw, err := NewKeyMaterial()
	require.NoError(t, err)
	key, err := DeriveKey(raw, purpose)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptBlob(t *testing.T) {
	key := newTestKey(t, PurposeSessionBlob)
	plaintext := []byte(`{"keyPassword":"hunter2"}`)

	blob, err := EncryptBlob(key, plaintext)
	require.NoError(t, err)
	assert.NotContains(t, blob, "hunter2")

	got, err := DecryptBlob(key, blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDeriveLocalKey_Deterministic(t *testing.T) {
	raw, err := NewKeyMaterial()
	require.NoError(t, err)
	require.Len(t, raw, KeySize)
	rawCopy := append([]byte(nil), raw...)

	k1, err := DeriveLocalKey(raw)
	require.NoError(t, err)
	k2, err := DeriveLocalKey(rawCopy)
	require.NoError(t, err)
	assert.Equal(t, PurposeSessionBlob, k1.Purpose())

	blob, err := EncryptBlob(k1, []byte("payload"))
	require.NoError(t, err)
	got, err := DecryptBlob(k2, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestDeriveKey_RejectsBadLength(t *testing.T) {
	_, err := DeriveLocalKey([]byte("short"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCryptoFailure))
}

func TestDecryptBlob_FailsClosed(t *testing.T) {
	key := newTestKey(t, PurposeSessionBlob)
	blob, err := EncryptBlob(key, []byte("secret"))
	require.NoError(t, err)

	tampered := []byte(blob)
	tampered[len(tampered)/2] ^= 0x01

	tests := []struct {
		name string
		key  *Key
		blob string
	}{
		{"WrongKey", newTestKey(t, PurposeSessionBlob), blob},
		{"WrongPurpose", newTestKey(t, PurposeFork), blob},
		{"NotBase64", key, "%%%not-base64%%%"},
		{"TooShort", key, "AAAA"},
		{"Empty", key, ""},
		{"Tampered", key, string(tampered)},
		{"NilKey", nil, blob},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecryptBlob(tc.key, tc.blob)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCryptoFailure), "got %v", err)
			assert.Nil(t, got)
		})
	}
}

func TestKey_ConcurrentUse(t *testing.T) {
	key := newTestKey(t, PurposeSessionBlob)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			blob, err := EncryptBlob(key, []byte("concurrent"))
			if err != nil {
				errs <- err
				return
			}
			if _, err := DecryptBlob(key, blob); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent use failed: %v", err)
	}
}
