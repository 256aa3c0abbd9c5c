package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emrefkucuk/transcrypt/pkg/protocol"
)

func randomPayload(t *testing.T, size int) []byte {
	t.Helper()
	payload := make([]byte, size)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	return payload
}

func TestSealOpenRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 64*1024 - 1, 64 * 1024, 64*1024 + 1, 10 << 20}
	methods := []string{protocol.MethodAESGCM, protocol.MethodChaCha20}

	for _, method := range methods {
		for _, size := range sizes {
			payload := randomPayload(t, size)

			env, err := Seal(payload, protocol.EncryptionOptions{Method: method, IntegrityCheck: true})
			require.NoError(t, err, "Seal %s size=%d", method, size)
			require.Len(t, env.Key, KeySize)
			require.Len(t, env.Nonce, NonceSize)
			require.Len(t, env.Ciphertext, size+TagSize)

			plaintext, err := Open(env.Ciphertext, *env.Metadata())
			require.NoError(t, err, "Open %s size=%d", method, size)
			assert.True(t, bytes.Equal(payload, plaintext), "round trip mismatch %s size=%d", method, size)
		}
	}
}

func TestSealNonePassesThrough(t *testing.T) {
	payload := []byte("hello")
	env, err := Seal(payload, protocol.EncryptionOptions{Method: protocol.MethodNone, IntegrityCheck: true})
	require.NoError(t, err)
	assert.Equal(t, payload, env.Ciphertext)
	assert.Empty(t, env.Key)
	assert.Equal(t, FileHash(payload), env.FileHash)

	out, err := Open(env.Ciphertext, *env.Metadata())
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestOpenSeparateTagLayout(t *testing.T) {
	payload := randomPayload(t, 1024)

	for _, method := range []string{protocol.MethodAESGCM, protocol.MethodChaCha20} {
		env, err := Seal(payload, protocol.EncryptionOptions{Method: method})
		require.NoError(t, err)

		// Legacy producers ship ciphertext and tag separately.
		meta := *env.Metadata()
		bare := env.Ciphertext[:len(env.Ciphertext)-TagSize]

		plaintext, err := Open(bare, meta)
		require.NoError(t, err, "separate-tag fallback failed for %s", method)
		assert.Equal(t, payload, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	payload := randomPayload(t, 4096)

	for _, method := range []string{protocol.MethodAESGCM, protocol.MethodChaCha20} {
		env, err := Seal(payload, protocol.EncryptionOptions{Method: method})
		require.NoError(t, err)

		tampered := append([]byte(nil), env.Ciphertext...)
		tampered[100] ^= 0x01

		_, err = Open(tampered, *env.Metadata())
		assert.ErrorIs(t, err, ErrDecryptionFailure, "tampered ciphertext accepted for %s", method)
	}
}

func TestOpenRejectsBadKeyMaterial(t *testing.T) {
	env, err := Seal([]byte("data"), protocol.EncryptionOptions{Method: protocol.MethodAESGCM})
	require.NoError(t, err)

	meta := *env.Metadata()
	meta.Key = "not-hex"
	_, err = Open(env.Ciphertext, meta)
	assert.ErrorIs(t, err, ErrMissingKeyMaterial)

	meta = *env.Metadata()
	meta.IV = hex.EncodeToString([]byte{1, 2, 3})
	_, err = Open(env.Ciphertext, meta)
	assert.ErrorIs(t, err, ErrMissingKeyMaterial)
}

func TestUnsupportedMethod(t *testing.T) {
	_, err := Seal([]byte("data"), protocol.EncryptionOptions{Method: "rot13"})
	assert.ErrorIs(t, err, ErrUnsupportedMethod)

	key := hex.EncodeToString(make([]byte, KeySize))
	iv := hex.EncodeToString(make([]byte, NonceSize))
	_, err = Open([]byte("data"), protocol.EncryptionMetadata{Method: "rot13", Key: key, IV: iv})
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestIntegrityVerification(t *testing.T) {
	payload := randomPayload(t, 2048)
	digest := FileHash(payload)

	assert.True(t, VerifyIntegrity(payload, digest))

	// Flipping one plaintext byte must be detected.
	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0x01
	assert.False(t, VerifyIntegrity(tampered, digest))

	assert.False(t, VerifyIntegrity(payload, ""))
}
