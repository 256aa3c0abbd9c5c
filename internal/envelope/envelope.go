// Package envelope wraps transfer payloads in an AEAD layer (AES-256-GCM or
// ChaCha20-Poly1305) and computes the optional SHA-256 integrity digest.
//
// The canonical ciphertext layout appends the 16-byte authentication tag to
// the ciphertext (the "combined" layout). Open also accepts the legacy
// layout where the tag travels separately in the metadata: it tries the
// combined layout first and falls back to the separate tag.
//
// Key material is delivered in-band, on the same logical channel as the
// ciphertext. That shields the payload from a passive observer of a partial
// channel subset but not from the relay operator; this is a documented
// property of the protocol, not an oversight.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/emrefkucuk/transcrypt/pkg/protocol"
)

const (
	KeySize   = 32 // 256-bit keys for both methods
	NonceSize = 12 // 96-bit IV/nonce
	TagSize   = 16 // 128-bit authentication tag
)

var (
	ErrDecryptionFailure  = errors.New("decryption failed: tag mismatch or corrupted key material")
	ErrUnsupportedMethod  = errors.New("unsupported encryption method")
	ErrMissingKeyMaterial = errors.New("encryption metadata is missing key material")
)

// Envelope is a sealed payload together with the key material needed to
// open it.
type Envelope struct {
	Method     string
	Ciphertext []byte // combined layout, tag appended
	Key        []byte
	Nonce      []byte
	FileHash   string // hex SHA-256 of the plaintext, empty unless requested
}

// Seal encrypts plaintext per opts. With method "none" the payload passes
// through unchanged and only the integrity digest (if requested) is computed.
func Seal(plaintext []byte, opts protocol.EncryptionOptions) (*Envelope, error) {
	env := &Envelope{Method: opts.Method}
	if opts.IntegrityCheck {
		env.FileHash = FileHash(plaintext)
	}

	if opts.Method == "" || opts.Method == protocol.MethodNone {
		env.Method = protocol.MethodNone
		env.Ciphertext = plaintext
		return env, nil
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	aead, err := newAEAD(opts.Method, key)
	if err != nil {
		return nil, err
	}

	env.Key = key
	env.Nonce = nonce
	env.Ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return env, nil
}

// Open decrypts ciphertext using the key material in meta. The combined tag
// layout is tried first; if that fails and a separate tag is present, the
// tag is appended and decryption retried.
func Open(ciphertext []byte, meta protocol.EncryptionMetadata) ([]byte, error) {
	if meta.Method == "" || meta.Method == protocol.MethodNone {
		return ciphertext, nil
	}

	key, err := hex.DecodeString(meta.Key)
	if err != nil || len(key) != KeySize {
		return nil, ErrMissingKeyMaterial
	}
	nonce, err := hex.DecodeString(meta.IV)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrMissingKeyMaterial
	}

	aead, err := newAEAD(meta.Method, key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) >= TagSize {
		if plaintext, err := aead.Open(nil, nonce, ciphertext, nil); err == nil {
			return plaintext, nil
		}
	}

	// Legacy producers ship the tag separately from the ciphertext.
	if meta.Tag != "" {
		tag, err := hex.DecodeString(meta.Tag)
		if err == nil && len(tag) == TagSize {
			combined := make([]byte, 0, len(ciphertext)+TagSize)
			combined = append(combined, ciphertext...)
			combined = append(combined, tag...)
			if plaintext, err := aead.Open(nil, nonce, combined, nil); err == nil {
				return plaintext, nil
			}
		}
	}

	return nil, ErrDecryptionFailure
}

// Metadata renders the envelope's key material for in-band transport.
func (e *Envelope) Metadata() *protocol.EncryptionMetadata {
	meta := &protocol.EncryptionMetadata{
		Method:   e.Method,
		FileHash: e.FileHash,
	}
	if len(e.Key) > 0 {
		meta.Key = hex.EncodeToString(e.Key)
		meta.IV = hex.EncodeToString(e.Nonce)
		// The tag is the trailing TagSize bytes of the combined layout;
		// exposed separately for legacy consumers.
		if len(e.Ciphertext) >= TagSize {
			meta.Tag = hex.EncodeToString(e.Ciphertext[len(e.Ciphertext)-TagSize:])
		}
	}
	return meta
}

// FileHash returns the hex SHA-256 digest of data.
func FileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity recomputes the plaintext digest and compares it with the
// sender's. A mismatch is surfaced to the user but never blocks delivery.
func VerifyIntegrity(data []byte, hexDigest string) bool {
	if hexDigest == "" {
		return false
	}
	computed := FileHash(data)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hexDigest)) == 1
}

func newAEAD(method string, key []byte) (cipher.AEAD, error) {
	switch method {
	case protocol.MethodAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case protocol.MethodChaCha20:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}
