// Package cryptobox seals exam payloads under a key derived from the short
// session code. Only the holder of the code can read a sealed blob.
//
// Blob format: base64(std) of nonce(12) ‖ AES-256-GCM ciphertext ‖ tag(16).
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySalt is shared by every session. Identical codes always yield
	// identical keys, which allows precomputation against the KDF step.
	// Kept for compatibility with blobs produced by existing clients.
	KeySalt = "offlinetests-salt"
	// KeyIterations is the PBKDF2-HMAC-SHA256 work factor.
	KeyIterations = 100000
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

var (
	// ErrDecryption is returned for a wrong code, a truncated or tampered
	// blob, or a plaintext that is not valid JSON.
	ErrDecryption = errors.New("decryption failed")
	// ErrEncryption is returned when a value cannot be serialized or sealed.
	ErrEncryption = errors.New("encryption failed")
)

// DeriveKey expands a session code into a 256-bit key. Deterministic.
func DeriveKey(code string) []byte {
	return pbkdf2.Key([]byte(code), []byte(KeySalt), KeyIterations, KeySize, sha256.New)
}

// Box holds the derived key for one session so the KDF runs once.
type Box struct {
	aead  cipher.AEAD
	nonce io.Reader
}

// New derives the key for code and prepares an AES-GCM sealer.
func New(code string) (*Box, error) {
	return NewWithKey(DeriveKey(code))
}

// NewWithKey builds a Box from an already derived 32-byte key.
func NewWithKey(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: invalid key length %d", ErrEncryption, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrEncryption, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: create gcm: %v", ErrEncryption, err)
	}
	return &Box{aead: aead, nonce: rand.Reader}, nil
}

// Seal serializes v to JSON and encrypts it under a fresh random nonce.
func (b *Box) Seal(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: marshal: %v", ErrEncryption, err)
	}
	return b.SealBytes(plaintext)
}

// SealBytes encrypts raw JSON bytes. Every call draws a new nonce.
func (b *Box) SealBytes(plaintext []byte) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(b.nonce, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", ErrEncryption, err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce)
	out = b.aead.Seal(out, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts blob and decodes the JSON plaintext into dst.
func (b *Box) Open(blob string, dst any) error {
	plaintext, err := b.OpenBytes(blob)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, dst); err != nil {
		return fmt.Errorf("%w: decode plaintext: %v", ErrDecryption, err)
	}
	return nil
}

// OpenBytes decrypts blob and returns the plaintext only if it is valid JSON.
func (b *Box) OpenBytes(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecryption, err)
	}
	if len(raw) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", ErrDecryption, len(raw))
	}

	plaintext, err := b.aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if !json.Valid(plaintext) {
		return nil, fmt.Errorf("%w: plaintext is not JSON", ErrDecryption)
	}
	return plaintext, nil
}

// Encrypt seals v under the key derived from code.
func Encrypt(v any, code string) (string, error) {
	box, err := New(code)
	if err != nil {
		return "", err
	}
	return box.Seal(v)
}

// Decrypt opens blob with the key derived from code into dst.
func Decrypt(blob, code string, dst any) error {
	box, err := New(code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return box.Open(blob, dst)
}
