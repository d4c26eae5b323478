package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/ruteri/device-relay-backend/interfaces"
)

const (
	sessionKeySize = 32
	gcmNonceSize   = 12
	gcmTagSize     = 16
)

// SessionKey is a per-device AES-256 key, hex-encoded (64 characters).
type SessionKey string

// NewSessionKey generates 256 bits of fresh key material.
func NewSessionKey() (SessionKey, error) {
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate session key: %w", err)
	}
	return SessionKey(hex.EncodeToString(key)), nil
}

// Bytes decodes the key. Anything that is not exactly 32 bytes of hex is rejected.
func (k SessionKey) Bytes() ([]byte, error) {
	key, err := hex.DecodeString(string(k))
	if err != nil {
		return nil, fmt.Errorf("%w: session key is not hex: %v", interfaces.ErrDecrypt, err)
	}
	if len(key) != sessionKeySize {
		return nil, fmt.Errorf("%w: session key must be %d bytes, got %d", interfaces.ErrDecrypt, sessionKeySize, len(key))
	}
	return key, nil
}

// SessionEnvelope carries an AES-256-GCM message. Nonce, ciphertext and tag are
// each base64-encoded; the tag is transmitted separately from the ciphertext.
type SessionEnvelope struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

func (k SessionKey) aead() (cipher.AEAD, error) {
	key, err := k.Bytes()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecrypt, err)
	}
	return cipher.NewGCM(block)
}

// Wrap encrypts payload under the session key with a fresh random nonce.
func Wrap(payload []byte, key SessionKey) (*SessionEnvelope, error) {
	gcm, err := key.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, payload, nil)
	ciphertext, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	return &SessionEnvelope{
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Unwrap authenticates and decrypts an envelope. A tag mismatch, a malformed
// field or a bad key all yield interfaces.ErrDecrypt and no plaintext.
func Unwrap(env *SessionEnvelope, key SessionKey) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: missing envelope", interfaces.ErrDecrypt)
	}

	gcm, err := key.aead()
	if err != nil {
		return nil, err
	}

	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(nonce) != gcmNonceSize {
		return nil, fmt.Errorf("%w: invalid nonce", interfaces.ErrDecrypt)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext encoding", interfaces.ErrDecrypt)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tag) != gcmTagSize {
		return nil, fmt.Errorf("%w: invalid tag", interfaces.ErrDecrypt)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", interfaces.ErrDecrypt)
	}
	return plaintext, nil
}
