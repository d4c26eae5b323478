package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/device-relay-backend/interfaces"
	"golang.org/x/crypto/argon2"
)

// SealedKeyPEMType is the PEM block type of a passphrase-sealed private key.
const SealedKeyPEMType = "ENCRYPTED SERVER KEY"

const sealSaltSize = 16

// deriveSealingKey stretches a passphrase with Argon2id.
// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
func deriveSealingKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// SealWithPassphrase encrypts data with a key derived from passphrase and
// returns a PEM block holding salt || nonce || ciphertext.
func SealWithPassphrase(passphrase, data []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}

	salt := make([]byte, sealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(deriveSealingKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	body := make([]byte, 0, len(salt)+len(nonce)+len(data)+gcm.Overhead())
	body = append(body, salt...)
	body = append(body, nonce...)
	body = gcm.Seal(body, nonce, data, nil)

	return pem.EncodeToMemory(&pem.Block{Type: SealedKeyPEMType, Bytes: body}), nil
}

// OpenWithPassphrase reverses SealWithPassphrase.
func OpenWithPassphrase(passphrase, sealed []byte) ([]byte, error) {
	block, _ := pem.Decode(sealed)
	if block == nil || block.Type != SealedKeyPEMType {
		return nil, fmt.Errorf("%w: not a sealed key", interfaces.ErrDecrypt)
	}

	body := block.Bytes
	if len(body) < sealSaltSize+gcmNonceSize+gcmTagSize {
		return nil, fmt.Errorf("%w: sealed key too short", interfaces.ErrDecrypt)
	}
	salt := body[:sealSaltSize]
	nonce := body[sealSaltSize : sealSaltSize+gcmNonceSize]
	ciphertext := body[sealSaltSize+gcmNonceSize:]

	gcm, err := newGCM(deriveSealingKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	data, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupted key", interfaces.ErrDecrypt)
	}
	return data, nil
}

// IsSealed reports whether data is a passphrase-sealed PEM block.
func IsSealed(data []byte) bool {
	block, _ := pem.Decode(data)
	return block != nil && block.Type == SealedKeyPEMType
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
