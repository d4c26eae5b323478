package cryptoutils

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/device-relay-backend/interfaces"
)

// BootstrapEnvelope is the hybrid-encrypted registration payload sent by a device.
// The AES key is wrapped with RSA-OAEP(SHA-256) under the server public key and
// the payload is AES-CBC encrypted with PKCS#7 padding.
type BootstrapEnvelope struct {
	EncryptedKey string `json:"encrypted_key"`
	IV           string `json:"iv"`
	Ciphertext   string `json:"ciphertext"`
}

// UnmarshalJSON accepts both encrypted_key and encryptedKey spellings.
func (e *BootstrapEnvelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		EncryptedKey      string `json:"encrypted_key"`
		EncryptedKeyCamel string `json:"encryptedKey"`
		IV                string `json:"iv"`
		Ciphertext        string `json:"ciphertext"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.EncryptedKey = raw.EncryptedKey
	if e.EncryptedKey == "" {
		e.EncryptedKey = raw.EncryptedKeyCamel
	}
	e.IV = raw.IV
	e.Ciphertext = raw.Ciphertext
	return nil
}

// SealBootstrap encrypts plaintext for the holder of serverPub using a fresh
// AES-256 key and IV.
func SealBootstrap(serverPub *rsa.PublicKey, plaintext []byte) (*BootstrapEnvelope, error) {
	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, aesKey); err != nil {
		return nil, fmt.Errorf("failed to generate AES key: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, serverPub, aesKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap AES key: %w", err)
	}

	return &BootstrapEnvelope{
		EncryptedKey: base64.StdEncoding.EncodeToString(wrappedKey),
		IV:           base64.StdEncoding.EncodeToString(iv),
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// OpenBootstrap reverses SealBootstrap with the server private key.
// Every failure is reported as interfaces.ErrDecrypt.
func OpenBootstrap(serverKey *rsa.PrivateKey, env *BootstrapEnvelope) ([]byte, error) {
	if env == nil || env.EncryptedKey == "" || env.IV == "" || env.Ciphertext == "" {
		return nil, fmt.Errorf("%w: incomplete bootstrap envelope", interfaces.ErrDecrypt)
	}

	wrappedKey, err := base64.StdEncoding.DecodeString(env.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted key: %v", interfaces.ErrDecrypt, err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", interfaces.ErrDecrypt, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", interfaces.ErrDecrypt, err)
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), nil, serverKey, wrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap key: %v", interfaces.ErrDecrypt, err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecrypt, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes", interfaces.ErrDecrypt, aes.BlockSize)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", interfaces.ErrDecrypt)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecrypt, err)
	}
	return plaintext, nil
}

// EncryptForDevice encrypts a small JSON payload directly with the device public
// key under RSA-OAEP(SHA-256) and returns it base64-encoded.
func EncryptForDevice(devicePub PublicKeyPEM, plaintext []byte) (string, error) {
	pub, err := devicePub.Parse()
	if err != nil {
		return "", fmt.Errorf("invalid device public key: %w", err)
	}
	encrypted, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt for device: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// DecryptFromServer is the device-side inverse of EncryptForDevice.
func DecryptFromServer(deviceKey *rsa.PrivateKey, encoded string) ([]byte, error) {
	encrypted, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecrypt, err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, deviceKey, encrypted, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecrypt, err)
	}
	return plaintext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
