package cryptoutils

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const (
	// RSAKeyBits is the modulus size of server and simulated device keys.
	RSAKeyBits = 2048

	pemTypePublicKey     = "PUBLIC KEY"
	pemTypeRSAPublicKey  = "RSA PUBLIC KEY"
	pemTypePrivateKey    = "PRIVATE KEY"
	pemTypeRSAPrivateKey = "RSA PRIVATE KEY"
)

// PublicKeyPEM represents an RSA public key in PEM format (SPKI or PKCS#1).
type PublicKeyPEM string

// NewPublicKeyPEM creates a public key object from PEM-encoded data with validation.
func NewPublicKeyPEM(data string) (PublicKeyPEM, error) {
	key := PublicKeyPEM(data)
	if _, err := key.Parse(); err != nil {
		return "", err
	}
	return key, nil
}

// Parse returns the RSA public key.
func (p PublicKeyPEM) Parse() (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(p))
	if block == nil {
		return nil, errors.New("invalid public key: not in PEM format")
	}

	switch block.Type {
	case pemTypeRSAPublicKey:
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case pemTypePublicKey:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key structure: %w", err)
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
}

// Validate checks if the public key is properly formed.
func (p PublicKeyPEM) Validate() error {
	_, err := p.Parse()
	return err
}

// Equal compares two PEM strings ignoring surrounding whitespace.
func (p PublicKeyPEM) Equal(other PublicKeyPEM) bool {
	return strings.TrimSpace(string(p)) == strings.TrimSpace(string(other))
}

// PrivateKeyPEM represents an RSA private key in PEM format (PKCS#8 or PKCS#1).
type PrivateKeyPEM []byte

// Parse returns the RSA private key.
func (p PrivateKeyPEM) Parse() (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(p)
	if block == nil {
		return nil, errors.New("invalid private key: not in PEM format")
	}

	switch block.Type {
	case pemTypeRSAPrivateKey:
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case pemTypePrivateKey:
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid private key structure: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
}

// GenerateRSAKeyPair creates an RSA-2048 key pair (e=65537) and returns the
// private key as PKCS#8 PEM and the public key as SPKI PEM.
func GenerateRSAKeyPair() (PrivateKeyPEM, PublicKeyPEM, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return MarshalRSAKeyPair(key)
}

// MarshalRSAKeyPair encodes an existing key as PKCS#8 / SPKI PEM.
func MarshalRSAKeyPair(key *rsa.PrivateKey) (PrivateKeyPEM, PublicKeyPEM, error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: pubDER})
	return PrivateKeyPEM(privPEM), PublicKeyPEM(pubPEM), nil
}
