package kms

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/device-relay-backend/cryptoutils"
	"github.com/ruteri/device-relay-backend/interfaces"
)

const (
	// PrivateKeyObject is the storage name of the server private key.
	PrivateKeyObject = "server_private_key.pem"
	// PublicKeyObject is the storage name of the server public key.
	PublicKeyObject = "server_public_key.pem"
)

// ServerKeyStore holds the relay's RSA key pair used to open bootstrap envelopes.
// The pair is loaded from a storage backend and generated on first start.
type ServerKeyStore struct {
	mu         sync.RWMutex
	privateKey *rsa.PrivateKey
	publicPEM  cryptoutils.PublicKeyPEM
	log        *slog.Logger
}

// NewServerKeyStore loads the server key pair from backend, generating and
// persisting a fresh RSA-2048 pair if none exists. When passphrase is non-empty
// the private key is stored sealed with it.
func NewServerKeyStore(ctx context.Context, backend interfaces.StorageBackend, passphrase []byte, log *slog.Logger) (*ServerKeyStore, error) {
	if log == nil {
		log = slog.Default()
	}

	stored, err := backend.Fetch(ctx, PrivateKeyObject)
	switch {
	case errors.Is(err, interfaces.ErrContentNotFound):
		return generateServerKeys(ctx, backend, passphrase, log)
	case err != nil:
		return nil, fmt.Errorf("could not fetch server key: %w", err)
	}

	if cryptoutils.IsSealed(stored) {
		if len(passphrase) == 0 {
			return nil, errors.New("server key is sealed but no passphrase is configured")
		}
		stored, err = cryptoutils.OpenWithPassphrase(passphrase, stored)
		if err != nil {
			return nil, fmt.Errorf("could not unseal server key: %w", err)
		}
	}

	privateKey, err := cryptoutils.PrivateKeyPEM(stored).Parse()
	if err != nil {
		return nil, fmt.Errorf("could not parse server key: %w", err)
	}
	_, publicPEM, err := cryptoutils.MarshalRSAKeyPair(privateKey)
	if err != nil {
		return nil, err
	}

	storedPublic, err := backend.Fetch(ctx, PublicKeyObject)
	switch {
	case errors.Is(err, interfaces.ErrContentNotFound):
		log.Warn("server public key missing from storage, restoring it")
		if err := backend.Store(ctx, PublicKeyObject, []byte(publicPEM)); err != nil {
			return nil, fmt.Errorf("could not store server public key: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("could not fetch server public key: %w", err)
	default:
		storedKey, err := cryptoutils.PublicKeyPEM(storedPublic).Parse()
		if err != nil {
			return nil, fmt.Errorf("could not parse stored server public key: %w", err)
		}
		if !storedKey.Equal(&privateKey.PublicKey) {
			return nil, errors.New("stored server public key does not match the private key")
		}
	}

	log.Info("loaded server key pair", "backend", backend.Name())
	return &ServerKeyStore{privateKey: privateKey, publicPEM: publicPEM, log: log}, nil
}

// ErrNoSealedServerKey is returned when a sealed start finds no passphrase
// sealed server key to open.
var ErrNoSealedServerKey = errors.New("sealed start requires an existing sealed server key")

// RequireSealedServerKey checks that backend holds a passphrase sealed server
// private key. A sealed start must never fall through to key generation, or
// any reconstructed passphrase would be accepted.
func RequireSealedServerKey(ctx context.Context, backend interfaces.StorageBackend) error {
	stored, err := backend.Fetch(ctx, PrivateKeyObject)
	switch {
	case errors.Is(err, interfaces.ErrContentNotFound):
		return fmt.Errorf("%w: nothing stored in %s", ErrNoSealedServerKey, backend.LocationURI())
	case err != nil:
		return fmt.Errorf("could not fetch server key: %w", err)
	case !cryptoutils.IsSealed(stored):
		return fmt.Errorf("%w: stored key is not sealed", ErrNoSealedServerKey)
	}
	return nil
}

// OpenSealedServerKeyStore loads an existing sealed server key with the
// reconstructed passphrase. It never generates keys.
func OpenSealedServerKeyStore(ctx context.Context, backend interfaces.StorageBackend, passphrase []byte, log *slog.Logger) (*ServerKeyStore, error) {
	if err := RequireSealedServerKey(ctx, backend); err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	return NewServerKeyStore(ctx, backend, passphrase, log)
}

func generateServerKeys(ctx context.Context, backend interfaces.StorageBackend, passphrase []byte, log *slog.Logger) (*ServerKeyStore, error) {
	privatePEM, publicPEM, err := cryptoutils.GenerateRSAKeyPair()
	if err != nil {
		return nil, err
	}
	privateKey, err := privatePEM.Parse()
	if err != nil {
		return nil, err
	}

	toStore := []byte(privatePEM)
	if len(passphrase) > 0 {
		toStore, err = cryptoutils.SealWithPassphrase(passphrase, privatePEM)
		if err != nil {
			return nil, fmt.Errorf("could not seal server key: %w", err)
		}
	}

	// Public key first: a crash in between leaves a key store that regenerates cleanly.
	if err := backend.Store(ctx, PublicKeyObject, []byte(publicPEM)); err != nil {
		return nil, fmt.Errorf("could not store server public key: %w", err)
	}
	if err := backend.Store(ctx, PrivateKeyObject, toStore); err != nil {
		return nil, fmt.Errorf("could not store server key: %w", err)
	}

	log.Info("generated new server key pair", "backend", backend.Name(), "sealed", len(passphrase) > 0)
	return &ServerKeyStore{privateKey: privateKey, publicPEM: publicPEM, log: log}, nil
}

// PublicKeyPEM returns the SPKI PEM devices encrypt their registration with.
func (s *ServerKeyStore) PublicKeyPEM() cryptoutils.PublicKeyPEM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicPEM
}

// OpenBootstrap decrypts a bootstrap envelope addressed to the server key.
func (s *ServerKeyStore) OpenBootstrap(env *cryptoutils.BootstrapEnvelope) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cryptoutils.OpenBootstrap(s.privateKey, env)
}
