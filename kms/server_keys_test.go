package kms

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/device-relay-backend/cryptoutils"
	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/ruteri/device-relay-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBackend(t *testing.T) (interfaces.StorageBackend, *slog.Logger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := storage.NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)
	return backend, logger
}

func TestServerKeyStore_GenerateAndReload(t *testing.T) {
	ctx := context.Background()
	backend, logger := setupBackend(t)

	first, err := NewServerKeyStore(ctx, backend, nil, logger)
	require.NoError(t, err)
	require.NoError(t, first.PublicKeyPEM().Validate())

	stored, err := backend.Fetch(ctx, PublicKeyObject)
	require.NoError(t, err)
	assert.True(t, first.PublicKeyPEM().Equal(cryptoutils.PublicKeyPEM(stored)))

	second, err := NewServerKeyStore(ctx, backend, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKeyPEM(), second.PublicKeyPEM())

	serverPub, err := second.PublicKeyPEM().Parse()
	require.NoError(t, err)
	env, err := cryptoutils.SealBootstrap(serverPub, []byte(`{"authToken":"abc"}`))
	require.NoError(t, err)

	plaintext, err := first.OpenBootstrap(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"authToken":"abc"}`, string(plaintext))
}

func TestServerKeyStore_Sealed(t *testing.T) {
	ctx := context.Background()
	backend, logger := setupBackend(t)
	passphrase := []byte("correct horse battery staple")

	ks, err := NewServerKeyStore(ctx, backend, passphrase, logger)
	require.NoError(t, err)

	raw, err := backend.Fetch(ctx, PrivateKeyObject)
	require.NoError(t, err)
	assert.True(t, cryptoutils.IsSealed(raw))

	_, err = NewServerKeyStore(ctx, backend, nil, logger)
	assert.Error(t, err)

	_, err = NewServerKeyStore(ctx, backend, []byte("wrong"), logger)
	assert.ErrorIs(t, err, interfaces.ErrDecrypt)

	reloaded, err := NewServerKeyStore(ctx, backend, passphrase, logger)
	require.NoError(t, err)
	assert.Equal(t, ks.PublicKeyPEM(), reloaded.PublicKeyPEM())
}

func TestServerKeyStore_MismatchedPublicKey(t *testing.T) {
	ctx := context.Background()
	backend, logger := setupBackend(t)

	_, err := NewServerKeyStore(ctx, backend, nil, logger)
	require.NoError(t, err)

	_, otherPub, err := cryptoutils.GenerateRSAKeyPair()
	require.NoError(t, err)
	require.NoError(t, backend.Store(ctx, PublicKeyObject, []byte(otherPub)))

	_, err = NewServerKeyStore(ctx, backend, nil, logger)
	assert.ErrorContains(t, err, "does not match")
}

func TestServerKeyStore_RestoresMissingPublicKey(t *testing.T) {
	ctx := context.Background()
	backend, logger := setupBackend(t)

	privPEM, pubPEM, err := cryptoutils.GenerateRSAKeyPair()
	require.NoError(t, err)
	require.NoError(t, backend.Store(ctx, PrivateKeyObject, privPEM))

	ks, err := NewServerKeyStore(ctx, backend, nil, logger)
	require.NoError(t, err)
	assert.True(t, ks.PublicKeyPEM().Equal(pubPEM))

	stored, err := backend.Fetch(ctx, PublicKeyObject)
	require.NoError(t, err)
	assert.True(t, pubPEM.Equal(cryptoutils.PublicKeyPEM(stored)))
}

func TestOpenSealedServerKeyStore(t *testing.T) {
	ctx := context.Background()
	passphrase := []byte("correct horse battery staple")

	t.Run("empty backend", func(t *testing.T) {
		backend, logger := setupBackend(t)

		require.ErrorIs(t, RequireSealedServerKey(ctx, backend), ErrNoSealedServerKey)
		_, err := OpenSealedServerKeyStore(ctx, backend, []byte("any quorum"), logger)
		require.ErrorIs(t, err, ErrNoSealedServerKey)

		_, err = backend.Fetch(ctx, PrivateKeyObject)
		assert.ErrorIs(t, err, interfaces.ErrContentNotFound, "no key is generated")
	})

	t.Run("plaintext key", func(t *testing.T) {
		backend, logger := setupBackend(t)
		_, err := NewServerKeyStore(ctx, backend, nil, logger)
		require.NoError(t, err)

		require.ErrorIs(t, RequireSealedServerKey(ctx, backend), ErrNoSealedServerKey)
		_, err = OpenSealedServerKeyStore(ctx, backend, passphrase, logger)
		require.ErrorIs(t, err, ErrNoSealedServerKey)
	})

	t.Run("sealed key", func(t *testing.T) {
		backend, logger := setupBackend(t)
		created, err := NewServerKeyStore(ctx, backend, passphrase, logger)
		require.NoError(t, err)

		require.NoError(t, RequireSealedServerKey(ctx, backend))

		_, err = OpenSealedServerKeyStore(ctx, backend, []byte("wrong passphrase"), logger)
		require.Error(t, err)
		_, err = OpenSealedServerKeyStore(ctx, backend, nil, logger)
		require.Error(t, err)

		opened, err := OpenSealedServerKeyStore(ctx, backend, passphrase, logger)
		require.NoError(t, err)
		assert.Equal(t, created.PublicKeyPEM(), opened.PublicKeyPEM())
	})
}
