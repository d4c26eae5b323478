package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := filepath.Join(t.TempDir(), "keys")

	backend, err := NewFileBackend(dir, logger)
	require.NoError(t, err)
	assert.True(t, backend.Available(context.Background()))
	assert.Equal(t, "file://"+dir, backend.LocationURI())

	_, err = backend.Fetch(context.Background(), "server_public_key.pem")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, backend.Store(context.Background(), "server_public_key.pem", []byte("first")))
	require.NoError(t, backend.Store(context.Background(), "server_public_key.pem", []byte("second")))

	data, err := backend.Fetch(context.Background(), "server_public_key.pem")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	info, err := os.Stat(filepath.Join(dir, "server_public_key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileBackend_RejectsPathNames(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "../escape", "a/b", `a\b`} {
		assert.Error(t, backend.Store(context.Background(), name, []byte("x")), name)
		_, err := backend.Fetch(context.Background(), name)
		assert.Error(t, err, name)
	}
}

func TestOpenURIs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	backend, err := OpenURIs([]string{"file://" + dir}, logger)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	backend, err = OpenURIs([]string{"file://" + dir + "/a", "file://" + dir + "/b"}, logger)
	require.NoError(t, err)
	replicated, ok := backend.(*ReplicatedBackend)
	require.True(t, ok)

	require.NoError(t, replicated.Store(context.Background(), "blob", []byte("replicated")))
	for _, sub := range []string{"a", "b"} {
		data, err := os.ReadFile(filepath.Join(dir, sub, "blob"))
		require.NoError(t, err)
		assert.Equal(t, []byte("replicated"), data)
	}

	_, err = OpenURIs(nil, logger)
	assert.Error(t, err)

	_, err = OpenURIs([]string{"ipfs://localhost:5001/"}, logger)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = OpenURIs([]string{"vault://vault.internal:8200/"}, logger)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = OpenURIs([]string{"s3://bucket/keys?sse=none"}, logger)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	vaultLocation, err := interfaces.ParseStorageLocation("vault://vault.internal:8200/secret/relay?token=hvs.abc&tls=false")
	require.NoError(t, err)
	vault, err := Open(vaultLocation, logger)
	require.NoError(t, err)
	assert.Equal(t, "vault-secret-relay", vault.Name())
	assert.Equal(t, "vault://vault.internal:8200/secret/relay", vault.LocationURI())
}

func TestStorageLocationRedacted(t *testing.T) {
	s3Location, err := interfaces.ParseStorageLocation("s3://AKID:SECRET@bucket/keys/?region=eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "s3://***@bucket/keys/?region=eu-west-1", s3Location.Redacted())

	vaultLocation, err := interfaces.ParseStorageLocation("vault://vault.internal:8200/secret/relay?token=hvs.abc&tls=false")
	require.NoError(t, err)
	assert.Equal(t, "vault://vault.internal:8200/secret/relay?token=***&tls=false", vaultLocation.Redacted())
	assert.Equal(t, "hvs.abc", vaultLocation.Param("token"))
}
