package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVaultKV serves a KV v1 mount named "secret" and sys/health.
type fakeVaultKV struct {
	mu      sync.Mutex
	secrets map[string]map[string]interface{}
	sealed  bool
}

func (f *fakeVaultKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/v1/sys/health" {
		_ = json.NewEncoder(w).Encode(map[string]bool{"initialized": true, "sealed": f.sealed})
		return
	}
	p, ok := strings.CutPrefix(r.URL.Path, "/v1/secret/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		data, ok := f.secrets[p]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	case http.MethodPut, http.MethodPost:
		var data map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.secrets[p] = data
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestVaultBackend_KVv1(t *testing.T) {
	ctx := context.Background()
	fake := &fakeVaultKV{secrets: map[string]map[string]interface{}{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	backend, err := NewVaultBackend(VaultOptions{Address: srv.URL, Mount: "/secret/", Dir: "device-relay", Token: "t", KVVersion: "1"}, discardLogger())
	require.NoError(t, err)
	assert.True(t, backend.Available(ctx))
	assert.Equal(t, "vault-secret-device-relay", backend.Name())

	_, err = backend.Fetch(ctx, "server_private_key.pem")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, backend.Store(ctx, "server_private_key.pem", []byte("sealed-pem")))
	assert.Equal(t, "sealed-pem", fake.secrets["device-relay/server_private_key.pem"]["content"])

	data, err := backend.Fetch(ctx, "server_private_key.pem")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-pem"), data)

	fake.mu.Lock()
	fake.sealed = true
	fake.mu.Unlock()
	assert.False(t, backend.Available(ctx))
}

func TestVaultBackend_Options(t *testing.T) {
	_, err := NewVaultBackend(VaultOptions{Address: "http://127.0.0.1:8200", Mount: "secret", KVVersion: "3"}, discardLogger())
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = NewVaultBackend(VaultOptions{Address: "http://127.0.0.1:8200"}, discardLogger())
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	b, err := NewVaultBackend(VaultOptions{Address: "https://vault.internal:8200", Mount: "secret", Dir: "relay/keys"}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "vault://vault.internal:8200/secret/relay/keys", b.LocationURI())
}
