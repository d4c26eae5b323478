package unsealhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/device-relay-backend/api"
	"github.com/ruteri/device-relay-backend/api/auth"
	"github.com/ruteri/device-relay-backend/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passThrough(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.WithOperator(r.Context(), "tester")))
	})
}

func submit(t *testing.T, router chi.Router, share string) (int, api.UnsealStatusResponse) {
	t.Helper()
	body, err := json.Marshal(api.UnsealShareRequest{Share: share})
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/unseal/share", bytes.NewReader(body)))
	var status api.UnsealStatusResponse
	if rr.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	}
	return rr.Code, status
}

func TestUnseal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	passphrase := []byte("sealing passphrase")
	shares, err := kms.SplitPassphrase(passphrase, 3, 2)
	require.NoError(t, err)

	h, err := NewHandler(2, func(ctx context.Context, p []byte) error {
		if !bytes.Equal(p, passphrase) {
			return errors.New("wrong passphrase")
		}
		return nil
	}, passThrough, logger)
	require.NoError(t, err)

	router := chi.NewRouter()
	h.RegisterRoutes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/unseal/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var status api.UnsealStatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, api.UnsealStatusResponse{Sealed: true, Threshold: 2}, status)

	code, _ := submit(t, router, "zz")
	assert.Equal(t, http.StatusBadRequest, code)

	code, status = submit(t, router, shares[0])
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, status.Received)
	assert.True(t, status.Sealed)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.WaitForUnseal(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	code, status = submit(t, router, shares[2])
	require.Equal(t, http.StatusOK, code)
	assert.False(t, status.Sealed)

	got, err := h.WaitForUnseal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, passphrase, got)

	code, _ = submit(t, router, shares[1])
	assert.Equal(t, http.StatusConflict, code)
}

func TestUnseal_WrongSharesAreDiscarded(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	right, err := kms.SplitPassphrase([]byte("right"), 2, 2)
	require.NoError(t, err)
	wrong, err := kms.SplitPassphrase([]byte("wrong"), 2, 2)
	require.NoError(t, err)

	h, err := NewHandler(2, func(ctx context.Context, p []byte) error {
		if string(p) != "right" {
			return errors.New("wrong passphrase")
		}
		return nil
	}, passThrough, logger)
	require.NoError(t, err)
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	code, _ := submit(t, router, wrong[0])
	require.Equal(t, http.StatusOK, code)
	code, _ = submit(t, router, wrong[1])
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, 0, h.status().Received)

	code, _ = submit(t, router, right[0])
	require.Equal(t, http.StatusOK, code)
	code, status := submit(t, router, right[1])
	require.Equal(t, http.StatusOK, code)
	assert.False(t, status.Sealed)
}

func TestNewHandler_Threshold(t *testing.T) {
	_, err := NewHandler(1, nil, passThrough, slog.Default())
	assert.Error(t, err)
}
