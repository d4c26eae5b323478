// Package unsealhandler collects escrow shares of the key-sealing passphrase
// while the server waits to open its sealed private key.
//
// The server starts with only these endpoints (plus login and health) mounted.
// Operators submit their shares one at a time; once the threshold is reached
// the reconstructed passphrase is checked against the sealed key and, if it
// opens it, handed to the waiting caller of WaitForUnseal.
package unsealhandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/device-relay-backend/api"
	"github.com/ruteri/device-relay-backend/api/auth"
	"github.com/ruteri/device-relay-backend/kms"
)

// Verifier opens whatever the passphrase protects. A non-nil error means the
// shares did not reconstruct the right passphrase.
type Verifier func(ctx context.Context, passphrase []byte) error

type Handler struct {
	mu        sync.Mutex
	collector *kms.ShareCollector
	threshold int
	verify    Verifier
	unsealed  bool
	done      chan struct{}

	authenticate func(http.Handler) http.Handler
	log          *slog.Logger
}

func NewHandler(threshold int, verify Verifier, authenticate func(http.Handler) http.Handler, log *slog.Logger) (*Handler, error) {
	if threshold < 2 {
		return nil, errors.New("unseal threshold must be at least 2")
	}
	return &Handler{
		collector:    kms.NewShareCollector(threshold),
		threshold:    threshold,
		verify:       verify,
		done:         make(chan struct{}),
		authenticate: authenticate,
		log:          log,
	}, nil
}

// RegisterRoutes mounts:
//   - GET /admin/unseal/status
//   - POST /admin/unseal/share
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/admin/unseal/status", h.HandleStatus)
		r.Post("/admin/unseal/share", h.HandleSubmitShare)
	})
}

// WaitForUnseal blocks until a verified passphrase is available or ctx is done.
func (h *Handler) WaitForUnseal(ctx context.Context) ([]byte, error) {
	select {
	case <-h.done:
		return h.collector.Passphrase(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handler) status() api.UnsealStatusResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	return api.UnsealStatusResponse{
		Sealed:    !h.unsealed,
		Threshold: h.threshold,
		Received:  h.collector.Received(),
	}
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// HandleSubmitShare accepts one hex-encoded share.
//
// Status codes:
//   - 200 OK: share accepted; the body reports progress
//   - 400 Bad Request: malformed share
//   - 409 Conflict: already unsealed
//   - 422 Unprocessable Entity: threshold reached but the passphrase was wrong;
//     all collected shares are discarded
func (h *Handler) HandleSubmitShare(w http.ResponseWriter, r *http.Request) {
	var req api.UnsealShareRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, api.MaxRequestBody)).Decode(&req); err != nil || req.Share == "" {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request body"})
		return
	}
	operator := auth.OperatorFrom(r.Context())

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.unsealed {
		writeJSON(w, http.StatusConflict, api.ErrorResponse{Error: "Already unsealed"})
		return
	}

	complete, err := h.collector.Submit(req.Share)
	if err != nil {
		h.log.Warn("rejected unseal share", "operator", operator, "err", err)
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid share"})
		return
	}
	h.log.Info("unseal share accepted", "operator", operator, "received", h.collector.Received(), "threshold", h.threshold)

	if complete {
		if err := h.verify(r.Context(), h.collector.Passphrase()); err != nil {
			h.log.Error("reconstructed passphrase did not open the server key, discarding shares", "err", err)
			h.collector.Reset()
			writeJSON(w, http.StatusUnprocessableEntity, api.ErrorResponse{Error: "Shares did not reconstruct the passphrase"})
			return
		}
		h.unsealed = true
		close(h.done)
		h.log.Info("server key unsealed")
	}

	writeJSON(w, http.StatusOK, api.UnsealStatusResponse{
		Sealed:    !h.unsealed,
		Threshold: h.threshold,
		Received:  h.collector.Received(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
