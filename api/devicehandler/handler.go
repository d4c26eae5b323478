// Package devicehandler serves the endpoints called by devices.
//
// None of these endpoints require operator credentials. Registration is gated
// by a one-time token inside the bootstrap envelope; later calls are bound to a
// device by its session key. Error responses carry short fixed messages only.
package devicehandler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/device-relay-backend/api"
	"github.com/ruteri/device-relay-backend/commands"
	"github.com/ruteri/device-relay-backend/cryptoutils"
	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/ruteri/device-relay-backend/registry"
)

// RequestError pairs an HTTP status with the underlying error.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ServerKeys is the server key pair used for the bootstrap layer.
type ServerKeys interface {
	PublicKeyPEM() cryptoutils.PublicKeyPEM
	OpenBootstrap(env *cryptoutils.BootstrapEnvelope) ([]byte, error)
}

// DeviceRegistry is the subset of the registry used by device endpoints.
type DeviceRegistry interface {
	Register(ctx context.Context, reg registry.Registration) (*registry.Session, error)
	Reconnect(ctx context.Context, deviceID, publicKey string) (*registry.Session, error)
	Heartbeat(ctx context.Context, deviceID string, env *cryptoutils.SessionEnvelope) (*interfaces.Device, error)
	Deregister(ctx context.Context, deviceID string, env *cryptoutils.SessionEnvelope) error
}

// CommandQueue is the subset of the queue used by device endpoints.
type CommandQueue interface {
	FetchPending(ctx context.Context, deviceID string) (*commands.Delivery, error)
	Report(ctx context.Context, deviceID, commandID string, env *cryptoutils.SessionEnvelope) (*interfaces.Command, error)
}

type Handler struct {
	keys     ServerKeys
	registry DeviceRegistry
	queue    CommandQueue
	log      *slog.Logger
}

func NewHandler(keys ServerKeys, registry DeviceRegistry, queue CommandQueue, log *slog.Logger) *Handler {
	return &Handler{
		keys:     keys,
		registry: registry,
		queue:    queue,
		log:      log,
	}
}

// RegisterRoutes mounts the device endpoints:
//   - GET /server-key
//   - POST /register-device
//   - POST /devices/{deviceId}/reconnect
//   - POST /devices/{deviceId}/heartbeat
//   - POST /devices/{deviceId}/deregister
//   - GET /devices/{deviceId}/pending-commands
//   - POST /commands/{commandId}/update
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/server-key", h.HandleServerKey)
	r.Post("/register-device", h.HandleRegister)
	r.Post("/devices/{deviceId}/reconnect", h.HandleReconnect)
	r.Post("/devices/{deviceId}/heartbeat", h.HandleHeartbeat)
	r.Post("/devices/{deviceId}/deregister", h.HandleDeregister)
	r.Get("/devices/{deviceId}/pending-commands", h.HandlePendingCommands)
	r.Post("/commands/{commandId}/update", h.HandleCommandUpdate)
}

// HandleServerKey returns the PEM-encoded server public key.
func (h *Handler) HandleServerKey(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, api.ServerKeyResponse{PublicKey: string(h.keys.PublicKeyPEM())})
}

// HandleRegister opens a bootstrap envelope, registers the device and answers
// with a SessionGrant encrypted to the device's public key.
//
// Status codes:
//   - 200 OK: device registered
//   - 400 Bad Request: malformed body, envelope or registration payload
//   - 403 Forbidden: token invalid, expired or already used
//   - 500 Internal Server Error: store failure
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := decodeBody(r, &req); err != nil || req.Data == nil {
		h.writeError(w, r, &RequestError{http.StatusBadRequest, api.ErrBadRequest})
		return
	}

	plaintext, err := h.keys.OpenBootstrap(req.Data)
	if err != nil {
		h.log.Warn("failed to open registration envelope", "err", err, "remoteAddr", r.RemoteAddr)
		h.writeError(w, r, requestError(err))
		return
	}

	payload, err := decodeRegistration(plaintext)
	if err != nil {
		h.log.Warn("rejected registration payload", "err", err, "remoteAddr", r.RemoteAddr)
		h.writeError(w, r, &RequestError{http.StatusBadRequest, err})
		return
	}

	info := payload.DeviceInfo
	session, err := h.registry.Register(r.Context(), registry.Registration{
		Token:        payload.AuthToken,
		DeviceID:     info.DeviceID,
		PublicKey:    info.PublicKey,
		Capabilities: registry.CapabilitiesFrom(info.Operations, info.Metadata),
		Metadata:     info.Metadata,
	})
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}

	h.writeGrant(w, r, cryptoutils.PublicKeyPEM(info.PublicKey), session, "Device registered successfully")
}

// HandleReconnect issues a new session key to a device presenting its
// registered public key.
func (h *Handler) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	var req api.ReconnectRequest
	if err := decodeBody(r, &req); err != nil || req.PublicKey == "" {
		h.writeError(w, r, &RequestError{http.StatusBadRequest, api.ErrBadRequest})
		return
	}
	if req.DeviceID != "" && req.DeviceID != deviceID {
		h.writeError(w, r, &RequestError{http.StatusBadRequest, fmt.Errorf("%w: deviceId does not match path", interfaces.ErrInvalidParams)})
		return
	}

	session, err := h.registry.Reconnect(r.Context(), deviceID, req.PublicKey)
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}

	h.writeGrant(w, r, cryptoutils.PublicKeyPEM(req.PublicKey), session, "Device reconnected successfully")
}

// HandleHeartbeat refreshes liveness. The body may be empty or carry a session
// envelope; a present envelope must authenticate.
func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	var req api.SessionRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		h.writeError(w, r, &RequestError{http.StatusBadRequest, api.ErrBadRequest})
		return
	}

	device, err := h.registry.Heartbeat(r.Context(), deviceID, req.Data)
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, api.HeartbeatResponse{Status: "ok", Active: device.IsActive})
}

// HandleDeregister marks the device inactive. The optional envelope is not
// required to authenticate.
func (h *Handler) HandleDeregister(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	var req api.SessionRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		h.log.Warn("ignoring malformed deregister body", "deviceId", deviceID, "err", err)
		req.Data = nil
	}

	if err := h.registry.Deregister(r.Context(), deviceID, req.Data); err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, api.StatusResponse{Status: "Device deregistered"})
}

// HandlePendingCommands claims the device's pending commands and returns them
// in a session envelope.
func (h *Handler) HandlePendingCommands(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	delivery, err := h.queue.FetchPending(r.Context(), deviceID)
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}

	payload := api.PendingCommands{
		Commands:  make([]api.PendingCommand, 0, len(delivery.Commands)),
		Timestamp: time.Now().Unix(),
	}
	for _, cmd := range delivery.Commands {
		payload.Commands = append(payload.Commands, api.PendingCommand{ID: cmd.ID, Name: cmd.Name, Params: cmd.Params})
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	envelope, err := cryptoutils.Wrap(plaintext, cryptoutils.SessionKey(delivery.Device.SessionKey))
	if err != nil {
		// The commands are already marked sent; the device will not see them again.
		h.log.Error("failed to encrypt pending commands", "deviceId", deviceID, "count", len(delivery.Commands), "err", err)
		h.writeError(w, r, &RequestError{http.StatusInternalServerError, err})
		return
	}

	h.writeJSON(w, http.StatusOK, api.PendingCommandsResponse{Data: envelope})
}

// HandleCommandUpdate records a device's result report.
//
// Status codes:
//   - 200 OK: result recorded, or an identical terminal report repeated
//   - 400 Bad Request: malformed body or undecryptable payload
//   - 404 Not Found: unknown device, or command not owned by the device
//   - 409 Conflict: command not yet delivered, or finalized with another status
func (h *Handler) HandleCommandUpdate(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandId")

	var req api.CommandUpdateRequest
	if err := decodeBody(r, &req); err != nil || req.DeviceID == "" || req.Data == nil {
		h.writeError(w, r, &RequestError{http.StatusBadRequest, api.ErrBadRequest})
		return
	}

	if _, err := h.queue.Report(r.Context(), req.DeviceID, commandID, req.Data); err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, api.StatusResponse{Status: "Command updated"})
}

func (h *Handler) writeGrant(w http.ResponseWriter, r *http.Request, devicePub cryptoutils.PublicKeyPEM, session *registry.Session, message string) {
	grant, err := json.Marshal(api.SessionGrant{
		SessionKey: string(session.SessionKey),
		Message:    message,
		ServerTime: session.ServerTime,
	})
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	encrypted, err := cryptoutils.EncryptForDevice(devicePub, grant)
	if err != nil {
		h.log.Error("failed to encrypt session grant", "deviceId", session.DeviceID, "err", err)
		h.writeError(w, r, &RequestError{http.StatusInternalServerError, err})
		return
	}
	h.writeJSON(w, http.StatusOK, api.EncryptedResponse{Data: encrypted})
}

func requestError(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	status, _ := api.StatusFor(err)
	return &RequestError{StatusCode: status, Err: err}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, reqErr *RequestError) {
	_, message := api.StatusFor(reqErr.Err)
	if reqErr.StatusCode >= http.StatusInternalServerError {
		message = "Internal server error"
		h.log.Error("device request failed", "path", r.URL.Path, "err", reqErr.Err)
	} else {
		h.log.Debug("device request rejected", "path", r.URL.Path, "status", reqErr.StatusCode, "err", reqErr.Err)
	}
	h.writeJSON(w, reqErr.StatusCode, api.ErrorResponse{Error: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "err", err)
	}
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, api.MaxRequestBody)).Decode(v)
}

// decodeRegistration parses an opened bootstrap payload. The bootstrap layer
// carries no MAC, so a tampered envelope can still open to garbage; unknown
// fields and missing required fields are rejected here instead.
func decodeRegistration(plaintext []byte) (*api.RegistrationPayload, error) {
	var payload api.RegistrationPayload
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidParams, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after registration payload", interfaces.ErrInvalidParams)
	}
	switch {
	case payload.AuthToken == "":
		return nil, fmt.Errorf("%w: authToken is required", interfaces.ErrInvalidParams)
	case payload.DeviceInfo.DeviceID == "":
		return nil, fmt.Errorf("%w: deviceInfo.deviceId is required", interfaces.ErrInvalidParams)
	case payload.DeviceInfo.PublicKey == "":
		return nil, fmt.Errorf("%w: deviceInfo.publicKey is required", interfaces.ErrInvalidParams)
	}
	return &payload, nil
}

// decodeOptionalBody treats an empty body as the zero value.
func decodeOptionalBody(r *http.Request, v any) error {
	err := decodeBody(r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
