// Package operatorhandler serves the operator-only endpoints: registration
// token issuance, command execution, and device, command and action listings.
package operatorhandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/device-relay-backend/api"
	"github.com/ruteri/device-relay-backend/api/auth"
	"github.com/ruteri/device-relay-backend/interfaces"
)

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

type TokenIssuer interface {
	Issue(ctx context.Context, issuer string) (*interfaces.AuthorizationToken, error)
	ListActive(ctx context.Context) ([]interfaces.AuthorizationToken, error)
	Now() time.Time
}

type Devices interface {
	List(ctx context.Context, activeOnly bool) ([]interfaces.Device, error)
	Capabilities(ctx context.Context, deviceID string) ([]string, error)
}

type Commands interface {
	Enqueue(ctx context.Context, deviceID, name string, params map[string]any) (*interfaces.Command, error)
	Get(ctx context.Context, commandID string) (*interfaces.Command, error)
	Recent(ctx context.Context) ([]interfaces.Command, error)
	ForDevice(ctx context.Context, deviceID string) ([]interfaces.Command, error)
	Schema(ctx context.Context, name string) (interfaces.ActionParameter, error)
	DefineAction(ctx context.Context, action *interfaces.ActionParameter) error
}

type Sweeper interface {
	Sweep(ctx context.Context, timeout time.Duration) (int, error)
}

type Config struct {
	Tokens   TokenIssuer
	Devices  Devices
	Commands Commands
	Sweeper  Sweeper

	// SweepTimeout is the heartbeat timeout applied before listing all devices.
	SweepTimeout time.Duration

	// Authenticate guards every route. It must put the operator name in the
	// request context (see auth.WithOperator).
	Authenticate func(http.Handler) http.Handler

	Log *slog.Logger
}

type Handler struct {
	cfg Config
	log *slog.Logger
}

func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg, log: cfg.Log}
}

// RegisterRoutes mounts the operator endpoints behind cfg.Authenticate.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.cfg.Authenticate)

		r.Post("/admin/generate-token", h.HandleGenerateToken)
		r.Get("/admin/tokens", h.HandleListTokens)

		r.Post("/execute-command", h.HandleExecuteCommand)
		r.Get("/commands", h.HandleListCommands)
		r.Get("/commands/{commandId}", h.HandleGetCommand)

		r.Get("/devices", h.HandleListActiveDevices)
		r.Get("/devices/all", h.HandleListAllDevices)
		r.Get("/devices/{deviceId}/capabilities", h.HandleCapabilities)
		r.Get("/devices/{deviceId}/commands", h.HandleDeviceCommands)

		r.Get("/actions/{name}/parameters", h.HandleGetAction)
		r.Put("/actions/{name}/parameters", h.HandlePutAction)
	})
}

func (h *Handler) HandleGenerateToken(w http.ResponseWriter, r *http.Request) {
	operator := auth.OperatorFrom(r.Context())
	token, err := h.cfg.Tokens.Issue(r.Context(), operator)
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, api.GenerateTokenResponse{Token: token.Token, ExpiresAt: token.ExpiresAt})
}

func (h *Handler) HandleListTokens(w http.ResponseWriter, r *http.Request) {
	active, err := h.cfg.Tokens.ListActive(r.Context())
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}

	now := h.cfg.Tokens.Now()
	resp := api.TokenListResponse{Count: len(active), Tokens: make([]api.TokenInfo, 0, len(active))}
	for _, t := range active {
		resp.Tokens = append(resp.Tokens, api.TokenInfo{
			Token:     t.Token,
			CreatedAt: t.CreatedAt,
			ExpiresAt: t.ExpiresAt,
			IsUsed:    t.Used,
			IsValid:   t.IsValid(now),
			CreatedBy: t.IssuedBy,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleExecuteCommand queues a command.
//
// Status codes:
//   - 200 OK: command queued
//   - 400 Bad Request: unsupported operation or params rejected by the schema
//   - 404 Not Found: unknown device
//   - 409 Conflict: device inactive
func (h *Handler) HandleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var req api.ExecuteCommandRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, &RequestError{http.StatusBadRequest, api.ErrBadRequest})
		return
	}

	cmd, err := h.cfg.Commands.Enqueue(r.Context(), req.DeviceID, req.Command, req.Params)
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}

	h.log.Info("command submitted", "operator", auth.OperatorFrom(r.Context()), "commandId", cmd.ID, "deviceId", cmd.DeviceID, "command", cmd.Name)
	h.writeJSON(w, http.StatusOK, api.ExecuteCommandResponse{Status: "Command queued", CommandID: cmd.ID})
}

func (h *Handler) HandleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.cfg.Commands.Get(r.Context(), chi.URLParam(r, "commandId"))
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, api.NewCommandRecord(cmd))
}

func (h *Handler) HandleListCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := h.cfg.Commands.Recent(r.Context())
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, commandList(cmds))
}

func (h *Handler) HandleDeviceCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := h.cfg.Commands.ForDevice(r.Context(), chi.URLParam(r, "deviceId"))
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, commandList(cmds))
}

func (h *Handler) HandleListActiveDevices(w http.ResponseWriter, r *http.Request) {
	h.listDevices(w, r, true)
}

// HandleListAllDevices runs a heartbeat sweep first so the listing reflects
// devices that have timed out since the last scheduled sweep.
func (h *Handler) HandleListAllDevices(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Sweeper != nil && h.cfg.SweepTimeout > 0 {
		if _, err := h.cfg.Sweeper.Sweep(r.Context(), h.cfg.SweepTimeout); err != nil {
			h.log.Warn("sweep before listing failed", "err", err)
		}
	}
	h.listDevices(w, r, false)
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	devices, err := h.cfg.Devices.List(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	resp := api.DeviceListResponse{Count: len(devices), Devices: make([]api.DeviceRecord, 0, len(devices))}
	for i := range devices {
		resp.Devices = append(resp.Devices, api.NewDeviceRecord(&devices[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	caps, err := h.cfg.Devices.Capabilities(r.Context(), deviceID)
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, api.CapabilitiesResponse{DeviceID: deviceID, Capabilities: caps})
}

// HandleGetAction returns the schema commands named {name} are validated
// against, including the default schema for unregistered names.
func (h *Handler) HandleGetAction(w http.ResponseWriter, r *http.Request) {
	action, err := h.cfg.Commands.Schema(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, api.ActionParametersResponse(action))
}

func (h *Handler) HandlePutAction(w http.ResponseWriter, r *http.Request) {
	var action interfaces.ActionParameter
	if err := decodeBody(r, &action); err != nil {
		h.writeError(w, r, &RequestError{http.StatusBadRequest, api.ErrBadRequest})
		return
	}
	action.Name = chi.URLParam(r, "name")

	if err := h.cfg.Commands.DefineAction(r.Context(), &action); err != nil {
		h.writeError(w, r, requestError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, api.ActionParametersResponse(action))
}

func commandList(cmds []interfaces.Command) api.CommandListResponse {
	resp := api.CommandListResponse{Count: len(cmds), Commands: make([]api.CommandRecord, 0, len(cmds))}
	for i := range cmds {
		resp.Commands = append(resp.Commands, api.NewCommandRecord(&cmds[i]))
	}
	return resp
}

func requestError(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	status, _ := api.StatusFor(err)
	return &RequestError{StatusCode: status, Err: err}
}

// writeError returns the error text for client errors; operators are trusted
// with the detail. Server errors get a generic message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, reqErr *RequestError) {
	message := reqErr.Err.Error()
	if reqErr.StatusCode >= http.StatusInternalServerError {
		message = "Internal server error"
		h.log.Error("operator request failed", "path", r.URL.Path, "err", reqErr.Err)
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
