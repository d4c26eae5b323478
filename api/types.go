package api

import (
	"encoding/json"
	"time"

	"github.com/ruteri/device-relay-backend/cryptoutils"
	"github.com/ruteri/device-relay-backend/interfaces"
)

// MaxRequestBody bounds every request body accepted by the relay.
const MaxRequestBody = 1 << 20

// ServerKeyResponse is returned by GET /server-key.
type ServerKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

// DeviceInfo describes a device inside a registration payload.
type DeviceInfo struct {
	DeviceID   string         `json:"deviceId"`
	PublicKey  string         `json:"publicKey"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Operations []string       `json:"operations,omitempty"`
}

// RegistrationPayload is the plaintext sealed inside the bootstrap envelope.
type RegistrationPayload struct {
	DeviceInfo DeviceInfo `json:"deviceInfo"`
	AuthToken  string     `json:"authToken"`
}

// RegisterRequest is the body of POST /register-device.
type RegisterRequest struct {
	Data *cryptoutils.BootstrapEnvelope `json:"data"`
}

// SessionGrant is the plaintext encrypted to the device's public key after a
// successful registration or reconnection.
type SessionGrant struct {
	SessionKey string    `json:"sessionKey"`
	Message    string    `json:"message"`
	ServerTime time.Time `json:"serverTime"`
}

// EncryptedResponse carries base64(RSA-OAEP(devicePub, json)).
type EncryptedResponse struct {
	Data string `json:"data"`
}

// ReconnectRequest is the body of POST /devices/{deviceId}/reconnect.
type ReconnectRequest struct {
	DeviceID  string `json:"deviceId,omitempty"`
	PublicKey string `json:"publicKey"`
}

// SessionRequest is an optional session envelope sent by an authenticated device.
type SessionRequest struct {
	Data *cryptoutils.SessionEnvelope `json:"data,omitempty"`
}

type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type HeartbeatResponse struct {
	Status string `json:"status"`
	Active bool   `json:"active"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

// PendingCommand is one entry of the pending-commands payload.
type PendingCommand struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// PendingCommands is the plaintext of GET /devices/{deviceId}/pending-commands.
type PendingCommands struct {
	Commands  []PendingCommand `json:"commands"`
	Timestamp int64            `json:"timestamp"`
}

// PendingCommandsResponse wraps the session-encrypted PendingCommands.
type PendingCommandsResponse struct {
	Data *cryptoutils.SessionEnvelope `json:"data"`
}

// CommandResult is the plaintext a device reports for a command.
type CommandResult struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CommandUpdateRequest is the body of POST /commands/{commandId}/update.
type CommandUpdateRequest struct {
	DeviceID string                       `json:"deviceId"`
	Data     *cryptoutils.SessionEnvelope `json:"data"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type GenerateTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenInfo is one entry of GET /admin/tokens.
type TokenInfo struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsUsed    bool      `json:"isUsed"`
	IsValid   bool      `json:"isValid"`
	CreatedBy string    `json:"createdBy"`
}

type TokenListResponse struct {
	Count  int         `json:"count"`
	Tokens []TokenInfo `json:"tokens"`
}

// ExecuteCommandRequest is the body of POST /execute-command.
type ExecuteCommandRequest struct {
	DeviceID string         `json:"deviceId"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params"`
}

type ExecuteCommandResponse struct {
	Status    string `json:"status"`
	CommandID string `json:"commandId"`
}

// CommandRecord is the operator view of a command.
type CommandRecord struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"deviceId"`
	DeviceType string          `json:"deviceType,omitempty"`
	Name       string          `json:"name"`
	Params     map[string]any  `json:"params"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func NewCommandRecord(c *interfaces.Command) CommandRecord {
	result := c.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return CommandRecord{
		ID:         c.ID,
		DeviceID:   c.DeviceID,
		DeviceType: c.DeviceType,
		Name:       c.Name,
		Params:     c.Params,
		Status:     string(c.Status),
		Result:     result,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

// DeviceRecord is the operator view of a device. Key material is never included.
type DeviceRecord struct {
	ID           string         `json:"id"`
	DeviceID     string         `json:"deviceId"`
	DeviceType   string         `json:"deviceType"`
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IsActive     bool           `json:"isActive"`
	RegisteredAt time.Time      `json:"registeredAt"`
	LastSeen     time.Time      `json:"lastSeen"`
}

func NewDeviceRecord(d *interfaces.Device) DeviceRecord {
	return DeviceRecord{
		ID:           d.ID,
		DeviceID:     d.DeviceID,
		DeviceType:   d.DeviceType,
		Capabilities: d.Capabilities,
		Metadata:     d.Metadata,
		IsActive:     d.IsActive,
		RegisteredAt: d.RegisteredAt,
		LastSeen:     d.LastSeen,
	}
}

type DeviceListResponse struct {
	Count   int            `json:"count"`
	Devices []DeviceRecord `json:"devices"`
}

type CapabilitiesResponse struct {
	DeviceID     string   `json:"deviceId"`
	Capabilities []string `json:"capabilities"`
}

type CommandListResponse struct {
	Count    int             `json:"count"`
	Commands []CommandRecord `json:"commands"`
}

// ActionParametersResponse is returned by GET /actions/{name}/parameters.
type ActionParametersResponse = interfaces.ActionParameter

// UnsealStatusResponse reports progress of collecting escrow shares.
type UnsealStatusResponse struct {
	Sealed    bool `json:"sealed"`
	Threshold int  `json:"threshold"`
	Received  int  `json:"received"`
}

type UnsealShareRequest struct {
	Share string `json:"share"`
}
